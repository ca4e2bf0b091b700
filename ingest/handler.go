package ingest

import (
	"context"
	"errors"
	"time"

	"warden/core"
	"warden/detect"
	"warden/metrics"

	"go.uber.org/zap"
)

// Delivery is one message handed over by the queue. It is acknowledged exactly once.
type Delivery interface {
	Subject() string
	Data() []byte
	Header(key string) string
	Ack() error
	Term() error
	NakWithDelay(delay time.Duration) error
}

// Processor runs one raw event through the detection pipeline
type Processor interface {
	ProcessEvent(ctx context.Context, raw *core.RawEvent) (*detect.Result, error)
}

// Outcome is how a delivery was settled
type Outcome string

const (
	OutcomeAcked      Outcome = "ack"
	OutcomeTerminated Outcome = "term"
	OutcomeRetried    Outcome = "nak"
)

// Handler decodes deliveries, runs them through the pipeline and settles them: success acks,
// invalid events are terminated, every other failure is redelivered after NakDelay.
type Handler struct {
	decoder   *Decoder
	processor Processor
	nakDelay  time.Duration
	logger    *zap.SugaredLogger
}

// NewHandler creates a delivery handler
func NewHandler(decoder *Decoder, processor Processor, nakDelay time.Duration, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{decoder: decoder, processor: processor, nakDelay: nakDelay, logger: logger}
}

// Handle processes and settles d
func (h *Handler) Handle(ctx context.Context, d Delivery) Outcome {
	outcome, err := h.handle(ctx, d)
	metrics.DeliveriesHandled.WithLabelValues(d.Subject(), string(outcome)).Inc()

	var settleErr error
	switch outcome {
	case OutcomeAcked:
		settleErr = d.Ack()
	case OutcomeTerminated:
		h.logger.Warnw("Dropping invalid event", "subject", d.Subject(), "error_class", core.ErrorClass(err), "error", err)
		settleErr = d.Term()
	default:
		h.logger.Warnw("Event processing failed, requesting redelivery",
			"subject", d.Subject(), "error_class", core.ErrorClass(err), "delay", h.nakDelay, "error", err)
		settleErr = d.NakWithDelay(h.nakDelay)
	}
	if settleErr != nil {
		h.logger.Errorw("Failed to settle delivery", "subject", d.Subject(), "outcome", outcome, "error", settleErr)
	}
	return outcome
}

func (h *Handler) handle(ctx context.Context, d Delivery) (Outcome, error) {
	raw, err := h.decoder.Decode(d.Data(), d.Header(HeaderContentType))
	if err != nil {
		return OutcomeTerminated, err
	}
	if _, err := h.processor.ProcessEvent(ctx, raw); err != nil {
		if errors.Is(err, core.ErrInvalidEvent) {
			return OutcomeTerminated, err
		}
		return OutcomeRetried, err
	}
	return OutcomeAcked, nil
}
