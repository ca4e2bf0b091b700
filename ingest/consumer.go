package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subject suffixes used for delivery priority
const (
	PriorityCritical = "critical"
	PriorityNormal   = "normal"
)

// criticalPollWait bounds how long an idle critical subject delays the normal subject
const criticalPollWait = 50 * time.Millisecond

// ConsumerConfig configures the JetStream consumer
type ConsumerConfig struct {
	Stream        string
	SubjectPrefix string
	Durable       string
	MaxDeliver    int
	AckWait       time.Duration
	BatchSize     int
	FetchWait     time.Duration
	Workers       int
}

// source yields batches of deliveries from one subject
type source interface {
	fetch(batch int, wait time.Duration) ([]Delivery, error)
}

// Consumer pulls events from the critical and normal subjects and hands them to a bounded
// worker pool. Each poll drains the critical subject before reading the normal one.
type Consumer struct {
	cfg      ConsumerConfig
	handler  *Handler
	critical source
	normal   source
	logger   *zap.SugaredLogger
}

// NewConsumer ensures the stream exists and binds durable pull consumers for both subjects
func NewConsumer(nc *nats.Conn, cfg ConsumerConfig, handler *Handler, logger *zap.SugaredLogger) (*Consumer, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}
	if err := EnsureStream(js, cfg.Stream, cfg.SubjectPrefix); err != nil {
		return nil, err
	}

	subscribe := func(priority string) (source, error) {
		subject := SubjectFor(cfg.SubjectPrefix, priority)
		sub, err := js.PullSubscribe(subject, cfg.Durable+"-"+priority,
			nats.BindStream(cfg.Stream),
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.MaxDeliver(cfg.MaxDeliver),
			nats.AckWait(cfg.AckWait),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		return &jsSource{sub: sub}, nil
	}

	critical, err := subscribe(PriorityCritical)
	if err != nil {
		return nil, err
	}
	normal, err := subscribe(PriorityNormal)
	if err != nil {
		return nil, err
	}
	return newConsumer(cfg, handler, critical, normal, logger), nil
}

func newConsumer(cfg ConsumerConfig, handler *Handler, critical, normal source, logger *zap.SugaredLogger) *Consumer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Consumer{cfg: cfg, handler: handler, critical: critical, normal: normal, logger: logger}
}

// EnsureStream creates the event stream over <prefix>.> when it does not exist
func EnsureStream(js nats.JetStreamManager, stream, subjectPrefix string) error {
	_, err := js.StreamInfo(stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", stream, err)
	}
	if _, err := js.AddStream(&nats.StreamConfig{
		Name:     stream,
		Subjects: []string{subjectPrefix + ".>"},
		Storage:  nats.FileStorage,
	}); err != nil {
		return fmt.Errorf("failed to create stream %s: %w", stream, err)
	}
	return nil
}

// Run consumes until ctx is cancelled. Deliveries in flight when ctx ends are left unsettled
// and come back after AckWait.
func (c *Consumer) Run(ctx context.Context) error {
	pool := NewWorkerPool(ctx, c.cfg.Workers, c.cfg.BatchSize, c.logger)
	pool.Start()
	defer pool.Stop()

	c.logger.Infow("Consumer started",
		"stream", c.cfg.Stream, "prefix", c.cfg.SubjectPrefix, "workers", c.cfg.Workers, "batch", c.cfg.BatchSize)

	for {
		if ctx.Err() != nil {
			c.logger.Info("Consumer stopping")
			return nil
		}
		if _, err := c.poll(ctx, pool); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Errorw("Fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.cfg.FetchWait):
			}
		}
	}
}

// poll fetches one batch, critical subject first, and waits until every delivery of the
// batch is settled or ctx ends. It returns the number of deliveries handled.
func (c *Consumer) poll(ctx context.Context, pool *WorkerPool) (int, error) {
	batch, err := c.critical.fetch(c.cfg.BatchSize, criticalPollWait)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		if batch, err = c.normal.fetch(c.cfg.BatchSize, c.cfg.FetchWait); err != nil {
			return 0, err
		}
	}

	var wg sync.WaitGroup
	for _, d := range batch {
		d := d
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				// left unsettled; redelivered after AckWait
				return
			}
			c.handler.Handle(ctx, d)
		}); err != nil {
			wg.Done()
			return 0, err
		}
	}

	// Queued tasks finish in pool.Stop once ctx ends, which releases this waiter
	settled := make(chan struct{})
	go func() {
		wg.Wait()
		close(settled)
	}()
	select {
	case <-settled:
		return len(batch), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// jsSource adapts a JetStream pull subscription
type jsSource struct {
	sub *nats.Subscription
}

func (s *jsSource) fetch(batch int, wait time.Duration) ([]Delivery, error) {
	msgs, err := s.sub.Fetch(batch, nats.MaxWait(wait))
	if err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, jsDelivery{msg: m})
	}
	return out, nil
}

// jsDelivery adapts a JetStream message to Delivery
type jsDelivery struct {
	msg *nats.Msg
}

func (d jsDelivery) Subject() string          { return d.msg.Subject }
func (d jsDelivery) Data() []byte             { return d.msg.Data }
func (d jsDelivery) Header(key string) string { return d.msg.Header.Get(key) }
func (d jsDelivery) Ack() error               { return d.msg.Ack() }
func (d jsDelivery) Term() error              { return d.msg.Term() }
func (d jsDelivery) NakWithDelay(delay time.Duration) error {
	return d.msg.NakWithDelay(delay)
}
