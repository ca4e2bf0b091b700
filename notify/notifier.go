package notify

import (
	"context"
	"errors"
	"time"

	"warden/core"
	"warden/metrics"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls the notifier fan-out
type Config struct {
	// MinSeverity filters findings; incidents are always announced
	MinSeverity   core.Severity
	RatePerSecond float64
	Burst         int
	Breaker       BreakerConfig
}

// DefaultConfig returns the notifier defaults
func DefaultConfig() Config {
	return Config{
		MinSeverity:   core.SeverityLow,
		RatePerSecond: 500,
		Burst:         1000,
		Breaker:       BreakerConfig{MaxFailures: 3, Timeout: 60 * time.Second},
	}
}

type channel struct {
	publisher Publisher
	breaker   *CircuitBreaker
}

// Notifier fans notifications out to every publisher. Delivery is fire-and-forget: failures
// are logged and counted but never returned to the pipeline. Each publisher sits behind its
// own circuit breaker and all notifications share one rate limit.
type Notifier struct {
	channels    []channel
	limiter     *rate.Limiter
	minSeverity core.Severity
	logger      *zap.SugaredLogger
}

// NewNotifier creates a notifier over publishers
func NewNotifier(cfg Config, logger *zap.SugaredLogger, publishers ...Publisher) (*Notifier, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = core.SeverityLow
	}
	if !cfg.MinSeverity.IsValid() {
		return nil, errors.New("invalid notifier minimum severity: " + string(cfg.MinSeverity))
	}
	if cfg.RatePerSecond <= 0 || cfg.Burst < 1 {
		return nil, errors.New("notifier rate and burst must be positive")
	}

	n := &Notifier{
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		minSeverity: cfg.MinSeverity,
		logger:      logger,
	}
	for _, p := range publishers {
		cb, err := NewCircuitBreaker(cfg.Breaker, nil)
		if err != nil {
			return nil, err
		}
		n.channels = append(n.channels, channel{publisher: p, breaker: cb})
	}
	return n, nil
}

// NotifyFindings announces persisted findings
func (n *Notifier) NotifyFindings(ctx context.Context, findings []*core.Finding) {
	for _, f := range findings {
		if !f.Severity.AtLeast(n.minSeverity) {
			continue
		}
		n.dispatch("finding", f.FindingID, func(p Publisher) error {
			return p.PublishFinding(ctx, f)
		})
	}
}

// NotifyIncident announces a created or updated incident
func (n *Notifier) NotifyIncident(ctx context.Context, incident *core.Incident, created bool) {
	n.dispatch("incident", incident.IncidentID, func(p Publisher) error {
		return p.PublishIncident(ctx, incident, created)
	})
}

func (n *Notifier) dispatch(kind, id string, publish func(Publisher) error) {
	if !n.limiter.Allow() {
		metrics.NotificationsDropped.WithLabelValues("all", "rate_limited").Inc()
		n.logger.Warnw("Notification dropped by rate limit", "kind", kind, "id", id)
		return
	}

	for _, ch := range n.channels {
		name := ch.publisher.Name()
		if err := ch.breaker.Allow(); err != nil {
			metrics.NotificationsDropped.WithLabelValues(name, "circuit_open").Inc()
			n.logger.Debugw("Notification skipped, circuit open", "publisher", name, "kind", kind, "id", id)
			continue
		}

		err := publish(ch.publisher)
		oldState, newState := ch.breaker.Record(err)
		if oldState != newState {
			n.logger.Warnw("Notification circuit breaker changed state",
				"publisher", name, "from", oldState, "to", newState)
		}
		if err != nil {
			metrics.NotificationsDropped.WithLabelValues(name, "publish_failed").Inc()
			n.logger.Errorw("Failed to publish notification",
				"publisher", name, "kind", kind, "id", id, "error", err)
		}
	}
}
