package detect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"warden/core"
	"warden/metrics"
	"warden/util/goroutine"

	"go.uber.org/zap"
)

// FindingWriter persists findings
type FindingWriter interface {
	InsertFindings(ctx context.Context, findings []*core.Finding) error
}

// Escalator runs the incident escalation policies for one event and its findings
type Escalator interface {
	Escalate(ctx context.Context, ev *core.Event, findings []*core.Finding) (*core.Incident, error)
}

// FindingNotifier announces persisted findings. It must not block or fail the pipeline.
type FindingNotifier interface {
	NotifyFindings(ctx context.Context, findings []*core.Finding)
}

// Result is the outcome of processing one event
type Result struct {
	Event           *core.Event     `json:"event"`
	FindingsCreated bool            `json:"findings_created"`
	Findings        []*core.Finding `json:"findings"`
	Incident        *core.Incident  `json:"incident,omitempty"`
}

// DispatcherConfig holds the dispatcher's collaborators
type DispatcherConfig struct {
	Normalizer     *core.Normalizer
	Rules          []BoundRule
	Helpers        *Helpers
	Findings       FindingWriter
	Escalator      Escalator
	Notifier       FindingNotifier
	PersistTimeout time.Duration
	Logger         *zap.SugaredLogger
	Clock          func() time.Time
}

// Dispatcher runs one raw event through normalization, every enabled rule in configuration
// order, finding persistence and escalation.
type Dispatcher struct {
	normalizer     *core.Normalizer
	rules          []BoundRule
	helpers        *Helpers
	findings       FindingWriter
	escalator      Escalator
	notifier       FindingNotifier
	persistTimeout time.Duration
	logger         *zap.SugaredLogger
	clock          func() time.Time
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Helpers == nil || cfg.Helpers.Store == nil || cfg.Helpers.Dedup == nil || cfg.Helpers.Baseline == nil {
		return nil, fmt.Errorf("%w: dispatcher requires a state store, dedup guard and baseline tracker", core.ErrConfiguration)
	}
	if cfg.Findings == nil || cfg.Escalator == nil {
		return nil, fmt.Errorf("%w: dispatcher requires finding storage and an escalator", core.ErrConfiguration)
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = core.NewNormalizer(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Helpers.Logger == nil {
		cfg.Helpers.Logger = cfg.Logger
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}

	return &Dispatcher{
		normalizer:     cfg.Normalizer,
		rules:          cfg.Rules,
		helpers:        cfg.Helpers,
		findings:       cfg.Findings,
		escalator:      cfg.Escalator,
		notifier:       cfg.Notifier,
		persistTimeout: cfg.PersistTimeout,
		logger:         cfg.Logger,
		clock:          cfg.Clock,
	}, nil
}

// Rules returns the enabled rules in evaluation order
func (d *Dispatcher) Rules() []BoundRule {
	return d.rules
}

// ProcessEvent runs the pipeline for raw. A returned error means the invocation failed and
// the delivery layer may retry it; core.IsRetryable tells which failures are worth retrying.
// Dedup claims made before a failure are kept.
func (d *Dispatcher) ProcessEvent(ctx context.Context, raw *core.RawEvent) (*Result, error) {
	start := time.Now()
	defer func() {
		metrics.EventProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	now := d.clock()
	ev, err := d.normalizer.Normalize(raw, now)
	if err != nil {
		return nil, d.fail("normalize", nil, err)
	}

	if err := d.helpers.Baseline.Record(ctx, ev, now); err != nil {
		return nil, d.fail("baseline", ev, err)
	}

	var findings []*core.Finding
	for _, br := range d.rules {
		out, err := d.evaluate(ctx, br, ev, now)
		if err != nil {
			class := core.ErrorClass(err)
			metrics.RuleErrors.WithLabelValues(br.Rule.Key(), class).Inc()
			if errors.Is(err, core.ErrStateUnavailable) {
				return nil, d.fail("rule "+br.Rule.Key(), ev, err)
			}
			d.logger.Warnw("Rule evaluation failed, treating as no finding",
				"rule", br.Rule.Key(),
				"event_id", ev.EventID,
				"error_class", class,
				"error", err)
			continue
		}
		findings = append(findings, d.validFindings(br.Rule.Key(), out)...)
	}

	if len(findings) > 0 {
		if err := d.persist(ctx, findings); err != nil {
			return nil, d.fail("persist findings", ev, err)
		}
		for _, f := range findings {
			metrics.FindingsGenerated.WithLabelValues(f.RuleName, string(f.Severity)).Inc()
		}
		if d.notifier != nil {
			d.notifier.NotifyFindings(ctx, findings)
		}
	}

	incident, err := d.escalator.Escalate(ctx, ev, findings)
	if err != nil {
		return nil, d.fail("escalate", ev, err)
	}

	metrics.EventsProcessed.WithLabelValues("ok").Inc()
	return &Result{
		Event:           ev,
		FindingsCreated: len(findings) > 0,
		Findings:        findings,
		Incident:        incident,
	}, nil
}

// evaluate invokes one rule, converting panics and plain errors into rule evaluation errors
func (d *Dispatcher) evaluate(ctx context.Context, br BoundRule, ev *core.Event, now time.Time) (out []*core.Finding, err error) {
	defer goroutine.RecoverError(br.Rule.Key(), core.ErrRuleEvaluation, &err, d.logger)

	out, err = br.Rule.Evaluate(ctx, &RuleContext{
		Event:   ev,
		Now:     now,
		Config:  br.Config,
		Helpers: d.helpers,
	})
	if err != nil && !errors.Is(err, core.ErrRuleEvaluation) {
		err = fmt.Errorf("%w: %s: %w", core.ErrRuleEvaluation, br.Rule.Key(), err)
	}
	return out, err
}

// validFindings drops nil findings and findings with a severity outside the four levels
func (d *Dispatcher) validFindings(rule string, in []*core.Finding) []*core.Finding {
	out := in[:0:0]
	for _, f := range in {
		if f == nil {
			continue
		}
		if !f.Severity.IsValid() {
			d.logger.Errorw("Rule emitted a finding with an invalid severity, dropping it",
				"rule", rule,
				"severity", f.Severity,
				"error_class", core.ErrorClassRuleEvaluation)
			continue
		}
		out = append(out, f)
	}
	return out
}

func (d *Dispatcher) persist(ctx context.Context, findings []*core.Finding) error {
	ctx, cancel := context.WithTimeout(ctx, d.persistTimeout)
	defer cancel()
	if err := d.findings.InsertFindings(ctx, findings); err != nil {
		if errors.Is(err, core.ErrPersistence) {
			return err
		}
		return fmt.Errorf("%w: %w", core.ErrPersistence, err)
	}
	return nil
}

func (d *Dispatcher) fail(stage string, ev *core.Event, err error) error {
	class := core.ErrorClass(err)
	if errors.Is(err, core.ErrInvalidEvent) {
		metrics.EventsProcessed.WithLabelValues("invalid").Inc()
	} else {
		metrics.EventsProcessed.WithLabelValues("failed").Inc()
		metrics.PipelineFailures.WithLabelValues(class).Inc()
	}

	fields := []interface{}{"stage", stage, "error_class", class, "error", err}
	if ev != nil {
		fields = append(fields, "event_id", ev.EventID, "source_ip", ev.SourceIP)
	}
	d.logger.Errorw("Event processing failed", fields...)
	return fmt.Errorf("%s: %w", stage, err)
}
