package bootstrap

import (
	"fmt"
	"time"

	"warden/config"
	"warden/core"
	"warden/detect"
	"warden/escalation"
	"warden/notify"
	"warden/storage"

	"go.uber.org/zap"
)

// Pipeline holds the detection and escalation components built over a state store and a
// durable store.
type Pipeline struct {
	Rules      []detect.BoundRule
	Engine     *escalation.Engine
	Notifier   *notify.Notifier
	Dispatcher *detect.Dispatcher
}

// PipelineOptions configures BuildPipeline
type PipelineOptions struct {
	State      core.StateStore
	Store      storage.Storage
	Publishers []notify.Publisher
	Clock      func() time.Time
}

// NotifierConfig translates the notify configuration section
func NotifierConfig(cfg *config.Config) notify.Config {
	return notify.Config{
		MinSeverity:   core.Severity(cfg.Notify.MinSeverity),
		RatePerSecond: cfg.Notify.RatePerSecond,
		Burst:         cfg.Notify.Burst,
		Breaker: notify.BreakerConfig{
			MaxFailures: cfg.Notify.BreakerFailures,
			Timeout:     cfg.Notify.BreakerTimeout,
		},
	}
}

// BuildPipeline binds the configured rules and wires the dispatcher, escalation engine and
// notifier. Rule configuration errors are fatal.
func BuildPipeline(cfg *config.Config, opts PipelineOptions, sugar *zap.SugaredLogger) (*Pipeline, error) {
	if opts.State == nil || opts.Store == nil {
		return nil, fmt.Errorf("%w: pipeline requires a state store and durable storage", core.ErrConfiguration)
	}

	var mappings core.FieldMappings
	if cfg.FieldMappingsPath != "" {
		loaded, err := core.LoadFieldMappings(cfg.FieldMappingsPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrConfiguration, err)
		}
		mappings = loaded
		sugar.Infow("Field mappings loaded", "path", cfg.FieldMappingsPath, "canonical_keys", len(mappings))
	}

	rules, err := detect.NewRegistry().Build(cfg.Rules)
	if err != nil {
		return nil, err
	}
	for _, br := range rules {
		sugar.Debugw("Rule enabled", "rule", br.Config.Key, "window", br.Config.Window(), "dedup", br.Config.DedupTTL())
	}

	dedup := core.NewDedupGuard(opts.State)

	notifier, err := notify.NewNotifier(NotifierConfig(cfg), sugar, opts.Publishers...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfiguration, err)
	}

	engine, err := escalation.NewEngine(escalation.EngineConfig{
		State:     opts.State,
		Dedup:     dedup,
		Incidents: opts.Store,
		Notifier:  notifier,
		Logger:    sugar,
		Clock:     opts.Clock,
	})
	if err != nil {
		return nil, err
	}

	dispatcher, err := detect.NewDispatcher(detect.DispatcherConfig{
		Normalizer: core.NewNormalizer(mappings),
		Rules:      rules,
		Helpers: &detect.Helpers{
			Store:    opts.State,
			Dedup:    dedup,
			Baseline: detect.NewBaselineTracker(opts.State),
			Logger:   sugar,
		},
		Findings:       opts.Store,
		Escalator:      engine,
		Notifier:       notifier,
		PersistTimeout: cfg.Engine.PersistTimeout,
		Logger:         sugar,
		Clock:          opts.Clock,
	})
	if err != nil {
		return nil, err
	}

	sugar.Infow("Detection pipeline ready",
		"rules", len(rules),
		"policies", len(engine.Policies()),
		"publishers", len(opts.Publishers))

	return &Pipeline{Rules: rules, Engine: engine, Notifier: notifier, Dispatcher: dispatcher}, nil
}
