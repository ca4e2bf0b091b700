package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"warden/config"
	"warden/core"
	"warden/ingest"
	"warden/notify"
	"warden/storage"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// metricsInterval is how often SQLite pool statistics are exported
const metricsInterval = 15 * time.Second

// App represents the warden service with all its components.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	State    *core.RedisStateStore
	Store    *storage.SQLite
	NATS     *nats.Conn
	Pipeline *Pipeline
	Consumer *ingest.Consumer
	Ops      *OpsServer

	// Lifecycle
	serviceWg    *sync.WaitGroup
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// NewApp creates a new application instance and initializes all components.
func NewApp(ctx context.Context, configFile string) (*App, error) {
	app := &App{serviceWg: &sync.WaitGroup{}}

	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("warden starting...")

	cfg, err := InitConfig(configFile, sugar)
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	state, err := InitStateStore(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.State = state

	sqlite, err := InitSQLite(DataDirectoriesFromConfig(cfg), sugar)
	if err != nil {
		app.Shutdown()
		return nil, err
	}
	app.Store = sqlite

	nc, err := InitNATS(cfg, sugar)
	if err != nil {
		app.Shutdown()
		return nil, err
	}
	app.NATS = nc

	var publishers []notify.Publisher
	if cfg.Notify.Enabled {
		publishers = append(publishers, notify.NewNATSPublisher(nc, cfg.Notify.SubjectPrefix))
		sugar.Infow("Notifications enabled", "subject_prefix", cfg.Notify.SubjectPrefix, "min_severity", cfg.Notify.MinSeverity)
	} else {
		sugar.Info("Notifications disabled by configuration")
	}

	pipeline, err := BuildPipeline(cfg, PipelineOptions{
		State:      state,
		Store:      sqlite,
		Publishers: publishers,
	}, sugar)
	if err != nil {
		app.Shutdown()
		return nil, fmt.Errorf("failed to build detection pipeline: %w", err)
	}
	app.Pipeline = pipeline

	decoder, err := ingest.NewDecoder()
	if err != nil {
		app.Shutdown()
		return nil, err
	}
	handler := ingest.NewHandler(decoder, pipeline.Dispatcher, cfg.NATS.NakDelay, sugar)

	consumer, err := ingest.NewConsumer(nc, ingest.ConsumerConfig{
		Stream:        cfg.NATS.Stream,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		Durable:       cfg.NATS.Durable,
		MaxDeliver:    cfg.NATS.MaxDeliver,
		AckWait:       cfg.NATS.AckWait,
		BatchSize:     cfg.NATS.BatchSize,
		FetchWait:     cfg.NATS.FetchWait,
		Workers:       cfg.Engine.WorkerCount,
	}, handler, sugar)
	if err != nil {
		app.Shutdown()
		return nil, fmt.Errorf("failed to initialize event consumer: %w", err)
	}
	app.Consumer = consumer

	app.Ops = NewOpsServer(cfg.Ops.Listen, map[string]HealthCheck{
		"redis":  state.Ping,
		"sqlite": sqlite.HealthCheck,
		"nats": func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats connection status %s", nc.Status())
			}
			return nil
		},
	}, sugar)

	return app, nil
}

// Start starts all application services.
func (a *App) Start(ctx context.Context) error {
	if a.Consumer == nil || a.Ops == nil {
		return fmt.Errorf("%w: application is not initialized", core.ErrConfiguration)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.Store.StartMetricsCollection(runCtx, metricsInterval)

	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		if err := a.Consumer.Run(runCtx); err != nil {
			a.Sugar.Errorw("Event consumer stopped", "error", err)
		}
	}()

	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		if err := a.Ops.Start(); err != nil {
			a.Sugar.Errorf("Ops server error: %v", err)
		}
	}()

	a.Sugar.Infow("warden started",
		"stream", a.Config.NATS.Stream,
		"subjects", a.Config.NATS.SubjectPrefix+".>",
		"workers", a.Config.Engine.WorkerCount,
		"ops", a.Config.Ops.Listen)
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM.
func (a *App) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	a.Sugar.Infow("Shutdown signal received", "signal", sig.String())
}

// Shutdown stops services and releases connections. It is safe to call more than once and
// on a partially initialized App.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.Sugar.Info("Shutting down...")

		if a.cancel != nil {
			a.cancel()
		}

		if a.Ops != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.Ops.Shutdown(ctx); err != nil {
				a.Sugar.Warnw("Ops server shutdown failed", "error", err)
			}
			cancel()
		}

		a.serviceWg.Wait()

		if a.NATS != nil {
			if err := a.NATS.Drain(); err != nil {
				a.Sugar.Warnw("NATS drain failed", "error", err)
			}
		}
		if a.Store != nil {
			if err := a.Store.Close(); err != nil {
				a.Sugar.Warnw("SQLite close failed", "error", err)
			}
		}
		if a.State != nil {
			if err := a.State.Close(); err != nil {
				a.Sugar.Warnw("Redis close failed", "error", err)
			}
		}

		a.Sugar.Info("Shutdown complete")
		_ = a.Logger.Sync()
	})
}
