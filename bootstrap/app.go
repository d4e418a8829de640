package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"alertfeed/api"
	"alertfeed/config"
	"alertfeed/fanout"
	"alertfeed/poller"
	"alertfeed/relay"
	"alertfeed/service"
	"alertfeed/storage"
	"alertfeed/util/goroutine"

	"go.uber.org/zap"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// App represents the alert feed with all its components.
type App struct {
	// Configuration
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	// Storage
	Store      storage.EventStore
	Checkpoint *storage.RedisCheckpoint

	// Services
	Hub       *fanout.Hub
	Poller    *poller.Poller
	Planner   *service.Planner
	Relay     *relay.Relay
	APIServer *api.API

	// Lifecycle
	serviceWg    *sync.WaitGroup
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// NewApp loads configuration and builds every component. configPath may
// be empty to use the default search locations.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	logger, sugar, err := InitLogger(os.Getenv("ALERTFEED_LOG_LEVEL"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	sugar.Info("alertfeed starting...")

	cfg, err := InitConfig(configPath, sugar)
	if err != nil {
		return nil, err
	}
	return NewAppWithConfig(ctx, cfg, logger)
}

// NewAppWithConfig builds every component from an already loaded config.
func NewAppWithConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	sugar := logger.Sugar()
	app := &App{
		Config:    cfg,
		Logger:    logger,
		Sugar:     sugar,
		serviceWg: &sync.WaitGroup{},
	}

	store, err := InitStore(cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.Store = store

	app.Hub = fanout.NewHub(cfg.Hub.QueueSize, sugar.Named("fanout"))

	var opts []poller.Option
	if cp := InitCheckpoint(ctx, cfg, sugar); cp != nil {
		app.Checkpoint = cp
		opts = append(opts, poller.WithCheckpoint(cp))
	}
	app.Poller = poller.New(store, app.Hub, poller.Config{
		Interval:  cfg.Poller.Interval,
		Backoff:   cfg.Poller.Backoff,
		Grace:     cfg.Poller.Grace,
		BatchSize: cfg.Poller.BatchSize,
	}, sugar.Named("poller"), opts...)

	writer, err := InitKafkaWriter(cfg, sugar)
	if err != nil {
		app.closeStorage()
		return nil, err
	}
	if writer != nil {
		app.Relay, err = relay.New(app.Hub, writer, cfg.Kafka.DedupSize, sugar.Named("relay"))
		if err != nil {
			_ = writer.Close()
			app.closeStorage()
			return nil, err
		}
	}

	app.Planner = service.NewPlanner(store, sugar.Named("planner"))
	app.APIServer = api.NewAPI(app.Planner, app.Hub, store, cfg, sugar.Named("api"))

	return app, nil
}

// Start starts the poller, the optional relay and the API server.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.run("watermark-poller", func() error { return a.Poller.Run(runCtx) })
	if a.Relay != nil {
		a.run("kafka-relay", func() error { return a.Relay.Run(runCtx) })
	}

	a.run("api-server", func() error {
		a.Sugar.Infof("API server started on :%d", a.Config.API.Port)
		var err error
		if a.Config.API.TLS {
			err = a.APIServer.StartTLS(a.Config.API.CertFile, a.Config.API.KeyFile)
		} else {
			err = a.APIServer.Start()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	return nil
}

// run starts fn on a tracked goroutine and logs its failure or panic.
func (a *App) run(name string, fn func() error) {
	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		var err error
		func() {
			defer goroutine.RecoverInto(name, a.Sugar, func(p any) { err = fmt.Errorf("%s panicked: %v", name, p) })
			err = fn()
		}()
		if err != nil {
			a.Sugar.Errorw("Service stopped with error", "service", name, "error", err)
		}
	}()
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)
	sig := <-c
	a.Sugar.Infow("Shutdown signal received", "signal", sig.String())
}

// Shutdown gracefully shuts down all components. Safe to call twice.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.Sugar.Info("Shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if a.APIServer != nil {
			if err := a.APIServer.Stop(ctx); err != nil {
				a.Sugar.Warnw("API server shutdown error", "error", err)
			}
		}

		if a.cancel != nil {
			a.cancel()
		}
		if a.Hub != nil {
			a.Hub.Close()
		}
		a.serviceWg.Wait()

		if a.Relay != nil {
			if err := a.Relay.Close(); err != nil {
				a.Sugar.Warnw("Kafka relay close error", "error", err)
			}
		}
		a.closeStorage()

		a.Sugar.Info("Shutdown complete")
		_ = a.Logger.Sync()
	})
}

func (a *App) closeStorage() {
	if a.Checkpoint != nil {
		if err := a.Checkpoint.Close(); err != nil {
			a.Sugar.Warnw("Redis checkpoint close error", "error", err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Sugar.Warnw("Event store close error", "error", err)
		}
	}
}
