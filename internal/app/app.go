package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"go.uber.org/multierr"

	"github.com/darshitp091/Defence-Engine/internal/classifier"
	"github.com/darshitp091/Defence-Engine/internal/config"
	"github.com/darshitp091/Defence-Engine/internal/digest"
	"github.com/darshitp091/Defence-Engine/internal/infrastructure"
	"github.com/darshitp091/Defence-Engine/internal/license"
	handlers "github.com/darshitp091/Defence-Engine/internal/transport/http"
	"github.com/darshitp091/Defence-Engine/internal/workers"
)

// engineStopTimeout bounds how long in-flight hash jobs may drain on stop.
const engineStopTimeout = 10 * time.Second

// Application represents the main application container
type Application struct {
	Config  *config.Config
	Logger  *slog.Logger
	OTel    *infrastructure.OTelProviders
	Metrics *infrastructure.Metrics
	Sampler *infrastructure.RuntimeSampler
	Engine  *workers.Engine
	Ledger  *license.Ledger
	Monitor *classifier.Monitor
	Router  chi.Router
	Server  *http.Server

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// NewApplication wires every component from cfg. Nothing runs until Start.
func NewApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (app *Application, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Paths().EnsureDirectories(); err != nil {
		return nil, err
	}

	a := &Application{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.release(context.Background())
		}
	}()

	if a.OTel, err = infrastructure.InitializeOTel(cfg.Telemetry, logger); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if a.Metrics, err = infrastructure.NewMetrics(a.OTel.Meter); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	if a.Sampler, err = infrastructure.NewRuntimeSampler(a.OTel.Meter, clock.New()); err != nil {
		return nil, fmt.Errorf("failed to register runtime metrics: %w", err)
	}

	if a.Engine, err = workers.NewEngine(cfg, logger, a.Metrics); err != nil {
		return nil, fmt.Errorf("failed to build hash engine: %w", err)
	}
	if a.Ledger, err = OpenLedger(ctx, cfg, logger, a.Metrics); err != nil {
		return nil, err
	}

	remote, err := newClassifier(cfg.Classifier)
	if err != nil {
		return nil, err
	}
	a.Monitor = classifier.NewMonitor(remote, a.Engine, cfg.Classifier, logger,
		classifier.WithSampler(a.Sampler),
		classifier.WithBurst(cfg.Workers.TrapBurst))

	a.Router = handlers.NewRouter(handlers.Dependencies{
		Engine:  a.Engine,
		Ledger:  a.Ledger,
		Monitor: a.Monitor,
		Checks: map[string]handlers.HealthCheck{
			"ledger": a.checkLedger,
		},
		Sampler:        a.Sampler,
		Metrics:        a.Metrics,
		Prometheus:     a.OTel.PrometheusHTTP,
		RequestTimeout: cfg.Server.RequestTimeout,
		StatsInterval:  cfg.Classifier.MonitorInterval,
		Logger:         logger,

		CORSOrigins:     cfg.Server.CORSOrigins,
		RateLimitRPS:    cfg.Server.RateLimitRPS,
		RateLimitBurst:  cfg.Server.RateLimitBurst,
		RequireLicense:  cfg.Server.RequireLicense,
		LicenseCacheTTL: cfg.Server.LicenseCacheTTL,
	})
	a.createServer()

	return a, nil
}

// OpenLedger opens the configured store and signing key and returns a ready
// ledger. The store is closed again if anything after it fails.
func OpenLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *infrastructure.Metrics) (*license.Ledger, error) {
	combiner, err := digest.NewCombiner(cfg.Hash.Algorithms)
	if err != nil {
		return nil, fmt.Errorf("failed to build digest combiner: %w", err)
	}
	signer, err := license.LoadSigner(cfg.Ledger, combiner, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	store, err := license.OpenStore(ctx, cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s ledger store: %w", cfg.Ledger.Driver, err)
	}
	ledger, err := license.New(store, signer, combiner, cfg.Ledger,
		license.WithLogger(logger),
		license.WithMetrics(metrics))
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to create ledger: %w", err), store.Close())
	}
	return ledger, nil
}

// newClassifier prefers the remote service and falls back to the local
// heuristic whenever it is unset or unreachable.
func newClassifier(cfg config.ClassifierConfig) (classifier.Classifier, error) {
	if cfg.Endpoint == "" {
		return classifier.Heuristic{}, nil
	}
	remote, err := classifier.NewHTTPClassifier(cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build threat classifier: %w", err)
	}
	return classifier.WithFallback(remote, classifier.Heuristic{}), nil
}

func (a *Application) checkLedger(ctx context.Context) error {
	_, err := a.Ledger.List(ctx, license.Filter{Limit: 1})
	return err
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         a.Config.Server.Address(),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Addr returns the bound listen address once Start has returned.
func (a *Application) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return a.Server.Addr
	}
	return a.listener.Addr().String()
}

// Start launches the engine, the threat monitor and the HTTP server. A
// server failure after startup calls cancel so Run can shut down.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("name", config.AppName),
		slog.String("version", config.AppVersion),
		slog.String("address", a.Server.Addr),
		slog.String("ledger_driver", a.Config.Ledger.Driver),
		slog.String("level", a.Config.Logging.Level))

	if err := a.Engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hash engine: %w", err)
	}

	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	bgCtx, bgCancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = bgCancel

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.Monitor.Run(bgCtx)
	}()
	go func() {
		defer a.wg.Done()
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			if cancel != nil {
				cancel()
			}
		}
	}()

	if err := a.performStartupHealthCheck(ctx); err != nil {
		a.Logger.WarnContext(ctx, "Startup health check warnings", slog.String("warnings", err.Error()))
	}

	a.Logger.InfoContext(ctx, "Application started successfully",
		slog.String("address", "http://"+a.Addr()),
		slog.String("public_key", a.Ledger.PublicKeyHex()))
	return nil
}

// performStartupHealthCheck probes the ledger store and one hash.
func (a *Application) performStartupHealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var err error
	if e := a.checkLedger(ctx); e != nil {
		err = multierr.Append(err, fmt.Errorf("ledger: %w", e))
	}
	if _, e := a.Engine.Hash(ctx, []byte("startup"), workers.VariantStandard); e != nil {
		err = multierr.Append(err, fmt.Errorf("hash engine: %w", e))
	}
	return err
}

// Stop shuts the server down, then background work, then the engine, ledger
// and telemetry. It is safe to call more than once.
func (a *Application) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.Logger.InfoContext(ctx, "Shutting down application")

		shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
		defer cancel()

		a.mu.Lock()
		started := a.listener != nil
		a.mu.Unlock()

		var err error
		if started {
			if e := a.Server.Shutdown(shutdownCtx); e != nil {
				err = multierr.Append(err, fmt.Errorf("server shutdown error: %w", e))
			}
		}
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()

		if e := a.Engine.Stop(engineStopTimeout); e != nil {
			err = multierr.Append(err, fmt.Errorf("hash engine stop: %w", e))
		}
		err = multierr.Append(err, a.release(shutdownCtx))

		if err != nil {
			a.Logger.ErrorContext(ctx, "Application shutdown finished with errors", slog.String("error", err.Error()))
		} else {
			a.Logger.InfoContext(ctx, "Application shutdown complete")
		}
		a.stopErr = err
	})
	return a.stopErr
}

// release closes the ledger and telemetry providers.
func (a *Application) release(ctx context.Context) error {
	var err error
	if a.Ledger != nil {
		if e := a.Ledger.Close(); e != nil {
			err = multierr.Append(err, fmt.Errorf("ledger close: %w", e))
		}
	}
	if a.OTel != nil {
		if e := a.OTel.Shutdown(ctx); e != nil {
			err = multierr.Append(err, e)
		}
	}
	return err
}

// Run starts the application and blocks until SIGINT, SIGTERM, ctx ending
// or a server failure, then shuts down gracefully.
func (a *Application) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(sigCtx, cancel); err != nil {
		return multierr.Append(err, a.Stop(context.Background()))
	}

	<-sigCtx.Done()
	a.Logger.InfoContext(ctx, "Received shutdown signal")

	return a.Stop(context.Background())
}
