package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/auth"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/classifier"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/config"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/dlq"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/event"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/gateway"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/media"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/policy"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/server"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/sweeper"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/telemetry"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/workflow"
)

// collaborator is what the orchestrator needs from the classifier service.
type collaborator interface {
	workflow.Segmenter
	workflow.LabelDetector
	workflow.PIIScanner
}

// publisher is a workflow.Publisher with a readiness check.
type publisher interface {
	workflow.Publisher
	server.Pinger
}

// app holds the wired service.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	store     storage.Store
	bus       *event.Bus
	engine    *policy.Engine
	orch      *workflow.Orchestrator
	gateway   *gateway.Gateway
	sweeper   *sweeper.Sweeper
	dlq       *dlq.Processor
	auth      *auth.Validator
	readiness map[string]server.Pinger
}

// build loads configuration and wires every component. Backends left
// unconfigured fall back to in-process implementations in dev only.
func build(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load failed: %w", err)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.IsDev() {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	a := &app{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics.NewMetrics(),
		readiness: make(map[string]server.Pinger),
	}
	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	// Initialize storage backend (PostgreSQL or in-memory)
	if cfg.DatabaseDSN != "" {
		store, err := storage.NewPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("failed to initialize postgres storage: %w", err)
		}
		a.store = store
	} else {
		if !cfg.IsDev() {
			return errors.New("APPROVALS_DB_DSN is required outside dev")
		}
		logger.Warn("Using in-memory storage")
		a.store = storage.NewMemory()
	}
	if cfg.RedisAddr != "" {
		offenders, err := storage.DialRedisOffenders(ctx, cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.store = storage.WithOffenders(a.store, offenders)
	}

	// Moderation policy, hot-reloaded by serve when a file is configured
	p, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}
	a.engine = policy.NewEngine(p)

	// Notifications and dead letters (NATS JetStream or in-process)
	var notifier workflow.Notifier = event.Noop{}
	if cfg.NATSURL != "" {
		bus, err := event.Connect(ctx, cfg.NATSURL, a.metrics, logger)
		if err != nil {
			return err
		}
		a.bus = bus
		a.readiness["nats"] = bus
		notifier = bus
	}
	a.dlq = dlq.NewProcessor(a.store, notifier, dlq.Options{
		Concurrency: cfg.DLQBatch,
		Metrics:     a.metrics,
		Logger:      logger,
	})
	var deadLetters workflow.DeadLetterSink = event.DirectDeadLetters{Handler: a.dlq}
	if a.bus != nil {
		deadLetters = a.bus
	}

	// External steps
	var steps collaborator
	if cfg.ClassifierURL != "" {
		steps = classifier.New(cfg.ClassifierURL)
	} else {
		if !cfg.IsDev() {
			return errors.New("APPROVALS_CLASSIFIER_URL is required outside dev")
		}
		logger.Warn("No classifier configured; every submission is scored clean")
		steps = classifier.Clean()
	}
	var pub publisher
	if cfg.S3Bucket != "" {
		s3p, err := media.NewS3Publisher(ctx, cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3PublicBucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			return err
		}
		pub = s3p
		a.readiness["s3"] = s3p
	} else {
		if !cfg.IsDev() {
			return errors.New("APPROVALS_S3_BUCKET is required outside dev")
		}
		logger.Warn("No object store configured; publications are recorded in memory")
		pub = media.NewLocalPublisher()
	}

	a.orch = workflow.New(workflow.Deps{
		Store:       a.store,
		Policy:      a.engine,
		Segmenter:   steps,
		Labels:      steps,
		PII:         steps,
		Publisher:   pub,
		Notifier:    notifier,
		DeadLetters: deadLetters,
		Metrics:     a.metrics,
		Logger:      logger,
		ApprovalTTL: cfg.ApprovalTTL,
		Retry: workflow.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			Initial:     cfg.RetryInitial,
			Max:         cfg.RetryMax,
		},
	})
	a.gateway = gateway.New(a.store, a.orch, a.metrics, logger, nil)
	a.sweeper = sweeper.New(a.store, a.orch, notifier, sweeper.Options{
		BatchSize: cfg.SweepBatch,
		Metrics:   a.metrics,
		Logger:    logger,
	})

	// Admin token validation (JWKS, or a local signing key in dev)
	if cfg.JWKSURL != "" {
		a.auth = auth.NewValidator(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWKSURL)
	} else {
		if !cfg.IsDev() {
			return errors.New("APPROVALS_JWKS_URL is required outside dev")
		}
		a.auth = auth.NewTestValidator(cfg.JWTIssuer, cfg.JWTAudience)
		token, err := a.auth.Mint("dev-admin", []string{auth.RoleAdmin}, 12*time.Hour)
		if err != nil {
			return fmt.Errorf("mint development token: %w", err)
		}
		logger.Info("Development admin token minted", "subject", "dev-admin", "token", token)
	}
	return nil
}

// close releases every backend that build opened. Safe on a partial app.
func (a *app) close() {
	if a.orch != nil {
		a.orch.Close()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Warn("NATS drain failed", "error", err)
		}
	}
	if a.store != nil {
		storage.Close(a.store)
	}
}

// serve runs until SIGINT or SIGTERM.
func serve(parent context.Context, resume bool) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	// Initialize OpenTelemetry
	if _, err := telemetry.InitTracer(telemetry.ServiceName, nil); err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(shutdownCtx)
	}()

	if a.cfg.PolicyFile != "" {
		go func() {
			if err := config.WatchPolicy(ctx, a.cfg.PolicyFile, a.engine.SetPolicy, logger); err != nil {
				logger.Error("Policy watcher stopped", "error", err)
			}
		}()
	}

	if resume {
		if _, err := a.orch.Resume(ctx); err != nil {
			return fmt.Errorf("resume in-flight submissions: %w", err)
		}
	}

	cron, err := sweeper.Schedule(ctx, a.cfg.SweepSchedule, a.sweeper, logger)
	if err != nil {
		return err
	}
	defer func() { <-cron.Stop().Done() }()

	if a.bus != nil {
		js := a.bus.JetStream()
		consumer, err := event.NewDLQConsumer(ctx, js, a.dlq, a.cfg.DLQBatch, a.cfg.DLQMaxDeliver, a.metrics, logger)
		if err != nil {
			return err
		}
		go consumer.Run(ctx)

		decisions, err := event.NewDecisionSubscriber(ctx, js, a.gateway, logger)
		if err != nil {
			return err
		}
		if err := decisions.Start(ctx); err != nil {
			return err
		}
		defer decisions.Stop()
	}

	// Create HTTP mux with all handlers and middleware
	mux, err := server.NewMux(server.Deps{
		Store:        a.store,
		Orchestrator: a.orch,
		Gateway:      a.gateway,
		Sweeper:      a.sweeper,
		Auth:         a.auth,
		Metrics:      a.metrics,
		Logger:       logger,
		Readiness:    a.readiness,
	})
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%s", a.cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "addr", addr, "env", a.cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	// Handle graceful shutdown
	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("Server exited")
	return nil
}
