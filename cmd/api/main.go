// Package main is the entry point for the planguard API server.
//
// It loads configuration, connects the PostgreSQL pool, builds the webhook
// adapter registry and the domain services, wires the HTTP handlers into the
// core chassis (middleware, routing, health checks), and serves requests.
//
// When SQS_EVENTS is configured, verified webhook events are enqueued for the
// event worker; otherwise they are processed inline in the request. Graceful
// shutdown is handled via OS signal interception (SIGINT, SIGTERM).
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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"planguard/internal/api/handlers"
	"planguard/internal/config"
	"planguard/internal/core"
	"planguard/internal/db"
	"planguard/internal/external"
	"planguard/internal/plan"
	"planguard/internal/processor"
	"planguard/internal/providers"
	"planguard/internal/queue"
	"planguard/internal/sweeper"
	"planguard/internal/telemetry"
	"planguard/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(config.NewEnvVarProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("planguard API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	planRepo := db.NewPlanRepo(pool, logger)
	ledgerRepo := db.NewLedgerRepo(pool, logger)
	stores := &processor.PgStores{
		PlanRepo:   planRepo,
		LedgerRepo: ledgerRepo,
		Tx:         db.NewTxRunner(pool),
	}

	catalog, err := plan.NewCatalog(cfg.Providers.Catalog)
	if err != nil {
		return fmt.Errorf("building plan catalog: %w", err)
	}
	machine := plan.NewMachine(catalog, logger)
	registry := providers.NewRegistry(cfg.Providers, logger)

	metrics, err := newMetrics(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	identity := external.NewIdentityClient(nil, external.IdentityClientConfig{
		BaseURL: cfg.Identity.BaseURL,
		APIKey:  cfg.Identity.APIKey.Unmask(),
		Logger:  logger,
	})
	stripeClient := external.NewStripeClient(nil, external.StripeClientConfig{
		SecretKey: cfg.Providers.StripeSecretKey.Unmask(),
		Logger:    logger,
	})
	var mailer external.WelcomeMailer
	if cfg.Email.Enabled && cfg.Email.SendGridAPIKey.Unmask() != "" {
		mailer = external.NewSendGridClient(nil, external.SendGridClientConfig{
			APIKey:          cfg.Email.SendGridAPIKey.Unmask(),
			FromAddress:     cfg.Email.FromAddress,
			FromName:        cfg.Email.FromName,
			WelcomeTemplate: cfg.Email.WelcomeTemplate,
			Logger:          logger,
		})
	}

	proc := processor.New(processor.Config{
		Stores:   stores,
		Machine:  machine,
		Identity: identity,
		Mailer:   mailer,
		Metrics:  metrics,
		Logger:   logger,
	})

	dispatcher, err := newDispatcher(ctx, cfg, proc, logger)
	if err != nil {
		return fmt.Errorf("initializing event dispatcher: %w", err)
	}

	sweep := sweeper.New(planRepo, cfg.Sweeper, metrics, types.RealClock{}, logger)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = metrics
	srv.HealthProbes = append(srv.HealthProbes, db.PoolHealthProbe{Pool: pool})

	webhookHandler := handlers.NewWebhookHandler(registry, ledgerRepo, dispatcher, logger)
	entitlementHandler := handlers.NewEntitlementHandler(planRepo, plan.NewGate(), types.RealClock{}, logger)
	billingHandler := handlers.NewBillingHandler(
		planRepo, ledgerRepo, registry, machine, stripeClient,
		srv.Validator, types.RealClock{}, logger,
	)
	adminHandler := handlers.NewAdminHandler(planRepo, machine, sweep, srv.Validator, types.RealClock{}, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		webhookHandler.RegisterRoutes,
		entitlementHandler.RegisterRoutes,
		billingHandler.RegisterRoutes,
		adminHandler.RegisterRoutes(srv.AdminAuthMiddleware),
	)
	srv.MountRoutes()

	return runHTTPServer(ctx, srv, cfg, logger)
}

// newMetrics builds the CloudWatch collector, or a no-op one when metrics
// are disabled.
func newMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*telemetry.Collector, error) {
	if !cfg.Observability.EnableMetrics {
		return telemetry.NewCollector(nil, cfg.Observability.MetricNamespace, logger), nil
	}
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return telemetry.NewCollector(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger), nil
}

// newDispatcher returns the SQS publisher when an event queue is configured,
// otherwise an inline dispatcher that processes events in the request.
func newDispatcher(ctx context.Context, cfg *config.Config, proc *processor.Processor, logger *slog.Logger) (handlers.Dispatcher, error) {
	if cfg.AWS.EventQueue == "" {
		logger.Info("no event queue configured, processing webhook events inline")
		return &processor.InlineDispatcher{Processor: proc, Logger: logger}, nil
	}
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return queue.NewEventTrigger(sqs.NewFromConfig(awsCfg), cfg.AWS, logger), nil
}

// loadAWSConfig loads the SDK configuration, honoring the LocalStack endpoint
// override when set.
func loadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
	}
	if cfg.AWS.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.AWS.EndpointURL))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// runHTTPServer starts the server in standard HTTP mode with graceful
// shutdown.
func runHTTPServer(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured JSON logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
