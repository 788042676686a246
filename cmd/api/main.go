// Package main is the entry point for the EmpowerHer billing API.
//
// It loads configuration, connects to PostgreSQL and Redis, builds the
// payment gateway registry and the billing services, mounts the
// subscription, webhook and report handlers on the core chassis, and starts
// serving.
//
// Outside Lambda it runs as a standard HTTP server on the configured port.
// Inside Lambda it serves API Gateway HTTP API (payload v2) events through
// the same router.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
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

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"empowerher/internal/api/handlers"
	"empowerher/internal/auth"
	"empowerher/internal/billing"
	"empowerher/internal/cache"
	"empowerher/internal/config"
	"empowerher/internal/core"
	"empowerher/internal/db"
	"empowerher/internal/external"
	"empowerher/internal/metrics"
	"empowerher/internal/queue"
	"empowerher/internal/reports"
	"empowerher/internal/types"
)

// prometheusNamespace prefixes every exported Prometheus series.
const prometheusNamespace = "empowerher"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	ctx := context.Background()

	// SSM resolution is bypassed when APP_ENV=local.
	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg)
	logger.Info("empowerher API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"gateway", cfg.Billing.DefaultGateway,
		"reconcile_mode", cfg.Billing.ReconcileMode,
	)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Database.
	pool, err := db.Connect(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	srv.Closers = append(srv.Closers, pool.Close)
	srv.HealthProbes = append(srv.HealthProbes, core.ProbeFunc{ProbeName: "database", Fn: db.Healthcheck(pool)})
	if cfg.Database.RunMigrations {
		if err := db.Migrate(ctx, pool, logger); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	// Redis backs rate limiting and webhook replay suppression. Without it
	// each instance keeps its own in-memory state.
	deps := infra{
		store:       db.NewStore(pool, logger),
		reportTx:    db.NewReportTxManager(pool),
		reportStore: db.NewReportRepository(pool),
		gateways:    external.NewGatewayRegistry(cfg, logger),
		clock:       types.RealClock{},
	}
	redisClient, err := cache.Connect(ctx, cfg.Redis, logger)
	switch {
	case err == nil:
		srv.Closers = append(srv.Closers, func() { _ = redisClient.Close() })
		srv.HealthProbes = append(srv.HealthProbes, core.ProbeFunc{ProbeName: "redis", Fn: cache.Healthcheck(redisClient)})
		deps.rateLimit = cache.NewRedisRateLimiter(redisClient, "ratelimit:", deps.clock)
		deps.replay = cache.NewRedisReplayGuard(redisClient, "webhook:")
	case errors.Is(err, cache.ErrNotConfigured):
		logger.Warn("redis not configured, using in-memory rate limiting and replay guard")
		deps.rateLimit = cache.NewMemoryRateLimiter(deps.clock)
		deps.replay = cache.NewMemoryReplayGuard(deps.clock)
	default:
		return fmt.Errorf("connecting to redis: %w", err)
	}

	// AWS clients for the billing queues and CloudWatch.
	awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg)
	if cfg.AWS.BillingEventsQueue != "" {
		deps.publisher = queue.NewBillingEventPublisher(sqsClient, cfg.AWS, logger)
	}
	if cfg.Billing.ReconcileMode == "queue" {
		if cfg.AWS.ReconcileQueue == "" {
			return fmt.Errorf("RECONCILE_MODE=queue requires SQS_RECONCILE")
		}
		deps.enqueuer = queue.NewReconcileProducer(sqsClient, cfg.AWS, deps.clock, logger)
	}

	// Every enabled sink receives the same measurements.
	var recorders metrics.Fanout
	if cfg.Observability.PrometheusEnabled {
		prom := metrics.NewPrometheusMetrics(prometheusNamespace)
		srv.MetricsHandler = prom.Handler()
		recorders = append(recorders, prom)
	}
	if cfg.Observability.EnableMetrics {
		recorders = append(recorders,
			metrics.NewCloudWatchBillingMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger))
	}
	if len(recorders) > 0 {
		deps.metrics = recorders
		srv.Metrics = recorders
	}

	srv.Authenticator = auth.NewSessionAuthenticator(db.NewSessionRepository(pool), deps.clock, logger)
	srv.RateLimitStore = deps.rateLimit

	wire(srv, deps)

	srv.MountRoutes()

	if isLambdaEnvironment() {
		return runLambda(srv, logger)
	}

	return runHTTPServer(srv, cfg, logger)
}

// infra carries the storage and transport collaborators the billing
// services are built on. Tests substitute in-memory implementations.
type infra struct {
	store       billing.Store
	reportTx    reports.TxManager
	reportStore reports.Store
	gateways    *external.GatewayRegistry
	rateLimit   core.RateLimitStore
	replay      handlers.ReplayGuard
	publisher   billing.EventPublisher
	enqueuer    handlers.PaymentEventEnqueuer
	metrics     billing.Metrics
	clock       types.Clock
}

// wire builds the billing and report services over deps and registers the
// v1 handlers on srv.
func wire(srv *core.Server, deps infra) {
	cfg := srv.Config
	logger := srv.Logger

	plans := billing.NewPlanRegistry(deps.store, cfg.Billing.Currency, cfg.Billing.FreeReportsFallback, logger)

	// A nil default adapter leaves checkout answering gateway_not_configured.
	var checkout billing.CheckoutGateway
	if gw := deps.gateways.Default(); gw != nil {
		checkout = gw
	}
	subs := billing.NewSubscriptionService(deps.store, plans, checkout, billing.SubscriptionConfig{
		CallbackURL:    cfg.Billing.CallbackURL,
		GatewayTimeout: cfg.Billing.GatewayTimeout,
	}, deps.clock, deps.metrics, logger)
	reconciler := billing.NewReconciler(deps.store, subs, plans, deps.publisher, deps.metrics, deps.clock, logger)
	usage := billing.NewUsageCounter(deps.store, deps.clock)
	gate := billing.NewAdmissionGate(subs, plans, usage, deps.metrics, logger)
	reportSvc := reports.NewService(gate, deps.reportTx, deps.reportStore, deps.clock, logger)

	srv.Premium = subs

	guards := handlers.RouteGuards{
		RateLimit:      srv.RateLimit,
		RequireAdmin:   srv.RequireAdmin,
		RequirePremium: srv.RequirePremium,
	}

	subHandler := handlers.NewSubscriptionHandler(subs, plans, reconciler, deps.gateways, deps.store,
		guards, srv.Validator, cfg.Billing.GatewayTimeout, logger)
	webhookHandler := handlers.NewWebhookHandler(deps.gateways, reconciler, deps.enqueuer, deps.replay, logger)
	reportHandler := handlers.NewReportHandler(reportSvc, guards, srv.Validator, deps.clock, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		webhookHandler.RegisterRoutes,
		subHandler.RegisterRoutes,
		reportHandler.RegisterRoutes,
	)
}

// loadAWSConfig loads the default credential chain, pointing every client at
// LocalStack when an endpoint override is configured.
func loadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, err
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}
	return awsCfg, nil
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runLambda serves API Gateway events through the router until the runtime
// stops the process.
func runLambda(srv *core.Server, logger *slog.Logger) error {
	logger.Info("starting in Lambda mode")
	lambda.Start(newLambdaHandler(srv.Handler()).Handle)
	return nil
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
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

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with a 10-second deadline.
	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Release the database pool and Redis client.
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured JSON logger at the configured level, tagged
// with the service identity.
func newLogger(cfg *config.Config) *slog.Logger {
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler).With(
		"service", cfg.Service,
		"env", cfg.Environment,
		"version", cfg.Build.Version,
	)
}
