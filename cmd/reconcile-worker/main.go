// Package main is the entrypoint for the Reconcile Worker Lambda function.
//
// When the API runs with RECONCILE_MODE=queue, verified webhook events are
// enqueued instead of applied inline. This worker consumes the reconcile
// queue and applies each event through the same billing.Reconciler the API
// uses, so outcomes are identical whichever path delivered them.
//
// Cold Start (main):
//  1. Load configuration (SSM outside local).
//  2. Connect to PostgreSQL.
//  3. Build the plan registry, subscription service and reconciler.
//  4. Wire the billing events publisher and CloudWatch metrics.
//  5. Register the handler and call lambda.Start.
//
// Handler flow, per SQS message:
//  1. Decode the ReconcileMessage. Undecodable bodies are acknowledged and
//     logged; redelivery cannot fix them.
//  2. Reconcile the payment event. A persistence error reports the message
//     as a batch item failure so SQS redelivers it. Every other outcome,
//     including unknown users and stale events, is acknowledged.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"empowerher/internal/billing"
	"empowerher/internal/config"
	"empowerher/internal/db"
	"empowerher/internal/metrics"
	"empowerher/internal/queue"
	"empowerher/internal/types"
)

// Reconciler applies a verified payment event.
type Reconciler interface {
	Reconcile(ctx context.Context, evt *types.PaymentEvent) (billing.ReconcileResult, error)
}

// Handler holds the dependencies for the reconcile worker Lambda handler.
type Handler struct {
	reconciler Reconciler
	clock      types.Clock
	logger     *slog.Logger
}

// Handle processes an SQS event containing one or more reconcile messages.
// Lambda SQS integration uses partial batch responses: messages that fail
// processing are returned in batchItemFailures so SQS can retry them.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.Error("failed to process SQS message",
				"message_id", record.MessageId,
				"error", err.Error(),
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	msg, err := queue.DecodeReconcileMessage(record.Body)
	if err != nil {
		h.logger.Error("dropping undecodable reconcile message",
			"message_id", record.MessageId,
			"error", err.Error(),
		)
		return nil
	}

	logger := h.logger.With(
		"trace_id", msg.TraceID,
		"gateway", string(msg.Event.Gateway),
		"correlation_id", msg.Event.CorrelationID,
	)
	ctx = types.WithLogger(ctx, logger)

	if !msg.ReceivedAt.IsZero() {
		logger.Info("processing reconcile message",
			"queue_lag_ms", h.clock.Now().Sub(msg.ReceivedAt).Milliseconds(),
		)
	}

	result, err := h.reconciler.Reconcile(ctx, &msg.Event)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", msg.Event.CorrelationID, err)
	}

	logger.Info("reconcile message applied",
		"applied", result.Applied,
		"reason", string(result.Reason),
		"user_id", result.UserID,
	)
	return nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})).With("service", "reconcile-worker")

	ctx := context.Background()

	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		logger.Error("failed to load configuration", "error", err.Error())
		os.Exit(1)
	}

	pool, err := db.Connect(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err.Error())
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Error("failed to load AWS config", "error", err.Error())
		os.Exit(1)
	}
	if cfg.AWS.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
	}

	var publisher billing.EventPublisher
	if cfg.AWS.BillingEventsQueue != "" {
		publisher = queue.NewBillingEventPublisher(sqs.NewFromConfig(awsCfg), cfg.AWS, logger)
	}
	var m billing.Metrics
	if cfg.Observability.EnableMetrics {
		m = metrics.NewCloudWatchBillingMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger)
	}

	clock := types.RealClock{}
	store := db.NewStore(pool, logger)
	plans := billing.NewPlanRegistry(store, cfg.Billing.Currency, cfg.Billing.FreeReportsFallback, logger)
	// The worker never starts checkouts, so no gateway is wired.
	subs := billing.NewSubscriptionService(store, plans, nil, billing.SubscriptionConfig{
		GatewayTimeout: 15 * time.Second,
	}, clock, m, logger)

	h := &Handler{
		reconciler: billing.NewReconciler(store, subs, plans, publisher, m, clock, logger),
		clock:      clock,
		logger:     logger,
	}

	logger.Info("reconcile worker initialized",
		"reconcile_queue", cfg.AWS.ReconcileQueue,
		"billing_events_queue", cfg.AWS.BillingEventsQueue,
	)

	lambda.Start(h.Handle)
}
