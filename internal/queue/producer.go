// Package queue provides SQS-based message producers for billing change
// notifications and deferred payment reconciliation.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"empowerher/internal/billing"
	"empowerher/internal/config"
	"empowerher/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ReconcileMessage wraps a verified payment event for the reconcile worker.
type ReconcileMessage struct {
	TraceID    string             `json:"traceId"`
	ReceivedAt time.Time          `json:"receivedAt"`
	Event      types.PaymentEvent `json:"event"`
}

// BillingEventPublisher sends subscription change events to the billing
// events queue.
type BillingEventPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

var _ billing.EventPublisher = (*BillingEventPublisher)(nil)

// NewBillingEventPublisher creates a publisher targeting
// AWSConfig.BillingEventsQueue.
func NewBillingEventPublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *BillingEventPublisher {
	return &BillingEventPublisher{
		client:   client,
		queueURL: awsCfg.BillingEventsQueue,
		logger:   logger,
	}
}

// PublishBillingEvent implements billing.EventPublisher.
func (p *BillingEventPublisher) PublishBillingEvent(ctx context.Context, evt types.BillingEvent) error {
	if err := send(ctx, p.client, p.queueURL, evt, map[string]string{
		"type":    evt.Type,
		"gateway": string(evt.Gateway),
	}); err != nil {
		return err
	}

	p.logger.InfoContext(ctx, "billing event sent",
		"queue_url", p.queueURL,
		"type", evt.Type,
		"user_id", evt.UserID,
		"plan", string(evt.Plan),
		"status", string(evt.Status),
		"correlation_id", evt.CorrelationID,
	)
	return nil
}

// ReconcileProducer defers reconciliation of verified payment events to the
// reconcile worker.
type ReconcileProducer struct {
	client   SQSSender
	queueURL string
	clock    types.Clock
	logger   *slog.Logger
}

// NewReconcileProducer creates a producer targeting AWSConfig.ReconcileQueue.
func NewReconcileProducer(client SQSSender, awsCfg config.AWSConfig, clock types.Clock, logger *slog.Logger) *ReconcileProducer {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &ReconcileProducer{
		client:   client,
		queueURL: awsCfg.ReconcileQueue,
		clock:    clock,
		logger:   logger,
	}
}

// EnqueuePaymentEvent sends evt to the reconcile queue.
func (p *ReconcileProducer) EnqueuePaymentEvent(ctx context.Context, evt *types.PaymentEvent) error {
	if evt == nil {
		return fmt.Errorf("queue: payment event is nil")
	}
	msg := ReconcileMessage{
		TraceID:    uuid.New().String(),
		ReceivedAt: p.clock.Now().UTC(),
		Event:      *evt,
	}
	if err := send(ctx, p.client, p.queueURL, msg, map[string]string{
		"gateway":        string(evt.Gateway),
		"correlation_id": evt.CorrelationID,
	}); err != nil {
		return err
	}

	p.logger.InfoContext(ctx, "payment event enqueued",
		"queue_url", p.queueURL,
		"trace_id", msg.TraceID,
		"gateway", string(evt.Gateway),
		"correlation_id", evt.CorrelationID,
		"success", evt.IsSuccess,
	)
	return nil
}

// send serializes body to JSON and dispatches it with string attributes.
func send(ctx context.Context, client SQSSender, queueURL string, body any, attrs map[string]string) error {
	if queueURL == "" {
		return fmt.Errorf("queue: no queue URL configured")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal %T: %w", body, err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(queueURL),
		MessageBody:       aws.String(string(payload)),
		MessageAttributes: make(map[string]sqsTypes.MessageAttributeValue, len(attrs)),
	}
	for k, v := range attrs {
		if v == "" {
			continue
		}
		input.MessageAttributes[k] = sqsTypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}

	if _, err := client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send %T to %s: %w", body, queueURL, err)
	}
	return nil
}

// DecodeReconcileMessage parses an SQS body produced by EnqueuePaymentEvent.
func DecodeReconcileMessage(body string) (*ReconcileMessage, error) {
	var msg ReconcileMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return nil, fmt.Errorf("queue: failed to unmarshal ReconcileMessage: %w", err)
	}
	if msg.Event.CorrelationID == "" {
		return nil, fmt.Errorf("queue: reconcile message has no correlation id")
	}
	return &msg, nil
}
