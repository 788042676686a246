package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"empowerher/internal/billing"
	"empowerher/internal/queue"
	"empowerher/internal/types"
)

type mockReconciler struct {
	errFor map[string]error
	seen   []string
}

func (m *mockReconciler) Reconcile(_ context.Context, evt *types.PaymentEvent) (billing.ReconcileResult, error) {
	m.seen = append(m.seen, evt.CorrelationID)
	if err := m.errFor[evt.CorrelationID]; err != nil {
		return billing.ReconcileResult{}, err
	}
	return billing.ReconcileResult{Applied: true, Reason: billing.ReasonConfirmed}, nil
}

func newTestHandler(r Reconciler) *Handler {
	return &Handler{
		reconciler: r,
		clock:      &types.FixedClock{T: time.Date(2026, 3, 15, 12, 0, 5, 0, time.UTC)},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func reconcileRecord(t *testing.T, id, correlationID string) events.SQSMessage {
	t.Helper()
	body, err := json.Marshal(queue.ReconcileMessage{
		TraceID:    "trace-" + id,
		ReceivedAt: time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC),
		Event: types.PaymentEvent{
			Gateway:       types.GatewayPaystack,
			CorrelationID: correlationID,
			IsSuccess:     true,
		},
	})
	require.NoError(t, err)
	return events.SQSMessage{MessageId: id, Body: string(body)}
}

func TestHandle_AppliesEachMessage(t *testing.T) {
	rec := &mockReconciler{}
	h := newTestHandler(rec)

	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		reconcileRecord(t, "m1", "sub_premium_user-1_a"),
		reconcileRecord(t, "m2", "sub_premium_user-2_b"),
	}})

	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	assert.Equal(t, []string{"sub_premium_user-1_a", "sub_premium_user-2_b"}, rec.seen)
}

func TestHandle_PersistenceFailureIsRetried(t *testing.T) {
	rec := &mockReconciler{errFor: map[string]error{
		"sub_premium_user-2_b": errors.New("conn reset"),
	}}
	h := newTestHandler(rec)

	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		reconcileRecord(t, "m1", "sub_premium_user-1_a"),
		reconcileRecord(t, "m2", "sub_premium_user-2_b"),
	}})

	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, "m2", resp.BatchItemFailures[0].ItemIdentifier)
}

func TestHandle_UndecodableMessageIsAcknowledged(t *testing.T) {
	rec := &mockReconciler{}
	h := newTestHandler(rec)

	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "bad-json", Body: "{not json"},
		{MessageId: "no-correlation", Body: `{"traceId":"t","event":{}}`},
	}})

	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	assert.Empty(t, rec.seen)
}
