package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"empowerher/internal/core"
	"empowerher/internal/external"
	"empowerher/internal/types"
)

// maxWebhookBodySize is the maximum accepted webhook payload (64 KB).
// Provider payloads are small; the limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// defaultReplayTTL is how long a reconciled delivery is remembered.
const defaultReplayTTL = 24 * time.Hour

// PaymentEventEnqueuer hands verified events to the reconcile worker.
type PaymentEventEnqueuer interface {
	EnqueuePaymentEvent(ctx context.Context, evt *types.PaymentEvent) error
}

// ReplayGuard remembers deliveries that were already handled.
type ReplayGuard interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

// webhookAck is the body returned to providers for every accepted delivery.
type webhookAck struct {
	Received bool `json:"received"`
}

// WebhookHandler receives payment provider callbacks. It is NOT behind auth
// middleware; security comes from the provider signature, verified by the
// gateway adapter over the raw body before anything is parsed.
type WebhookHandler struct {
	gateways   GatewayLookup
	reconciler PaymentReconciler
	enqueuer   PaymentEventEnqueuer
	replay     ReplayGuard
	replayTTL  time.Duration
	logger     *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler. When enqueuer is nil events
// are reconciled inline; otherwise they are queued for the reconcile worker.
// replay may be nil.
func NewWebhookHandler(
	gateways GatewayLookup,
	reconciler PaymentReconciler,
	enqueuer PaymentEventEnqueuer,
	replay ReplayGuard,
	l *slog.Logger,
) *WebhookHandler {
	if l == nil {
		l = slog.Default()
	}
	return &WebhookHandler{
		gateways:   gateways,
		reconciler: reconciler,
		enqueuer:   enqueuer,
		replay:     replay,
		replayTTL:  defaultReplayTTL,
		logger:     l,
	}
}

// RegisterRoutes mounts the webhook endpoints. The bare path uses the
// default provider.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/subscriptions/webhook", h.HandleDefault)
	r.Post("/subscriptions/webhook/{provider}", h.HandleProvider)
}

// HandleDefault handles POST /v1/subscriptions/webhook.
func (h *WebhookHandler) HandleDefault(w http.ResponseWriter, r *http.Request) {
	gw := h.gateways.Default()
	if gw == nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeGatewayNotConfigured, "no payment provider configured", nil))
		return
	}
	h.handle(w, r, gw)
}

// HandleProvider handles POST /v1/subscriptions/webhook/{provider}.
func (h *WebhookHandler) HandleProvider(w http.ResponseWriter, r *http.Request) {
	gw, err := h.gateways.Get(types.GatewayName(chi.URLParam(r, "provider")))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	h.handle(w, r, gw)
}

// handle verifies and applies one delivery.
//
// Steps:
//  1. Read the raw body (bounded) and verify the signature. A bad signature
//     is 400 and never reaches reconciliation.
//  2. Deliveries without a payment outcome are acknowledged.
//  3. Deliveries already handled short-circuit on the replay guard.
//  4. The event is reconciled inline, or queued in queue mode.
//
// Unknown users and stale events are acknowledged with 200 so providers do
// not retry them. Only a persistence or enqueue failure returns 500, which
// asks the provider to redeliver.
func (h *WebhookHandler) handle(w http.ResponseWriter, r *http.Request, gw external.PaymentGateway) {
	ctx := r.Context()
	logger := types.LoggerFromContext(ctx, h.logger).With("gateway", gw.Name())

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidBody, "webhook payload too large", err))
			return
		}
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidBody, "failed to read webhook payload", err))
		return
	}

	signature := r.Header.Get(gw.SignatureHeader())
	if signature == "" {
		logger.WarnContext(ctx, "webhook missing signature header", "header", gw.SignatureHeader())
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationSignature, "missing webhook signature", nil))
		return
	}

	result, err := gw.ParseWebhook(payload, signature)
	if err != nil {
		logger.WarnContext(ctx, "webhook payload rejected", "error", err)
		core.Error(w, r, err)
		return
	}
	if !result.Valid {
		logger.WarnContext(ctx, "webhook signature verification failed")
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationSignature, "invalid webhook signature", nil))
		return
	}

	evt := result.Event
	if evt == nil {
		logger.InfoContext(ctx, "webhook carries no payment outcome, ignoring", "event_type", result.EventType)
		h.ack(w, r)
		return
	}
	logger = logger.With("correlation_id", evt.CorrelationID, "success", evt.IsSuccess)

	key := replayKey(evt)
	if h.seen(ctx, key, logger) {
		logger.InfoContext(ctx, "webhook already handled")
		h.ack(w, r)
		return
	}

	if h.enqueuer != nil {
		if err := h.enqueuer.EnqueuePaymentEvent(ctx, evt); err != nil {
			logger.ErrorContext(ctx, "failed to enqueue payment event", "error", err)
			core.Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to accept webhook", err))
			return
		}
		logger.InfoContext(ctx, "payment event queued")
		h.mark(ctx, key, logger)
		h.ack(w, r)
		return
	}

	res, err := h.reconciler.ReconcileDetached(ctx, evt)
	if err != nil {
		logger.ErrorContext(ctx, "payment reconciliation failed", "error", err)
		core.Error(w, r, err)
		return
	}
	if res.Applied {
		logger.InfoContext(ctx, "payment event reconciled", "reason", res.Reason, "user_id", res.UserID)
	} else {
		logger.WarnContext(ctx, "payment event not applied", "reason", res.Reason)
	}
	h.mark(ctx, key, logger)
	h.ack(w, r)
}

func (h *WebhookHandler) ack(w http.ResponseWriter, r *http.Request) {
	core.JSON(w, r, http.StatusOK, webhookAck{Received: true})
}

// seen fails open: a guard outage only costs a redundant reconciliation.
func (h *WebhookHandler) seen(ctx context.Context, key string, logger *slog.Logger) bool {
	if h.replay == nil {
		return false
	}
	ok, err := h.replay.Seen(ctx, key)
	if err != nil {
		logger.WarnContext(ctx, "replay guard lookup failed", "error", err)
		return false
	}
	return ok
}

func (h *WebhookHandler) mark(ctx context.Context, key string, logger *slog.Logger) {
	if h.replay == nil {
		return
	}
	if err := h.replay.Mark(ctx, key, h.replayTTL); err != nil {
		logger.WarnContext(ctx, "replay guard mark failed", "error", err)
	}
}

// replayKey distinguishes outcomes so a success following a failure for the
// same checkout is never suppressed.
func replayKey(evt *types.PaymentEvent) string {
	outcome := "failed"
	if evt.IsSuccess {
		outcome = "succeeded"
	}
	return string(evt.Gateway) + ":" + evt.CorrelationID + ":" + outcome
}
