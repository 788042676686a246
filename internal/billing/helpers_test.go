package billing

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"empowerher/internal/types"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGateway struct {
	name    types.GatewayName
	session *types.CheckoutSession
	err     error
	block   bool
	got     []types.CheckoutRequest
}

func (g *fakeGateway) Name() types.GatewayName { return g.name }

func (g *fakeGateway) Initiate(ctx context.Context, req types.CheckoutRequest) (*types.CheckoutSession, error) {
	g.got = append(g.got, req)
	if g.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if g.err != nil {
		return nil, g.err
	}
	if g.session != nil {
		return g.session, nil
	}
	return &types.CheckoutSession{
		Gateway:           g.name,
		CorrelationID:     req.CorrelationID,
		CheckoutReference: "chk_1",
		Status:            types.CheckoutPending,
		RedirectURL:       "https://checkout.test/chk_1",
	}, nil
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishBillingEvent(ctx context.Context, evt types.BillingEvent) error {
	args := m.Called(ctx, evt)
	return args.Error(0)
}

type testEnv struct {
	store     *MemoryStore
	clock     *types.FixedClock
	plans     *PlanRegistry
	gateway   *fakeGateway
	subs      *SubscriptionService
	usage     *UsageCounter
	gate      *AdmissionGate
	publisher *mockPublisher
	recon     *Reconciler
}

// newTestEnv seeds the default catalog and one free user, "user-1".
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := NewMemoryStore()
	clock := &types.FixedClock{T: testNow}
	logger := discardLogger()

	plans := NewPlanRegistry(store, "KES", DefaultFreeReports, logger)
	_, err := plans.EnsureDefaults(context.Background())
	require.NoError(t, err)

	store.PutUser(types.User{ID: "user-1", Email: "amina@example.com", Name: "Amina W."})

	gw := &fakeGateway{name: types.GatewayPaystack}
	subs := NewSubscriptionService(store, plans, gw, SubscriptionConfig{
		CallbackURL:    "https://app.test/payment/callback",
		GatewayTimeout: 50 * time.Millisecond,
	}, clock, nil, logger)
	usage := NewUsageCounter(store, clock)
	pub := &mockPublisher{}
	pub.On("PublishBillingEvent", mock.Anything, mock.Anything).Return(nil).Maybe()

	return &testEnv{
		store:     store,
		clock:     clock,
		plans:     plans,
		gateway:   gw,
		subs:      subs,
		usage:     usage,
		gate:      NewAdmissionGate(subs, plans, usage, nil, logger),
		publisher: pub,
		recon:     NewReconciler(store, subs, plans, pub, nil, clock, logger),
	}
}

// putPremium stores a user with an active premium entitlement ending at end.
func (e *testEnv) putPremium(id string, end time.Time) {
	start := end.AddDate(0, -1, 0)
	e.store.PutUser(types.User{
		ID: id,
		Entitlement: types.Entitlement{
			Plan:               types.PlanPremium,
			Status:             types.SubStatusActive,
			CurrentPeriodStart: &start,
			CurrentPeriodEnd:   &end,
		},
	})
}

func (e *testEnv) user(t *testing.T, id string) *types.User {
	t.Helper()
	u, err := e.store.GetUser(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, u)
	return u
}

func successEvent(correlationID, userID string) *types.PaymentEvent {
	return &types.PaymentEvent{
		Gateway:       types.GatewayPaystack,
		CorrelationID: correlationID,
		IsSuccess:     true,
		Amount:        decimal.RequireFromString("9.99"),
		Currency:      "KES",
		RawStatus:     "success",
		Metadata: map[string]string{
			types.MetaUserID: userID,
			types.MetaPlan:   string(types.PlanPremium),
		},
	}
}

func failureEvent(correlationID, userID string) *types.PaymentEvent {
	evt := successEvent(correlationID, userID)
	evt.IsSuccess = false
	evt.RawStatus = "failed"
	return evt
}
