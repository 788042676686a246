package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"empowerher/internal/types"
)

func checkout(t *testing.T, env *testEnv, userID string) string {
	t.Helper()
	session, err := env.subs.BeginPaidCheckout(context.Background(), userID, CheckoutInput{
		Plan:   types.PlanPremium,
		Method: types.PaymentMethodCard,
	})
	require.NoError(t, err)
	return session.CorrelationID
}

func TestReconcile_CheckoutThenSuccessWebhookActivatesPremium(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	corr := checkout(t, env, "user-1")

	env.clock.Advance(2 * time.Minute)
	res, err := env.recon.Reconcile(ctx, successEvent(corr, "user-1"))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, ReasonConfirmed, res.Reason)

	view, err := env.subs.GetEffective(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, types.PlanPremium, view.Plan)
	assert.Equal(t, types.SubStatusActive, view.Status)
	require.NotNil(t, view.CurrentPeriodEnd)
	assert.True(t, view.CurrentPeriodEnd.Equal(env.clock.T.AddDate(0, 1, 0)))
	assert.Empty(t, view.PaymentStatus)

	rec, err := env.store.GetSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, types.SubStatusActive, rec.Status)
	require.NotNil(t, rec.Metadata.Amount)
	assert.Equal(t, "9.99", rec.Metadata.Amount.String())
	assert.Equal(t, corr, rec.Metadata.Reference)

	env.publisher.AssertCalled(t, "PublishBillingEvent", mock.Anything, mock.MatchedBy(func(evt types.BillingEvent) bool {
		return evt.Type == types.BillingEventSubscriptionChanged &&
			evt.UserID == "user-1" &&
			evt.Status == types.SubStatusActive &&
			evt.CorrelationID == corr
	}))
}

func TestReconcile_DuplicateSuccessDoesNotExtendTwice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	corr := checkout(t, env, "user-1")

	_, err := env.recon.Reconcile(ctx, successEvent(corr, "user-1"))
	require.NoError(t, err)
	firstEnd := *env.user(t, "user-1").Entitlement.CurrentPeriodEnd

	env.clock.Advance(6 * time.Hour)
	res, err := env.recon.Reconcile(ctx, successEvent(corr, "user-1"))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, ReasonDuplicate, res.Reason)

	assert.True(t, firstEnd.Equal(*env.user(t, "user-1").Entitlement.CurrentPeriodEnd))
	env.publisher.AssertNumberOfCalls(t, "PublishBillingEvent", 1)
}

func TestReconcile_StaleFailureAfterSuccessDoesNotRegress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	corr := checkout(t, env, "user-1")

	_, err := env.recon.Reconcile(ctx, successEvent(corr, "user-1"))
	require.NoError(t, err)

	res, err := env.recon.Reconcile(ctx, failureEvent(corr, "user-1"))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, ReasonFailureNoMatch, res.Reason)

	u := env.user(t, "user-1")
	assert.Equal(t, types.PlanPremium, u.Entitlement.Plan)
	assert.Equal(t, types.SubStatusActive, u.Entitlement.Status)
	rec, err := env.store.GetSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, types.SubStatusActive, rec.Status)

	settlement, err := env.store.GetSettlement(ctx, corr)
	require.NoError(t, err)
	assert.Equal(t, types.SettlementSucceeded, settlement.Outcome)
}

func TestReconcile_FailureMovesPendingToPastDueAndKeepsEntitlement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	end := testNow.Add(5 * 24 * time.Hour)
	env.putPremium("prem-1", end)
	corr := checkout(t, env, "prem-1")

	res, err := env.recon.Reconcile(ctx, failureEvent(corr, "prem-1"))
	require.NoError(t, err)
	assert.Equal(t, ReasonFailureRecorded, res.Reason)

	rec, err := env.store.GetSubscription(ctx, "prem-1")
	require.NoError(t, err)
	assert.Equal(t, types.SubStatusPastDue, rec.Status)

	u := env.user(t, "prem-1")
	assert.Equal(t, types.PlanPremium, u.Entitlement.Plan)
	assert.Equal(t, types.SubStatusActive, u.Entitlement.Status)
	assert.True(t, end.Equal(*u.Entitlement.CurrentPeriodEnd))

	view, err := env.subs.GetEffective(ctx, "prem-1")
	require.NoError(t, err)
	assert.Equal(t, types.SubStatusPastDue, view.PaymentStatus)
}

func TestReconcile_SuccessAfterFailureStillConfirms(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	corr := checkout(t, env, "user-1")

	_, err := env.recon.Reconcile(ctx, failureEvent(corr, "user-1"))
	require.NoError(t, err)
	res, err := env.recon.Reconcile(ctx, successEvent(corr, "user-1"))
	require.NoError(t, err)
	assert.Equal(t, ReasonConfirmed, res.Reason)

	settlement, err := env.store.GetSettlement(ctx, corr)
	require.NoError(t, err)
	assert.Equal(t, types.SettlementSucceeded, settlement.Outcome)
	assert.Equal(t, types.PlanPremium, env.user(t, "user-1").Entitlement.Plan)
}

func TestReconcile_FailureForUnknownCorrelationIsNoop(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.recon.Reconcile(context.Background(), failureEvent("sub_premium_user-1_unknown", "user-1"))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, ReasonFailureNoMatch, res.Reason)
	assert.Equal(t, types.PlanFree, env.user(t, "user-1").Entitlement.Plan)
}

func TestReconcile_UserNotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.recon.Reconcile(ctx, successEvent("sub_x", "ghost"))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, ReasonUserNotFound, res.Reason)

	evt := successEvent("sub_y", "")
	delete(evt.Metadata, types.MetaUserID)
	res, err = env.recon.Reconcile(ctx, evt)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, ReasonUserNotFound, res.Reason)

	env.publisher.AssertNotCalled(t, "PublishBillingEvent", mock.Anything, mock.Anything)
}

func TestReconcile_MetadataOnlyCorrelationForFirstTimePayer(t *testing.T) {
	env := newTestEnv(t)
	env.store.PutUser(types.User{ID: "user-3"})

	res, err := env.recon.Reconcile(context.Background(), successEvent("sub_premium_user-3_abc", "user-3"))
	require.NoError(t, err)
	assert.Equal(t, ReasonConfirmed, res.Reason)
	assert.Equal(t, types.PlanPremium, env.user(t, "user-3").Entitlement.Plan)
}

func TestReconcile_RecordOwnerWinsOverMetadata(t *testing.T) {
	env := newTestEnv(t)
	env.store.PutUser(types.User{ID: "user-2"})
	corr := checkout(t, env, "user-1")

	res, err := env.recon.Reconcile(context.Background(), successEvent(corr, "user-2"))
	require.NoError(t, err)
	assert.Equal(t, "user-1", res.UserID)
	assert.Equal(t, types.PlanPremium, env.user(t, "user-1").Entitlement.Plan)
	assert.Equal(t, types.PlanFree, env.user(t, "user-2").Entitlement.Plan)
}

func TestReconcile_WebhookBeforeCheckoutReturns(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	corr := types.NewCorrelationID("user-1", types.PlanPremium)

	_, err := env.recon.Reconcile(ctx, successEvent(corr, "user-1"))
	require.NoError(t, err)

	marked, err := env.store.MarkCheckoutPending(ctx, PendingCheckout{
		UserID:        "user-1",
		Plan:          types.PlanPremium,
		Gateway:       types.GatewayPaystack,
		CorrelationID: corr,
		Now:           env.clock.Now(),
	})
	require.NoError(t, err)
	assert.False(t, marked)

	rec, err := env.store.GetSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, types.SubStatusActive, rec.Status)
}

func TestReconcile_SecondPaymentExtendsActivePeriod(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := checkout(t, env, "user-1")
	res, err := env.recon.Reconcile(ctx, successEvent(first, "user-1"))
	require.NoError(t, err)
	require.Equal(t, ReasonConfirmed, res.Reason)
	firstEnd := *env.user(t, "user-1").Entitlement.CurrentPeriodEnd

	env.clock.Advance(10 * 24 * time.Hour)
	second := checkout(t, env, "user-1")
	res, err = env.recon.Reconcile(ctx, successEvent(second, "user-1"))
	require.NoError(t, err)
	assert.Equal(t, ReasonConfirmed, res.Reason)

	ent := env.user(t, "user-1").Entitlement
	secondEnd := firstEnd.AddDate(0, 1, 0)
	assert.True(t, ent.CurrentPeriodStart.Equal(firstEnd))
	assert.True(t, ent.CurrentPeriodEnd.Equal(secondEnd), "got %s", ent.CurrentPeriodEnd)

	// A third payment moments later stacks a full month as well.
	env.clock.Advance(time.Second)
	third := checkout(t, env, "user-1")
	_, err = env.recon.Reconcile(ctx, successEvent(third, "user-1"))
	require.NoError(t, err)
	assert.True(t, env.user(t, "user-1").Entitlement.CurrentPeriodEnd.Equal(secondEnd.AddDate(0, 1, 0)))
}

func TestReconcile_BothCheckoutsPaidStackPeriods(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	older := checkout(t, env, "user-1")
	newer := checkout(t, env, "user-1")

	env.clock.Advance(time.Hour)
	_, err := env.recon.Reconcile(ctx, successEvent(newer, "user-1"))
	require.NoError(t, err)
	newerEnd := *env.user(t, "user-1").Entitlement.CurrentPeriodEnd

	res, err := env.recon.Reconcile(ctx, successEvent(older, "user-1"))
	require.NoError(t, err)
	assert.Equal(t, ReasonConfirmed, res.Reason)
	assert.True(t, env.user(t, "user-1").Entitlement.CurrentPeriodEnd.Equal(newerEnd.AddDate(0, 1, 0)))

	// Redelivery of either payment changes nothing.
	before := *env.user(t, "user-1").Entitlement.CurrentPeriodEnd
	res, err = env.recon.Reconcile(ctx, successEvent(older, "user-1"))
	require.NoError(t, err)
	assert.Equal(t, ReasonDuplicate, res.Reason)
	assert.True(t, before.Equal(*env.user(t, "user-1").Entitlement.CurrentPeriodEnd))
}

func TestReconcile_SuccessAfterFailureDoesNotShortenLaterPeriod(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	laterEnd := env.clock.Now().AddDate(0, 2, 0)
	env.putPremium("user-1", laterEnd)

	corr := checkout(t, env, "user-1")
	_, err := env.recon.Reconcile(ctx, failureEvent(corr, "user-1"))
	require.NoError(t, err)

	res, err := env.recon.Reconcile(ctx, successEvent(corr, "user-1"))
	require.NoError(t, err)
	assert.Equal(t, ReasonStale, res.Reason)
	assert.True(t, laterEnd.Equal(*env.user(t, "user-1").Entitlement.CurrentPeriodEnd))

	rec, err := env.store.GetSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, types.SubStatusActive, rec.Status)
}

func TestReconcile_InvalidPlanDefaultsToPremium(t *testing.T) {
	env := newTestEnv(t)
	evt := successEvent("sub_premium_user-1_zz", "user-1")
	evt.Metadata[types.MetaPlan] = "gold"

	_, err := env.recon.Reconcile(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, types.PlanPremium, env.user(t, "user-1").Entitlement.Plan)
}

func TestReconcile_PublishFailureDoesNotFailReconciliation(t *testing.T) {
	env := newTestEnv(t)
	pub := &mockPublisher{}
	pub.On("PublishBillingEvent", mock.Anything, mock.Anything).Return(errors.New("sqs unavailable"))
	recon := NewReconciler(env.store, env.subs, env.plans, pub, nil, env.clock, discardLogger())

	res, err := recon.Reconcile(context.Background(), successEvent("sub_premium_user-1_p", "user-1"))
	require.NoError(t, err)
	assert.Equal(t, ReasonConfirmed, res.Reason)
	pub.AssertExpectations(t)
}

func TestReconcileDetached_SurvivesCallerCancellation(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := env.recon.ReconcileDetached(ctx, successEvent("sub_premium_user-1_d", "user-1"))
	require.NoError(t, err)
	assert.Equal(t, ReasonConfirmed, res.Reason)
}
