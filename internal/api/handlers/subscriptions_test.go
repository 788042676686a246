package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"empowerher/internal/billing"
	"empowerher/internal/core"
	"empowerher/internal/external"
	"empowerher/internal/types"
)

type subsFixture struct {
	subs    *mockSubscriptionService
	plans   *mockPlanCatalog
	recon   *mockReconciler
	gateway *fakeGateway
	records *fakeRecords
	guards  RouteGuards
}

func newSubsFixture() *subsFixture {
	return &subsFixture{
		subs:    &mockSubscriptionService{},
		plans:   &mockPlanCatalog{},
		recon:   &mockReconciler{},
		gateway: &fakeGateway{name: types.GatewayPaystack},
		records: &fakeRecords{byRef: map[string]*types.Subscription{}},
	}
}

func (f *subsFixture) handler() *SubscriptionHandler {
	logger := discardLogger()
	return NewSubscriptionHandler(
		f.subs,
		f.plans,
		f.recon,
		external.NewRegistry(types.GatewayPaystack, f.gateway),
		f.records,
		f.guards,
		core.NewValidator(logger),
		0,
		logger,
	)
}

func (f *subsFixture) do(req *http.Request) *httptest.ResponseRecorder {
	return serve(f.handler().RegisterRoutes, req)
}

// =============================================================================
// Plans
// =============================================================================

func TestListPlans_ReturnsCatalog(t *testing.T) {
	f := newSubsFixture()
	f.plans.plans = billing.DefaultPlans("KES")

	rr := f.do(makeRequest("GET", "/v1/subscriptions/plans", nil, context.Background()))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Data []types.Plan `json:"data"`
	}
	parseJSONResponse(t, rr, &resp)
	if len(resp.Data) != 2 {
		t.Fatalf("expected 2 plans, got %d", len(resp.Data))
	}
	if resp.Data[0].Name != types.PlanFree || resp.Data[1].Name != types.PlanPremium {
		t.Errorf("unexpected plan order: %v, %v", resp.Data[0].Name, resp.Data[1].Name)
	}
}

func TestListPlans_EmptyCatalogIsArray(t *testing.T) {
	f := newSubsFixture()

	rr := f.do(makeRequest("GET", "/v1/subscriptions/plans", nil, context.Background()))
	if rr.Body.String() != `{"data":[]}` {
		t.Errorf("expected empty array envelope, got %s", rr.Body.String())
	}
}

func TestEnsureDefaults_GuardedByAdmin(t *testing.T) {
	f := newSubsFixture()
	f.guards.RequireAdmin = denyAll(types.ErrCodePermissionRole)

	rr := f.do(makeRequest("POST", "/v1/subscriptions/plans/ensure-defaults", nil, contextWithActor("user-1", types.RoleUser)))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rr.Code, rr.Body.String())
	}
	if f.plans.ensured != 0 {
		t.Errorf("expected EnsureDefaults not to run, ran %d times", f.plans.ensured)
	}
}

func TestEnsureDefaults_ReturnsInserted(t *testing.T) {
	f := newSubsFixture()
	f.plans.inserted = []types.PlanName{types.PlanPremium}

	rr := f.do(makeRequest("POST", "/v1/subscriptions/plans/ensure-defaults", nil, contextWithActor("admin-1", types.RoleAdmin)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Data EnsureDefaultsResponse `json:"data"`
	}
	parseJSONResponse(t, rr, &resp)
	if len(resp.Data.Inserted) != 1 || resp.Data.Inserted[0] != types.PlanPremium {
		t.Errorf("unexpected inserted plans: %v", resp.Data.Inserted)
	}
}

// =============================================================================
// Me / Subscribe / Cancel / Reactivate
// =============================================================================

func TestGetMine_RequiresActor(t *testing.T) {
	f := newSubsFixture()

	rr := f.do(makeRequest("GET", "/v1/subscriptions/me", nil, context.Background()))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rr.Code, rr.Body.String())
	}
	if code := errorCode(t, rr); code != string(types.ErrCodeAuthTokenMissing) {
		t.Errorf("expected auth_token_missing, got %q", code)
	}
}

func TestGetMine_ReturnsEffectiveView(t *testing.T) {
	f := newSubsFixture()
	var gotUser string
	f.subs.getEffectiveFn = func(_ context.Context, userID string) (*billing.EffectiveView, error) {
		gotUser = userID
		return &billing.EffectiveView{
			Plan:   types.PlanFree,
			Status: types.SubStatusExpired,
			Usage:  types.Usage{ReportsThisMonth: 2},
		}, nil
	}

	rr := f.do(makeRequest("GET", "/v1/subscriptions/me", nil, contextWithActor("user-1", types.RoleUser)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotUser != "user-1" {
		t.Errorf("expected user-1, got %q", gotUser)
	}
	var resp struct {
		Data billing.EffectiveView `json:"data"`
	}
	parseJSONResponse(t, rr, &resp)
	if resp.Data.Status != types.SubStatusExpired || resp.Data.Usage.ReportsThisMonth != 2 {
		t.Errorf("unexpected view: %+v", resp.Data)
	}
}

func TestSubscribe_Free(t *testing.T) {
	f := newSubsFixture()
	var gotPlan types.PlanName
	f.subs.subscribeFreeFn = func(_ context.Context, _ string, plan types.PlanName) (*billing.EffectiveView, error) {
		gotPlan = plan
		return &billing.EffectiveView{Plan: plan, Status: types.SubStatusActive}, nil
	}

	rr := f.do(makeRequest("POST", "/v1/subscriptions/subscribe", SubscribeRequest{Plan: types.PlanFree}, contextWithActor("user-1", types.RoleUser)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotPlan != types.PlanFree {
		t.Errorf("expected free plan, got %q", gotPlan)
	}
}

func TestSubscribe_PaidPlanConflict(t *testing.T) {
	f := newSubsFixture()
	f.subs.subscribeFreeFn = func(context.Context, string, types.PlanName) (*billing.EffectiveView, error) {
		return nil, types.NewAppError(types.ErrCodeConflictFreePlan, "paid plans require payment", nil)
	}

	rr := f.do(makeRequest("POST", "/v1/subscriptions/subscribe", SubscribeRequest{Plan: types.PlanPremium}, contextWithActor("user-1", types.RoleUser)))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestSubscribe_MissingPlan(t *testing.T) {
	f := newSubsFixture()

	rr := f.do(makeRequest("POST", "/v1/subscriptions/subscribe", `{}`, contextWithActor("user-1", types.RoleUser)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
	if code := errorCode(t, rr); code != string(types.ErrCodeValidationMissingField) {
		t.Errorf("expected missing field code, got %q", code)
	}
}

func TestCancelAndReactivate(t *testing.T) {
	f := newSubsFixture()

	rr := f.do(makeRequest("POST", "/v1/subscriptions/cancel", nil, contextWithActor("user-1", types.RoleUser)))
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Data billing.EffectiveView `json:"data"`
	}
	parseJSONResponse(t, rr, &resp)
	if !resp.Data.CancelAtPeriodEnd || resp.Data.Plan != types.PlanPremium {
		t.Errorf("expected premium with cancelAtPeriodEnd, got %+v", resp.Data)
	}

	rr = f.do(makeRequest("POST", "/v1/subscriptions/reactivate", nil, contextWithActor("user-1", types.RoleUser)))
	if rr.Code != http.StatusOK {
		t.Fatalf("reactivate: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp.Data = billing.EffectiveView{}
	parseJSONResponse(t, rr, &resp)
	if resp.Data.CancelAtPeriodEnd {
		t.Error("expected cancelAtPeriodEnd cleared")
	}
}

// =============================================================================
// InitiatePayment
// =============================================================================

func TestInitiatePayment_Card(t *testing.T) {
	f := newSubsFixture()
	var got billing.CheckoutInput
	f.subs.checkoutFn = func(_ context.Context, userID string, in billing.CheckoutInput) (*types.CheckoutSession, error) {
		got = in
		return &types.CheckoutSession{
			Gateway:       types.GatewayPaystack,
			CorrelationID: "sub_premium_user-1_abc",
			Status:        types.CheckoutPending,
			RedirectURL:   "https://checkout.test/abc",
		}, nil
	}

	body := InitiatePaymentRequest{Plan: types.PlanPremium, PaymentMethod: types.PaymentMethodCard}
	rr := f.do(makeRequest("POST", "/v1/subscriptions/initiate-payment", body, contextWithActor("user-1", types.RoleUser)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.Plan != types.PlanPremium || got.Method != types.PaymentMethodCard {
		t.Errorf("unexpected checkout input: %+v", got)
	}

	var resp struct {
		Data InitiatePaymentResponse `json:"data"`
	}
	parseJSONResponse(t, rr, &resp)
	if resp.Data.Payment == nil || resp.Data.Payment.CorrelationID != "sub_premium_user-1_abc" {
		t.Fatalf("unexpected payment: %+v", resp.Data.Payment)
	}
	if resp.Data.Payment.RedirectURL == "" {
		t.Error("expected redirect url for card checkout")
	}
	if resp.Data.Instructions == "" {
		t.Error("expected instructions")
	}
}

func TestInitiatePayment_MobileMoneyTrimsPhone(t *testing.T) {
	f := newSubsFixture()
	var got billing.CheckoutInput
	f.subs.checkoutFn = func(_ context.Context, _ string, in billing.CheckoutInput) (*types.CheckoutSession, error) {
		got = in
		return &types.CheckoutSession{Gateway: types.GatewayIntaSend, CorrelationID: "c", Status: types.CheckoutPending}, nil
	}

	body := InitiatePaymentRequest{Plan: types.PlanPremium, PaymentMethod: types.PaymentMethodMobileMoney, PhoneNumber: " 0712345678 "}
	rr := f.do(makeRequest("POST", "/v1/subscriptions/initiate-payment", body, contextWithActor("user-1", types.RoleUser)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.PhoneNumber != "0712345678" {
		t.Errorf("expected trimmed phone, got %q", got.PhoneNumber)
	}

	var resp struct {
		Data InitiatePaymentResponse `json:"data"`
	}
	parseJSONResponse(t, rr, &resp)
	if resp.Data.Payment.RedirectURL != "" {
		t.Error("expected no redirect url for push payment")
	}
	if resp.Data.Instructions != paymentInstructions(&types.CheckoutSession{}) {
		t.Errorf("unexpected instructions %q", resp.Data.Instructions)
	}
}

func TestInitiatePayment_Validation(t *testing.T) {
	tests := []struct {
		name     string
		body     any
		wantCode types.ErrorCode
	}{
		{
			name:     "unknown plan",
			body:     map[string]string{"plan": "gold", "paymentMethod": "card"},
			wantCode: types.ErrCodeValidationInvalidPlan,
		},
		{
			name:     "unknown method",
			body:     map[string]string{"plan": "premium", "paymentMethod": "cheque"},
			wantCode: types.ErrCodeValidationInvalidMethod,
		},
		{
			name:     "missing method",
			body:     map[string]string{"plan": "premium"},
			wantCode: types.ErrCodeValidationMissingField,
		},
		{
			name:     "unknown field",
			body:     map[string]string{"plan": "premium", "paymentMethod": "card", "amount": "1"},
			wantCode: types.ErrCodeValidationInvalidBody,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSubsFixture()
			called := false
			f.subs.checkoutFn = func(context.Context, string, billing.CheckoutInput) (*types.CheckoutSession, error) {
				called = true
				return nil, nil
			}

			rr := f.do(makeRequest("POST", "/v1/subscriptions/initiate-payment", tt.body, contextWithActor("user-1", types.RoleUser)))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
			if code := errorCode(t, rr); code != string(tt.wantCode) {
				t.Errorf("expected %q, got %q", tt.wantCode, code)
			}
			if called {
				t.Error("expected checkout not to run")
			}
		})
	}
}

func TestInitiatePayment_GatewayNotConfigured(t *testing.T) {
	f := newSubsFixture()
	f.subs.checkoutFn = func(context.Context, string, billing.CheckoutInput) (*types.CheckoutSession, error) {
		return nil, types.NewAppError(types.ErrCodeGatewayNotConfigured, "payment service is not configured, please contact support", nil)
	}

	body := InitiatePaymentRequest{Plan: types.PlanPremium, PaymentMethod: types.PaymentMethodCard}
	rr := f.do(makeRequest("POST", "/v1/subscriptions/initiate-payment", body, contextWithActor("user-1", types.RoleUser)))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestInitiatePayment_RateLimitScope(t *testing.T) {
	f := newSubsFixture()
	var scopes []string
	f.guards.RateLimit = func(scope string) func(http.Handler) http.Handler {
		scopes = append(scopes, scope)
		if scope == "initiate" {
			return denyAll(types.ErrCodeRateLimit)
		}
		return passthrough
	}

	body := InitiatePaymentRequest{Plan: types.PlanPremium, PaymentMethod: types.PaymentMethodCard}
	rr := f.do(makeRequest("POST", "/v1/subscriptions/initiate-payment", body, contextWithActor("user-1", types.RoleUser)))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(scopes) != 2 || scopes[0] != "initiate" || scopes[1] != "verify" {
		t.Errorf("unexpected rate limit scopes: %v", scopes)
	}
}

// =============================================================================
// VerifyPayment
// =============================================================================

func verifiedEvent(correlationID, userID string, success bool) *types.PaymentEvent {
	return &types.PaymentEvent{
		Gateway:       types.GatewayPaystack,
		CorrelationID: correlationID,
		IsSuccess:     success,
		Amount:        decimal.RequireFromString("9.99"),
		Currency:      "KES",
		Metadata: map[string]string{
			types.MetaUserID: userID,
			types.MetaPlan:   string(types.PlanPremium),
		},
	}
}

func TestVerifyPayment_Pending(t *testing.T) {
	f := newSubsFixture()
	ref := types.NewCorrelationID("user-1", types.PlanPremium)
	f.records.byRef[ref] = &types.Subscription{UserID: "user-1", Gateway: types.GatewayPaystack, CheckoutReference: "chk_9"}
	f.gateway.verify = &types.VerifyResult{Pending: true}

	rr := f.do(makeRequest("GET", "/v1/subscriptions/verify/"+ref, nil, contextWithActor("user-1", types.RoleUser)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Data VerifyPaymentResponse `json:"data"`
	}
	parseJSONResponse(t, rr, &resp)
	if resp.Data.Status != VerifyPending {
		t.Errorf("expected pending, got %q", resp.Data.Status)
	}
	if len(f.recon.calls) != 0 {
		t.Error("expected no reconciliation while pending")
	}
	if len(f.gateway.verifyCalls) != 1 || f.gateway.verifyCalls[0] != ref+"|chk_9" {
		t.Errorf("unexpected verify calls: %v", f.gateway.verifyCalls)
	}
}

func TestVerifyPayment_SucceededReconciles(t *testing.T) {
	f := newSubsFixture()
	ref := types.NewCorrelationID("user-1", types.PlanPremium)
	f.records.byRef[ref] = &types.Subscription{UserID: "user-1", Gateway: types.GatewayPaystack}
	f.gateway.verify = &types.VerifyResult{Event: verifiedEvent(ref, "user-1", true)}
	f.recon.result = billing.ReconcileResult{Applied: true, Reason: billing.ReasonConfirmed, UserID: "user-1"}
	f.subs.getEffectiveFn = func(context.Context, string) (*billing.EffectiveView, error) {
		return &billing.EffectiveView{Plan: types.PlanPremium, Status: types.SubStatusActive}, nil
	}

	rr := f.do(makeRequest("GET", "/v1/subscriptions/verify/"+ref, nil, contextWithActor("user-1", types.RoleUser)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Data VerifyPaymentResponse `json:"data"`
	}
	parseJSONResponse(t, rr, &resp)
	if resp.Data.Status != VerifySucceeded {
		t.Errorf("expected succeeded, got %q", resp.Data.Status)
	}
	if resp.Data.Reconciliation == nil || resp.Data.Reconciliation.Reason != billing.ReasonConfirmed {
		t.Errorf("unexpected reconciliation: %+v", resp.Data.Reconciliation)
	}
	if resp.Data.Subscription == nil || resp.Data.Subscription.Plan != types.PlanPremium {
		t.Errorf("unexpected subscription: %+v", resp.Data.Subscription)
	}
	if len(f.recon.calls) != 1 || f.recon.calls[0].CorrelationID != ref {
		t.Errorf("expected one reconciliation for %s", ref)
	}
}

func TestVerifyPayment_FailedStatus(t *testing.T) {
	f := newSubsFixture()
	ref := types.NewCorrelationID("user-1", types.PlanPremium)
	f.gateway.verify = &types.VerifyResult{Event: verifiedEvent(ref, "user-1", false)}
	f.recon.result = billing.ReconcileResult{Applied: true, Reason: billing.ReasonFailureRecorded, UserID: "user-1"}

	rr := f.do(makeRequest("GET", "/v1/subscriptions/verify/"+ref, nil, contextWithActor("user-1", types.RoleUser)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Data VerifyPaymentResponse `json:"data"`
	}
	parseJSONResponse(t, rr, &resp)
	if resp.Data.Status != VerifyFailed {
		t.Errorf("expected failed, got %q", resp.Data.Status)
	}
}

func TestVerifyPayment_NotOwner(t *testing.T) {
	tests := []struct {
		name   string
		record *types.Subscription
		ref    string
	}{
		{
			name:   "record owned by another user",
			record: &types.Subscription{UserID: "user-2", Gateway: types.GatewayPaystack},
			ref:    types.NewCorrelationID("user-1", types.PlanPremium),
		},
		{
			name: "no record, correlation id names another user",
			ref:  types.NewCorrelationID("user-2", types.PlanPremium),
		},
		{
			name: "no record, unparseable reference",
			ref:  "T123456789",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSubsFixture()
			if tt.record != nil {
				f.records.byRef[tt.ref] = tt.record
			}

			rr := f.do(makeRequest("GET", "/v1/subscriptions/verify/"+tt.ref, nil, contextWithActor("user-1", types.RoleUser)))
			if rr.Code != http.StatusNotFound {
				t.Fatalf("expected 404, got %d: %s", rr.Code, rr.Body.String())
			}
			if len(f.gateway.verifyCalls) != 0 {
				t.Error("expected gateway not to be called")
			}
		})
	}
}

func TestVerifyPayment_AdminMayVerifyAnyReference(t *testing.T) {
	f := newSubsFixture()
	ref := "T123456789"
	f.gateway.verify = &types.VerifyResult{Pending: true}

	rr := f.do(makeRequest("GET", "/v1/subscriptions/verify/"+ref, nil, contextWithActor("admin-1", types.RoleAdmin)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestVerifyPayment_UnknownRecordGateway(t *testing.T) {
	f := newSubsFixture()
	ref := types.NewCorrelationID("user-1", types.PlanPremium)
	f.records.byRef[ref] = &types.Subscription{UserID: "user-1", Gateway: types.GatewayStripe}

	rr := f.do(makeRequest("GET", "/v1/subscriptions/verify/"+ref, nil, contextWithActor("user-1", types.RoleUser)))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rr.Code, rr.Body.String())
	}
	if code := errorCode(t, rr); code != string(types.ErrCodeNotFoundGateway) {
		t.Errorf("expected not_found_gateway, got %q", code)
	}
}

func TestVerifyPayment_ReconcileErrorIsServerError(t *testing.T) {
	f := newSubsFixture()
	ref := types.NewCorrelationID("user-1", types.PlanPremium)
	f.gateway.verify = &types.VerifyResult{Event: verifiedEvent(ref, "user-1", true)}
	f.recon.err = types.NewAppError(types.ErrCodeInternalDB, "failed to apply payment", nil)

	rr := f.do(makeRequest("GET", "/v1/subscriptions/verify/"+ref, nil, contextWithActor("user-1", types.RoleUser)))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", rr.Code, rr.Body.String())
	}
}
