package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"empowerher/internal/billing"
	"empowerher/internal/core"
	"empowerher/internal/external"
	"empowerher/internal/reports"
	"empowerher/internal/types"
)

// =============================================================================
// Mock Implementations
// =============================================================================

// mockSubscriptionService implements SubscriptionService for testing.
type mockSubscriptionService struct {
	getEffectiveFn  func(ctx context.Context, userID string) (*billing.EffectiveView, error)
	subscribeFreeFn func(ctx context.Context, userID string, plan types.PlanName) (*billing.EffectiveView, error)
	cancelFn        func(ctx context.Context, userID string) (*billing.EffectiveView, error)
	reactivateFn    func(ctx context.Context, userID string) (*billing.EffectiveView, error)
	checkoutFn      func(ctx context.Context, userID string, in billing.CheckoutInput) (*types.CheckoutSession, error)
}

func (m *mockSubscriptionService) GetEffective(ctx context.Context, userID string) (*billing.EffectiveView, error) {
	if m.getEffectiveFn != nil {
		return m.getEffectiveFn(ctx, userID)
	}
	return &billing.EffectiveView{Plan: types.PlanFree, Status: types.SubStatusActive}, nil
}

func (m *mockSubscriptionService) SubscribeFree(ctx context.Context, userID string, plan types.PlanName) (*billing.EffectiveView, error) {
	if m.subscribeFreeFn != nil {
		return m.subscribeFreeFn(ctx, userID, plan)
	}
	return &billing.EffectiveView{Plan: plan, Status: types.SubStatusActive}, nil
}

func (m *mockSubscriptionService) Cancel(ctx context.Context, userID string) (*billing.EffectiveView, error) {
	if m.cancelFn != nil {
		return m.cancelFn(ctx, userID)
	}
	return &billing.EffectiveView{Plan: types.PlanPremium, Status: types.SubStatusActive, CancelAtPeriodEnd: true}, nil
}

func (m *mockSubscriptionService) Reactivate(ctx context.Context, userID string) (*billing.EffectiveView, error) {
	if m.reactivateFn != nil {
		return m.reactivateFn(ctx, userID)
	}
	return &billing.EffectiveView{Plan: types.PlanPremium, Status: types.SubStatusActive}, nil
}

func (m *mockSubscriptionService) BeginPaidCheckout(ctx context.Context, userID string, in billing.CheckoutInput) (*types.CheckoutSession, error) {
	if m.checkoutFn != nil {
		return m.checkoutFn(ctx, userID, in)
	}
	return &types.CheckoutSession{
		Gateway:           types.GatewayPaystack,
		CorrelationID:     types.NewCorrelationID(userID, in.Plan),
		CheckoutReference: "chk_1",
		Status:            types.CheckoutPending,
		RedirectURL:       "https://checkout.test/chk_1",
	}, nil
}

// mockPlanCatalog implements PlanCatalog for testing.
type mockPlanCatalog struct {
	plans    []types.Plan
	inserted []types.PlanName
	err      error
	ensured  int
}

func (m *mockPlanCatalog) ListActive(context.Context) ([]types.Plan, error) {
	return m.plans, m.err
}

func (m *mockPlanCatalog) EnsureDefaults(context.Context) ([]types.PlanName, error) {
	m.ensured++
	return m.inserted, m.err
}

// mockReconciler implements PaymentReconciler for testing.
type mockReconciler struct {
	result billing.ReconcileResult
	err    error
	calls  []*types.PaymentEvent
}

func (m *mockReconciler) Reconcile(_ context.Context, evt *types.PaymentEvent) (billing.ReconcileResult, error) {
	m.calls = append(m.calls, evt)
	return m.result, m.err
}

func (m *mockReconciler) ReconcileDetached(ctx context.Context, evt *types.PaymentEvent) (billing.ReconcileResult, error) {
	return m.Reconcile(ctx, evt)
}

// fakeGateway implements external.PaymentGateway for testing.
type fakeGateway struct {
	name      types.GatewayName
	webhook   *types.WebhookResult
	parseErr  error
	verify    *types.VerifyResult
	verifyErr error

	gotPayload   []byte
	gotSignature string
	verifyCalls  []string
}

func (g *fakeGateway) Name() types.GatewayName { return g.name }

func (g *fakeGateway) SignatureHeader() string { return "X-Test-Signature" }

func (g *fakeGateway) Initiate(context.Context, types.CheckoutRequest) (*types.CheckoutSession, error) {
	return nil, nil
}

func (g *fakeGateway) Verify(_ context.Context, correlationID, checkoutReference string) (*types.VerifyResult, error) {
	g.verifyCalls = append(g.verifyCalls, correlationID+"|"+checkoutReference)
	return g.verify, g.verifyErr
}

func (g *fakeGateway) ParseWebhook(payload []byte, signature string) (*types.WebhookResult, error) {
	g.gotPayload = payload
	g.gotSignature = signature
	if g.parseErr != nil {
		return nil, g.parseErr
	}
	return g.webhook, nil
}

// fakeRecords implements BillingRecordFinder for testing.
type fakeRecords struct {
	byRef map[string]*types.Subscription
	err   error
}

func (f *fakeRecords) FindByGatewayReference(_ context.Context, reference string) (*types.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byRef[reference], nil
}

// mockReportService implements ReportService for testing.
type mockReportService struct {
	submitFn func(ctx context.Context, actor types.Actor, in reports.SubmitInput) (*types.Report, error)
	mineFn   func(ctx context.Context, userID string, limit int) ([]types.Report, error)
	trackFn  func(ctx context.Context, obNumber string) (*types.Report, error)
}

func (m *mockReportService) Submit(ctx context.Context, actor types.Actor, in reports.SubmitInput) (*types.Report, error) {
	if m.submitFn != nil {
		return m.submitFn(ctx, actor, in)
	}
	return &types.Report{ID: "rep_1", OBNumber: "OB-20260315-ABC123", UserID: actor.UserID, Status: types.ReportSubmitted}, nil
}

func (m *mockReportService) Mine(ctx context.Context, userID string, limit int) ([]types.Report, error) {
	if m.mineFn != nil {
		return m.mineFn(ctx, userID, limit)
	}
	return nil, nil
}

func (m *mockReportService) Track(ctx context.Context, obNumber string) (*types.Report, error) {
	if m.trackFn != nil {
		return m.trackFn(ctx, obNumber)
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundReport, "report not found", nil)
}

var _ external.PaymentGateway = (*fakeGateway)(nil)

// =============================================================================
// Test Helpers
// =============================================================================

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// contextWithActor creates a request context carrying an authenticated Actor.
func contextWithActor(userID string, role types.UserRole) context.Context {
	ctx := types.WithRequestID(context.Background(), "req_test_123")
	return types.WithActor(ctx, types.Actor{UserID: userID, Role: role})
}

// makeRequest creates an HTTP request with a JSON body and the given context.
func makeRequest(method, path string, body any, ctx context.Context) *http.Request {
	var reqBody *bytes.Buffer
	switch b := body.(type) {
	case nil:
		reqBody = bytes.NewBuffer(nil)
	case string:
		reqBody = bytes.NewBufferString(b)
	default:
		data, _ := json.Marshal(b)
		reqBody = bytes.NewBuffer(data)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if ctx != nil {
		req = req.WithContext(ctx)
	}
	return req
}

// serve routes req through a chi router with the registrar mounted at /v1.
func serve(register func(chi.Router), req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Route("/v1", register)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

// parseJSONResponse decodes the response body into the given target.
func parseJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse response body: %v\nbody: %s", err, rr.Body.String())
	}
}

// errorCode extracts the error code from an error response.
func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp core.APIErrorResponse
	parseJSONResponse(t, rr, &resp)
	return resp.Error.Code
}

// denyAll is a guard that rejects every request with the given code.
func denyAll(code types.ErrorCode) func(http.Handler) http.Handler {
	return func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			core.Error(w, r, types.NewAppError(code, "denied", nil))
		})
	}
}
