package core

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"empowerher/internal/types"
)

func rateLimitedRequest(actor *types.Actor) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/subscriptions/initiate-payment", nil)
	if actor != nil {
		req = req.WithContext(types.WithActor(req.Context(), *actor))
	}
	return req
}

func TestRateLimit_AllowedSetsHeaders(t *testing.T) {
	srv := newTestServer(t)
	srv.Config.Security.PaymentRateLimit = 5
	srv.Config.Security.PaymentRateWindow = time.Minute
	reset := time.Now().Add(time.Minute)
	store := &MockRateLimitStore{Result: RateLimitResult{Allowed: true, Remaining: 4, ResetAt: reset}}
	srv.RateLimitStore = store

	handler := srv.RateLimit("initiate")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, rateLimitedRequest(&types.Actor{UserID: "user-1"}))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(store.Calls) != 1 {
		t.Fatalf("expected 1 store call, got %d", len(store.Calls))
	}
	call := store.Calls[0]
	if call.Key != "initiate:user-1" || call.Limit != 5 || call.Window != time.Minute {
		t.Errorf("unexpected call: %+v", call)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "5" {
		t.Errorf("X-RateLimit-Limit: got %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "4" {
		t.Errorf("X-RateLimit-Remaining: got %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Reset"); got != strconv.FormatInt(reset.Unix(), 10) {
		t.Errorf("X-RateLimit-Reset: got %q", got)
	}
}

func TestRateLimit_Exceeded(t *testing.T) {
	srv := newTestServer(t)
	srv.RateLimitStore = &MockRateLimitStore{Result: RateLimitResult{
		Allowed:   false,
		Remaining: 0,
		ResetAt:   time.Now().Add(30 * time.Second),
	}}

	called := false
	handler := srv.RateLimit("initiate")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, rateLimitedRequest(&types.Actor{UserID: "user-1"}))

	if called {
		t.Error("next handler must not be called when rate limited")
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if got := decodeError(t, rec).Code; got != string(types.ErrCodeRateLimit) {
		t.Errorf("code: got %q", got)
	}
}

func TestRateLimit_DefaultsWhenUnconfigured(t *testing.T) {
	srv := newTestServer(t)
	store := &MockRateLimitStore{Result: RateLimitResult{Allowed: true}}
	srv.RateLimitStore = store

	handler := srv.RateLimit("verify")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), rateLimitedRequest(&types.Actor{UserID: "u"}))

	if store.Calls[0].Limit != defaultRateLimitMax || store.Calls[0].Window != defaultRateLimitWindow {
		t.Errorf("expected defaults, got %+v", store.Calls[0])
	}
}

func TestRateLimit_PassThrough(t *testing.T) {
	t.Run("no store", func(t *testing.T) {
		srv := newTestServer(t)
		rec := httptest.NewRecorder()
		srv.RateLimit("x")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})).ServeHTTP(rec, rateLimitedRequest(&types.Actor{UserID: "u"}))
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("no actor", func(t *testing.T) {
		srv := newTestServer(t)
		store := &MockRateLimitStore{}
		srv.RateLimitStore = store
		rec := httptest.NewRecorder()
		srv.RateLimit("x")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})).ServeHTTP(rec, rateLimitedRequest(nil))
		if rec.Code != http.StatusOK || len(store.Calls) != 0 {
			t.Errorf("expected pass-through, got %d with %d calls", rec.Code, len(store.Calls))
		}
	})

	t.Run("store error fails open", func(t *testing.T) {
		srv := newTestServer(t)
		srv.RateLimitStore = &MockRateLimitStore{Err: errors.New("redis down")}
		rec := httptest.NewRecorder()
		srv.RateLimit("x")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})).ServeHTTP(rec, rateLimitedRequest(&types.Actor{UserID: "u"}))
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})
}
