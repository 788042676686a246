package core

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"empowerher/internal/types"
)

// defaultRateLimitWindow and defaultRateLimitMax apply when the security
// configuration leaves them unset.
const (
	defaultRateLimitWindow = time.Minute
	defaultRateLimitMax    = 5
)

// RateLimit returns middleware that limits each authenticated user to the
// configured number of requests per window within scope. Different scopes
// count independently, so payment initiation and verification do not
// starve each other.
//
// If no RateLimitStore is configured, or the request carries no Actor, the
// middleware passes through.
//
// On every limited request the middleware sets:
//   - X-RateLimit-Limit: The maximum number of requests in the window.
//   - X-RateLimit-Remaining: The number of requests remaining.
//   - X-RateLimit-Reset: Unix timestamp when the window resets.
//
// When rate limited, the middleware also sets Retry-After.
func (s *Server) RateLimit(scope string) func(http.Handler) http.Handler {
	limit, window := s.rateLimitSettings()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.RateLimitStore == nil {
				next.ServeHTTP(w, r)
				return
			}

			actor, ok := types.GetActor(r.Context())
			if !ok || actor.UserID == "" {
				next.ServeHTTP(w, r)
				return
			}

			key := scope + ":" + actor.UserID
			result, err := s.RateLimitStore.IncrementAndCheck(r.Context(), key, limit, window)
			if err != nil {
				// Fail open: a rate limit store outage must not block payments.
				s.Logger.Error("rate limit store error",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}

			setRateLimitHeaders(w, limit, result)

			if !result.Allowed {
				s.Logger.Warn("rate limit exceeded",
					slog.String("scope", scope),
					slog.String("user_id", actor.UserID),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)

				retryAfter := int(time.Until(result.ResetAt).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				resp := APIErrorResponse{
					Error: ErrorDetail{
						Code:      string(types.ErrCodeRateLimit),
						Message:   "Too many payment requests. Please retry after the reset time.",
						RequestID: types.GetRequestID(r.Context()),
					},
				}
				JSON(w, r, http.StatusTooManyRequests, resp)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) rateLimitSettings() (int, time.Duration) {
	limit, window := defaultRateLimitMax, defaultRateLimitWindow
	if s.Config != nil {
		if s.Config.Security.PaymentRateLimit > 0 {
			limit = s.Config.Security.PaymentRateLimit
		}
		if s.Config.Security.PaymentRateWindow > 0 {
			window = s.Config.Security.PaymentRateWindow
		}
	}
	return limit, window
}

// setRateLimitHeaders writes the standard X-RateLimit-* headers to the response.
func setRateLimitHeaders(w http.ResponseWriter, limit int, result RateLimitResult) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}
