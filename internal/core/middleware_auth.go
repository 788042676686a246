package core

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"empowerher/internal/types"
)

// authPublicPaths lists URL paths that are exempt from authentication.
var authPublicPaths = map[string]bool{
	"/health":                   true,
	"/metrics":                  true,
	"/v1/subscriptions/plans":   true,
	"/v1/subscriptions/webhook": true,
}

// authPublicPrefixes lists path prefixes that are exempt from authentication.
// Webhooks authenticate by signature; tracking is by OB number only.
var authPublicPrefixes = []string{
	"/v1/subscriptions/webhook/",
	"/v1/reports/track/",
}

func isPublicPath(path string) bool {
	if authPublicPaths[path] {
		return true
	}
	for _, p := range authPublicPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// AuthMiddleware resolves the bearer token to an Actor, stores it on the
// context and tags the request logger with user_id. Missing, unknown and
// expired tokens get distinct 401 codes. Public paths and a nil
// Authenticator pass through.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authorization header is required")
			return
		}

		token := extractBearerToken(authHeader)
		if token == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}

		actor, err := s.Authenticator.ResolveToken(r.Context(), token)
		if err != nil {
			s.handleAuthError(w, r, err)
			return
		}
		if actor == nil {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}

		ctx := types.WithActor(r.Context(), *actor)
		logger := types.LoggerFromContext(ctx, s.Logger).With(slog.String("user_id", actor.UserID))
		ctx = types.WithLogger(ctx, logger)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractBearerToken returns the token of a "Bearer <token>" header, matching
// the scheme case-insensitively (RFC 7235), or "" when the shape is wrong.
func extractBearerToken(authHeader string) string {
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// handleAuthError maps a ResolveToken failure to a 401, or to a 500 when the
// session store itself failed.
func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	logger := types.LoggerFromContext(r.Context(), s.Logger).With(
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrCodeAuthTokenExpired:
			logger.Warn("authentication failed: token expired")
			s.writeAuthError(w, r, types.ErrCodeAuthTokenExpired, "Authentication token has expired")
			return
		case types.ErrCodeAuthTokenInvalid, types.ErrCodeAuthUserNotFound:
			logger.Warn("authentication failed: token invalid", slog.String("error_code", string(appErr.Code)))
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}
	}

	logger.Error("authentication failed: unexpected error", slog.Any("error", err))
	Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "authentication failed", err))
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	Error(w, r, types.NewAppError(code, message, nil))
}

// RequireAdmin returns 403 unless the Actor holds the admin role.
func (s *Server) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := types.GetActor(r.Context())
		if !ok {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authentication required")
			return
		}
		if !actor.IsAdmin() {
			Error(w, r, types.NewAppError(types.ErrCodePermissionRole, "Insufficient role for this operation", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequirePremium admits admins and users whose effective subscription is an
// active premium plan. Expired subscriptions are corrected lazily by the
// PremiumChecker before the decision. Denials are 403 with requiresUpgrade.
func (s *Server) RequirePremium(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := types.GetActor(r.Context())
		if !ok {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authentication required")
			return
		}
		if s.Premium == nil {
			if actor.IsAdmin() {
				next.ServeHTTP(w, r)
				return
			}
			Error(w, r, types.NewAppErrorWithDetails(types.ErrCodePermissionPremium,
				"premium subscription required", nil, map[string]any{"requiresUpgrade": true}))
			return
		}
		if err := s.Premium.RequirePremium(r.Context(), actor); err != nil {
			Error(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
