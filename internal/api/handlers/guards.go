// Package handlers contains the HTTP handler implementations for the
// subscription, payment and report endpoints mounted under /v1.
package handlers

import (
	"net/http"

	"empowerher/internal/core"
	"empowerher/internal/types"
)

// RouteGuards carries the route-level middleware owned by core.Server.
// Handlers apply them in RegisterRoutes without holding a server reference.
// A nil guard lets the request through.
type RouteGuards struct {
	RateLimit      func(scope string) func(http.Handler) http.Handler
	RequireAdmin   func(http.Handler) http.Handler
	RequirePremium func(http.Handler) http.Handler
}

func passthrough(next http.Handler) http.Handler { return next }

func (g RouteGuards) rateLimit(scope string) func(http.Handler) http.Handler {
	if g.RateLimit == nil {
		return passthrough
	}
	return g.RateLimit(scope)
}

func (g RouteGuards) admin() func(http.Handler) http.Handler {
	if g.RequireAdmin == nil {
		return passthrough
	}
	return g.RequireAdmin
}

func (g RouteGuards) premium() func(http.Handler) http.Handler {
	if g.RequirePremium == nil {
		return passthrough
	}
	return g.RequirePremium
}

// requireActor extracts the authenticated Actor or writes a 401.
func requireActor(w http.ResponseWriter, r *http.Request) (types.Actor, bool) {
	actor, ok := types.GetActor(r.Context())
	if !ok || actor.UserID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"Authentication required",
			nil,
		))
		return types.Actor{}, false
	}
	return actor, true
}
