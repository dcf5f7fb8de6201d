// Package rate budgets trading requests per user. Every trading route draws
// from one shared per-user budget; place, cancel and close may additionally
// carry their own tighter budget.
package rate

import (
	"context"
	"time"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/config"
)

// Route names a trading endpoint family.
type Route string

const (
	RoutePlace  Route = "place"
	RouteCancel Route = "cancel"
	RouteClose  Route = "close"
)

// Limiter admits or rejects one request by userID on route. retryAfter is
// meaningful only when allowed is false. A rejected request consumes no
// budget. Callers treat a non-nil error as a rejection.
type Limiter interface {
	Allow(ctx context.Context, userID string, route Route, now time.Time) (allowed bool, retryAfter time.Duration, err error)
}

// Policy holds the shared per-user budget and the optional per-route budgets.
// A route limit of zero means the route only draws from the shared budget.
type Policy struct {
	Limit  int
	Window time.Duration
	Routes map[Route]int
}

func PolicyFrom(cfg config.RateLimitConfig) Policy {
	p := Policy{Limit: cfg.Limit, Window: cfg.Window, Routes: map[Route]int{}}
	for route, limit := range map[Route]int{
		RoutePlace:  cfg.Place,
		RouteCancel: cfg.Cancel,
		RouteClose:  cfg.Close,
	} {
		if limit > 0 {
			p.Routes[route] = limit
		}
	}
	return p
}

type budget struct {
	key   string
	limit int
}

// budgets lists the counters one request on route must fit into, shared
// budget first.
func (p Policy) budgets(userID string, route Route) []budget {
	out := []budget{{key: userKey(userID), limit: p.Limit}}
	if limit, ok := p.Routes[route]; ok {
		out = append(out, budget{key: routeKey(userID, route), limit: limit})
	}
	return out
}

// Keys are hash-tagged on the user so a user's counters share a cluster slot.
func userKey(userID string) string {
	return "{" + userID + "}"
}

func routeKey(userID string, route Route) string {
	return userKey(userID) + ":" + string(route)
}
