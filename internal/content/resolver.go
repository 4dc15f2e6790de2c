package content

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/replimesh/replimesh/internal/config"
	"github.com/replimesh/replimesh/internal/replerr"
	"github.com/replimesh/replimesh/internal/replication"
	"github.com/replimesh/replimesh/pkg/proto"
)

// Target is a peer an entity replicates to, with how much of it the peer receives.
type Target struct {
	URI   string
	Level replication.Level
}

// Resolver decides who owns an entity and where it replicates.
type Resolver interface {
	Owner(entity string) string
	Targets(entity string) []Target
}

// Route maps every entity whose id starts with Prefix to an owner and targets.
type Route struct {
	Prefix  string
	Owner   string
	Targets []Target
}

// RouteResolver resolves entities by longest matching route prefix. Entities that
// match no route are owned locally and not replicated.
type RouteResolver struct {
	self string

	mu     sync.RWMutex
	routes map[string]Route
}

// NewRouteResolver creates a resolver. Every route is validated as by SetRoute.
func NewRouteResolver(self string, routes []Route) (*RouteResolver, error) {
	r := &RouteResolver{
		self:   proto.NormalizeURI(self),
		routes: make(map[string]Route),
	}
	for _, route := range routes {
		if err := r.SetRoute(route); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// RoutesFromConfig converts configured routes.
func RoutesFromConfig(routes []config.ContentRoute) ([]Route, error) {
	out := make([]Route, 0, len(routes))
	for _, cr := range routes {
		route := Route{Prefix: cr.Prefix, Owner: cr.Owner}
		for _, ct := range cr.Targets {
			level, err := replication.ParseLevel(ct.Level)
			if err != nil {
				return nil, fmt.Errorf("content route %q: %w", cr.Prefix, err)
			}
			route.Targets = append(route.Targets, Target{URI: ct.URI, Level: level})
		}
		out = append(out, route)
	}
	return out, nil
}

// SetRoute adds or replaces the route for its prefix. A route owned by another
// instance must keep that owner among its targets, otherwise local changes could not
// reach it; such a route is rejected and nothing changes.
func (r *RouteResolver) SetRoute(route Route) error {
	if route.Prefix == "" {
		return replerr.Newf("set route", "route prefix is required")
	}
	route.Owner = proto.NormalizeURI(route.Owner)
	if route.Owner == "" {
		route.Owner = r.self
	}

	seen := make(map[string]bool)
	targets := make([]Target, 0, len(route.Targets))
	for _, t := range route.Targets {
		t.URI = proto.NormalizeURI(t.URI)
		if t.URI == "" || t.URI == r.self || seen[t.URI] {
			continue
		}
		if t.Level == "" {
			t.Level = replication.LevelFull
		}
		seen[t.URI] = true
		targets = append(targets, t)
	}
	route.Targets = targets

	if route.Owner != r.self && !seen[route.Owner] {
		return replerr.Newf("set route", "route %q: owner %s cannot be removed from its targets", route.Prefix, route.Owner)
	}

	r.mu.Lock()
	r.routes[route.Prefix] = route
	r.mu.Unlock()
	return nil
}

// RemoveTarget drops uri from the targets of the route for prefix.
func (r *RouteResolver) RemoveTarget(prefix, uri string) error {
	r.mu.RLock()
	route, ok := r.routes[prefix]
	r.mu.RUnlock()
	if !ok {
		return replerr.Newf("remove target", "no route for prefix %q", prefix)
	}
	uri = proto.NormalizeURI(uri)
	kept := make([]Target, 0, len(route.Targets))
	for _, t := range route.Targets {
		if t.URI != uri {
			kept = append(kept, t)
		}
	}
	route.Targets = kept
	return r.SetRoute(route)
}

// Routes returns the routes sorted by prefix.
func (r *RouteResolver) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, 0, len(r.routes))
	for _, route := range r.routes {
		out = append(out, route)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out
}

func (r *RouteResolver) match(entity string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		best  Route
		found bool
	)
	for prefix, route := range r.routes {
		if strings.HasPrefix(entity, prefix) && (!found || len(prefix) > len(best.Prefix)) {
			best, found = route, true
		}
	}
	return best, found
}

// Owner returns the owning instance of entity.
func (r *RouteResolver) Owner(entity string) string {
	if route, ok := r.match(entity); ok {
		return route.Owner
	}
	return r.self
}

// Targets returns the peers entity replicates to.
func (r *RouteResolver) Targets(entity string) []Target {
	route, ok := r.match(entity)
	if !ok {
		return nil
	}
	return append([]Target(nil), route.Targets...)
}

// split separates full and reference targets.
func split(targets []Target) (full, reference []string) {
	for _, t := range targets {
		if t.Level == replication.LevelReference {
			reference = append(reference, t.URI)
		} else {
			full = append(full, t.URI)
		}
	}
	return full, reference
}
