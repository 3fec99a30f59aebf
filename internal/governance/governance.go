// Package governance classifies every inbound route into a lane, enforces
// the deprecation contract, and exposes a runtime routing-truth snapshot.
//
// The classification table is declarative and built once at startup; reads
// share a read lock, so introspection and serving do not block each other
// and wait only while a registration or deprecation update holds the lock.
package governance

import (
	"sort"
	"strings"
	"sync"
)

// Lane is the closed governance classification of a mounted route.
type Lane string

const (
	LaneCore       Lane = "CORE"
	LaneMeta       Lane = "META"
	LaneOperation  Lane = "OPERATION"
	LaneRMOS       Lane = "RMOS"
	LaneCAM        Lane = "CAM"
	LaneTooling    Lane = "TOOLING"
	LaneArt        Lane = "ART"
	LaneCompare    Lane = "COMPARE"
	LaneSimulation Lane = "SIMULATION"
	LaneLegacy     Lane = "LEGACY"
	LaneUtility    Lane = "UTILITY"
)

// Route is one mounted route's governance record. Name may be left empty
// at registration; Snapshot derives a stable default from the path and
// method. Deprecated and DeprecatedReason are resolved against the
// installed deprecation rules at snapshot time, never set by callers.
type Route struct {
	Path             string   `json:"path"`
	Methods          []string `json:"methods"`
	Name             string   `json:"name"`
	Lane             Lane     `json:"lane"`
	Deprecated       bool     `json:"deprecated"`
	DeprecatedReason string   `json:"deprecated_reason,omitempty"`
}

// DeprecationRule declares a deprecated lane prefix.
type DeprecationRule struct {
	Prefix          string
	SuccessorPrefix string
	SunsetDate      string
	LaneKey         string
}

// DeprecationHeaders is the set of HTTP response headers a matching
// deprecated request must carry.
type DeprecationHeaders struct {
	Deprecation     string // "true"
	Sunset          string // ISO date
	DeprecatedLane  string
	Link            string // `<successor_prefix>; rel="successor-version"`
}

// Registry is the process-wide, built-once-at-startup route classification
// table. Reads take a shared read lock and wait only while Register or
// SetDeprecations holds the write lock.
type Registry struct {
	mu           sync.RWMutex
	routes       []Route
	deprecations []DeprecationRule
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds routes to the table. Called once per component at startup:
// each component exposes a routes() function and the server composes them.
func (r *Registry) Register(routes ...Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, routes...)
}

// SetDeprecations installs the deprecated lane prefixes the governance
// layer enforces.
func (r *Registry) SetDeprecations(rules ...DeprecationRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deprecations = rules
}

// Routes returns a stable snapshot of every mounted route, sorted by
// (path, methods) for stable diffs across environments.
func (r *Registry) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, len(r.routes))
	copy(out, r.routes)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return strings.Join(out[i].Methods, ",") < strings.Join(out[j].Methods, ",")
	})
	return out
}

// RoutingTruth is the payload for GET /api/_meta/routing-truth.
type RoutingTruth struct {
	Count           int     `json:"count"`
	DeprecatedCount int     `json:"deprecated_count"`
	Routes          []Route `json:"routes"`
}

// Snapshot returns a consistent point-in-time routing-truth view. Each
// emitted route carries its name (derived from path and method when not
// set at registration) and its resolved deprecation state.
func (r *Registry) Snapshot() RoutingTruth {
	routes := r.Routes()
	deprecated := 0
	for i := range routes {
		if routes[i].Name == "" {
			routes[i].Name = defaultRouteName(routes[i])
		}
		if rule, ok := r.MatchDeprecation(routes[i].Path); ok {
			routes[i].Deprecated = true
			routes[i].DeprecatedReason = deprecationReason(rule)
			deprecated++
		}
	}
	return RoutingTruth{Count: len(routes), DeprecatedCount: deprecated, Routes: routes}
}

// defaultRouteName derives a stable operation name from a route's path and
// first method, e.g. POST /api/saw/batch/spec -> saw.batch.spec.post.
func defaultRouteName(rt Route) string {
	p := strings.TrimPrefix(rt.Path, "/api/")
	p = strings.Trim(p, "/")
	p = strings.NewReplacer("{", "", "}", "", "/", ".", "-", "_").Replace(p)
	if len(rt.Methods) > 0 {
		return p + "." + strings.ToLower(rt.Methods[0])
	}
	return p
}

// deprecationReason renders the operator-readable reason carried on a
// deprecated route's truth record.
func deprecationReason(rule DeprecationRule) string {
	return "lane " + rule.LaneKey + " is deprecated; use " + rule.SuccessorPrefix + " (sunset " + rule.SunsetDate + ")"
}

// MatchDeprecation returns the first deprecation rule whose prefix matches
// path, if any.
func (r *Registry) MatchDeprecation(path string) (DeprecationRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.deprecations {
		if strings.HasPrefix(path, rule.Prefix) {
			return rule, true
		}
	}
	return DeprecationRule{}, false
}

// HeadersFor builds the four deprecation headers for a matched rule.
func HeadersFor(rule DeprecationRule) DeprecationHeaders {
	return DeprecationHeaders{
		Deprecation:    "true",
		Sunset:         rule.SunsetDate,
		DeprecatedLane: rule.LaneKey,
		Link:           "<" + rule.SuccessorPrefix + `>; rel="successor-version"`,
	}
}

// IsOperation reports whether lane requires invoking the pipeline
// orchestrator. Non-OPERATION lanes must never write artifacts.
func IsOperation(lane Lane) bool {
	return lane == LaneOperation
}
