package ingress

import (
	"net/http"

	goahttp "goa.design/goa/v3/http"

	"github.com/rmos/core/internal/feasibility"
	"github.com/rmos/core/internal/governance"
	"github.com/rmos/core/internal/telemetry"
)

// mountGovernanceRoutes mounts the META-lane introspection surface: the
// routing-truth snapshot the truth-file gate compares CI output against,
// a liveness probe, and (debug builds only) the deterministic-replay
// endpoint.
func mountGovernanceRoutes(mux goahttp.Muxer, deps Deps) {
	mux.Handle("GET", "/api/_meta/routing-truth", handleRoutingTruth(deps))
	mux.Handle("GET", "/api/health", handleHealth(deps))

	deps.Registry.Register(
		governance.Route{Path: "/api/_meta/routing-truth", Methods: []string{"GET"}, Lane: governance.LaneMeta},
		governance.Route{Path: "/api/health", Methods: []string{"GET"}, Lane: governance.LaneMeta},
	)

	if deps.Cfg.DebugEnabled {
		mux.Handle("POST", "/api/_meta/replay", handleReplay(deps))
		deps.Registry.Register(
			governance.Route{Path: "/api/_meta/replay", Methods: []string{"POST"}, Lane: governance.LaneMeta},
		)
	}
}

func handleRoutingTruth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, "", deps.Registry.Snapshot())
	}
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, "", map[string]any{
			"status":         "ok",
			"engine_version": deps.EngineVersion,
			"artifact_store": deps.Cfg.ArtifactStoreBackend,
		})
	}
}

type replayRequest struct {
	ExecutionArtifactID string                       `json:"execution_artifact_id"`
	Context             feasibility.MachiningContext `json:"context"`
}

// handleReplay recomputes a stored EXECUTION's outputs without persisting
// anything and reports drift between stored and recomputed attachments.
// Mounted only when debug is enabled.
func handleReplay(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req replayRequest
		if err := decodeJSON(r, &req); err != nil {
			writeErr(w, err)
			return
		}
		report, err := deps.Orchestrator.Replay(r.Context(), req.ExecutionArtifactID, req.Context)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, "", map[string]any{"report": report})
	}
}

// deprecationMiddleware injects the four deprecation response headers on
// any request matching a configured deprecated lane prefix, and logs each
// hit at warning level. Deprecated endpoints are never blocked.
func deprecationMiddleware(registry *governance.Registry, logger telemetry.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rule, ok := registry.MatchDeprecation(r.URL.Path); ok {
			h := governance.HeadersFor(rule)
			w.Header().Set("Deprecation", h.Deprecation)
			w.Header().Set("Sunset", h.Sunset)
			w.Header().Set("X-Deprecated-Lane", h.DeprecatedLane)
			w.Header().Set("Link", h.Link)
			logger.Warn(r.Context(), "deprecated lane hit",
				"lane", rule.LaneKey, "method", r.Method, "path", r.URL.Path, "successor", rule.SuccessorPrefix)
		}
		next.ServeHTTP(w, r)
	})
}
