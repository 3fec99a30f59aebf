package ingress

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmos/core/internal/advisory"
	"github.com/rmos/core/internal/artifact"
	"github.com/rmos/core/internal/artifact/memorystore"
	"github.com/rmos/core/internal/config"
	"github.com/rmos/core/internal/feasibility"
	"github.com/rmos/core/internal/feedback"
	"github.com/rmos/core/internal/governance"
	"github.com/rmos/core/internal/overrides"
	"github.com/rmos/core/internal/pipeline"
	"github.com/rmos/core/internal/telemetry"
)

func newTestServer(t *testing.T) (*Server, artifact.Store) {
	t.Helper()
	store := memorystore.New()
	engines := map[string]pipeline.ComputeEngine{"saw_batch": pipeline.NewMockComputeEngine()}
	cfg := config.Config{
		Budgets: config.DefaultStageBudgets(), EngineVersion: "1.0.0",
		Flags: map[string]config.ToolFlags{}, ListenAddr: ":0",
	}
	log, metrics, tracer := telemetry.Noop()
	schemas, err := pipeline.NewSchemaRegistry([]string{"saw_batch"})
	require.NoError(t, err)
	orchestrator := pipeline.New(store, feasibility.NewEngine(), engines, overrides.NewMemoryStore(), schemas, cfg, log, metrics, tracer)
	feedbackLoop := feedback.New(store, overrides.NewMemoryStore(), cfg, log, metrics)
	registry := governance.NewRegistry()
	registry.SetDeprecations(governance.DeprecationRule{
		Prefix: "/api/art-studio", SuccessorPrefix: "/api/art", SunsetDate: "2026-12-31", LaneKey: "legacy_art_studio_lane",
	})

	deps := Deps{
		Orchestrator: orchestrator,
		Advisory:     advisory.New(store, advisory.NewBus(), log),
		Store:        store,
		Feedback:     feedbackLoop,
		Registry:     registry,
		Cfg:          cfg,
		ToolKinds:    []string{"saw_batch"},
		EngineVersion: "1.0.0",
	}
	return New(deps), store
}

func TestHealthRoute(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/health", nil)
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.NotEmpty(t, env.RequestID)
}

func TestRoutingTruthRoute_ReportsMountedRoutes(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/_meta/routing-truth", nil)
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	data, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var truth governance.RoutingTruth
	require.NoError(t, json.Unmarshal(data, &truth))
	assert.Greater(t, truth.Count, 0)
}

func TestCreateSpecRoute_EndToEndThroughHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	body, err := json.Marshal(map[string]any{
		"session_id": "s1", "batch_label": "b1", "created_by": "operator_1",
		"items":    []any{map[string]any{"part_id": "p1", "thickness_mm": 19.0, "width_mm": 100.0, "length_mm": 500.0}},
		"op_type":  "slice",
		"blade_id": "BLADE_10IN_60T",
	})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/saw/batch/spec", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.NotEmpty(t, env.ArtifactID)
}

func TestCreateSpecRoute_SchemaViolationReturns400(t *testing.T) {
	srv, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"session_id": "s1", "batch_label": "b1", "op_type": "slice"})

	req := httptest.NewRequest("POST", "/api/saw/batch/spec", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)
	assert.Equal(t, 400, rec.Code)

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NotNil(t, env.Error)
	assert.Equal(t, "ValidationError", env.Error.Kind)
}

func TestDeprecationMiddleware_InjectsHeadersOnMatchingPrefix(t *testing.T) {
	registry := governance.NewRegistry()
	registry.SetDeprecations(governance.DeprecationRule{
		Prefix: "/api/art-studio", SuccessorPrefix: "/api/art", SunsetDate: "2026-12-31", LaneKey: "legacy_art_studio_lane",
	})
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	logger, _, _ := telemetry.Noop()
	handler := deprecationMiddleware(registry, logger, inner)

	req := httptest.NewRequest("GET", "/api/art-studio/rosette/preview", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "true", rec.Header().Get("Deprecation"))
	assert.Equal(t, "2026-12-31", rec.Header().Get("Sunset"))
	assert.Equal(t, "legacy_art_studio_lane", rec.Header().Get("X-Deprecated-Lane"))
	assert.Equal(t, `</api/art>; rel="successor-version"`, rec.Header().Get("Link"))

	req2 := httptest.NewRequest("GET", "/api/saw/batch/spec", nil)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	assert.Empty(t, rec2.Header().Get("Deprecation"))
	assert.Empty(t, rec2.Header().Get("Sunset"))
	assert.Empty(t, rec2.Header().Get("X-Deprecated-Lane"))
	assert.Empty(t, rec2.Header().Get("Link"))
}

func TestDownloadAttachment_UnknownSHA256ReturnsError(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/rmos/acoustics/attachments/0000000000000000000000000000000000000000000000000000000000000000", nil)
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NotNil(t, env.Error)
	assert.Equal(t, artifact.ErrNotFound.Error(), env.Error.Message)
}
