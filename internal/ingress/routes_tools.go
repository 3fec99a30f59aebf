package ingress

import (
	"net/http"

	goahttp "goa.design/goa/v3/http"

	"github.com/rmos/core/internal/feasibility"
	"github.com/rmos/core/internal/feedback"
	"github.com/rmos/core/internal/governance"
	"github.com/rmos/core/internal/pipeline"
)

// toolRoutePrefix maps the closed tool vocabulary to its mounted path
// prefix. The vocabulary is the single source of truth for both the
// artifact kind token and the route table, so adding a tool never
// requires hand-duplicating a router.
var toolRoutePrefix = map[string]string{
	"saw_batch":       "/api/saw/batch",
	"rosette":         "/api/rosette",
	"rmos_toolpaths":  "/api/rmos/toolpaths",
	"vcarve":          "/api/vcarve",
	"roughing":        "/api/roughing",
	"drilling":        "/api/drilling",
	"biarc":           "/api/biarc",
	"relief":          "/api/relief",
	"adaptive_pocket": "/api/adaptive-pocket",
	"helical":         "/api/helical",
}

func mountToolRoutes(mux goahttp.Muxer, deps Deps) {
	for _, toolKind := range deps.ToolKinds {
		prefix, ok := toolRoutePrefix[toolKind]
		if !ok {
			continue
		}
		mountOneTool(mux, deps, toolKind, prefix)
		deps.Registry.Register(
			governance.Route{Path: prefix + "/spec", Methods: []string{"POST"}, Lane: governance.LaneOperation},
			governance.Route{Path: prefix + "/plan", Methods: []string{"POST"}, Lane: governance.LaneOperation},
			governance.Route{Path: prefix + "/approve", Methods: []string{"POST"}, Lane: governance.LaneOperation},
			governance.Route{Path: prefix + "/reject", Methods: []string{"POST"}, Lane: governance.LaneOperation},
			governance.Route{Path: prefix + "/toolpaths", Methods: []string{"POST"}, Lane: governance.LaneOperation},
			governance.Route{Path: prefix + "/execute", Methods: []string{"POST"}, Lane: governance.LaneOperation},
			governance.Route{Path: prefix + "/retry", Methods: []string{"POST"}, Lane: governance.LaneOperation},
			governance.Route{Path: prefix + "/job-log", Methods: []string{"POST"}, Lane: governance.LaneOperation},
		)
	}
}

func mountOneTool(mux goahttp.Muxer, deps Deps, toolKind, prefix string) {
	mux.Handle("POST", prefix+"/spec", handleCreateSpec(deps, toolKind))
	mux.Handle("POST", prefix+"/plan", handleCreatePlan(deps))
	mux.Handle("POST", prefix+"/approve", handleApprove(deps))
	mux.Handle("POST", prefix+"/reject", handleReject(deps))
	// /toolpaths is the historical name for /execute; both create EXECUTION.
	mux.Handle("POST", prefix+"/toolpaths", handleExecute(deps))
	mux.Handle("POST", prefix+"/execute", handleExecute(deps))
	mux.Handle("POST", prefix+"/retry", handleRetryExecution(deps))
	mux.Handle("POST", prefix+"/job-log", handleJobLog(deps))
}

func handleCreateSpec(deps Deps, toolKind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		if err := decodeJSON(r, &raw); err != nil {
			writeErr(w, err)
			return
		}
		sessionID, _ := raw["session_id"].(string)
		batchLabel, _ := raw["batch_label"].(string)
		createdBy, _ := raw["created_by"].(string)
		delete(raw, "session_id")
		delete(raw, "batch_label")
		delete(raw, "created_by")

		rec, err := deps.Orchestrator.CreateSpec(r.Context(), pipeline.CreateSpecRequest{
			ToolKind:   toolKind,
			SessionID:  sessionID,
			BatchLabel: batchLabel,
			CreatedBy:  createdBy,
			Payload:    raw,
		})
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, rec.ArtifactID, map[string]any{"artifact_id": rec.ArtifactID})
	}
}

type createPlanRequest struct {
	SpecArtifactID string                       `json:"spec_artifact_id"`
	Context        feasibility.MachiningContext `json:"context"`
	Tuning         map[string]any                `json:"tuning"`
}

func handleCreatePlan(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createPlanRequest
		if err := decodeJSON(r, &req); err != nil {
			writeErr(w, err)
			return
		}
		rec, err := deps.Orchestrator.CreatePlan(r.Context(), pipeline.CreatePlanRequest{
			SpecID:  req.SpecArtifactID,
			Context: req.Context,
			Tuning:  req.Tuning,
		})
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, rec.ArtifactID, map[string]any{"artifact_id": rec.ArtifactID, "payload": rec.Payload})
	}
}

type decisionRequest struct {
	PlanArtifactID string `json:"plan_artifact_id"`
	ApprovedBy     string `json:"approved_by"`
	Reason         string `json:"reason"`
}

func handleApprove(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req decisionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeErr(w, err)
			return
		}
		rec, err := deps.Orchestrator.Approve(r.Context(), req.PlanArtifactID, req.ApprovedBy, req.Reason)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, rec.ArtifactID, map[string]any{"artifact_id": rec.ArtifactID})
	}
}

func handleReject(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req decisionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeErr(w, err)
			return
		}
		rec, err := deps.Orchestrator.Reject(r.Context(), req.PlanArtifactID, req.ApprovedBy, req.Reason)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, rec.ArtifactID, map[string]any{"artifact_id": rec.ArtifactID})
	}
}

type executeRequest struct {
	DecisionArtifactID string                       `json:"decision_artifact_id"`
	Context            feasibility.MachiningContext `json:"context"`
}

func handleExecute(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req executeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeErr(w, err)
			return
		}
		rec, err := deps.Orchestrator.Execute(r.Context(), req.DecisionArtifactID, req.Context)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, rec.ArtifactID, map[string]any{"artifact_id": rec.ArtifactID, "status": rec.Status})
	}
}

type retryRequest struct {
	ExecutionArtifactID string                       `json:"execution_artifact_id"`
	Context             feasibility.MachiningContext `json:"context"`
}

// handleRetryExecution creates a new EXECUTION sharing the original's
// DECISION parent; the original artifact is never modified.
func handleRetryExecution(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req retryRequest
		if err := decodeJSON(r, &req); err != nil {
			writeErr(w, err)
			return
		}
		rec, err := deps.Orchestrator.RetryExecution(r.Context(), req.ExecutionArtifactID, req.Context)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, rec.ArtifactID, map[string]any{"artifact_id": rec.ArtifactID, "status": rec.Status})
	}
}

type jobLogRequest struct {
	ExecutionArtifactID string           `json:"execution_artifact_id"`
	Metrics             feedback.Metrics `json:"metrics"`
}

func handleJobLog(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jobLogRequest
		if err := decodeJSON(r, &req); err != nil {
			writeErr(w, err)
			return
		}
		rec, err := deps.Feedback.WriteJobLog(r.Context(), req.ExecutionArtifactID, req.Metrics)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, rec.ArtifactID, map[string]any{"artifact_id": rec.ArtifactID})
	}
}
