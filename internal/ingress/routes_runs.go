package ingress

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	goahttp "goa.design/goa/v3/http"

	"github.com/rmos/core/internal/advisory"
	"github.com/rmos/core/internal/artifact"
	"github.com/rmos/core/internal/evidence"
	"github.com/rmos/core/internal/governance"
	"github.com/rmos/core/internal/ids"
	"github.com/rmos/core/internal/overrides"
)

// mountRunRoutes mounts the run/attachment surface: listing and inspecting
// runs (artifact lineages rooted at a batch), downloading content-addressed
// attachments, and the advisory append-only reference list.
func mountRunRoutes(mux goahttp.Muxer, deps Deps) {
	mux.Handle("GET", "/api/rmos/runs", handleListRuns(deps))
	// Alias projections: each filters query_artifacts on one parent link.
	mux.Handle("GET", "/api/rmos/runs/by-spec/{id}", handleRunsByParent(mux, deps, "spec"))
	mux.Handle("GET", "/api/rmos/runs/by-plan/{id}", handleRunsByParent(mux, deps, "plan"))
	mux.Handle("GET", "/api/rmos/runs/by-decision/{id}", handleRunsByParent(mux, deps, "decision"))
	mux.Handle("GET", "/api/rmos/runs/{id}", handleGetRun(mux, deps))
	mux.Handle("GET", "/api/rmos/runs/{id}/attachments", handleListAttachments(mux, deps))
	mux.Handle("GET", "/api/rmos/runs/{id}/attachments/verify", handleVerifyAttachments(mux, deps))
	mux.Handle("GET", "/api/rmos/runs/{id}/advisories", handleListAdvisories(mux, deps))
	mux.Handle("POST", "/api/rmos/runs/{id}/suggest-and-attach", handleSuggestAndAttach(mux, deps))
	mux.Handle("GET", "/api/rmos/acoustics/attachments/{sha256}", handleDownloadAttachment(mux, deps))
	mux.Handle("GET", "/api/rmos/acoustics/index/attachment_meta", handleAttachmentMetaIndex(deps))
	mux.Handle("POST", "/api/rmos/acoustics/index/rebuild_attachment_meta", handleRebuildMetaIndex(deps))
	mux.Handle("POST", "/api/rmos/acoustics/evidence/ingest", handleEvidenceIngest(deps))
	mux.Handle("POST", "/api/rmos/learning/decide", handleLearningDecision(deps))

	deps.Registry.Register(
		governance.Route{Path: "/api/rmos/runs", Methods: []string{"GET"}, Lane: governance.LaneRMOS},
		governance.Route{Path: "/api/rmos/runs/by-spec/{id}", Methods: []string{"GET"}, Lane: governance.LaneRMOS},
		governance.Route{Path: "/api/rmos/runs/by-plan/{id}", Methods: []string{"GET"}, Lane: governance.LaneRMOS},
		governance.Route{Path: "/api/rmos/runs/by-decision/{id}", Methods: []string{"GET"}, Lane: governance.LaneRMOS},
		governance.Route{Path: "/api/rmos/acoustics/evidence/ingest", Methods: []string{"POST"}, Lane: governance.LaneRMOS},
		governance.Route{Path: "/api/rmos/learning/decide", Methods: []string{"POST"}, Lane: governance.LaneOperation},
		governance.Route{Path: "/api/rmos/runs/{id}", Methods: []string{"GET"}, Lane: governance.LaneRMOS},
		governance.Route{Path: "/api/rmos/runs/{id}/attachments", Methods: []string{"GET"}, Lane: governance.LaneRMOS},
		governance.Route{Path: "/api/rmos/runs/{id}/attachments/verify", Methods: []string{"GET"}, Lane: governance.LaneRMOS},
		governance.Route{Path: "/api/rmos/runs/{id}/advisories", Methods: []string{"GET"}, Lane: governance.LaneRMOS},
		governance.Route{Path: "/api/rmos/runs/{id}/suggest-and-attach", Methods: []string{"POST"}, Lane: governance.LaneRMOS},
		governance.Route{Path: "/api/rmos/acoustics/attachments/{sha256}", Methods: []string{"GET"}, Lane: governance.LaneRMOS},
		governance.Route{Path: "/api/rmos/acoustics/index/attachment_meta", Methods: []string{"GET"}, Lane: governance.LaneUtility},
		governance.Route{Path: "/api/rmos/acoustics/index/rebuild_attachment_meta", Methods: []string{"POST"}, Lane: governance.LaneUtility},
	)
}

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := artifact.Filters{
			Kind:       q.Get("kind"),
			SessionID:  q.Get("session_id"),
			BatchLabel: q.Get("batch_label"),
			ToolKind:   q.Get("tool_kind"),
		}
		recs, err := deps.Store.QueryArtifacts(r.Context(), f)
		if err != nil {
			writeErr(w, err)
			return
		}
		if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 && limit < len(recs) {
			recs = recs[:limit]
		}
		writeOK(w, "", map[string]any{"runs": recs})
	}
}

func handleGetRun(mux goahttp.Muxer, deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		lineage, err := deps.Store.GetLineage(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, id, map[string]any{"lineage": lineage})
	}
}

func handleListAttachments(mux goahttp.Muxer, deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		refs := deps.Advisory.ListAdvisories(r.Context(), id)
		writeOK(w, id, map[string]any{"attachments": refs})
	}
}

func handleVerifyAttachments(mux goahttp.Muxer, deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		missing, err := deps.Advisory.VerifyRunAttachments(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, id, map[string]any{"missing_sha256": missing, "ok": len(missing) == 0})
	}
}

func handleListAdvisories(mux goahttp.Muxer, deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		refs := deps.Advisory.ListAdvisories(r.Context(), id)
		writeOK(w, id, map[string]any{"advisories": refs})
	}
}

type suggestAndAttachRequest struct {
	ProducerID string         `json:"producer_id"`
	Kind       string         `json:"kind"`
	Payload    map[string]any `json:"payload"`
	Async      bool           `json:"async"`
}

// handleSuggestAndAttach attaches payload directly unless the caller asks
// for async generation and a sandbox producer is configured, in which case
// generation runs in the background and the reference starts PENDING.
func handleSuggestAndAttach(mux goahttp.Muxer, deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		var req suggestAndAttachRequest
		if err := decodeJSON(r, &req); err != nil {
			writeErr(w, err)
			return
		}

		var producer advisory.Producer
		if req.Async && deps.SandboxProducer != nil {
			producer = deps.SandboxProducer
		}

		var payload []byte
		if producer == nil {
			var err error
			payload, err = marshalPayload(req.Payload)
			if err != nil {
				writeErr(w, err)
				return
			}
		}

		ref, err := deps.Advisory.SuggestAndAttach(r.Context(), id, req.ProducerID, req.Kind, payload, producer, req.Payload)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, id, map[string]any{"reference": ref})
	}
}

func handleDownloadAttachment(mux goahttp.Muxer, deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sha := mux.Vars(r)["sha256"]
		bytes, err := deps.Advisory.DownloadAttachment(r.Context(), sha)
		if err != nil {
			writeErr(w, err)
			return
		}
		meta, err := deps.Store.GetBlobMeta(r.Context(), sha)
		if err == nil && meta.Mime != "" {
			w.Header().Set("Content-Type", meta.Mime)
		} else {
			w.Header().Set("Content-Type", "application/octet-stream")
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(bytes)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(bytes)
	}
}

func handleAttachmentMetaIndex(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		f := artifact.MetaIndexFilters{
			Kind:       q.Get("kind"),
			MimePrefix: q.Get("mime_prefix"),
			Cursor:     q.Get("cursor"),
			Limit:      limit,
		}
		page, err := deps.Store.MetaIndexQuery(r.Context(), f)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, "", map[string]any{"entries": page.Entries, "next_cursor": page.NextCursor})
	}
}

func handleRebuildMetaIndex(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Store.RebuildMetaIndex(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, "", map[string]any{"report": report})
	}
}

// handleRunsByParent is the uniform implementation behind the by-spec /
// by-plan / by-decision aliases: a filtered projection over
// query_artifacts, never bespoke traversal logic.
func handleRunsByParent(mux goahttp.Muxer, deps Deps, relation string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		f := artifact.Filters{}
		switch relation {
		case "spec":
			f.ParentSpecID = id
		case "plan":
			f.ParentPlanID = id
		case "decision":
			f.ParentDecisionID = id
		}
		recs, err := deps.Store.QueryArtifacts(r.Context(), f)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, "", map[string]any{"runs": recs})
	}
}

// handleEvidenceIngest accepts a raw zip evidence pack as the request body,
// verifies its manifest, and persists its files as content-addressed blobs.
func handleEvidenceIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() { _ = r.Body.Close() }()
		pack, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEvidencePackBytes))
		if err != nil {
			writeErr(w, err)
			return
		}
		report, err := evidence.Ingest(r.Context(), deps.Store, pack)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, Envelope{
				RequestID: ids.NewRequestID(),
				Error:     &ErrBody{Kind: "ValidationError", Message: err.Error()},
			})
			return
		}
		writeOK(w, "", map[string]any{"report": report})
	}
}

const maxEvidencePackBytes = 256 << 20

type learningDecisionRequest struct {
	LearningEventArtifactID string `json:"learning_event_artifact_id"`
	ApprovedBy              string `json:"approved_by"`
	Accept                  bool   `json:"accept"`
	ToolID                  string `json:"tool_id"`
	MaterialID              string `json:"material_id"`
	OperationKind           string `json:"operation_kind"`
	MachineProfileID        string `json:"machine_profile_id"`
}

// handleLearningDecision is the operator accept/reject gate for a
// LEARNING_EVENT; only an accepted event mutates the overrides store.
func handleLearningDecision(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req learningDecisionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeErr(w, err)
			return
		}
		rec, err := deps.Feedback.DecideLearningEvent(r.Context(), req.LearningEventArtifactID, req.ApprovedBy, req.Accept, overrides.Key{
			ToolID:           req.ToolID,
			MaterialID:       req.MaterialID,
			OperationKind:    req.OperationKind,
			MachineProfileID: req.MachineProfileID,
		})
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, rec.ArtifactID, map[string]any{"artifact_id": rec.ArtifactID, "status": rec.Status})
	}
}

func marshalPayload(v map[string]any) ([]byte, error) {
	return json.Marshal(v)
}
