package ingress

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rmos/core/internal/artifact"
	"github.com/rmos/core/internal/ids"
	"github.com/rmos/core/internal/pipeline"
)

// Envelope is the stable response wrapper every route returns: a
// request_id on every response, plus artifact_id on OPERATION responses
// that produced a write.
type Envelope struct {
	RequestID  string `json:"request_id"`
	ArtifactID string `json:"artifact_id,omitempty"`
	Data       any    `json:"data,omitempty"`
	Error      *ErrBody `json:"error,omitempty"`
}

// ErrBody is the machine-readable error detail carried on non-2xx responses.
type ErrBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, artifactID string, data any) {
	writeJSON(w, http.StatusOK, Envelope{RequestID: ids.NewRequestID(), ArtifactID: artifactID, Data: data})
}

// writeErr maps a pipeline error to an HTTP status: validation/invariant
// errors are 4xx, engine errors that were already captured into the
// artifact chain are reported 2xx by the caller before reaching here,
// store/timeout errors are 5xx.
func writeErr(w http.ResponseWriter, err error) {
	kind, ok := pipeline.KindOf(err)
	if !ok {
		// Routes that talk to the store or feedback loop directly surface
		// artifact sentinels rather than pipeline errors.
		switch {
		case errors.Is(err, artifact.ErrNotFound):
			writeJSON(w, http.StatusNotFound, Envelope{RequestID: ids.NewRequestID(), Error: &ErrBody{Kind: "NotFound", Message: err.Error()}})
		case errors.Is(err, artifact.ErrMissingParent), errors.Is(err, artifact.ErrInvariantViolation), errors.Is(err, artifact.ErrDuplicateParent):
			writeJSON(w, http.StatusBadRequest, Envelope{RequestID: ids.NewRequestID(), Error: &ErrBody{Kind: "InvariantViolation", Message: err.Error()}})
		default:
			writeJSON(w, http.StatusInternalServerError, Envelope{RequestID: ids.NewRequestID(), Error: &ErrBody{Kind: "Unknown", Message: err.Error()}})
		}
		return
	}
	status := http.StatusInternalServerError
	switch kind {
	case pipeline.KindValidationError, pipeline.KindMissingParent, pipeline.KindInvariantViolation, pipeline.KindFeasibilityBlocked, pipeline.KindDriftDetected:
		status = http.StatusBadRequest
	case pipeline.KindStoreUnavailable, pipeline.KindTimeout, pipeline.KindEngineError:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, Envelope{RequestID: ids.NewRequestID(), Error: &ErrBody{Kind: string(kind), Message: err.Error()}})
}

func decodeJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}
