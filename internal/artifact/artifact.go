// Package artifact defines the immutable artifact pipeline's data model and
// the Store interface that persists it.
//
// Every stage of the SPEC -> PLAN -> DECISION -> EXECUTION chain is one
// write-once Artifact; content (G-code, DXF, advisory payloads) is stored
// separately as content-addressed Attachments referenced by sha256.
package artifact

import (
	"encoding/json"
	"errors"
	"time"
)

type (
	// Stage is the pipeline stage an Artifact occupies.
	Stage string

	// Status is the stage-specific lifecycle status of an Artifact.
	Status string

	// Record is a single immutable artifact. Records are write-once: once
	// put_artifact returns an ID, no field of the stored record ever changes.
	// Amendments are new Records with back-pointers.
	Record struct {
		// ArtifactID is opaque, globally unique, and immutable once assigned.
		ArtifactID string `json:"artifact_id"`
		// Kind is drawn from the closed per-tool vocabulary (e.g.
		// "saw_batch_spec"). The final token encodes Stage.
		Kind string `json:"kind"`
		Stage Stage `json:"stage"`
		// CreatedAtUTC is assigned by the store, never supplied by the caller.
		CreatedAtUTC time.Time `json:"created_at_utc"`
		// CreatedBy is required on DECISION artifacts.
		CreatedBy string `json:"created_by,omitempty"`
		// ParentIDs maps relationship name (e.g. "parent_spec_artifact_id") to
		// parent ArtifactID. Required names depend on Stage.
		ParentIDs map[string]string `json:"parent_ids,omitempty"`
		// IndexMeta carries at minimum tool_kind, batch_label, session_id,
		// propagated unchanged from the root SPEC to every descendant.
		IndexMeta map[string]string `json:"index_meta"`
		// PayloadSHA256 is the SHA-256 of the canonical payload bytes.
		PayloadSHA256 string `json:"payload_sha256"`
		// Payload is the canonical JSON payload for this artifact (SPEC
		// request body, PLAN verdict + setups, DECISION attribution, EXECUTION
		// result, JOB_LOG metrics, ROLLUP aggregate, ...).
		Payload json.RawMessage `json:"payload"`
		// EngineVersion, PostProcessorVersion, ConfigFingerprint are version
		// stamps enabling drift detection.
		EngineVersion        string `json:"engine_version,omitempty"`
		PostProcessorVersion string `json:"post_processor_version,omitempty"`
		ConfigFingerprint    string `json:"config_fingerprint,omitempty"`
		// Status is a stage-specific lifecycle subset.
		Status Status `json:"status"`
	}
)

const (
	StageSpec           Stage = "SPEC"
	StagePlan           Stage = "PLAN"
	StageDecision       Stage = "DECISION"
	StageExecution      Stage = "EXECUTION"
	StageJobLog         Stage = "JOB_LOG"
	StageRollup         Stage = "ROLLUP"
	StageLearningEvent  Stage = "LEARNING_EVENT"
	StageLearningDecision Stage = "LEARNING_DECISION"
)

const (
	StatusCreated  Status = "CREATED"
	StatusOK       Status = "OK"
	StatusBlocked  Status = "BLOCKED"
	StatusError    Status = "ERROR"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// Parent relationship names used in ParentIDs, per the stage contract table.
const (
	RelParentSpec      = "parent_spec_artifact_id"
	RelParentPlan      = "parent_plan_artifact_id"
	RelParentDecision  = "parent_decision_artifact_id"
	RelParentExecution = "parent_execution_artifact_id"
)

// IndexMeta keys, propagated unchanged from root SPEC to every descendant.
const (
	MetaToolKind   = "tool_kind"
	MetaBatchLabel = "batch_label"
	MetaSessionID  = "session_id"
)

// ErrNotFound indicates that no artifact or blob exists for the given
// identifier.
var ErrNotFound = errors.New("artifact: not found")

// ErrDuplicateParent is returned by PutArtifact when a prior artifact with
// identical (kind, parent_ids, payload_sha256) already exists and duplicates
// are forbidden for the stage.
var ErrDuplicateParent = errors.New("artifact: duplicate parent")

// ErrMissingParent is returned by PutArtifact when a referenced parent does
// not resolve.
var ErrMissingParent = errors.New("artifact: missing parent")

// ErrInvariantViolation is returned by PutArtifact when batch_label/session_id
// do not match the root SPEC's values.
var ErrInvariantViolation = errors.New("artifact: invariant violation")
