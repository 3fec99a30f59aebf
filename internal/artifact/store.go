package artifact

import (
	"context"
	"time"
)

type (
	// Blob is a content-addressed binary asset referenced by Artifacts.
	Blob struct {
		// SHA256 is the primary identity, lowercase hex.
		SHA256 string `json:"sha256"`
		// Bytes is the raw content.
		Bytes []byte `json:"-"`
		// Mime, Filename, SizeBytes are descriptive only; sha256 is the sole
		// identity.
		Mime      string `json:"mime"`
		Filename  string `json:"filename"`
		SizeBytes int64  `json:"size_bytes"`
		// Kind is drawn from a closed vocabulary (gcode_output, dxf_input,
		// cam_plan, advisory_payload, job_log, ...).
		Kind      string    `json:"kind"`
		CreatedAtUTC time.Time `json:"created_at_utc"`
	}

	// Filters narrows a query_artifacts call. Zero-valued fields are
	// unconstrained.
	Filters struct {
		Kind               string
		Stage              Stage
		ParentSpecID       string
		ParentPlanID       string
		ParentDecisionID   string
		ParentExecutionID  string
		SessionID          string
		BatchLabel         string
		ToolKind           string
		CreatedAfter       time.Time
		CreatedBefore      time.Time
	}

	// MetaIndexFilters narrows a meta_index_query scan.
	MetaIndexFilters struct {
		Kind       string
		MimePrefix string
		Cursor     string
		Limit      int
	}

	// MetaIndexPage is one page of a paginated attachment meta-index scan.
	// Cursor is opaque and stable across calls.
	MetaIndexPage struct {
		Entries    []Blob
		NextCursor string
	}

	// RebuildReport summarizes a rebuild_meta_index run.
	RebuildReport struct {
		RunsScanned       int
		AttachmentsIndexed int
		UniqueSHA256       int
	}

	// Store persists artifacts and content-addressed blobs with
	// strongly-consistent lookup, ancestry traversal, and index queries.
	//
	// Implementations must serialize artifact writes per (session_id,
	// batch_label) and allow writes across distinct sessions to proceed in
	// parallel. Blob writes must be idempotent and safe under concurrent
	// writers.
	Store interface {
		// PutArtifact persists a new artifact and assigns its ArtifactID,
		// CreatedAtUTC. Returns ErrDuplicateParent, ErrMissingParent, or
		// ErrInvariantViolation.
		PutArtifact(ctx context.Context, rec Record) (string, error)

		// GetArtifact returns the artifact for id, or ErrNotFound.
		GetArtifact(ctx context.Context, id string) (Record, error)

		// QueryArtifacts returns artifacts matching filters, ordered by
		// (created_at_utc, artifact_id) ascending.
		QueryArtifacts(ctx context.Context, f Filters) ([]Record, error)

		// ListExecutionsForDecision returns every EXECUTION artifact whose
		// ancestry includes decisionID (used by replay / retry_execution).
		ListExecutionsForDecision(ctx context.Context, decisionID string) ([]Record, error)

		// GetLineage returns the full parent chain for id back to its root
		// SPEC, ordered root-first.
		GetLineage(ctx context.Context, id string) ([]Record, error)

		// PutBlob stores bytes content-addressed by its SHA-256 digest.
		// Idempotent: repeated insertion of identical bytes returns the same
		// sha256 without duplicating storage.
		PutBlob(ctx context.Context, bytes []byte, mime, kind, filename string) (string, error)

		// GetBlob returns the raw bytes for sha256, or ErrNotFound.
		GetBlob(ctx context.Context, sha256 string) ([]byte, error)

		// GetBlobMeta returns the descriptive metadata for sha256 without its
		// bytes, or ErrNotFound.
		GetBlobMeta(ctx context.Context, sha256 string) (Blob, error)

		// MetaIndexQuery performs a paginated scan over attachment metadata.
		MetaIndexQuery(ctx context.Context, f MetaIndexFilters) (MetaIndexPage, error)

		// RebuildMetaIndex walks existing artifacts and stored blobs and
		// reports totals: distinct (session_id, batch_label) runs and stored
		// blobs. Both backends serve the meta index from the blob store
		// itself, so no index is rewritten, and attachment references inside
		// artifact payloads are not checked against the blobs.
		RebuildMetaIndex(ctx context.Context) (RebuildReport, error)
	}
)
