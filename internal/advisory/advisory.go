// Package advisory lets non-authoritative producers (AI or human) attach
// explanations, previews, or suggestions to a run without ever modifying it.
//
// Async attaches move through a small closed status set (PENDING, READY,
// FAILED); a completion event published on the Bus flips the advisory
// slot's projected status without ever touching the run's authoritative
// artifact.
package advisory

import (
	"context"
	"time"
)

// Status is the lifecycle state of one advisory attach.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusReady   Status = "READY"
	StatusFailed  Status = "FAILED"
)

// Reference is an Advisory Input Reference: an append-only record linking a
// run to a canonical advisory payload stored as an attachment.
type Reference struct {
	RunID        string    `json:"run_id"`
	SHA256       string    `json:"sha256"`
	Kind         string    `json:"kind"`
	ProducerID   string    `json:"producer_id"`
	RequestID    string    `json:"request_id"`
	CreatedAtUTC time.Time `json:"created_at_utc"`
	Status       Status    `json:"status"`
	FailureNote  string    `json:"failure_note,omitempty"`
}

// BlobStore is the narrow slice of artifact.Store the advisory subsystem
// needs: content-addressed blob persistence and retrieval.
type BlobStore interface {
	PutBlob(ctx context.Context, bytes []byte, mime, kind, filename string) (string, error)
	GetBlob(ctx context.Context, sha256 string) ([]byte, error)
}

// Producer generates an advisory payload for a run. Implementations may be
// synchronous (simple heuristics) or asynchronous (AI Sandbox).
type Producer interface {
	Produce(ctx context.Context, runID string, request map[string]any) ([]byte, string, error)
}
