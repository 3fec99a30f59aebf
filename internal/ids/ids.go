// Package ids generates the opaque identifiers used throughout the pipeline:
// artifact IDs, request IDs, and job IDs.
package ids

import "github.com/google/uuid"

// NewArtifactID returns a new globally unique, opaque artifact identifier.
// Callers must never parse structure out of it; it is assigned by the store
// and never supplied by the caller.
func NewArtifactID(kind string) string {
	return kind + "_" + uuid.NewString()
}

// NewRequestID returns a new opaque request identifier, stamped on every
// ingress response envelope.
func NewRequestID() string {
	return "req_" + uuid.NewString()
}

// NewJobID returns a new opaque identifier for an asynchronous advisory
// attach job.
func NewJobID() string {
	return "job_" + uuid.NewString()
}
