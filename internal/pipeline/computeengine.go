package pipeline

import (
	"context"

	"github.com/rmos/core/internal/feasibility"
)

type (
	// ComputeRequest is everything a ComputeEngine needs to materialize
	// machine output for an approved DECISION.
	ComputeRequest struct {
		ToolKind          string
		SpecPayload       map[string]any
		Context           feasibility.MachiningContext
		Verdict           feasibility.Verdict
		EngineVersion     string
		ConfigFingerprint string
	}

	// ProducedBlob is one output artifact a ComputeEngine materializes
	// (G-code, DXF, a toolpath summary, ...).
	ProducedBlob struct {
		Bytes    []byte
		Mime     string
		Kind     string
		Filename string
	}

	// ComputeResult is the full output of one ComputeEngine invocation.
	ComputeResult struct {
		Blobs   []ProducedBlob
		Summary map[string]any
	}

	// ComputeEngine is the pluggable computation backend invoked by execute.
	// Engines are pure with respect to their declared inputs: given an
	// identical ComputeRequest they must return byte-identical Blobs.
	// Implementations are registered once per tool kind, invoked through
	// a uniform signature regardless of backend.
	ComputeEngine interface {
		Execute(ctx context.Context, req ComputeRequest) (ComputeResult, error)
	}
)
