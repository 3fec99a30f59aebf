package pipeline

import (
	"context"
	"fmt"

	"github.com/rmos/core/internal/canon"
)

// MockComputeEngine is a deterministic synthetic backend that stands in for
// a real CAM engine during development and tests: it derives its output
// bytes from a hash of the request, so identical requests always produce
// byte-identical blobs without depending on any external CAM toolchain.
type MockComputeEngine struct{}

// NewMockComputeEngine constructs a MockComputeEngine.
func NewMockComputeEngine() *MockComputeEngine { return &MockComputeEngine{} }

// Execute implements ComputeEngine.
func (e *MockComputeEngine) Execute(ctx context.Context, req ComputeRequest) (ComputeResult, error) {
	select {
	case <-ctx.Done():
		return ComputeResult{}, ctx.Err()
	default:
	}

	digest, err := canon.SHA256Hex(map[string]any{
		"tool_kind":          req.ToolKind,
		"spec_payload":       req.SpecPayload,
		"context":            req.Context,
		"engine_version":     req.EngineVersion,
		"config_fingerprint": req.ConfigFingerprint,
	})
	if err != nil {
		return ComputeResult{}, err
	}

	gcode := fmt.Sprintf(
		"; rmos synthetic toolpath\n; tool_kind=%s\n; engine_version=%s\n; digest=%s\nG21\nG90\nM3\nG1 X0 Y0 Z0\nM5\nM30\n",
		req.ToolKind, req.EngineVersion, digest,
	)

	return ComputeResult{
		Blobs: []ProducedBlob{
			{
				Bytes:    []byte(gcode),
				Mime:     "text/plain",
				Kind:     "gcode_output",
				Filename: req.ToolKind + ".nc",
			},
		},
		Summary: map[string]any{
			"moves":  4,
			"digest": digest,
		},
	}, nil
}
