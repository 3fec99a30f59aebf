package pipeline

import (
	"context"
	"encoding/json"

	"github.com/rmos/core/internal/artifact"
	"github.com/rmos/core/internal/canon"
	"github.com/rmos/core/internal/feasibility"
)

type (
	// ReplayedAttachment pairs one stored attachment with the sha256 a
	// fresh recompute produced for the same kind/filename slot.
	ReplayedAttachment struct {
		Kind             string `json:"kind"`
		Filename         string `json:"filename"`
		StoredSHA256     string `json:"stored_sha256"`
		RecomputedSHA256 string `json:"recomputed_sha256"`
		Match            bool   `json:"match"`
	}

	// ReplayReport is the outcome of replaying a stored EXECUTION against a
	// fresh compute-engine invocation. Deterministic holds when every
	// attachment slot recomputes to an identical sha256.
	ReplayReport struct {
		ExecutionID      string               `json:"execution_id"`
		FingerprintMatch bool                 `json:"fingerprint_match"`
		Deterministic    bool                 `json:"deterministic"`
		Attachments      []ReplayedAttachment `json:"attachments"`
	}
)

// Replay recomputes the output of a stored EXECUTION without persisting
// anything and reports whether the recompute drifted from the stored
// attachments. Development-only: the route is mounted only when debug is
// enabled.
func (o *Orchestrator) Replay(ctx context.Context, executionID string, liveContext feasibility.MachiningContext) (ReplayReport, error) {
	execution, err := o.store.GetArtifact(ctx, executionID)
	if err != nil {
		return ReplayReport{}, translateStoreErr(err, "execution not found")
	}
	if execution.Stage != artifact.StageExecution {
		return ReplayReport{}, newError(KindMissingParent, "id does not reference an EXECUTION", nil)
	}

	var execBody struct {
		Attachments []struct {
			SHA256   string `json:"sha256"`
			Kind     string `json:"kind"`
			Filename string `json:"filename"`
		} `json:"attachments"`
		Verdict feasibility.Verdict `json:"verdict"`
	}
	if err := json.Unmarshal(execution.Payload, &execBody); err != nil {
		return ReplayReport{}, newError(KindEngineError, "stored execution does not decode", err)
	}

	decisionID := execution.ParentIDs[artifact.RelParentDecision]
	decision, err := o.store.GetArtifact(ctx, decisionID)
	if err != nil {
		return ReplayReport{}, translateStoreErr(err, "decision not found")
	}
	plan, err := o.store.GetArtifact(ctx, decision.ParentIDs[artifact.RelParentPlan])
	if err != nil {
		return ReplayReport{}, translateStoreErr(err, "plan not found")
	}
	var planBody struct {
		DesignPayload map[string]any `json:"design_payload"`
	}
	if err := json.Unmarshal(plan.Payload, &planBody); err != nil {
		return ReplayReport{}, newError(KindEngineError, "stored plan does not decode", err)
	}

	toolKind := execution.IndexMeta[artifact.MetaToolKind]
	verdict, err := o.feasibility.Evaluate(feasibility.Inputs{
		ToolKind:      toolKind,
		DesignPayload: planBody.DesignPayload,
		Context:       liveContext,
		EngineVersion: o.cfg.EngineVersion,
	})
	if err != nil {
		return ReplayReport{}, newError(KindEngineError, "feasibility recompute failed", err)
	}

	engine, ok := o.engines[toolKind]
	if !ok {
		return ReplayReport{}, newError(KindEngineError, "no compute engine registered for tool kind "+toolKind, nil)
	}
	result, err := engine.Execute(ctx, ComputeRequest{
		ToolKind:          toolKind,
		SpecPayload:       planBody.DesignPayload,
		Context:           liveContext,
		Verdict:           verdict,
		EngineVersion:     o.cfg.EngineVersion,
		ConfigFingerprint: o.cfg.EngineVersion,
	})
	if err != nil {
		return ReplayReport{}, newError(KindEngineError, "compute engine replay failed", err)
	}

	recomputed := make(map[string]string, len(result.Blobs))
	for _, blob := range result.Blobs {
		recomputed[blob.Kind+"/"+blob.Filename] = canon.SHA256Bytes(blob.Bytes)
	}

	report := ReplayReport{
		ExecutionID:      executionID,
		FingerprintMatch: verdict.InputsFingerprint == execBody.Verdict.InputsFingerprint,
		Deterministic:    true,
	}
	for _, stored := range execBody.Attachments {
		slot := ReplayedAttachment{
			Kind:             stored.Kind,
			Filename:         stored.Filename,
			StoredSHA256:     stored.SHA256,
			RecomputedSHA256: recomputed[stored.Kind+"/"+stored.Filename],
		}
		slot.Match = slot.StoredSHA256 == slot.RecomputedSHA256
		if !slot.Match {
			report.Deterministic = false
		}
		report.Attachments = append(report.Attachments, slot)
	}
	return report, nil
}
