// Package pipeline drives the SPEC -> PLAN -> DECISION -> EXECUTION
// progression, invoking the Feasibility Engine and pluggable compute
// engines at fixed hooks and enforcing every ancestry invariant.
//
// Compute engines are registered once per tool kind and invoked through a
// uniform signature; the orchestrator owns artifact wrapping and
// recompute determinism, never the CAM math itself.
package pipeline

import (
	"context"
	"encoding/json"

	"github.com/rmos/core/internal/artifact"
	"github.com/rmos/core/internal/canon"
	"github.com/rmos/core/internal/config"
	"github.com/rmos/core/internal/feasibility"
	"github.com/rmos/core/internal/overrides"
	"github.com/rmos/core/internal/telemetry"
)

// Orchestrator implements create_spec, create_plan, approve, reject,
// execute, and retry_execution.
type Orchestrator struct {
	store       artifact.Store
	feasibility *feasibility.Engine
	engines     map[string]ComputeEngine
	overrides   overrides.Store
	schemas     *SchemaRegistry
	cfg         config.Config

	log     telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// New constructs an Orchestrator. engines maps tool_kind to the
// ComputeEngine that materializes its output; overridesStore may be nil, in
// which case APPLY_ACCEPTED_OVERRIDES is treated as a no-op regardless of
// configuration. schemas may be nil, in which case create_spec performs no
// schema validation beyond the required-field check.
func New(
	store artifact.Store,
	feasibilityEngine *feasibility.Engine,
	engines map[string]ComputeEngine,
	overridesStore overrides.Store,
	schemas *SchemaRegistry,
	cfg config.Config,
	log telemetry.Logger,
	metrics telemetry.Metrics,
	tracer telemetry.Tracer,
) *Orchestrator {
	return &Orchestrator{
		store:       store,
		feasibility: feasibilityEngine,
		engines:     engines,
		overrides:   overridesStore,
		schemas:     schemas,
		cfg:         cfg,
		log:         log,
		metrics:     metrics,
		tracer:      tracer,
	}
}

// CreateSpecRequest is the inbound request for create_spec.
type CreateSpecRequest struct {
	ToolKind   string
	SessionID  string
	BatchLabel string
	CreatedBy  string
	Payload    map[string]any
}

// CreateSpec validates inputs against the tool's schema and writes SPEC.
func (o *Orchestrator) CreateSpec(ctx context.Context, req CreateSpecRequest) (artifact.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Budgets.Spec)
	defer cancel()
	ctx, span := o.tracer.Start(ctx, "pipeline.create_spec")
	defer span.End()

	if req.ToolKind == "" || req.SessionID == "" || req.BatchLabel == "" {
		return artifact.Record{}, newError(KindValidationError, "tool_kind, session_id, and batch_label are required", nil)
	}
	if o.schemas != nil {
		if err := o.schemas.Validate(req.ToolKind, req.Payload); err != nil {
			return artifact.Record{}, newError(KindValidationError, "spec payload does not match tool schema", err)
		}
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return artifact.Record{}, newError(KindValidationError, "spec payload does not marshal", err)
	}
	sum := canon.SHA256Bytes(payload)

	rec := artifact.Record{
		Kind:  req.ToolKind + "_spec",
		Stage: artifact.StageSpec,
		IndexMeta: map[string]string{
			artifact.MetaToolKind:   req.ToolKind,
			artifact.MetaBatchLabel: req.BatchLabel,
			artifact.MetaSessionID:  req.SessionID,
		},
		CreatedBy:     req.CreatedBy,
		PayloadSHA256: sum,
		Payload:       payload,
		Status:        artifact.StatusCreated,
	}

	id, err := o.put(ctx, rec)
	if err != nil {
		return artifact.Record{}, err
	}
	o.metrics.IncCounter("pipeline.spec.created", 1, "tool_kind", req.ToolKind)
	return o.store.GetArtifact(ctx, id)
}

// CreatePlanRequest is the inbound request for create_plan.
type CreatePlanRequest struct {
	SpecID  string
	Context feasibility.MachiningContext
	// Tuning carries tool-specific plan parameters (strategy, rpm,
	// feed_mm_min, ...), merged with the SPEC payload before feasibility
	// scoring.
	Tuning map[string]any
}

// CreatePlan invokes the Feasibility Engine with the SPEC payload and
// Machining Context, and records the verdict on PLAN.
func (o *Orchestrator) CreatePlan(ctx context.Context, req CreatePlanRequest) (artifact.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Budgets.Plan)
	defer cancel()
	ctx, span := o.tracer.Start(ctx, "pipeline.create_plan")
	defer span.End()

	spec, err := o.store.GetArtifact(ctx, req.SpecID)
	if err != nil {
		return artifact.Record{}, translateStoreErr(err, "spec not found")
	}
	if spec.Stage != artifact.StageSpec {
		return artifact.Record{}, newError(KindMissingParent, "parent_spec_artifact_id does not reference a SPEC", nil)
	}

	toolKind := spec.IndexMeta[artifact.MetaToolKind]
	designPayload, err := mergedPayload(spec.Payload, req.Tuning)
	if err != nil {
		return artifact.Record{}, newError(KindValidationError, "plan payload does not merge with spec", err)
	}

	// When overrides apply, the plan records both the raw and the adjusted
	// values; the adjusted payload is what feasibility scores.
	var rawPayload map[string]any
	if o.cfg.FlagsFor(toolKind).ApplyAcceptedOverrides && o.overrides != nil {
		rawPayload = make(map[string]any, len(designPayload))
		for k, v := range designPayload {
			rawPayload[k] = v
		}
		applyOverrides(designPayload, o.lookupOverride(ctx, toolKind, req.Context, designPayload))
	}

	verdict, err := o.feasibility.Evaluate(feasibility.Inputs{
		ToolKind:      toolKind,
		DesignPayload: designPayload,
		Context:       req.Context,
		EngineVersion: o.cfg.EngineVersion,
	})
	if err != nil {
		return artifact.Record{}, newError(KindEngineError, "feasibility evaluation failed", err)
	}

	payloadBody := map[string]any{
		"design_payload": designPayload,
		"context":        req.Context,
		"verdict":        verdict,
	}
	if rawPayload != nil {
		payloadBody["raw_payload"] = rawPayload
		payloadBody["overrides_applied"] = true
	}
	payload, err := json.Marshal(payloadBody)
	if err != nil {
		return artifact.Record{}, newError(KindValidationError, "plan payload does not marshal", err)
	}

	rec := artifact.Record{
		Kind:  toolKind + "_plan",
		Stage: artifact.StagePlan,
		IndexMeta: map[string]string{
			artifact.MetaToolKind:   toolKind,
			artifact.MetaBatchLabel: spec.IndexMeta[artifact.MetaBatchLabel],
			artifact.MetaSessionID:  spec.IndexMeta[artifact.MetaSessionID],
		},
		ParentIDs:     map[string]string{artifact.RelParentSpec: spec.ArtifactID},
		PayloadSHA256: canon.SHA256Bytes(payload),
		Payload:       payload,
		EngineVersion: o.cfg.EngineVersion,
		Status:        statusForBucket(verdict.Bucket),
	}

	id, err := o.put(ctx, rec)
	if err != nil {
		return artifact.Record{}, err
	}
	o.metrics.IncCounter("pipeline.plan.created", 1, "tool_kind", toolKind, "bucket", string(verdict.Bucket))
	return o.store.GetArtifact(ctx, id)
}

func statusForBucket(b feasibility.Bucket) artifact.Status {
	if b == feasibility.BucketRed {
		return artifact.StatusBlocked
	}
	return artifact.StatusOK
}

// Approve writes DECISION with status APPROVED. Fails with
// FeasibilityBlocked if the PLAN verdict is RED.
func (o *Orchestrator) Approve(ctx context.Context, planID, approverID, reason string) (artifact.Record, error) {
	return o.decide(ctx, planID, approverID, reason, true)
}

// Reject writes DECISION with status REJECTED.
func (o *Orchestrator) Reject(ctx context.Context, planID, approverID, reason string) (artifact.Record, error) {
	return o.decide(ctx, planID, approverID, reason, false)
}

func (o *Orchestrator) decide(ctx context.Context, planID, approverID, reason string, approve bool) (artifact.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Budgets.Plan)
	defer cancel()
	ctx, span := o.tracer.Start(ctx, "pipeline.decide")
	defer span.End()

	plan, err := o.store.GetArtifact(ctx, planID)
	if err != nil {
		return artifact.Record{}, translateStoreErr(err, "plan not found")
	}
	if plan.Stage != artifact.StagePlan {
		return artifact.Record{}, newError(KindMissingParent, "parent_plan_artifact_id does not reference a PLAN", nil)
	}

	var body struct {
		Verdict feasibility.Verdict `json:"verdict"`
	}
	if err := json.Unmarshal(plan.Payload, &body); err != nil {
		return artifact.Record{}, newError(KindEngineError, "stored plan verdict does not decode", err)
	}

	status := artifact.StatusRejected
	if approve {
		if body.Verdict.Bucket == feasibility.BucketRed {
			o.log.Warn(ctx, "approve rejected: feasibility blocked", "plan_id", planID, "bucket", body.Verdict.Bucket)
			return artifact.Record{}, newError(KindFeasibilityBlocked, "plan feasibility verdict is RED", nil)
		}
		status = artifact.StatusApproved
	}

	payload, err := json.Marshal(map[string]any{"approved_by": approverID, "reason": reason})
	if err != nil {
		return artifact.Record{}, newError(KindValidationError, "decision payload does not marshal", err)
	}

	specID, ok := plan.ParentIDs[artifact.RelParentSpec]
	if !ok {
		return artifact.Record{}, newError(KindMissingParent, "plan has no parent_spec_artifact_id", nil)
	}

	rec := artifact.Record{
		Kind:  plan.IndexMeta[artifact.MetaToolKind] + "_decision",
		Stage: artifact.StageDecision,
		IndexMeta: map[string]string{
			artifact.MetaToolKind:   plan.IndexMeta[artifact.MetaToolKind],
			artifact.MetaBatchLabel: plan.IndexMeta[artifact.MetaBatchLabel],
			artifact.MetaSessionID:  plan.IndexMeta[artifact.MetaSessionID],
			"approved_by":           approverID,
		},
		ParentIDs: map[string]string{
			artifact.RelParentPlan: plan.ArtifactID,
			artifact.RelParentSpec: specID,
		},
		CreatedBy:     approverID,
		PayloadSHA256: canon.SHA256Bytes(payload),
		Payload:       payload,
		Status:        status,
	}

	id, err := o.put(ctx, rec)
	if err != nil {
		return artifact.Record{}, err
	}
	o.metrics.IncCounter("pipeline.decision.created", 1, "status", string(status))
	return o.store.GetArtifact(ctx, id)
}

// Execute re-invokes the Feasibility Engine on the linked SPEC and current
// Machining Context; if the verdict remains non-RED and inputs_fingerprint
// matches the PLAN's, invokes the registered ComputeEngine and writes
// EXECUTION.
func (o *Orchestrator) Execute(ctx context.Context, decisionID string, liveContext feasibility.MachiningContext) (artifact.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Budgets.Execution)
	defer cancel()
	ctx, span := o.tracer.Start(ctx, "pipeline.execute")
	defer span.End()

	decision, err := o.store.GetArtifact(ctx, decisionID)
	if err != nil {
		return artifact.Record{}, translateStoreErr(err, "decision not found")
	}
	if decision.Stage != artifact.StageDecision {
		return artifact.Record{}, newError(KindMissingParent, "parent_decision_artifact_id does not reference a DECISION", nil)
	}
	if decision.Status != artifact.StatusApproved {
		return artifact.Record{}, newError(KindFeasibilityBlocked, "decision is not APPROVED", nil)
	}

	planID, ok := decision.ParentIDs[artifact.RelParentPlan]
	if !ok {
		return artifact.Record{}, newError(KindMissingParent, "decision has no parent_plan_artifact_id", nil)
	}
	plan, err := o.store.GetArtifact(ctx, planID)
	if err != nil {
		return artifact.Record{}, translateStoreErr(err, "plan not found")
	}

	var planBody struct {
		DesignPayload map[string]any            `json:"design_payload"`
		Verdict       feasibility.Verdict        `json:"verdict"`
	}
	if err := json.Unmarshal(plan.Payload, &planBody); err != nil {
		return artifact.Record{}, newError(KindEngineError, "stored plan does not decode", err)
	}

	toolKind := plan.IndexMeta[artifact.MetaToolKind]
	verdict, err := o.feasibility.Evaluate(feasibility.Inputs{
		ToolKind:      toolKind,
		DesignPayload: planBody.DesignPayload,
		Context:       liveContext,
		EngineVersion: o.cfg.EngineVersion,
	})
	if err != nil {
		return artifact.Record{}, newError(KindEngineError, "feasibility recompute failed", err)
	}

	if verdict.Bucket == feasibility.BucketRed || verdict.InputsFingerprint != planBody.Verdict.InputsFingerprint {
		o.log.Warn(ctx, "execute blocked: drift detected", "decision_id", decisionID,
			"plan_fingerprint", planBody.Verdict.InputsFingerprint, "live_fingerprint", verdict.InputsFingerprint)
		return artifact.Record{}, newError(KindDriftDetected, "recomputed feasibility diverged from plan", nil)
	}

	engine, ok := o.engines[toolKind]
	if !ok {
		return artifact.Record{}, newError(KindEngineError, "no compute engine registered for tool kind "+toolKind, nil)
	}

	result, execErr := engine.Execute(ctx, ComputeRequest{
		ToolKind:          toolKind,
		SpecPayload:       planBody.DesignPayload,
		Context:           liveContext,
		Verdict:           verdict,
		EngineVersion:     o.cfg.EngineVersion,
		ConfigFingerprint: o.cfg.EngineVersion,
	})

	status := artifact.StatusOK
	summary := map[string]any{}
	var attachmentRefs []map[string]string
	if execErr != nil {
		status = artifact.StatusError
		summary["error"] = execErr.Error()
	} else {
		summary = result.Summary
		for _, blob := range result.Blobs {
			sha, putErr := o.store.PutBlob(ctx, blob.Bytes, blob.Mime, blob.Kind, blob.Filename)
			if putErr != nil {
				return artifact.Record{}, newError(KindStoreUnavailable, "blob store unavailable", putErr)
			}
			attachmentRefs = append(attachmentRefs, map[string]string{"sha256": sha, "kind": blob.Kind, "filename": blob.Filename})
		}
	}

	payload, err := json.Marshal(map[string]any{
		"summary":     summary,
		"attachments": attachmentRefs,
		"verdict":     verdict,
	})
	if err != nil {
		return artifact.Record{}, newError(KindValidationError, "execution payload does not marshal", err)
	}

	rec := artifact.Record{
		Kind:  toolKind + "_execution",
		Stage: artifact.StageExecution,
		IndexMeta: map[string]string{
			artifact.MetaToolKind:   toolKind,
			artifact.MetaBatchLabel: plan.IndexMeta[artifact.MetaBatchLabel],
			artifact.MetaSessionID:  plan.IndexMeta[artifact.MetaSessionID],
		},
		ParentIDs:         map[string]string{artifact.RelParentDecision: decision.ArtifactID},
		PayloadSHA256:     canon.SHA256Bytes(payload),
		Payload:           payload,
		EngineVersion:     o.cfg.EngineVersion,
		ConfigFingerprint: o.cfg.EngineVersion,
		Status:            status,
	}

	id, err := o.put(ctx, rec)
	if err != nil {
		return artifact.Record{}, err
	}
	o.metrics.IncCounter("pipeline.execution.created", 1, "tool_kind", toolKind, "status", string(status))
	return o.store.GetArtifact(ctx, id)
}

// RetryExecution creates a new EXECUTION artifact sharing the same DECISION
// parent as executionID, without modifying the original.
func (o *Orchestrator) RetryExecution(ctx context.Context, executionID string, liveContext feasibility.MachiningContext) (artifact.Record, error) {
	orig, err := o.store.GetArtifact(ctx, executionID)
	if err != nil {
		return artifact.Record{}, translateStoreErr(err, "execution not found")
	}
	if orig.Stage != artifact.StageExecution {
		return artifact.Record{}, newError(KindMissingParent, "id does not reference an EXECUTION", nil)
	}
	decisionID, ok := orig.ParentIDs[artifact.RelParentDecision]
	if !ok {
		return artifact.Record{}, newError(KindMissingParent, "execution has no parent_decision_artifact_id", nil)
	}
	return o.Execute(ctx, decisionID, liveContext)
}

func (o *Orchestrator) put(ctx context.Context, rec artifact.Record) (string, error) {
	id, err := o.store.PutArtifact(ctx, rec)
	if err != nil {
		return "", translatePutErr(err)
	}
	return id, nil
}

func translatePutErr(err error) error {
	switch {
	case err == nil:
		return nil
	case err == artifact.ErrMissingParent:
		return newError(KindMissingParent, "referenced parent does not resolve", err)
	case err == artifact.ErrDuplicateParent:
		return newError(KindValidationError, "duplicate artifact for this stage", err)
	case err == artifact.ErrInvariantViolation:
		return newError(KindInvariantViolation, "batch_label/session_id mismatch with root spec", err)
	case err == context.DeadlineExceeded:
		return newError(KindTimeout, "stage budget exceeded", err)
	default:
		return newError(KindStoreUnavailable, "artifact store unavailable", err)
	}
}

func translateStoreErr(err error, msg string) error {
	if err == artifact.ErrNotFound {
		return newError(KindMissingParent, msg, err)
	}
	return newError(KindStoreUnavailable, msg, err)
}

func mergedPayload(specPayload json.RawMessage, tuning map[string]any) (map[string]any, error) {
	merged := map[string]any{}
	if len(specPayload) > 0 {
		if err := json.Unmarshal(specPayload, &merged); err != nil {
			return nil, err
		}
	}
	for k, v := range tuning {
		merged[k] = v
	}
	return merged, nil
}

func (o *Orchestrator) lookupOverride(ctx context.Context, toolKind string, mc feasibility.MachiningContext, payload map[string]any) overrides.Multipliers {
	opKind, _ := payload["op_type"].(string)
	key := overrides.Key{
		ToolID:           mc.ToolID,
		MaterialID:       mc.MaterialID,
		OperationKind:    opKind,
		MachineProfileID: mc.MachineProfileID,
	}
	ov, err := o.overrides.Get(ctx, key)
	if err != nil {
		return overrides.Multipliers{RPM: 1, Feed: 1, DOC: 1, WOC: 1}
	}
	return ov.Multipliers
}

func applyOverrides(payload map[string]any, m overrides.Multipliers) {
	scaleField(payload, "rpm", m.RPM)
	scaleField(payload, "feed_mm_min", m.Feed)
	scaleField(payload, "doc_mm", m.DOC)
	scaleField(payload, "woc_mm", m.WOC)
}

func scaleField(payload map[string]any, key string, factor float64) {
	if factor == 0 {
		return
	}
	if v, ok := payload[key].(float64); ok {
		payload[key] = v * factor
	}
}
