package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmos/core/internal/artifact"
	"github.com/rmos/core/internal/artifact/memorystore"
	"github.com/rmos/core/internal/config"
	"github.com/rmos/core/internal/feasibility"
	"github.com/rmos/core/internal/overrides"
	"github.com/rmos/core/internal/telemetry"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	store := memorystore.New()
	engines := map[string]ComputeEngine{"saw_batch": NewMockComputeEngine()}
	cfg := config.Config{Budgets: config.DefaultStageBudgets(), EngineVersion: "1.0.0", Flags: map[string]config.ToolFlags{}}
	log, metrics, tracer := telemetry.Noop()
	schemas, err := NewSchemaRegistry([]string{"saw_batch"})
	require.NoError(t, err)
	return New(store, feasibility.NewEngine(), engines, overrides.NewMemoryStore(), schemas, cfg, log, metrics, tracer)
}

func happySpecPayload() map[string]any {
	return map[string]any{
		"items": []any{
			map[string]any{"part_id": "p1", "material_family": "hardwood", "thickness_mm": 19.0, "width_mm": 100.0, "length_mm": 500.0},
		},
		"op_type":  "slice",
		"blade_id": "BLADE_10IN_60T",
	}
}

func happyContext() feasibility.MachiningContext {
	return feasibility.MachiningContext{MaterialID: "hardwood", ToolID: "BLADE_10IN_60T", MachineProfileID: "SAW_LAB_01"}
}

// TestHappyPath runs create_spec through execute with no blocking
// conditions and checks that every stage lands in its terminal status.
func TestHappyPath(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	spec, err := o.CreateSpec(ctx, CreateSpecRequest{
		ToolKind: "saw_batch", SessionID: "s1", BatchLabel: "b1", Payload: happySpecPayload(),
	})
	require.NoError(t, err)

	plan, err := o.CreatePlan(ctx, CreatePlanRequest{
		SpecID: spec.ArtifactID, Context: happyContext(),
		Tuning: map[string]any{"strategy": "optimize_feed", "rpm": 3600.0, "feed_mm_min": 1200.0},
	})
	require.NoError(t, err)
	assert.NotEqual(t, artifact.StatusBlocked, plan.Status)

	decision, err := o.Approve(ctx, plan.ArtifactID, "operator_1", "looks good")
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusApproved, decision.Status)

	execution, err := o.Execute(ctx, decision.ArtifactID, happyContext())
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusOK, execution.Status)
}

// TestBlockedApproval checks that a zero-thickness part forces a RED
// verdict, and that approve is refused with FeasibilityBlocked.
func TestBlockedApproval(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	payload := happySpecPayload()
	payload["items"] = []any{
		map[string]any{"part_id": "p1", "material_family": "hardwood", "thickness_mm": 0.0, "width_mm": 100.0, "length_mm": 500.0},
	}

	spec, err := o.CreateSpec(ctx, CreateSpecRequest{ToolKind: "saw_batch", SessionID: "s1", BatchLabel: "b2", Payload: payload})
	require.NoError(t, err)

	plan, err := o.CreatePlan(ctx, CreatePlanRequest{
		SpecID: spec.ArtifactID, Context: happyContext(),
		Tuning: map[string]any{"thickness_mm": 0.0, "rpm": 3600.0, "feed_mm_min": 1200.0},
	})
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusBlocked, plan.Status)

	_, err = o.Approve(ctx, plan.ArtifactID, "operator_1", "approving anyway")
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindFeasibilityBlocked, kind)
}

// TestDrift checks that mutating the machining context between plan and
// execute changes the recomputed fingerprint and is rejected as drift.
func TestDrift(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	spec, err := o.CreateSpec(ctx, CreateSpecRequest{ToolKind: "saw_batch", SessionID: "s1", BatchLabel: "b3", Payload: happySpecPayload()})
	require.NoError(t, err)

	plan, err := o.CreatePlan(ctx, CreatePlanRequest{
		SpecID: spec.ArtifactID, Context: happyContext(),
		Tuning: map[string]any{"rpm": 3600.0, "feed_mm_min": 1200.0},
	})
	require.NoError(t, err)

	decision, err := o.Approve(ctx, plan.ArtifactID, "operator_1", "ok")
	require.NoError(t, err)

	driftedContext := happyContext()
	driftedContext.ToolID = "BLADE_8IN_40T"

	_, err = o.Execute(ctx, decision.ArtifactID, driftedContext)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindDriftDetected, kind)
}

// TestRetryExecutionPreservesDeterminism checks that a retried execution
// gets a new artifact ID but identical attachment bytes.
func TestRetryExecutionPreservesDeterminism(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	spec, err := o.CreateSpec(ctx, CreateSpecRequest{ToolKind: "saw_batch", SessionID: "s1", BatchLabel: "b4", Payload: happySpecPayload()})
	require.NoError(t, err)
	plan, err := o.CreatePlan(ctx, CreatePlanRequest{
		SpecID: spec.ArtifactID, Context: happyContext(),
		Tuning: map[string]any{"rpm": 3600.0, "feed_mm_min": 1200.0},
	})
	require.NoError(t, err)
	decision, err := o.Approve(ctx, plan.ArtifactID, "operator_1", "ok")
	require.NoError(t, err)

	exec1, err := o.Execute(ctx, decision.ArtifactID, happyContext())
	require.NoError(t, err)
	exec2, err := o.RetryExecution(ctx, exec1.ArtifactID, happyContext())
	require.NoError(t, err)

	assert.NotEqual(t, exec1.ArtifactID, exec2.ArtifactID)

	sha1 := firstAttachmentSHA(t, exec1.Payload)
	sha2 := firstAttachmentSHA(t, exec2.Payload)
	assert.Equal(t, sha1, sha2)
}

func TestExecute_RequiresApprovedDecision(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	spec, err := o.CreateSpec(ctx, CreateSpecRequest{ToolKind: "saw_batch", SessionID: "s1", BatchLabel: "b5", Payload: happySpecPayload()})
	require.NoError(t, err)
	plan, err := o.CreatePlan(ctx, CreatePlanRequest{SpecID: spec.ArtifactID, Context: happyContext(), Tuning: map[string]any{"rpm": 3600.0, "feed_mm_min": 1200.0}})
	require.NoError(t, err)
	decision, err := o.Reject(ctx, plan.ArtifactID, "operator_1", "not today")
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusRejected, decision.Status)

	_, err = o.Execute(ctx, decision.ArtifactID, happyContext())
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindFeasibilityBlocked, kind)
}

func TestCreateSpec_RejectsPayloadFailingSchema(t *testing.T) {
	o := newTestOrchestrator(t)
	_, err := o.CreateSpec(context.Background(), CreateSpecRequest{
		ToolKind: "saw_batch", SessionID: "s1", BatchLabel: "b6",
		Payload: map[string]any{"op_type": "slice"}, // missing required "items"
	})
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindValidationError, kind)
}

// TestCreatePlan_RecordsRawAndAdjustedWhenOverridesApplied checks that an
// accepted learning override scales plan parameters before feasibility and
// that the plan payload carries both the raw and the adjusted values.
func TestCreatePlan_RecordsRawAndAdjustedWhenOverridesApplied(t *testing.T) {
	store := memorystore.New()
	ovStore := overrides.NewMemoryStore()
	cfg := config.Config{
		Budgets:       config.DefaultStageBudgets(),
		EngineVersion: "1.0.0",
		Flags:         map[string]config.ToolFlags{"saw_batch": {ApplyAcceptedOverrides: true}},
	}
	log, metrics, tracer := telemetry.Noop()
	schemas, err := NewSchemaRegistry([]string{"saw_batch"})
	require.NoError(t, err)
	o := New(store, feasibility.NewEngine(), map[string]ComputeEngine{"saw_batch": NewMockComputeEngine()}, ovStore, schemas, cfg, log, metrics, tracer)

	ctx := context.Background()
	require.NoError(t, ovStore.Put(ctx, overrides.Override{
		Key: overrides.Key{
			ToolID: "BLADE_10IN_60T", MaterialID: "hardwood",
			OperationKind: "slice", MachineProfileID: "SAW_LAB_01",
		},
		Multipliers: overrides.Multipliers{RPM: 0.9, Feed: 0.8, DOC: 1, WOC: 1},
		AcceptedBy:  "operator_1",
	}))

	spec, err := o.CreateSpec(ctx, CreateSpecRequest{ToolKind: "saw_batch", SessionID: "s1", BatchLabel: "ov1", Payload: happySpecPayload()})
	require.NoError(t, err)
	plan, err := o.CreatePlan(ctx, CreatePlanRequest{
		SpecID: spec.ArtifactID, Context: happyContext(),
		Tuning: map[string]any{"rpm": 3600.0, "feed_mm_min": 1200.0},
	})
	require.NoError(t, err)

	var body struct {
		DesignPayload    map[string]any `json:"design_payload"`
		RawPayload       map[string]any `json:"raw_payload"`
		OverridesApplied bool           `json:"overrides_applied"`
	}
	require.NoError(t, json.Unmarshal(plan.Payload, &body))
	assert.True(t, body.OverridesApplied)
	assert.Equal(t, 3600.0, body.RawPayload["rpm"])
	assert.Equal(t, 1200.0, body.RawPayload["feed_mm_min"])
	assert.InDelta(t, 3240.0, body.DesignPayload["rpm"], 0.001)
	assert.InDelta(t, 960.0, body.DesignPayload["feed_mm_min"], 0.001)
}

func firstAttachmentSHA(t *testing.T, payload []byte) string {
	t.Helper()
	var body struct {
		Attachments []map[string]string `json:"attachments"`
	}
	require.NoError(t, json.Unmarshal(payload, &body))
	require.NotEmpty(t, body.Attachments)
	return body.Attachments[0]["sha256"]
}
