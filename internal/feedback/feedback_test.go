package feedback

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
	"github.com/rmos/core/internal/pipeline"
	"github.com/rmos/core/internal/telemetry"
)

// newExecutedRun drives a full SPEC -> PLAN -> DECISION -> EXECUTION chain
// through a real Orchestrator so feedback tests exercise genuine parent
// links rather than hand-built fixtures.
func newExecutedRun(t *testing.T) (*memorystore.Store, artifact.Record) {
	t.Helper()
	store := memorystore.New()
	engines := map[string]pipeline.ComputeEngine{"saw_batch": pipeline.NewMockComputeEngine()}
	cfg := config.Config{Budgets: config.DefaultStageBudgets(), EngineVersion: "1.0.0", Flags: map[string]config.ToolFlags{}}
	log, metrics, tracer := telemetry.Noop()
	schemas, err := pipeline.NewSchemaRegistry([]string{"saw_batch"})
	require.NoError(t, err)
	o := pipeline.New(store, feasibility.NewEngine(), engines, overrides.NewMemoryStore(), schemas, cfg, log, metrics, tracer)

	ctx := context.Background()
	mctx := feasibility.MachiningContext{MaterialID: "hardwood", ToolID: "BLADE_10IN_60T", MachineProfileID: "SAW_LAB_01"}

	spec, err := o.CreateSpec(ctx, pipeline.CreateSpecRequest{
		ToolKind: "saw_batch", SessionID: "s1", BatchLabel: "b1",
		Payload: map[string]any{
			"items":    []any{map[string]any{"part_id": "p1", "thickness_mm": 19.0, "width_mm": 100.0, "length_mm": 500.0}},
			"op_type":  "slice",
			"blade_id": "BLADE_10IN_60T",
		},
	})
	require.NoError(t, err)

	plan, err := o.CreatePlan(ctx, pipeline.CreatePlanRequest{
		SpecID: spec.ArtifactID, Context: mctx,
		Tuning: map[string]any{"rpm": 3600.0, "feed_mm_min": 1200.0},
	})
	require.NoError(t, err)

	decision, err := o.Approve(ctx, plan.ArtifactID, "operator_1", "ok")
	require.NoError(t, err)

	execution, err := o.Execute(ctx, decision.ArtifactID, mctx)
	require.NoError(t, err)

	return store, execution
}

func newTestLoop(store artifact.Store, cfg config.Config, overridesStore overrides.Store) *Loop {
	log, metrics, _ := telemetry.Noop()
	return New(store, overridesStore, cfg, log, metrics)
}

func TestWriteJobLog_ComputesYieldRateAndLinksParents(t *testing.T) {
	store, execution := newExecutedRun(t)
	loop := newTestLoop(store, config.Config{Flags: map[string]config.ToolFlags{}}, overrides.NewMemoryStore())

	jobLog, err := loop.WriteJobLog(context.Background(), execution.ArtifactID, Metrics{
		SetupSeconds: 30, CutSeconds: 120, TotalSeconds: 150,
		PartsOK: 9, PartsScrap: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, artifact.StageJobLog, jobLog.Stage)
	assert.Equal(t, execution.ArtifactID, jobLog.ParentIDs[artifact.RelParentExecution])

	var m Metrics
	require.NoError(t, json.Unmarshal(jobLog.Payload, &m))
	assert.InDelta(t, 0.9, m.YieldRate, 1e-9)
}

func TestWriteJobLog_LearningAndRollupHooksDefaultOff(t *testing.T) {
	store, execution := newExecutedRun(t)
	loop := newTestLoop(store, config.Config{Flags: map[string]config.ToolFlags{}}, overrides.NewMemoryStore())

	jobLog, err := loop.WriteJobLog(context.Background(), execution.ArtifactID, Metrics{PartsOK: 10})
	require.NoError(t, err)

	filtered, err := store.QueryArtifacts(context.Background(), artifact.Filters{Stage: artifact.StageLearningEvent})
	require.NoError(t, err)
	assert.Empty(t, filtered, "learning events must not be emitted unless the tool's flag is on")

	rollups, err := store.QueryArtifacts(context.Background(), artifact.Filters{Stage: artifact.StageRollup})
	require.NoError(t, err)
	assert.Empty(t, rollups)
	_ = jobLog
}

func TestWriteJobLog_LearningHookEnabledEmitsEventAndGateAppliesOverride(t *testing.T) {
	store, execution := newExecutedRun(t)
	overridesStore := overrides.NewMemoryStore()
	cfg := config.Config{Flags: map[string]config.ToolFlags{
		"saw_batch": {LearningHookEnabled: true, MetricsRollupHookEnabled: true, ApplyAcceptedOverrides: true},
	}}
	loop := newTestLoop(store, cfg, overridesStore)

	_, err := loop.WriteJobLog(context.Background(), execution.ArtifactID, Metrics{
		PartsOK: 6, PartsScrap: 4, BurnEvents: 2, TearoutEvents: 1,
	})
	require.NoError(t, err)

	learningEvents, err := store.QueryArtifacts(context.Background(), artifact.Filters{Stage: artifact.StageLearningEvent})
	require.NoError(t, err)
	require.Len(t, learningEvents, 1)

	rollups, err := store.QueryArtifacts(context.Background(), artifact.Filters{Stage: artifact.StageRollup})
	require.NoError(t, err)
	require.Len(t, rollups, 1)

	key := overrides.Key{ToolID: "BLADE_10IN_60T", MaterialID: "hardwood", MachineProfileID: "SAW_LAB_01"}
	decision, err := loop.DecideLearningEvent(context.Background(), learningEvents[0].ArtifactID, "operator_1", true, key)
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusApproved, decision.Status)

	o, err := overridesStore.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Less(t, o.Multipliers.RPM, 1.0, "burn + tearout signals should pull RPM below 1.0")
}

func TestDecideLearningEvent_RejectLeavesOverridesStoreUntouched(t *testing.T) {
	store, execution := newExecutedRun(t)
	overridesStore := overrides.NewMemoryStore()
	cfg := config.Config{Flags: map[string]config.ToolFlags{
		"saw_batch": {LearningHookEnabled: true},
	}}
	loop := newTestLoop(store, cfg, overridesStore)

	_, err := loop.WriteJobLog(context.Background(), execution.ArtifactID, Metrics{PartsOK: 5, PartsScrap: 5, ChatterEvents: 3})
	require.NoError(t, err)

	learningEvents, err := store.QueryArtifacts(context.Background(), artifact.Filters{Stage: artifact.StageLearningEvent})
	require.NoError(t, err)
	require.Len(t, learningEvents, 1)

	key := overrides.Key{ToolID: "BLADE_10IN_60T"}
	decision, err := loop.DecideLearningEvent(context.Background(), learningEvents[0].ArtifactID, "operator_1", false, key)
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusRejected, decision.Status)

	_, err = overridesStore.Get(context.Background(), key)
	assert.ErrorIs(t, err, overrides.ErrNotFound)
}
