package feedback

import (
	"context"
	"encoding/json"

	"github.com/rmos/core/internal/artifact"
	"github.com/rmos/core/internal/canon"
)

// RollupAggregate is the derived (not authoritative) summary a ROLLUP
// artifact carries, aggregating time, yield, and event counts per
// EXECUTION, operator, and status.
type RollupAggregate struct {
	ExecutionID  string  `json:"execution_id"`
	DecisionID   string  `json:"decision_id"`
	Operator     string  `json:"operator"`
	Status       string  `json:"status"`
	TotalSeconds float64 `json:"total_seconds"`
	YieldRate    float64 `json:"yield_rate"`
	BurnEvents     int `json:"burn_events"`
	TearoutEvents  int `json:"tearout_events"`
	KickbackEvents int `json:"kickback_events"`
	ChatterEvents  int `json:"chatter_events"`
	ToolWearEvents int `json:"tool_wear_events"`
}

// writeRollup aggregates m into a ROLLUP artifact linked to the same
// EXECUTION and DECISION as jobLog.
func (l *Loop) writeRollup(ctx context.Context, jobLog artifact.Record, m Metrics) (artifact.Record, error) {
	executionID := jobLog.ParentIDs[artifact.RelParentExecution]
	decisionID := jobLog.ParentIDs[artifact.RelParentDecision]

	decision, err := l.store.GetArtifact(ctx, decisionID)
	if err != nil {
		return artifact.Record{}, err
	}

	agg := RollupAggregate{
		ExecutionID:    executionID,
		DecisionID:     decisionID,
		Operator:       decision.IndexMeta["approved_by"],
		Status:         string(decision.Status),
		TotalSeconds:   m.TotalSeconds,
		YieldRate:      m.YieldRate,
		BurnEvents:     m.BurnEvents,
		TearoutEvents:  m.TearoutEvents,
		KickbackEvents: m.KickbackEvents,
		ChatterEvents:  m.ChatterEvents,
		ToolWearEvents: m.ToolWearEvents,
	}

	payload, err := json.Marshal(agg)
	if err != nil {
		return artifact.Record{}, err
	}

	rec := artifact.Record{
		Kind:  jobLog.IndexMeta[artifact.MetaToolKind] + "_rollup",
		Stage: artifact.StageRollup,
		IndexMeta: map[string]string{
			artifact.MetaToolKind:   jobLog.IndexMeta[artifact.MetaToolKind],
			artifact.MetaBatchLabel: jobLog.IndexMeta[artifact.MetaBatchLabel],
			artifact.MetaSessionID:  jobLog.IndexMeta[artifact.MetaSessionID],
		},
		ParentIDs: map[string]string{
			artifact.RelParentExecution: executionID,
			artifact.RelParentDecision:  decisionID,
		},
		PayloadSHA256: canon.SHA256Bytes(payload),
		Payload:       payload,
		Status:        artifact.StatusOK,
	}
	id, err := l.store.PutArtifact(ctx, rec)
	if err != nil {
		return artifact.Record{}, err
	}
	return l.store.GetArtifact(ctx, id)
}
