// Package feedback captures operator-observable outcomes from EXECUTION
// artifacts, derives parameter-adjustment suggestions, and gates their
// application through explicit operator acceptance. Without acceptance the
// loop is observational only: every hook defaults to OFF per tool.
package feedback

import (
	"context"
	"encoding/json"

	"github.com/rmos/core/internal/artifact"
	"github.com/rmos/core/internal/canon"
	"github.com/rmos/core/internal/config"
	"github.com/rmos/core/internal/overrides"
	"github.com/rmos/core/internal/telemetry"
)

// Metrics is the operator-observable outcome of one EXECUTION, reported by
// write_job_log.
type Metrics struct {
	SetupSeconds float64 `json:"setup_seconds"`
	CutSeconds   float64 `json:"cut_seconds"`
	TotalSeconds float64 `json:"total_seconds"`

	PartsOK      int     `json:"parts_ok"`
	PartsScrap   int     `json:"parts_scrap"`
	YieldRate    float64 `json:"yield_rate"`

	BurnEvents     int `json:"burn_events"`
	TearoutEvents  int `json:"tearout_events"`
	KickbackEvents int `json:"kickback_events"`
	ChatterEvents  int `json:"chatter_events"`
	ToolWearEvents int `json:"tool_wear_events"`

	OperatorNotes string `json:"operator_notes,omitempty"`
}

// Loop ties write_job_log, learning-event emission, the accept/reject
// gate, and rollups together, honoring the three per-tool flags in cfg.
type Loop struct {
	store     artifact.Store
	overrides overrides.Store
	cfg       config.Config
	log       telemetry.Logger
	metrics   telemetry.Metrics
}

// New constructs a Loop.
func New(store artifact.Store, overridesStore overrides.Store, cfg config.Config, log telemetry.Logger, metrics telemetry.Metrics) *Loop {
	return &Loop{store: store, overrides: overridesStore, cfg: cfg, log: log, metrics: metrics}
}

// WriteJobLog persists a JOB_LOG artifact linked to executionID and its
// parent DECISION, then runs the optional learning-event and rollup hooks
// per the tool's flags.
func (l *Loop) WriteJobLog(ctx context.Context, executionID string, m Metrics) (artifact.Record, error) {
	execution, err := l.store.GetArtifact(ctx, executionID)
	if err != nil {
		return artifact.Record{}, err
	}
	decisionID, ok := execution.ParentIDs[artifact.RelParentDecision]
	if !ok {
		return artifact.Record{}, artifact.ErrMissingParent
	}

	m.YieldRate = yieldRate(m.PartsOK, m.PartsScrap)
	payload, err := json.Marshal(m)
	if err != nil {
		return artifact.Record{}, err
	}

	toolKind := execution.IndexMeta[artifact.MetaToolKind]
	rec := artifact.Record{
		Kind:  toolKind + "_job_log",
		Stage: artifact.StageJobLog,
		IndexMeta: map[string]string{
			artifact.MetaToolKind:   toolKind,
			artifact.MetaBatchLabel: execution.IndexMeta[artifact.MetaBatchLabel],
			artifact.MetaSessionID:  execution.IndexMeta[artifact.MetaSessionID],
		},
		ParentIDs: map[string]string{
			artifact.RelParentExecution: execution.ArtifactID,
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
	jobLog, err := l.store.GetArtifact(ctx, id)
	if err != nil {
		return artifact.Record{}, err
	}

	flags := l.cfg.FlagsFor(toolKind)

	if flags.LearningHookEnabled {
		if _, err := l.emitLearningEvent(ctx, jobLog, m); err != nil {
			l.log.Warn(ctx, "learning event emission failed", "job_log_id", jobLog.ArtifactID, "error", err)
		}
	}
	if flags.MetricsRollupHookEnabled {
		if _, err := l.writeRollup(ctx, jobLog, m); err != nil {
			l.log.Warn(ctx, "rollup emission failed", "job_log_id", jobLog.ArtifactID, "error", err)
		}
	}

	l.metrics.IncCounter("feedback.job_log.written", 1, "tool_kind", toolKind)
	return jobLog, nil
}

func yieldRate(ok, scrap int) float64 {
	total := ok + scrap
	if total == 0 {
		return 0
	}
	return float64(ok) / float64(total)
}
