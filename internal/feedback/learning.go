package feedback

import (
	"context"
	"encoding/json"

	"github.com/rmos/core/internal/artifact"
	"github.com/rmos/core/internal/canon"
	"github.com/rmos/core/internal/overrides"
)

// LearningMultipliers are the confidence-weighted parameter adjustments a
// LEARNING_EVENT proposes.
type LearningMultipliers struct {
	RPM        float64 `json:"rpm"`
	Feed       float64 `json:"feed"`
	DOC        float64 `json:"doc"`
	WOC        float64 `json:"woc"`
	Confidence float64 `json:"confidence"`
}

// emitLearningEvent detects quality signals from job log metrics and
// derives confidence-weighted LearningMultipliers, writing a LEARNING_EVENT
// artifact linked to the job log.
func (l *Loop) emitLearningEvent(ctx context.Context, jobLog artifact.Record, m Metrics) (artifact.Record, error) {
	multipliers := deriveMultipliers(m)

	payload, err := json.Marshal(multipliers)
	if err != nil {
		return artifact.Record{}, err
	}

	rec := artifact.Record{
		Kind:  jobLog.IndexMeta[artifact.MetaToolKind] + "_learning_event",
		Stage: artifact.StageLearningEvent,
		IndexMeta: map[string]string{
			artifact.MetaToolKind:   jobLog.IndexMeta[artifact.MetaToolKind],
			artifact.MetaBatchLabel: jobLog.IndexMeta[artifact.MetaBatchLabel],
			artifact.MetaSessionID:  jobLog.IndexMeta[artifact.MetaSessionID],
		},
		ParentIDs:     map[string]string{"parent_job_log_artifact_id": jobLog.ArtifactID},
		PayloadSHA256: canon.SHA256Bytes(payload),
		Payload:       payload,
		Status:        artifact.StatusCreated,
	}
	id, err := l.store.PutArtifact(ctx, rec)
	if err != nil {
		return artifact.Record{}, err
	}
	return l.store.GetArtifact(ctx, id)
}

// deriveMultipliers maps observed quality signals to parameter adjustment
// factors, each weighted by how strongly the signal was observed. Burn
// pulls rpm down and feed up; tearout pulls feed down; kickback pulls feed
// and rpm down; chatter pulls doc/woc down; tool wear pulls feed down.
// Confidence reflects how many distinct signals agree.
func deriveMultipliers(m Metrics) LearningMultipliers {
	signals := 0
	rpm, feed, doc, woc := 1.0, 1.0, 1.0, 1.0

	if m.BurnEvents > 0 {
		rpm -= 0.05 * clampSignal(m.BurnEvents)
		feed += 0.05 * clampSignal(m.BurnEvents)
		signals++
	}
	if m.TearoutEvents > 0 {
		feed -= 0.05 * clampSignal(m.TearoutEvents)
		signals++
	}
	if m.KickbackEvents > 0 {
		feed -= 0.10 * clampSignal(m.KickbackEvents)
		rpm -= 0.05 * clampSignal(m.KickbackEvents)
		signals++
	}
	if m.ChatterEvents > 0 {
		doc -= 0.08 * clampSignal(m.ChatterEvents)
		woc -= 0.08 * clampSignal(m.ChatterEvents)
		signals++
	}
	if m.ToolWearEvents > 0 {
		feed -= 0.03 * clampSignal(m.ToolWearEvents)
		signals++
	}

	confidence := confidenceFor(signals, m.YieldRate)

	return LearningMultipliers{
		RPM:        clampFactor(rpm),
		Feed:       clampFactor(feed),
		DOC:        clampFactor(doc),
		WOC:        clampFactor(woc),
		Confidence: confidence,
	}
}

// clampSignal bounds an event count's influence so a single noisy run
// cannot swing a multiplier past a sane envelope.
func clampSignal(count int) float64 {
	if count > 3 {
		return 3
	}
	return float64(count)
}

func clampFactor(f float64) float64 {
	if f < 0.5 {
		return 0.5
	}
	if f > 1.5 {
		return 1.5
	}
	return f
}

func confidenceFor(signalCount int, yieldRate float64) float64 {
	base := 0.2 * float64(signalCount)
	if base > 0.8 {
		base = 0.8
	}
	// A high yield rate despite signals tempers confidence; a low yield
	// rate corroborates the signals.
	if yieldRate < 0.8 {
		base += 0.2
	}
	if base > 1 {
		base = 1
	}
	return base
}

// DecideLearningEvent is the operator (or governance policy) accept/reject
// gate. Only an accepted event mutates the persistent overrides store.
func (l *Loop) DecideLearningEvent(ctx context.Context, learningEventID, approverID string, accept bool, key overrides.Key) (artifact.Record, error) {
	event, err := l.store.GetArtifact(ctx, learningEventID)
	if err != nil {
		return artifact.Record{}, err
	}
	if event.Stage != artifact.StageLearningEvent {
		return artifact.Record{}, artifact.ErrMissingParent
	}

	status := artifact.StatusRejected
	if accept {
		status = artifact.StatusApproved
	}

	payload, err := json.Marshal(map[string]any{"accepted": accept, "approved_by": approverID})
	if err != nil {
		return artifact.Record{}, err
	}

	rec := artifact.Record{
		Kind:  event.IndexMeta[artifact.MetaToolKind] + "_learning_decision",
		Stage: artifact.StageLearningDecision,
		IndexMeta: map[string]string{
			artifact.MetaToolKind:   event.IndexMeta[artifact.MetaToolKind],
			artifact.MetaBatchLabel: event.IndexMeta[artifact.MetaBatchLabel],
			artifact.MetaSessionID:  event.IndexMeta[artifact.MetaSessionID],
		},
		ParentIDs:     map[string]string{"parent_learning_event_artifact_id": event.ArtifactID},
		CreatedBy:     approverID,
		PayloadSHA256: canon.SHA256Bytes(payload),
		Payload:       payload,
		Status:        status,
	}
	id, err := l.store.PutArtifact(ctx, rec)
	if err != nil {
		return artifact.Record{}, err
	}

	if accept && l.overrides != nil {
		var multipliers LearningMultipliers
		if err := json.Unmarshal(event.Payload, &multipliers); err != nil {
			return artifact.Record{}, err
		}
		if err := l.overrides.Put(ctx, overrides.Override{
			Key: key,
			Multipliers: overrides.Multipliers{
				RPM:  multipliers.RPM,
				Feed: multipliers.Feed,
				DOC:  multipliers.DOC,
				WOC:  multipliers.WOC,
			},
			AcceptedBy: approverID,
		}); err != nil {
			return artifact.Record{}, err
		}
	}

	return l.store.GetArtifact(ctx, id)
}
