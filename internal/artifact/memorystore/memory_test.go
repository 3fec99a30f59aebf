package memorystore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmos/core/internal/artifact"
)

func specRecord(sessionID, batchLabel string) artifact.Record {
	return artifact.Record{
		Kind:  "saw_batch_spec",
		Stage: artifact.StageSpec,
		IndexMeta: map[string]string{
			artifact.MetaToolKind:   "saw_batch",
			artifact.MetaSessionID:  sessionID,
			artifact.MetaBatchLabel: batchLabel,
		},
		PayloadSHA256: "deadbeef",
		Payload:       json.RawMessage(`{}`),
		Status:        artifact.StatusCreated,
	}
}

func TestPutArtifact_RootSpecHasNoParentRequirement(t *testing.T) {
	s := New()
	id, err := s.PutArtifact(context.Background(), specRecord("s1", "b1"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := s.GetArtifact(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "s1", rec.IndexMeta[artifact.MetaSessionID])
	assert.NotZero(t, rec.CreatedAtUTC)
}

func TestPutArtifact_MissingParentRejected(t *testing.T) {
	s := New()
	plan := artifact.Record{
		Kind:  "saw_batch_plan",
		Stage: artifact.StagePlan,
		IndexMeta: map[string]string{
			artifact.MetaSessionID:  "s1",
			artifact.MetaBatchLabel: "b1",
		},
		ParentIDs: map[string]string{artifact.RelParentSpec: "does-not-exist"},
	}
	_, err := s.PutArtifact(context.Background(), plan)
	assert.ErrorIs(t, err, artifact.ErrMissingParent)
}

// TestPutArtifact_DeepChainResolvesRootSpec persists the full feedback
// chain down to LEARNING_DECISION. JOB_LOG and the LEARNING records carry
// no direct parent_spec_artifact_id, so the root SPEC is only reachable by
// walking the whole ancestry.
func TestPutArtifact_DeepChainResolvesRootSpec(t *testing.T) {
	s := New()
	ctx := context.Background()

	specID, err := s.PutArtifact(ctx, specRecord("s1", "b1"))
	require.NoError(t, err)

	child := func(kind string, stage artifact.Stage, parents map[string]string) artifact.Record {
		return artifact.Record{
			Kind:  kind,
			Stage: stage,
			IndexMeta: map[string]string{
				artifact.MetaToolKind:   "saw_batch",
				artifact.MetaSessionID:  "s1",
				artifact.MetaBatchLabel: "b1",
			},
			ParentIDs:     parents,
			PayloadSHA256: "deadbeef",
			Payload:       json.RawMessage(`{}`),
			Status:        artifact.StatusCreated,
		}
	}

	planID, err := s.PutArtifact(ctx, child("saw_batch_plan", artifact.StagePlan,
		map[string]string{artifact.RelParentSpec: specID}))
	require.NoError(t, err)

	decisionID, err := s.PutArtifact(ctx, child("saw_batch_decision", artifact.StageDecision,
		map[string]string{artifact.RelParentPlan: planID, artifact.RelParentSpec: specID}))
	require.NoError(t, err)

	executionID, err := s.PutArtifact(ctx, child("saw_batch_execution", artifact.StageExecution,
		map[string]string{artifact.RelParentDecision: decisionID}))
	require.NoError(t, err)

	jobLogID, err := s.PutArtifact(ctx, child("saw_batch_job_log", artifact.StageJobLog,
		map[string]string{artifact.RelParentExecution: executionID, artifact.RelParentDecision: decisionID}))
	require.NoError(t, err)

	eventID, err := s.PutArtifact(ctx, child("saw_batch_learning_event", artifact.StageLearningEvent,
		map[string]string{"parent_job_log_artifact_id": jobLogID}))
	require.NoError(t, err)

	_, err = s.PutArtifact(ctx, child("saw_batch_learning_decision", artifact.StageLearningDecision,
		map[string]string{"parent_learning_event_artifact_id": eventID}))
	require.NoError(t, err)

	// A mismatched batch label is still caught through the deep walk.
	bad := child("saw_batch_learning_event", artifact.StageLearningEvent,
		map[string]string{"parent_job_log_artifact_id": jobLogID})
	bad.IndexMeta[artifact.MetaBatchLabel] = "b2"
	_, err = s.PutArtifact(ctx, bad)
	assert.ErrorIs(t, err, artifact.ErrInvariantViolation)
}

func TestPutArtifact_BatchLabelMismatchRejected(t *testing.T) {
	s := New()
	specID, err := s.PutArtifact(context.Background(), specRecord("s1", "b1"))
	require.NoError(t, err)

	plan := artifact.Record{
		Kind:  "saw_batch_plan",
		Stage: artifact.StagePlan,
		IndexMeta: map[string]string{
			artifact.MetaSessionID:  "s1",
			artifact.MetaBatchLabel: "WRONG",
		},
		ParentIDs: map[string]string{artifact.RelParentSpec: specID},
	}
	_, err = s.PutArtifact(context.Background(), plan)
	assert.ErrorIs(t, err, artifact.ErrInvariantViolation)
}

func TestPutArtifact_DuplicateDecisionRejected(t *testing.T) {
	s := New()
	ctx := context.Background()
	specID, err := s.PutArtifact(ctx, specRecord("s1", "b1"))
	require.NoError(t, err)

	decision := artifact.Record{
		Kind:  "saw_batch_decision",
		Stage: artifact.StageDecision,
		IndexMeta: map[string]string{
			artifact.MetaSessionID:  "s1",
			artifact.MetaBatchLabel: "b1",
		},
		ParentIDs:     map[string]string{artifact.RelParentSpec: specID},
		PayloadSHA256: "samehash",
		Payload:       json.RawMessage(`{}`),
	}
	_, err = s.PutArtifact(ctx, decision)
	require.NoError(t, err)

	_, err = s.PutArtifact(ctx, decision)
	assert.ErrorIs(t, err, artifact.ErrDuplicateParent)
}

func TestPutBlob_Idempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	bytes := []byte("gcode content")

	sha1, err := s.PutBlob(ctx, bytes, "text/plain", "gcode_output", "a.nc")
	require.NoError(t, err)
	sha2, err := s.PutBlob(ctx, bytes, "text/plain", "gcode_output", "b.nc")
	require.NoError(t, err)

	assert.Equal(t, sha1, sha2)

	page, err := s.MetaIndexQuery(ctx, artifact.MetaIndexFilters{Kind: "gcode_output", Limit: 50})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 1)
}

func TestQueryArtifacts_StableOrdering(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.PutArtifact(ctx, specRecord("s1", "b1"))
		require.NoError(t, err)
	}
	recs, err := s.QueryArtifacts(ctx, artifact.Filters{SessionID: "s1", BatchLabel: "b1"})
	require.NoError(t, err)
	require.Len(t, recs, 5)
	for i := 1; i < len(recs); i++ {
		prev, cur := recs[i-1], recs[i]
		ok := prev.CreatedAtUTC.Before(cur.CreatedAtUTC) ||
			(prev.CreatedAtUTC.Equal(cur.CreatedAtUTC) && prev.ArtifactID < cur.ArtifactID)
		assert.True(t, ok, "expected stable (created_at_utc, artifact_id) ordering")
	}
}

func TestListExecutionsForDecision_OnlyMatchesParent(t *testing.T) {
	s := New()
	ctx := context.Background()
	specID, err := s.PutArtifact(ctx, specRecord("s1", "b1"))
	require.NoError(t, err)

	decisionA := mustPut(t, s, artifact.Record{
		Kind: "saw_batch_decision", Stage: artifact.StageDecision,
		IndexMeta:     map[string]string{artifact.MetaSessionID: "s1", artifact.MetaBatchLabel: "b1"},
		ParentIDs:     map[string]string{artifact.RelParentSpec: specID},
		PayloadSHA256: "dA", Payload: json.RawMessage(`{}`),
	})
	decisionB := mustPut(t, s, artifact.Record{
		Kind: "saw_batch_decision", Stage: artifact.StageDecision,
		IndexMeta:     map[string]string{artifact.MetaSessionID: "s1", artifact.MetaBatchLabel: "b1"},
		ParentIDs:     map[string]string{artifact.RelParentSpec: specID},
		PayloadSHA256: "dB", Payload: json.RawMessage(`{}`),
	})
	_ = mustPut(t, s, artifact.Record{
		Kind: "saw_batch_execution", Stage: artifact.StageExecution,
		IndexMeta:     map[string]string{artifact.MetaSessionID: "s1", artifact.MetaBatchLabel: "b1"},
		ParentIDs:     map[string]string{artifact.RelParentDecision: decisionA},
		PayloadSHA256: "eA", Payload: json.RawMessage(`{}`),
	})
	_ = mustPut(t, s, artifact.Record{
		Kind: "saw_batch_execution", Stage: artifact.StageExecution,
		IndexMeta:     map[string]string{artifact.MetaSessionID: "s1", artifact.MetaBatchLabel: "b1"},
		ParentIDs:     map[string]string{artifact.RelParentDecision: decisionB},
		PayloadSHA256: "eB", Payload: json.RawMessage(`{}`),
	})

	execs, err := s.ListExecutionsForDecision(ctx, decisionA)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, decisionA, execs[0].ParentIDs[artifact.RelParentDecision])
}

func mustPut(t *testing.T, s *Store, rec artifact.Record) string {
	t.Helper()
	id, err := s.PutArtifact(context.Background(), rec)
	require.NoError(t, err)
	return id
}

// TestProperty_BlobRoundTripIsContentAddressed checks that for every blob B,
// sha256(get_blob(B.sha256)) == B.sha256, over arbitrary byte slices.
func TestProperty_BlobRoundTripIsContentAddressed(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("put then get returns identical bytes, keyed by their own digest", prop.ForAll(
		func(content []byte) bool {
			s := New()
			sha, err := s.PutBlob(context.Background(), content, "application/octet-stream", "gcode_output", "f.bin")
			if err != nil {
				return false
			}
			got, err := s.GetBlob(context.Background(), sha)
			if err != nil {
				return false
			}
			return string(got) == string(content)
		},
		gen.SliceOf(gen.UInt8Range(0, 255)),
	))

	properties.TestingRun(t)
}
