package advisory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmos/core/internal/artifact"
	"github.com/rmos/core/internal/artifact/memorystore"
	"github.com/rmos/core/internal/telemetry"
)

type failingProducer struct{ err error }

func (p failingProducer) Produce(ctx context.Context, runID string, request map[string]any) ([]byte, string, error) {
	return nil, "", p.err
}

func newTestSubsystem() (*Subsystem, *memorystore.Store) {
	store := memorystore.New()
	log, _, _ := telemetry.Noop()
	return New(store, NewBus(), log), store
}

// TestSuggestAndAttach_IsNonAuthoritative checks that an attach grows the
// run's advisory list by one and touches nothing else.
func TestSuggestAndAttach_IsNonAuthoritative(t *testing.T) {
	sub, store := newTestSubsystem()
	ctx := context.Background()

	ref, err := sub.SuggestAndAttach(ctx, "run_1", "human_operator", "advisory_payload", []byte(`{"note":"looks fine"}`), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, ref.Status)
	assert.NotEmpty(t, ref.SHA256)

	refs := sub.ListAdvisories(ctx, "run_1")
	require.Len(t, refs, 1)
	assert.Equal(t, ref.SHA256, refs[0].SHA256)

	// Attaching again grows the list, never overwrites.
	_, err = sub.SuggestAndAttach(ctx, "run_1", "human_operator", "advisory_payload", []byte(`{"note":"second"}`), nil, nil)
	require.NoError(t, err)
	refs = sub.ListAdvisories(ctx, "run_1")
	assert.Len(t, refs, 2)

	b, err := store.GetBlob(ctx, ref.SHA256)
	require.NoError(t, err)
	assert.Contains(t, string(b), "looks fine")
}

func TestSuggestAndAttach_AsyncProducerFailureSurfacesOnlyOnAdvisoryList(t *testing.T) {
	sub, _ := newTestSubsystem()
	ctx := context.Background()

	ref, err := sub.SuggestAndAttach(ctx, "run_2", "ai_sandbox", "advisory_payload", nil, failingProducer{err: errors.New("boom")}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, ref.Status)

	waitForStatus(t, sub, "run_2", ref.SHA256, StatusFailed)
}

func TestVerifyRunAttachments_ReportsMissingHashes(t *testing.T) {
	sub, _ := newTestSubsystem()
	ctx := context.Background()

	ref, err := sub.SuggestAndAttach(ctx, "run_3", "human_operator", "advisory_payload", []byte(`{}`), nil, nil)
	require.NoError(t, err)

	missing, err := sub.VerifyRunAttachments(ctx, "run_3")
	require.NoError(t, err)
	assert.Empty(t, missing)

	// Simulate store corruption: delete the blob out from under the reference
	// by using a fresh store with the same projection (the reference still
	// points at a sha256 the new backing store never saw).
	sub2 := &Subsystem{blobs: memorystore.New(), projection: sub.projection}
	missing, err = sub2.VerifyRunAttachments(ctx, "run_3")
	require.NoError(t, err)
	assert.Contains(t, missing, ref.SHA256)
}

func TestDownloadAttachment_NotFound(t *testing.T) {
	sub, _ := newTestSubsystem()
	_, err := sub.DownloadAttachment(context.Background(), "0000000000000000000000000000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, artifact.ErrNotFound)
}

func waitForStatus(t *testing.T, sub *Subsystem, runID, initialSHA string, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		refs := sub.ListAdvisories(context.Background(), runID)
		for _, r := range refs {
			if r.Status == want {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("advisory reference for run %q never reached status %q", runID, want)
}
