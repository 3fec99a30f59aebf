package advisory

import (
	"context"
	"fmt"

	"github.com/rmos/core/internal/artifact"
	"github.com/rmos/core/internal/ids"
	"github.com/rmos/core/internal/telemetry"
)

// Subsystem implements suggest_and_attach, list_advisories,
// download_attachment, and verify_run_attachments.
type Subsystem struct {
	blobs      BlobStore
	projection *ProjectionStore
	bus        Bus
	log        telemetry.Logger
}

// New constructs a Subsystem and registers its advisory projection on bus.
func New(blobs BlobStore, bus Bus, log telemetry.Logger) *Subsystem {
	projection := NewProjectionStore()
	_, _ = bus.Register(projection)
	return &Subsystem{blobs: blobs, projection: projection, bus: bus, log: log}
}

// SuggestAndAttach persists payload canonically as an attachment, appends an
// Advisory Input Reference to the run's append-only list, and returns the
// reference. If producer is non-nil, generation runs asynchronously in a
// separate goroutine and the reference starts PENDING; otherwise payload is
// attached synchronously and the reference starts READY.
func (s *Subsystem) SuggestAndAttach(ctx context.Context, runID, producerID, kind string, payload []byte, producer Producer, request map[string]any) (Reference, error) {
	requestID := ids.NewRequestID()

	if producer == nil {
		sha, err := s.blobs.PutBlob(ctx, payload, "application/json", kind, runID+"_"+requestID+".json")
		if err != nil {
			return Reference{}, fmt.Errorf("advisory: attach blob: %w", err)
		}
		ref := &Reference{
			RunID: runID, SHA256: sha, Kind: kind, ProducerID: producerID,
			RequestID: requestID, Status: StatusReady,
		}
		s.projection.Append(ref)
		return *ref, nil
	}

	placeholderSHA := "pending:" + requestID
	ref := &Reference{
		RunID: runID, SHA256: placeholderSHA, Kind: kind, ProducerID: producerID,
		RequestID: requestID, Status: StatusPending,
	}
	s.projection.Append(ref)

	go s.produceAsync(runID, producerID, kind, requestID, placeholderSHA, producer, request)

	return *ref, nil
}

// produceAsync runs an async Producer to completion and publishes the
// resulting status to the bus. It never touches a run's authoritative
// artifact: only the advisory projection observes this event, so advisory
// generation failures surface only in the advisory list.
func (s *Subsystem) produceAsync(runID, producerID, kind, requestID, placeholderSHA string, producer Producer, request map[string]any) {
	ctx := context.Background()
	payload, _, err := producer.Produce(ctx, runID, request)
	if err != nil {
		s.log.Warn(ctx, "advisory production failed", "run_id", runID, "producer_id", producerID, "error", err)
		_ = s.bus.Publish(ctx, Event{RunID: runID, SHA256: placeholderSHA, Status: StatusFailed, Note: err.Error()})
		return
	}
	sha, err := s.blobs.PutBlob(ctx, payload, "application/json", kind, runID+"_"+requestID+".json")
	if err != nil {
		s.log.Warn(ctx, "advisory attach blob store failed", "run_id", runID, "error", err)
		_ = s.bus.Publish(ctx, Event{RunID: runID, SHA256: placeholderSHA, Status: StatusFailed, Note: err.Error()})
		return
	}
	s.projection.updateSHA(runID, placeholderSHA, sha)
	_ = s.bus.Publish(ctx, Event{RunID: runID, SHA256: sha, Status: StatusReady})
}

// updateSHA rewrites the placeholder sha256 of a completed async attach to
// its real content address, while preserving append-only ordering.
func (p *ProjectionStore) updateSHA(runID, placeholder, real string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ref := range p.byRun[runID] {
		if ref.SHA256 == placeholder {
			ref.SHA256 = real
			ref.Status = StatusReady
		}
	}
}

// ListAdvisories returns the ordered (oldest first) Advisory Input
// Reference list for runID.
func (s *Subsystem) ListAdvisories(ctx context.Context, runID string) []Reference {
	return s.projection.List(runID)
}

// DownloadAttachment streams the raw bytes for sha256, or artifact.ErrNotFound.
func (s *Subsystem) DownloadAttachment(ctx context.Context, sha256 string) ([]byte, error) {
	b, err := s.blobs.GetBlob(ctx, sha256)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// VerifyRunAttachments checks that every referenced sha256 for runID is
// resolvable in the blob store; returns the set of missing hashes.
func (s *Subsystem) VerifyRunAttachments(ctx context.Context, runID string) ([]string, error) {
	var missing []string
	for _, ref := range s.projection.List(runID) {
		if ref.Status != StatusReady {
			continue
		}
		if _, err := s.blobs.GetBlob(ctx, ref.SHA256); err != nil {
			if err == artifact.ErrNotFound {
				missing = append(missing, ref.SHA256)
				continue
			}
			return nil, err
		}
	}
	return missing, nil
}
