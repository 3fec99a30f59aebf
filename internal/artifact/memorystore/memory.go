// Package memorystore provides an in-memory implementation of the artifact
// Store interface, suitable for development, testing, and single-node
// deployments where persistence across restarts is not required.
package memorystore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rmos/core/internal/artifact"
	"github.com/rmos/core/internal/canon"
	"github.com/rmos/core/internal/ids"
)

// Store is an in-memory implementation of artifact.Store. It is safe for
// concurrent use.
type Store struct {
	mu sync.RWMutex

	artifacts map[string]artifact.Record
	blobs     map[string]artifact.Blob

	// writeLocks serializes PutArtifact calls per (session_id, batch_label);
	// writes across distinct sessions proceed in parallel.
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

var _ artifact.Store = (*Store)(nil)

// New creates a new empty in-memory artifact store.
func New() *Store {
	return &Store{
		artifacts:  make(map[string]artifact.Record),
		blobs:      make(map[string]artifact.Blob),
		writeLocks: make(map[string]*sync.Mutex),
	}
}

func (s *Store) sessionLock(sessionID, batchLabel string) *sync.Mutex {
	key := sessionID + "\x00" + batchLabel
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.writeLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.writeLocks[key] = l
	}
	return l
}

// PutArtifact implements artifact.Store.
func (s *Store) PutArtifact(ctx context.Context, rec artifact.Record) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	sessionID := rec.IndexMeta[artifact.MetaSessionID]
	batchLabel := rec.IndexMeta[artifact.MetaBatchLabel]

	lock := s.sessionLock(sessionID, batchLabel)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Stage != artifact.StageSpec {
		root, err := s.findRootSpecLocked(rec)
		if err != nil {
			return "", err
		}
		if root.IndexMeta[artifact.MetaBatchLabel] != batchLabel || root.IndexMeta[artifact.MetaSessionID] != sessionID {
			return "", artifact.ErrInvariantViolation
		}
		for _, parentID := range rec.ParentIDs {
			if _, ok := s.artifacts[parentID]; !ok {
				return "", artifact.ErrMissingParent
			}
		}
	}

	if dupeForbidden(rec.Stage) {
		for _, existing := range s.artifacts {
			if existing.Kind == rec.Kind && existing.PayloadSHA256 == rec.PayloadSHA256 && sameParents(existing.ParentIDs, rec.ParentIDs) {
				return "", artifact.ErrDuplicateParent
			}
		}
	}

	rec.ArtifactID = ids.NewArtifactID(rec.Kind)
	rec.CreatedAtUTC = time.Now().UTC()
	s.artifacts[rec.ArtifactID] = rec
	return rec.ArtifactID, nil
}

// findRootSpecLocked resolves the root SPEC ancestor of the new record to
// validate batch_label/session_id against. PLAN and DECISION point at the
// SPEC directly, but deeper records (JOB_LOG, LEARNING_EVENT,
// LEARNING_DECISION) only reach it transitively, so the walk recurses
// through the full parent chain of whatever parents the record declares.
func (s *Store) findRootSpecLocked(rec artifact.Record) (artifact.Record, error) {
	if specID, ok := rec.ParentIDs[artifact.RelParentSpec]; ok {
		spec, exists := s.artifacts[specID]
		if !exists {
			return artifact.Record{}, artifact.ErrMissingParent
		}
		return spec, nil
	}
	for _, parentID := range rec.ParentIDs {
		if _, exists := s.artifacts[parentID]; !exists {
			return artifact.Record{}, artifact.ErrMissingParent
		}
	}
	visited := make(map[string]bool)
	if spec, ok := s.walkToSpecLocked(rec.ParentIDs, visited); ok {
		return spec, nil
	}
	return artifact.Record{}, artifact.ErrMissingParent
}

// walkToSpecLocked recursively follows parent links until a SPEC is found.
// visited guards against cycles in malformed data.
func (s *Store) walkToSpecLocked(parents map[string]string, visited map[string]bool) (artifact.Record, bool) {
	for _, id := range parents {
		if visited[id] {
			continue
		}
		visited[id] = true
		parent, exists := s.artifacts[id]
		if !exists {
			continue
		}
		if parent.Stage == artifact.StageSpec {
			return parent, true
		}
		if spec, ok := s.walkToSpecLocked(parent.ParentIDs, visited); ok {
			return spec, true
		}
	}
	return artifact.Record{}, false
}

func dupeForbidden(stage artifact.Stage) bool {
	// DECISION must not silently collapse duplicate writes: each
	// approve/reject call is a distinct operator action. EXECUTION is not
	// checked, since retry_execution records a new EXECUTION whose payload
	// matches the original's.
	return stage == artifact.StageDecision
}

func sameParents(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// GetArtifact implements artifact.Store.
func (s *Store) GetArtifact(ctx context.Context, id string) (artifact.Record, error) {
	select {
	case <-ctx.Done():
		return artifact.Record{}, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.artifacts[id]
	if !ok {
		return artifact.Record{}, artifact.ErrNotFound
	}
	return rec, nil
}

// QueryArtifacts implements artifact.Store.
func (s *Store) QueryArtifacts(ctx context.Context, f artifact.Filters) ([]artifact.Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []artifact.Record
	for _, rec := range s.artifacts {
		if matches(rec, f) {
			out = append(out, rec)
		}
	}
	sortArtifacts(out)
	return out, nil
}

func matches(rec artifact.Record, f artifact.Filters) bool {
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	if f.Stage != "" && rec.Stage != f.Stage {
		return false
	}
	if f.ParentSpecID != "" && rec.ParentIDs[artifact.RelParentSpec] != f.ParentSpecID {
		return false
	}
	if f.ParentPlanID != "" && rec.ParentIDs[artifact.RelParentPlan] != f.ParentPlanID {
		return false
	}
	if f.ParentDecisionID != "" && rec.ParentIDs[artifact.RelParentDecision] != f.ParentDecisionID {
		return false
	}
	if f.ParentExecutionID != "" && rec.ParentIDs[artifact.RelParentExecution] != f.ParentExecutionID {
		return false
	}
	if f.SessionID != "" && rec.IndexMeta[artifact.MetaSessionID] != f.SessionID {
		return false
	}
	if f.BatchLabel != "" && rec.IndexMeta[artifact.MetaBatchLabel] != f.BatchLabel {
		return false
	}
	if f.ToolKind != "" && rec.IndexMeta[artifact.MetaToolKind] != f.ToolKind {
		return false
	}
	if !f.CreatedAfter.IsZero() && rec.CreatedAtUTC.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && rec.CreatedAtUTC.After(f.CreatedBefore) {
		return false
	}
	return true
}

// sortArtifacts orders by (created_at_utc, artifact_id) ascending.
func sortArtifacts(recs []artifact.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAtUTC.Equal(recs[j].CreatedAtUTC) {
			return recs[i].CreatedAtUTC.Before(recs[j].CreatedAtUTC)
		}
		return recs[i].ArtifactID < recs[j].ArtifactID
	})
}

// ListExecutionsForDecision implements artifact.Store.
func (s *Store) ListExecutionsForDecision(ctx context.Context, decisionID string) ([]artifact.Record, error) {
	return s.QueryArtifacts(ctx, artifact.Filters{Stage: artifact.StageExecution, ParentDecisionID: decisionID})
}

// GetLineage implements artifact.Store, returning the parent chain for id
// back to its root SPEC, ordered root-first.
func (s *Store) GetLineage(ctx context.Context, id string) ([]artifact.Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chain []artifact.Record
	cur, ok := s.artifacts[id]
	if !ok {
		return nil, artifact.ErrNotFound
	}
	chain = append(chain, cur)
	for cur.Stage != artifact.StageSpec {
		parentID, ok := primaryParent(cur)
		if !ok {
			break
		}
		parent, ok := s.artifacts[parentID]
		if !ok {
			break
		}
		chain = append(chain, parent)
		cur = parent
	}
	// Reverse to root-first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func primaryParent(rec artifact.Record) (string, bool) {
	for _, rel := range []string{
		"parent_learning_event_artifact_id",
		"parent_job_log_artifact_id",
		artifact.RelParentExecution,
		artifact.RelParentDecision,
		artifact.RelParentPlan,
		artifact.RelParentSpec,
	} {
		if id, ok := rec.ParentIDs[rel]; ok {
			return id, true
		}
	}
	return "", false
}

// PutBlob implements artifact.Store. Idempotent: repeated insertion of
// identical bytes returns the same sha256 without duplicating storage.
func (s *Store) PutBlob(ctx context.Context, bytes []byte, mime, kind, filename string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	sum := canon.SHA256Bytes(bytes)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blobs[sum]; exists {
		return sum, nil
	}
	s.blobs[sum] = artifact.Blob{
		SHA256:       sum,
		Bytes:        bytes,
		Mime:         mime,
		Filename:     filename,
		SizeBytes:    int64(len(bytes)),
		Kind:         kind,
		CreatedAtUTC: time.Now().UTC(),
	}
	return sum, nil
}

// GetBlob implements artifact.Store.
func (s *Store) GetBlob(ctx context.Context, sha256 string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[sha256]
	if !ok {
		return nil, artifact.ErrNotFound
	}
	return b.Bytes, nil
}

// GetBlobMeta implements artifact.Store.
func (s *Store) GetBlobMeta(ctx context.Context, sha256 string) (artifact.Blob, error) {
	select {
	case <-ctx.Done():
		return artifact.Blob{}, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[sha256]
	if !ok {
		return artifact.Blob{}, artifact.ErrNotFound
	}
	b.Bytes = nil
	return b, nil
}

// MetaIndexQuery implements artifact.Store as a paginated scan over
// s.blobs, sorted by sha256 for a stable, opaque cursor.
func (s *Store) MetaIndexQuery(ctx context.Context, f artifact.MetaIndexFilters) (artifact.MetaIndexPage, error) {
	select {
	case <-ctx.Done():
		return artifact.MetaIndexPage{}, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	var keys []string
	for k := range s.blobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var filtered []string
	for _, k := range keys {
		b := s.blobs[k]
		if f.Kind != "" && b.Kind != f.Kind {
			continue
		}
		if f.MimePrefix != "" && !strings.HasPrefix(b.Mime, f.MimePrefix) {
			continue
		}
		filtered = append(filtered, k)
	}

	start := 0
	if f.Cursor != "" {
		for i, k := range filtered {
			if k > f.Cursor {
				start = i
				break
			}
			start = i + 1
		}
	}

	end := start + limit
	if end > len(filtered) {
		end = len(filtered)
	}

	page := artifact.MetaIndexPage{}
	for _, k := range filtered[start:end] {
		b := s.blobs[k]
		b.Bytes = nil
		page.Entries = append(page.Entries, b)
	}
	if end < len(filtered) {
		page.NextCursor = filtered[end-1]
	}
	return page, nil
}

// RebuildMetaIndex implements artifact.Store. The in-memory store keeps the
// meta index and blob store as the same map, so a rebuild is a no-op scan
// that reports current totals. mongostore likewise serves the index from
// its blobs collection and only reports totals.
func (s *Store) RebuildMetaIndex(ctx context.Context) (artifact.RebuildReport, error) {
	select {
	case <-ctx.Done():
		return artifact.RebuildReport{}, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	unique := make(map[string]struct{}, len(s.blobs))
	for k := range s.blobs {
		unique[k] = struct{}{}
	}
	runs := make(map[string]struct{})
	for _, rec := range s.artifacts {
		key := rec.IndexMeta[artifact.MetaSessionID] + "\x00" + rec.IndexMeta[artifact.MetaBatchLabel]
		runs[key] = struct{}{}
	}
	return artifact.RebuildReport{
		RunsScanned:        len(runs),
		AttachmentsIndexed: len(s.blobs),
		UniqueSHA256:       len(unique),
	}, nil
}
