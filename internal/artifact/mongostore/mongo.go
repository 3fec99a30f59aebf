// Package mongostore provides a MongoDB implementation of artifact.Store,
// persisting artifacts and blobs for durability across restarts.
//
// Document structs mirror the domain types, artifacts are written with
// InsertOne and blobs with ReplaceOne-with-upsert, reads go through
// FindOne/Find + cursor.All, and mongo.ErrNoDocuments maps to the package
// sentinel ErrNotFound.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/rmos/core/internal/artifact"
	"github.com/rmos/core/internal/canon"
	"github.com/rmos/core/internal/ids"
)

// LockMap is the minimal replicated-map contract the store needs for its
// per-(session_id, batch_label) write lock.
//
// LockMap is satisfied by *rmap.Map from goa.design/pulse/rmap. It is
// defined here to keep the store unit-testable without Redis and to avoid
// coupling callers to a concrete Pulse implementation.
type LockMap interface {
	Get(key string) (string, bool)
	SetIfNotExists(ctx context.Context, key, value string) (bool, error)
	TestAndSet(ctx context.Context, key, test, value string) (string, error)
	Delete(ctx context.Context, key string) (string, error)
}

// writeLockStaleAfter bounds how long a write lock token is honored before a
// contending writer is allowed to steal it, so a process that crashed while
// holding the lock cannot wedge a (session_id, batch_label) tuple forever.
const writeLockStaleAfter = 5 * time.Second

// Store is a MongoDB implementation of artifact.Store.
type Store struct {
	artifacts *mongo.Collection
	blobs     *mongo.Collection

	// locks serializes PutArtifact per (session_id, batch_label) across every
	// process sharing this Mongo backend. In production it is a Pulse
	// replicated map, so the single-writer guarantee holds cluster-wide
	// rather than within one process.
	locks LockMap
}

var _ artifact.Store = (*Store)(nil)

// artifactDocument is the MongoDB document representation of an artifact.Record.
type artifactDocument struct {
	ID                   string            `bson:"_id"`
	Kind                 string            `bson:"kind"`
	Stage                string            `bson:"stage"`
	CreatedAtUTC         time.Time         `bson:"created_at_utc"`
	CreatedBy            string            `bson:"created_by,omitempty"`
	ParentIDs            map[string]string `bson:"parent_ids,omitempty"`
	IndexMeta            map[string]string `bson:"index_meta"`
	PayloadSHA256        string            `bson:"payload_sha256"`
	Payload              []byte            `bson:"payload"`
	EngineVersion        string            `bson:"engine_version,omitempty"`
	PostProcessorVersion string            `bson:"post_processor_version,omitempty"`
	ConfigFingerprint    string            `bson:"config_fingerprint,omitempty"`
	Status               string            `bson:"status"`
}

// blobDocument is the MongoDB document representation of an artifact.Blob.
type blobDocument struct {
	SHA256       string    `bson:"_id"`
	Bytes        []byte    `bson:"bytes"`
	Mime         string    `bson:"mime"`
	Filename     string    `bson:"filename"`
	SizeBytes    int64     `bson:"size_bytes"`
	Kind         string    `bson:"kind"`
	CreatedAtUTC time.Time `bson:"created_at_utc"`
}

// New creates a MongoDB-backed artifact store using the given database's
// "artifacts" and "blobs" collections. locks is shared by every server
// process pointed at the same Mongo database (rmap.Join in production), so
// write serialization holds across the whole cluster.
func New(db *mongo.Database, locks LockMap) *Store {
	return &Store{
		artifacts: db.Collection("artifacts"),
		blobs:     db.Collection("blobs"),
		locks:     locks,
	}
}

// EnsureIndexes creates the indexes the stage contract and query patterns
// rely on: (session_id, batch_label), kind, created_at_utc, and each
// parent_*_artifact_id.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.artifacts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "index_meta.session_id", Value: 1}, {Key: "index_meta.batch_label", Value: 1}}},
		{Keys: bson.D{{Key: "kind", Value: 1}}},
		{Keys: bson.D{{Key: "created_at_utc", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "parent_ids.parent_spec_artifact_id", Value: 1}}},
		{Keys: bson.D{{Key: "parent_ids.parent_plan_artifact_id", Value: 1}}},
		{Keys: bson.D{{Key: "parent_ids.parent_decision_artifact_id", Value: 1}}},
		{Keys: bson.D{{Key: "parent_ids.parent_execution_artifact_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongodb ensure artifact indexes: %w", err)
	}
	_, err = s.blobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "kind", Value: 1}}},
		{Keys: bson.D{{Key: "mime", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongodb ensure blob indexes: %w", err)
	}
	return nil
}

// acquireWriteLock takes the replicated write lock for (sessionID,
// batchLabel), so concurrent PutArtifact calls for the same tuple serialize
// across this process and any other sharing the same Mongo backend.
// The returned release func must be called once the critical section ends.
func (s *Store) acquireWriteLock(ctx context.Context, sessionID, batchLabel string) (func(), error) {
	key := "artifact-write-lock:" + sessionID + "\x00" + batchLabel
	token := strconv.FormatInt(time.Now().UnixNano(), 10) + ":" + ids.NewArtifactID("holder")

	deadline := time.Now().Add(2 * time.Second)
	for {
		ok, err := s.locks.SetIfNotExists(ctx, key, token)
		if err != nil {
			return nil, fmt.Errorf("acquire artifact write lock: %w", err)
		}
		if ok {
			break
		}
		if cur, exists := s.locks.Get(key); exists && writeLockTokenStale(cur) {
			if prev, err := s.locks.TestAndSet(ctx, key, cur, token); err == nil && prev == cur {
				break
			}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("acquire artifact write lock: timed out for %s", key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}

	release := func() {
		if cur, ok := s.locks.Get(key); ok && cur == token {
			_, _ = s.locks.Delete(context.Background(), key)
		}
	}
	return release, nil
}

func writeLockTokenStale(token string) bool {
	ts, _, ok := strings.Cut(token, ":")
	if !ok {
		return true
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return true
	}
	return time.Since(time.Unix(0, nanos)) > writeLockStaleAfter
}

// PutArtifact implements artifact.Store.
func (s *Store) PutArtifact(ctx context.Context, rec artifact.Record) (string, error) {
	sessionID := rec.IndexMeta[artifact.MetaSessionID]
	batchLabel := rec.IndexMeta[artifact.MetaBatchLabel]

	release, err := s.acquireWriteLock(ctx, sessionID, batchLabel)
	if err != nil {
		return "", err
	}
	defer release()

	if rec.Stage != artifact.StageSpec {
		root, err := s.findRootSpec(ctx, rec)
		if err != nil {
			return "", err
		}
		if root.IndexMeta[artifact.MetaBatchLabel] != batchLabel || root.IndexMeta[artifact.MetaSessionID] != sessionID {
			return "", artifact.ErrInvariantViolation
		}
		for _, parentID := range rec.ParentIDs {
			var doc artifactDocument
			if err := s.artifacts.FindOne(ctx, bson.M{"_id": parentID}).Decode(&doc); err != nil {
				if errors.Is(err, mongo.ErrNoDocuments) {
					return "", artifact.ErrMissingParent
				}
				return "", fmt.Errorf("mongodb find parent %q: %w", parentID, err)
			}
		}
	}

	if dupeForbidden(rec.Stage) {
		filter := bson.M{"kind": rec.Kind, "payload_sha256": rec.PayloadSHA256}
		for rel, id := range rec.ParentIDs {
			filter["parent_ids."+rel] = id
		}
		count, err := s.artifacts.CountDocuments(ctx, filter)
		if err != nil {
			return "", fmt.Errorf("mongodb check duplicate: %w", err)
		}
		if count > 0 {
			return "", artifact.ErrDuplicateParent
		}
	}

	rec.ArtifactID = ids.NewArtifactID(rec.Kind)
	rec.CreatedAtUTC = time.Now().UTC()
	doc := toArtifactDocument(rec)
	if _, err := s.artifacts.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("mongodb insert artifact %q: %w", rec.ArtifactID, err)
	}
	return rec.ArtifactID, nil
}

// findRootSpec resolves the root SPEC ancestor of the new record to
// validate batch_label/session_id against. PLAN and DECISION point at the
// SPEC directly, but deeper records (JOB_LOG, LEARNING_EVENT,
// LEARNING_DECISION) only reach it transitively, so the walk recurses
// through the full parent chain of whatever parents the record declares.
func (s *Store) findRootSpec(ctx context.Context, rec artifact.Record) (artifact.Record, error) {
	if specID, ok := rec.ParentIDs[artifact.RelParentSpec]; ok {
		var doc artifactDocument
		if err := s.artifacts.FindOne(ctx, bson.M{"_id": specID}).Decode(&doc); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return artifact.Record{}, artifact.ErrMissingParent
			}
			return artifact.Record{}, fmt.Errorf("mongodb find spec %q: %w", specID, err)
		}
		return fromArtifactDocument(&doc), nil
	}
	visited := make(map[string]bool)
	spec, found, err := s.walkToSpec(ctx, rec.ParentIDs, visited)
	if err != nil {
		return artifact.Record{}, err
	}
	if !found {
		return artifact.Record{}, artifact.ErrMissingParent
	}
	return spec, nil
}

// walkToSpec recursively follows parent links until a SPEC is found.
// visited guards against cycles in malformed data; missing ancestors are
// dead ends, not errors (PutArtifact verifies the record's own declared
// parents separately).
func (s *Store) walkToSpec(ctx context.Context, parents map[string]string, visited map[string]bool) (artifact.Record, bool, error) {
	for _, id := range parents {
		if visited[id] {
			continue
		}
		visited[id] = true
		var doc artifactDocument
		if err := s.artifacts.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				continue
			}
			return artifact.Record{}, false, fmt.Errorf("mongodb find parent %q: %w", id, err)
		}
		parent := fromArtifactDocument(&doc)
		if parent.Stage == artifact.StageSpec {
			return parent, true, nil
		}
		if spec, found, err := s.walkToSpec(ctx, parent.ParentIDs, visited); err != nil || found {
			return spec, found, err
		}
	}
	return artifact.Record{}, false, nil
}

func dupeForbidden(stage artifact.Stage) bool {
	return stage == artifact.StageDecision
}

// GetArtifact implements artifact.Store.
func (s *Store) GetArtifact(ctx context.Context, id string) (artifact.Record, error) {
	var doc artifactDocument
	err := s.artifacts.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return artifact.Record{}, artifact.ErrNotFound
		}
		return artifact.Record{}, fmt.Errorf("mongodb get artifact %q: %w", id, err)
	}
	return fromArtifactDocument(&doc), nil
}

// QueryArtifacts implements artifact.Store.
func (s *Store) QueryArtifacts(ctx context.Context, f artifact.Filters) ([]artifact.Record, error) {
	filter := bson.M{}
	if f.Kind != "" {
		filter["kind"] = f.Kind
	}
	if f.Stage != "" {
		filter["stage"] = string(f.Stage)
	}
	if f.ParentSpecID != "" {
		filter["parent_ids."+artifact.RelParentSpec] = f.ParentSpecID
	}
	if f.ParentPlanID != "" {
		filter["parent_ids."+artifact.RelParentPlan] = f.ParentPlanID
	}
	if f.ParentDecisionID != "" {
		filter["parent_ids."+artifact.RelParentDecision] = f.ParentDecisionID
	}
	if f.ParentExecutionID != "" {
		filter["parent_ids."+artifact.RelParentExecution] = f.ParentExecutionID
	}
	if f.SessionID != "" {
		filter["index_meta.session_id"] = f.SessionID
	}
	if f.BatchLabel != "" {
		filter["index_meta.batch_label"] = f.BatchLabel
	}
	if f.ToolKind != "" {
		filter["index_meta.tool_kind"] = f.ToolKind
	}
	if !f.CreatedAfter.IsZero() || !f.CreatedBefore.IsZero() {
		rng := bson.M{}
		if !f.CreatedAfter.IsZero() {
			rng["$gte"] = f.CreatedAfter
		}
		if !f.CreatedBefore.IsZero() {
			rng["$lte"] = f.CreatedBefore
		}
		filter["created_at_utc"] = rng
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at_utc", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.artifacts.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb query artifacts: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []artifactDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb query artifacts decode: %w", err)
	}
	out := make([]artifact.Record, len(docs))
	for i, doc := range docs {
		out[i] = fromArtifactDocument(&doc)
	}
	return out, nil
}

// ListExecutionsForDecision implements artifact.Store.
func (s *Store) ListExecutionsForDecision(ctx context.Context, decisionID string) ([]artifact.Record, error) {
	return s.QueryArtifacts(ctx, artifact.Filters{Stage: artifact.StageExecution, ParentDecisionID: decisionID})
}

// GetLineage implements artifact.Store.
func (s *Store) GetLineage(ctx context.Context, id string) ([]artifact.Record, error) {
	var chain []artifact.Record
	cur, err := s.GetArtifact(ctx, id)
	if err != nil {
		return nil, err
	}
	chain = append(chain, cur)
	for cur.Stage != artifact.StageSpec {
		parentID, ok := primaryParent(cur)
		if !ok {
			break
		}
		parent, err := s.GetArtifact(ctx, parentID)
		if err != nil {
			break
		}
		chain = append(chain, parent)
		cur = parent
	}
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

// PutBlob implements artifact.Store. Idempotent via upsert on the
// content-addressed _id.
func (s *Store) PutBlob(ctx context.Context, data []byte, mime, kind, filename string) (string, error) {
	sum := canon.SHA256Bytes(data)
	doc := blobDocument{
		SHA256:       sum,
		Bytes:        data,
		Mime:         mime,
		Filename:     filename,
		SizeBytes:    int64(len(data)),
		Kind:         kind,
		CreatedAtUTC: time.Now().UTC(),
	}
	opts := options.Replace().SetUpsert(true)
	// SetOnInsert-style semantics: only the first writer's CreatedAtUTC
	// sticks, since ReplaceOne with upsert fully replaces on match too; to
	// preserve idempotence of metadata we only insert when absent.
	existing, err := s.blobs.CountDocuments(ctx, bson.M{"_id": sum})
	if err != nil {
		return "", fmt.Errorf("mongodb check blob %q: %w", sum, err)
	}
	if existing > 0 {
		return sum, nil
	}
	if _, err := s.blobs.ReplaceOne(ctx, bson.M{"_id": sum}, doc, opts); err != nil {
		return "", fmt.Errorf("mongodb put blob %q: %w", sum, err)
	}
	return sum, nil
}

// GetBlob implements artifact.Store.
func (s *Store) GetBlob(ctx context.Context, sha256 string) ([]byte, error) {
	var doc blobDocument
	err := s.blobs.FindOne(ctx, bson.M{"_id": sha256}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, artifact.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get blob %q: %w", sha256, err)
	}
	return doc.Bytes, nil
}

// GetBlobMeta implements artifact.Store.
func (s *Store) GetBlobMeta(ctx context.Context, sha256 string) (artifact.Blob, error) {
	var doc blobDocument
	opts := options.FindOne().SetProjection(bson.M{"bytes": 0})
	err := s.blobs.FindOne(ctx, bson.M{"_id": sha256}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return artifact.Blob{}, artifact.ErrNotFound
		}
		return artifact.Blob{}, fmt.Errorf("mongodb get blob meta %q: %w", sha256, err)
	}
	return fromBlobDocument(&doc), nil
}

// MetaIndexQuery implements artifact.Store as a sha256-ordered paginated
// scan, mirroring the in-memory store's cursor semantics.
func (s *Store) MetaIndexQuery(ctx context.Context, f artifact.MetaIndexFilters) (artifact.MetaIndexPage, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	filter := bson.M{}
	if f.Kind != "" {
		filter["kind"] = f.Kind
	}
	if f.MimePrefix != "" {
		filter["mime"] = bson.M{"$regex": "^" + escapeRegex(f.MimePrefix)}
	}
	if f.Cursor != "" {
		filter["_id"] = bson.M{"$gt": f.Cursor}
	}

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit) + 1).SetProjection(bson.M{"bytes": 0})
	cursor, err := s.blobs.Find(ctx, filter, opts)
	if err != nil {
		return artifact.MetaIndexPage{}, fmt.Errorf("mongodb meta index query: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []blobDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return artifact.MetaIndexPage{}, fmt.Errorf("mongodb meta index decode: %w", err)
	}

	page := artifact.MetaIndexPage{}
	n := len(docs)
	hasMore := n > limit
	if hasMore {
		n = limit
	}
	for i := 0; i < n; i++ {
		page.Entries = append(page.Entries, fromBlobDocument(&docs[i]))
	}
	if hasMore {
		page.NextCursor = docs[n-1].SHA256
	}
	return page, nil
}

// RebuildMetaIndex implements artifact.Store by walking every artifact to
// count distinct (session_id, batch_label) runs and counting the blobs
// collection, which serves the meta index directly. Nothing is rewritten,
// and attachment references inside artifact payloads are not checked
// against the blobs collection.
func (s *Store) RebuildMetaIndex(ctx context.Context) (artifact.RebuildReport, error) {
	cursor, err := s.artifacts.Find(ctx, bson.M{})
	if err != nil {
		return artifact.RebuildReport{}, fmt.Errorf("mongodb rebuild scan artifacts: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	runs := make(map[string]struct{})
	var docs []artifactDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return artifact.RebuildReport{}, fmt.Errorf("mongodb rebuild decode artifacts: %w", err)
	}
	for _, doc := range docs {
		key := doc.IndexMeta[artifact.MetaSessionID] + "\x00" + doc.IndexMeta[artifact.MetaBatchLabel]
		runs[key] = struct{}{}
	}

	count, err := s.blobs.CountDocuments(ctx, bson.M{})
	if err != nil {
		return artifact.RebuildReport{}, fmt.Errorf("mongodb rebuild count blobs: %w", err)
	}

	return artifact.RebuildReport{
		RunsScanned:        len(runs),
		AttachmentsIndexed: int(count),
		UniqueSHA256:       int(count),
	}, nil
}

func toArtifactDocument(rec artifact.Record) artifactDocument {
	return artifactDocument{
		ID:                   rec.ArtifactID,
		Kind:                 rec.Kind,
		Stage:                string(rec.Stage),
		CreatedAtUTC:         rec.CreatedAtUTC,
		CreatedBy:            rec.CreatedBy,
		ParentIDs:            rec.ParentIDs,
		IndexMeta:            rec.IndexMeta,
		PayloadSHA256:        rec.PayloadSHA256,
		Payload:              rec.Payload,
		EngineVersion:        rec.EngineVersion,
		PostProcessorVersion: rec.PostProcessorVersion,
		ConfigFingerprint:    rec.ConfigFingerprint,
		Status:               string(rec.Status),
	}
}

func fromArtifactDocument(doc *artifactDocument) artifact.Record {
	return artifact.Record{
		ArtifactID:           doc.ID,
		Kind:                 doc.Kind,
		Stage:                artifact.Stage(doc.Stage),
		CreatedAtUTC:         doc.CreatedAtUTC,
		CreatedBy:            doc.CreatedBy,
		ParentIDs:            doc.ParentIDs,
		IndexMeta:            doc.IndexMeta,
		PayloadSHA256:        doc.PayloadSHA256,
		Payload:              doc.Payload,
		EngineVersion:        doc.EngineVersion,
		PostProcessorVersion: doc.PostProcessorVersion,
		ConfigFingerprint:    doc.ConfigFingerprint,
		Status:               artifact.Status(doc.Status),
	}
}

func fromBlobDocument(doc *blobDocument) artifact.Blob {
	return artifact.Blob{
		SHA256:       doc.SHA256,
		Bytes:        doc.Bytes,
		Mime:         doc.Mime,
		Filename:     doc.Filename,
		SizeBytes:    doc.SizeBytes,
		Kind:         doc.Kind,
		CreatedAtUTC: doc.CreatedAtUTC,
	}
}

// escapeRegex escapes MongoDB regex metacharacters in a user-supplied
// prefix filter so it matches literally.
func escapeRegex(s string) string {
	special := ".*+?()[]{}|^$\\"
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		for j := 0; j < len(special); j++ {
			if c == special[j] {
				out = append(out, '\\')
				break
			}
		}
		out = append(out, c)
	}
	return string(out)
}
