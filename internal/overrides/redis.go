package overrides

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"goa.design/pulse/rmap"
)

// Map is the minimal replicated-map contract the clustered store needs.
//
// Map is satisfied by *rmap.Map from goa.design/pulse/rmap. It is defined
// here to keep the store unit-testable without Redis and to avoid coupling
// callers to a concrete Pulse implementation.
type Map interface {
	Get(key string) (string, bool)
	Set(ctx context.Context, key, value string) (string, error)
}

// RedisStore persists overrides in a replicated map shared by every server
// process: a single Set per key is serialized by Redis itself, so
// concurrent writers to the same tuple order correctly across the whole
// cluster with no separate lock key to acquire and release.
type RedisStore struct {
	m Map
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore joins the "rmos:overrides" replicated map over client.
func NewRedisStore(ctx context.Context, client *redis.Client) (*RedisStore, error) {
	m, err := rmap.Join(ctx, "rmos:overrides", client)
	if err != nil {
		return nil, fmt.Errorf("join overrides replicated map: %w", err)
	}
	return NewReplicatedStore(m), nil
}

// NewReplicatedStore wraps an already-joined replicated map.
func NewReplicatedStore(m Map) *RedisStore {
	return &RedisStore{m: m}
}

func overrideKey(k Key) string {
	return fmt.Sprintf("%s:%s:%s:%s", k.ToolID, k.MaterialID, k.OperationKind, k.MachineProfileID)
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key Key) (Override, error) {
	raw, ok := s.m.Get(overrideKey(key))
	if !ok {
		return Override{}, ErrNotFound
	}
	var o Override
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return Override{}, fmt.Errorf("decode override: %w", err)
	}
	return o, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, o Override) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode override: %w", err)
	}
	if _, err := s.m.Set(ctx, overrideKey(o.Key), string(raw)); err != nil {
		return fmt.Errorf("put override: %w", err)
	}
	return nil
}
