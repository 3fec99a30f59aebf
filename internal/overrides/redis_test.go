package overrides

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMap struct {
	mu      sync.RWMutex
	content map[string]string
}

var _ Map = (*fakeMap)(nil)

func newFakeMap() *fakeMap {
	return &fakeMap{content: make(map[string]string)}
}

func (m *fakeMap) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.content[key]
	return v, ok
}

func (m *fakeMap) Set(ctx context.Context, key, value string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.content[key]
	m.content[key] = value
	return prev, nil
}

func TestReplicatedStore_PutThenGetRoundTrips(t *testing.T) {
	s := NewReplicatedStore(newFakeMap())
	ctx := context.Background()

	o := Override{
		Key:         Key{ToolID: "BLADE_10IN_60T", MaterialID: "hardwood", OperationKind: "slice", MachineProfileID: "SAW_LAB_01"},
		Multipliers: Multipliers{RPM: 0.9, Feed: 0.8, DOC: 1, WOC: 1},
		AcceptedBy:  "operator_1",
	}
	require.NoError(t, s.Put(ctx, o))

	got, err := s.Get(ctx, o.Key)
	require.NoError(t, err)
	assert.Equal(t, o.Multipliers, got.Multipliers)
	assert.Equal(t, "operator_1", got.AcceptedBy)
}

func TestReplicatedStore_GetMissingReturnsErrNotFound(t *testing.T) {
	s := NewReplicatedStore(newFakeMap())
	_, err := s.Get(context.Background(), Key{ToolID: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplicatedStore_LastWriteWinsPerKey(t *testing.T) {
	s := NewReplicatedStore(newFakeMap())
	ctx := context.Background()
	key := Key{ToolID: "t", MaterialID: "m", OperationKind: "o", MachineProfileID: "p"}

	require.NoError(t, s.Put(ctx, Override{Key: key, Multipliers: Multipliers{RPM: 0.9, Feed: 1, DOC: 1, WOC: 1}, AcceptedBy: "a"}))
	require.NoError(t, s.Put(ctx, Override{Key: key, Multipliers: Multipliers{RPM: 0.7, Feed: 1, DOC: 1, WOC: 1}, AcceptedBy: "b"}))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0.7, got.Multipliers.RPM)
	assert.Equal(t, "b", got.AcceptedBy)
}
