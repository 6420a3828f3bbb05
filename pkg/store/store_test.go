package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/steprunner/pkg/types"
)

// fakeFlusher records every batch handed to it, standing in for
// pkg/persist during unit tests.
type fakeFlusher struct {
	mu            sync.Mutex
	entityFlushes []struct {
		stepID, typ string
		batch       []types.Entity
	}
}

func (f *fakeFlusher) FlushEntities(stepID, typeName string, batch []types.Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entityFlushes = append(f.entityFlushes, struct {
		stepID, typ string
		batch       []types.Entity
	}{stepID, typeName, append([]types.Entity(nil), batch...)})
	return nil
}

func (f *fakeFlusher) FlushRelationships(string, string, []types.Relationship) error { return nil }

func entity(key, typ string) types.Entity {
	return types.Entity{GraphObject: types.GraphObject{Key: key, Type: typ, Class: []string{typ}}}
}

func TestStore_AddEntity_RejectsDuplicateKey(t *testing.T) {
	s := New(Config{})
	require.NoError(t, s.AddEntity("step-1", entity("k1", "demo_account")))

	err := s.AddEntity("step-1", entity("k1", "demo_account"))
	require.Error(t, err)
	var dupErr *types.ErrDuplicateKey
	require.ErrorAs(t, err, &dupErr)
}

func TestStore_AddEntity_FlushesAtThreshold(t *testing.T) {
	flusher := &fakeFlusher{}
	s := New(Config{FlushThreshold: 2, Flusher: flusher})

	require.NoError(t, s.AddEntity("step-1", entity("k1", "demo_account")))
	require.NoError(t, s.AddEntity("step-1", entity("k2", "demo_account")))

	flusher.mu.Lock()
	defer flusher.mu.Unlock()
	require.Len(t, flusher.entityFlushes, 1)
	assert.Len(t, flusher.entityFlushes[0].batch, 2)
}

func TestStore_FindEntity_MemoryHit(t *testing.T) {
	s := New(Config{})
	require.NoError(t, s.AddEntity("step-1", entity("k1", "demo_account")))

	found, err := s.FindEntity("k1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "k1", found.Key)
}

func TestStore_FindEntity_FallsBackToDiskOnceFlushed(t *testing.T) {
	flushed := entity("k1", "demo_account")
	disk := &stubDiskIndex{entities: map[string]types.Entity{"k1": flushed}}
	// Threshold 1 forces the add to flush immediately, emptying the
	// in-memory buffer while keyType still remembers k1's type.
	s := New(Config{FlushThreshold: 1, Flusher: &fakeFlusher{}, DiskIndex: disk})
	require.NoError(t, s.AddEntity("step-1", flushed))

	found, err := s.FindEntity("k1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "k1", found.Key)
}

func TestStore_FindEntity_UnknownKeyIsNil(t *testing.T) {
	s := New(Config{})
	found, err := s.FindEntity("nope")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestStore_EncounteredTypes_SurvivesFlush(t *testing.T) {
	flusher := &fakeFlusher{}
	s := New(Config{FlushThreshold: 1, Flusher: flusher})
	require.NoError(t, s.AddEntity("step-1", entity("k1", "demo_account")))

	assert.Equal(t, []string{"demo_account"}, s.EncounteredTypes("step-1"))
}

func TestStore_IterateEntities_SpansStepsAndIsDeterministic(t *testing.T) {
	s := New(Config{})
	require.NoError(t, s.AddEntity("step-b", entity("k2", "demo_account")))
	require.NoError(t, s.AddEntity("step-a", entity("k1", "demo_account")))

	var keys []string
	require.NoError(t, s.IterateEntities("demo_account", func(e types.Entity) error {
		keys = append(keys, e.Key)
		return nil
	}))
	assert.Equal(t, []string{"k1", "k2"}, keys)
}

type stubDiskIndex struct {
	entities map[string]types.Entity
}

func (d *stubDiskIndex) FindEntity(typeName, key string) (*types.Entity, bool, error) {
	e, ok := d.entities[key]
	if !ok {
		return nil, false, nil
	}
	return &e, true, nil
}
