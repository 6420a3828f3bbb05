package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/steprunner/pkg/types"
)

func entity(key, typ string) types.Entity {
	return types.Entity{GraphObject: types.GraphObject{Key: key, Type: typ, Class: []string{typ}}}
}

func TestLayout_FlushEntities_WritesGraphAndIndexCopies(t *testing.T) {
	root := t.TempDir()
	l := NewLayout(root, false)

	batch := []types.Entity{entity("k1", "demo_account")}
	require.NoError(t, l.FlushEntities("fetch-accounts", "demo_account", batch))

	var found *types.Entity
	require.NoError(t, l.WalkEntities("demo_account", func(e types.Entity) error {
		cp := e
		found = &cp
		return nil
	}))
	require.NotNil(t, found)
	assert.Equal(t, "k1", found.Key)
}

func TestFlushedFile_BrotliRoundTrip(t *testing.T) {
	root := t.TempDir()
	l := NewLayout(root, true)

	batch := []types.Entity{entity("k1", "demo_account"), entity("k2", "demo_account")}
	require.NoError(t, l.FlushEntities("fetch-accounts", "demo_account", batch))

	found, ok, err := l.FindEntity("demo_account", "k2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "k2", found.Key)
}

func TestLayout_FindEntity_UnknownKeyIsNotFound(t *testing.T) {
	root := t.TempDir()
	l := NewLayout(root, false)
	require.NoError(t, l.FlushEntities("fetch-accounts", "demo_account", []types.Entity{entity("k1", "demo_account")}))

	_, ok, err := l.FindEntity("demo_account", "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLayout_Reset_RemovesStalePriorFiles(t *testing.T) {
	root := t.TempDir()
	l := NewLayout(root, false)
	require.NoError(t, l.FlushEntities("fetch-accounts", "demo_account", []types.Entity{entity("k1", "demo_account")}))

	stale := filepath.Join(root, "graph", "fetch-accounts", "entities")
	entries, err := os.ReadDir(stale)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	require.NoError(t, l.Reset())

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))

	_, ok, err := l.FindEntity("demo_account", "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLayout_WalkRelationships_VisitsFlushedBatch(t *testing.T) {
	root := t.TempDir()
	l := NewLayout(root, false)

	rel := types.Relationship{GraphObject: types.GraphObject{Key: "r1", Type: "demo_account_has_user"}}
	require.NoError(t, l.FlushRelationships("fetch-users", "demo_account_has_user", []types.Relationship{rel}))

	var keys []string
	require.NoError(t, l.WalkRelationships("demo_account_has_user", func(r types.Relationship) error {
		keys = append(keys, r.Key)
		return nil
	}))
	assert.Equal(t, []string{"r1"}, keys)
}

func TestLayout_WalkGraphFiles_VisitsEveryFlushedFile(t *testing.T) {
	root := t.TempDir()
	l := NewLayout(root, false)

	require.NoError(t, l.FlushEntities("fetch-accounts", "demo_account", []types.Entity{entity("k1", "demo_account")}))
	require.NoError(t, l.FlushRelationships("fetch-users", "demo_account_has_user", []types.Relationship{
		{GraphObject: types.GraphObject{Key: "r1", Type: "demo_account_has_user"}},
	}))

	var kinds []string
	require.NoError(t, l.WalkGraphFiles(func(gf GraphFile) error {
		kinds = append(kinds, gf.Kind)
		return nil
	}))
	assert.ElementsMatch(t, []string{"entities", "relationships"}, kinds)
}

func TestLayout_WriteAndReadSummary_RoundTrip(t *testing.T) {
	root := t.TempDir()
	l := NewLayout(root, false)

	summary := types.RunSummary{
		IntegrationStepResults: []types.StepResult{{ID: "fetch-accounts", Status: types.StepStatusSuccess}},
	}
	require.NoError(t, l.WriteSummary(summary))

	got, err := l.ReadSummary()
	require.NoError(t, err)
	assert.Equal(t, summary, *got)
}
