package jobstate

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/steprunner/pkg/store"
	"github.com/cuemby/steprunner/pkg/types"
)

func entity(key, typ string) types.Entity {
	return types.Entity{GraphObject: types.GraphObject{Key: key, Type: typ, Class: []string{typ}}}
}

func TestJobState_AddEntity_RoutesUnderOwningStep(t *testing.T) {
	s := store.New(store.Config{})
	j := New("fetch-accounts", s, Hooks{})

	added, err := j.AddEntity(entity("k1", "demo_account"))
	require.NoError(t, err)
	assert.Equal(t, "k1", added.Key)
	assert.Equal(t, []string{"demo_account"}, j.EncounteredTypes())
}

func TestJobState_AddEntities_DuplicateKeyAbortsBatchButKeepsPriorSuccesses(t *testing.T) {
	s := store.New(store.Config{})
	j := New("fetch-accounts", s, Hooks{})

	added, err := j.AddEntities([]types.Entity{
		entity("k1", "demo_account"),
		entity("k2", "demo_account"),
		entity("k1", "demo_account"), // duplicate
		entity("k3", "demo_account"),
	})

	require.Error(t, err)
	var dupErr *types.ErrDuplicateKey
	require.ErrorAs(t, err, &dupErr)
	require.Len(t, added, 2)
	assert.Equal(t, "k1", added[0].Key)
	assert.Equal(t, "k2", added[1].Key)
}

func TestJobState_AddEntity_AppliesBeforeAddHook(t *testing.T) {
	s := store.New(store.Config{})
	hooks := Hooks{
		BeforeAddEntity: func(e types.Entity) (types.Entity, error) {
			e.Properties = map[string]any{"tagged": true}
			return e, nil
		},
	}
	j := New("fetch-accounts", s, hooks)

	added, err := j.AddEntity(entity("k1", "demo_account"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tagged": true}, added.Properties)
}

func TestJobState_AddEntity_HookErrorPropagates(t *testing.T) {
	s := store.New(store.Config{})
	hooks := Hooks{
		BeforeAddEntity: func(types.Entity) (types.Entity, error) {
			return types.Entity{}, fmt.Errorf("rejected by hook")
		},
	}
	j := New("fetch-accounts", s, hooks)

	_, err := j.AddEntity(entity("k1", "demo_account"))
	require.Error(t, err)
}

func TestJobState_AddRelationships_DuplicateKeyAbortsRemainder(t *testing.T) {
	s := store.New(store.Config{})
	j := New("fetch-users", s, Hooks{})

	rel := func(key string) types.Relationship {
		return types.Relationship{GraphObject: types.GraphObject{Key: key, Type: "demo_account_has_user"}}
	}

	added, err := j.AddRelationships([]types.Relationship{rel("r1"), rel("r1")})
	require.Error(t, err)
	require.Len(t, added, 1)
}

func TestJobState_FindEntity_SeesWritesFromOtherSteps(t *testing.T) {
	s := store.New(store.Config{})
	accounts := New("fetch-accounts", s, Hooks{})
	users := New("fetch-users", s, Hooks{})

	_, err := accounts.AddEntity(entity("k1", "demo_account"))
	require.NoError(t, err)

	found, err := users.FindEntity("k1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "k1", found.Key)
}

func TestJobState_IterateEntities_SeesAllSteps(t *testing.T) {
	s := store.New(store.Config{})
	a := New("fetch-accounts", s, Hooks{})
	b := New("fetch-more-accounts", s, Hooks{})

	_, err := a.AddEntity(entity("k1", "demo_account"))
	require.NoError(t, err)
	_, err = b.AddEntity(entity("k2", "demo_account"))
	require.NoError(t, err)

	var keys []string
	require.NoError(t, a.IterateEntities("demo_account", func(e types.Entity) error {
		keys = append(keys, e.Key)
		return nil
	}))
	assert.ElementsMatch(t, []string{"k1", "k2"}, keys)
}

func TestJobState_EncounteredTypes_IsScopedToOwnStep(t *testing.T) {
	s := store.New(store.Config{})
	a := New("fetch-accounts", s, Hooks{})
	b := New("fetch-users", s, Hooks{})

	_, err := a.AddEntity(entity("k1", "demo_account"))
	require.NoError(t, err)
	_, err = b.AddEntity(entity("k2", "demo_user"))
	require.NoError(t, err)

	assert.Equal(t, []string{"demo_account"}, a.EncounteredTypes())
	assert.Equal(t, []string{"demo_user"}, b.EncounteredTypes())
}
