// Package jobstate implements the Job State facade: a thin per-step
// wrapper over the shared Object Store that routes writes under the
// owning step, applies the invocation's beforeAdd hooks, and tracks
// each step's encounteredTypes.
package jobstate

import (
	"github.com/cuemby/steprunner/pkg/store"
	"github.com/cuemby/steprunner/pkg/types"
)

// Hooks are the invocation-config collaborators a JobState applies on
// every add.
type Hooks struct {
	BeforeAddEntity       func(types.Entity) (types.Entity, error)
	BeforeAddRelationship func(types.Relationship) (types.Relationship, error)
}

// JobState is a per-step facade over a shared *store.Store.
type JobState struct {
	stepID string
	store  *store.Store
	hooks  Hooks
}

// New builds a JobState scoped to stepID, writing through to the
// shared store.
func New(stepID string, s *store.Store, hooks Hooks) *JobState {
	return &JobState{stepID: stepID, store: s, hooks: hooks}
}

var _ types.JobState = (*JobState)(nil)

// AddEntity applies beforeAddEntity then routes e into the store
// under this step's ID.
func (j *JobState) AddEntity(e types.Entity) (types.Entity, error) {
	if j.hooks.BeforeAddEntity != nil {
		var err error
		e, err = j.hooks.BeforeAddEntity(e)
		if err != nil {
			return types.Entity{}, err
		}
	}
	if err := j.store.AddEntity(j.stepID, e); err != nil {
		return types.Entity{}, err
	}
	return e, nil
}

// AddEntities adds es one at a time. The first duplicate-key failure
// aborts the batch with every entity before it already admitted.
func (j *JobState) AddEntities(es []types.Entity) ([]types.Entity, error) {
	out := make([]types.Entity, 0, len(es))
	for _, e := range es {
		added, err := j.AddEntity(e)
		if err != nil {
			return out, err
		}
		out = append(out, added)
	}
	return out, nil
}

// AddRelationship applies beforeAddRelationship then routes r into
// the store under this step's ID.
func (j *JobState) AddRelationship(r types.Relationship) (types.Relationship, error) {
	if j.hooks.BeforeAddRelationship != nil {
		var err error
		r, err = j.hooks.BeforeAddRelationship(r)
		if err != nil {
			return types.Relationship{}, err
		}
	}
	if err := j.store.AddRelationship(j.stepID, r); err != nil {
		return types.Relationship{}, err
	}
	return r, nil
}

// AddRelationships is the batch form of AddRelationship, symmetric to
// AddEntities.
func (j *JobState) AddRelationships(rs []types.Relationship) ([]types.Relationship, error) {
	out := make([]types.Relationship, 0, len(rs))
	for _, r := range rs {
		added, err := j.AddRelationship(r)
		if err != nil {
			return out, err
		}
		out = append(out, added)
	}
	return out, nil
}

// FindEntity spans all prior steps' writes, both still-buffered and
// already flushed.
func (j *JobState) FindEntity(key string) (*types.Entity, error) {
	return j.store.FindEntity(key)
}

// IterateEntities spans all prior steps' writes for typeName.
func (j *JobState) IterateEntities(typeName string, fn func(types.Entity) error) error {
	return j.store.IterateEntities(typeName, fn)
}

// IterateRelationships spans all prior steps' writes for typeName.
func (j *JobState) IterateRelationships(typeName string, fn func(types.Relationship) error) error {
	return j.store.IterateRelationships(typeName, fn)
}

// EncounteredTypes is exactly the set of _types this step has
// successfully written so far.
func (j *JobState) EncounteredTypes() []string {
	return j.store.EncounteredTypes(j.stepID)
}
