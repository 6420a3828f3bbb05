// Package store implements the buffered, type-indexed Object Store:
// the in-memory staging area entities and relationships pass through
// before being flushed to disk by pkg/persist.
package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/steprunner/pkg/schemavalidator"
	"github.com/cuemby/steprunner/pkg/types"
)

// DefaultFlushThreshold is the buffered-item count at which Add*
// triggers an automatic flush.
const DefaultFlushThreshold = 500

// Flusher is called with everything currently buffered for one type
// whenever the threshold is crossed or Flush is called explicitly,
// with one method per kind (entities, relationships).
type Flusher interface {
	FlushEntities(stepID, typeName string, batch []types.Entity) error
	FlushRelationships(stepID, typeName string, batch []types.Relationship) error
}

// DiskIndex is consulted by FindEntity once a type's buffer has been
// flushed and the entity is no longer resident in memory: the
// Persistence Layer's on-disk `_key -> _type` index plus the owning
// flushed file.
type DiskIndex interface {
	FindEntity(typeName, key string) (*types.Entity, bool, error)
}

// DiskWalker replays previously flushed objects of one type, in the
// order they were originally flushed, so Iterate* can present a
// single stream spanning both disk and the still-buffered tail.
type DiskWalker interface {
	WalkEntities(typeName string, fn func(types.Entity) error) error
	WalkRelationships(typeName string, fn func(types.Relationship) error) error
}

// Config configures a Store.
type Config struct {
	FlushThreshold  int
	Flusher         Flusher
	DiskIndex       DiskIndex
	DiskWalker      DiskWalker
	Validator       schemavalidator.Validator
	ValidateEnabled func() bool
}

// Store is the process-wide buffered object store for one run. It is
// safe for concurrent use by multiple steps.
type Store struct {
	mu sync.Mutex

	threshold  int
	flusher    Flusher
	diskIndex  DiskIndex
	diskWalker DiskWalker
	validator  schemavalidator.Validator
	enabled    func() bool

	// entities/relationships are bucketed by (stepID, typeName) since
	// a flush always writes one step's one type to one file.
	entities      map[bucketKey][]types.Entity
	relationships map[bucketKey][]types.Relationship

	// keyType indexes every entity key seen this run to its type, for
	// O(1) duplicate detection and cross-step FindEntity lookups.
	keyType map[string]string
	// relKeys indexes every relationship key seen this run, so a
	// repeated key is rejected the same way a repeated entity key is.
	relKeys map[string]struct{}

	flushedEntityCount       int
	flushedRelationshipCount int

	// encountered tracks every (stepID, typ) bucket that has ever
	// admitted at least one object, independent of current buffer occupancy
	// (a flush empties the buffer but the type was still encountered).
	encountered map[bucketKey]struct{}
}

type bucketKey struct {
	stepID string
	typ    string
}

// New builds a Store. A nil Flusher means Add* never flushes, useful
// for tests that only need the buffering/dedup behavior.
func New(cfg Config) *Store {
	threshold := cfg.FlushThreshold
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}
	enabled := cfg.ValidateEnabled
	if enabled == nil {
		enabled = func() bool { return false }
	}
	return &Store{
		threshold:     threshold,
		flusher:       cfg.Flusher,
		diskIndex:     cfg.DiskIndex,
		diskWalker:    cfg.DiskWalker,
		validator:     cfg.Validator,
		enabled:       enabled,
		entities:      make(map[bucketKey][]types.Entity),
		relationships: make(map[bucketKey][]types.Relationship),
		keyType:       make(map[string]string),
		relKeys:       make(map[string]struct{}),
		encountered:   make(map[bucketKey]struct{}),
	}
}

// AddEntity buffers e under stepID, enforcing a unique key within the
// run. Returns an error without buffering on duplicate key.
func (s *Store) AddEntity(stepID string, e types.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addEntityLocked(stepID, e)
}

func (s *Store) addEntityLocked(stepID string, e types.Entity) error {
	if _, exists := s.keyType[e.Key]; exists {
		return &types.ErrDuplicateKey{Key: e.Key}
	}
	if s.validator != nil && s.enabled() {
		if err := s.validator.Validate(e.Class, e.Type, e.Properties); err != nil {
			return err
		}
	}
	s.keyType[e.Key] = e.Type
	bk := bucketKey{stepID: stepID, typ: e.Type}
	s.encountered[bk] = struct{}{}
	s.entities[bk] = append(s.entities[bk], e)
	return s.maybeFlushEntitiesLocked(bk)
}

// AddRelationship buffers r under stepID, enforcing a unique key
// within the run, the same way AddEntity does.
func (s *Store) AddRelationship(stepID string, r types.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.relKeys[r.Key]; exists {
		return &types.ErrDuplicateKey{Key: r.Key}
	}
	if s.validator != nil && s.enabled() {
		if err := s.validator.Validate(r.Class, r.Type, r.Properties); err != nil {
			return err
		}
	}
	s.relKeys[r.Key] = struct{}{}
	bk := bucketKey{stepID: stepID, typ: r.Type}
	s.encountered[bk] = struct{}{}
	s.relationships[bk] = append(s.relationships[bk], r)
	return s.maybeFlushRelationshipsLocked(bk)
}

func (s *Store) maybeFlushEntitiesLocked(bk bucketKey) error {
	if len(s.entities[bk]) < s.threshold {
		return nil
	}
	return s.flushEntitiesLocked(bk)
}

func (s *Store) maybeFlushRelationshipsLocked(bk bucketKey) error {
	if len(s.relationships[bk]) < s.threshold {
		return nil
	}
	return s.flushRelationshipsLocked(bk)
}

func (s *Store) flushEntitiesLocked(bk bucketKey) error {
	batch := s.entities[bk]
	if len(batch) == 0 || s.flusher == nil {
		return nil
	}
	if err := s.flusher.FlushEntities(bk.stepID, bk.typ, batch); err != nil {
		return fmt.Errorf("store: flushing entities for step %q type %q: %w", bk.stepID, bk.typ, err)
	}
	s.flushedEntityCount += len(batch)
	s.entities[bk] = nil
	return nil
}

func (s *Store) flushRelationshipsLocked(bk bucketKey) error {
	batch := s.relationships[bk]
	if len(batch) == 0 || s.flusher == nil {
		return nil
	}
	if err := s.flusher.FlushRelationships(bk.stepID, bk.typ, batch); err != nil {
		return fmt.Errorf("store: flushing relationships for step %q type %q: %w", bk.stepID, bk.typ, err)
	}
	s.flushedRelationshipCount += len(batch)
	s.relationships[bk] = nil
	return nil
}

// Flush forces every non-empty buffer to the Flusher, regardless of
// threshold. The scheduler calls it once per step at step completion.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for bk := range s.entities {
		if err := s.flushEntitiesLocked(bk); err != nil {
			return err
		}
	}
	for bk := range s.relationships {
		if err := s.flushRelationshipsLocked(bk); err != nil {
			return err
		}
	}
	return nil
}

// FindEntity looks up an entity by key across every step's buffer
// (not yet flushed) seen so far this run. Once a bucket has been
// flushed its entities are no longer resident in memory, so FindEntity
// falls through to the on-disk index, consulting memory first and
// disk only once memory is exhausted.
func (s *Store) FindEntity(key string) (*types.Entity, error) {
	s.mu.Lock()
	typ, ok := s.keyType[key]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	for bk, batch := range s.entities {
		if bk.typ != typ {
			continue
		}
		for _, e := range batch {
			if e.Key == key {
				cp := e
				s.mu.Unlock()
				return &cp, nil
			}
		}
	}
	diskIndex := s.diskIndex
	s.mu.Unlock()

	if diskIndex == nil {
		return nil, nil
	}
	e, found, err := diskIndex.FindEntity(typ, key)
	if err != nil {
		return nil, fmt.Errorf("store: consulting on-disk index for key %q: %w", key, err)
	}
	if !found {
		return nil, nil
	}
	return e, nil
}

// IterateEntities calls fn for every entity of typeName across the
// whole run so far: previously flushed entities (read back through
// the DiskWalker, in original flush order) followed by the
// still-buffered tail, across all steps, in deterministic
// (stepID-sorted) order within the buffered tail.
func (s *Store) IterateEntities(typeName string, fn func(types.Entity) error) error {
	if s.diskWalker != nil {
		if err := s.diskWalker.WalkEntities(typeName, fn); err != nil {
			return fmt.Errorf("store: walking flushed entities of type %q: %w", typeName, err)
		}
	}

	s.mu.Lock()
	var keys []bucketKey
	for bk := range s.entities {
		if bk.typ == typeName {
			keys = append(keys, bk)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].stepID < keys[j].stepID })
	batches := make([][]types.Entity, len(keys))
	for i, bk := range keys {
		batches[i] = append([]types.Entity(nil), s.entities[bk]...)
	}
	s.mu.Unlock()

	for _, batch := range batches {
		for _, e := range batch {
			if err := fn(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// IterateRelationships calls fn for every relationship of typeName
// across the whole run so far, flushed-then-buffered, the same way
// IterateEntities does.
func (s *Store) IterateRelationships(typeName string, fn func(types.Relationship) error) error {
	if s.diskWalker != nil {
		if err := s.diskWalker.WalkRelationships(typeName, fn); err != nil {
			return fmt.Errorf("store: walking flushed relationships of type %q: %w", typeName, err)
		}
	}

	s.mu.Lock()
	var keys []bucketKey
	for bk := range s.relationships {
		if bk.typ == typeName {
			keys = append(keys, bk)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].stepID < keys[j].stepID })
	batches := make([][]types.Relationship, len(keys))
	for i, bk := range keys {
		batches[i] = append([]types.Relationship(nil), s.relationships[bk]...)
	}
	s.mu.Unlock()

	for _, batch := range batches {
		for _, r := range batch {
			if err := fn(r); err != nil {
				return err
			}
		}
	}
	return nil
}

// EncounteredTypes returns every distinct entity/relationship _type
// added so far this run, for a given stepID.
func (s *Store) EncounteredTypes(stepID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for bk := range s.encountered {
		if bk.stepID == stepID {
			seen[bk.typ] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
