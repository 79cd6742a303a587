// Package store holds the client-side replica of server entities: a set
// of keyed collections, one per entity kind, populated from the bootstrap
// snapshot and kept current by the event stream. It is read-mostly; all
// mutation funnels through the dispatcher and the bootstrap path.
package store

import (
	"errors"
	"fmt"
	"maps"
	"sync"
)

// Kind identifies one of the replica's collections. The set is closed:
// a wire type that does not map to a Kind is a protocol error, and an
// out-of-range Kind handed to the store is a programmer error.
type Kind int

const (
	KindTarget Kind = iota
	KindJob
	KindTask
	KindArchive
	KindStore
	KindAgent
	KindTenant
	KindSession
	kindCount
)

var kindNames = [...]string{
	KindTarget:  "target",
	KindJob:     "job",
	KindTask:    "task",
	KindArchive: "archive",
	KindStore:   "store",
	KindAgent:   "agent",
	KindTenant:  "tenant",
	KindSession: "session",
}

func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

func (k Kind) valid() bool { return k >= 0 && k < kindCount }

// ParseKind maps a wire-level type string to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown entity kind %q", s)
}

// Entity is a schemaless server object. Update semantics are a shallow
// merge keyed on field presence, so entities stay map-backed rather than
// being decoded into per-kind structs.
type Entity map[string]any

// UUID returns the entity's identifier, or "" when absent.
func (e Entity) UUID() string {
	s, _ := e["uuid"].(string)
	return s
}

// Str returns the named field as a string ("" when absent or non-string).
func (e Entity) Str(key string) string {
	s, _ := e[key].(string)
	return s
}

// Bool returns the named field as a bool (false when absent or non-bool).
func (e Entity) Bool(key string) bool {
	b, _ := e[key].(bool)
	return b
}

// ErrMissingUUID is returned by Insert and Update when the entity carries
// no uuid. The store is left unchanged; the caller decides how to recover.
var ErrMissingUUID = errors.New("entity has no uuid")

// UnsupportedQueryError is the panic value raised by Find for any query
// shape other than a point lookup by uuid. It signals a missing feature
// in the code, not a data condition, so it must not be swallowed.
type UnsupportedQueryError struct {
	Kind  Kind
	Query Entity
}

func (e *UnsupportedQueryError) Error() string {
	return fmt.Sprintf("unsupported %s query %v: only point lookup by uuid is implemented", e.Kind, e.Query)
}

// Store is the replica itself. One instance exists per authenticated
// session; it is constructed explicitly and passed to its consumers
// rather than living as a package-level global. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	data [kindCount]map[string]Entity
}

// New returns an empty Store.
func New() *Store {
	s := &Store{}
	s.reset()
	return s
}

func (s *Store) reset() {
	for k := range s.data {
		s.data[k] = make(map[string]Entity)
	}
}

func mustValid(k Kind) {
	if !k.valid() {
		panic(fmt.Sprintf("invalid entity kind %d", int(k)))
	}
}

// Insert adds or wholesale-replaces the entity keyed by its uuid. No
// fields carry over from a previous version.
func (s *Store) Insert(kind Kind, e Entity) error {
	mustValid(kind)
	uuid := e.UUID()
	if uuid == "" {
		return ErrMissingUUID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[kind][uuid] = maps.Clone(e)
	return nil
}

// Update shallow-merges the entity into the stored version: fields
// present in e overwrite or add, absent fields are preserved. Updating a
// uuid the store has never seen behaves exactly like Insert.
func (s *Store) Update(kind Kind, e Entity) error {
	mustValid(kind)
	uuid := e.UUID()
	if uuid == "" {
		return ErrMissingUUID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.data[kind][uuid]
	if !ok {
		s.data[kind][uuid] = maps.Clone(e)
		return nil
	}
	for k, v := range e {
		prev[k] = v
	}
	return nil
}

// Delete removes the entity keyed by e's uuid. Deleting an absent uuid
// is a no-op.
func (s *Store) Delete(kind Kind, e Entity) {
	mustValid(kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[kind], e.UUID())
}

// Find performs a point lookup. The query must be exactly {uuid: ...};
// any other shape panics with *UnsupportedQueryError. Returns nil when
// the uuid is not present. The result is a copy; mutating it does not
// touch the replica.
func (s *Store) Find(kind Kind, query Entity) Entity {
	mustValid(kind)
	uuid, ok := query["uuid"].(string)
	if !ok || len(query) != 1 {
		panic(&UnsupportedQueryError{Kind: kind, Query: query})
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[kind][uuid]
	if !ok {
		return nil
	}
	return maps.Clone(e)
}

// Get is Find by bare uuid.
func (s *Store) Get(kind Kind, uuid string) Entity {
	return s.Find(kind, Entity{"uuid": uuid})
}

// All returns copies of every entity in the collection, in no particular
// order. Results are snapshots: valid regardless of later mutation.
func (s *Store) All(kind Kind) []Entity {
	mustValid(kind)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entity, 0, len(s.data[kind]))
	for _, e := range s.data[kind] {
		out = append(out, maps.Clone(e))
	}
	return out
}

// Count returns the number of entities in the collection.
func (s *Store) Count(kind Kind) int {
	mustValid(kind)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[kind])
}

// AppendTaskLog appends a tail fragment to the named task's log,
// creating an empty log first if the task has none. Fragments are
// applied in arrival order; the stream carries no sequence numbers, so
// redelivery or reordering by the transport would corrupt the log.
// Returns false when the task is unknown.
func (s *Store) AppendTaskLog(uuid, tail string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.data[KindTask][uuid]
	if !ok {
		return false
	}
	log, _ := task["log"].(string)
	task["log"] = log + tail
	return true
}

// Clear drops every collection. Called exactly once before each fresh
// snapshot application so no entity from a prior session epoch survives.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}
