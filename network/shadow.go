package network

import (
	"slices"

	"github.com/automoto/netsync/shared/protocol"
	"github.com/automoto/netsync/shared/tick"
)

type shadowEntity struct {
	values   map[protocol.Kind]any
	versions map[protocol.Kind]protocol.Version
	// seen is the newest snapshot tick that applied a record here.
	seen tick.Tick
}

// Shadow is the client's copy of replicated server state: decoded
// component values and the version applied for every slot.
type Shadow struct {
	entities map[protocol.EntityID]*shadowEntity
}

func NewShadow() *Shadow {
	return &Shadow{entities: make(map[protocol.EntityID]*shadowEntity)}
}

// Get returns the decoded value of a component.
func (s *Shadow) Get(id protocol.EntityID, kind protocol.Kind) (any, bool) {
	e, ok := s.entities[id]
	if !ok {
		return nil, false
	}
	v, ok := e.values[kind]
	return v, ok
}

// Value is Get with a type assertion.
func Value[T any](s *Shadow, id protocol.EntityID, kind protocol.Kind) (T, bool) {
	v, ok := s.Get(id, kind)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Version returns the applied version of a slot, 0 if none.
func (s *Shadow) Version(slot protocol.Slot) protocol.Version {
	e, ok := s.entities[slot.Entity]
	if !ok {
		return 0
	}
	return e.versions[slot.Kind]
}

func (s *Shadow) Has(id protocol.EntityID) bool {
	_, ok := s.entities[id]
	return ok
}

// Kinds returns the kinds with a live value on id, sorted.
func (s *Shadow) Kinds(id protocol.EntityID) []protocol.Kind {
	e, ok := s.entities[id]
	if !ok {
		return nil
	}
	kinds := make([]protocol.Kind, 0, len(e.values))
	for k := range e.values {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Entities returns every known entity id, sorted.
func (s *Shadow) Entities() []protocol.EntityID {
	ids := make([]protocol.EntityID, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Shadow) Len() int {
	return len(s.entities)
}

func (s *Shadow) entity(id protocol.EntityID) (*shadowEntity, bool) {
	if e, ok := s.entities[id]; ok {
		return e, false
	}
	e := &shadowEntity{
		values:   make(map[protocol.Kind]any),
		versions: make(map[protocol.Kind]protocol.Version),
	}
	s.entities[id] = e
	return e, true
}

func (s *Shadow) remove(id protocol.EntityID) {
	delete(s.entities, id)
}
