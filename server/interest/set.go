package interest

import (
	"slices"

	"github.com/automoto/netsync/shared/protocol"
)

// Set is a set of entity ids.
type Set map[protocol.EntityID]struct{}

func NewSet(ids ...protocol.EntityID) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

func (s Set) Add(id protocol.EntityID) {
	s[id] = struct{}{}
}

func (s Set) Remove(id protocol.EntityID) {
	delete(s, id)
}

func (s Set) Has(id protocol.EntityID) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in ascending order.
func (s Set) Sorted() []protocol.EntityID {
	ids := make([]protocol.EntityID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
