// Package changes keeps per-slot version bookkeeping for the authoritative
// world. It answers which slots a connection has not seen yet and nothing
// else: it never touches the network or interest state.
package changes

import (
	"slices"
	"sort"

	"github.com/automoto/netsync/shared/protocol"
	"github.com/automoto/netsync/shared/tick"
)

// Change is the current state of one slot.
type Change struct {
	protocol.Slot
	Version   protocol.Version
	Tick      tick.Tick
	Tombstone bool
}

// VersionLookup returns the version of slot a connection already has, or 0.
type VersionLookup func(protocol.Slot) protocol.Version

type slot struct {
	version   protocol.Version
	tick      tick.Tick
	tombstone bool
}

type entry struct {
	kinds     []protocol.Kind
	slots     map[protocol.Kind]*slot
	changed   tick.Tick
	destroyed bool
}

// Tracker is owned by the simulation goroutine and is not safe for
// concurrent use.
type Tracker struct {
	now     tick.Tick
	entries map[protocol.EntityID]*entry
	ids     []protocol.EntityID
}

func NewTracker() *Tracker {
	return &Tracker{entries: make(map[protocol.EntityID]*entry)}
}

// SetTick sets the tick recorded by subsequent mutations.
func (t *Tracker) SetTick(now tick.Tick) {
	t.now = now
}

func (t *Tracker) Tick() tick.Tick {
	return t.now
}

func (t *Tracker) entry(id protocol.EntityID) *entry {
	if e, ok := t.entries[id]; ok {
		return e
	}
	e := &entry{slots: make(map[protocol.Kind]*slot)}
	t.entries[id] = e

	i, _ := slices.BinarySearch(t.ids, id)
	t.ids = slices.Insert(t.ids, i, id)
	return e
}

func (t *Tracker) bump(id protocol.EntityID, kind protocol.Kind, tombstone bool) protocol.Version {
	e := t.entry(id)
	s, ok := e.slots[kind]
	if !ok {
		s = &slot{}
		e.slots[kind] = s
		i, _ := slices.BinarySearch(e.kinds, kind)
		e.kinds = slices.Insert(e.kinds, i, kind)
	}
	s.version++
	s.tick = t.now
	s.tombstone = tombstone
	e.changed = t.now
	return s.version
}

// MarkDirty bumps the version of (id, kind) and returns it. Marks on a
// destroyed entity are ignored and return 0.
func (t *Tracker) MarkDirty(id protocol.EntityID, kind protocol.Kind) protocol.Version {
	if e, ok := t.entries[id]; ok && e.destroyed {
		return 0
	}
	return t.bump(id, kind, false)
}

// Remove records the removal of one component as a tombstone.
func (t *Tracker) Remove(id protocol.EntityID, kind protocol.Kind) protocol.Version {
	e, ok := t.entries[id]
	if !ok || e.destroyed {
		return 0
	}
	if s, ok := e.slots[kind]; !ok || s.tombstone {
		return 0
	}
	return t.bump(id, kind, true)
}

// Destroy tombstones every slot of id, including its entity record.
func (t *Tracker) Destroy(id protocol.EntityID) {
	e := t.entry(id)
	if e.destroyed {
		return
	}
	for _, k := range e.kinds {
		if !e.slots[k].tombstone {
			t.bump(id, k, true)
		}
	}
	t.bump(id, protocol.KindEntity, true)
	e.destroyed = true
}

// Destroyed reports whether id was destroyed and not yet forgotten.
func (t *Tracker) Destroyed(id protocol.EntityID) bool {
	e, ok := t.entries[id]
	return ok && e.destroyed
}

// Forget drops all bookkeeping for id.
func (t *Tracker) Forget(id protocol.EntityID) {
	if _, ok := t.entries[id]; !ok {
		return
	}
	delete(t.entries, id)
	if i, found := slices.BinarySearch(t.ids, id); found {
		t.ids = slices.Delete(t.ids, i, i+1)
	}
}

// Version returns the current version of s, or 0 if it was never marked.
func (t *Tracker) Version(s protocol.Slot) protocol.Version {
	if e, ok := t.entries[s.Entity]; ok {
		if sl, ok := e.slots[s.Kind]; ok {
			return sl.version
		}
	}
	return 0
}

// ChangedSince reports whether s has a version above v.
func (t *Tracker) ChangedSince(s protocol.Slot, v protocol.Version) bool {
	return t.Version(s) > v
}

// ChangedAt returns the tick of the most recent change to id.
func (t *Tracker) ChangedAt(id protocol.EntityID) (tick.Tick, bool) {
	e, ok := t.entries[id]
	if !ok {
		return 0, false
	}
	return e.changed, true
}

// ChangesSince returns every slot whose version exceeds the one reported by
// seen, ordered by ascending entity id, then kind.
func (t *Tracker) ChangesSince(seen VersionLookup) []Change {
	var out []Change
	for _, id := range t.ids {
		out = t.EntityChanges(id, seen, out)
	}
	return out
}

// EntityChanges appends the slots of id newer than seen to dst, in
// ascending kind order.
func (t *Tracker) EntityChanges(id protocol.EntityID, seen VersionLookup, dst []Change) []Change {
	e, ok := t.entries[id]
	if !ok {
		return dst
	}
	for _, k := range e.kinds {
		s := e.slots[k]
		sl := protocol.Slot{Entity: id, Kind: k}
		if s.version <= seen(sl) {
			continue
		}
		dst = append(dst, Change{Slot: sl, Version: s.version, Tick: s.tick, Tombstone: s.tombstone})
	}
	return dst
}

// Entities returns the tracked entity ids in ascending order.
func (t *Tracker) Entities() []protocol.EntityID {
	return slices.Clone(t.ids)
}

// Len returns the number of tracked entities.
func (t *Tracker) Len() int {
	return len(t.ids)
}

// SortChanges orders changes by entity id, then kind.
func SortChanges(c []Change) {
	sort.Slice(c, func(i, j int) bool { return c[i].Slot.Less(c[j].Slot) })
}
