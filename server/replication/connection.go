package replication

import (
	"maps"
	"slices"

	"github.com/automoto/netsync/server/interest"
	"github.com/automoto/netsync/shared/protocol"
	"github.com/automoto/netsync/shared/tick"
)

type sentRecord struct {
	slot    protocol.Slot
	version protocol.Version
	despawn bool
}

type inFlight struct {
	tick    tick.Tick
	records []sentRecord
}

// AckResult summarizes one processed acknowledgement.
type AckResult struct {
	Acked int
	Lost  int
	Stale bool
}

// Connection is the replication bookkeeping for one client. It holds
// indices into the world, never world state, and is owned by the simulation
// goroutine.
type Connection struct {
	ID protocol.ConnID

	owned []protocol.EntityID

	// sent is raised optimistically on transmit, acked only on confirmation.
	sent  map[protocol.Slot]protocol.Version
	acked map[protocol.Slot]protocol.Version

	inflight    []inFlight
	despawnedAt map[protocol.EntityID]tick.Tick

	visible    interest.Set
	visibleAt  tick.Tick
	known      interest.Set
	pending    map[protocol.EntityID]tick.Tick
	accum      map[protocol.EntityID]float64
	lastAck    tick.Ack
	hasAck     bool
	lastResync tick.Tick
}

func NewConnection(id protocol.ConnID, now tick.Tick) *Connection {
	return &Connection{
		ID:          id,
		sent:        make(map[protocol.Slot]protocol.Version),
		acked:       make(map[protocol.Slot]protocol.Version),
		despawnedAt: make(map[protocol.EntityID]tick.Tick),
		known:       interest.NewSet(),
		pending:     make(map[protocol.EntityID]tick.Tick),
		accum:       make(map[protocol.EntityID]float64),
		lastResync:  now,
	}
}

// SetOwned replaces the entities this connection controls.
func (c *Connection) SetOwned(ids ...protocol.EntityID) {
	c.owned = slices.Clone(ids)
	slices.Sort(c.owned)
	c.visible = nil
}

func (c *Connection) Owned() []protocol.EntityID {
	return c.owned
}

func (c *Connection) Owns(id protocol.EntityID) bool {
	_, ok := slices.BinarySearch(c.owned, id)
	return ok
}

// Sent returns the last version transmitted for s.
func (c *Connection) Sent(s protocol.Slot) protocol.Version {
	return c.sent[s]
}

// Acked returns the last version the client confirmed for s.
func (c *Connection) Acked(s protocol.Slot) protocol.Version {
	return c.acked[s]
}

// Known reports whether the client currently holds id, as far as the server
// can tell.
func (c *Connection) Known(id protocol.EntityID) bool {
	return c.known.Has(id)
}

// KnownSet returns a copy of the entities the client holds.
func (c *Connection) KnownSet() interest.Set {
	return maps.Clone(c.known)
}

// PendingDespawn reports whether a despawn for id is waiting to be sent.
func (c *Connection) PendingDespawn(id protocol.EntityID) bool {
	_, ok := c.pending[id]
	return ok
}

// InFlight returns the number of unacknowledged snapshots being tracked.
func (c *Connection) InFlight() int {
	return len(c.inflight)
}

// LastAck returns the newest acknowledgement processed.
func (c *Connection) LastAck() (tick.Ack, bool) {
	return c.lastAck, c.hasAck
}

// Ack applies a client acknowledgement. Snapshots it confirms promote their
// versions to acked; snapshots at least lossAfter ticks older than its base
// that it does not confirm are treated as lost and their slots roll back.
// Acks older than the newest one seen are ignored.
func (c *Connection) Ack(a tick.Ack, lossAfter uint64) AckResult {
	if c.hasAck && a.Base < c.lastAck.Base {
		return AckResult{Stale: true}
	}
	c.lastAck = a
	c.hasAck = true

	var res AckResult
	keep := c.inflight[:0]
	for _, f := range c.inflight {
		switch {
		case a.Has(f.tick):
			c.promote(f)
			res.Acked++
		case f.tick < a.Base && a.Base.Since(f.tick) >= lossAfter:
			c.rollback(f)
			res.Lost++
		default:
			keep = append(keep, f)
		}
	}
	clear(c.inflight[len(keep):])
	c.inflight = keep
	return res
}

// expire treats snapshots older than window ticks as lost and drops stale
// despawn fences.
func (c *Connection) expire(now tick.Tick, window uint64) int {
	lost := 0
	keep := c.inflight[:0]
	for _, f := range c.inflight {
		if now.Since(f.tick) > window {
			c.rollback(f)
			lost++
			continue
		}
		keep = append(keep, f)
	}
	clear(c.inflight[len(keep):])
	c.inflight = keep

	for id, at := range c.despawnedAt {
		if now.Since(at) > window {
			delete(c.despawnedAt, id)
		}
	}
	return lost
}

// superseded reports whether a despawn of the record's entity was sent after
// the record, which makes the record meaningless to the client.
func (c *Connection) superseded(r sentRecord, at tick.Tick) bool {
	d, ok := c.despawnedAt[r.slot.Entity]
	return ok && d > at
}

func (c *Connection) promote(f inFlight) {
	for _, r := range f.records {
		if r.despawn || c.superseded(r, f.tick) {
			continue
		}
		if r.version > c.acked[r.slot] {
			c.acked[r.slot] = r.version
		}
	}
}

func (c *Connection) rollback(f inFlight) {
	for _, r := range f.records {
		if r.despawn {
			id := r.slot.Entity
			if !c.known.Has(id) && c.despawnedAt[id] == f.tick {
				c.pending[id] = f.tick
			}
			continue
		}
		if c.superseded(r, f.tick) {
			continue
		}
		if c.sent[r.slot] == r.version {
			c.setSent(r.slot, c.acked[r.slot])
		}
	}
}

func (c *Connection) setSent(s protocol.Slot, v protocol.Version) {
	if v == 0 {
		delete(c.sent, s)
		return
	}
	c.sent[s] = v
}

// ResetToAcked forgets every optimistic send so that all state the client
// has not confirmed is diffed again.
func (c *Connection) ResetToAcked(now tick.Tick) {
	c.sent = maps.Clone(c.acked)
	c.lastResync = now
}

// forgetEntity drops every slot version of id after a despawn.
func (c *Connection) forgetEntity(id protocol.EntityID, kinds []protocol.Kind, now tick.Tick) {
	for _, k := range kinds {
		s := protocol.Slot{Entity: id, Kind: k}
		delete(c.sent, s)
		delete(c.acked, s)
	}
	c.known.Remove(id)
	delete(c.pending, id)
	delete(c.accum, id)
	c.despawnedAt[id] = now
}
