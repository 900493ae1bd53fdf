package network

import (
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/automoto/netsync/shared/protocol"
	"github.com/automoto/netsync/shared/snapshot"
	"github.com/automoto/netsync/shared/tick"
)

// fenceRetention is how long a despawn fence outlives its tick.
const fenceRetention = 4 * tick.AckBits

// ApplyResult summarizes one applied snapshot.
type ApplyResult struct {
	Tick tick.Tick
	// Applied counts component values written.
	Applied int
	// Removed counts component tombstones applied.
	Removed int
	// Stale counts records older than what the shadow already holds.
	Stale int
	// Unknown counts records of unregistered kinds, which are skipped.
	Unknown int
	// Malformed counts records whose payload failed to decode.
	Malformed int
	Spawned   []protocol.EntityID
	Despawned []protocol.EntityID
	Changed   []protocol.Slot
}

// Receiver applies snapshots to a Shadow. Applying is idempotent and
// independent of arrival order: a record only lands if its version beats
// the slot's applied version, and a despawn fences off older snapshots so
// they cannot bring the entity back.
type Receiver struct {
	reg      *protocol.Registry
	shadow   *Shadow
	receipts tick.Receipts
	fences   map[protocol.EntityID]tick.Tick
	latest   tick.Tick
	log      zerolog.Logger
}

func NewReceiver(reg *protocol.Registry, log zerolog.Logger) *Receiver {
	return &Receiver{
		reg:    reg,
		shadow: NewShadow(),
		fences: make(map[protocol.EntityID]tick.Tick),
		log:    log,
	}
}

func (r *Receiver) Shadow() *Shadow {
	return r.shadow
}

// Latest returns the newest snapshot tick received.
func (r *Receiver) Latest() tick.Tick {
	return r.latest
}

// Ack returns the acknowledgement for every snapshot received so far.
func (r *Receiver) Ack() (tick.Ack, bool) {
	return r.receipts.Ack()
}

// Receive decodes b and applies it. Decode failures are returned wrapping
// protocol.ErrMalformedSnapshot or protocol.ErrProtocolMismatch and leave
// the shadow untouched.
func (r *Receiver) Receive(b []byte) (ApplyResult, error) {
	s, err := snapshot.Decode(b, protocol.ProtocolVersion)
	if err != nil {
		return ApplyResult{}, eris.Wrap(err, "receive snapshot")
	}
	return r.Apply(s), nil
}

// Apply merges s into the shadow.
func (r *Receiver) Apply(s snapshot.Snapshot) ApplyResult {
	res := ApplyResult{Tick: s.Tick}
	r.receipts.Record(s.Tick)
	if s.Tick > r.latest {
		r.latest = s.Tick
	}

	for _, rec := range s.Records {
		if rec.IsDespawn() {
			if r.despawn(rec.Entity, s.Tick) {
				res.Despawned = append(res.Despawned, rec.Entity)
			} else {
				res.Stale++
			}
			continue
		}
		if fence, ok := r.fences[rec.Entity]; ok && s.Tick <= fence {
			res.Stale++
			continue
		}
		if _, ok := r.reg.Lookup(rec.Kind); !ok {
			res.Unknown++
			continue
		}

		if cur := r.shadow.Version(rec.Slot()); rec.Version <= cur {
			res.Stale++
			continue
		}

		var value any
		if !rec.Tombstone {
			v, err := r.reg.Decode(rec.Kind, rec.Payload)
			if err != nil {
				r.log.Warn().Err(err).Str("slot", rec.Slot().String()).Msg("dropping record")
				res.Malformed++
				continue
			}
			value = v
		}

		e, created := r.shadow.entity(rec.Entity)
		if created {
			res.Spawned = append(res.Spawned, rec.Entity)
		}
		e.versions[rec.Kind] = rec.Version
		if rec.Tombstone {
			delete(e.values, rec.Kind)
			res.Removed++
		} else {
			e.values[rec.Kind] = value
			res.Applied++
		}
		if s.Tick > e.seen {
			e.seen = s.Tick
		}
		res.Changed = append(res.Changed, rec.Slot())
	}

	r.pruneFences()
	return res
}

// despawn removes id as of t unless a newer snapshot already updated it or
// an equal or newer despawn was applied.
func (r *Receiver) despawn(id protocol.EntityID, t tick.Tick) bool {
	if fence, ok := r.fences[id]; ok && t <= fence {
		return false
	}
	if e, ok := r.shadow.entities[id]; ok && e.seen > t {
		return false
	}
	r.fences[id] = t
	if !r.shadow.Has(id) {
		return false
	}
	r.shadow.remove(id)
	return true
}

func (r *Receiver) pruneFences() {
	if r.latest < fenceRetention {
		return
	}
	horizon := r.latest - fenceRetention
	for id, t := range r.fences {
		if t < horizon {
			delete(r.fences, id)
		}
	}
}

// Reset forgets all replicated state and receipts.
func (r *Receiver) Reset() {
	r.shadow = NewShadow()
	r.receipts.Reset()
	clear(r.fences)
	r.latest = 0
}
