// Package replication turns the authoritative world into per-connection
// snapshots: it tracks what each client has been sent and has confirmed,
// picks what to send within a byte budget and hands the encoded bytes to
// the transport.
package replication

import (
	"context"
	"time"

	"github.com/automoto/netsync/server/changes"
	"github.com/automoto/netsync/server/interest"
	"github.com/automoto/netsync/shared/protocol"
	"github.com/automoto/netsync/shared/snapshot"
	"github.com/automoto/netsync/shared/tick"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Config controls snapshot building.
type Config struct {
	// Budget is the maximum encoded snapshot size in bytes.
	Budget          int
	Compress        bool
	MinCompressSize int
	// FullSyncInterval is how often, in ticks, unconfirmed state is re-diffed.
	FullSyncInterval uint64
	// LossAfter is how far behind an ack's base an unconfirmed snapshot must
	// be before it is considered lost.
	LossAfter uint64
	// AckWindow is how long, in ticks, in-flight snapshots are retained.
	AckWindow uint64
	// TickBudget caps the time spent sending in one tick; connections left
	// over are served first on the next tick.
	TickBudget time.Duration
	// AccumulateIdle and AccumulateChanged are the priority gained per tick
	// by a candidate that was not sent, and extra when it changed.
	AccumulateIdle    float64
	AccumulateChanged float64
}

// MinBudget is the smallest usable snapshot budget.
const MinBudget = snapshot.HeaderSize + 48

func DefaultConfig() Config {
	return Config{
		Budget:            1200,
		Compress:          true,
		MinCompressSize:   128,
		FullSyncInterval:  90,
		LossAfter:         4,
		AckWindow:         tick.AckBits,
		TickBudget:        5 * time.Millisecond,
		AccumulateIdle:    1,
		AccumulateChanged: 4,
	}
}

// Source supplies encoded component payloads for the current tick.
type Source interface {
	Payload(s protocol.Slot) ([]byte, bool)
}

// Outbound is the send side of the transport.
type Outbound interface {
	Send(ctx context.Context, id protocol.ConnID, ch protocol.Channel, b []byte) error
}

// BuildStats describes one built snapshot.
type BuildStats struct {
	Records   int
	Despawns  int
	Bytes     int
	Deferred  int
	Oversized int
	Lost      int
	Resynced  bool
}

// TickStats aggregates one call to Tick.
type TickStats struct {
	Snapshots int
	Postponed int
	Records   int
	Bytes     int
	Deferred  int
	Oversized int
	Lost      int
	Errors    int
}

// Sender builds and transmits snapshots. It is owned by the simulation
// goroutine.
type Sender struct {
	cfg      Config
	reg      *protocol.Registry
	tracker  *changes.Tracker
	interest *interest.Manager
	source   Source
	out      Outbound
	log      zerolog.Logger

	clock func() time.Time
	next  int
}

func NewSender(cfg Config, reg *protocol.Registry, tracker *changes.Tracker, im *interest.Manager, source Source, out Outbound, log zerolog.Logger) (*Sender, error) {
	if cfg.Budget < MinBudget {
		return nil, eris.Errorf("snapshot budget %d is below the minimum of %d bytes", cfg.Budget, MinBudget)
	}
	if cfg.AckWindow == 0 {
		cfg.AckWindow = tick.AckBits
	}
	if cfg.LossAfter == 0 {
		cfg.LossAfter = 1
	}
	return &Sender{
		cfg:      cfg,
		reg:      reg,
		tracker:  tracker,
		interest: im,
		source:   source,
		out:      out,
		log:      log.With().Str("component", "sender").Logger(),
		clock:    time.Now,
	}, nil
}

func (s *Sender) Config() Config {
	return s.cfg
}

// Ack applies a client acknowledgement to c.
func (s *Sender) Ack(c *Connection, a tick.Ack) AckResult {
	return c.Ack(a, s.cfg.LossAfter)
}

// Tick builds and sends one snapshot per connection, starting where the
// previous call left off. If TickBudget runs out the remaining connections
// are postponed to the next call.
func (s *Sender) Tick(ctx context.Context, now tick.Tick, conns []*Connection) TickStats {
	var st TickStats
	n := len(conns)
	if n == 0 {
		return st
	}

	start := s.clock()
	first := s.next % n
	for i := 0; i < n; i++ {
		idx := (first + i) % n
		if i > 0 && s.cfg.TickBudget > 0 && s.clock().Sub(start) > s.cfg.TickBudget {
			st.Postponed = n - i
			s.next = idx
			s.log.Debug().Int("postponed", st.Postponed).Uint64("tick", uint64(now)).Msg("tick budget exhausted")
			return st
		}

		c := conns[idx]
		b, bs, err := s.Build(c, now)
		st.Lost += bs.Lost
		if err != nil {
			st.Errors++
			s.log.Error().Err(err).Uint64("conn", uint64(c.ID)).Msg("build snapshot")
			continue
		}
		st.Snapshots++
		st.Records += bs.Records
		st.Bytes += bs.Bytes
		st.Deferred += bs.Deferred
		st.Oversized += bs.Oversized

		if err := s.out.Send(ctx, c.ID, protocol.Unreliable, b); err != nil {
			st.Errors++
			s.log.Warn().Err(err).Uint64("conn", uint64(c.ID)).Msg("send snapshot")
		}
	}
	s.next = (first + 1) % n
	return st
}

// Build produces the encoded snapshot for c at now and records it as in
// flight. Bookkeeping is updated as if the snapshot will be delivered.
func (s *Sender) Build(c *Connection, now tick.Tick) ([]byte, BuildStats, error) {
	var bs BuildStats

	bs.Lost = c.expire(now, s.cfg.AckWindow)
	if s.cfg.FullSyncInterval > 0 && now.Since(c.lastResync) >= s.cfg.FullSyncInterval {
		c.ResetToAcked(now)
		bs.Resynced = true
	}

	visible := s.visibleSet(c, now)
	cands := s.despawnCandidates(c, visible, now)
	cands = append(cands, s.changeCandidates(c, visible, now)...)

	sel := s.interest.Select(cands, s.cfg.Budget)
	s.commit(c, sel, now)

	bs.Records = len(sel.Records)
	bs.Deferred = len(sel.Deferred)
	bs.Oversized = len(sel.Oversized)
	for _, r := range sel.Records {
		if r.IsDespawn() {
			bs.Despawns++
		}
	}
	if bs.Deferred > 0 || bs.Oversized > 0 {
		s.log.Debug().
			Uint64("conn", uint64(c.ID)).
			Uint64("tick", uint64(now)).
			Int("deferred", bs.Deferred).
			Int("oversized", bs.Oversized).
			Msg("snapshot truncated")
	}

	b, err := snapshot.Encode(snapshot.Snapshot{Tick: now, Records: sel.Records}, snapshot.Options{
		Compress:        s.cfg.Compress,
		MinCompressSize: s.cfg.MinCompressSize,
	})
	if err != nil {
		return nil, bs, eris.Wrapf(err, "encode snapshot for connection %d", c.ID)
	}
	bs.Bytes = len(b)
	return b, bs, nil
}

func (s *Sender) visibleSet(c *Connection, now tick.Tick) interest.Set {
	if c.visible == nil || s.interest.Due(c.visibleAt, now, true) {
		c.visible = s.interest.VisibleSet(c.owned, c.known, now)
		c.visibleAt = now
	}
	return c.visible
}

func (s *Sender) live(id protocol.EntityID, visible interest.Set) bool {
	return visible.Has(id) && !s.tracker.Destroyed(id)
}

// despawnCandidates queues a despawn for every entity the client holds that
// is no longer visible, and cancels queued despawns for entities that came
// back before the despawn went out.
func (s *Sender) despawnCandidates(c *Connection, visible interest.Set, now tick.Tick) []interest.Candidate {
	for id := range c.known {
		if !s.live(id, visible) {
			if _, ok := c.pending[id]; !ok {
				c.pending[id] = now
			}
		}
	}

	var out []interest.Candidate
	for id, queued := range c.pending {
		if s.live(id, visible) {
			delete(c.pending, id)
			continue
		}
		out = append(out, interest.Candidate{
			Entity: id,
			Tier:   interest.TierDespawn,
			Records: []snapshot.Record{{
				Entity:    id,
				Kind:      protocol.KindEntity,
				Version:   protocol.Version(queued) + 1,
				Tombstone: true,
			}},
		})
	}
	return out
}

func (s *Sender) changeCandidates(c *Connection, visible interest.Set, now tick.Tick) []interest.Candidate {
	var (
		out     []interest.Candidate
		changed []changes.Change
		records []snapshot.Record
	)
	boost := s.interest.Config().BoostTicks

	for _, id := range visible.Sorted() {
		if s.tracker.Destroyed(id) {
			continue
		}
		changed = s.tracker.EntityChanges(id, c.Sent, changed[:0])
		records = records[:0]
		recent := false

		for _, ch := range changed {
			if ch.Kind == protocol.KindEntity {
				continue
			}
			if ch.Tombstone {
				if c.sent[ch.Slot] == 0 {
					// The client never had this component.
					c.sent[ch.Slot] = ch.Version
					c.acked[ch.Slot] = ch.Version
					continue
				}
				records = append(records, snapshot.Record{Entity: id, Kind: ch.Kind, Version: ch.Version, Tombstone: true})
			} else {
				payload, ok := s.source.Payload(ch.Slot)
				if !ok {
					continue
				}
				records = append(records, snapshot.Record{Entity: id, Kind: ch.Kind, Version: ch.Version, Payload: payload})
			}
			if now.Since(ch.Tick) <= boost {
				recent = true
			}
		}
		if len(records) == 0 {
			continue
		}

		tier := interest.TierSpatial
		switch {
		case c.Owns(id):
			tier = interest.TierOwned
		case recent:
			tier = interest.TierChanged
		}
		dist := s.interest.DistanceSq(id, c.owned)

		units := interest.Units(id, records, s.reg.Group)
		for i := range units {
			units[i].Tier = tier
			units[i].DistanceSq = dist
			units[i].Accumulated = c.accum[id]
		}
		out = append(out, units...)
		if recent {
			c.accum[id] += s.cfg.AccumulateChanged
		}
	}
	return out
}

func (s *Sender) commit(c *Connection, sel interest.Selection, now tick.Tick) {
	kinds := s.reg.Kinds()
	var flight []sentRecord

	for _, cand := range sel.Sent {
		for _, r := range cand.Records {
			if r.IsDespawn() {
				c.forgetEntity(r.Entity, kinds, now)
				flight = append(flight, sentRecord{slot: r.Slot(), version: r.Version, despawn: true})
				continue
			}
			c.sent[r.Slot()] = r.Version
			c.known.Add(r.Entity)
			flight = append(flight, sentRecord{slot: r.Slot(), version: r.Version})
		}
		if cand.Tier != interest.TierDespawn {
			delete(c.accum, cand.Entity)
		}
	}

	for _, cand := range sel.Deferred {
		if cand.Tier != interest.TierDespawn {
			c.accum[cand.Entity] += s.cfg.AccumulateIdle
		}
	}

	for id := range c.accum {
		if !c.visible.Has(id) {
			delete(c.accum, id)
		}
	}

	if len(flight) > 0 {
		c.inflight = append(c.inflight, inFlight{tick: now, records: flight})
	}
}
