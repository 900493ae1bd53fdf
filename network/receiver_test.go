package network

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/automoto/netsync/shared/netcomponents"
	"github.com/automoto/netsync/shared/protocol"
	"github.com/automoto/netsync/shared/snapshot"
	"github.com/automoto/netsync/shared/tick"
)

type snapBuilder struct {
	t   *testing.T
	reg *protocol.Registry
}

func newSnapBuilder(t *testing.T) *snapBuilder {
	t.Helper()
	reg, err := netcomponents.NewRegistry()
	require.NoError(t, err)
	return &snapBuilder{t: t, reg: reg}
}

func (b *snapBuilder) rec(id protocol.EntityID, kind protocol.Kind, v protocol.Version, value any) snapshot.Record {
	payload, err := b.reg.Encode(kind, value)
	require.NoError(b.t, err)
	return snapshot.Record{Entity: id, Kind: kind, Version: v, Payload: payload}
}

func (b *snapBuilder) pos(id protocol.EntityID, v protocol.Version, x float64) snapshot.Record {
	return b.rec(id, netcomponents.KindPosition, v, netcomponents.NetPositionData{X: x, Y: 10})
}

func (b *snapBuilder) health(id protocol.EntityID, v protocol.Version, hp int) snapshot.Record {
	return b.rec(id, netcomponents.KindHealth, v, netcomponents.NetHealthData{Current: hp, Max: 100})
}

func despawn(id protocol.EntityID, v protocol.Version) snapshot.Record {
	return snapshot.Record{Entity: id, Kind: protocol.KindEntity, Version: v, Tombstone: true}
}

func snap(t tick.Tick, records ...snapshot.Record) snapshot.Snapshot {
	return snapshot.Snapshot{Tick: t, Records: records}
}

type shadowDump map[protocol.Slot]struct {
	value   any
	version protocol.Version
}

func dump(s *Shadow) shadowDump {
	out := make(shadowDump)
	for _, id := range s.Entities() {
		e := s.entities[id]
		for kind, v := range e.versions {
			val, _ := s.Get(id, kind)
			out[protocol.Slot{Entity: id, Kind: kind}] = struct {
				value   any
				version protocol.Version
			}{val, v}
		}
	}
	return out
}

func TestReceiverAppliesRecords(t *testing.T) {
	b := newSnapBuilder(t)
	r := NewReceiver(b.reg, zerolog.Nop())

	res := r.Apply(snap(5, b.pos(7, 5, 32), b.health(7, 2, 90)))
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, []protocol.EntityID{7}, res.Spawned)
	assert.Len(t, res.Changed, 2)

	pos, ok := Value[netcomponents.NetPositionData](r.Shadow(), 7, netcomponents.KindPosition)
	require.True(t, ok)
	assert.Equal(t, 32.0, pos.X)
	assert.Equal(t, protocol.Version(5), r.Shadow().Version(protocol.Slot{Entity: 7, Kind: netcomponents.KindPosition}))
	assert.Equal(t, []protocol.Kind{netcomponents.KindPosition, netcomponents.KindHealth}, r.Shadow().Kinds(7))
	assert.Equal(t, tick.Tick(5), r.Latest())
}

func TestReceiverIsIdempotent(t *testing.T) {
	b := newSnapBuilder(t)
	r := NewReceiver(b.reg, zerolog.Nop())
	s := snap(5, b.pos(7, 5, 32), b.health(7, 2, 90), despawn(8, 6))

	r.Apply(s)
	before := dump(r.Shadow())

	res := r.Apply(s)
	assert.Zero(t, res.Applied)
	assert.Equal(t, 3, res.Stale)
	assert.Empty(t, res.Spawned)
	assert.Empty(t, res.Despawned)
	assert.Equal(t, before, dump(r.Shadow()))
}

func TestReceiverIsOrderIndependent(t *testing.T) {
	b := newSnapBuilder(t)
	snaps := []snapshot.Snapshot{
		snap(1, b.pos(7, 1, 10), b.health(7, 1, 100), b.pos(9, 1, 50)),
		snap(2, b.pos(7, 2, 11)),
		snap(3, b.pos(7, 3, 12), b.health(7, 3, 80), despawn(9, 3)),
		snap(4, b.pos(7, 4, 13)),
	}
	orders := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{1, 3, 0, 2},
		{2, 0, 3, 1},
	}

	var want shadowDump
	for _, order := range orders {
		r := NewReceiver(b.reg, zerolog.Nop())
		for _, i := range order {
			r.Apply(snaps[i])
		}
		got := dump(r.Shadow())
		if want == nil {
			want = got
			continue
		}
		assert.Equal(t, want, got, "order %v", order)
	}

	assert.Len(t, want, 2)
	pos := want[protocol.Slot{Entity: 7, Kind: netcomponents.KindPosition}]
	assert.Equal(t, protocol.Version(4), pos.version)
}

func TestReceiverDespawnFencesOlderSnapshots(t *testing.T) {
	b := newSnapBuilder(t)
	r := NewReceiver(b.reg, zerolog.Nop())

	r.Apply(snap(5, b.pos(7, 5, 32)))
	res := r.Apply(snap(6, despawn(7, 6)))
	assert.Equal(t, []protocol.EntityID{7}, res.Despawned)
	assert.False(t, r.Shadow().Has(7))

	// A delayed copy of an older snapshot must not resurrect it.
	res = r.Apply(snap(4, b.pos(7, 4, 30)))
	assert.Equal(t, 1, res.Stale)
	assert.False(t, r.Shadow().Has(7))

	// Coming back into view later is fine.
	res = r.Apply(snap(9, b.pos(7, 9, 40)))
	assert.Equal(t, []protocol.EntityID{7}, res.Spawned)
	assert.True(t, r.Shadow().Has(7))
}

func TestReceiverLateDespawnAfterRespawn(t *testing.T) {
	b := newSnapBuilder(t)
	r := NewReceiver(b.reg, zerolog.Nop())

	r.Apply(snap(9, b.pos(7, 9, 40)))
	res := r.Apply(snap(6, despawn(7, 6)))
	assert.Empty(t, res.Despawned)
	assert.True(t, r.Shadow().Has(7))
}

func TestReceiverDespawnBeforeSpawnRecords(t *testing.T) {
	b := newSnapBuilder(t)
	r := NewReceiver(b.reg, zerolog.Nop())

	r.Apply(snap(6, despawn(7, 6)))
	r.Apply(snap(5, b.pos(7, 5, 32)))
	assert.False(t, r.Shadow().Has(7))
}

func TestReceiverComponentTombstone(t *testing.T) {
	b := newSnapBuilder(t)
	r := NewReceiver(b.reg, zerolog.Nop())

	r.Apply(snap(1, b.pos(7, 1, 10), b.health(7, 1, 100)))
	res := r.Apply(snap(2, snapshot.Record{Entity: 7, Kind: netcomponents.KindHealth, Version: 2, Tombstone: true}))
	assert.Equal(t, 1, res.Removed)

	_, ok := r.Shadow().Get(7, netcomponents.KindHealth)
	assert.False(t, ok)
	assert.True(t, r.Shadow().Has(7))

	res = r.Apply(snap(1, b.health(7, 1, 100)))
	assert.Equal(t, 1, res.Stale)
	_, ok = r.Shadow().Get(7, netcomponents.KindHealth)
	assert.False(t, ok)
}

func TestReceiverSkipsUnknownKinds(t *testing.T) {
	b := newSnapBuilder(t)
	r := NewReceiver(b.reg, zerolog.Nop())

	unknown := snapshot.Record{Entity: 7, Kind: 99, Version: 1, Payload: []byte{1, 2, 3}}
	res := r.Apply(snap(1, unknown, b.pos(7, 1, 10)))
	assert.Equal(t, 1, res.Unknown)
	assert.Equal(t, 1, res.Applied)
}

func TestReceiverBadPayloadSkipsRecord(t *testing.T) {
	b := newSnapBuilder(t)
	r := NewReceiver(b.reg, zerolog.Nop())

	bad := snapshot.Record{Entity: 7, Kind: netcomponents.KindHealth, Version: 1, Payload: []byte{0xff}}
	res := r.Apply(snap(1, bad, b.pos(7, 1, 10)))
	assert.Equal(t, 1, res.Malformed)
	assert.Equal(t, 1, res.Applied)
	assert.Zero(t, r.Shadow().Version(protocol.Slot{Entity: 7, Kind: netcomponents.KindHealth}))
}

func TestReceiverRejectsBadPackets(t *testing.T) {
	b := newSnapBuilder(t)
	r := NewReceiver(b.reg, zerolog.Nop())

	_, err := r.Receive([]byte{1, 2, 3})
	assert.True(t, eris.Is(err, protocol.ErrMalformedSnapshot))

	good, err := snapshot.Encode(snap(3, b.pos(7, 1, 10)), snapshot.Options{})
	require.NoError(t, err)
	foreign := append([]byte(nil), good...)
	foreign[1] ^= 0xff
	_, err = r.Receive(foreign)
	assert.True(t, eris.Is(err, protocol.ErrProtocolMismatch))
	assert.Zero(t, r.Shadow().Len())
	_, ok := r.Ack()
	assert.False(t, ok)

	res, err := r.Receive(good)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
}

func TestReceiverAcks(t *testing.T) {
	b := newSnapBuilder(t)
	r := NewReceiver(b.reg, zerolog.Nop())
	r.Apply(snap(10))
	r.Apply(snap(12))
	r.Apply(snap(11))

	ack, ok := r.Ack()
	require.True(t, ok)
	assert.Equal(t, tick.Tick(12), ack.Base)
	assert.True(t, ack.Has(11))
	assert.True(t, ack.Has(10))
	assert.False(t, ack.Has(9))

	r.Reset()
	_, ok = r.Ack()
	assert.False(t, ok)
}
