package systems

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yohamta/donburi"

	"github.com/automoto/netsync/components"
	"github.com/automoto/netsync/network"
	"github.com/automoto/netsync/shared/netcomponents"
	"github.com/automoto/netsync/shared/protocol"
	"github.com/automoto/netsync/shared/sim"
	"github.com/automoto/netsync/shared/snapshot"
	"github.com/automoto/netsync/shared/tick"
)

type fakeSource struct {
	t        *testing.T
	reg      *protocol.Registry
	receiver *network.Receiver
	owned    map[protocol.EntityID]bool
	names    map[protocol.EntityID]string
	version  protocol.Version
}

func newFakeSource(t *testing.T) *fakeSource {
	t.Helper()
	reg, err := netcomponents.NewRegistry()
	require.NoError(t, err)
	return &fakeSource{
		t:        t,
		reg:      reg,
		receiver: network.NewReceiver(reg, zerolog.Nop()),
		owned:    make(map[protocol.EntityID]bool),
		names:    make(map[protocol.EntityID]string),
	}
}

func (f *fakeSource) Shadow() *network.Shadow { return f.receiver.Shadow() }

func (f *fakeSource) Owns(id protocol.EntityID) bool { return f.owned[id] }

func (f *fakeSource) PlayerName(id protocol.EntityID) (string, bool) {
	n, ok := f.names[id]
	return n, ok
}

func (f *fakeSource) rec(id protocol.EntityID, kind protocol.Kind, v any) snapshot.Record {
	f.version++
	payload, err := f.reg.Encode(kind, v)
	require.NoError(f.t, err)
	return snapshot.Record{Entity: id, Kind: kind, Version: f.version, Payload: payload}
}

// move applies a snapshot moving id to (x, y) and returns the frame the
// client would have produced.
func (f *fakeSource) move(t tick.Tick, id protocol.EntityID, x, y, speedX float64, hp int) network.Frame {
	res := f.receiver.Apply(snapshot.Snapshot{Tick: t, Records: []snapshot.Record{
		f.rec(id, netcomponents.KindPosition, netcomponents.NetPositionData{X: x, Y: y}),
		f.rec(id, netcomponents.KindVelocity, netcomponents.NetVelocityData{SpeedX: speedX}),
		f.rec(id, netcomponents.KindPlayerState, netcomponents.NetPlayerStateData{StateID: netcomponents.Running, Direction: 1}),
		f.rec(id, netcomponents.KindHealth, netcomponents.NetHealthData{Current: hp, Max: 100}),
	}})
	return network.Frame{Tick: t, Snapshots: []network.ApplyResult{res}, Predicted: map[protocol.EntityID]sim.Avatar{}}
}

func display(t *testing.T, s *NetSync, w donburi.World, id protocol.EntityID) components.DisplayData {
	t.Helper()
	entry, ok := s.Entry(w, id)
	require.True(t, ok)
	return components.Display.GetValue(entry)
}

func TestNetSyncInterpolatesRemoteEntities(t *testing.T) {
	src := newFakeSource(t)
	src.names[7] = "bob"
	w := donburi.NewWorld()
	sync := NewNetSync(src, 2, 6)
	interp := NewNetInterpSystem(func() int { return 30 }, 60)

	sync.Apply(w, src.move(1, 7, 100, 50, 1, 100))
	UpdateNetCorrections(w)
	d := display(t, sync, w, 7)
	assert.Equal(t, 100.0, d.X)
	assert.Equal(t, netcomponents.Running, d.State)

	entry, _ := sync.Entry(w, 7)
	assert.Equal(t, "bob", components.NetEntity.Get(entry).Name)
	assert.False(t, components.NetEntity.Get(entry).Local)

	sync.Apply(w, src.move(2, 7, 110, 50, 1, 100))
	UpdateNetCorrections(w)
	assert.Equal(t, 100.0, display(t, sync, w, 7).X)

	// Half a tick per frame at 30 Hz ticks and 60 Hz frames.
	interp(w)
	UpdateNetCorrections(w)
	assert.InDelta(t, 105.0, display(t, sync, w, 7).X, 1e-9)

	interp(w)
	UpdateNetCorrections(w)
	assert.InDelta(t, 110.0, display(t, sync, w, 7).X, 1e-9)

	// Past the target the entity is extrapolated along its velocity, for at
	// most one tick.
	for i := 0; i < 6; i++ {
		interp(w)
	}
	UpdateNetCorrections(w)
	assert.InDelta(t, 112.0, display(t, sync, w, 7).X, 1e-9)
}

func TestNetSyncFollowsPredictionForOwnedEntities(t *testing.T) {
	src := newFakeSource(t)
	src.owned[3] = true
	w := donburi.NewWorld()
	sync := NewNetSync(src, 2, 4)

	f := src.move(1, 3, 100, 50, 0, 100)
	f.Predicted[3] = sim.Avatar{X: 104, Y: 50, SpeedX: 2, OnGround: true, Direction: 1}
	sync.Apply(w, f)
	UpdateNetCorrections(w)

	d := display(t, sync, w, 3)
	assert.Equal(t, 104.0, d.X)
	assert.Equal(t, netcomponents.Running, d.State)
	entry, _ := sync.Entry(w, 3)
	assert.True(t, components.NetEntity.Get(entry).Local)
	assert.False(t, entry.HasComponent(components.NetInterp))
}

func TestNetSyncEasesCorrections(t *testing.T) {
	src := newFakeSource(t)
	src.owned[3] = true
	w := donburi.NewWorld()
	sync := NewNetSync(src, 2, 4)

	f := src.move(1, 3, 100, 50, 0, 100)
	f.Predicted[3] = sim.Avatar{X: 90, Y: 50}
	f.Corrections = []network.AvatarCorrection{{
		Entity:     3,
		Correction: network.Correction[sim.Avatar]{Tick: 1, From: sim.Avatar{X: 110, Y: 50}, To: sim.Avatar{X: 90, Y: 50}},
	}}
	sync.Apply(w, f)

	entry, _ := sync.Entry(w, 3)
	require.True(t, entry.HasComponent(components.NetCorrection))

	var xs []float64
	for i := 0; i < 4; i++ {
		UpdateNetCorrections(w)
		xs = append(xs, display(t, sync, w, 3).X)
	}
	// Starts near the old prediction and settles on the corrected one.
	assert.Greater(t, xs[0], 90.0)
	for i := 1; i < len(xs); i++ {
		assert.LessOrEqual(t, xs[i], xs[i-1])
	}
	assert.Equal(t, 90.0, xs[len(xs)-1])
	assert.False(t, entry.HasComponent(components.NetCorrection))
}

func TestNetSyncRemovesDespawnedEntities(t *testing.T) {
	src := newFakeSource(t)
	w := donburi.NewWorld()
	sync := NewNetSync(src, 2, 4)

	sync.Apply(w, src.move(1, 7, 100, 50, 0, 100))
	sync.Apply(w, src.move(1, 8, 200, 50, 0, 100))
	assert.Equal(t, 2, NetEntityQuery.Count(w))

	res := src.receiver.Apply(snapshot.Snapshot{Tick: 2, Records: []snapshot.Record{
		{Entity: 7, Kind: protocol.KindEntity, Version: 3, Tombstone: true},
	}})
	sync.Apply(w, network.Frame{Tick: 2, Snapshots: []network.ApplyResult{res}})

	assert.Equal(t, 1, NetEntityQuery.Count(w))
	_, ok := sync.Entry(w, 7)
	assert.False(t, ok)
	_, ok = sync.Entry(w, 8)
	assert.True(t, ok)
}

func TestHealthBarsShowOnDamage(t *testing.T) {
	src := newFakeSource(t)
	w := donburi.NewWorld()
	sync := NewNetSync(src, 2, 4)

	sync.Apply(w, src.move(1, 7, 100, 50, 0, 100))
	entry, _ := sync.Entry(w, 7)
	assert.False(t, entry.HasComponent(components.HealthBar))

	sync.Apply(w, src.move(2, 7, 100, 50, 0, 80))
	require.True(t, entry.HasComponent(components.HealthBar))
	assert.Equal(t, 0.8, components.Health.Get(entry).Fraction())

	for i := 0; i < HealthBarFrames; i++ {
		UpdateHealthBars(w)
	}
	assert.False(t, entry.HasComponent(components.HealthBar))
}
