package replication

import (
	"context"
	"testing"
	"time"

	"github.com/automoto/netsync/server/changes"
	"github.com/automoto/netsync/server/interest"
	"github.com/automoto/netsync/shared/netcomponents"
	"github.com/automoto/netsync/shared/protocol"
	"github.com/automoto/netsync/shared/snapshot"
	"github.com/automoto/netsync/shared/tick"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorld struct {
	t        *testing.T
	reg      *protocol.Registry
	tracker  *changes.Tracker
	index    *interest.Index
	payloads map[protocol.Slot][]byte
}

func (w *fakeWorld) Payload(s protocol.Slot) ([]byte, bool) {
	b, ok := w.payloads[s]
	return b, ok
}

func (w *fakeWorld) put(id protocol.EntityID, kind protocol.Kind, v any) {
	b, err := w.reg.Encode(kind, v)
	require.NoError(w.t, err)
	w.payloads[protocol.Slot{Entity: id, Kind: kind}] = b
	w.tracker.MarkDirty(id, kind)
}

func (w *fakeWorld) move(now tick.Tick, id protocol.EntityID, x, y float64) {
	w.tracker.SetTick(now)
	w.put(id, netcomponents.KindPosition, netcomponents.NetPositionData{X: x, Y: y})
	w.put(id, netcomponents.KindVelocity, netcomponents.NetVelocityData{SpeedX: 1})
	w.index.Update(id, x, y)
}

func (w *fakeWorld) destroy(now tick.Tick, id protocol.EntityID) {
	w.tracker.SetTick(now)
	w.tracker.Destroy(id)
	w.index.Remove(id)
}

type sent struct {
	conn protocol.ConnID
	ch   protocol.Channel
	b    []byte
}

type fakeOut struct {
	sends []sent
}

func (o *fakeOut) Send(_ context.Context, id protocol.ConnID, ch protocol.Channel, b []byte) error {
	o.sends = append(o.sends, sent{conn: id, ch: ch, b: b})
	return nil
}

type harness struct {
	world  *fakeWorld
	out    *fakeOut
	sender *Sender
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	reg, err := netcomponents.NewRegistry()
	require.NoError(t, err)

	w := &fakeWorld{
		t:        t,
		reg:      reg,
		tracker:  changes.NewTracker(),
		index:    interest.NewIndex(2048, 2048, 64),
		payloads: make(map[protocol.Slot][]byte),
	}
	im := interest.NewManager(interest.Config{Radius: 200, BoostTicks: 5, Interval: 1}, w.index, w.tracker, nil)
	out := &fakeOut{}
	s, err := NewSender(cfg, reg, w.tracker, im, w, out, zerolog.Nop())
	require.NoError(t, err)
	return &harness{world: w, out: out, sender: s}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Compress = false
	cfg.FullSyncInterval = 1000
	cfg.TickBudget = 0
	return cfg
}

func (h *harness) build(t *testing.T, c *Connection, now tick.Tick) snapshot.Snapshot {
	t.Helper()
	b, _, err := h.sender.Build(c, now)
	require.NoError(t, err)
	s, err := snapshot.Decode(b, protocol.ProtocolVersion)
	require.NoError(t, err)
	return s
}

func slots(s snapshot.Snapshot) []protocol.Slot {
	var out []protocol.Slot
	for _, r := range s.Records {
		out = append(out, r.Slot())
	}
	return out
}

func pos(id protocol.EntityID) protocol.Slot {
	return protocol.Slot{Entity: id, Kind: netcomponents.KindPosition}
}

func vel(id protocol.EntityID) protocol.Slot {
	return protocol.Slot{Entity: id, Kind: netcomponents.KindVelocity}
}

func despawnOf(id protocol.EntityID) protocol.Slot {
	return protocol.Slot{Entity: id, Kind: protocol.KindEntity}
}

func TestBuildSendsVisibleEntities(t *testing.T) {
	h := newHarness(t, testConfig())
	h.world.move(1, 1, 100, 100)
	h.world.move(1, 2, 150, 100)
	h.world.move(1, 3, 900, 900)

	c := NewConnection(1, 0)
	c.SetOwned(1)

	s := h.build(t, c, 1)
	assert.Equal(t, tick.Tick(1), s.Tick)
	assert.Equal(t, []protocol.Slot{pos(1), vel(1), pos(2), vel(2)}, slots(s))
	assert.True(t, c.Known(2))
	assert.False(t, c.Known(3))

	assert.Empty(t, h.build(t, c, 2).Records, "nothing changed")
}

func TestOptimisticSendAndAckPromotion(t *testing.T) {
	h := newHarness(t, testConfig())
	h.world.move(1, 1, 100, 100)

	c := NewConnection(1, 0)
	c.SetOwned(1)
	h.build(t, c, 1)

	assert.Equal(t, protocol.Version(1), c.Sent(pos(1)))
	assert.Zero(t, c.Acked(pos(1)))
	assert.Equal(t, 1, c.InFlight())

	res := h.sender.Ack(c, tick.Ack{Base: 1})
	assert.Equal(t, AckResult{Acked: 1}, res)
	assert.Equal(t, protocol.Version(1), c.Acked(pos(1)))
	assert.Zero(t, c.InFlight())

	assert.Equal(t, AckResult{Stale: true}, h.sender.Ack(c, tick.Ack{Base: 0}))
}

func TestLostSnapshotIsResent(t *testing.T) {
	h := newHarness(t, testConfig())
	h.world.move(1, 1, 100, 100)

	c := NewConnection(1, 0)
	c.SetOwned(1)
	h.build(t, c, 1)
	for now := tick.Tick(2); now <= 6; now++ {
		assert.Empty(t, h.build(t, c, now).Records)
	}

	// Ticks 2..6 arrived, tick 1 did not.
	res := h.sender.Ack(c, tick.Ack{Base: 6, Bits: 0b1111})
	assert.Equal(t, 1, res.Lost)
	assert.Zero(t, c.Sent(pos(1)))

	assert.Equal(t, []protocol.Slot{pos(1), vel(1)}, slots(h.build(t, c, 7)))
}

func TestRollbackKeepsNewerSends(t *testing.T) {
	h := newHarness(t, testConfig())
	h.world.move(1, 1, 100, 100)

	c := NewConnection(1, 0)
	c.SetOwned(1)
	h.build(t, c, 1)
	h.world.move(2, 1, 110, 100)
	h.build(t, c, 2)
	require.Equal(t, protocol.Version(2), c.Sent(pos(1)))

	res := h.sender.Ack(c, tick.Ack{Base: 6, Bits: 1 << 3})
	assert.Equal(t, 1, res.Lost)
	assert.Equal(t, 1, res.Acked)
	assert.Equal(t, protocol.Version(2), c.Sent(pos(1)))
	assert.Equal(t, protocol.Version(2), c.Acked(pos(1)))
}

func TestUnackedSnapshotsExpire(t *testing.T) {
	cfg := testConfig()
	cfg.AckWindow = 3
	h := newHarness(t, cfg)
	h.world.move(1, 1, 100, 100)

	c := NewConnection(1, 0)
	c.SetOwned(1)
	h.build(t, c, 1)

	_, bs, err := h.sender.Build(c, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, bs.Lost)
	assert.Equal(t, 2, bs.Records, "expired state is resent in the same build")
}

func TestFullSyncResetsToAcked(t *testing.T) {
	cfg := testConfig()
	cfg.FullSyncInterval = 10
	h := newHarness(t, cfg)
	h.world.move(1, 1, 100, 100)

	c := NewConnection(1, 0)
	c.SetOwned(1)
	h.build(t, c, 1)
	assert.Empty(t, h.build(t, c, 9).Records)

	_, bs, err := h.sender.Build(c, 10)
	require.NoError(t, err)
	assert.True(t, bs.Resynced)
	assert.Equal(t, 2, bs.Records)
}

func TestDespawnSentOnceWhenLeavingInterest(t *testing.T) {
	h := newHarness(t, testConfig())
	h.world.move(1, 1, 100, 100)
	h.world.move(1, 2, 150, 100)

	c := NewConnection(1, 0)
	c.SetOwned(1)
	h.build(t, c, 1)

	h.world.move(2, 2, 900, 100)
	assert.Equal(t, []protocol.Slot{pos(2), vel(2)}, slots(h.build(t, c, 2)), "recent change keeps it visible")

	assert.Equal(t, []protocol.Slot{despawnOf(2)}, slots(h.build(t, c, 8)))
	assert.False(t, c.Known(2))
	assert.Zero(t, c.Sent(pos(2)))
	assert.Empty(t, h.build(t, c, 9).Records)
	assert.Empty(t, h.build(t, c, 10).Records)

	// Coming back sends every slot again.
	h.world.move(11, 2, 120, 100)
	assert.Equal(t, []protocol.Slot{pos(2), vel(2)}, slots(h.build(t, c, 11)))
}

func TestLostDespawnIsRequeued(t *testing.T) {
	h := newHarness(t, testConfig())
	h.world.move(1, 1, 100, 100)
	h.world.move(1, 2, 150, 100)

	c := NewConnection(1, 0)
	c.SetOwned(1)
	h.build(t, c, 1)
	h.sender.Ack(c, tick.Ack{Base: 1})

	h.world.destroy(3, 2)
	assert.Equal(t, []protocol.Slot{despawnOf(2)}, slots(h.build(t, c, 3)))

	res := h.sender.Ack(c, tick.Ack{Base: 8})
	assert.Equal(t, 1, res.Lost)
	assert.True(t, c.PendingDespawn(2))
	assert.Equal(t, []protocol.Slot{despawnOf(2)}, slots(h.build(t, c, 9)))

	h.sender.Ack(c, tick.Ack{Base: 9})
	assert.False(t, c.PendingDespawn(2))
	assert.Empty(t, h.build(t, c, 10).Records)
}

func TestDespawnDeferredNotDropped(t *testing.T) {
	cfg := testConfig()
	cfg.Budget = MinBudget
	h := newHarness(t, cfg)
	h.world.move(1, 1, 100, 100)
	for id := protocol.EntityID(2); id < 40; id++ {
		h.world.move(1, id, 100+float64(id), 120)
	}

	c := NewConnection(1, 0)
	c.SetOwned(1)
	for now := tick.Tick(1); now < 40; now++ {
		h.build(t, c, now)
	}
	require.True(t, c.Known(39))

	for id := protocol.EntityID(2); id < 40; id++ {
		h.world.destroy(50, id)
	}

	despawned := map[protocol.EntityID]bool{}
	for now := tick.Tick(50); now < 70; now++ {
		b, _, err := h.sender.Build(c, now)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(b), cfg.Budget)

		s, err := snapshot.Decode(b, protocol.ProtocolVersion)
		require.NoError(t, err)
		for _, r := range s.Records {
			if r.IsDespawn() {
				assert.False(t, despawned[r.Entity], "entity %d despawned twice", r.Entity)
				despawned[r.Entity] = true
			}
		}
	}
	assert.Len(t, despawned, 38)
}

func TestRemovedComponentSendsTombstone(t *testing.T) {
	h := newHarness(t, testConfig())
	h.world.move(1, 1, 100, 100)
	h.world.put(1, netcomponents.KindHealth, netcomponents.NetHealthData{Current: 5, Max: 10})

	c := NewConnection(1, 0)
	c.SetOwned(1)
	h.build(t, c, 1)

	h.world.tracker.SetTick(2)
	h.world.tracker.Remove(1, netcomponents.KindHealth)
	s := h.build(t, c, 2)
	require.Len(t, s.Records, 1)
	assert.True(t, s.Records[0].Tombstone)
	assert.Equal(t, netcomponents.KindHealth, s.Records[0].Kind)

	// A client that never saw the component gets no tombstone.
	fresh := NewConnection(2, 0)
	fresh.SetOwned(1)
	assert.Equal(t, []protocol.Slot{pos(1), vel(1)}, slots(h.build(t, fresh, 3)))
}

func TestTickBudgetPostponesConnections(t *testing.T) {
	cfg := testConfig()
	cfg.TickBudget = 5 * time.Millisecond
	h := newHarness(t, cfg)

	var now time.Time
	h.sender.clock = func() time.Time {
		now = now.Add(6 * time.Millisecond)
		return now
	}

	conns := []*Connection{NewConnection(1, 0), NewConnection(2, 0), NewConnection(3, 0)}

	st := h.sender.Tick(context.Background(), 1, conns)
	assert.Equal(t, 1, st.Snapshots)
	assert.Equal(t, 2, st.Postponed)
	require.Len(t, h.out.sends, 1)
	assert.Equal(t, protocol.ConnID(1), h.out.sends[0].conn)
	assert.Equal(t, protocol.Unreliable, h.out.sends[0].ch)

	h.sender.Tick(context.Background(), 2, conns)
	assert.Equal(t, protocol.ConnID(2), h.out.sends[1].conn, "postponed connections go first")
}

func TestTickSendsToEveryConnection(t *testing.T) {
	h := newHarness(t, testConfig())
	h.world.move(1, 1, 100, 100)

	a := NewConnection(1, 0)
	a.SetOwned(1)
	b := NewConnection(2, 0)

	st := h.sender.Tick(context.Background(), 1, []*Connection{a, b})
	assert.Equal(t, 2, st.Snapshots)
	assert.Equal(t, 2, st.Records)
	assert.Len(t, h.out.sends, 2)
}

func TestNewSenderRejectsTinyBudget(t *testing.T) {
	cfg := testConfig()
	cfg.Budget = snapshot.HeaderSize
	_, err := NewSender(cfg, protocol.NewRegistry(), changes.NewTracker(), nil, nil, nil, zerolog.Nop())
	assert.Error(t, err)
}
