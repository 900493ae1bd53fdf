package network

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/automoto/netsync/shared/messages"
	"github.com/automoto/netsync/shared/netcomponents"
	"github.com/automoto/netsync/shared/protocol"
	"github.com/automoto/netsync/shared/sim"
	"github.com/automoto/netsync/shared/snapshot"
	"github.com/automoto/netsync/shared/tick"
	"github.com/automoto/netsync/transport"
)

type clientHarness struct {
	t       *testing.T
	ctx     context.Context
	b       *snapBuilder
	hub     *transport.MemoryHub
	conn    protocol.ConnID
	client  *Client
	metrics *Metrics
	promReg *prometheus.Registry
	params  sim.Params
	version protocol.Version
}

func newClientHarness(t *testing.T) *clientHarness {
	t.Helper()
	b := newSnapBuilder(t)
	hub := transport.NewMemoryHub(transport.LinkConfig{})
	mc, err := hub.Connect()
	require.NoError(t, err)
	transport.Drain(hub.Events())

	promReg := prometheus.NewRegistry()
	m := NewMetrics(promReg)
	cfg := DefaultClientConfig()
	cfg.PlayerName = "ada"
	h := &clientHarness{
		t:       t,
		ctx:     context.Background(),
		b:       b,
		hub:     hub,
		conn:    mc.ID(),
		metrics: m,
		promReg: promReg,
		params:  sim.DefaultParams(),
	}
	h.client = NewClient(cfg, b.reg, mc, h.params, m, zerolog.Nop())
	return h
}

func (h *clientHarness) counter(name string) float64 {
	h.t.Helper()
	families, err := h.promReg.Gather()
	require.NoError(h.t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func (h *clientHarness) sendReliable(msg any) {
	b, err := messages.Encode(msg)
	require.NoError(h.t, err)
	require.NoError(h.t, h.hub.Send(h.ctx, h.conn, protocol.Reliable, b))
}

func (h *clientHarness) sendAvatar(t tick.Tick, id protocol.EntityID, a sim.Avatar) {
	h.version++
	pos, vel, st := a.Components(t)
	s := snapshot.Snapshot{Tick: t, Records: []snapshot.Record{
		h.b.rec(id, netcomponents.KindPosition, h.version, pos),
		h.b.rec(id, netcomponents.KindVelocity, h.version, vel),
		h.b.rec(id, netcomponents.KindPlayerState, h.version, st),
	}}
	b, err := snapshot.Encode(s, snapshot.Options{Compress: true})
	require.NoError(h.t, err)
	require.NoError(h.t, h.hub.Send(h.ctx, h.conn, protocol.Unreliable, b))
}

func (h *clientHarness) join(entity protocol.EntityID, at tick.Tick) {
	require.NoError(h.t, h.client.Join(h.ctx))
	h.sendReliable(messages.JoinAccepted{ConnectionID: h.conn, Entity: entity, Tick: at, TickRate: 30, SessionToken: "tok"})
}

// serverInputs drains the hub and returns every decoded input batch.
func (h *clientHarness) serverInputs() []messages.InputBatch {
	var out []messages.InputBatch
	for _, p := range transport.Drain(h.hub.Receive()) {
		msg, err := messages.Decode(p.Data)
		require.NoError(h.t, err)
		if batch, ok := msg.(messages.InputBatch); ok {
			out = append(out, batch)
		}
	}
	return out
}

func TestClientJoinHandshake(t *testing.T) {
	h := newClientHarness(t)
	require.NoError(t, h.client.Join(h.ctx))
	assert.Equal(t, StateConnecting, h.client.State())

	got := transport.Drain(h.hub.Receive())
	require.Len(t, got, 1)
	assert.Equal(t, protocol.Reliable, got[0].Channel)
	msg, err := messages.Decode(got[0].Data)
	require.NoError(t, err)
	assert.Equal(t, messages.JoinRequest{
		ProtocolVersion: protocol.ProtocolVersion,
		ProtocolID:      h.b.reg.ID(),
		PlayerName:      "ada",
	}, msg)

	h.sendReliable(messages.JoinAccepted{ConnectionID: h.conn, Entity: 7, Tick: 100, TickRate: 30, SessionToken: "tok"})
	f, err := h.client.Update(h.ctx, right)
	require.NoError(t, err)

	assert.Equal(t, StateJoinedGame, h.client.State())
	assert.Equal(t, protocol.EntityID(7), h.client.Entity())
	assert.Equal(t, h.conn, h.client.ConnectionID())
	assert.Equal(t, 30, h.client.TickRate())
	assert.Equal(t, "tok", h.client.SessionToken())
	assert.True(t, h.client.Owns(7))
	assert.Equal(t, tick.Tick(103), f.Tick)

	batches := h.serverInputs()
	require.Len(t, batches, 1)
	assert.False(t, batches[0].HasAck)
	assert.Equal(t, []messages.PlayerInput{{Tick: 103, Entity: 7, Command: right}}, batches[0].Inputs)
}

func TestClientJoinRejected(t *testing.T) {
	h := newClientHarness(t)
	require.NoError(t, h.client.Join(h.ctx))
	h.sendReliable(messages.JoinRejected{Reason: "server full"})

	_, err := h.client.Update(h.ctx, sim.Command{})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrJoinRejected))
	assert.Equal(t, StateError, h.client.State())
	assert.Equal(t, err, h.client.LastError())
}

func TestClientRepeatsUnconfirmedInputs(t *testing.T) {
	h := newClientHarness(t)
	h.join(7, 100)

	for i := 0; i < 3; i++ {
		_, err := h.client.Update(h.ctx, right)
		require.NoError(t, err)
	}
	batches := h.serverInputs()
	require.Len(t, batches, 3)
	assert.Len(t, batches[2].Inputs, 3)

	// A snapshot at 104 confirms the server consumed inputs through 104.
	h.sendAvatar(104, 7, sim.Spawn(h.params, 100))
	_, err := h.client.Update(h.ctx, right)
	require.NoError(t, err)

	batches = h.serverInputs()
	require.Len(t, batches, 1)
	assert.True(t, batches[0].HasAck)
	assert.Equal(t, tick.Tick(104), batches[0].Ack.Base)
	for _, in := range batches[0].Inputs {
		assert.Greater(t, in.Tick, tick.Tick(104))
	}
}

func TestClientPredictsAndReconciles(t *testing.T) {
	h := newClientHarness(t)
	h.join(7, 100)
	_, err := h.client.Update(h.ctx, right)
	require.NoError(t, err)
	_, state, ok := h.client.Predicted(7)
	require.True(t, ok)
	assert.Equal(t, Idle, state)

	// The server's state for tick 102, before any input applied.
	base := sim.Spawn(h.params, 100)
	h.sendAvatar(102, 7, base)
	f, err := h.client.Update(h.ctx, right)
	require.NoError(t, err)

	want := sim.Step(h.params, base, 103, right)
	want = sim.Step(h.params, want, 104, right)
	assert.Equal(t, want, f.Predicted[7])
	assert.Empty(t, f.Corrections)

	// Disagree about tick 103: the client must replay 104 on top.
	moved := base
	moved.X += 50
	h.sendAvatar(103, 7, moved)
	f, err = h.client.Update(h.ctx, right)
	require.NoError(t, err)
	require.Len(t, f.Corrections, 1)
	c := f.Corrections[0]
	assert.Equal(t, protocol.EntityID(7), c.Entity)
	assert.Equal(t, tick.Tick(103), c.Tick)
	assert.Equal(t, 1, c.Replayed)

	want = sim.Step(h.params, moved, 104, right)
	want = sim.Step(h.params, want, 105, right)
	assert.Equal(t, want, f.Predicted[7])

	stats := h.client.Stats()
	assert.Equal(t, uint64(2), stats.Reconciles)
	assert.Equal(t, uint64(1), stats.Divergences)
	assert.Equal(t, 1.0, h.counter("netsync_client_divergences_total"))
	assert.Equal(t, 2.0, h.counter("netsync_client_snapshots_total"))
}

func TestClientReconcilesUnchangedOwnedEntity(t *testing.T) {
	h := newClientHarness(t)
	h.join(7, 100)
	_, err := h.client.Update(h.ctx, right)
	require.NoError(t, err)

	base := sim.Spawn(h.params, 100)
	h.sendAvatar(102, 7, base)
	for i := 0; i < 20; i++ {
		_, err = h.client.Update(h.ctx, right)
		require.NoError(t, err)
	}
	predicted, _, ok := h.client.Predicted(7)
	require.True(t, ok)
	require.Greater(t, predicted.X, base.X+100)

	// The server never moved entity 7, so the snapshot at 120 only carries
	// another entity. The prediction still has to fall back to base.
	h.sendAvatar(120, 99, sim.Spawn(h.params, 900))
	f, err := h.client.Update(h.ctx, right)
	require.NoError(t, err)
	require.Len(t, f.Corrections, 1)
	assert.Equal(t, tick.Tick(120), f.Corrections[0].Tick)

	want := base
	for tt := tick.Tick(121); tt <= f.Tick; tt++ {
		want = sim.Step(h.params, want, tt, right)
	}
	assert.Equal(t, want, f.Predicted[7])
	assert.Equal(t, uint64(1), h.client.Stats().Divergences)

	// A repeat of the same tick does not reconcile again.
	reconciles := h.client.Stats().Reconciles
	h.sendAvatar(120, 99, sim.Spawn(h.params, 900))
	_, err = h.client.Update(h.ctx, right)
	require.NoError(t, err)
	assert.Equal(t, reconciles, h.client.Stats().Reconciles)
}

func TestClientRaisesLeadWhenInputsLate(t *testing.T) {
	h := newClientHarness(t)
	h.join(7, 100)
	f, err := h.client.Update(h.ctx, right)
	require.NoError(t, err)
	require.Equal(t, tick.Tick(103), f.Tick)

	// Input 103 reached the server after it simulated 106.
	h.sendReliable(messages.InputsLate{Newest: 103, Applied: 106})
	f, err = h.client.Update(h.ctx, right)
	require.NoError(t, err)
	assert.Equal(t, tick.Tick(108), f.Tick)
	assert.Equal(t, uint64(1), h.client.Stats().LeadRaises)

	// Reports about inputs sent before the raise are ignored.
	h.sendReliable(messages.InputsLate{Newest: 103, Applied: 107})
	f, err = h.client.Update(h.ctx, right)
	require.NoError(t, err)
	assert.Equal(t, tick.Tick(109), f.Tick)

	// Inputs sent after the raise that are still late raise it again,
	// never by more than MaxTickDrift at once.
	h.sendReliable(messages.InputsLate{Newest: 108, Applied: 500})
	f, err = h.client.Update(h.ctx, right)
	require.NoError(t, err)
	assert.Equal(t, tick.Tick(109+10+1), f.Tick)
	assert.Equal(t, uint64(2), h.client.Stats().LeadRaises)

	batches := h.serverInputs()
	require.NotEmpty(t, batches)
	last := batches[len(batches)-1].Inputs
	assert.Equal(t, f.Tick, last[len(last)-1].Tick)
}

func TestClientCatchesUpWhenBehind(t *testing.T) {
	h := newClientHarness(t)
	h.join(7, 100)
	_, err := h.client.Update(h.ctx, sim.Command{})
	require.NoError(t, err)

	h.sendAvatar(200, 7, sim.Spawn(h.params, 100))
	f, err := h.client.Update(h.ctx, sim.Command{})
	require.NoError(t, err)
	assert.Equal(t, tick.Tick(203), f.Tick)
	assert.Equal(t, uint64(1), h.client.Stats().CatchUps)
}

func TestClientDropsMalformedSnapshots(t *testing.T) {
	h := newClientHarness(t)
	h.join(7, 100)
	require.NoError(t, h.hub.Send(h.ctx, h.conn, protocol.Unreliable, []byte{1, 2, 3}))

	_, err := h.client.Update(h.ctx, sim.Command{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h.client.Stats().Malformed)
	assert.Equal(t, 1.0, h.counter("netsync_client_malformed_snapshots_total"))
	assert.Equal(t, StateJoinedGame, h.client.State())
}

func TestClientProtocolMismatchIsFatal(t *testing.T) {
	h := newClientHarness(t)
	h.join(7, 100)
	b, err := snapshot.Encode(snapshot.Snapshot{Tick: 101}, snapshot.Options{})
	require.NoError(t, err)
	b[1] ^= 0xff
	require.NoError(t, h.hub.Send(h.ctx, h.conn, protocol.Unreliable, b))

	_, err = h.client.Update(h.ctx, sim.Command{})
	assert.True(t, eris.Is(err, protocol.ErrProtocolMismatch))
	assert.Equal(t, StateError, h.client.State())
}

func TestClientTracksPlayers(t *testing.T) {
	h := newClientHarness(t)
	h.join(7, 100)
	h.sendReliable(messages.AssignOwnership{Entity: 9})
	h.sendReliable(messages.PlayerConnected{ConnectionID: 4, Entity: 12, PlayerName: "bob"})

	f, err := h.client.Update(h.ctx, sim.Command{})
	require.NoError(t, err)
	assert.Equal(t, []protocol.EntityID{7, 9}, h.client.Owned())
	require.Len(t, f.Joined, 1)
	name, ok := h.client.PlayerName(12)
	require.True(t, ok)
	assert.Equal(t, "bob", name)

	h.sendReliable(messages.PlayerDisconnected{ConnectionID: 4, Entity: 12})
	f, err = h.client.Update(h.ctx, sim.Command{})
	require.NoError(t, err)
	require.Len(t, f.Left, 1)
	_, ok = h.client.PlayerName(12)
	assert.False(t, ok)
}

func TestClientDisconnectEvent(t *testing.T) {
	h := newClientHarness(t)
	h.join(7, 100)
	require.NoError(t, h.hub.Disconnect(h.conn))

	_, err := h.client.Update(h.ctx, sim.Command{})
	assert.True(t, eris.Is(err, ErrDisconnected))
	assert.Equal(t, StateDisconnected, h.client.State())
}
