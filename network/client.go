package network

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/automoto/netsync/shared/messages"
	"github.com/automoto/netsync/shared/netcomponents"
	"github.com/automoto/netsync/shared/protocol"
	"github.com/automoto/netsync/shared/sim"
	"github.com/automoto/netsync/shared/tick"
	"github.com/automoto/netsync/transport"
)

var (
	ErrJoinRejected = errors.New("join rejected")
	ErrDisconnected = errors.New("disconnected")
)

type ClientState int

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateJoinedGame
	StateError
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateJoinedGame:
		return "joined"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

type ClientConfig struct {
	PlayerName string
	// InputLead is how many ticks ahead of the server the client simulates.
	InputLead uint64
	// MaxTickDrift is how far behind the lead the client may fall before
	// jumping forward.
	MaxTickDrift uint64
	// InputCapacity bounds buffered inputs and prediction history.
	InputCapacity int
	// MaxBatchInputs caps the inputs repeated in one InputBatch.
	MaxBatchInputs int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PlayerName:     "player",
		InputLead:      2,
		MaxTickDrift:   10,
		InputCapacity:  30,
		MaxBatchInputs: 16,
	}
}

// AvatarCorrection is a reconciliation correction for one owned entity.
type AvatarCorrection struct {
	Entity protocol.EntityID
	Correction[sim.Avatar]
}

// Frame is everything one Update produced for the display layer.
type Frame struct {
	Tick        tick.Tick
	Predicted   map[protocol.EntityID]sim.Avatar
	Corrections []AvatarCorrection
	Snapshots   []ApplyResult
	Joined      []messages.PlayerConnected
	Left        []messages.PlayerDisconnected
}

// ClientStats are running totals since the client was created.
type ClientStats struct {
	Snapshots      uint64
	Malformed      uint64
	StaleRecords   uint64
	Reconciles     uint64
	Divergences    uint64
	Replayed       uint64
	Discarded      uint64
	InputOverflows uint64
	CatchUps       uint64
	LeadRaises     uint64
	SendErrors     uint64
}

// Client runs the client half of replication: it applies snapshots to the
// shadow state, predicts owned entities and sends inputs. Update must be
// called from a single goroutine; the getters may be called from anywhere.
type Client struct {
	mu sync.RWMutex

	state        ClientState
	lastError    error
	connID       protocol.ConnID
	entity       protocol.EntityID
	tickRate     int
	sessionToken string
	players      map[protocol.EntityID]string

	cfg      ClientConfig
	reg      *protocol.Registry
	tr       transport.Transport
	params   sim.Params
	log      zerolog.Logger
	metrics  *Metrics
	receiver *Receiver
	engines  map[protocol.EntityID]*Engine[sim.Avatar]
	owned    []protocol.EntityID
	outbox   *InputBuffer
	tick     tick.Tick
	stats    ClientStats

	// leadFence is the client tick before the last lead raise. Late
	// reports for inputs up to it were sent before the raise.
	leadFence tick.Tick
}

// NewClient creates a client over tr. metrics may be nil.
func NewClient(cfg ClientConfig, reg *protocol.Registry, tr transport.Transport, params sim.Params, metrics *Metrics, log zerolog.Logger) *Client {
	def := DefaultClientConfig()
	if cfg.InputCapacity <= 0 {
		cfg.InputCapacity = def.InputCapacity
	}
	if cfg.MaxBatchInputs <= 0 {
		cfg.MaxBatchInputs = def.MaxBatchInputs
	}
	log = log.With().Str("component", "client").Logger()
	return &Client{
		state:    StateDisconnected,
		players:  make(map[protocol.EntityID]string),
		cfg:      cfg,
		reg:      reg,
		tr:       tr,
		params:   params,
		log:      log,
		metrics:  metrics,
		receiver: NewReceiver(reg, log),
		engines:  make(map[protocol.EntityID]*Engine[sim.Avatar]),
		outbox:   NewInputBuffer(cfg.InputCapacity),
	}
}

// Join sends the join handshake.
func (c *Client) Join(ctx context.Context) error {
	payload, err := messages.Encode(messages.JoinRequest{
		ProtocolVersion: protocol.ProtocolVersion,
		ProtocolID:      c.reg.ID(),
		PlayerName:      c.cfg.PlayerName,
	})
	if err != nil {
		return eris.Wrap(err, "failed to serialize join request")
	}
	if err := c.tr.Send(ctx, transport.ServerConn, protocol.Reliable, payload); err != nil {
		err = eris.Wrap(err, "failed to send join request")
		c.setError(err)
		return err
	}
	c.mu.Lock()
	c.state = StateConnecting
	c.lastError = nil
	c.mu.Unlock()
	return nil
}

// Update runs one client tick: it applies everything received since the
// last call, then predicts cmd for the next tick and sends the input batch.
// The returned error is non-nil only when the session cannot continue.
func (c *Client) Update(ctx context.Context, cmd sim.Command) (Frame, error) {
	f := Frame{Predicted: make(map[protocol.EntityID]sim.Avatar)}

	if err := c.poll(ctx, &f); err != nil {
		return f, err
	}
	if c.State() != StateJoinedGame {
		return f, nil
	}

	c.tick++
	f.Tick = c.tick
	for _, id := range c.owned {
		e := c.engines[id]
		if s, ok := e.Predict(c.tick, cmd); ok {
			f.Predicted[id] = s
		}
		if e.Inputs().Overflowed() {
			c.stats.InputOverflows++
		}
	}
	c.outbox.Push(c.tick, cmd)
	c.sendInputs(ctx)
	return f, nil
}

func (c *Client) poll(ctx context.Context, f *Frame) error {
	// Packets queued before a disconnect are still handled, so a rejection
	// followed by the server closing the connection reports the rejection.
	events := transport.Drain(c.tr.Events())
	for _, p := range transport.Drain(c.tr.Receive()) {
		if p.Channel == protocol.Reliable {
			if err := c.handleMessage(p.Data, f); err != nil {
				return err
			}
			continue
		}
		if err := c.handleSnapshot(ctx, p.Data, f); err != nil {
			return err
		}
	}

	for _, ev := range events {
		if ev.Kind != transport.Disconnected {
			continue
		}
		c.log.Info().Err(ev.Err).Msg("disconnected from server")
		c.mu.Lock()
		if c.state != StateError {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return eris.Wrap(ErrDisconnected, "poll")
	}
	return nil
}

func (c *Client) handleMessage(b []byte, f *Frame) error {
	msg, err := messages.Decode(b)
	if err != nil {
		c.log.Warn().Err(err).Msg("dropping message")
		return nil
	}

	switch msg := msg.(type) {
	case messages.JoinAccepted:
		c.log.Info().
			Uint64("conn", uint64(msg.ConnectionID)).
			Uint64("entity", uint64(msg.Entity)).
			Uint64("tick", uint64(msg.Tick)).
			Int("tick_rate", msg.TickRate).
			Msg("join accepted")
		c.mu.Lock()
		c.connID = msg.ConnectionID
		c.entity = msg.Entity
		c.tickRate = msg.TickRate
		c.sessionToken = msg.SessionToken
		c.state = StateJoinedGame
		c.mu.Unlock()
		c.tick = msg.Tick + tick.Tick(c.cfg.InputLead)
		c.leadFence = 0
		c.own(msg.Entity)

	case messages.JoinRejected:
		c.log.Warn().Str("reason", msg.Reason).Msg("join rejected")
		err := eris.Wrapf(ErrJoinRejected, "%s", msg.Reason)
		c.setError(err)
		return err

	case messages.AssignOwnership:
		c.own(msg.Entity)

	case messages.InputsLate:
		c.raiseLead(msg)

	case messages.PlayerConnected:
		c.mu.Lock()
		c.players[msg.Entity] = msg.PlayerName
		c.mu.Unlock()
		f.Joined = append(f.Joined, msg)

	case messages.PlayerDisconnected:
		c.mu.Lock()
		delete(c.players, msg.Entity)
		c.mu.Unlock()
		f.Left = append(f.Left, msg)

	default:
		c.log.Warn().Type("type", msg).Msg("unexpected message")
	}
	return nil
}

func (c *Client) own(id protocol.EntityID) {
	if _, ok := c.engines[id]; ok {
		return
	}
	c.engines[id] = NewEngine(c.step, sim.Within, c.cfg.InputCapacity)
	c.owned = append(c.owned, id)
	slices.Sort(c.owned)
	c.log.Debug().Uint64("entity", uint64(id)).Msg("predicting entity")
}

// raiseLead moves the client tick forward so inputs reach the server before
// their tick is simulated. The step is capped at MaxTickDrift; a lead still
// too short is raised again by later reports.
func (c *Client) raiseLead(msg messages.InputsLate) {
	if c.State() != StateJoinedGame || msg.Newest <= c.leadFence || msg.Applied < msg.Newest {
		return
	}
	shift := msg.Applied - msg.Newest + 1
	if limit := tick.Tick(c.cfg.MaxTickDrift); limit > 0 && shift > limit {
		shift = limit
	}
	c.log.Debug().
		Uint64("newest", uint64(msg.Newest)).
		Uint64("applied", uint64(msg.Applied)).
		Uint64("shift", uint64(shift)).
		Msg("inputs arriving late, raising lead")
	c.leadFence = c.tick
	c.tick += shift
	c.stats.LeadRaises++
}

func (c *Client) step(a sim.Avatar, t tick.Tick, cmd sim.Command) sim.Avatar {
	return sim.Step(c.params, a, t, cmd)
}

func (c *Client) handleSnapshot(_ context.Context, b []byte, f *Frame) error {
	res, err := c.receiver.Receive(b)
	switch {
	case eris.Is(err, protocol.ErrProtocolMismatch):
		c.setError(err)
		return err
	case err != nil:
		c.log.Warn().Err(err).Msg("dropping snapshot")
		c.stats.Malformed++
		c.metrics.malformed()
		return nil
	}

	c.stats.Snapshots++
	c.stats.StaleRecords += uint64(res.Stale)
	c.metrics.applied(res)
	f.Snapshots = append(f.Snapshots, res)

	if lead := res.Tick + tick.Tick(c.cfg.InputLead); lead > c.tick+tick.Tick(c.cfg.MaxTickDrift) {
		c.log.Debug().
			Uint64("from", uint64(c.tick)).
			Uint64("to", uint64(lead)).
			Msg("catching up with server")
		c.tick = lead
		c.stats.CatchUps++
	}
	// The server has consumed every input up to the snapshot tick.
	c.outbox.EvictThrough(c.receiver.Latest())

	for _, id := range res.Despawned {
		if e, ok := c.engines[id]; ok {
			e.Reset()
		}
	}
	if res.Tick < c.receiver.Latest() {
		// The shadow is already newer than this snapshot.
		for _, id := range touched(res) {
			if _, ok := c.engines[id]; ok {
				c.stats.Discarded++
			}
		}
		return nil
	}
	// The server only sends slots that changed, so the shadow holds its
	// state as of the newest tick for every owned entity, changed or not.
	for _, id := range c.owned {
		e := c.engines[id]
		if last, ok := e.LastReconciled(); ok && last >= res.Tick {
			continue
		}
		auth, ok := c.Authoritative(id)
		if !ok {
			continue
		}
		c.reconcile(id, e, res.Tick, auth, f)
	}
	return nil
}

func (c *Client) reconcile(id protocol.EntityID, e *Engine[sim.Avatar], t tick.Tick, auth sim.Avatar, f *Frame) {
	r := e.Reconcile(t, auth)
	if r.Discarded {
		c.stats.Discarded++
		return
	}
	c.stats.Reconciles++
	c.stats.Replayed += uint64(r.Replayed)
	c.metrics.reconciled(r.Diverged, r.Replayed)
	if !r.Diverged {
		return
	}
	c.stats.Divergences++
	c.log.Debug().
		Uint64("entity", uint64(id)).
		Uint64("tick", uint64(t)).
		Int("replayed", r.Replayed).
		Msg("prediction diverged")
	if r.Correction != nil {
		f.Corrections = append(f.Corrections, AvatarCorrection{Entity: id, Correction: *r.Correction})
	}
}

// touched returns the entities with changed slots in res, in order of first
// appearance.
func touched(res ApplyResult) []protocol.EntityID {
	var ids []protocol.EntityID
	seen := make(map[protocol.EntityID]struct{})
	for _, s := range res.Changed {
		if _, ok := seen[s.Entity]; ok {
			continue
		}
		seen[s.Entity] = struct{}{}
		ids = append(ids, s.Entity)
	}
	return ids
}

func (c *Client) sendInputs(ctx context.Context) {
	batch := messages.InputBatch{}
	batch.Ack, batch.HasAck = c.receiver.Ack()

	pending := c.outbox.Since(c.receiver.Latest())
	if n := len(pending) - c.cfg.MaxBatchInputs; n > 0 {
		pending = pending[n:]
	}
	for _, in := range pending {
		for _, id := range c.owned {
			batch.Inputs = append(batch.Inputs, messages.PlayerInput{
				Tick:    in.Tick,
				Entity:  id,
				Command: in.Command,
			})
		}
	}

	payload, err := messages.Encode(batch)
	if err == nil {
		err = c.tr.Send(ctx, transport.ServerConn, protocol.Unreliable, payload)
	}
	if err != nil {
		c.stats.SendErrors++
		c.log.Debug().Err(err).Msg("failed to send inputs")
	}
}

// Authoritative rebuilds the server's view of an avatar from the shadow.
func (c *Client) Authoritative(id protocol.EntityID) (sim.Avatar, bool) {
	s := c.receiver.Shadow()
	pos, ok := Value[netcomponents.NetPositionData](s, id, netcomponents.KindPosition)
	if !ok {
		return sim.Avatar{}, false
	}
	vel, ok := Value[netcomponents.NetVelocityData](s, id, netcomponents.KindVelocity)
	if !ok {
		return sim.Avatar{}, false
	}
	st, ok := Value[netcomponents.NetPlayerStateData](s, id, netcomponents.KindPlayerState)
	if !ok {
		return sim.Avatar{}, false
	}
	return sim.FromComponents(pos, vel, st), true
}

// Predicted returns the current predicted state of an owned entity.
func (c *Client) Predicted(id protocol.EntityID) (sim.Avatar, PredictionState, bool) {
	e, ok := c.engines[id]
	if !ok {
		return sim.Avatar{}, Idle, false
	}
	s, _ := e.Current()
	return s, e.State(), true
}

// Owned returns the entities the client predicts, sorted.
func (c *Client) Owned() []protocol.EntityID {
	return slices.Clone(c.owned)
}

// Owns reports whether the client predicts id.
func (c *Client) Owns(id protocol.EntityID) bool {
	_, ok := c.engines[id]
	return ok
}

func (c *Client) Shadow() *Shadow {
	return c.receiver.Shadow()
}

func (c *Client) Tick() tick.Tick {
	return c.tick
}

func (c *Client) Stats() ClientStats {
	return c.stats
}

// Disconnect closes the transport.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	return c.tr.Close()
}

func (c *Client) State() ClientState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

func (c *Client) ConnectionID() protocol.ConnID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connID
}

// Entity returns the player entity assigned at join.
func (c *Client) Entity() protocol.EntityID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entity
}

func (c *Client) TickRate() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tickRate
}

func (c *Client) SessionToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionToken
}

// PlayerName returns the announced name of a player entity.
func (c *Client) PlayerName(id protocol.EntityID) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.players[id]
	return name, ok
}

func (c *Client) setError(err error) {
	c.mu.Lock()
	c.state = StateError
	c.lastError = err
	c.mu.Unlock()
}
