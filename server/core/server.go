package core

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/automoto/netsync/server/changes"
	"github.com/automoto/netsync/server/interest"
	"github.com/automoto/netsync/server/replication"
	"github.com/automoto/netsync/shared/messages"
	"github.com/automoto/netsync/shared/protocol"
	"github.com/automoto/netsync/shared/sim"
	"github.com/automoto/netsync/shared/tick"
	"github.com/automoto/netsync/transport"
)

// ErrServerFull rejects a join when MaxPlayers are already playing.
var ErrServerFull = errors.New("server full")

// Options configure a Server.
type Options struct {
	TickRate   int
	MaxPlayers int
	// InputWindow is how many ticks ahead of the simulation inputs are
	// accepted.
	InputWindow uint64
	Params      sim.Params
	World       WorldConfig
	Interest    interest.Config
	Replication replication.Config
}

func DefaultOptions() Options {
	return Options{
		TickRate:    30,
		MaxPlayers:  16,
		InputWindow: 32,
		Params:      sim.DefaultParams(),
		World:       DefaultWorldConfig(),
		Interest: interest.Config{
			Radius:     800,
			BoostTicks: 30,
			Interval:   3,
		},
		Replication: replication.DefaultConfig(),
	}
}

// session is one transport connection, joined or not.
type session struct {
	id     protocol.ConnID
	name   string
	joined bool
	entity protocol.EntityID
	token  string
	conn   *replication.Connection
	inputs map[tick.Tick]sim.Command

	// last is repeated on ticks without input; lastTick is the tick it
	// was sent for.
	last     sim.Command
	lastTick tick.Tick
}

// Server is the authoritative game server. Everything except the atomic
// getters runs on the simulation goroutine that calls Step or Run.
type Server struct {
	opts    Options
	log     zerolog.Logger
	reg     *protocol.Registry
	tr      transport.Transport
	metrics *Metrics

	world   *World
	tracker *changes.Tracker
	sender  *replication.Sender
	loop    *GameLoop

	sessions map[protocol.ConnID]*session
	order    []protocol.ConnID
	conns    []*replication.Connection
	applied  tick.Tick

	players atomic.Int64
	current atomic.Uint64
}

// NewServer wires a server over tr. metrics may be nil.
func NewServer(opts Options, reg *protocol.Registry, tr transport.Transport, metrics *Metrics, log zerolog.Logger) (*Server, error) {
	if opts.TickRate <= 0 {
		return nil, eris.Errorf("tick rate must be positive, got %d", opts.TickRate)
	}
	if opts.Params.MaxX == 0 {
		opts.Params = sim.DefaultParams()
	}

	tracker := changes.NewTracker()
	index := interest.NewIndex(int(opts.World.Width), int(opts.World.Height), opts.World.CellSize)
	world := NewWorld(opts.World, opts.Params, reg, tracker, index)
	im := interest.NewManager(opts.Interest, index, tracker, nil)

	log = log.With().Str("component", "server").Logger()
	sender, err := replication.NewSender(opts.Replication, reg, tracker, im, world, tr, log)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create snapshot sender")
	}

	s := &Server{
		opts:     opts,
		log:      log,
		reg:      reg,
		tr:       tr,
		metrics:  metrics,
		world:    world,
		tracker:  tracker,
		sender:   sender,
		sessions: make(map[protocol.ConnID]*session),
	}
	s.loop = NewGameLoop(s, opts.TickRate)
	return s, nil
}

// Run drives the game loop until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.loop.Run(ctx)
}

// Step runs one server tick: connection events, client packets, player
// inputs, world simulation and snapshot sending.
func (s *Server) Step(ctx context.Context, now tick.Tick) replication.TickStats {
	start := time.Now()
	s.current.Store(uint64(now))
	s.world.SetTick(now)

	for _, ev := range transport.Drain(s.tr.Events()) {
		switch ev.Kind {
		case transport.Connected:
			s.onConnect(ev.Conn)
		case transport.Disconnected:
			s.onDisconnect(ctx, ev.Conn, ev.Err)
		}
	}
	for _, p := range transport.Drain(s.tr.Receive()) {
		s.handlePacket(ctx, p, now)
	}

	missing := s.applyInputs(now)
	s.metrics.inputs(0, missing)
	s.world.Update(now)

	st := s.sender.Tick(ctx, now, s.conns)
	s.metrics.sent(st)
	s.metrics.ticked(time.Since(start), s.PlayerCount(), s.world.Len())
	return st
}

func (s *Server) onConnect(id protocol.ConnID) {
	if _, ok := s.sessions[id]; ok {
		return
	}
	s.sessions[id] = &session{id: id, inputs: make(map[tick.Tick]sim.Command)}
	s.order = append(s.order, id)
	slices.Sort(s.order)
	s.log.Info().Uint64("conn", uint64(id)).Msg("client connected")
}

func (s *Server) onDisconnect(ctx context.Context, id protocol.ConnID, err error) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	s.order = slices.DeleteFunc(s.order, func(c protocol.ConnID) bool { return c == id })

	ev := s.log.Info().Uint64("conn", uint64(id))
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("client disconnected")

	if !sess.joined {
		return
	}
	s.conns = slices.DeleteFunc(s.conns, func(c *replication.Connection) bool { return c.ID == id })
	s.players.Add(-1)
	s.world.Destroy(sess.entity)
	s.broadcast(ctx, messages.PlayerDisconnected{ConnectionID: id, Entity: sess.entity})
}

func (s *Server) handlePacket(ctx context.Context, p transport.Packet, now tick.Tick) {
	sess, ok := s.sessions[p.Conn]
	if !ok {
		return
	}
	msg, err := messages.Decode(p.Data)
	if err != nil {
		s.metrics.malformed()
		s.log.Warn().Err(err).Uint64("conn", uint64(p.Conn)).Msg("dropping packet")
		return
	}

	switch msg := msg.(type) {
	case messages.JoinRequest:
		s.handleJoin(ctx, sess, msg, now)
	case messages.InputBatch:
		if !sess.joined {
			return
		}
		if msg.HasAck {
			res := s.sender.Ack(sess.conn, msg.Ack)
			if res.Lost > 0 {
				s.log.Debug().Uint64("conn", uint64(sess.id)).Int("lost", res.Lost).Msg("snapshots lost")
			}
		}
		late, newest := s.queueInputs(sess, msg)
		s.metrics.inputs(late, 0)
		if newest > 0 && newest <= s.applied {
			s.send(ctx, sess.id, messages.InputsLate{Newest: newest, Applied: s.applied})
		}
	default:
		s.log.Warn().Type("type", msg).Uint64("conn", uint64(p.Conn)).Msg("unexpected message")
	}
}

func (s *Server) handleJoin(ctx context.Context, sess *session, req messages.JoinRequest, now tick.Tick) {
	if sess.joined {
		return
	}

	var err error
	switch {
	case req.ProtocolVersion != protocol.ProtocolVersion:
		err = eris.Wrapf(protocol.ErrProtocolMismatch, "version %d, server speaks %d", req.ProtocolVersion, protocol.ProtocolVersion)
	case req.ProtocolID != s.reg.ID():
		err = eris.Wrapf(protocol.ErrProtocolMismatch, "id %x, server has %x", req.ProtocolID, s.reg.ID())
	case s.opts.MaxPlayers > 0 && s.PlayerCount() >= s.opts.MaxPlayers:
		err = eris.Wrapf(ErrServerFull, "%d players", s.PlayerCount())
	}
	if err != nil {
		s.reject(ctx, sess, err)
		return
	}

	sess.joined = true
	sess.name = req.PlayerName
	sess.token = uuid.NewString()
	sess.entity = s.world.Spawn(s.world.SpawnPoint(), ControllerData{Owner: sess.id})
	sess.conn = replication.NewConnection(sess.id, now)
	sess.conn.SetOwned(sess.entity)
	s.conns = append(s.conns, sess.conn)
	slices.SortFunc(s.conns, func(a, b *replication.Connection) int { return cmp.Compare(a.ID, b.ID) })
	s.players.Add(1)

	s.log.Info().
		Uint64("conn", uint64(sess.id)).
		Uint64("entity", uint64(sess.entity)).
		Str("name", sess.name).
		Msg("player joined")

	s.send(ctx, sess.id, messages.JoinAccepted{
		ConnectionID: sess.id,
		Entity:       sess.entity,
		Tick:         now,
		TickRate:     s.opts.TickRate,
		SessionToken: sess.token,
	})
	for _, id := range s.order {
		other := s.sessions[id]
		if other.joined && other.id != sess.id {
			s.send(ctx, sess.id, messages.PlayerConnected{ConnectionID: other.id, Entity: other.entity, PlayerName: other.name})
		}
	}
	s.broadcast(ctx, messages.PlayerConnected{ConnectionID: sess.id, Entity: sess.entity, PlayerName: sess.name})
}

func (s *Server) reject(ctx context.Context, sess *session, err error) {
	s.metrics.rejected()
	s.log.Warn().Err(err).Uint64("conn", uint64(sess.id)).Msg("join rejected")

	s.send(ctx, sess.id, messages.JoinRejected{Reason: err.Error()})
	if err := s.tr.Disconnect(sess.id); err != nil {
		s.log.Debug().Err(err).Uint64("conn", uint64(sess.id)).Msg("disconnect after reject")
	}
}

// send delivers msg reliably to one connection.
func (s *Server) send(ctx context.Context, id protocol.ConnID, msg any) {
	b, err := messages.Encode(msg)
	if err == nil {
		err = s.tr.Send(ctx, id, protocol.Reliable, b)
	}
	if err != nil {
		s.metrics.sendFailed()
		s.log.Warn().Err(err).Uint64("conn", uint64(id)).Type("type", msg).Msg("send message")
	}
}

// broadcast sends msg to every joined player.
func (s *Server) broadcast(ctx context.Context, msg any) {
	for _, id := range s.order {
		if s.sessions[id].joined {
			s.send(ctx, id, msg)
		}
	}
}

// World returns the authoritative world. Only safe on the simulation
// goroutine.
func (s *Server) World() *World {
	return s.world
}

// PlayerCount returns the number of joined players.
func (s *Server) PlayerCount() int {
	return int(s.players.Load())
}

// Tick returns the last tick Step ran.
func (s *Server) Tick() tick.Tick {
	return tick.Tick(s.current.Load())
}

// TickRate returns the configured ticks per second.
func (s *Server) TickRate() int {
	return s.opts.TickRate
}
