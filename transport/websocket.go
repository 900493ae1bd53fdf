package transport

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/automoto/netsync/shared/protocol"
)

// WebsocketConfig tunes both ends of the websocket transport.
type WebsocketConfig struct {
	// QueueLimit bounds queued unreliable packets per connection.
	QueueLimit int
	// InboundBuffer sizes the shared receive channel.
	InboundBuffer int
	ReadLimit     int64
	WriteTimeout  time.Duration
	// InsecureSkipVerify disables origin checks on accept.
	InsecureSkipVerify bool
}

func DefaultWebsocketConfig() WebsocketConfig {
	return WebsocketConfig{
		QueueLimit:    32,
		InboundBuffer: 1024,
		ReadLimit:     1 << 20,
		WriteTimeout:  5 * time.Second,
	}
}

type peer struct {
	id     protocol.ConnID
	conn   *websocket.Conn
	out    *outQueue
	ctx    context.Context
	cancel context.CancelFunc
}

// endpoint holds what the websocket server and client share: the peer
// table, the inbound channels and the per-peer read/write loops.
type endpoint struct {
	cfg    WebsocketConfig
	log    zerolog.Logger
	peers  *xsync.MapOf[protocol.ConnID, *peer]
	recv   chan Packet
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
	once   sync.Once

	// mu orders peer registration against Close, so no peer is added to
	// wg once Close has started waiting.
	mu sync.Mutex

	inboundDropped atomic.Uint64
}

func newEndpoint(cfg WebsocketConfig, log zerolog.Logger) *endpoint {
	def := DefaultWebsocketConfig()
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = def.QueueLimit
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = def.InboundBuffer
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &endpoint{
		cfg:    cfg,
		log:    log.With().Str("component", "transport").Logger(),
		peers:  xsync.NewMapOf[protocol.ConnID, *peer](),
		recv:   make(chan Packet, cfg.InboundBuffer),
		events: make(chan Event, 64),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (e *endpoint) Receive() <-chan Packet {
	return e.recv
}

func (e *endpoint) Events() <-chan Event {
	return e.events
}

func (e *endpoint) Send(_ context.Context, conn protocol.ConnID, ch protocol.Channel, data []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	p, ok := e.peers.Load(conn)
	if !ok {
		return eris.Wrapf(ErrUnknownConn, "send to %d", conn)
	}
	if err := p.out.push(ch, frame(ch, data)); err != nil {
		return eris.Wrapf(err, "send to %d on %s", conn, ch)
	}
	return nil
}

// Disconnect closes one connection. Its Disconnected event follows.
func (e *endpoint) Disconnect(conn protocol.ConnID) error {
	p, ok := e.peers.Load(conn)
	if !ok {
		return eris.Wrapf(ErrUnknownConn, "disconnect %d", conn)
	}
	p.cancel()
	return nil
}

// Peers returns the number of open connections.
func (e *endpoint) Peers() int {
	return e.peers.Size()
}

// InboundDropped counts unreliable packets dropped because the receive
// channel was full.
func (e *endpoint) InboundDropped() uint64 {
	return e.inboundDropped.Load()
}

// Dropped counts unreliable packets evicted from conn's outbound queue.
func (e *endpoint) Dropped(conn protocol.ConnID) uint64 {
	p, ok := e.peers.Load(conn)
	if !ok {
		return 0
	}
	return p.out.droppedCount()
}

func (e *endpoint) Close() error {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed.Store(true)
		e.mu.Unlock()
		e.cancel()
		e.wg.Wait()
		close(e.recv)
		close(e.events)
	})
	return nil
}

func (e *endpoint) emit(ev Event) {
	select {
	case e.events <- ev:
	case <-e.ctx.Done():
	}
}

// register makes p sendable and counts it as running. It fails once the
// endpoint is closed.
func (e *endpoint) register(id protocol.ConnID, conn *websocket.Conn) (*peer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(e.ctx)
	p := &peer{
		id:     id,
		conn:   conn,
		out:    newOutQueue(e.cfg.QueueLimit),
		ctx:    ctx,
		cancel: cancel,
	}
	conn.SetReadLimit(e.cfg.ReadLimit)
	e.wg.Add(1)
	e.peers.Store(id, p)
	return p, nil
}

// serve runs one registered peer until its connection fails or is
// cancelled.
func (e *endpoint) serve(p *peer) {
	defer e.wg.Done()

	ctx, cancel := p.ctx, p.cancel
	e.log.Info().Uint64("conn", uint64(p.id)).Msg("connected")
	e.emit(Event{Conn: p.id, Kind: Connected})

	werr := make(chan error, 1)
	go func() { werr <- e.writeLoop(ctx, p) }()

	err := e.readLoop(ctx, p)
	cancel()
	p.out.close()
	if wErr := <-werr; err == nil {
		err = wErr
	}
	e.peers.Delete(p.id)
	_ = p.conn.CloseNow()

	if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		err = nil
	}
	ev := e.log.Info()
	if err != nil {
		ev = e.log.Warn().Err(err)
	}
	ev.Uint64("conn", uint64(p.id)).Msg("disconnected")
	e.emit(Event{Conn: p.id, Kind: Disconnected, Err: err})
}

func (e *endpoint) readLoop(ctx context.Context, p *peer) error {
	for {
		typ, b, err := p.conn.Read(ctx)
		if err != nil {
			return eris.Wrap(err, "read")
		}
		if typ != websocket.MessageBinary {
			continue
		}
		ch, data, err := unframe(b)
		if err != nil {
			e.log.Warn().Err(err).Uint64("conn", uint64(p.id)).Msg("dropping packet")
			continue
		}

		pkt := Packet{Conn: p.id, Channel: ch, Data: data}
		if ch == protocol.Unreliable {
			select {
			case e.recv <- pkt:
			default:
				e.inboundDropped.Add(1)
			}
			continue
		}
		select {
		case e.recv <- pkt:
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *endpoint) writeLoop(ctx context.Context, p *peer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-p.out.notEmpty:
			items, _ := p.out.pop()
			for _, b := range items {
				wctx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
				err := p.conn.Write(wctx, websocket.MessageBinary, b)
				cancel()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return eris.Wrap(err, "write")
				}
			}
			if !ok {
				return nil
			}
		}
	}
}

// WebsocketServer accepts client connections over HTTP upgrade.
type WebsocketServer struct {
	*endpoint
	nextID atomic.Uint64
}

var _ Transport = (*WebsocketServer)(nil)

func NewWebsocketServer(cfg WebsocketConfig, log zerolog.Logger) *WebsocketServer {
	return &WebsocketServer{endpoint: newEndpoint(cfg, log)}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *WebsocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: s.cfg.InsecureSkipVerify,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("accept failed")
		return
	}

	p, err := s.register(protocol.ConnID(s.nextID.Add(1)), conn)
	if err != nil {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	s.serve(p)
}

// WebsocketClient is the client end; the server is always ServerConn.
type WebsocketClient struct {
	*endpoint
}

var _ Transport = (*WebsocketClient)(nil)

// DialWebsocket connects to url and starts serving the connection.
func DialWebsocket(ctx context.Context, url string, cfg WebsocketConfig, log zerolog.Logger) (*WebsocketClient, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "dial %s", url)
	}
	c := &WebsocketClient{endpoint: newEndpoint(cfg, log)}
	p, err := c.register(ServerConn, conn)
	if err != nil {
		_ = conn.CloseNow()
		return nil, err
	}
	go c.serve(p)
	return c, nil
}
