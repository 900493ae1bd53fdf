package transport

import (
	"context"
	"math/rand"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/automoto/netsync/shared/protocol"
)

// LinkConfig controls how the in-memory transport mistreats unreliable
// packets. Probabilities are in [0, 1]. Reliable packets are always
// delivered once and in order.
type LinkConfig struct {
	Loss      float64
	Duplicate float64
	Reorder   float64
	Seed      int64
	// Buffer sizes each receive channel.
	Buffer int
}

// LinkStats counts what the links did to unreliable packets.
type LinkStats struct {
	Sent, Lost, Duplicated, Reordered, Overflowed uint64
}

// link is one direction of one connection.
type link struct {
	dst  chan Packet
	held *Packet
}

// MemoryHub is an in-process server transport. Clients attach with Connect.
type MemoryHub struct {
	mu      sync.Mutex
	cfg     LinkConfig
	rng     *rand.Rand
	clients map[protocol.ConnID]*MemoryClient
	nextID  protocol.ConnID
	recv    chan Packet
	events  chan Event
	stats   LinkStats
	closed  bool
}

var _ Transport = (*MemoryHub)(nil)

func NewMemoryHub(cfg LinkConfig) *MemoryHub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	return &MemoryHub{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		clients: make(map[protocol.ConnID]*MemoryClient),
		recv:    make(chan Packet, cfg.Buffer),
		events:  make(chan Event, cfg.Buffer),
	}
}

// Connect attaches a new client and reports it on the hub's events.
func (h *MemoryHub) Connect() (*MemoryClient, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.nextID++
	c := &MemoryClient{
		hub:    h,
		id:     h.nextID,
		up:     &link{dst: h.recv},
		down:   &link{dst: make(chan Packet, h.cfg.Buffer)},
		events: make(chan Event, 4),
	}
	h.clients[c.id] = c
	c.events <- Event{Conn: ServerConn, Kind: Connected}
	h.events <- Event{Conn: c.id, Kind: Connected}
	return c, nil
}

func (h *MemoryHub) Receive() <-chan Packet {
	return h.recv
}

func (h *MemoryHub) Events() <-chan Event {
	return h.events
}

func (h *MemoryHub) Send(ctx context.Context, conn protocol.ConnID, ch protocol.Channel, data []byte) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	c, ok := h.clients[conn]
	h.mu.Unlock()
	if !ok {
		return eris.Wrapf(ErrUnknownConn, "send to %d", conn)
	}
	return h.transmit(ctx, c.down, Packet{Conn: ServerConn, Channel: ch, Data: data})
}

// transmit copies data onto l, applying loss, duplication and reordering
// to unreliable packets.
func (h *MemoryHub) transmit(ctx context.Context, l *link, p Packet) error {
	p.Data = append([]byte(nil), p.Data...)
	if p.Channel == protocol.Reliable {
		select {
		case l.dst <- p:
			return nil
		case <-ctx.Done():
			return eris.Wrap(ctx.Err(), "reliable send")
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.stats.Sent++
	if h.rng.Float64() < h.cfg.Loss {
		h.stats.Lost++
		return nil
	}
	copies := 1
	if h.rng.Float64() < h.cfg.Duplicate {
		h.stats.Duplicated++
		copies = 2
	}
	if l.held == nil && h.rng.Float64() < h.cfg.Reorder {
		h.stats.Reordered++
		l.held = &p
		return nil
	}
	for i := 0; i < copies; i++ {
		h.offer(l, p)
	}
	if l.held != nil {
		h.offer(l, *l.held)
		l.held = nil
	}
	return nil
}

func (h *MemoryHub) offer(l *link, p Packet) {
	select {
	case l.dst <- p:
	default:
		h.stats.Overflowed++
	}
}

// Flush delivers every packet held back for reordering.
func (h *MemoryHub) Flush() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		for _, l := range []*link{c.up, c.down} {
			if l.held != nil {
				h.offer(l, *l.held)
				l.held = nil
			}
		}
	}
}

func (h *MemoryHub) Stats() LinkStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Disconnect detaches conn; both ends see a Disconnected event.
func (h *MemoryHub) Disconnect(conn protocol.ConnID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[conn]
	if !ok {
		return eris.Wrapf(ErrUnknownConn, "disconnect %d", conn)
	}
	h.detach(c)
	return nil
}

func (h *MemoryHub) detach(c *MemoryClient) {
	delete(h.clients, c.id)
	c.closed = true
	select {
	case c.events <- Event{Conn: ServerConn, Kind: Disconnected}:
	default:
	}
	select {
	case h.events <- Event{Conn: c.id, Kind: Disconnected}:
	default:
	}
}

func (h *MemoryHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	for _, c := range h.clients {
		h.detach(c)
	}
	h.closed = true
	return nil
}

// MemoryClient is the client end of a MemoryHub connection.
type MemoryClient struct {
	hub    *MemoryHub
	id     protocol.ConnID
	up     *link
	down   *link
	events chan Event
	closed bool
}

var _ Transport = (*MemoryClient)(nil)

// ID returns the connection id the hub knows this client by.
func (c *MemoryClient) ID() protocol.ConnID {
	return c.id
}

func (c *MemoryClient) Send(ctx context.Context, _ protocol.ConnID, ch protocol.Channel, data []byte) error {
	c.hub.mu.Lock()
	closed := c.closed
	c.hub.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return c.hub.transmit(ctx, c.up, Packet{Conn: c.id, Channel: ch, Data: data})
}

func (c *MemoryClient) Receive() <-chan Packet {
	return c.down.dst
}

func (c *MemoryClient) Events() <-chan Event {
	return c.events
}

func (c *MemoryClient) Disconnect(protocol.ConnID) error {
	return c.Close()
}

func (c *MemoryClient) Close() error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.closed {
		return nil
	}
	c.hub.detach(c)
	return nil
}
