// Package transport moves opaque packets between the server and its clients
// over two channels: an ordered reliable one and a lossy unreliable one.
package transport

import (
	"context"
	"errors"

	"github.com/automoto/netsync/shared/protocol"
)

var (
	ErrClosed        = errors.New("transport closed")
	ErrUnknownConn   = errors.New("unknown connection")
	ErrQueueFull     = errors.New("reliable queue full")
	ErrEmptyPacket   = errors.New("empty packet")
	ErrUnknownChanID = errors.New("unknown channel")
)

// ServerConn is the connection id a client transport uses for the server.
const ServerConn protocol.ConnID = 0

// Packet is one inbound datagram.
type Packet struct {
	Conn    protocol.ConnID
	Channel protocol.Channel
	Data    []byte
}

type EventKind uint8

const (
	Connected EventKind = iota
	Disconnected
)

func (k EventKind) String() string {
	if k == Connected {
		return "connected"
	}
	return "disconnected"
}

// Event reports a connection lifecycle change.
type Event struct {
	Conn protocol.ConnID
	Kind EventKind
	Err  error
}

// Transport is the boundary the replication layer sends and receives
// through. Send never blocks on the network: packets are queued per
// connection, and a full unreliable queue drops its oldest packet.
// Receive and Events are drained by the simulation goroutine.
type Transport interface {
	Send(ctx context.Context, conn protocol.ConnID, ch protocol.Channel, data []byte) error
	Receive() <-chan Packet
	Events() <-chan Event
	Disconnect(conn protocol.ConnID) error
	Close() error
}

// frame prefixes data with its channel id.
func frame(ch protocol.Channel, data []byte) []byte {
	b := make([]byte, 1+len(data))
	b[0] = byte(ch)
	copy(b[1:], data)
	return b
}

func unframe(b []byte) (protocol.Channel, []byte, error) {
	if len(b) < 1 {
		return 0, nil, ErrEmptyPacket
	}
	ch := protocol.Channel(b[0])
	if ch != protocol.Unreliable && ch != protocol.Reliable {
		return 0, nil, ErrUnknownChanID
	}
	return ch, b[1:], nil
}

// Drain returns every packet currently queued on ch without blocking.
func Drain[T any](ch <-chan T) []T {
	var out []T
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		default:
			return out
		}
	}
}
