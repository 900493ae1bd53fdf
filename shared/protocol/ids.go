package protocol

import "fmt"

// EntityID identifies an entity across the server/client boundary. The server
// assigns ids monotonically and never reuses one within a process lifetime.
type EntityID uint64

// Kind identifies a registered component type on the wire.
type Kind uint16

// KindEntity is reserved for entity lifecycle records. A tombstone of this
// kind is a despawn.
const KindEntity Kind = 0

// Version counts mutations of one slot. It only ever increases.
type Version uint64

// Slot is one (entity, component kind) pair.
type Slot struct {
	Entity EntityID
	Kind   Kind
}

func (s Slot) String() string {
	return fmt.Sprintf("%d/%d", s.Entity, s.Kind)
}

// Less orders slots by entity id, then kind.
func (s Slot) Less(o Slot) bool {
	if s.Entity != o.Entity {
		return s.Entity < o.Entity
	}
	return s.Kind < o.Kind
}

// Channel selects the delivery guarantees of a transport send.
type Channel uint8

const (
	// Unreliable may drop, duplicate or reorder payloads.
	Unreliable Channel = iota
	// Reliable delivers payloads in order exactly once while connected.
	Reliable
)

func (c Channel) String() string {
	switch c {
	case Reliable:
		return "reliable"
	case Unreliable:
		return "unreliable"
	default:
		return fmt.Sprintf("channel(%d)", uint8(c))
	}
}

// ConnID identifies one client session on the server.
type ConnID uint64
