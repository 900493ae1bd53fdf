package protocol

import "errors"

var (
	// ErrMalformedSnapshot marks corrupt or truncated snapshot bytes. The
	// packet is dropped; periodic resend heals the state.
	ErrMalformedSnapshot = errors.New("malformed snapshot")
	// ErrProtocolMismatch is fatal for the connection that produced it.
	ErrProtocolMismatch = errors.New("protocol mismatch")
	// ErrMalformedPayload marks a component payload its codec cannot read.
	ErrMalformedPayload = errors.New("malformed component payload")
	// ErrUnknownKind is returned for component kinds missing from the registry.
	ErrUnknownKind = errors.New("unknown component kind")
	// ErrKindRegistered is returned when a kind or name is registered twice.
	ErrKindRegistered = errors.New("component kind already registered")
	// ErrRegistrySealed is returned when registering after startup.
	ErrRegistrySealed = errors.New("component registry is sealed")
)
