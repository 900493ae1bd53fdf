package messages

import (
	"github.com/automoto/netsync/shared/protocol"
	"github.com/automoto/netsync/shared/tick"
)

// JoinRequest is sent by a client after connecting to request joining the game.
type JoinRequest struct {
	ProtocolVersion uint16
	ProtocolID      uint64
	PlayerName      string
}

// JoinAccepted is sent by the server when a client's join request is accepted.
type JoinAccepted struct {
	ConnectionID protocol.ConnID
	Entity       protocol.EntityID
	Tick         tick.Tick
	TickRate     int
	SessionToken string
}

// JoinRejected is sent by the server when a client's join request is rejected.
type JoinRejected struct {
	Reason string
}
