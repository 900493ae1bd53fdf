package messages

import "github.com/automoto/netsync/shared/protocol"

// AssignOwnership tells a client which entity it controls and predicts.
type AssignOwnership struct {
	Entity protocol.EntityID
}

// PlayerConnected is broadcast when a player joins.
type PlayerConnected struct {
	ConnectionID protocol.ConnID
	Entity       protocol.EntityID
	PlayerName   string
}

// PlayerDisconnected is broadcast when a player leaves.
type PlayerDisconnected struct {
	ConnectionID protocol.ConnID
	Entity       protocol.EntityID
}
