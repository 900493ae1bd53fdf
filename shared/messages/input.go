package messages

import (
	"github.com/automoto/netsync/shared/protocol"
	"github.com/automoto/netsync/shared/sim"
	"github.com/automoto/netsync/shared/tick"
)

// PlayerInput is one tick of input for a player-controlled entity.
// Used for server-side movement processing and client-side prediction replay.
type PlayerInput struct {
	Tick    tick.Tick
	Entity  protocol.EntityID
	Command sim.Command
}

// InputBatch is sent from client to server every tick on the unreliable
// channel. It repeats every input the server has not yet confirmed so a
// single lost packet does not starve the server, and piggybacks the
// client's snapshot acknowledgements.
type InputBatch struct {
	HasAck bool
	Ack    tick.Ack
	Inputs []PlayerInput
}

// InputsLate is sent reliably from server to client when the newest input
// of a batch arrived after the server had already simulated its tick. The
// client moves its tick forward by at least Applied-Newest+1 so later
// inputs arrive in time.
type InputsLate struct {
	Newest  tick.Tick
	Applied tick.Tick
}
