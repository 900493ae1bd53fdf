package netcomponents

import (
	"github.com/automoto/netsync/shared/protocol"
	"github.com/yohamta/donburi"
)

// StateID identifies a character state for animation and logic.
type StateID uint8

const (
	Idle StateID = iota
	Running
	Jump
	Fall
)

func (s StateID) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Jump:
		return "jump"
	case Fall:
		return "fall"
	default:
		return "unknown"
	}
}

type NetPlayerStateData struct {
	StateID   StateID
	Direction int  // -1 left, 1 right
	OnGround  bool
	JumpHeld  bool   // Jump was pressed on the previous input; jumps are edge-triggered
	LastInput uint64 // Last input tick processed by the server
}

var NetPlayerState = donburi.NewComponentType[NetPlayerStateData]()

var playerStateCodec = protocol.Codec[NetPlayerStateData]{
	Encode: func(w *protocol.Writer, v NetPlayerStateData) {
		w.Uint8(uint8(v.StateID))
		w.Varint(int64(v.Direction))
		w.Bool(v.OnGround)
		w.Bool(v.JumpHeld)
		w.Uvarint(v.LastInput)
	},
	Decode: func(r *protocol.Reader) NetPlayerStateData {
		return NetPlayerStateData{
			StateID:   StateID(r.Uint8()),
			Direction: int(r.Varint()),
			OnGround:  r.Bool(),
			JumpHeld:  r.Bool(),
			LastInput: r.Uvarint(),
		}
	},
	// LastInput is bookkeeping and does not take part in prediction.
	Equal: func(a, b NetPlayerStateData) bool {
		return a.StateID == b.StateID && a.Direction == b.Direction && a.OnGround == b.OnGround && a.JumpHeld == b.JumpHeld
	},
	SizeHint: 7,
}
