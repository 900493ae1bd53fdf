package netcomponents

import (
	"math"

	"github.com/automoto/netsync/shared/protocol"
	"github.com/yohamta/donburi"
)

// PositionStep is the quantization grid for positions, in world units.
const PositionStep = 1.0 / 64

type NetPositionData struct {
	X, Y float64
}

var NetPosition = donburi.NewComponentType[NetPositionData]()

// LerpNetPosition interpolates between two positions
func LerpNetPosition(from, to NetPositionData, t float64) *NetPositionData {
	return &NetPositionData{
		X: from.X + (to.X-from.X)*t,
		Y: from.Y + (to.Y-from.Y)*t,
	}
}

var positionCodec = protocol.Codec[NetPositionData]{
	Encode: func(w *protocol.Writer, v NetPositionData) {
		w.Fixed(v.X, PositionStep)
		w.Fixed(v.Y, PositionStep)
	},
	Decode: func(r *protocol.Reader) NetPositionData {
		return NetPositionData{X: r.Fixed(PositionStep), Y: r.Fixed(PositionStep)}
	},
	Equal: func(a, b NetPositionData) bool {
		return math.Abs(a.X-b.X) <= PositionTolerance && math.Abs(a.Y-b.Y) <= PositionTolerance
	},
	SizeHint: 6,
}
