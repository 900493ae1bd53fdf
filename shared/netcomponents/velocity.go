package netcomponents

import (
	"math"

	"github.com/automoto/netsync/shared/protocol"
	"github.com/yohamta/donburi"
)

// VelocityStep is the quantization grid for speeds, in world units per tick.
const VelocityStep = 1.0 / 256

type NetVelocityData struct {
	SpeedX, SpeedY float64
}

var NetVelocity = donburi.NewComponentType[NetVelocityData]()

// LerpNetVelocity interpolates between two velocities
func LerpNetVelocity(from, to NetVelocityData, t float64) *NetVelocityData {
	return &NetVelocityData{
		SpeedX: from.SpeedX + (to.SpeedX-from.SpeedX)*t,
		SpeedY: from.SpeedY + (to.SpeedY-from.SpeedY)*t,
	}
}

var velocityCodec = protocol.Codec[NetVelocityData]{
	Encode: func(w *protocol.Writer, v NetVelocityData) {
		w.Fixed(v.SpeedX, VelocityStep)
		w.Fixed(v.SpeedY, VelocityStep)
	},
	Decode: func(r *protocol.Reader) NetVelocityData {
		return NetVelocityData{SpeedX: r.Fixed(VelocityStep), SpeedY: r.Fixed(VelocityStep)}
	},
	Equal: func(a, b NetVelocityData) bool {
		return math.Abs(a.SpeedX-b.SpeedX) <= VelocityTolerance && math.Abs(a.SpeedY-b.SpeedY) <= VelocityTolerance
	},
	SizeHint: 4,
}
