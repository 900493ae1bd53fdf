package components

import (
	"github.com/yohamta/donburi"

	"github.com/automoto/netsync/shared/netcomponents"
	"github.com/automoto/netsync/shared/tick"
)

// MaxExtrapolation caps how far past the target, in ticks, a remote entity
// is projected along its velocity while waiting for the next snapshot.
const MaxExtrapolation = 1.0

// NetInterpData stores interpolation state for smooth rendering of remote
// entities between server snapshots. T runs from 0 at Prev to 1 at Target,
// measured in ticks.
type NetInterpData struct {
	PrevX, PrevY     float64
	TargetX, TargetY float64
	VelX, VelY       float64 // per tick, at the target snapshot
	Tick             tick.Tick
	T                float64
	Initialized      bool
}

// Retarget starts a new leg from the currently shown position towards the
// snapshot at t. Snapshots older than the current target are ignored.
func (n *NetInterpData) Retarget(t tick.Tick, x, y, vx, vy float64) {
	switch {
	case !n.Initialized:
		// First snapshot: show it directly.
		n.PrevX, n.PrevY = x, y
		n.T = 1
		n.Initialized = true
	case t < n.Tick:
		return
	default:
		n.PrevX, n.PrevY = n.Position()
		n.T = 0
	}
	n.TargetX, n.TargetY = x, y
	n.VelX, n.VelY = vx, vy
	n.Tick = t
}

// Position returns the interpolated, or briefly extrapolated, position.
func (n *NetInterpData) Position() (float64, float64) {
	if n.T <= 1 {
		p := netcomponents.LerpNetPosition(
			netcomponents.NetPositionData{X: n.PrevX, Y: n.PrevY},
			netcomponents.NetPositionData{X: n.TargetX, Y: n.TargetY},
			n.T,
		)
		return p.X, p.Y
	}
	over := min(n.T-1, MaxExtrapolation)
	return n.TargetX + n.VelX*over, n.TargetY + n.VelY*over
}

var NetInterp = donburi.NewComponentType[NetInterpData]()
