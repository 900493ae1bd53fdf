// Package sim holds the deterministic movement step shared by the
// authoritative server loop and client-side prediction. Given the same
// avatar, tick and command, Step returns bit-identical results on every
// peer.
package sim

import (
	"math"

	"github.com/automoto/netsync/shared/gamemath"
	"github.com/automoto/netsync/shared/netcomponents"
	"github.com/automoto/netsync/shared/tick"
)

// Command is one tick of player input.
type Command struct {
	Direction int8 // -1 left, 0 none, 1 right
	Jump      bool
}

// Avatar is the simulated state of one player-controlled entity.
type Avatar struct {
	X, Y           float64
	SpeedX, SpeedY float64
	Direction      int
	OnGround       bool
	JumpHeld       bool
}

// Params are the movement constants. Server and client must agree on them.
type Params struct {
	SubSteps     int
	Acceleration float64
	Friction     float64
	MaxSpeed     float64
	Gravity      float64
	JumpSpeed    float64
	MaxFallSpeed float64
	FloorY       float64
	MinX, MaxX   float64
}

// DefaultParams are tuned for a 60 Hz step; SubSteps keeps the feel the
// same at the default 30 Hz tick rate.
func DefaultParams() Params {
	return Params{
		SubSteps:     2,
		Acceleration: 0.75,
		Friction:     0.5,
		MaxSpeed:     6,
		Gravity:      0.75,
		JumpSpeed:    15,
		MaxFallSpeed: 10,
		FloorY:       480,
		MinX:         0,
		MaxX:         4096,
	}
}

// Step advances a by one tick under cmd. The result is snapped to the wire
// quantization grid so the authoritative value and its replicated copy are
// identical.
func Step(p Params, a Avatar, _ tick.Tick, cmd Command) Avatar {
	steps := p.SubSteps
	if steps < 1 {
		steps = 1
	}

	// Jumps are edge-triggered per tick, not per sub-step.
	jump := cmd.Jump && !a.JumpHeld && a.OnGround

	for i := 0; i < steps; i++ {
		if cmd.Direction != 0 {
			// Explicit conversion keeps the compiler from fusing into an FMA,
			// which would round differently across architectures.
			a.SpeedX += float64(float64(cmd.Direction) * p.Acceleration)
			a.Direction = int(cmd.Direction)
		}

		if i == 0 && jump {
			a.SpeedY = -p.JumpSpeed
			a.OnGround = false
		}

		if a.OnGround {
			a.SpeedX = gamemath.ApplyFriction(a.SpeedX, p.Friction)
		}
		a.SpeedX = gamemath.ClampSpeed(a.SpeedX, p.MaxSpeed)

		a.SpeedY = math.Min(a.SpeedY+p.Gravity, p.MaxFallSpeed)

		x := a.X + a.SpeedX
		if x < p.MinX || x > p.MaxX {
			x = gamemath.Clamp(x, p.MinX, p.MaxX)
			a.SpeedX = 0
		}
		a.X = x

		a.Y += a.SpeedY
		if a.Y >= p.FloorY {
			a.Y = p.FloorY
			a.SpeedY = 0
			a.OnGround = true
		} else {
			a.OnGround = false
		}
	}

	a.JumpHeld = cmd.Jump
	return a.Quantized()
}

// Quantized snaps positions and speeds to the wire grid.
func (a Avatar) Quantized() Avatar {
	a.X = gamemath.Snap(a.X, netcomponents.PositionStep)
	a.Y = gamemath.Snap(a.Y, netcomponents.PositionStep)
	a.SpeedX = gamemath.Snap(a.SpeedX, netcomponents.VelocityStep)
	a.SpeedY = gamemath.Snap(a.SpeedY, netcomponents.VelocityStep)
	return a
}

// State derives the animation state.
func (a Avatar) State() netcomponents.StateID {
	switch {
	case !a.OnGround && a.SpeedY < 0:
		return netcomponents.Jump
	case !a.OnGround:
		return netcomponents.Fall
	case a.SpeedX != 0:
		return netcomponents.Running
	default:
		return netcomponents.Idle
	}
}

// Components splits a into its replicated components.
func (a Avatar) Components(lastInput tick.Tick) (netcomponents.NetPositionData, netcomponents.NetVelocityData, netcomponents.NetPlayerStateData) {
	return netcomponents.NetPositionData{X: a.X, Y: a.Y},
		netcomponents.NetVelocityData{SpeedX: a.SpeedX, SpeedY: a.SpeedY},
		netcomponents.NetPlayerStateData{
			StateID:   a.State(),
			Direction: a.Direction,
			OnGround:  a.OnGround,
			JumpHeld:  a.JumpHeld,
			LastInput: uint64(lastInput),
		}
}

// FromComponents rebuilds an avatar from replicated components.
func FromComponents(pos netcomponents.NetPositionData, vel netcomponents.NetVelocityData, st netcomponents.NetPlayerStateData) Avatar {
	return Avatar{
		X:         pos.X,
		Y:         pos.Y,
		SpeedX:    vel.SpeedX,
		SpeedY:    vel.SpeedY,
		Direction: st.Direction,
		OnGround:  st.OnGround,
		JumpHeld:  st.JumpHeld,
	}
}

// Within reports whether a and b agree within replication tolerance.
func Within(a, b Avatar) bool {
	return math.Abs(a.X-b.X) <= netcomponents.PositionTolerance &&
		math.Abs(a.Y-b.Y) <= netcomponents.PositionTolerance &&
		math.Abs(a.SpeedX-b.SpeedX) <= netcomponents.VelocityTolerance &&
		math.Abs(a.SpeedY-b.SpeedY) <= netcomponents.VelocityTolerance &&
		a.Direction == b.Direction &&
		a.OnGround == b.OnGround &&
		a.JumpHeld == b.JumpHeld
}

// Spawn returns a grounded avatar at x.
func Spawn(p Params, x float64) Avatar {
	return Avatar{X: x, Y: p.FloorY, Direction: 1, OnGround: true}.Quantized()
}
