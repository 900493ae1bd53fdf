package components

import (
	"github.com/yohamta/donburi"

	"github.com/automoto/netsync/shared/protocol"
	"github.com/automoto/netsync/shared/sim"
)

type BotState int

const (
	BotStateWander BotState = iota
	BotStateChase
	BotStateRetreat
)

func (s BotState) String() string {
	switch s {
	case BotStateWander:
		return "wander"
	case BotStateChase:
		return "chase"
	case BotStateRetreat:
		return "retreat"
	default:
		return "unknown"
	}
}

// BotData drives a locally owned entity in place of a human.
type BotData struct {
	State BotState
	// Target is the entity being chased or fled, 0 when none.
	Target        protocol.EntityID
	TargetX       float64
	DecisionTimer int
	WanderTimer   int
	Command       sim.Command
}

var Bot = donburi.NewComponentType[BotData]()
