package systems

import (
	"math"
	"math/rand"

	"github.com/yohamta/donburi"

	"github.com/automoto/netsync/components"
	cfg "github.com/automoto/netsync/config"
	"github.com/automoto/netsync/shared/protocol"
	"github.com/automoto/netsync/shared/sim"
)

// Bot generates input for the locally owned entity from what the display
// world shows. It runs once per tick, before the client Update.
type Bot struct {
	cfg cfg.BotDifficultyConfig
	rng *rand.Rand
}

// NewBot creates a bot. A fixed seed replays the same decisions for the same
// world.
func NewBot(c cfg.BotDifficultyConfig, seed int64) *Bot {
	return &Bot{cfg: c, rng: rand.New(rand.NewSource(seed))}
}

type targetInfo struct {
	id   protocol.EntityID
	x, y float64
}

// Command returns the input for the next tick. Without a local entity the
// bot stands still.
func (b *Bot) Command(w donburi.World) sim.Command {
	var self *donburi.Entry
	var targets []targetInfo
	NetEntityQuery.Each(w, func(entry *donburi.Entry) {
		ne := components.NetEntity.Get(entry)
		if ne.Local {
			if self == nil {
				self = entry
			}
			return
		}
		disp := components.Display.Get(entry)
		targets = append(targets, targetInfo{id: ne.ID, x: disp.BaseX, y: disp.BaseY})
	})
	if self == nil {
		return sim.Command{}
	}
	if !self.HasComponent(components.Bot) {
		donburi.Add(self, components.Bot, &components.BotData{})
	}

	bot := components.Bot.Get(self)
	disp := components.Display.Get(self)

	if bot.DecisionTimer > 0 {
		bot.DecisionTimer--
	}
	if bot.WanderTimer > 0 {
		bot.WanderTimer--
	}

	target, found := findTarget(bot.Target, targets)
	if found {
		bot.TargetX = target.x
	}

	if bot.DecisionTimer <= 0 {
		healthFraction := 1.0
		if self.HasComponent(components.Health) {
			if h := components.Health.Get(self); h.Max > 0 {
				healthFraction = h.Fraction()
			}
		}
		nearest, dist, ok := nearestTarget(disp.BaseX, disp.BaseY, targets)
		b.decide(bot, nearest, dist, ok, healthFraction)
		bot.DecisionTimer = b.cfg.ReactionDelay
		target, found = nearest, ok
	}

	prevJump := bot.Command.Jump
	cmd := sim.Command{}
	switch bot.State {
	case components.BotStateChase:
		cmd.Direction = directionTo(disp.BaseX, bot.TargetX)
		if found && distance(disp.BaseX, disp.BaseY, target.x, target.y) < b.cfg.JumpRange {
			cmd.Jump = !prevJump
		}
	case components.BotStateRetreat:
		cmd.Direction = -directionTo(disp.BaseX, bot.TargetX)
		if cmd.Direction == 0 {
			cmd.Direction = 1
		}
	default:
		if bot.WanderTimer <= 0 {
			bot.Command.Direction = int8(b.rng.Intn(3) - 1)
			bot.WanderTimer = b.cfg.WanderTicks
		}
		cmd.Direction = bot.Command.Direction
		cmd.Jump = !prevJump && b.rng.Intn(30) == 0
	}
	bot.Command = cmd
	return cmd
}

func (b *Bot) decide(bot *components.BotData, nearest targetInfo, dist float64, ok bool, healthFraction float64) {
	switch {
	case !ok || dist > b.cfg.ChaseRange:
		bot.State = components.BotStateWander
		bot.Target = 0
	case healthFraction < b.cfg.RetreatThreshold:
		bot.State = components.BotStateRetreat
		bot.Target = nearest.id
		bot.TargetX = nearest.x
	default:
		bot.State = components.BotStateChase
		bot.Target = nearest.id
		bot.TargetX = nearest.x
	}
}

func findTarget(id protocol.EntityID, targets []targetInfo) (targetInfo, bool) {
	if id == 0 {
		return targetInfo{}, false
	}
	for _, t := range targets {
		if t.id == id {
			return t, true
		}
	}
	return targetInfo{}, false
}

func nearestTarget(x, y float64, targets []targetInfo) (targetInfo, float64, bool) {
	var best targetInfo
	bestDist := math.Inf(1)
	for _, t := range targets {
		d := distance(x, y, t.x, t.y)
		// Ties go to the lower id so decisions do not depend on query order.
		if d < bestDist || (d == bestDist && t.id < best.id) {
			best, bestDist = t, d
		}
	}
	return best, bestDist, len(targets) > 0
}

func directionTo(from, to float64) int8 {
	switch {
	case to > from+1:
		return 1
	case to < from-1:
		return -1
	default:
		return 0
	}
}

func distance(x1, y1, x2, y2 float64) float64 {
	return math.Hypot(x2-x1, y2-y1)
}
