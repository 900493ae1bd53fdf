package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/yohamta/donburi"

	"github.com/automoto/netsync/network"
	"github.com/automoto/netsync/shared/tick"
	"github.com/automoto/netsync/systems"
)

// Game is a headless client: a bot plays, the client predicts and the
// display world mirrors what a renderer would draw.
type Game struct {
	client    *network.Client
	world     donburi.World
	sync      *systems.NetSync
	bot       *systems.Bot
	systems   []func(donburi.World)
	log       zerolog.Logger
	tickRate  int
	frameRate int
	stats     time.Duration
	frames    uint64
}

func NewGame(client *network.Client, bot *systems.Bot, tickRate, frameRate, subSteps, correctionFrames int, stats time.Duration, log zerolog.Logger) *Game {
	return &Game{
		client: client,
		world:  donburi.NewWorld(),
		sync:   systems.NewNetSync(client, subSteps, correctionFrames),
		bot:    bot,
		systems: []func(donburi.World){
			systems.NewNetInterpSystem(client.TickRate, frameRate),
			systems.UpdateNetCorrections,
			systems.UpdateHealthBars,
		},
		log:       log,
		tickRate:  tickRate,
		frameRate: frameRate,
		stats:     stats,
	}
}

// Run plays until ctx is cancelled or the session ends. Ticks and display
// frames run on the calling goroutine.
func (g *Game) Run(ctx context.Context) error {
	ticks := time.NewTicker(tick.Hz(g.tickRate))
	defer ticks.Stop()
	frames := time.NewTicker(tick.Hz(g.frameRate))
	defer frames.Stop()

	var report <-chan time.Time
	if g.stats > 0 {
		t := time.NewTicker(g.stats)
		defer t.Stop()
		report = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticks.C:
			if err := g.Update(ctx); err != nil {
				return err
			}
			if rate := g.client.TickRate(); rate > 0 && rate != g.tickRate {
				g.log.Info().Int("tick_rate", rate).Msg("following server tick rate")
				g.tickRate = rate
				ticks.Reset(tick.Hz(rate))
			}
		case <-frames.C:
			g.Draw()
		case <-report:
			g.logStats()
		}
	}
}

// Update runs one client tick.
func (g *Game) Update(ctx context.Context) error {
	cmd := g.bot.Command(g.world)
	f, err := g.client.Update(ctx, cmd)
	if err != nil {
		return err
	}
	g.sync.Apply(g.world, f)

	for _, p := range f.Joined {
		g.log.Info().Uint64("entity", uint64(p.Entity)).Str("name", p.PlayerName).Msg("player joined")
	}
	for _, p := range f.Left {
		g.log.Info().Uint64("entity", uint64(p.Entity)).Msg("player left")
	}
	for _, c := range f.Corrections {
		g.log.Debug().
			Uint64("entity", uint64(c.Entity)).
			Uint64("tick", uint64(c.Tick)).
			Float64("dx", c.From.X-c.To.X).
			Float64("dy", c.From.Y-c.To.Y).
			Msg("prediction corrected")
	}
	return nil
}

// Draw advances the display world by one frame.
func (g *Game) Draw() {
	for _, sys := range g.systems {
		sys(g.world)
	}
	g.frames++
}

func (g *Game) logStats() {
	s := g.client.Stats()
	g.log.Info().
		Str("state", g.client.State().String()).
		Uint64("tick", uint64(g.client.Tick())).
		Int("entities", systems.NetEntityQuery.Count(g.world)).
		Uint64("frames", g.frames).
		Uint64("snapshots", s.Snapshots).
		Uint64("divergences", s.Divergences).
		Uint64("replayed", s.Replayed).
		Uint64("catch_ups", s.CatchUps).
		Uint64("lead_raises", s.LeadRaises).
		Msg("client stats")
}
