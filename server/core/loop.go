package core

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/automoto/netsync/shared/tick"
)

// GameLoop drives Server.Step from a fixed-rate clock.
type GameLoop struct {
	server *Server
	clock  *tick.Clock
	log    zerolog.Logger
}

func NewGameLoop(server *Server, tickRate int) *GameLoop {
	return &GameLoop{
		server: server,
		clock:  tick.NewClock(tickRate, 0),
		log:    server.log,
	}
}

// Clock returns the loop's tick source.
func (g *GameLoop) Clock() *tick.Clock {
	return g.clock
}

// Run ticks the server until ctx is cancelled.
func (g *GameLoop) Run(ctx context.Context) error {
	g.log.Info().Int("tick_rate", g.clock.Rate()).Msg("game loop started")
	g.clock.Run(ctx, func(t tick.Tick) {
		g.server.Step(ctx, t)
	})
	g.log.Info().Uint64("tick", uint64(g.clock.Current())).Msg("game loop stopped")
	return nil
}
