package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/automoto/netsync/config"
	"github.com/automoto/netsync/server/core"
	"github.com/automoto/netsync/server/interest"
	"github.com/automoto/netsync/server/replication"
	"github.com/automoto/netsync/shared/netcomponents"
	"github.com/automoto/netsync/transport"
)

func main() {
	configFile := flag.String("config", "", "Optional KEY=value config file")
	port := flag.Int("port", 0, "Server port (overrides config)")
	tickRate := flag.Int("tickrate", 0, "Server tick rate in ticks per second (overrides config)")
	name := flag.String("name", "", "Server display name (overrides config)")
	metricsPath := flag.String("metrics", "", "Serve prometheus metrics at this path, e.g. /metrics")
	flag.Parse()

	if err := config.Load(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		config.Server.Port = *port
	}
	if *tickRate != 0 {
		config.Server.TickRate = *tickRate
	}
	if *name != "" {
		config.Server.Name = *name
	}
	if *metricsPath != "" {
		config.Server.MetricsPath = *metricsPath
	}

	log := config.NewLogger(config.Log)
	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func options() core.Options {
	opts := core.DefaultOptions()
	opts.TickRate = config.Server.TickRate
	opts.MaxPlayers = config.Server.MaxPlayers
	opts.InputWindow = config.Server.InputWindow
	opts.Params = config.Physics.Params()

	w := config.World
	opts.World.Width = w.Width
	opts.World.Height = w.Height
	opts.World.CellSize = w.CellSize
	opts.World.NPCs = w.NPCs
	opts.World.NPCLifetime = w.NPCLifetime
	opts.World.ContactRadius = w.ContactRadius
	opts.World.MaxHealth = w.MaxHealth
	opts.World.RegenEvery = w.RegenEvery
	opts.World.Seed = w.Seed

	r := config.Replication
	opts.Interest = interest.Config{
		Radius:     r.InterestRadius,
		BoostTicks: r.BoostTicks,
		Interval:   r.InterestInterval,
	}
	rep := replication.DefaultConfig()
	rep.Budget = r.Budget
	rep.Compress = r.Compress
	rep.MinCompressSize = r.MinCompressSize
	rep.FullSyncInterval = r.FullSyncInterval
	rep.LossAfter = r.LossAfter
	rep.AckWindow = r.AckWindow
	rep.TickBudget = r.TickBudget()
	opts.Replication = rep
	opts.World.Retention = 2 * rep.AckWindow
	return opts
}

func run(log zerolog.Logger) error {
	reg, err := netcomponents.NewRegistry()
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := core.NewMetrics(promReg)

	ws := transport.NewWebsocketServer(transport.DefaultWebsocketConfig(), log)
	defer ws.Close()

	server, err := core.NewServer(options(), reg, ws, metrics, log)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	if config.Server.MetricsPath != "" {
		mux.Handle(config.Server.MetricsPath, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg}))
	}
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Server.Port),
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if config.Server.MasterURL != "" {
		address := config.Server.PublicAddress
		if address == "" {
			address = fmt.Sprintf("ws://localhost:%d/ws", config.Server.Port)
		}
		registration := core.NewRegistration(core.RegistrationConfig{
			MasterURL:  config.Server.MasterURL,
			Name:       config.Server.Name,
			Address:    address,
			Region:     config.Server.Region,
			MaxPlayers: config.Server.MaxPlayers,
			ProtocolID: reg.ID(),
			Interval:   config.Server.HeartbeatInterval(),
		}, server.PlayerCount, log)
		go registration.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info().
		Str("name", config.Server.Name).
		Int("port", config.Server.Port).
		Int("tick_rate", config.Server.TickRate).
		Str("protocol", fmt.Sprintf("%x", reg.ID())).
		Msg("starting server")

	go func() {
		if err := <-errCh; err != nil {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()
	if err := server.Run(ctx); err != nil {
		return err
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout())
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
