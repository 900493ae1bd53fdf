package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/automoto/netsync/config"
	"github.com/automoto/netsync/lobby"
	"github.com/automoto/netsync/network"
	"github.com/automoto/netsync/shared/netcomponents"
	"github.com/automoto/netsync/systems"
	"github.com/automoto/netsync/transport"
)

func main() {
	configFile := flag.String("config", "", "Optional KEY=value config file")
	serverURL := flag.String("server", "", "Server websocket URL (overrides config)")
	lobbyURL := flag.String("lobby", "", "Pick a server from this lobby instead of -server")
	name := flag.String("name", "", "Player name (overrides config)")
	difficulty := flag.String("bot", "", "Bot difficulty: easy, normal or hard (overrides config)")
	metricsAddr := flag.String("metrics", "", "Serve client prometheus metrics on this address, e.g. :9101")
	seed := flag.Int64("seed", 0, "Bot seed, 0 picks one from the clock")
	flag.Parse()

	if err := config.Load(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *serverURL != "" {
		config.Client.ServerURL = *serverURL
	}
	if *lobbyURL != "" {
		config.Client.LobbyURL = *lobbyURL
	}
	if *name != "" {
		config.Client.PlayerName = *name
	}
	if *difficulty != "" {
		config.Client.BotDifficulty = *difficulty
	}
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	log := config.NewLogger(config.Log)
	if err := run(log, *metricsAddr, *seed); err != nil {
		log.Fatal().Err(err).Msg("client stopped")
	}
}

func run(log zerolog.Logger, metricsAddr string, seed int64) error {
	difficulty, err := config.ParseBotDifficulty(config.Client.BotDifficulty)
	if err != nil {
		return err
	}
	reg, err := netcomponents.NewRegistry()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	metrics := network.NewMetrics(promReg)
	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer srv.Close()
	}

	if config.Client.LobbyURL != "" {
		servers, err := lobby.List(ctx, config.Client.LobbyURL, strconv.FormatUint(reg.ID(), 16))
		if err != nil {
			return err
		}
		picked, err := lobby.Pick(servers)
		if err != nil {
			return eris.Wrapf(err, "lobby %s", config.Client.LobbyURL)
		}
		log.Info().Str("server", picked.Name).Str("region", picked.Region).Int("players", picked.Players).Msg("picked server from lobby")
		config.Client.ServerURL = picked.Address
	}

	ws, err := transport.DialWebsocket(ctx, config.Client.ServerURL, transport.DefaultWebsocketConfig(), log)
	if err != nil {
		return err
	}
	defer ws.Close()

	c := config.Client
	client := network.NewClient(network.ClientConfig{
		PlayerName:     c.PlayerName,
		InputLead:      c.InputLead,
		MaxTickDrift:   c.MaxTickDrift,
		InputCapacity:  c.InputCapacity,
		MaxBatchInputs: c.MaxBatchInputs,
	}, reg, ws, config.Physics.Params(), metrics, log)
	if err := client.Join(ctx); err != nil {
		return err
	}

	log.Info().
		Str("server", c.ServerURL).
		Str("name", c.PlayerName).
		Str("bot", difficulty.String()).
		Str("protocol", fmt.Sprintf("%x", reg.ID())).
		Msg("joining")

	bot := systems.NewBot(config.Bot.For(difficulty), seed)
	game := NewGame(client, bot, config.Server.TickRate, c.FrameRate, config.Physics.SubSteps, c.CorrectionFrames, c.StatsInterval(), log)
	if err := game.Run(ctx); err != nil {
		if eris.Is(err, network.ErrDisconnected) {
			log.Warn().Err(client.LastError()).Msg("disconnected by server")
			return nil
		}
		return err
	}

	log.Info().Msg("leaving")
	return client.Disconnect()
}
