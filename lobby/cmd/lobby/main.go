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
	"time"

	"github.com/automoto/netsync/config"
	"github.com/automoto/netsync/lobby"
)

func main() {
	configFile := flag.String("config", "", "Optional KEY=value config file")
	port := flag.Int("port", 0, "HTTP listen port (overrides config)")
	ttl := flag.Duration("ttl", 0, "Server TTL before expiry (overrides config)")
	flag.Parse()

	if err := config.Load(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		config.Lobby.Port = *port
	}
	if *ttl != 0 {
		config.Lobby.TTLSeconds = int(ttl.Seconds())
	}

	log := config.NewLogger(config.Log)
	reg := lobby.NewRegistry(config.Lobby.TTL(), log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go reg.Run(ctx, 30*time.Second)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Lobby.Port),
		Handler: lobby.NewHandler(reg, log),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", srv.Addr).Dur("ttl", config.Lobby.TTL()).Msg("starting lobby")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("lobby stopped")
	}
}
