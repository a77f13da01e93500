// Command server runs the yield-farming and delta-hedging engine: the
// event listener, market poller, strategy engine, rebalance
// orchestrator, and status HTTP server, all sharing one process lifetime.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/yieldfarm/perphedge/internal/config"
	"github.com/yieldfarm/perphedge/internal/di"
	"github.com/yieldfarm/perphedge/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{Level: "info", Pretty: true}).Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	logger.SetGlobalLogger(log)
	log.Info().Str("network_mode", string(cfg.NetworkMode)).Msg("starting perphedge")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := di.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build application")
	}
	defer app.DB.Close()

	if err := app.Run(ctx); err != nil {
		log.Error().Err(err).Msg("application exited with error")
		os.Exit(1)
	}
	log.Info().Msg("perphedge stopped")
}
