package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"tokenkeeper/internal/app"
	"tokenkeeper/internal/config"
	"tokenkeeper/internal/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file (empty uses defaults plus environment)")
	pretty := flag.Bool("pretty", false, "human-readable log output")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Get().Fatal().Err(err).Msg("loading configuration failed")
	}

	log := logger.Setup(cfg.LogLevel, *pretty)

	// The server runs headless: accounts that cannot be refreshed stay
	// parked until an operator reauthorizes them out of band.
	application, err := app.New(cfg, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("building application failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("starting application failed")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	if err := application.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
