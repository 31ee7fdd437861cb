package main

import (
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/ws_session/internal/bridge"
	"github.com/adred-codev/ws_session/internal/config"
	"github.com/adred-codev/ws_session/internal/monitoring"
	"github.com/adred-codev/ws_session/internal/server"
	"github.com/adred-codev/ws_session/internal/session"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Bootstrap logger for startup, before configuration is available.
	bootLogger := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})

	// automaxprocs sets GOMAXPROCS from the container CPU limit, rounding
	// down to an integer.
	bootLogger.Info().
		Int("gomaxprocs", runtime.GOMAXPROCS(0)).
		Msg("Runtime configured")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	srv := server.New(cfg, logger, session.LogEvents{Logger: logger})
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	var br *bridge.Bridge
	if cfg.NATSURL != "" {
		pool := bridge.NewWorkerPool(cfg.WorkerCount, cfg.WorkerQueueSize, logger)
		br, err = bridge.New(bridge.Config{
			URL:     cfg.NATSURL,
			Subject: cfg.NATSSubject,
		}, srv, pool, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to start bridge")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	if br != nil {
		br.Close()
	}
	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}
