package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ent0n29/callcore/internal/app"
	"github.com/ent0n29/callcore/internal/config"
	"github.com/ent0n29/callcore/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Init(logging.DefaultConfig())
		logging.WithComponent("main").Fatal().Err(err).Msg("config error")
	}

	logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		TimeFormat: time.RFC3339Nano,
	})
	logger := logging.WithComponent("main")

	buildCtx, buildCancel := context.WithTimeout(context.Background(), 30*time.Second)
	built, err := app.Build(buildCtx, cfg)
	buildCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.BindAddr).
			Str("business", cfg.BusinessName).
			Str("voice", built.Voice.Detail).
			Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Calls are hijacked websockets, so the HTTP server does not wait for
	// them. Drain them first so each one runs its teardown.
	if err := built.API.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Int("active_calls", built.API.ActiveCalls()).Msg("calls did not drain before deadline")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}
	if err := built.Cleanup(); err != nil {
		logger.Warn().Err(err).Msg("cleanup failed")
	}

	logger.Info().Msg("shutdown complete")
}
