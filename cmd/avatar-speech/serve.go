package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/lexiqai/avatar-speech/internal/api"
	"github.com/lexiqai/avatar-speech/internal/dispatch"
	"github.com/lexiqai/avatar-speech/internal/observability"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the renderer WebSocket endpoint",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger.Info().
		Str("port", cfg.Port).
		Str("audio_output", cfg.AudioOutput).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Avatar speech service starting")

	hub := dispatch.NewHub(logger)
	rt, err := newRuntime(cmd.Context(), cfg, logger, "", dispatch.Fanout{hub}, hub)
	if err != nil {
		hub.Close()
		return err
	}

	if rt.journal != nil && cfg.JournalRetention > 0 {
		cutoff := time.Now().Add(-cfg.JournalRetention)
		removed, err := rt.journal.Prune(cmd.Context(), cutoff)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to prune utterance journal")
		} else if removed > 0 {
			logger.Info().Int64("removed", removed).Dur("retention", cfg.JournalRetention).Msg("Pruned utterance journal")
		}
	}

	mux := http.NewServeMux()

	// Speech API and renderer socket
	var history api.History
	if rt.journal != nil {
		history = rt.journal
	}
	api.NewHandler(rt.engine, history, logger).Register(mux, hub)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint
	checks := map[string]observability.HealthCheckFunc{
		"elevenlabs": rt.engine.Healthy,
	}
	if rt.nats != nil {
		checks["nats"] = rt.nats.Healthy
	}
	if rt.journal != nil {
		checks["journal"] = rt.journal.Healthy
	}
	if rt.chat != nil {
		checks["chat"] = rt.chat.Healthy
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("renderer", fmt.Sprintf("ws://localhost:%s/renderer", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case err := <-serverErr:
		logger.Error().Err(err).Msg("Server failed")
		rt.Close()
		hub.Close()
		return err
	}

	logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	shutdownErr := server.Shutdown(ctx)
	rt.Close()
	if err := hub.Close(); err != nil {
		logger.Warn().Err(err).Msg("Error closing renderer connections")
	}
	if shutdownErr != nil {
		logger.Error().Err(shutdownErr).Msg("Server forced to shutdown")
		return shutdownErr
	}

	logger.Info().Msg("Server exited gracefully")
	return nil
}
