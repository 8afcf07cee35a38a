package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/transcript-gateway/internal/config"
	"github.com/lexiqai/transcript-gateway/internal/gateway"
	"github.com/lexiqai/transcript-gateway/internal/observability"
	"github.com/lexiqai/transcript-gateway/internal/registry"
	"github.com/lexiqai/transcript-gateway/internal/stream"
	"github.com/lexiqai/transcript-gateway/internal/stt"
	"github.com/lexiqai/transcript-gateway/internal/translation"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("stt_provider", cfg.STTProvider).
		Str("translation_provider", cfg.TranslationProvider).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Transcript Gateway Service starting")

	ctx := context.Background()

	// Process-wide translation client: cache, rate limiter and breaker are shared by every session
	translator, err := translation.NewClientFromConfig(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create translation client")
	}

	sttProvider, err := stt.NewProvider(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create STT provider")
	}
	if closer, ok := sttProvider.(io.Closer); ok {
		defer closer.Close()
	}

	sessions := registry.New(stream.Options{
		Provider:          sttProvider,
		Translator:        translator,
		Bridge:            stt.OptionsFromConfig(cfg),
		TranslatePartials: cfg.TranslatePartials,
		Deadline:          cfg.TranslationDeadline(),
		BufferSize:        cfg.ReorderBufferSize,
		DrainTimeout:      cfg.DrainTimeout(),
		DeliveryTimeout:   cfg.DeliveryTimeout(),
	})

	// Create HTTP server
	mux := http.NewServeMux()

	// Register client WebSocket handler
	mux.HandleFunc("/ws", gateway.HandleStreamWS(sessions, gateway.HandlerConfig{
		DefaultTarget: cfg.TranslationDefaultTarget,
	}))

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler(sessions.Len))

	// Readiness endpoint - checks are built here to avoid import cycles
	sttCheck := func(ctx context.Context) (bool, error) {
		// Provider construction already validated credentials; no API call to avoid costs
		return sttProvider != nil, nil
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"stt_" + sttProvider.Name(): sttCheck,
		"translation":               translator.Ready,
	}))

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

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Int("sessions", sessions.Len()).Msg("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	// Shutdown does not track hijacked WebSocket connections
	drainCtx, cancelDrain := context.WithTimeout(shutdownCtx, cfg.DrainTimeout()+time.Second)
	sessions.CloseAll(drainCtx)
	cancelDrain()

	logger.Info().Msg("Server exited gracefully")
}
