// Command bot is the trading core's process entry point: load config,
// assemble the engine, serve health/metrics, and run until a shutdown
// signal arrives.
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
	"github.com/rs/zerolog"

	"kats-core/internal/config"
	"kats-core/internal/engine"
	"kats-core/internal/metrics"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("KATS_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config from %s: %v\n", cfgPath, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging.Level, cfg.Logging.Format)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to assemble engine")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start engine")
	}

	var opsServer *http.Server
	if cfg.Ops.Enabled {
		opsServer = startOpsServer(cfg.Ops.Port, logger)
	}

	logger.Info().
		Str("trade_mode", cfg.TradeMode).
		Bool("ops_enabled", cfg.Ops.Enabled).
		Msg("kats-core started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	if opsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("ops server shutdown error")
		}
	}

	if err := eng.Stop(); err != nil {
		logger.Error().Err(err).Msg("engine stop returned error")
	}
}

func newLogger(level, format string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var out zerolog.Logger
	if format == "console" {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	} else {
		out = zerolog.New(os.Stdout)
	}
	return out.Level(lvl).With().Timestamp().Str("service", "kats-core").Logger()
}

// startOpsServer serves /healthz and /metrics on a background goroutine.
// It is deliberately not wired into the engine's supervised errgroup —
// an ops-surface failure should never take down the trading engine.
func startOpsServer(port int, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("ops server failed")
		}
	}()
	logger.Info().Int("port", port).Msg("ops server listening")
	return srv
}
