// Command andy runs the predictive-processing cognition core with the demo
// rover profile: a hierarchy of generative models predicting, perceiving,
// and acting over the shared event bus.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/khozyainov/andy/internal/bus"
	"github.com/khozyainov/andy/internal/config"
	"github.com/khozyainov/andy/internal/health"
	"github.com/khozyainov/andy/internal/memory"
	"github.com/khozyainov/andy/internal/metrics"
	"github.com/khozyainov/andy/internal/mgmt"
	"github.com/khozyainov/andy/internal/profile"
	"github.com/khozyainov/andy/internal/runtime"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("memory_dsn", cfg.MemoryDSN).
		Str("profile", cfg.ProfilePath).
		Msg("starting andy")

	// Long-term memory
	mem, err := memory.Open(cfg.MemoryDSN, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open long-term memory")
	}
	defer mem.Close()

	// Agent profile + YAML overrides
	prof := profile.Rover()
	overrides, err := profile.LoadOverrides(cfg.ProfilePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load profile overrides")
	}
	overrides.Apply(prof)

	// Cognition plumbing
	met := metrics.New()
	b := bus.New(logger, cfg.BusQueueWarn)
	rt, err := runtime.New(cfg, prof, b, mem, met, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid profile")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Health: memory probe plus round liveness for every GM. A GM quiet for
	// five round durations is slowing; past fifteen it is presumed wedged.
	vitals := health.NewVitals(b, logger)
	go func() {
		_ = vitals.Run(ctx)
	}()
	silence := make(map[string]time.Duration, len(prof.Defs))
	for name, def := range prof.Defs {
		silence[name] = 5 * def.MaxRoundDuration
	}
	checker := health.NewChecker(vitals, silence, logger)
	checker.Register("memory", func(ctx context.Context) health.Status {
		if _, _, err := mem.Recall(ctx, "health", "probe"); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})

	// Telemetry + metrics on the plain HTTP port
	hub := mgmt.NewTelemetryHub(b, logger)
	go func() {
		_ = hub.Run(ctx)
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", met.Handler())
	mux.HandleFunc("/healthz", health.LivenessHandler())
	mux.HandleFunc("/readyz", checker.ReadinessHandler())
	mux.HandleFunc("/ws/rounds", hub.Handler())
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Int("port", cfg.HTTPPort).Msg("metrics/telemetry listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	// Management API
	if cfg.MgmtEnabled {
		srv := mgmt.NewServer(cfg.MgmtListenAddr, rt, checker, logger)
		go func() {
			if err := srv.Listen(); err != nil {
				logger.Error().Err(err).Msg("mgmt server error")
			}
		}()
		defer srv.Shutdown()
	}

	// Run the cognition graph until a signal arrives.
	if err := rt.Run(ctx); err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("runtime error")
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	logger.Info().Msg("andy stopped")
}
