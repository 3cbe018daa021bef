package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"script-harness/internal/api"
	"script-harness/internal/config"
	"script-harness/internal/harness"
	"script-harness/internal/mockdata"
	"script-harness/internal/monitor"
	"script-harness/internal/platform"
	"script-harness/internal/sandbox"
	"script-harness/internal/storage"
)

func main() {
	_ = godotenv.Load()

	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		log.Fatal().Err(err).Msg("invalid environment overrides")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	store, err := mockdata.NewSeededStore(cfg.Platform.FixturesPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Platform.FixturesPath).Msg("failed to load mock data fixtures")
	}

	platformAPI := platform.New(store, platform.Config{
		MinLatency: cfg.Platform.MinLatency,
		MaxLatency: cfg.Platform.MaxLatency,
		Recorder:   metrics,
		Tracer:     monitor.NewTracer(),
	})

	manager := sandbox.NewManager(platformAPI, sandbox.Options{
		MaxConcurrent:   cfg.Sandbox.MaxConcurrent,
		GracePeriod:     cfg.Sandbox.GracePeriod,
		TeardownTimeout: cfg.Sandbox.TeardownTimeout,
		SampleInterval:  cfg.Sandbox.MemorySampleInterval,
		MaxCallStack:    cfg.Sandbox.MaxCallStack,
	})

	scripts, err := openScripts(ctx, cfg.Scripts)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Scripts.Backend).Msg("failed to open script store")
	}
	defer scripts.Close()

	svc := harness.NewService(manager, store, scripts, metrics, harness.Options{
		Defaults: sandbox.Limits{
			Timeout:      cfg.Sandbox.DefaultTimeout,
			MemoryBytes:  cfg.Sandbox.DefaultMemoryBytes,
			APICallLimit: cfg.Sandbox.DefaultAPICalls,
		},
		Max: sandbox.Limits{
			Timeout:      cfg.Sandbox.MaxTimeout,
			MemoryBytes:  cfg.Sandbox.MaxMemoryBytes,
			APICallLimit: cfg.Sandbox.MaxAPICalls,
		},
		MaxScriptBytes: cfg.Sandbox.MaxScriptBytes,
	})

	server := api.NewServer(cfg, svc, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		// Running tests get until the deadline, then are cancelled.
		if err := svc.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Int64("active", manager.ActiveCount()).Msg("tests still running at shutdown")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("scripts_backend", cfg.Scripts.Backend).
		Strs("collections", store.Keys()).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	<-ctx.Done()
	log.Info().Msg("server stopped")
}

// openScripts builds the configured script store.
func openScripts(ctx context.Context, cfg config.ScriptsConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		mem := storage.NewMemoryStore()
		if cfg.Dir != "" {
			if _, err := mem.LoadDir(ctx, cfg.Dir); err != nil {
				return nil, err
			}
		}
		return mem, nil
	case "postgres":
		db, err := storage.New(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "sqlite":
		db, err := storage.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown scripts backend %q", cfg.Backend)
	}
}
