package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/otrun/internal/api/http"
	"github.com/execution-hub/otrun/internal/application/orchestrator"
	"github.com/execution-hub/otrun/internal/application/sequence"
	"github.com/execution-hub/otrun/internal/config"
	"github.com/execution-hub/otrun/internal/infrastructure/postgres"
	"github.com/execution-hub/otrun/internal/infrastructure/robot"
	"github.com/execution-hub/otrun/internal/infrastructure/sensor"
	"github.com/execution-hub/otrun/internal/infrastructure/sse"
	"github.com/execution-hub/otrun/internal/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := zerolog.New(os.Stdout).Level(cfg.LogLevel).With().Timestamp().Logger()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		log.Fatalf("db error: %v", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool, migrations.FS); err != nil {
		log.Fatalf("migration error: %v", err)
	}

	// repositories
	sequenceRepo := postgres.NewSequenceRepository(pool)

	// infrastructure
	sseHub := sse.NewHub(logger)
	newRobot := func(baseURL string) (orchestrator.Robot, error) {
		c, err := robot.NewClient(robot.Config{
			BaseURL:        baseURL,
			APIVersion:     cfg.RobotAPIVersion,
			RequestTimeout: cfg.RobotRequestTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	newSensor := func(url string) orchestrator.SensorReader {
		return sensor.NewHTTPReader(url, cfg.SensorTimeout, logger)
	}

	// services
	sequenceSvc := sequence.NewService(sequenceRepo, sseHub, newRobot, newSensor, sequence.Config{
		DefaultRobotURL: cfg.RobotURL,
		Orchestrator: orchestrator.Config{
			PollInterval: cfg.PollInterval,
			Timeout:      cfg.RunTimeout,
			Retry: orchestrator.RetryPolicy{
				MaxAttempts:    cfg.RetryMaxAttempts,
				InitialBackoff: cfg.RetryInitialBackoff,
				MaxBackoff:     cfg.RetryMaxBackoff,
			},
		},
	}, logger)

	// API server
	apiServer := httpapi.NewServer(sequenceSvc, sseHub, pool, cfg.APITokenHash, logger)

	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: /v1/events streams for as long as the client stays.
		IdleTimeout: 60 * time.Second,
	}

	// start server
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sseHub.Stop()
	_ = httpServer.Shutdown(ctxShutdown)
	if err := sequenceSvc.Shutdown(ctxShutdown); err != nil {
		logger.Warn().Err(err).Msg("sequences still settling at shutdown")
	}
}
