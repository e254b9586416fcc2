// Package main is the entry point for the market data sync service.
//
// The service keeps a local SQLite copy of daily bars, adjustment factors,
// trading calendars and security metadata in step with the upstream provider.
// Runs are triggered by the scheduler or over HTTP and execute one at a time
// through the work processor.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata" // market time zone must resolve on minimal hosts

	"github.com/aristath/marketsync/internal/config"
	"github.com/aristath/marketsync/internal/di"
	"github.com/aristath/marketsync/internal/server"
	"github.com/aristath/marketsync/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})

	log.Info().
		Str("data_dir", cfg.DataDir).
		Str("timezone", cfg.MarketTimezone).
		Msg("Starting marketsync")

	// Databases, provider access, orchestrator, work processor and scheduler
	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}

	srv := server.New(server.Config{
		Log:       log,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
		MarketDB:  container.MarketDB,
		CacheDB:   container.CacheDB,
		Sync:      container.Orchestrator,
		Runs:      container.WorkProcessor,
		Registry:  container.WorkRegistry,
		Processor: container.WorkProcessor,
		Market:    container.Store,
		Limiter:   func() interface{} { return container.Limiter.Stats() },
		Gateway:   func() interface{} { return container.Gateway.Stats() },
		EventBus:  container.EventBus,
		Scheduler: container.Scheduler,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Stop accepting requests first so no new runs are queued
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Cancels an active run; its writes commit or roll back before the databases close
	container.Close()

	log.Info().Msg("Server stopped")
}
