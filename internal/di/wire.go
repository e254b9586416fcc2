package di

import (
	"fmt"

	"github.com/aristath/marketsync/internal/config"
	"github.com/aristath/marketsync/internal/domain"
	"github.com/rs/zerolog"
)

// Wire initializes all dependencies and returns a fully configured container.
// Order: databases, services, work processor, scheduled jobs.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	return wire(cfg, nil, log)
}

func wire(cfg *config.Config, clock domain.Clock, log zerolog.Logger) (*Container, error) {
	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := InitializeServices(container, cfg, clock, log); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := InitializeWork(container, log); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to initialize work processor: %w", err)
	}

	if err := RegisterJobs(container, cfg, log); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to register jobs: %w", err)
	}

	log.Info().Msg("Dependency injection wiring completed successfully")

	return container, nil
}
