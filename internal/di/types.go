// Package di wires the application together.
//
// Container holds every long-lived instance. It is built by Wire and handed
// to the HTTP server and the entrypoint; nothing else constructs these.
package di

import (
	"github.com/aristath/marketsync/internal/clientdata"
	"github.com/aristath/marketsync/internal/clients/tushare"
	"github.com/aristath/marketsync/internal/database"
	"github.com/aristath/marketsync/internal/events"
	"github.com/aristath/marketsync/internal/modules/fetchers"
	"github.com/aristath/marketsync/internal/modules/history"
	"github.com/aristath/marketsync/internal/modules/marketsync"
	"github.com/aristath/marketsync/internal/modules/presence"
	"github.com/aristath/marketsync/internal/provider"
	"github.com/aristath/marketsync/internal/ratelimit"
	"github.com/aristath/marketsync/internal/scheduler"
	"github.com/aristath/marketsync/internal/work"
)

// Container holds all dependencies for the application
type Container struct {
	// Databases
	MarketDB *database.DB // securities, calendar, bars, adj factors
	CacheDB  *database.DB // presence matrices and run reports

	// Storage
	Store      *history.Store
	ClientData *clientdata.Repository

	// Provider access
	Limiter       *ratelimit.Limiter
	TushareClient *tushare.Client
	Gateway       *provider.Gateway

	// Fetchers
	BarFetcher       *fetchers.BarFetcher
	AdjFactorFetcher *fetchers.AdjFactorFetcher
	CalendarFetcher  *fetchers.CalendarFetcher
	SecurityFetcher  *fetchers.SecurityFetcher

	// Sync
	PresenceCache   *presence.Cache
	PresenceBuilder *presence.Builder
	Orchestrator    *marketsync.Orchestrator

	// Events
	EventBus     *events.Bus
	EventManager *events.Manager

	// Background work
	WorkRegistry  *work.Registry
	WorkProcessor *work.Processor
	Scheduler     *scheduler.Scheduler
}

// Databases returns the open databases keyed by name
func (c *Container) Databases() map[string]*database.DB {
	dbs := make(map[string]*database.DB, 2)
	if c.MarketDB != nil {
		dbs[c.MarketDB.Name()] = c.MarketDB
	}
	if c.CacheDB != nil {
		dbs[c.CacheDB.Name()] = c.CacheDB
	}
	return dbs
}

// Close stops background work and closes the databases. Safe to call on a partially built container.
func (c *Container) Close() {
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	if c.WorkProcessor != nil {
		c.WorkProcessor.Stop()
	}
	if c.MarketDB != nil {
		c.MarketDB.Close()
	}
	if c.CacheDB != nil {
		c.CacheDB.Close()
	}
}
