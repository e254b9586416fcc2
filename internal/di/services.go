package di

import (
	"fmt"

	"github.com/aristath/marketsync/internal/clientdata"
	"github.com/aristath/marketsync/internal/clients/tushare"
	"github.com/aristath/marketsync/internal/config"
	"github.com/aristath/marketsync/internal/domain"
	"github.com/aristath/marketsync/internal/events"
	"github.com/aristath/marketsync/internal/modules/fetchers"
	"github.com/aristath/marketsync/internal/modules/history"
	"github.com/aristath/marketsync/internal/modules/marketsync"
	"github.com/aristath/marketsync/internal/modules/presence"
	"github.com/aristath/marketsync/internal/provider"
	"github.com/aristath/marketsync/internal/ratelimit"
	"github.com/rs/zerolog"
)

// InitializeServices builds storage, provider access and the orchestrator.
// clock is injectable for tests; nil means the wall clock.
func InitializeServices(container *Container, cfg *config.Config, clock domain.Clock, log zerolog.Logger) error {
	if container == nil || container.MarketDB == nil || container.CacheDB == nil {
		return fmt.Errorf("container databases must be initialized first")
	}
	if clock == nil {
		clock = domain.RealClock{}
	}

	// Events
	container.EventBus = events.NewBus()
	container.EventManager = events.NewManager(container.EventBus, log)

	// Storage
	container.Store = history.NewStore(container.MarketDB.Conn(), log)
	container.ClientData = clientdata.NewRepository(container.CacheDB.Conn())

	// Provider access: every call passes the limiter, then the retry policy
	container.Limiter = ratelimit.New(ratelimit.Config{
		MaxConcurrent: cfg.RateLimit.Concurrency,
		MaxPerWindow:  cfg.RateLimit.PerMinute,
		Window:        ratelimit.DefaultWindow,
		WaitTimeout:   cfg.RateLimit.WaitTimeout,
	}, clock, log)

	opts := []tushare.Option{tushare.WithTimeout(cfg.ProviderTimeout)}
	if cfg.TushareURL != "" {
		opts = append(opts, tushare.WithBaseURL(cfg.TushareURL))
	}
	if cfg.TushareToken == "" {
		log.Warn().Msg("TUSHARE_TOKEN is not set, provider calls will be rejected")
	}
	container.TushareClient = tushare.NewClient(cfg.TushareToken, log, opts...)

	container.Gateway = provider.NewGateway(container.TushareClient, container.Limiter, provider.RetryPolicy{
		MaxAttempts:   cfg.Retry.MaxAttempts,
		BaseDelay:     cfg.Retry.BaseDelay,
		MaxDelay:      cfg.Retry.MaxDelay,
		JitterPercent: uint64(cfg.Retry.JitterPercent),
	}, clock, log)

	// Fetchers
	container.BarFetcher = fetchers.NewBarFetcher(container.Gateway, log)
	container.AdjFactorFetcher = fetchers.NewAdjFactorFetcher(container.Gateway, log)
	container.CalendarFetcher = fetchers.NewCalendarFetcher(container.Gateway, log)
	container.SecurityFetcher = fetchers.NewSecurityFetcher(container.Gateway, clock, log)

	// Presence: any committed write makes cached matrices stale
	container.PresenceCache = presence.NewCache(container.ClientData, cfg.PresenceCacheTTL, log)
	container.PresenceBuilder = presence.NewBuilder(container.Store, container.PresenceCache, cfg.Sync.Workers, log)
	container.Store.OnWrite(container.PresenceCache.Invalidate)

	container.Orchestrator = marketsync.NewOrchestrator(marketsync.Deps{
		Bars:       container.BarFetcher,
		AdjFactors: container.AdjFactorFetcher,
		Calendar:   container.CalendarFetcher,
		Securities: container.SecurityFetcher,
		Store:      container.Store,
		Presence:   container.PresenceBuilder,
		Events:     container.EventManager,
		Reports:    container.ClientData,
		Clock:      clock,
	}, marketsync.Config{
		Workers:             cfg.Sync.Workers,
		LookbackDays:        cfg.Sync.LookbackDays,
		Threshold:           cfg.Sync.MissingThreshold,
		Exchanges:           cfg.Sync.Exchanges,
		CalendarHorizonDays: cfg.Sync.CalendarHorizonDays,
		Location:            cfg.Location(),
	}, log)

	log.Info().
		Int("workers", cfg.Sync.Workers).
		Int("rate_limit_concurrency", cfg.RateLimit.Concurrency).
		Int("rate_limit_per_minute", cfg.RateLimit.PerMinute).
		Strs("exchanges", cfg.Sync.Exchanges).
		Msg("Services initialized")

	return nil
}
