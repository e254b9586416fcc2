// Package provider is the only place that talks to the market data provider.
// Every attempt runs under a rate limiter permit, errors are classified into the
// domain taxonomy, and transient failures are retried per an injected RetryPolicy.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aristath/marketsync/internal/clients/tushare"
	"github.com/aristath/marketsync/internal/domain"
	"github.com/rs/zerolog"
)

// Table is a raw provider result set
type Table = tushare.Table

// Field lists requested from the provider
var (
	BarFields = []string{
		"ts_code", "trade_date", "open", "high", "low", "close",
		"pre_close", "change", "pct_chg", "vol", "amount", "adj_factor",
	}
	AdjFactorFields = []string{"ts_code", "trade_date", "adj_factor"}
	CalendarFields  = []string{"exchange", "cal_date", "is_open", "pretrade_date"}
	SecurityFields  = []string{
		"ts_code", "symbol", "name", "area", "industry", "market",
		"exchange", "list_date", "list_status", "is_hs",
	}
)

// Querier issues a single provider call
type Querier interface {
	Query(ctx context.Context, apiName string, params map[string]interface{}, fields []string) (*tushare.Table, error)
}

// Limiter runs fn while holding a rate limit permit
type Limiter interface {
	Do(ctx context.Context, fn func(context.Context) error) error
}

// Gateway wraps every provider call with rate limiting, classification and retry
type Gateway struct {
	client  Querier
	limiter Limiter
	policy  RetryPolicy
	clock   domain.Clock
	log     zerolog.Logger

	calls     atomic.Int64
	retries   atomic.Int64
	failures  atomic.Int64
	throttled atomic.Int64
}

// NewGateway creates a gateway. A nil clock means the wall clock.
func NewGateway(client Querier, limiter Limiter, policy RetryPolicy, clock domain.Clock, log zerolog.Logger) *Gateway {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Gateway{
		client:  client,
		limiter: limiter,
		policy:  policy.withDefaults(),
		clock:   clock,
		log:     log.With().Str("component", "provider_gateway").Logger(),
	}
}

// FetchEntityHistory pulls bars with merged adjustment factors for one security in one round trip
func (g *Gateway) FetchEntityHistory(ctx context.Context, securityID string, r domain.DateRange) (*Table, error) {
	if strings.TrimSpace(securityID) == "" {
		return nil, fmt.Errorf("%w: empty security id", domain.ErrPermanent)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPermanent, err)
	}
	return g.call(ctx, tushare.APIBars, map[string]interface{}{
		"ts_code":    securityID,
		"start_date": domain.FormatDate(r.From),
		"end_date":   domain.FormatDate(r.To),
		"freq":       "D",
		"adjfactor":  true,
	}, BarFields)
}

// FetchBucketAll pulls bars for every security on one trading date in one round trip
func (g *Gateway) FetchBucketAll(ctx context.Context, date time.Time) (*Table, error) {
	if date.IsZero() {
		return nil, fmt.Errorf("%w: zero trade date", domain.ErrPermanent)
	}
	return g.call(ctx, tushare.APIDaily, map[string]interface{}{
		"trade_date": domain.FormatDate(date),
	}, BarFields)
}

// FetchAdjFactors pulls standalone adjustment factors for one security
func (g *Gateway) FetchAdjFactors(ctx context.Context, securityID string, r domain.DateRange) (*Table, error) {
	if strings.TrimSpace(securityID) == "" {
		return nil, fmt.Errorf("%w: empty security id", domain.ErrPermanent)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPermanent, err)
	}
	return g.call(ctx, tushare.APIAdjFactor, map[string]interface{}{
		"ts_code":    securityID,
		"start_date": domain.FormatDate(r.From),
		"end_date":   domain.FormatDate(r.To),
	}, AdjFactorFields)
}

// FetchCalendar pulls the trading calendar of one exchange
func (g *Gateway) FetchCalendar(ctx context.Context, exchange string, r domain.DateRange) (*Table, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPermanent, err)
	}
	return g.call(ctx, tushare.APITradeCal, map[string]interface{}{
		"exchange":   exchange,
		"start_date": domain.FormatDate(r.From),
		"end_date":   domain.FormatDate(r.To),
	}, CalendarFields)
}

// FetchSecurities pulls the listed security universe
func (g *Gateway) FetchSecurities(ctx context.Context) (*Table, error) {
	return g.call(ctx, tushare.APIStockBasic, map[string]interface{}{
		"list_status": string(domain.ListStatusListed),
	}, SecurityFields)
}

// call performs one logical request. Each attempt takes its own permit.
func (g *Gateway) call(ctx context.Context, api string, params map[string]interface{}, fields []string) (*Table, error) {
	backoff := g.policy.Backoff()
	attempt := 0

	for {
		attempt++

		var table *Table
		err := g.limiter.Do(ctx, func(ctx context.Context) error {
			g.calls.Add(1)
			t, err := g.client.Query(ctx, api, params, fields)
			table = t
			return err
		})
		if err == nil {
			return table, nil
		}

		if errors.Is(err, domain.ErrThrottled) {
			g.throttled.Add(1)
			return nil, fmt.Errorf("%s: %w", api, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		classified := Classify(err)
		if !errors.Is(classified, domain.ErrTransient) {
			g.failures.Add(1)
			g.log.Warn().Err(err).Str("api", api).Msg("Provider call failed permanently")
			return nil, classified
		}

		delay, stop := backoff.Next()
		if stop {
			g.failures.Add(1)
			g.log.Error().Err(err).Str("api", api).Int("attempts", attempt).Msg("Provider call failed after retries")
			return nil, fmt.Errorf("%s failed after %d attempts: %w", api, attempt, classified)
		}

		g.retries.Add(1)
		g.log.Warn().
			Err(err).
			Str("api", api).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Transient provider error, retrying")

		if err := domain.Sleep(ctx, g.clock, delay); err != nil {
			return nil, err
		}
	}
}

// Stats counts provider traffic since start
type Stats struct {
	Calls     int64 `json:"calls"`
	Retries   int64 `json:"retries"`
	Failures  int64 `json:"failures"`
	Throttled int64 `json:"throttled"`
}

// Stats returns current counters
func (g *Gateway) Stats() Stats {
	return Stats{
		Calls:     g.calls.Load(),
		Retries:   g.retries.Load(),
		Failures:  g.failures.Load(),
		Throttled: g.throttled.Load(),
	}
}
