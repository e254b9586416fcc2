package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/marketsync/internal/domain"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers bounds parallel date-column scans
const DefaultWorkers = 20

// DateScanner reads the stored dates of one security.
// Implemented by history.Store.
type DateScanner interface {
	ScanDateColumn(ctx context.Context, securityID string, r domain.DateRange) (map[time.Time]struct{}, error)
}

// Builder builds presence matrices from the store
type Builder struct {
	scanner DateScanner
	cache   *Cache
	workers int
	log     zerolog.Logger
}

// NewBuilder creates a builder. cache may be nil.
func NewBuilder(scanner DateScanner, cache *Cache, workers int, log zerolog.Logger) *Builder {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Builder{
		scanner: scanner,
		cache:   cache,
		workers: workers,
		log:     log.With().Str("component", "presence_builder").Logger(),
	}
}

type buildOptions struct {
	listDates map[string]time.Time
}

// BuildOption tunes a single build
type BuildOption func(*buildOptions)

// WithListDates excludes buckets before a security's listing date from its expected set
func WithListDates(listDates map[string]time.Time) BuildOption {
	return func(o *buildOptions) {
		o.listDates = listDates
	}
}

// Build returns the presence matrix of universe over buckets, from cache when fresh
func (b *Builder) Build(ctx context.Context, universe []string, buckets []time.Time, opts ...BuildOption) (*Matrix, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	buckets = normalizeBuckets(buckets)

	var key string
	if b.cache != nil {
		key = cacheKey(universe, buckets, o.listDates)
		if m, ok := b.cache.Load(key); ok {
			b.log.Debug().Str("key", key).Msg("Presence matrix served from cache")
			return m, nil
		}
	}

	m, err := b.scan(ctx, universe, buckets, o)
	if err != nil {
		return nil, err
	}

	if b.cache != nil {
		b.cache.Save(key, m)
	}
	return m, nil
}

// BuildFresh always rescans the store
func (b *Builder) BuildFresh(ctx context.Context, universe []string, buckets []time.Time, opts ...BuildOption) (*Matrix, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	return b.scan(ctx, universe, normalizeBuckets(buckets), o)
}

func (b *Builder) scan(ctx context.Context, universe []string, buckets []time.Time, o buildOptions) (*Matrix, error) {
	m := newMatrix(universe, buckets, o.listDates)
	if len(m.buckets) == 0 || len(m.universe) == 0 {
		return m, nil
	}

	window := domain.DateRange{From: m.buckets[0], To: m.buckets[len(m.buckets)-1]}
	start := time.Now()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)

	for _, id := range m.universe {
		id := id
		g.Go(func() error {
			dates, err := b.scanner.ScanDateColumn(gctx, id, window)
			if err != nil {
				return fmt.Errorf("failed to scan presence for %s: %w", id, err)
			}

			mu.Lock()
			defer mu.Unlock()
			for _, bucket := range m.buckets {
				if _, ok := dates[bucket]; ok || !m.expects(id, bucket) {
					continue
				}
				m.markMissing(bucket, id)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	b.log.Debug().
		Int("securities", len(m.universe)).
		Int("buckets", len(m.buckets)).
		Int("missing", m.TotalMissing()).
		Dur("duration", time.Since(start)).
		Msg("Presence matrix built")

	return m, nil
}

func normalizeBuckets(buckets []time.Time) []time.Time {
	seen := make(map[time.Time]struct{}, len(buckets))
	out := make([]time.Time, 0, len(buckets))
	for _, b := range buckets {
		d := domain.NormalizeDate(b)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}
