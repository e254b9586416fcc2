package presence

import (
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aristath/marketsync/internal/clientdata"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// cacheNamespace scopes presence cache keys
var cacheNamespace = uuid.MustParse("6f1f8a52-2b7e-4c55-9a0e-3c0c6d1b7a41")

// snapshot is the msgpack form of a Matrix, dates as unix seconds
type snapshot struct {
	Universe  []string           `msgpack:"u"`
	Buckets   []int64            `msgpack:"b"`
	ListDates map[string]int64   `msgpack:"l"`
	Missing   map[int64][]string `msgpack:"m"`
}

// Cache keeps built matrices in cache.db until the store changes
type Cache struct {
	repo *clientdata.Repository
	ttl  time.Duration
	// stored is set when an entry may exist, so invalidation skips the delete otherwise
	stored atomic.Bool
	log    zerolog.Logger
}

// NewCache creates a presence cache
func NewCache(repo *clientdata.Repository, ttl time.Duration, log zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = clientdata.TTLPresence
	}
	c := &Cache{
		repo: repo,
		ttl:  ttl,
		log:  log.With().Str("component", "presence_cache").Logger(),
	}
	// Entries from a previous process may describe a store that changed since
	c.stored.Store(true)
	return c
}

// Load returns a fresh cached matrix
func (c *Cache) Load(key string) (*Matrix, bool) {
	var snap snapshot
	found, err := c.repo.GetIfFresh(clientdata.NamespacePresence, key, &snap)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to read presence cache")
		return nil, false
	}
	if !found {
		return nil, false
	}
	return fromSnapshot(snap), true
}

// Save stores m under key. Failures are logged; the cache is best effort.
func (c *Cache) Save(key string, m *Matrix) {
	c.stored.Store(true)
	if err := c.repo.Store(clientdata.NamespacePresence, key, toSnapshot(m), c.ttl); err != nil {
		c.log.Warn().Err(err).Msg("Failed to write presence cache")
	}
}

// Invalidate drops every cached matrix. Registered as a store write hook.
func (c *Cache) Invalidate() {
	if !c.stored.Swap(false) {
		return
	}
	if _, err := c.repo.DeleteNamespace(clientdata.NamespacePresence); err != nil {
		c.stored.Store(true)
		c.log.Warn().Err(err).Msg("Failed to invalidate presence cache")
	}
}

// cacheKey is a name-based UUID of the window and universe
func cacheKey(universe []string, buckets []time.Time, listDates map[string]time.Time) string {
	ids := append([]string(nil), universe...)
	sort.Strings(ids)

	var b strings.Builder
	for _, d := range buckets {
		b.WriteString(strconv.FormatInt(d.Unix(), 10))
		b.WriteByte(',')
	}
	b.WriteByte('|')
	for _, id := range ids {
		b.WriteString(id)
		if d, ok := listDates[id]; ok {
			b.WriteByte('@')
			b.WriteString(strconv.FormatInt(d.Unix(), 10))
		}
		b.WriteByte(',')
	}
	return uuid.NewSHA1(cacheNamespace, []byte(b.String())).String()
}

func toSnapshot(m *Matrix) snapshot {
	snap := snapshot{
		Universe:  m.universe,
		Buckets:   make([]int64, len(m.buckets)),
		ListDates: make(map[string]int64, len(m.listDates)),
		Missing:   make(map[int64][]string, len(m.missing)),
	}
	for i, b := range m.buckets {
		snap.Buckets[i] = b.Unix()
	}
	for id, d := range m.listDates {
		snap.ListDates[id] = d.Unix()
	}
	for d, set := range m.missing {
		snap.Missing[d.Unix()] = setToSlice(set)
	}
	return snap
}

func fromSnapshot(snap snapshot) *Matrix {
	buckets := make([]time.Time, len(snap.Buckets))
	for i, b := range snap.Buckets {
		buckets[i] = time.Unix(b, 0).UTC()
	}
	listDates := make(map[string]time.Time, len(snap.ListDates))
	for id, d := range snap.ListDates {
		listDates[id] = time.Unix(d, 0).UTC()
	}
	m := newMatrix(snap.Universe, buckets, listDates)
	for d, ids := range snap.Missing {
		date := time.Unix(d, 0).UTC()
		for _, id := range ids {
			m.markMissing(date, id)
		}
	}
	return m
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
