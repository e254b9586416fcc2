// Package history is the transactional store for synchronized market data.
//
// Every write call is one atomic transaction. Writers are serialized through a
// single mutex so SQLite never sees competing write transactions from this
// process. Upserts only touch rows whose values differ, which makes replays
// idempotent: re-writing identical data reports zero rows written.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/aristath/marketsync/internal/database"
	"github.com/aristath/marketsync/internal/domain"
	"github.com/rs/zerolog"
)

// Store reads and writes bars, adjustment factors, calendars and securities
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex

	hooksMu sync.RWMutex
	onWrite []func()

	log zerolog.Logger
}

// NewStore creates a store over market.db
func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("component", "history_store").Logger(),
	}
}

// OnWrite registers fn to be called after any commit that changed rows
func (s *Store) OnWrite(fn func()) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onWrite = append(s.onWrite, fn)
}

func (s *Store) notifyWrite() {
	s.hooksMu.RLock()
	hooks := append([]func(){}, s.onWrite...)
	s.hooksMu.RUnlock()

	for _, fn := range hooks {
		fn()
	}
}

// write runs fn in a serialized transaction and returns the rows it changed.
// Failures other than cancellation are wrapped with domain.ErrStorage.
func (s *Store) write(ctx context.Context, op string, fn func(tx *sql.Tx) (int64, error)) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var written int64
	err := database.WithTransactionContext(ctx, s.db, func(tx *sql.Tx) error {
		n, err := fn(tx)
		written = n
		return err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return 0, ctxErr
		}
		s.log.Error().Err(err).Str("op", op).Msg("Write transaction failed")
		return 0, fmt.Errorf("%w: failed to %s: %w", domain.ErrStorage, op, err)
	}

	if written > 0 {
		s.notifyWrite()
	}
	return written, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
