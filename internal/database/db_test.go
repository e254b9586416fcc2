package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T, name string, profile Profile) *DB {
	t.Helper()
	db, err := New(Config{
		Path:    filepath.Join(t.TempDir(), name+".db"),
		Profile: profile,
		Name:    name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBuildConnectionString(t *testing.T) {
	standard := buildConnectionString("/tmp/x.db", ProfileStandard)
	assert.Contains(t, standard, "/tmp/x.db?_pragma=journal_mode(WAL)")
	assert.Contains(t, standard, "_pragma=synchronous(NORMAL)")
	assert.Contains(t, standard, "_pragma=cache_size(-64000)")

	cache := buildConnectionString("/tmp/c.db", ProfileCache)
	assert.Contains(t, cache, "_pragma=synchronous(OFF)")
	assert.NotContains(t, cache, "synchronous(NORMAL)")

	withQuery := buildConnectionString("file:test?mode=memory", ProfileStandard)
	assert.Contains(t, withQuery, "file:test?mode=memory&_pragma=journal_mode(WAL)")
}

func TestMigrate_CreatesMarketTables(t *testing.T) {
	db := newTestDB(t, "market", ProfileStandard)
	require.NoError(t, db.Migrate())
	// Applying twice is harmless
	require.NoError(t, db.Migrate())

	for _, table := range []string{"securities", "trading_calendar", "daily_bars", "adj_factors"} {
		var name string
		err := db.Conn().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}
}

func TestMigrate_UnknownNameIsNoop(t *testing.T) {
	db := newTestDB(t, "scratch", ProfileCache)
	assert.NoError(t, db.Migrate())
}

func TestWithTransaction_CommitAndRollback(t *testing.T) {
	db := newTestDB(t, "scratch", ProfileStandard)
	_, err := db.Conn().Exec(`CREATE TABLE t (v INTEGER)`)
	require.NoError(t, err)

	err = WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO t VALUES (1)`)
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO t VALUES (2)`); err != nil {
			return err
		}
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	err = WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, _ = tx.Exec(`INSERT INTO t VALUES (3)`)
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in transaction")

	var count int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM t`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestWithTransaction_NilDB(t *testing.T) {
	err := WithTransaction(nil, func(tx *sql.Tx) error { return nil })
	assert.Error(t, err)
}

func TestHealthAndStats(t *testing.T) {
	db := newTestDB(t, "market", ProfileStandard)
	require.NoError(t, db.Migrate())
	ctx := context.Background()

	require.NoError(t, db.QuickCheck(ctx))
	require.NoError(t, db.HealthCheck(ctx))

	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "market", stats.Name)
	assert.Greater(t, stats.PageSize, int64(0))
	assert.Greater(t, stats.PageCount, int64(0))

	_, err = db.WALCheckpoint(ctx, "passive")
	require.NoError(t, err)
	_, err = db.WALCheckpoint(ctx, "")
	require.NoError(t, err)
	_, err = db.WALCheckpoint(ctx, "bogus")
	assert.Error(t, err)
}
