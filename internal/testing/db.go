// Package testing provides testing utilities and helpers for the marketsync project.
package testing

import (
	"fmt"
	"os"
	"testing"

	"github.com/aristath/marketsync/internal/database"
)

// NewTestDB creates a temporary file-backed SQLite database with the embedded schema
// for name applied ("market", "cache"; unknown names get an empty database).
// Returns the database and an idempotent cleanup function.
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()
	return newTestDB(t, name, database.ProfileStandard, "")
}

// NewTestDBWithSchema creates a temporary database and executes schema on it instead of
// the embedded one.
func NewTestDBWithSchema(t *testing.T, name string, schema string) (*database.DB, func()) {
	t.Helper()
	return newTestDB(t, name, database.ProfileStandard, schema)
}

// NewTestCacheDB creates a temporary database with the cache profile
func NewTestCacheDB(t *testing.T) (*database.DB, func()) {
	t.Helper()
	return newTestDB(t, "cache", database.ProfileCache, "")
}

func newTestDB(t *testing.T, name string, profile database.Profile, schema string) (*database.DB, func()) {
	t.Helper()

	// Temporary files keep tests isolated from each other
	tmpFile, err := os.CreateTemp("", fmt.Sprintf("test_%s_*.db", name))
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: profile,
		Name:    name,
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}

	if schema != "" {
		_, err = db.Conn().Exec(schema)
	} else {
		err = db.Migrate()
	}
	if err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to prepare test database %s: %v", name, err)
	}

	closed := false
	return db, func() {
		if closed {
			return
		}
		closed = true
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close test database %s: %v", name, err)
		}
		for _, suffix := range []string{"", "-wal", "-shm"} {
			_ = os.Remove(tmpPath + suffix)
		}
	}
}
