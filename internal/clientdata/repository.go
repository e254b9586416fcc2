// Package clientdata provides a persistent cache for derived and provider data.
// Entries are msgpack blobs grouped by namespace, each with an expiration timestamp.
package clientdata

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Namespaces known to the cache. Cleanup walks all of them.
const (
	NamespacePresence = "presence"
	NamespaceReports  = "reports"
)

// AllNamespaces lists every namespace for cleanup operations
var AllNamespaces = []string{NamespacePresence, NamespaceReports}

var validNamespaces = func() map[string]bool {
	m := make(map[string]bool, len(AllNamespaces))
	for _, ns := range AllNamespaces {
		m[ns] = true
	}
	return m
}()

// Repository provides cache operations over cache.db
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository creates a new cache repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// WithNow replaces the time source, used by tests and fake clocks
func (r *Repository) WithNow(now func() time.Time) *Repository {
	r.now = now
	return r
}

func validateNamespace(ns string) error {
	if !validNamespaces[ns] {
		return fmt.Errorf("invalid cache namespace: %s", ns)
	}
	return nil
}

// Store saves value with expiration = now + ttl, replacing any previous entry
func (r *Repository) Store(namespace, key string, value interface{}, ttl time.Duration) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}

	payload, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	now := r.now()
	_, err = r.db.Exec(`
		INSERT INTO cache_entries (namespace, cache_key, payload, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (namespace, cache_key) DO UPDATE SET
			payload = excluded.payload,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at`,
		namespace, key, payload, now.Add(ttl).Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to store cache entry in %s: %w", namespace, err)
	}

	return nil
}

// GetIfFresh decodes the entry into dest when it exists and has not expired.
// It reports whether dest was filled.
func (r *Repository) GetIfFresh(namespace, key string, dest interface{}) (bool, error) {
	if err := validateNamespace(namespace); err != nil {
		return false, err
	}

	var payload []byte
	err := r.db.QueryRow(
		"SELECT payload FROM cache_entries WHERE namespace = ? AND cache_key = ? AND expires_at > ?",
		namespace, key, r.now().Unix(),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get cache entry from %s: %w", namespace, err)
	}

	if err := msgpack.Unmarshal(payload, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cache entry %s/%s: %w", namespace, key, err)
	}
	return true, nil
}

// Get decodes the entry regardless of expiration.
// Stale data is a fallback when the source is unavailable.
func (r *Repository) Get(namespace, key string, dest interface{}) (bool, error) {
	if err := validateNamespace(namespace); err != nil {
		return false, err
	}

	var payload []byte
	err := r.db.QueryRow(
		"SELECT payload FROM cache_entries WHERE namespace = ? AND cache_key = ?",
		namespace, key,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get cache entry from %s: %w", namespace, err)
	}

	if err := msgpack.Unmarshal(payload, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cache entry %s/%s: %w", namespace, key, err)
	}
	return true, nil
}

// Delete removes a specific entry
func (r *Repository) Delete(namespace, key string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}

	if _, err := r.db.Exec("DELETE FROM cache_entries WHERE namespace = ? AND cache_key = ?", namespace, key); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", namespace, err)
	}
	return nil
}

// DeleteNamespace removes every entry of a namespace and returns how many went
func (r *Repository) DeleteNamespace(namespace string) (int64, error) {
	if err := validateNamespace(namespace); err != nil {
		return 0, err
	}

	result, err := r.db.Exec("DELETE FROM cache_entries WHERE namespace = ?", namespace)
	if err != nil {
		return 0, fmt.Errorf("failed to clear %s: %w", namespace, err)
	}
	return result.RowsAffected()
}

// DeleteExpired removes all entries of a namespace where expires_at <= now.
// Returns the number of rows deleted.
func (r *Repository) DeleteExpired(namespace string) (int64, error) {
	if err := validateNamespace(namespace); err != nil {
		return 0, err
	}

	result, err := r.db.Exec(
		"DELETE FROM cache_entries WHERE namespace = ? AND expires_at <= ?",
		namespace, r.now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired from %s: %w", namespace, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected for %s: %w", namespace, err)
	}
	return deleted, nil
}

// DeleteAllExpired removes expired entries from every namespace.
// Returns a map of namespace to number of rows deleted.
func (r *Repository) DeleteAllExpired() (map[string]int64, error) {
	results := make(map[string]int64)

	for _, ns := range AllNamespaces {
		deleted, err := r.DeleteExpired(ns)
		if err != nil {
			return results, err
		}
		results[ns] = deleted
	}

	return results, nil
}
