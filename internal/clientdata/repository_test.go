package clientdata

import (
	"testing"
	"time"

	testingpkg "github.com/aristath/marketsync/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name   string
	Values map[string][]int64
}

func setupRepo(t *testing.T) (*Repository, *time.Time) {
	db, cleanup := testingpkg.NewTestCacheDB(t)
	t.Cleanup(cleanup)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewRepository(db.Conn()).WithNow(func() time.Time { return now })
	return repo, &now
}

func TestStoreAndGetIfFresh(t *testing.T) {
	repo, _ := setupRepo(t)

	in := payload{Name: "window", Values: map[string][]int64{"600000.SH": {1, 2, 3}}}
	require.NoError(t, repo.Store(NamespacePresence, "k1", in, time.Minute))

	var out payload
	found, err := repo.GetIfFresh(NamespacePresence, "k1", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, in, out)
}

func TestStoreReplacesEntry(t *testing.T) {
	repo, _ := setupRepo(t)

	require.NoError(t, repo.Store(NamespacePresence, "k1", payload{Name: "old"}, time.Minute))
	require.NoError(t, repo.Store(NamespacePresence, "k1", payload{Name: "new"}, time.Minute))

	var out payload
	found, err := repo.GetIfFresh(NamespacePresence, "k1", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "new", out.Name)
}

func TestGetIfFresh_ExpiredAndMissing(t *testing.T) {
	repo, now := setupRepo(t)

	require.NoError(t, repo.Store(NamespacePresence, "k1", payload{Name: "x"}, time.Minute))
	*now = now.Add(2 * time.Minute)

	var out payload
	found, err := repo.GetIfFresh(NamespacePresence, "k1", &out)
	require.NoError(t, err)
	assert.False(t, found)

	// Stale data stays readable through Get
	found, err = repo.Get(NamespacePresence, "k1", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "x", out.Name)

	found, err = repo.Get(NamespacePresence, "missing", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestNamespacesAreIsolated(t *testing.T) {
	repo, _ := setupRepo(t)

	require.NoError(t, repo.Store(NamespacePresence, "k", payload{Name: "p"}, time.Minute))
	require.NoError(t, repo.Store(NamespaceReports, "k", payload{Name: "c"}, time.Minute))

	deleted, err := repo.DeleteNamespace(NamespacePresence)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	var out payload
	found, err := repo.GetIfFresh(NamespaceReports, "k", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "c", out.Name)
}

func TestInvalidNamespace(t *testing.T) {
	repo, _ := setupRepo(t)

	err := repo.Store("users; DROP TABLE cache_entries", "k", payload{}, time.Minute)
	assert.ErrorContains(t, err, "invalid cache namespace")

	_, err = repo.GetIfFresh("nope", "k", &payload{})
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	repo, _ := setupRepo(t)

	require.NoError(t, repo.Store(NamespaceReports, "k", payload{Name: "c"}, time.Minute))
	require.NoError(t, repo.Delete(NamespaceReports, "k"))

	found, err := repo.Get(NamespaceReports, "k", &payload{})
	require.NoError(t, err)
	assert.False(t, found)
}
