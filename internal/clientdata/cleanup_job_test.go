package clientdata

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupJobName(t *testing.T) {
	repo, _ := setupRepo(t)
	job := NewCleanupJob(repo, zerolog.Nop())

	assert.Equal(t, "cache_cleanup", job.Name())
}

func TestCleanupJobRun(t *testing.T) {
	repo, now := setupRepo(t)
	job := NewCleanupJob(repo, zerolog.Nop())

	require.NoError(t, repo.Store(NamespacePresence, "old", payload{}, time.Minute))
	require.NoError(t, repo.Store(NamespaceReports, "old", payload{}, time.Minute))
	require.NoError(t, repo.Store(NamespacePresence, "fresh", payload{}, time.Hour))

	*now = now.Add(10 * time.Minute)
	require.NoError(t, job.Run())

	found, err := repo.Get(NamespacePresence, "old", &payload{})
	require.NoError(t, err)
	assert.False(t, found)

	found, err = repo.Get(NamespaceReports, "old", &payload{})
	require.NoError(t, err)
	assert.False(t, found)

	found, err = repo.GetIfFresh(NamespacePresence, "fresh", &payload{})
	require.NoError(t, err)
	assert.True(t, found)
}

func TestDeleteAllExpired_ReportsPerNamespace(t *testing.T) {
	repo, now := setupRepo(t)

	require.NoError(t, repo.Store(NamespacePresence, "a", payload{}, time.Second))
	require.NoError(t, repo.Store(NamespacePresence, "b", payload{}, time.Second))
	*now = now.Add(time.Minute)

	results, err := repo.DeleteAllExpired()
	require.NoError(t, err)
	assert.Equal(t, int64(2), results[NamespacePresence])
	assert.Equal(t, int64(0), results[NamespaceReports])
}
