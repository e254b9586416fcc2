package work

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/marketsync/internal/events"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLog = zerolog.New(nil).Level(zerolog.Disabled)

func startProcessor(t *testing.T, registry *Registry, mgr *events.Manager) *Processor {
	t.Helper()
	p := NewProcessor(registry, mgr, quietLog)
	go p.Run()
	t.Cleanup(p.Stop)
	return p
}

func waitDone(t *testing.T, p *Processor, id string) *WorkItem {
	t.Helper()
	var item *WorkItem
	require.Eventually(t, func() bool {
		var ok bool
		item, ok = p.Get(id)
		return ok && item.Done()
	}, 2*time.Second, 5*time.Millisecond)
	return item
}

func TestProcessor_ExecutesSubmittedRun(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&WorkType{
		ID: "test:echo",
		Execute: func(ctx context.Context, payload interface{}) (interface{}, error) {
			return payload.(string) + "!", nil
		},
	})
	p := startProcessor(t, registry, nil)

	item, err := p.Submit("test:echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, item.Status)
	assert.NotEmpty(t, item.ID)

	done := waitDone(t, p, item.ID)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "hello!", done.Result)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.FinishedAt)
	assert.False(t, p.Busy())
}

func TestProcessor_RejectsSecondRunWhileBusy(t *testing.T) {
	release := make(chan struct{})
	var running atomic.Int32

	registry := NewRegistry()
	registry.Register(&WorkType{
		ID: "test:block",
		Execute: func(ctx context.Context, payload interface{}) (interface{}, error) {
			running.Add(1)
			defer running.Add(-1)
			<-release
			return nil, nil
		},
	})
	p := startProcessor(t, registry, nil)

	first, err := p.Submit("test:block", nil)
	require.NoError(t, err)

	_, err = p.Submit("test:block", nil)
	assert.ErrorIs(t, err, ErrBusy)

	require.Eventually(t, func() bool { return running.Load() == 1 }, time.Second, 5*time.Millisecond)
	snap := p.Snapshot()
	require.NotNil(t, snap.Active)
	assert.Equal(t, first.ID, snap.Active.ID)
	assert.Equal(t, StatusRunning, snap.Active.Status)

	_, err = p.Submit("test:block", nil)
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	waitDone(t, p, first.ID)

	second, err := p.Submit("test:block", nil)
	require.NoError(t, err)
	waitDone(t, p, second.ID)
	assert.LessOrEqual(t, running.Load(), int32(0))
}

func TestProcessor_UnknownWorkType(t *testing.T) {
	p := startProcessor(t, NewRegistry(), nil)
	_, err := p.Submit("nope", nil)
	assert.Error(t, err)
}

func TestProcessor_RecordsFailureAndPanic(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&WorkType{
		ID: "test:fail",
		Execute: func(ctx context.Context, payload interface{}) (interface{}, error) {
			return nil, errors.New("boom")
		},
	})
	registry.Register(&WorkType{
		ID: "test:panic",
		Execute: func(ctx context.Context, payload interface{}) (interface{}, error) {
			panic("unexpected")
		},
	})
	p := startProcessor(t, registry, nil)

	item, err := p.Submit("test:fail", nil)
	require.NoError(t, err)
	failed := waitDone(t, p, item.ID)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "boom", failed.Error)

	item, err = p.Submit("test:panic", nil)
	require.NoError(t, err)
	panicked := waitDone(t, p, item.ID)
	assert.Equal(t, StatusFailed, panicked.Status)
	assert.Contains(t, panicked.Error, "panic")

	recent := p.Snapshot().Recent
	require.Len(t, recent, 2)
	assert.Equal(t, panicked.ID, recent[0].ID, "history is newest first")
}

func TestProcessor_CancelRunningItem(t *testing.T) {
	registry := NewRegistry()
	started := make(chan struct{})
	registry.Register(&WorkType{
		ID: "test:wait",
		Execute: func(ctx context.Context, payload interface{}) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	p := startProcessor(t, registry, nil)

	item, err := p.Submit("test:wait", nil)
	require.NoError(t, err)
	<-started

	require.NoError(t, p.Cancel(item.ID))
	done := waitDone(t, p, item.ID)
	assert.Equal(t, StatusCanceled, done.Status)

	assert.ErrorIs(t, p.Cancel("missing"), ErrNotFound)
}

func TestProcessor_TimeoutMarksFailed(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&WorkType{
		ID: "test:slow",
		Execute: func(ctx context.Context, payload interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	p := NewProcessorWithTimeout(registry, nil, quietLog, 20*time.Millisecond)
	go p.Run()
	t.Cleanup(p.Stop)

	item, err := p.Submit("test:slow", nil)
	require.NoError(t, err)
	done := waitDone(t, p, item.ID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.Error, "timed out")
}

func TestProcessor_StopCancelsActiveRun(t *testing.T) {
	registry := NewRegistry()
	started := make(chan struct{})
	var sawCancel atomic.Bool
	registry.Register(&WorkType{
		ID: "test:wait",
		Execute: func(ctx context.Context, payload interface{}) (interface{}, error) {
			close(started)
			<-ctx.Done()
			sawCancel.Store(true)
			return nil, ctx.Err()
		},
	})
	p := NewProcessor(registry, nil, quietLog)
	go p.Run()

	_, err := p.Submit("test:wait", nil)
	require.NoError(t, err)
	<-started

	p.Stop()
	assert.True(t, sawCancel.Load())
	p.Stop()
}

func TestProcessor_EmitsRunQueued(t *testing.T) {
	bus := events.NewBus()
	var queued atomic.Value
	bus.Subscribe(events.RunQueued, func(e *events.Event) {
		queued.Store(e.Data.(*events.RunQueuedData).Kind)
	})

	registry := NewRegistry()
	registry.Register(&WorkType{
		ID:      "test:noop",
		Execute: func(ctx context.Context, payload interface{}) (interface{}, error) { return nil, nil },
	})
	p := startProcessor(t, registry, events.NewManager(bus, quietLog))

	_, err := p.Submit("test:noop", nil)
	require.NoError(t, err)
	assert.Equal(t, "test:noop", queued.Load())
}

func TestHandlers(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&WorkType{
		ID:          "test:noop",
		Description: "does nothing",
		Execute:     func(ctx context.Context, payload interface{}) (interface{}, error) { return nil, nil },
	})
	p := startProcessor(t, registry, nil)
	item, err := p.Submit("test:noop", nil)
	require.NoError(t, err)
	waitDone(t, p, item.ID)

	r := chi.NewRouter()
	r.Route("/api", NewHandlers(p, registry).RegisterRoutes)

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/api/work/types", http.StatusOK},
		{http.MethodGet, "/api/work/", http.StatusOK},
		{http.MethodGet, "/api/work/" + item.ID, http.StatusOK},
		{http.MethodGet, "/api/work/unknown", http.StatusNotFound},
		{http.MethodPost, "/api/work/unknown/cancel", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}
