package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/aristath/marketsync/internal/domain"
	"github.com/aristath/marketsync/internal/events"
	"github.com/aristath/marketsync/internal/modules/history"
	"github.com/aristath/marketsync/internal/modules/marketsync"
	"github.com/aristath/marketsync/internal/scheduler"
	testingpkg "github.com/aristath/marketsync/internal/testing"
	"github.com/aristath/marketsync/internal/work"
)

var quietLog = zerolog.Nop()

type fakeSyncStatus struct {
	state  marketsync.State
	report *marketsync.Report
}

func (f *fakeSyncStatus) State() marketsync.State         { return f.state }
func (f *fakeSyncStatus) LastReport() *marketsync.Report { return f.report }

type testEnv struct {
	server    *Server
	store     *history.Store
	processor *work.Processor
	bus       *events.Bus
	payloads  chan interface{}
	release   chan struct{}
}

// newTestEnv wires a server over a real store and a processor whose sync work
// blocks until release is closed
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	marketDB, cleanup := testingpkg.NewTestDB(t, "market")
	t.Cleanup(cleanup)
	store := history.NewStore(marketDB.Conn(), quietLog)

	env := &testEnv{
		store:    store,
		bus:      events.NewBus(),
		payloads: make(chan interface{}, 4),
		release:  make(chan struct{}),
	}

	registry := work.NewRegistry()
	for _, id := range []string{
		marketsync.WorkTypeSync,
		marketsync.WorkTypeReference,
		marketsync.WorkTypeAdjFactors,
		marketsync.WorkTypeSecurityHistory,
	} {
		registry.Register(&work.WorkType{
			ID: id,
			Execute: func(ctx context.Context, payload interface{}) (interface{}, error) {
				env.payloads <- payload
				select {
				case <-env.release:
				case <-ctx.Done():
				}
				return nil, nil
			},
		})
	}
	env.processor = work.NewProcessor(registry, nil, quietLog)
	go env.processor.Run()
	t.Cleanup(func() {
		select {
		case <-env.release:
		default:
			close(env.release)
		}
		env.processor.Stop()
	})

	sched := scheduler.New(quietLog)
	require.NoError(t, sched.AddJob("0 30 17 * * MON-FRI", scheduler.NewSubmitRunJob("sync_bars", marketsync.WorkTypeSync, nil, env.processor, quietLog)))

	env.server = New(Config{
		Log:       quietLog,
		DevMode:   true,
		MarketDB:  marketDB,
		Sync:      &fakeSyncStatus{state: marketsync.StateIdle},
		Runs:      env.processor,
		Registry:  registry,
		Processor: env.processor,
		Market:    store,
		Limiter:   func() interface{} { return map[string]int{"max_concurrent": 2} },
		EventBus:  env.bus,
		Scheduler: sched,
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
}

func TestTriggerSync_QueuesAndRejectsWhileBusy(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/sync", `{"mode":"incremental","lookback_days":30,"threshold":500}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.NotEmpty(t, body["run_id"])
	assert.Equal(t, marketsync.WorkTypeSync, body["type"])

	select {
	case payload := <-env.payloads:
		assert.Equal(t, marketsync.Request{Mode: domain.SyncModeIncremental, LookbackDays: 30, Threshold: 500}, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("run never started")
	}

	rec = env.do(t, http.MethodPost, "/api/sync", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/reference/sync", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/sync/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	assert.Equal(t, "idle", status["state"])
	assert.NotNil(t, status["limiter"])
	runs := status["runs"].(map[string]interface{})
	assert.NotNil(t, runs["active"])
}

func TestTriggerSync_ValidatesBody(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"mode":`},
		{"unknown mode", `{"mode":"sideways"}`},
		{"negative threshold", `{"threshold":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/sync", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.False(t, env.processor.Busy())
}

func TestTriggerAdjFactors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/securities/600000.SH/adj-factors/sync?from=20240101&to=20240131", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case payload := <-env.payloads:
		assert.Equal(t, marketsync.AdjFactorRequest{
			SecurityID: "600000.SH",
			Range:      domain.DateRange{From: testingpkg.Day(0), To: testingpkg.Day(30)},
		}, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("run never started")
	}
}

func TestDataEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.store.UpsertSecurities(ctx, testingpkg.NewSecurityFixtures())
	require.NoError(t, err)
	_, err = env.store.AppendCalendar(ctx, []domain.TradingCalendarEntry{
		{Exchange: "SSE", Date: testingpkg.Day(1), IsOpen: true},
		{Exchange: "SSE", Date: testingpkg.Day(2), IsOpen: false},
		{Exchange: "SSE", Date: testingpkg.Day(3), IsOpen: true},
	})
	require.NoError(t, err)

	bars := testingpkg.NewBars("600000.SH", []time.Time{testingpkg.Day(1), testingpkg.Day(3)}, 10)
	bars[0].AdjFactor = domain.Float(1)
	bars[1].AdjFactor = domain.Float(2)
	_, err = env.store.UpsertBars(ctx, bars)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/securities", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["count"])

	rec = env.do(t, http.MethodGet, "/api/securities/600000.SH", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/securities/999999.SH", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/bars/600000.SH?from=20240101&to=20240110", "")
	require.Equal(t, http.StatusOK, rec.Code)
	raw := decode(t, rec)
	assert.Equal(t, float64(2), raw["count"])
	assert.Equal(t, "none", raw["adjust"])
	first := raw["bars"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, 10.0, first["close"])

	rec = env.do(t, http.MethodGet, "/api/bars/600000.SH?from=20240101&to=20240110&adjust=qfq", "")
	require.Equal(t, http.StatusOK, rec.Code)
	adjusted := decode(t, rec)
	first = adjusted["bars"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, 5.0, first["close"], "older bar scaled by factor/latest")

	rec = env.do(t, http.MethodGet, "/api/bars/600000.SH?adjust=hfq", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/bars/600000.SH?from=20240110&to=20240101", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/bars/600000.SH?from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/calendar/SSE?from=20240101&to=20240110", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cal := decode(t, rec)
	assert.Equal(t, []interface{}{"20240102", "20240104"}, cal["dates"])
}

func TestTriggerSecurityHistory(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/securities/600000.SH/history/sync", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "from is required")
	rec = env.do(t, http.MethodPost, "/api/securities/600000.SH/history/sync?from=20240131&to=20240101", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/securities/600000.SH/history/sync?from=20240101&to=20240131", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, marketsync.WorkTypeSecurityHistory, decode(t, rec)["type"])

	select {
	case payload := <-env.payloads:
		assert.Equal(t, marketsync.SecurityHistoryRequest{
			SecurityID: "600000.SH",
			Range:      domain.DateRange{From: testingpkg.Day(0), To: testingpkg.Day(30)},
		}, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("run never started")
	}

	rec = env.do(t, http.MethodPost, "/api/securities/000001.SZ/history/sync?from=20240101", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSystemEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/system/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode(t, rec)
	assert.Contains(t, stats["databases"], "market")

	rec = env.do(t, http.MethodGet, "/api/system/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decode(t, rec)["jobs"].([]interface{})
	require.Len(t, jobs, 1)
	assert.Equal(t, "sync_bars", jobs[0].(map[string]interface{})["name"])

	rec = env.do(t, http.MethodGet, "/api/work/types", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events/ws?types=" + string(events.BucketSynced)
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() streamMessage {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var msg streamMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	assert.Equal(t, "connected", read().Type)

	// Subscription happens before the greeting, so publishing now is observed
	mgr := events.NewManager(env.bus, quietLog)
	mgr.EmitTyped("marketsync", &events.SyncStartedData{RunID: "ignored"})
	mgr.EmitTyped("marketsync", &events.BucketSyncedData{RunID: "r1", Date: "20240110", Missing: 3, RowsWritten: 3})

	msg := read()
	assert.Equal(t, string(events.BucketSynced), msg.Type)
	assert.Equal(t, "marketsync", msg.Module)
	data := msg.Data.(map[string]interface{})
	assert.Equal(t, "r1", data["run_id"])
}
