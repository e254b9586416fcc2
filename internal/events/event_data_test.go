package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEventRoundTrip checks that typed data survives JSON by event type
func TestEventRoundTrip(t *testing.T) {
	in := &Event{
		Type:      BucketSynced,
		Timestamp: time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC),
		Module:    "marketsync",
		Data: &BucketSyncedData{
			RunID:       "run-1",
			Date:        "20240105",
			Missing:     1200,
			RowsWritten: 1180,
		},
	}

	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"BUCKET_SYNCED"`)
	assert.Contains(t, string(raw), `"rows_written":1180`)

	var out Event
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in.Type, out.Type)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))

	data, ok := out.Data.(*BucketSyncedData)
	require.True(t, ok)
	assert.Equal(t, "20240105", data.Date)
	assert.Equal(t, int64(1180), data.RowsWritten)
}

// TestEventUnknownTypeFallsBackToGeneric checks the generic data fallback
func TestEventUnknownTypeFallsBackToGeneric(t *testing.T) {
	var out Event
	require.NoError(t, json.Unmarshal([]byte(`{"type":"SOMETHING_NEW","module":"x","data":{"a":1}}`), &out))

	generic, ok := out.Data.(*GenericEventData)
	require.True(t, ok)
	assert.Equal(t, EventType("SOMETHING_NEW"), generic.EventType())
	assert.Equal(t, float64(1), generic.Data["a"])
}

func TestBus_SubscribeAndUnsubscribe(t *testing.T) {
	bus := NewBus()

	var got []*Event
	unsubscribe := bus.Subscribe(SyncStarted, func(e *Event) { got = append(got, e) })
	assert.Equal(t, 1, bus.SubscriberCount(SyncStarted))

	bus.Publish(&Event{Type: SyncStarted})
	bus.Publish(&Event{Type: SyncCompleted})
	assert.Len(t, got, 1)

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, bus.SubscriberCount(SyncStarted))

	bus.Publish(&Event{Type: SyncStarted})
	assert.Len(t, got, 1)
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	seen := map[EventType]int{}
	unsubscribe := bus.SubscribeAll(func(e *Event) {
		mu.Lock()
		seen[e.Type]++
		mu.Unlock()
	})
	defer unsubscribe()

	for _, et := range AllEventTypes {
		bus.Publish(&Event{Type: et})
	}
	assert.Len(t, seen, len(AllEventTypes))
}

func TestManager_EmitTypedPublishes(t *testing.T) {
	bus := NewBus()
	m := NewManager(bus, zerolog.Nop())

	var got *Event
	bus.Subscribe(SyncStateChanged, func(e *Event) { got = e })

	m.EmitTyped("marketsync", &SyncStateChangedData{RunID: "r", From: "idle", To: "deciding"})

	require.NotNil(t, got)
	assert.Equal(t, "marketsync", got.Module)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, "deciding", got.Data.(*SyncStateChangedData).To)
}

func TestManager_EmitError(t *testing.T) {
	bus := NewBus()
	m := NewManager(bus, zerolog.Nop())

	var got *Event
	bus.Subscribe(ErrorOccurred, func(e *Event) { got = e })

	m.EmitError("marketsync", errors.New("boom"), "transient", map[string]interface{}{"security_id": "600000.SH"})
	require.NotNil(t, got)
	data := got.Data.(*ErrorEventData)
	assert.Equal(t, "boom", data.Error)
	assert.Equal(t, "transient", data.Kind)

	// nil manager and nil error are no-ops
	var nilManager *Manager
	nilManager.EmitTyped("x", &RunQueuedData{})
	m.EmitError("x", nil, "", nil)
}
