package events

import (
	"encoding/json"
	"time"
)

// EventData is the interface that all event data types must implement
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// SyncStateChangedData contains data for SyncStateChanged events
type SyncStateChangedData struct {
	RunID string `json:"run_id"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// EventType returns the event type for SyncStateChangedData
func (d *SyncStateChangedData) EventType() EventType {
	return SyncStateChanged
}

// SyncStartedData contains data for SyncStarted events
type SyncStartedData struct {
	RunID        string `json:"run_id"`
	Mode         string `json:"mode"`
	LookbackDays int    `json:"lookback_days"`
	Threshold    int    `json:"threshold"`
}

// EventType returns the event type for SyncStartedData
func (d *SyncStartedData) EventType() EventType {
	return SyncStarted
}

// SyncCompletedData contains data for SyncCompleted events
type SyncCompletedData struct {
	RunID                string  `json:"run_id"`
	Mode                 string  `json:"mode"`
	RowsWritten          int64   `json:"rows_written"`
	BulkBuckets          int     `json:"bulk_buckets"`
	GapCalls             int     `json:"gap_calls"`
	UnresolvedBuckets    int     `json:"unresolved_buckets"`
	UnresolvedSecurities int     `json:"unresolved_securities"`
	Failures             int     `json:"failures"`
	DurationSeconds      float64 `json:"duration_seconds"`
	Canceled             bool    `json:"canceled,omitempty"`
}

// EventType returns the event type for SyncCompletedData
func (d *SyncCompletedData) EventType() EventType {
	return SyncCompleted
}

// BucketSyncedData contains data for BucketSynced events
type BucketSyncedData struct {
	RunID       string `json:"run_id"`
	Date        string `json:"date"`
	Missing     int    `json:"missing"`
	RowsWritten int64  `json:"rows_written"`
}

// EventType returns the event type for BucketSyncedData
func (d *BucketSyncedData) EventType() EventType {
	return BucketSynced
}

// SecuritySyncedData contains data for SecuritySynced events
type SecuritySyncedData struct {
	RunID       string `json:"run_id"`
	SecurityID  string `json:"security_id"`
	From        string `json:"from"`
	To          string `json:"to"`
	RowsWritten int64  `json:"rows_written"`
}

// EventType returns the event type for SecuritySyncedData
func (d *SecuritySyncedData) EventType() EventType {
	return SecuritySynced
}

// ReferenceSyncedData contains data for ReferenceSynced events
type ReferenceSyncedData struct {
	Securities      int64    `json:"securities"`
	CalendarEntries int64    `json:"calendar_entries"`
	Exchanges       []string `json:"exchanges,omitempty"`
}

// EventType returns the event type for ReferenceSyncedData
func (d *ReferenceSyncedData) EventType() EventType {
	return ReferenceSynced
}

// AdjFactorsSyncedData contains data for AdjFactorsSynced events
type AdjFactorsSyncedData struct {
	SecurityID  string `json:"security_id"`
	RowsWritten int64  `json:"rows_written"`
}

// EventType returns the event type for AdjFactorsSyncedData
func (d *AdjFactorsSyncedData) EventType() EventType {
	return AdjFactorsSynced
}

// RunQueuedData contains data for RunQueued events
type RunQueuedData struct {
	RunID string `json:"run_id"`
	Kind  string `json:"kind"`
}

// EventType returns the event type for RunQueuedData
func (d *RunQueuedData) EventType() EventType {
	return RunQueued
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Kind    string                 `json:"kind,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

// Event is one emitted event with typed data
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data,omitempty"`
}

// UnmarshalJSON restores the typed data of an event from its type
func (e *Event) UnmarshalJSON(data []byte) error {
	type Alias Event
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	e.Data = nil
	if len(aux.Data) == 0 || string(aux.Data) == "null" {
		return nil
	}

	var eventData EventData
	switch aux.Type {
	case SyncStateChanged:
		eventData = &SyncStateChangedData{}
	case SyncStarted:
		eventData = &SyncStartedData{}
	case SyncCompleted:
		eventData = &SyncCompletedData{}
	case BucketSynced:
		eventData = &BucketSyncedData{}
	case SecuritySynced:
		eventData = &SecuritySyncedData{}
	case ReferenceSynced:
		eventData = &ReferenceSyncedData{}
	case AdjFactorsSynced:
		eventData = &AdjFactorsSyncedData{}
	case RunQueued:
		eventData = &RunQueuedData{}
	case ErrorOccurred:
		eventData = &ErrorEventData{}
	default:
		generic := &GenericEventData{Type: aux.Type}
		eventData = generic
	}

	if err := json.Unmarshal(aux.Data, eventData); err != nil {
		return err
	}
	e.Data = eventData
	return nil
}

// GenericEventData is a fallback for events that don't have a specific type
type GenericEventData struct {
	Type EventType              `json:"-"`
	Data map[string]interface{} `json:"-"`
}

// EventType returns the event type for GenericEventData
func (d *GenericEventData) EventType() EventType {
	return d.Type
}

// MarshalJSON customizes JSON serialization for GenericEventData
func (d *GenericEventData) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Data)
}

// UnmarshalJSON customizes JSON deserialization for GenericEventData
func (d *GenericEventData) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &d.Data)
}
