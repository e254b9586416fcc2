// Package events provides run-progress events, a publish/subscribe bus and a
// manager that emits and logs them.
package events

// EventType represents different event types
type EventType string

const (
	// Orchestration lifecycle
	SyncStateChanged EventType = "SYNC_STATE_CHANGED"
	SyncStarted      EventType = "SYNC_STARTED"
	SyncCompleted    EventType = "SYNC_COMPLETED"

	// Progress within a run
	BucketSynced     EventType = "BUCKET_SYNCED"
	SecuritySynced   EventType = "SECURITY_SYNCED"
	ReferenceSynced  EventType = "REFERENCE_SYNCED"
	AdjFactorsSynced EventType = "ADJ_FACTORS_SYNCED"

	// Run processor
	RunQueued EventType = "RUN_QUEUED"

	ErrorOccurred EventType = "ERROR_OCCURRED"
)

// AllEventTypes lists every event type, used by subscribers that want everything
var AllEventTypes = []EventType{
	SyncStateChanged,
	SyncStarted,
	SyncCompleted,
	BucketSynced,
	SecuritySynced,
	ReferenceSynced,
	AdjFactorsSynced,
	RunQueued,
	ErrorOccurred,
}
