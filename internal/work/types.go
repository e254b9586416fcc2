package work

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// WorkTimeout bounds a single run. A cold full sync of the whole market is the longest case.
const WorkTimeout = 6 * time.Hour

// HistorySize is the number of finished items kept for status queries
const HistorySize = 20

// ErrBusy is returned when a run is already queued or executing
var ErrBusy = errors.New("a run is already queued or running")

// Status is the lifecycle state of a work item
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// WorkType defines a kind of run the processor can execute
type WorkType struct {
	// ID is the unique identifier for this work type (e.g. "sync:bars")
	ID string

	// Description is shown by the work type listing
	Description string

	// Execute performs the run. The returned value is kept as the item's result.
	Execute func(ctx context.Context, payload interface{}) (interface{}, error)
}

// WorkItem is one submitted run
type WorkItem struct {
	ID         string      `json:"id"`
	TypeID     string      `json:"type"`
	Status     Status      `json:"status"`
	Payload    interface{} `json:"payload,omitempty"`
	Result     interface{} `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// NewWorkItem creates a queued item for workType
func NewWorkItem(workType *WorkType, payload interface{}, now time.Time) *WorkItem {
	return &WorkItem{
		ID:        uuid.NewString(),
		TypeID:    workType.ID,
		Status:    StatusQueued,
		Payload:   payload,
		CreatedAt: now,
	}
}

// Done reports whether the item reached a final state
func (i *WorkItem) Done() bool {
	switch i.Status {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

func (i *WorkItem) clone() *WorkItem {
	cp := *i
	return &cp
}
