package scheduler

import (
	"errors"

	"github.com/aristath/marketsync/internal/work"
	"github.com/rs/zerolog"
)

// Submitter queues runs on the work processor
type Submitter interface {
	Submit(workTypeID string, payload interface{}) (*work.WorkItem, error)
}

// SubmitRunJob queues a run of one work type on each tick.
// A tick that finds the processor busy is skipped, not queued.
type SubmitRunJob struct {
	name       string
	workTypeID string
	payload    func() interface{}
	submitter  Submitter
	log        zerolog.Logger
}

// NewSubmitRunJob creates a job named name that submits workTypeID.
// payload may be nil; it is evaluated on every tick.
func NewSubmitRunJob(name, workTypeID string, payload func() interface{}, submitter Submitter, log zerolog.Logger) *SubmitRunJob {
	return &SubmitRunJob{
		name:       name,
		workTypeID: workTypeID,
		payload:    payload,
		submitter:  submitter,
		log:        log.With().Str("job", name).Logger(),
	}
}

// Name returns the job name
func (j *SubmitRunJob) Name() string {
	return j.name
}

// Run submits the run
func (j *SubmitRunJob) Run() error {
	var payload interface{}
	if j.payload != nil {
		payload = j.payload()
	}

	item, err := j.submitter.Submit(j.workTypeID, payload)
	if errors.Is(err, work.ErrBusy) {
		j.log.Info().Msg("Previous run still active, skipping tick")
		return nil
	}
	if err != nil {
		return err
	}

	j.log.Info().Str("item_id", item.ID).Msg("Scheduled run queued")
	return nil
}
