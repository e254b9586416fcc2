package work

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/marketsync/internal/events"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned for unknown work item IDs
var ErrNotFound = errors.New("work item not found")

// Processor executes submitted runs one at a time
type Processor struct {
	registry *Registry
	events   *events.Manager
	log      zerolog.Logger
	timeout  time.Duration
	now      func() time.Time

	trigger chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	started atomic.Bool
	once    sync.Once

	// base is canceled by Stop and parents every run
	base       context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu            sync.Mutex
	pending       *WorkItem
	current       *WorkItem
	cancelCurrent context.CancelFunc
	history       []*WorkItem // newest first
}

// NewProcessor creates a processor. eventManager may be nil.
func NewProcessor(registry *Registry, eventManager *events.Manager, log zerolog.Logger) *Processor {
	return NewProcessorWithTimeout(registry, eventManager, log, WorkTimeout)
}

// NewProcessorWithTimeout creates a processor with a custom run timeout
func NewProcessorWithTimeout(registry *Registry, eventManager *events.Manager, log zerolog.Logger, timeout time.Duration) *Processor {
	base, cancel := context.WithCancel(context.Background())
	return &Processor{
		registry:   registry,
		events:     eventManager,
		log:        log.With().Str("component", "work_processor").Logger(),
		timeout:    timeout,
		now:        time.Now,
		trigger:    make(chan struct{}, 1),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
		base:       base,
		cancelBase: cancel,
	}
}

// Run starts the processor loop. This blocks until Stop() is called.
func (p *Processor) Run() {
	p.started.Store(true)
	defer close(p.stopped)

	for {
		select {
		case <-p.stop:
			return
		case <-p.trigger:
			p.processOne()
		}
	}
}

// Stop cancels the active run, waits for it to return and stops the loop
func (p *Processor) Stop() {
	p.once.Do(func() {
		p.cancelBase()
		close(p.stop)
		if p.started.Load() {
			<-p.stopped
		}
		p.wg.Wait()
	})
}

// Trigger wakes up the processor to check for work.
// This is non-blocking and can be called from any goroutine.
func (p *Processor) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
		// Trigger already pending
	}
}

// Submit queues a run of workTypeID. Returns ErrBusy while another run is queued or executing.
func (p *Processor) Submit(workTypeID string, payload interface{}) (*WorkItem, error) {
	wt := p.registry.Get(workTypeID)
	if wt == nil {
		return nil, fmt.Errorf("unknown work type: %s", workTypeID)
	}

	p.mu.Lock()
	if p.pending != nil || p.current != nil {
		p.mu.Unlock()
		return nil, ErrBusy
	}
	item := NewWorkItem(wt, payload, p.now())
	p.pending = item
	snapshot := item.clone()
	p.mu.Unlock()

	p.log.Info().Str("work", wt.ID).Str("item_id", item.ID).Msg("Run queued")
	p.events.EmitTyped("work", &events.RunQueuedData{RunID: item.ID, Kind: wt.ID})
	p.Trigger()
	return snapshot, nil
}

// Cancel cancels a queued or running item
func (p *Processor) Cancel(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.pending != nil && p.pending.ID == id:
		item := p.pending
		p.pending = nil
		item.Status = StatusCanceled
		finished := p.now()
		item.FinishedAt = &finished
		p.remember(item)
		return nil
	case p.current != nil && p.current.ID == id:
		p.cancelCurrent()
		return nil
	default:
		return ErrNotFound
	}
}

// Get returns a copy of the item with id
func (p *Processor) Get(id string) (*WorkItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, item := range p.items() {
		if item.ID == id {
			return item.clone(), true
		}
	}
	return nil, false
}

// Snapshot describes the processor for status endpoints
type Snapshot struct {
	Active *WorkItem   `json:"active,omitempty"`
	Recent []*WorkItem `json:"recent"`
}

// Snapshot returns the active item (queued or running) and the finished history
func (p *Processor) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s Snapshot
	if p.current != nil {
		s.Active = p.current.clone()
	} else if p.pending != nil {
		s.Active = p.pending.clone()
	}
	s.Recent = make([]*WorkItem, 0, len(p.history))
	for _, item := range p.history {
		s.Recent = append(s.Recent, item.clone())
	}
	return s
}

// Busy reports whether a run is queued or executing
func (p *Processor) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending != nil || p.current != nil
}

// items lists every known item. Must be called with lock held.
func (p *Processor) items() []*WorkItem {
	out := make([]*WorkItem, 0, len(p.history)+2)
	if p.current != nil {
		out = append(out, p.current)
	}
	if p.pending != nil {
		out = append(out, p.pending)
	}
	return append(out, p.history...)
}

// remember prepends a finished item to the history. Must be called with lock held.
func (p *Processor) remember(item *WorkItem) {
	p.history = append([]*WorkItem{item}, p.history...)
	if len(p.history) > HistorySize {
		p.history = p.history[:HistorySize]
	}
}

// processOne starts the pending item when the worker is free
func (p *Processor) processOne() {
	p.mu.Lock()
	if p.current != nil || p.pending == nil {
		p.mu.Unlock()
		return
	}
	item := p.pending
	p.pending = nil

	wt := p.registry.Get(item.TypeID)
	if wt == nil {
		item.Status = StatusFailed
		item.Error = "work type no longer registered"
		p.remember(item)
		p.mu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(p.base, p.timeout)
	started := p.now()
	item.Status = StatusRunning
	item.StartedAt = &started
	p.current = item
	p.cancelCurrent = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()

		result, err := p.execute(ctx, wt, item)
		p.finish(item, result, err, ctx.Err())
	}()
}

func (p *Processor) execute(ctx context.Context, wt *WorkType, item *WorkItem) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in work %s: %v", wt.ID, r)
		}
	}()
	return wt.Execute(ctx, item.Payload)
}

func (p *Processor) finish(item *WorkItem, result interface{}, err error, ctxErr error) {
	p.mu.Lock()
	finished := p.now()
	item.FinishedAt = &finished
	item.Result = result

	switch {
	case err == nil:
		item.Status = StatusCompleted
	case errors.Is(ctxErr, context.DeadlineExceeded):
		item.Status = StatusFailed
		item.Error = "timed out: " + err.Error()
	case errors.Is(err, context.Canceled):
		item.Status = StatusCanceled
		item.Error = err.Error()
	default:
		item.Status = StatusFailed
		item.Error = err.Error()
	}

	p.current = nil
	p.cancelCurrent = nil
	p.remember(item)
	status := item.Status
	p.mu.Unlock()

	log := p.log.With().Str("work", item.TypeID).Str("item_id", item.ID).Logger()
	switch status {
	case StatusCompleted:
		log.Info().Dur("duration", finished.Sub(*item.StartedAt)).Msg("Run completed")
	case StatusCanceled:
		log.Warn().Msg("Run canceled")
	default:
		log.Error().Err(err).Msg("Run failed")
	}

	p.Trigger()
}
