package di

import (
	"context"
	"fmt"

	"github.com/aristath/marketsync/internal/modules/marketsync"
	"github.com/aristath/marketsync/internal/work"
	"github.com/rs/zerolog"
)

// InitializeWork registers the run types and starts the processor
func InitializeWork(container *Container, log zerolog.Logger) error {
	if container.Orchestrator == nil {
		return fmt.Errorf("orchestrator must be initialized first")
	}

	registry := work.NewRegistry()
	registerSyncWork(registry, container.Orchestrator)

	container.WorkRegistry = registry
	container.WorkProcessor = work.NewProcessor(registry, container.EventManager, log)
	go container.WorkProcessor.Run()

	log.Info().Int("work_types", len(registry.List())).Msg("Work processor started")
	return nil
}

func registerSyncWork(registry *work.Registry, o *marketsync.Orchestrator) {
	registry.Register(&work.WorkType{
		ID:          marketsync.WorkTypeSync,
		Description: "Synchronize daily bars for the listed universe",
		Execute: func(ctx context.Context, payload interface{}) (interface{}, error) {
			req, err := syncRequest(payload)
			if err != nil {
				return nil, err
			}
			report, err := o.Run(ctx, req)
			if report == nil {
				return nil, err
			}
			return report, err
		},
	})

	registry.Register(&work.WorkType{
		ID:          marketsync.WorkTypeReference,
		Description: "Refresh trading calendars and security metadata",
		Execute: func(ctx context.Context, _ interface{}) (interface{}, error) {
			res := o.SyncReferenceData(ctx)
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if len(res.Failures) > 0 {
				return res, fmt.Errorf("reference sync finished with %d failures", len(res.Failures))
			}
			return res, nil
		},
	})

	registry.Register(&work.WorkType{
		ID:          marketsync.WorkTypeAdjFactors,
		Description: "Backfill standalone adjustment factors for one security",
		Execute: func(ctx context.Context, payload interface{}) (interface{}, error) {
			req, ok := payloadAs[marketsync.AdjFactorRequest](payload)
			if !ok || req.SecurityID == "" {
				return nil, fmt.Errorf("adj factor backfill needs a security id, got %T", payload)
			}
			written, err := o.BackfillAdjFactors(ctx, req.SecurityID, req.Range)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"security_id": req.SecurityID, "rows_written": written}, nil
		},
	})

	registry.Register(&work.WorkType{
		ID:          marketsync.WorkTypeSecurityHistory,
		Description: "Re-pull bars and adjustment factors for one security over a range",
		Execute: func(ctx context.Context, payload interface{}) (interface{}, error) {
			req, ok := payloadAs[marketsync.SecurityHistoryRequest](payload)
			if !ok || req.SecurityID == "" {
				return nil, fmt.Errorf("security history backfill needs a security id, got %T", payload)
			}
			res, err := o.BackfillSecurityHistory(ctx, req)
			if res == nil {
				return nil, err
			}
			return res, err
		},
	})
}

// payloadAs accepts a T or a non-nil *T
func payloadAs[T any](payload interface{}) (T, bool) {
	switch p := payload.(type) {
	case T:
		return p, true
	case *T:
		if p != nil {
			return *p, true
		}
	}
	var zero T
	return zero, false
}

// syncRequest accepts the payload shapes produced by the API and the scheduler
func syncRequest(payload interface{}) (marketsync.Request, error) {
	switch p := payload.(type) {
	case nil:
		return marketsync.Request{}, nil
	case marketsync.Request:
		return p, nil
	case *marketsync.Request:
		if p == nil {
			return marketsync.Request{}, nil
		}
		return *p, nil
	default:
		return marketsync.Request{}, fmt.Errorf("unexpected sync payload %T", payload)
	}
}
