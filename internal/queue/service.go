package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/graphflow/internal/cache"
	"github.com/BaSui01/graphflow/internal/storage"
	"github.com/BaSui01/graphflow/internal/stream"
	"github.com/BaSui01/graphflow/types"
)

// Service is the run read/cancel facade the HTTP layer and the stream broker
// share. Reads for terminal runs consult the record cache before storage;
// cancellation routes to the worker pool when the run is executing here.
type Service struct {
	store  *storage.Store
	cache  *cache.Manager
	queue  *Manager
	broker *stream.Broker
	logger *zap.Logger
}

// NewService wires the facade. cacheMgr may be nil.
func NewService(store *storage.Store, cacheMgr *cache.Manager, queue *Manager, broker *stream.Broker, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		cache:  cacheMgr,
		queue:  queue,
		broker: broker,
		logger: logger.With(zap.String("component", "run_service")),
	}
}

// GetRunView implements stream.RunSource.
func (s *Service) GetRunView(ctx context.Context, runID uuid.UUID, threadID *uuid.UUID) (*stream.RunView, error) {
	if record, err := s.cache.GetRun(ctx, runID.String()); err == nil && record != nil {
		if view := viewFromRecord(record, threadID); view != nil {
			return view, nil
		}
	}

	run, err := s.store.GetRun(ctx, runID, threadID)
	if err != nil {
		return nil, err
	}
	return viewFromRun(run), nil
}

func viewFromRun(run *storage.Run) *stream.RunView {
	view := &stream.RunView{
		ID:          run.ID,
		Status:      run.Status,
		StreamModes: run.StreamModes,
		Output:      run.Output,
	}
	if run.ThreadID != nil {
		view.ThreadID = *run.ThreadID
	}
	return view
}

// viewFromRecord converts a cache hit, rejecting records that do not match
// the requested thread scope.
func viewFromRecord(record *cache.RunRecord, threadID *uuid.UUID) *stream.RunView {
	id, err := uuid.Parse(record.ID)
	if err != nil {
		return nil
	}
	view := &stream.RunView{
		ID:          id,
		Status:      types.RunStatus(record.Status),
		StreamModes: record.StreamModes,
		Output:      record.Output,
	}
	if record.ThreadID != "" {
		tid, err := uuid.Parse(record.ThreadID)
		if err != nil {
			return nil
		}
		view.ThreadID = tid
	}
	if threadID != nil && view.ThreadID != *threadID {
		return nil
	}
	return view
}

// CancelRun implements stream.RunSource. interrupt stops the run and leaves
// the interrupted row in place; rollback additionally deletes the row once
// the run has unwound. Canceling a terminal run is a conflict.
func (s *Service) CancelRun(ctx context.Context, runID uuid.UUID, threadID *uuid.UUID, action string) error {
	action = types.NormalizeCancelAction(action)

	run, err := s.store.GetRun(ctx, runID, threadID)
	if err != nil {
		return err
	}

	switch {
	case run.Status.IsTerminal():
		return types.NewError(types.ErrRunTerminal, "run already reached a terminal state")

	case run.Status == types.RunStatusPending:
		return s.cancelPending(ctx, run, action)

	default: // running
		return s.cancelRunning(ctx, run, action)
	}
}

// cancelPending interrupts a run no worker has leased yet: flip the row,
// notify any attached subscribers, close the feed.
func (s *Service) cancelPending(ctx context.Context, run *storage.Run, action string) error {
	flipped, err := s.store.InterruptPendingRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if !flipped {
		// a worker leased it between our read and the flip
		return s.cancelRunning(ctx, run, action)
	}

	chunk := errorChunk("run interrupted")
	if err := s.broker.Publish(ctx, run.ID, types.StreamModeError, chunk); err != nil {
		s.logger.Warn("failed to publish interrupt event", zap.String("run_id", run.ID.String()), zap.Error(err))
	}
	s.broker.CloseRun(run.ID)

	if action == types.CancelActionRollback {
		return s.deleteCanceled(ctx, run.ID)
	}
	return nil
}

// cancelRunning signals the worker executing the run. When no worker in this
// process holds the run (for example its worker died), the row is settled
// directly so the run cannot stay "running" forever.
func (s *Service) cancelRunning(ctx context.Context, run *storage.Run, action string) error {
	if s.queue != nil && s.queue.Interrupt(run.ID, action) {
		// the worker finishes the row and honors rollback itself
		return nil
	}

	if err := s.store.FinishRun(ctx, run.ID, types.RunStatusInterrupted, errorChunk("run interrupted")); err != nil {
		return err
	}
	s.broker.CloseRun(run.ID)
	if action == types.CancelActionRollback {
		return s.deleteCanceled(ctx, run.ID)
	}
	return nil
}

func (s *Service) deleteCanceled(ctx context.Context, runID uuid.UUID) error {
	if err := s.store.DeleteRun(ctx, runID, nil); err != nil && !types.IsNotFound(err) {
		return err
	}
	return s.cache.Invalidate(ctx, runID.String())
}

// WaitTerminal blocks until the run reaches a terminal state, polling
// storage. Used by cancel with wait=true.
func (s *Service) WaitTerminal(ctx context.Context, runID uuid.UUID, threadID *uuid.UUID) (*storage.Run, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		run, err := s.store.GetRun(ctx, runID, threadID)
		if err != nil {
			if types.IsNotFound(err) {
				// rollback deleted the row; treat as settled
				return nil, nil
			}
			return nil, err
		}
		if run.Status.IsTerminal() {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
