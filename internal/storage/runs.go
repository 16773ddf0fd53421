package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/BaSui01/graphflow/types"
)

// RunFilter narrows SearchRuns results.
type RunFilter struct {
	ThreadID *uuid.UUID
	Status   types.RunStatus
	Limit    int
	Offset   int
}

// CreateRun inserts a pending run. When the run is thread-scoped, the thread
// row is created on first use inside the same transaction.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	applyRunDefaults(run)
	return s.TransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		if run.ThreadID != nil {
			if err := ensureThread(tx, *run.ThreadID); err != nil {
				return err
			}
		}
		if err := tx.Create(run).Error; err != nil {
			return types.NewError(types.ErrStorageFailure, "failed to create run").WithCause(err)
		}
		return nil
	})
}

// CreateRunBatch inserts all runs in one transaction: every insert is issued
// before any result is gathered, and a single failure rolls the batch back.
func (s *Store) CreateRunBatch(ctx context.Context, runs []*Run) error {
	for _, run := range runs {
		applyRunDefaults(run)
	}
	return s.TransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		for _, run := range runs {
			if run.ThreadID != nil {
				if err := ensureThread(tx, *run.ThreadID); err != nil {
					return err
				}
			}
		}
		if err := tx.CreateInBatches(runs, len(runs)).Error; err != nil {
			return types.NewError(types.ErrStorageFailure, "failed to create run batch").WithCause(err)
		}
		return nil
	})
}

func applyRunDefaults(run *Run) {
	if run.ID == uuid.Nil {
		run.ID = newRunID()
	}
	if run.Status == "" {
		run.Status = types.RunStatusPending
	}
	if len(run.StreamModes) == 0 {
		run.StreamModes = StringList{types.StreamModeValues}
	}
	if run.OnDisconnect == "" {
		run.OnDisconnect = types.OnDisconnectContinue
	}
}

// newRunID returns a time-sortable UUIDv7, falling back to v4 if the system
// clock misbehaves.
func newRunID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// GetRun fetches one run, scoped to threadID when given.
func (s *Store) GetRun(ctx context.Context, runID uuid.UUID, threadID *uuid.UUID) (*Run, error) {
	q := s.db.WithContext(ctx).Where("id = ?", runID)
	if threadID != nil {
		q = q.Where("thread_id = ?", *threadID)
	}

	var run Run
	if err := q.First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewNotFound("run", runID.String())
		}
		return nil, types.NewError(types.ErrStorageFailure, "failed to load run").WithCause(err)
	}
	return &run, nil
}

// SearchRuns lists runs newest-first with optional status and thread filters.
func (s *Store) SearchRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	q := s.db.WithContext(ctx).Model(&Run{}).Order("id DESC")
	if filter.ThreadID != nil {
		q = q.Where("thread_id = ?", *filter.ThreadID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var runs []*Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, types.NewError(types.ErrStorageFailure, "failed to search runs").WithCause(err)
	}
	return runs, nil
}

// DeleteRun removes a run. Running runs cannot be deleted; interrupt first.
func (s *Store) DeleteRun(ctx context.Context, runID uuid.UUID, threadID *uuid.UUID) error {
	run, err := s.GetRun(ctx, runID, threadID)
	if err != nil {
		return err
	}
	if run.Status == types.RunStatusRunning {
		return types.NewError(types.ErrConflict, "cannot delete a running run")
	}
	if err := s.db.WithContext(ctx).Delete(&Run{}, "id = ?", runID).Error; err != nil {
		return types.NewError(types.ErrStorageFailure, "failed to delete run").WithCause(err)
	}
	return nil
}

// LeaseNextRun claims the oldest pending run by flipping it to running.
// Returns (nil, nil) when the queue is empty or another worker won the claim;
// the caller just polls again. Run IDs are time-sortable, so ordering by id
// is creation order.
func (s *Store) LeaseNextRun(ctx context.Context) (*Run, error) {
	var run Run
	err := s.db.WithContext(ctx).
		Where("status = ?", types.RunStatusPending).
		Order("id").
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, types.NewError(types.ErrStorageFailure, "failed to poll pending runs").WithCause(err)
	}

	res := s.db.WithContext(ctx).Model(&Run{}).
		Where("id = ? AND status = ?", run.ID, types.RunStatusPending).
		Updates(map[string]any{"status": types.RunStatusRunning, "updated_at": time.Now()})
	if res.Error != nil {
		return nil, types.NewError(types.ErrStorageFailure, "failed to lease run").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		// lost the claim race
		return nil, nil
	}

	run.Status = types.RunStatusRunning
	return &run, nil
}

// FinishRun writes the terminal status and output. Terminal rows are
// immutable: finishing an already-terminal run is a no-op conflict.
func (s *Store) FinishRun(ctx context.Context, runID uuid.UUID, status types.RunStatus, output []byte) error {
	if !status.IsTerminal() {
		return types.NewError(types.ErrInvalidRequest, "finish status must be terminal")
	}

	res := s.db.WithContext(ctx).Model(&Run{}).
		Where("id = ? AND status IN ?", runID, []types.RunStatus{types.RunStatusPending, types.RunStatusRunning}).
		Updates(map[string]any{"status": status, "output": output, "updated_at": time.Now()})
	if res.Error != nil {
		return types.NewError(types.ErrStorageFailure, "failed to finish run").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetRun(ctx, runID, nil); err != nil {
			return err
		}
		return types.NewError(types.ErrRunTerminal, "run already reached a terminal state")
	}
	return nil
}

// RequeueRun puts a running run back in the pending queue, used when a worker
// shuts down mid-execution.
func (s *Store) RequeueRun(ctx context.Context, runID uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&Run{}).
		Where("id = ? AND status = ?", runID, types.RunStatusRunning).
		Updates(map[string]any{"status": types.RunStatusPending, "updated_at": time.Now()})
	if res.Error != nil {
		return types.NewError(types.ErrStorageFailure, "failed to requeue run").WithCause(res.Error)
	}
	return nil
}

// InterruptPendingRun flips a pending run straight to interrupted, before any
// worker leases it. Reports whether the flip happened.
func (s *Store) InterruptPendingRun(ctx context.Context, runID uuid.UUID) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Run{}).
		Where("id = ? AND status = ?", runID, types.RunStatusPending).
		Updates(map[string]any{"status": types.RunStatusInterrupted, "updated_at": time.Now()})
	if res.Error != nil {
		return false, types.NewError(types.ErrStorageFailure, "failed to interrupt run").WithCause(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// QueueDepth counts runs still waiting for a worker.
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Run{}).
		Where("status = ?", types.RunStatusPending).
		Count(&n).Error
	if err != nil {
		return 0, types.NewError(types.ErrStorageFailure, "failed to count pending runs").WithCause(err)
	}
	return n, nil
}
