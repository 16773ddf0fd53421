package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/BaSui01/graphflow/types"
)

// CronFilter narrows SearchCrons results.
type CronFilter struct {
	ThreadID *uuid.UUID
	Limit    int
	Offset   int
}

// CreateCron inserts a cron. Schedule validation and NextRunAt computation
// happen in the scheduler layer; storage only persists.
func (s *Store) CreateCron(ctx context.Context, cron *Cron) error {
	if cron.ID == uuid.Nil {
		cron.ID = newRunID()
	}
	if err := s.db.WithContext(ctx).Create(cron).Error; err != nil {
		return types.NewError(types.ErrStorageFailure, "failed to create cron").WithCause(err)
	}
	return nil
}

// GetCron fetches one cron.
func (s *Store) GetCron(ctx context.Context, cronID uuid.UUID) (*Cron, error) {
	var cron Cron
	if err := s.db.WithContext(ctx).First(&cron, "id = ?", cronID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewNotFound("cron", cronID.String())
		}
		return nil, types.NewError(types.ErrStorageFailure, "failed to load cron").WithCause(err)
	}
	return &cron, nil
}

// SearchCrons lists crons newest-first with an optional thread filter.
func (s *Store) SearchCrons(ctx context.Context, filter CronFilter) ([]*Cron, error) {
	q := s.db.WithContext(ctx).Model(&Cron{}).Order("id DESC")
	if filter.ThreadID != nil {
		q = q.Where("thread_id = ?", *filter.ThreadID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var crons []*Cron
	if err := q.Find(&crons).Error; err != nil {
		return nil, types.NewError(types.ErrStorageFailure, "failed to search crons").WithCause(err)
	}
	return crons, nil
}

// DeleteCron removes a cron, NOT_FOUND when absent.
func (s *Store) DeleteCron(ctx context.Context, cronID uuid.UUID) error {
	res := s.db.WithContext(ctx).Delete(&Cron{}, "id = ?", cronID)
	if res.Error != nil {
		return types.NewError(types.ErrStorageFailure, "failed to delete cron").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewNotFound("cron", cronID.String())
	}
	return nil
}

// DueCrons returns crons whose next fire time has passed, excluding expired
// ones.
func (s *Store) DueCrons(ctx context.Context, now time.Time) ([]*Cron, error) {
	var crons []*Cron
	err := s.db.WithContext(ctx).
		Where("next_run_at <= ?", now).
		Where("end_time IS NULL OR end_time > ?", now).
		Order("next_run_at").
		Find(&crons).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorageFailure, "failed to poll due crons").WithCause(err)
	}
	return crons, nil
}

// AdvanceCron records the next fire time after a cron has been triggered.
func (s *Store) AdvanceCron(ctx context.Context, cronID uuid.UUID, next time.Time) error {
	err := s.db.WithContext(ctx).Model(&Cron{}).
		Where("id = ?", cronID).
		Updates(map[string]any{"next_run_at": next, "updated_at": time.Now()}).Error
	if err != nil {
		return types.NewError(types.ErrStorageFailure, "failed to advance cron").WithCause(err)
	}
	return nil
}

// PruneExpiredCrons deletes crons whose end time has passed.
func (s *Store) PruneExpiredCrons(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("end_time IS NOT NULL AND end_time <= ?", now).
		Delete(&Cron{})
	if res.Error != nil {
		return 0, types.NewError(types.ErrStorageFailure, "failed to prune crons").WithCause(res.Error)
	}
	return res.RowsAffected, nil
}
