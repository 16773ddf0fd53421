package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/graphflow/types"
)

// ensureThread creates the thread row if it does not exist yet. Threads are
// created implicitly on first run, so a conflict on id is not an error.
func ensureThread(tx *gorm.DB, threadID uuid.UUID) error {
	err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Thread{ID: threadID}).Error
	if err != nil {
		return types.NewError(types.ErrStorageFailure, "failed to ensure thread").WithCause(err)
	}
	return nil
}

// GetThread fetches one thread.
func (s *Store) GetThread(ctx context.Context, threadID uuid.UUID) (*Thread, error) {
	var thread Thread
	if err := s.db.WithContext(ctx).First(&thread, "id = ?", threadID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewNotFound("thread", threadID.String())
		}
		return nil, types.NewError(types.ErrStorageFailure, "failed to load thread").WithCause(err)
	}
	return &thread, nil
}

// PutThread upserts a thread with metadata.
func (s *Store) PutThread(ctx context.Context, thread *Thread) error {
	if thread.ID == uuid.Nil {
		thread.ID = uuid.New()
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"metadata", "updated_at"}),
		}).
		Create(thread).Error
	if err != nil {
		return types.NewError(types.ErrStorageFailure, "failed to save thread").WithCause(err)
	}
	return nil
}
