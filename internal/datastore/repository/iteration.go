package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/errors"
)

// SaveIterationRun inserts or fully rewrites an iteration run row.
func (s *Store) SaveIterationRun(ctx context.Context, run *entities.IterationRun) error {
	return s.db.WithContext(ctx).Save(run).Error
}

// GetIterationRun loads the run for one iteration number.
func (s *Store) GetIterationRun(ctx context.Context, sessionID string, iteration int) (*entities.IterationRun, error) {
	var run entities.IterationRun
	err := s.db.WithContext(ctx).
		First(&run, "session_id = ? AND iteration = ?", sessionID, iteration).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIterationNotFound
		}
		return nil, err
	}
	return &run, nil
}

// LatestIterationRun returns the highest-numbered run of a session.
func (s *Store) LatestIterationRun(ctx context.Context, sessionID string) (*entities.IterationRun, error) {
	var run entities.IterationRun
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("iteration DESC").
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIterationNotFound
		}
		return nil, err
	}
	return &run, nil
}

// UpdateIterationRun applies column updates to a run.
func (s *Store) UpdateIterationRun(ctx context.Context, id uint, updates map[string]any) error {
	updates["updated_at"] = time.Now()
	return s.db.WithContext(ctx).Model(&entities.IterationRun{}).
		Where("id = ?", id).
		UpdateColumns(updates).Error
}

// FailUnfinishedIterationRuns marks pending and running runs failed with msg.
func (s *Store) FailUnfinishedIterationRuns(ctx context.Context, msg string) (int64, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&entities.IterationRun{}).
		Where("status IN ?", []string{entities.JobPending, entities.JobRunning}).
		UpdateColumns(map[string]any{
			"status":        entities.JobFailed,
			"error_message": msg,
			"completed_at":  now,
			"updated_at":    now,
		})
	return result.RowsAffected, result.Error
}
