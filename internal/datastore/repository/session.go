package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/errors"
)

// CounterDelta is a signed change to session counters.
type CounterDelta struct {
	Total     int
	Labeled   int
	Unlabeled int
	Negative  int
	Uncertain int
	Skipped   int
	// Bump increments LabelVersion by one when set
	Bump bool
}

// IsZero reports whether applying the delta would change nothing.
func (d CounterDelta) IsZero() bool {
	return d == CounterDelta{}
}

// Add accumulates other into d.
func (d *CounterDelta) Add(other CounterDelta) {
	d.Total += other.Total
	d.Labeled += other.Labeled
	d.Unlabeled += other.Unlabeled
	d.Negative += other.Negative
	d.Uncertain += other.Uncertain
	d.Skipped += other.Skipped
	d.Bump = d.Bump || other.Bump
}

// CreateSession inserts a session together with its categories.
func (s *Store) CreateSession(ctx context.Context, session *entities.Session) error {
	return s.db.WithContext(ctx).Create(session).Error
}

// GetSession loads a session with categories ordered by shortcut key.
func (s *Store) GetSession(ctx context.Context, id string) (*entities.Session, error) {
	var session entities.Session
	err := s.db.WithContext(ctx).
		Preload("Categories", func(q *gorm.DB) *gorm.DB { return q.Order("shortcut_key ASC") }).
		First(&session, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

// LockSession reads the session row with a write lock on MySQL. Use inside Transaction.
func (s *Store) LockSession(ctx context.Context, id string) (*entities.Session, error) {
	var session entities.Session
	err := s.forUpdate(s.db.WithContext(ctx)).First(&session, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

// GetCategory loads one category of a session.
func (s *Store) GetCategory(ctx context.Context, sessionID string, categoryID uint) (*entities.SessionCategory, error) {
	var category entities.SessionCategory
	err := s.db.WithContext(ctx).
		First(&category, "id = ? AND session_id = ?", categoryID, sessionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCategoryNotFound
		}
		return nil, err
	}
	return &category, nil
}

// GetCategoryByID loads a category regardless of session.
func (s *Store) GetCategoryByID(ctx context.Context, categoryID uint) (*entities.SessionCategory, error) {
	var category entities.SessionCategory
	if err := s.db.WithContext(ctx).First(&category, categoryID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCategoryNotFound
		}
		return nil, err
	}
	return &category, nil
}

// ApplySessionDelta adjusts session counters with SQL increments.
func (s *Store) ApplySessionDelta(ctx context.Context, sessionID string, d CounterDelta) error {
	if d.IsZero() {
		return nil
	}
	updates := map[string]any{
		"total_results":   gorm.Expr("total_results + ?", d.Total),
		"labeled_count":   gorm.Expr("labeled_count + ?", d.Labeled),
		"unlabeled_count": gorm.Expr("unlabeled_count + ?", d.Unlabeled),
		"negative_count":  gorm.Expr("negative_count + ?", d.Negative),
		"uncertain_count": gorm.Expr("uncertain_count + ?", d.Uncertain),
		"skipped_count":   gorm.Expr("skipped_count + ?", d.Skipped),
		"updated_at":      time.Now(),
	}
	if d.Bump {
		updates["label_version"] = gorm.Expr("label_version + 1")
	}
	return s.db.WithContext(ctx).Model(&entities.Session{}).
		Where("id = ?", sessionID).
		UpdateColumns(updates).Error
}

// ApplyCategoryDeltas adjusts per-category tag counts with SQL increments.
func (s *Store) ApplyCategoryDeltas(ctx context.Context, deltas map[uint]int) error {
	for categoryID, delta := range deltas {
		if delta == 0 {
			continue
		}
		err := s.db.WithContext(ctx).Model(&entities.SessionCategory{}).
			Where("id = ?", categoryID).
			UpdateColumn("tag_count", gorm.Expr("tag_count + ?", delta)).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// AdvanceIteration moves current_iteration forward; it never moves backwards.
func (s *Store) AdvanceIteration(ctx context.Context, sessionID string, iteration int) error {
	return s.db.WithContext(ctx).Model(&entities.Session{}).
		Where("id = ? AND current_iteration < ?", sessionID, iteration).
		UpdateColumns(map[string]any{
			"current_iteration": iteration,
			"updated_at":        time.Now(),
		}).Error
}

// MarkSessionCompleted flags a session completed. Returns false if it already was.
func (s *Store) MarkSessionCompleted(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Model(&entities.Session{}).
		Where("id = ? AND is_completed = ?", sessionID, false).
		UpdateColumns(map[string]any{
			"is_completed": true,
			"completed_at": at,
			"updated_at":   at,
		})
	return result.RowsAffected == 1, result.Error
}

// SessionCounters is an absolute counter snapshot written by reconciliation.
type SessionCounters struct {
	TotalResults   int
	LabeledCount   int
	UnlabeledCount int
	NegativeCount  int
	UncertainCount int
	SkippedCount   int
}

// OverwriteCounters replaces counters and tag counts with recomputed values.
func (s *Store) OverwriteCounters(ctx context.Context, sessionID string, c SessionCounters, tagCounts map[uint]int) error {
	err := s.db.WithContext(ctx).Model(&entities.Session{}).
		Where("id = ?", sessionID).
		UpdateColumns(map[string]any{
			"total_results":   c.TotalResults,
			"labeled_count":   c.LabeledCount,
			"unlabeled_count": c.UnlabeledCount,
			"negative_count":  c.NegativeCount,
			"uncertain_count": c.UncertainCount,
			"skipped_count":   c.SkippedCount,
			"updated_at":      time.Now(),
		}).Error
	if err != nil {
		return err
	}
	for categoryID, n := range tagCounts {
		err := s.db.WithContext(ctx).Model(&entities.SessionCategory{}).
			Where("id = ? AND session_id = ?", categoryID, sessionID).
			UpdateColumn("tag_count", n).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// ListSessionIDs returns all session ids, newest first.
func (s *Store) ListSessionIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&entities.Session{}).
		Order("created_at DESC").
		Pluck("id", &ids).Error
	return ids, err
}
