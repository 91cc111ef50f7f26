package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/errors"
)

// ModelFilter narrows classifier listings.
type ModelFilter struct {
	SessionID  string
	CategoryID *uint
	Status     string
}

// CreateModel inserts a classifier model row.
func (s *Store) CreateModel(ctx context.Context, m *entities.ClassifierModel) error {
	return s.db.WithContext(ctx).Create(m).Error
}

// GetModel loads a model including its artifact.
func (s *Store) GetModel(ctx context.Context, id uint) (*entities.ClassifierModel, error) {
	var m entities.ClassifierModel
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrModelNotFound
		}
		return nil, err
	}
	return &m, nil
}

// LockModel loads a model with a write lock on MySQL. Use inside Transaction.
func (s *Store) LockModel(ctx context.Context, id uint) (*entities.ClassifierModel, error) {
	var m entities.ClassifierModel
	if err := s.forUpdate(s.db.WithContext(ctx)).First(&m, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrModelNotFound
		}
		return nil, err
	}
	return &m, nil
}

// ListModels returns models newest first, omitting artifacts.
func (s *Store) ListModels(ctx context.Context, filter ModelFilter, page Page) ([]entities.ClassifierModel, int64, error) {
	scope := func(q *gorm.DB) *gorm.DB {
		if filter.SessionID != "" {
			q = q.Where("session_id = ?", filter.SessionID)
		}
		if filter.CategoryID != nil {
			q = q.Where("category_id = ?", *filter.CategoryID)
		}
		if filter.Status != "" {
			q = q.Where("status = ?", filter.Status)
		}
		return q
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&entities.ClassifierModel{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var rows []entities.ClassifierModel
	q := s.db.WithContext(ctx).Model(&entities.ClassifierModel{}).
		Scopes(scope).
		Omit("artifact").
		Order("id DESC")
	if err := page.apply(q).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// NextModelVersion returns max(version)+1 for the category.
func (s *Store) NextModelVersion(ctx context.Context, categoryID uint) (int, error) {
	var maxVersion *int
	err := s.db.WithContext(ctx).Model(&entities.ClassifierModel{}).
		Select("MAX(version)").
		Where("category_id = ?", categoryID).
		Scan(&maxVersion).Error
	if err != nil {
		return 0, err
	}
	if maxVersion == nil {
		return 1, nil
	}
	return *maxVersion + 1, nil
}

// HasUnfinishedTraining reports whether a draft or training model exists for the category.
func (s *Store) HasUnfinishedTraining(ctx context.Context, categoryID uint) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&entities.ClassifierModel{}).
		Where("category_id = ? AND status IN ?", categoryID,
			[]string{entities.ModelDraft, entities.ModelTraining}).
		Count(&n).Error
	return n > 0, err
}

// ActiveModel returns the deployed active model of a category.
func (s *Store) ActiveModel(ctx context.Context, categoryID uint) (*entities.ClassifierModel, error) {
	var m entities.ClassifierModel
	err := s.db.WithContext(ctx).
		Where("category_id = ? AND is_active = ?", categoryID, true).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrModelNotFound
		}
		return nil, err
	}
	return &m, nil
}

// LatestTrainedModel returns the highest version that is trained or deployed.
func (s *Store) LatestTrainedModel(ctx context.Context, categoryID uint) (*entities.ClassifierModel, error) {
	var m entities.ClassifierModel
	err := s.db.WithContext(ctx).
		Where("category_id = ? AND status IN ?", categoryID,
			[]string{entities.ModelTrained, entities.ModelDeployed}).
		Order("version DESC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrModelNotFound
		}
		return nil, err
	}
	return &m, nil
}

// LockActiveModels locks every active model of a category on MySQL.
func (s *Store) LockActiveModels(ctx context.Context, categoryID uint) ([]entities.ClassifierModel, error) {
	var rows []entities.ClassifierModel
	err := s.forUpdate(s.db.WithContext(ctx)).
		Omit("artifact").
		Where("category_id = ? AND is_active = ?", categoryID, true).
		Find(&rows).Error
	return rows, err
}

// DeactivateModels clears is_active on every model of the category except keepID.
func (s *Store) DeactivateModels(ctx context.Context, categoryID, keepID uint) (int64, error) {
	result := s.db.WithContext(ctx).Model(&entities.ClassifierModel{}).
		Where("category_id = ? AND is_active = ? AND id <> ?", categoryID, true, keepID).
		UpdateColumns(map[string]any{
			"is_active":  false,
			"updated_at": time.Now(),
		})
	return result.RowsAffected, result.Error
}

// UpdateModel applies column updates to a model.
func (s *Store) UpdateModel(ctx context.Context, id uint, updates map[string]any) error {
	updates["updated_at"] = time.Now()
	return s.db.WithContext(ctx).Model(&entities.ClassifierModel{}).
		Where("id = ?", id).
		UpdateColumns(updates).Error
}

// TransitionModel updates a model only while it is in fromStatus.
// Returns false when the status changed in between.
func (s *Store) TransitionModel(ctx context.Context, id uint, fromStatus string, updates map[string]any) (bool, error) {
	updates["updated_at"] = time.Now()
	result := s.db.WithContext(ctx).Model(&entities.ClassifierModel{}).
		Where("id = ? AND status = ?", id, fromStatus).
		UpdateColumns(updates)
	return result.RowsAffected == 1, result.Error
}

// FailUnfinishedModels marks draft and training models failed with msg.
func (s *Store) FailUnfinishedModels(ctx context.Context, msg string) (int64, error) {
	result := s.db.WithContext(ctx).Model(&entities.ClassifierModel{}).
		Where("status IN ?", []string{entities.ModelDraft, entities.ModelTraining}).
		UpdateColumns(map[string]any{
			"status":        entities.ModelFailed,
			"error_message": msg,
			"updated_at":    time.Now(),
		})
	return result.RowsAffected, result.Error
}
