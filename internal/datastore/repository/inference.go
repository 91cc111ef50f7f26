package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/errors"
)

// CreateBatch inserts an inference batch.
func (s *Store) CreateBatch(ctx context.Context, b *entities.InferenceBatch) error {
	return s.db.WithContext(ctx).Create(b).Error
}

// GetBatch loads a batch without its resolved scope list.
func (s *Store) GetBatch(ctx context.Context, id uint) (*entities.InferenceBatch, error) {
	return s.getBatch(ctx, id, false)
}

// GetBatchWithScope loads a batch including the resolved scope list.
func (s *Store) GetBatchWithScope(ctx context.Context, id uint) (*entities.InferenceBatch, error) {
	return s.getBatch(ctx, id, true)
}

func (s *Store) getBatch(ctx context.Context, id uint, withScope bool) (*entities.InferenceBatch, error) {
	var b entities.InferenceBatch
	q := s.db.WithContext(ctx)
	if !withScope {
		q = q.Omit("scope_json")
	}
	if err := q.First(&b, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}
	return &b, nil
}

// FindUnfinishedBatch returns a pending or running batch for the model and scope.
func (s *Store) FindUnfinishedBatch(ctx context.Context, modelID uint, fingerprint string) (*entities.InferenceBatch, error) {
	var b entities.InferenceBatch
	err := s.db.WithContext(ctx).
		Omit("scope_json").
		Where("model_id = ? AND scope_fingerprint = ? AND status IN ?", modelID, fingerprint,
			[]string{entities.JobPending, entities.JobRunning}).
		First(&b).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}
	return &b, nil
}

// ListUnfinishedBatches returns pending and running batches oldest first.
func (s *Store) ListUnfinishedBatches(ctx context.Context) ([]entities.InferenceBatch, error) {
	var rows []entities.InferenceBatch
	err := s.db.WithContext(ctx).
		Omit("scope_json").
		Where("status IN ?", []string{entities.JobPending, entities.JobRunning}).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// UpdateBatch applies column updates to a batch.
func (s *Store) UpdateBatch(ctx context.Context, id uint, updates map[string]any) error {
	updates["updated_at"] = time.Now()
	return s.db.WithContext(ctx).Model(&entities.InferenceBatch{}).
		Where("id = ?", id).
		UpdateColumns(updates).Error
}

// FinishBatch moves an unfinished batch into a terminal status.
// Returns false when the batch was already terminal.
func (s *Store) FinishBatch(ctx context.Context, id uint, status, msg string) (bool, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&entities.InferenceBatch{}).
		Where("id = ? AND status IN ?", id, []string{entities.JobPending, entities.JobRunning}).
		UpdateColumns(map[string]any{
			"status":        status,
			"error_message": msg,
			"completed_at":  now,
			"updated_at":    now,
		})
	return result.RowsAffected == 1, result.Error
}

// RequestBatchCancel sets the persisted cancel flag on an unfinished batch.
func (s *Store) RequestBatchCancel(ctx context.Context, id uint) (bool, error) {
	result := s.db.WithContext(ctx).Model(&entities.InferenceBatch{}).
		Where("id = ? AND status IN ?", id, []string{entities.JobPending, entities.JobRunning}).
		UpdateColumns(map[string]any{
			"cancel_requested": true,
			"updated_at":       time.Now(),
		})
	return result.RowsAffected == 1, result.Error
}

// ChunkResult carries the counters produced by one scored chunk.
type ChunkResult struct {
	Processed     int
	Missing       int
	Positive      int
	Negative      int
	ConfidenceSum float64
}

// WriteChunk stores predictions and advances batch counters. Run it inside
// Transaction so a chunk lands completely or not at all. Predictions already
// present for (batch, clip) are ignored, which makes a resumed chunk safe.
func (s *Store) WriteChunk(ctx context.Context, batchID uint, preds []entities.InferencePrediction, r ChunkResult) error {
	if len(preds) > 0 {
		err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "batch_id"}, {Name: "clip_id"}},
				DoNothing: true,
			}).
			CreateInBatches(preds, 200).Error
		if err != nil {
			return err
		}
	}

	err := s.db.WithContext(ctx).Model(&entities.InferenceBatch{}).
		Where("id = ?", batchID).
		UpdateColumns(map[string]any{
			"processed_items":    gorm.Expr("processed_items + ?", r.Processed),
			"missing_embeddings": gorm.Expr("missing_embeddings + ?", r.Missing),
			"positive_count":     gorm.Expr("positive_count + ?", r.Positive),
			"negative_count":     gorm.Expr("negative_count + ?", r.Negative),
			"confidence_sum":     gorm.Expr("confidence_sum + ?", r.ConfidenceSum),
			"updated_at":         time.Now(),
		}).Error
	if err != nil {
		return err
	}

	// derived columns follow the incremented counters
	return s.db.WithContext(ctx).Model(&entities.InferenceBatch{}).
		Where("id = ?", batchID).
		UpdateColumns(map[string]any{
			"progress": gorm.Expr("CASE WHEN total_items > 0 THEN processed_items * 1.0 / total_items ELSE 1 END"),
			"average_confidence": gorm.Expr(
				"CASE WHEN positive_count + negative_count > 0 THEN confidence_sum / (positive_count + negative_count) ELSE 0 END"),
		}).Error
}

// PredictionFilter narrows prediction listings. Zero values are ignored.
type PredictionFilter struct {
	BatchID       uint
	MinConfidence *float64
	MaxConfidence *float64
	CategoryID    *uint
	ReviewStatus  string
	Predicted     *bool
}

func (f *PredictionFilter) apply(q *gorm.DB) *gorm.DB {
	q = q.Where("batch_id = ?", f.BatchID)
	if f.MinConfidence != nil {
		q = q.Where("confidence >= ?", *f.MinConfidence)
	}
	if f.MaxConfidence != nil {
		q = q.Where("confidence <= ?", *f.MaxConfidence)
	}
	if f.CategoryID != nil {
		q = q.Where("category_id = ?", *f.CategoryID)
	}
	if f.ReviewStatus != "" {
		q = q.Where("review_status = ?", f.ReviewStatus)
	}
	if f.Predicted != nil {
		q = q.Where("predicted_positive = ?", *f.Predicted)
	}
	return q
}

// ListPredictions returns a filtered page by descending confidence, plus the total.
func (s *Store) ListPredictions(ctx context.Context, filter PredictionFilter, page Page) ([]entities.InferencePrediction, int64, error) {
	var total int64
	if err := filter.apply(s.db.WithContext(ctx).Model(&entities.InferencePrediction{})).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var rows []entities.InferencePrediction
	q := filter.apply(s.db.WithContext(ctx).Model(&entities.InferencePrediction{})).
		Order("confidence DESC, clip_id ASC")
	if err := page.apply(q).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// BatchClipIDs returns clip ids that already have a prediction in the batch.
func (s *Store) BatchClipIDs(ctx context.Context, batchID uint) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&entities.InferencePrediction{}).
		Where("batch_id = ?", batchID).
		Pluck("clip_id", &ids).Error
	return ids, err
}

// GetPredictions loads predictions of a batch by id.
func (s *Store) GetPredictions(ctx context.Context, batchID uint, ids []uint) ([]entities.InferencePrediction, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []entities.InferencePrediction
	err := s.db.WithContext(ctx).
		Where("batch_id = ? AND id IN ?", batchID, ids).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// ReviewUpdate is the review state written to a prediction.
type ReviewUpdate struct {
	Status     string
	Reviewer   string
	Notes      string
	ReviewedAt time.Time
}

// SwapReview writes a review only if the prediction still has fromStatus.
func (s *Store) SwapReview(ctx context.Context, id uint, fromStatus string, u ReviewUpdate) (bool, error) {
	result := s.db.WithContext(ctx).Model(&entities.InferencePrediction{}).
		Where("id = ? AND review_status = ?", id, fromStatus).
		UpdateColumns(map[string]any{
			"review_status": u.Status,
			"reviewer":      u.Reviewer,
			"notes":         u.Notes,
			"reviewed_at":   u.ReviewedAt,
		})
	return result.RowsAffected == 1, result.Error
}

// ReviewDelta is a signed change to batch review counters.
type ReviewDelta struct {
	Confirmed int
	Rejected  int
	Uncertain int
}

// ApplyReviewDelta adjusts batch review counters with SQL increments.
func (s *Store) ApplyReviewDelta(ctx context.Context, batchID uint, d ReviewDelta) error {
	if d == (ReviewDelta{}) {
		return nil
	}
	return s.db.WithContext(ctx).Model(&entities.InferenceBatch{}).
		Where("id = ?", batchID).
		UpdateColumns(map[string]any{
			"confirmed_count":        gorm.Expr("confirmed_count + ?", d.Confirmed),
			"rejected_count":         gorm.Expr("rejected_count + ?", d.Rejected),
			"uncertain_review_count": gorm.Expr("uncertain_review_count + ?", d.Uncertain),
			"updated_at":             time.Now(),
		}).Error
}

// ExportPredictions returns the positives of a batch by descending confidence.
// confirmedOnly keeps reviewer-confirmed rows; otherwise every predicted
// positive that was not rejected is included along with confirmed rows.
func (s *Store) ExportPredictions(ctx context.Context, batchID uint, confirmedOnly bool) ([]entities.InferencePrediction, error) {
	q := s.db.WithContext(ctx).Where("batch_id = ?", batchID)
	if confirmedOnly {
		q = q.Where("review_status = ?", entities.ReviewConfirmed)
	} else {
		q = q.Where("(predicted_positive = ? AND review_status <> ?) OR review_status = ?",
			true, entities.ReviewRejected, entities.ReviewConfirmed)
	}
	var rows []entities.InferencePrediction
	err := q.Order("confidence DESC, clip_id ASC").Find(&rows).Error
	return rows, err
}
