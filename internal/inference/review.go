package inference

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/datastore/repository"
	"github.com/tphakala/birdnet-search/internal/errors"
	"github.com/tphakala/birdnet-search/internal/logger"
)

const reviewRetries = 3

var (
	reviewStatuses = []string{entities.ReviewUnreviewed, entities.ReviewConfirmed, entities.ReviewRejected, entities.ReviewUncertain}

	errReviewMoved = errors.NewStd("review status changed concurrently")
)

// ReviewRequest is one review decision.
type ReviewRequest struct {
	Status   string `json:"review_status" validate:"required,oneof=unreviewed confirmed rejected uncertain"`
	Reviewer string `json:"reviewer,omitempty" validate:"max=100"`
	Notes    string `json:"notes,omitempty" validate:"max=2000"`
}

// BulkReviewRequest applies one decision to many predictions.
type BulkReviewRequest struct {
	PredictionIDs []uint `json:"prediction_ids" validate:"required,min=1,max=500"`
	ReviewRequest
}

// BulkReviewResult reports a bulk review.
type BulkReviewResult struct {
	Updated   int         `json:"updated"`
	Unchanged int         `json:"unchanged"`
	Counts    BatchCounts `json:"counts"`
}

// Review records a decision on one prediction and adjusts the batch counters.
func (e *Executor) Review(ctx context.Context, batchID, predictionID uint, req *ReviewRequest) (*PredictionView, error) {
	if err := validateReview(req); err != nil {
		return nil, err
	}
	var out entities.InferencePrediction
	err := e.withRetry(ctx, func(tx *repository.Store) error {
		rows, err := tx.GetPredictions(ctx, batchID, []uint{predictionID})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return errors.NotFoundError("prediction", predictionID)
		}
		p, d, err := e.applyReview(ctx, tx, &rows[0], req)
		if err != nil {
			return err
		}
		out = *p
		return tx.ApplyReviewDelta(ctx, batchID, d)
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RecordReview(req.Status, 1)
	v := predictionView(&out)
	return &v, nil
}

// BulkReview reviews every listed prediction or none of them.
func (e *Executor) BulkReview(ctx context.Context, batchID uint, req *BulkReviewRequest) (*BulkReviewResult, error) {
	if err := validateReview(&req.ReviewRequest); err != nil {
		return nil, err
	}
	ids := slices.Clone(req.PredictionIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if len(ids) == 0 {
		return nil, errors.ValidationError("prediction_ids is required")
	}
	if len(ids) > e.maxBulk {
		return nil, errors.ValidationError(fmt.Sprintf("at most %d predictions per bulk review", e.maxBulk))
	}
	if _, err := e.repo.GetBatch(ctx, batchID); err != nil {
		return nil, notFound(err, "inference batch", batchID)
	}

	var res BulkReviewResult
	err := e.withRetry(ctx, func(tx *repository.Store) error {
		res = BulkReviewResult{}
		rows, err := tx.GetPredictions(ctx, batchID, ids)
		if err != nil {
			return err
		}
		if len(rows) != len(ids) {
			return missingPredictions(ids, rows)
		}
		var total repository.ReviewDelta
		for i := range rows {
			before := rows[i].ReviewStatus
			_, d, err := e.applyReview(ctx, tx, &rows[i], &req.ReviewRequest)
			if err != nil {
				return err
			}
			if before == req.Status {
				res.Unchanged++
			} else {
				res.Updated++
			}
			total.Confirmed += d.Confirmed
			total.Rejected += d.Rejected
			total.Uncertain += d.Uncertain
		}
		return tx.ApplyReviewDelta(ctx, batchID, total)
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RecordReview(req.Status, res.Updated)

	b, err := e.repo.GetBatch(ctx, batchID)
	if err != nil {
		return nil, notFound(err, "inference batch", batchID)
	}
	res.Counts = countsOf(b)
	log.Info("bulk review applied",
		logger.Int("batch_id", int(batchID)),
		logger.String("status", req.Status),
		logger.Int("updated", res.Updated),
		logger.Int("unchanged", res.Unchanged))
	return &res, nil
}

// applyReview swaps the review state of p and returns the counter delta.
func (e *Executor) applyReview(ctx context.Context, tx *repository.Store, p *entities.InferencePrediction, req *ReviewRequest) (*entities.InferencePrediction, repository.ReviewDelta, error) {
	prev := p.ReviewStatus
	now := e.now().UTC()
	ok, err := tx.SwapReview(ctx, p.ID, prev, repository.ReviewUpdate{
		Status:     req.Status,
		Reviewer:   req.Reviewer,
		Notes:      req.Notes,
		ReviewedAt: now,
	})
	if err != nil {
		return nil, repository.ReviewDelta{}, err
	}
	if !ok {
		return nil, repository.ReviewDelta{}, errReviewMoved
	}
	p.ReviewStatus, p.Reviewer, p.Notes, p.ReviewedAt = req.Status, req.Reviewer, req.Notes, &now

	var d repository.ReviewDelta
	bump(&d, prev, -1)
	bump(&d, req.Status, 1)
	return p, d, nil
}

func bump(d *repository.ReviewDelta, status string, n int) {
	switch status {
	case entities.ReviewConfirmed:
		d.Confirmed += n
	case entities.ReviewRejected:
		d.Rejected += n
	case entities.ReviewUncertain:
		d.Uncertain += n
	}
}

// withRetry reruns fn when a concurrent review moved a prediction.
func (e *Executor) withRetry(ctx context.Context, fn func(tx *repository.Store) error) error {
	var err error
	for range reviewRetries {
		err = e.repo.Transaction(ctx, fn)
		if !errors.Is(err, errReviewMoved) {
			break
		}
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errReviewMoved):
		return errors.ConflictError("prediction was reviewed concurrently, retry the request")
	}
	return dbError(err, "review")
}

func validateReview(req *ReviewRequest) error {
	if !slices.Contains(reviewStatuses, req.Status) {
		return errors.ValidationError("review_status must be one of " + strings.Join(reviewStatuses, ", "))
	}
	if len(req.Reviewer) > 100 {
		return errors.ValidationError("reviewer is too long")
	}
	return nil
}

func missingPredictions(ids []uint, found []entities.InferencePrediction) error {
	have := make(map[uint]struct{}, len(found))
	for i := range found {
		have[found[i].ID] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := have[id]; !ok {
			return errors.NotFoundError("prediction", id)
		}
	}
	return errors.NotFoundError("prediction", ids)
}
