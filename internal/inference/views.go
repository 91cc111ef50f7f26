package inference

import (
	"context"
	"time"

	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/datastore/repository"
	"github.com/tphakala/birdnet-search/internal/errors"
)

// BatchCounts is the counter snapshot of a batch.
type BatchCounts struct {
	TotalItems        int     `json:"total_items"`
	ProcessedItems    int     `json:"processed_items"`
	MissingEmbeddings int     `json:"missing_embeddings"`
	Progress          float64 `json:"progress"`
	PositiveCount     int     `json:"positive_count"`
	NegativeCount     int     `json:"negative_count"`
	AverageConfidence float64 `json:"average_confidence"`
	ConfirmedCount    int     `json:"confirmed_count"`
	RejectedCount     int     `json:"rejected_count"`
	UncertainCount    int     `json:"uncertain_count"`
}

func countsOf(b *entities.InferenceBatch) BatchCounts {
	return BatchCounts{
		TotalItems:        b.TotalItems,
		ProcessedItems:    b.ProcessedItems,
		MissingEmbeddings: b.MissingEmbeddings,
		Progress:          b.Progress,
		PositiveCount:     b.PositiveCount,
		NegativeCount:     b.NegativeCount,
		AverageConfidence: b.AverageConfidence,
		ConfirmedCount:    b.ConfirmedCount,
		RejectedCount:     b.RejectedCount,
		UncertainCount:    b.UncertainReviewCount,
	}
}

// BatchView is the API representation of a batch.
type BatchView struct {
	ID                    uint        `json:"id"`
	ModelID               uint        `json:"model_id"`
	CategoryID            uint        `json:"category_id"`
	SessionID             *string     `json:"session_id,omitempty"`
	DatasetID             string      `json:"dataset_id,omitempty"`
	ScopeFingerprint      string      `json:"scope_fingerprint"`
	IncludeAllClips       bool        `json:"include_all_clips"`
	ExcludeAlreadyLabeled bool        `json:"exclude_already_labeled"`
	ConfidenceThreshold   float64     `json:"confidence_threshold"`
	BatchSize             int         `json:"batch_size"`
	Status                string      `json:"status"`
	CancelRequested       bool        `json:"cancel_requested"`
	ErrorMessage          string      `json:"error_message,omitempty"`
	Counts                BatchCounts `json:"counts"`
	StartedAt             *time.Time  `json:"started_at,omitempty"`
	CompletedAt           *time.Time  `json:"completed_at,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
}

func batchView(b *entities.InferenceBatch) *BatchView {
	return &BatchView{
		ID:                    b.ID,
		ModelID:               b.ModelID,
		CategoryID:            b.CategoryID,
		SessionID:             b.SessionID,
		DatasetID:             b.DatasetID,
		ScopeFingerprint:      b.ScopeFingerprint,
		IncludeAllClips:       b.IncludeAllClips,
		ExcludeAlreadyLabeled: b.ExcludeAlreadyLabeled,
		ConfidenceThreshold:   b.ConfidenceThreshold,
		BatchSize:             b.BatchSize,
		Status:                b.Status,
		CancelRequested:       b.CancelRequested,
		ErrorMessage:          b.ErrorMessage,
		Counts:                countsOf(b),
		StartedAt:             b.StartedAt,
		CompletedAt:           b.CompletedAt,
		CreatedAt:             b.CreatedAt,
	}
}

// PredictionView is one scored clip.
type PredictionView struct {
	ID                uint       `json:"id"`
	BatchID           uint       `json:"batch_id"`
	ClipID            string     `json:"clip_id"`
	CategoryID        uint       `json:"category_id"`
	Confidence        float64    `json:"confidence"`
	PredictedPositive bool       `json:"predicted_positive"`
	ReviewStatus      string     `json:"review_status"`
	Reviewer          string     `json:"reviewer,omitempty"`
	Notes             string     `json:"notes,omitempty"`
	ReviewedAt        *time.Time `json:"reviewed_at,omitempty"`
}

func predictionView(p *entities.InferencePrediction) PredictionView {
	return PredictionView{
		ID:                p.ID,
		BatchID:           p.BatchID,
		ClipID:            p.ClipID,
		CategoryID:        p.CategoryID,
		Confidence:        p.Confidence,
		PredictedPositive: p.PredictedPositive,
		ReviewStatus:      p.ReviewStatus,
		Reviewer:          p.Reviewer,
		Notes:             p.Notes,
		ReviewedAt:        p.ReviewedAt,
	}
}

// PredictionQuery filters and pages predictions.
type PredictionQuery struct {
	MinConfidence *float64 `query:"min_confidence"`
	MaxConfidence *float64 `query:"max_confidence"`
	CategoryID    *uint    `query:"category_id"`
	ReviewStatus  string   `query:"review_status"`
	Predicted     *bool    `query:"predicted"`
	Limit         int      `query:"limit"`
	Offset        int      `query:"offset"`
}

// PredictionPage is one page of predictions.
type PredictionPage struct {
	Items  []PredictionView `json:"items"`
	Total  int64            `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
	Counts BatchCounts      `json:"counts"`
}

// Predictions lists predictions by descending confidence.
func (e *Executor) Predictions(ctx context.Context, batchID uint, q PredictionQuery) (*PredictionPage, error) {
	if q.ReviewStatus != "" {
		if err := validateReview(&ReviewRequest{Status: q.ReviewStatus}); err != nil {
			return nil, err
		}
	}
	if q.MinConfidence != nil && q.MaxConfidence != nil && *q.MinConfidence > *q.MaxConfidence {
		return nil, errors.ValidationError("min_confidence exceeds max_confidence")
	}
	if q.Limit < 0 || q.Offset < 0 {
		return nil, errors.ValidationError("limit and offset must not be negative")
	}
	limit := q.Limit
	if limit == 0 {
		limit = 100
	}
	limit = min(limit, 1000)

	b, err := e.repo.GetBatch(ctx, batchID)
	if err != nil {
		return nil, notFound(err, "inference batch", batchID)
	}
	rows, total, err := e.repo.ListPredictions(ctx, repository.PredictionFilter{
		BatchID:       batchID,
		MinConfidence: q.MinConfidence,
		MaxConfidence: q.MaxConfidence,
		CategoryID:    q.CategoryID,
		ReviewStatus:  q.ReviewStatus,
		Predicted:     q.Predicted,
	}, repository.Page{Limit: limit, Offset: q.Offset})
	if err != nil {
		return nil, dbError(err, "list_predictions")
	}
	page := &PredictionPage{Items: make([]PredictionView, len(rows)), Total: total, Limit: limit, Offset: q.Offset, Counts: countsOf(b)}
	for i := range rows {
		page.Items[i] = predictionView(&rows[i])
	}
	return page, nil
}

// ExportItem is one positive clip handed to downstream consumers.
type ExportItem struct {
	ClipID       string  `json:"clip_id"`
	CategoryID   uint    `json:"category_id"`
	Category     string  `json:"category,omitempty"`
	Confidence   float64 `json:"confidence"`
	ReviewStatus string  `json:"review_status"`
	Reviewer     string  `json:"reviewer,omitempty"`
}

// Export is the positive set of a batch.
type Export struct {
	BatchID       uint         `json:"batch_id"`
	ModelID       uint         `json:"model_id"`
	ConfirmedOnly bool         `json:"confirmed_only"`
	Items         []ExportItem `json:"items"`
	Counts        BatchCounts  `json:"counts"`
	ExportedAt    time.Time    `json:"exported_at"`
}

// Export returns confirmed predictions, or every positive that was not rejected.
func (e *Executor) Export(ctx context.Context, batchID uint, confirmedOnly bool) (*Export, error) {
	b, err := e.repo.GetBatch(ctx, batchID)
	if err != nil {
		return nil, notFound(err, "inference batch", batchID)
	}
	rows, err := e.repo.ExportPredictions(ctx, batchID, confirmedOnly)
	if err != nil {
		return nil, dbError(err, "export_predictions")
	}
	var name string
	if m, err := e.repo.GetModel(ctx, b.ModelID); err == nil {
		name = m.CategoryName
	}
	out := &Export{
		BatchID:       b.ID,
		ModelID:       b.ModelID,
		ConfirmedOnly: confirmedOnly,
		Items:         make([]ExportItem, len(rows)),
		Counts:        countsOf(b),
		ExportedAt:    e.now().UTC(),
	}
	for i := range rows {
		out.Items[i] = ExportItem{
			ClipID:       rows[i].ClipID,
			CategoryID:   rows[i].CategoryID,
			Category:     name,
			Confidence:   rows[i].Confidence,
			ReviewStatus: rows[i].ReviewStatus,
			Reviewer:     rows[i].Reviewer,
		}
	}
	return out, nil
}
