package search

import (
	"context"
	"slices"
	"time"

	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/datastore/repository"
	"github.com/tphakala/birdnet-search/internal/errors"
	"github.com/tphakala/birdnet-search/internal/labeling"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

var (
	labelStates = []string{entities.LabelNone, entities.LabelCategory, entities.LabelNegative, entities.LabelUncertain, entities.LabelSkipped}
	sampleTypes = []string{entities.SampleEasyPositive, entities.SampleBoundary, entities.SampleOthers, entities.SampleActiveLearning}
)

// ResultsQuery filters and pages session results.
type ResultsQuery struct {
	Label         string   `query:"label"`
	CategoryID    *uint    `query:"category_id"`
	SampleType    string   `query:"sample_type"`
	Iteration     *int     `query:"iteration"`
	MinSimilarity *float64 `query:"min_similarity"`
	MaxSimilarity *float64 `query:"max_similarity"`
	Limit         int      `query:"limit"`
	Offset        int      `query:"offset"`
}

// ResultsPage is one page of results.
type ResultsPage struct {
	Items  []CandidateView `json:"items"`
	Total  int64           `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
	Counts labeling.Counts `json:"counts"`
}

// Results lists candidates by rank within iteration.
func (s *Service) Results(ctx context.Context, sessionID string, q ResultsQuery) (*ResultsPage, error) {
	if q.Label != "" && !slices.Contains(labelStates, q.Label) {
		return nil, errors.ValidationError("unknown label filter " + q.Label)
	}
	if q.SampleType != "" && !slices.Contains(sampleTypes, q.SampleType) {
		return nil, errors.ValidationError("unknown sample type " + q.SampleType)
	}
	if q.MinSimilarity != nil && q.MaxSimilarity != nil && *q.MinSimilarity > *q.MaxSimilarity {
		return nil, errors.ValidationError("min_similarity exceeds max_similarity")
	}
	if q.Offset < 0 || q.Limit < 0 {
		return nil, errors.ValidationError("limit and offset must not be negative")
	}
	limit := q.Limit
	if limit == 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)

	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, notFound(err, "session", sessionID)
	}
	rows, total, err := s.repo.ListCandidates(ctx, repository.CandidateFilter{
		SessionID:     sessionID,
		LabelState:    q.Label,
		CategoryID:    q.CategoryID,
		SampleType:    q.SampleType,
		Iteration:     q.Iteration,
		MinSimilarity: q.MinSimilarity,
		MaxSimilarity: q.MaxSimilarity,
	}, repository.Page{Limit: limit, Offset: q.Offset})
	if err != nil {
		return nil, dbError(err, "list_results")
	}
	return &ResultsPage{
		Items:  candidateViews(rows),
		Total:  total,
		Limit:  limit,
		Offset: q.Offset,
		Counts: labeling.SnapshotOf(session),
	}, nil
}

// ExportItem is one labeled clip in an export payload.
type ExportItem struct {
	ClipID         string     `json:"clip_id"`
	Label          string     `json:"label"`
	Category       string     `json:"category,omitempty"`
	CategoryID     *uint      `json:"category_id,omitempty"`
	Similarity     float64    `json:"similarity"`
	SampleType     string     `json:"sample_type"`
	IterationAdded int        `json:"iteration_added"`
	LabeledAt      *time.Time `json:"labeled_at,omitempty"`
}

// Export is the labeled set of a session, the input of annotation projects
// and of training from annotations.
type Export struct {
	SessionID  string          `json:"session_id"`
	Name       string          `json:"name"`
	DatasetID  string          `json:"dataset_id,omitempty"`
	Completed  bool            `json:"completed"`
	Categories []CategoryView  `json:"categories"`
	Items      []ExportItem    `json:"items"`
	Counts     labeling.Counts `json:"counts"`
	ExportedAt time.Time       `json:"exported_at"`
}

// Export returns every candidate labeled with a category, negative or
// uncertain. Skipped and unlabeled candidates are left out.
func (s *Service) Export(ctx context.Context, sessionID string) (*Export, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, notFound(err, "session", sessionID)
	}
	rows, err := s.repo.ListSessionCandidates(ctx, sessionID)
	if err != nil {
		return nil, dbError(err, "export")
	}
	names := make(map[uint]string, len(session.Categories))
	for _, c := range session.Categories {
		names[c.ID] = c.Name
	}

	view := sessionView(session)
	out := &Export{
		SessionID:  session.ID,
		Name:       session.Name,
		DatasetID:  session.DatasetID,
		Completed:  session.IsCompleted,
		Categories: view.Categories,
		Items:      make([]ExportItem, 0, len(rows)),
		Counts:     view.Counts,
		ExportedAt: s.now().UTC(),
	}
	for i := range rows {
		c := &rows[i]
		if c.LabelState == entities.LabelSkipped || c.LabelState == entities.LabelNone {
			continue
		}
		item := ExportItem{
			ClipID:         c.ClipID,
			Label:          c.LabelState,
			CategoryID:     c.CategoryID,
			Similarity:     c.Similarity,
			SampleType:     c.SampleType,
			IterationAdded: c.IterationAdded,
			LabeledAt:      c.LabeledAt,
		}
		if c.CategoryID != nil {
			item.Category = names[*c.CategoryID]
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}
