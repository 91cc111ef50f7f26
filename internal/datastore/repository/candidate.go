package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/errors"
)

// CandidateFilter narrows result listings. Zero values are ignored.
type CandidateFilter struct {
	SessionID     string
	LabelState    string
	CategoryID    *uint
	SampleType    string
	Iteration     *int
	MinSimilarity *float64
	MaxSimilarity *float64
}

func (f *CandidateFilter) apply(q *gorm.DB) *gorm.DB {
	q = q.Where("session_id = ?", f.SessionID)
	if f.LabelState != "" {
		q = q.Where("label_state = ?", f.LabelState)
	}
	if f.CategoryID != nil {
		q = q.Where("category_id = ?", *f.CategoryID)
	}
	if f.SampleType != "" {
		q = q.Where("sample_type = ?", f.SampleType)
	}
	if f.Iteration != nil {
		q = q.Where("iteration_added = ?", *f.Iteration)
	}
	if f.MinSimilarity != nil {
		q = q.Where("similarity >= ?", *f.MinSimilarity)
	}
	if f.MaxSimilarity != nil {
		q = q.Where("similarity <= ?", *f.MaxSimilarity)
	}
	return q
}

// CreateCandidates inserts new candidates. A duplicate (session, clip) pair
// fails the whole insert through the unique index.
func (s *Store) CreateCandidates(ctx context.Context, candidates []entities.Candidate) error {
	if len(candidates) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(candidates, 200).Error
}

// GetCandidate loads one candidate of a session.
func (s *Store) GetCandidate(ctx context.Context, sessionID string, id uint) (*entities.Candidate, error) {
	var c entities.Candidate
	err := s.db.WithContext(ctx).First(&c, "id = ? AND session_id = ?", id, sessionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCandidateNotFound
		}
		return nil, err
	}
	return &c, nil
}

// GetCandidatesByIDs loads candidates of a session; ids outside the session are omitted.
func (s *Store) GetCandidatesByIDs(ctx context.Context, sessionID string, ids []uint) ([]entities.Candidate, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []entities.Candidate
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND id IN ?", sessionID, ids).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// ListCandidates returns a filtered page ordered by iteration then rank, plus the total match count.
func (s *Store) ListCandidates(ctx context.Context, filter CandidateFilter, page Page) ([]entities.Candidate, int64, error) {
	var total int64
	base := s.db.WithContext(ctx).Model(&entities.Candidate{})
	if err := filter.apply(base).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []entities.Candidate
	q := filter.apply(s.db.WithContext(ctx).Model(&entities.Candidate{})).
		Order("iteration_added ASC, result_rank ASC, id ASC")
	if err := page.apply(q).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// ListSessionCandidates returns every candidate of a session ordered by id.
func (s *Store) ListSessionCandidates(ctx context.Context, sessionID string) ([]entities.Candidate, error) {
	var rows []entities.Candidate
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// SessionClipIDs returns every clip id already surfaced in the session.
func (s *Store) SessionClipIDs(ctx context.Context, sessionID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&entities.Candidate{}).
		Where("session_id = ?", sessionID).
		Pluck("clip_id", &ids).Error
	return ids, err
}

// LabeledCandidates returns candidates labeled with a category or negative,
// the rows that feed training and similarity fallbacks.
func (s *Store) LabeledCandidates(ctx context.Context, sessionID string) ([]entities.Candidate, error) {
	var rows []entities.Candidate
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND label_state IN ?", sessionID,
			[]string{entities.LabelCategory, entities.LabelNegative}).
		Order("clip_id ASC").
		Find(&rows).Error
	return rows, err
}

// IterationCandidates returns the candidates added in one iteration ordered by rank.
func (s *Store) IterationCandidates(ctx context.Context, sessionID string, iteration int) ([]entities.Candidate, error) {
	var rows []entities.Candidate
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND iteration_added = ?", sessionID, iteration).
		Order("result_rank ASC, id ASC").
		Find(&rows).Error
	return rows, err
}

// LabelUpdate is the new label state written by SwapLabel.
type LabelUpdate struct {
	State      string
	CategoryID *uint
	LabeledAt  *time.Time
}

// SwapLabel writes a label if the candidate still has expectedVersion and
// bumps the version. Returns false when the version moved on.
func (s *Store) SwapLabel(ctx context.Context, id uint, expectedVersion int, update LabelUpdate) (bool, error) {
	result := s.db.WithContext(ctx).Model(&entities.Candidate{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		UpdateColumns(map[string]any{
			"label_state": update.State,
			"category_id": update.CategoryID,
			"labeled_at":  update.LabeledAt,
			"version":     gorm.Expr("version + 1"),
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// SetClassifierScores records the classifier score that surfaced each candidate.
func (s *Store) SetClassifierScores(ctx context.Context, scores map[uint]float64) error {
	for id, score := range scores {
		err := s.db.WithContext(ctx).Model(&entities.Candidate{}).
			Where("id = ?", id).
			UpdateColumn("classifier_score", score).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// LabelStateCount is one row of a grouped label count.
type LabelStateCount struct {
	LabelState string
	CategoryID *uint
	Count      int
}

// CountLabelStates groups a session's candidates by label state and category.
func (s *Store) CountLabelStates(ctx context.Context, sessionID string) ([]LabelStateCount, error) {
	var rows []LabelStateCount
	err := s.db.WithContext(ctx).Model(&entities.Candidate{}).
		Select("label_state, category_id, COUNT(*) AS count").
		Where("session_id = ?", sessionID).
		Group("label_state, category_id").
		Scan(&rows).Error
	return rows, err
}
