package search

import (
	"context"

	"github.com/tphakala/birdnet-search/internal/labeling"
)

// LabelResult is a labeled candidate with the session counts after the change.
type LabelResult struct {
	Candidate CandidateView   `json:"candidate"`
	Counts    labeling.Counts `json:"counts"`
}

// BulkLabelRequest labels many candidates with one decision.
type BulkLabelRequest struct {
	CandidateIDs []uint `json:"candidate_ids" validate:"required,min=1,max=500"`
	labeling.LabelData
}

// CurateRequest assigns many candidates to one category.
type CurateRequest struct {
	CandidateIDs []uint `json:"candidate_ids" validate:"required,min=1,max=500"`
	CategoryID   uint   `json:"category_id" validate:"required"`
}

// BulkLabelResult reports a bulk operation.
type BulkLabelResult struct {
	labeling.BulkResult
	Counts labeling.Counts `json:"counts"`
}

// Label records one label decision.
func (s *Service) Label(ctx context.Context, sessionID string, candidateID uint, data labeling.LabelData) (*LabelResult, error) {
	c, err := s.labels.Label(ctx, sessionID, candidateID, data)
	if err != nil {
		return nil, err
	}
	counts, err := s.counts(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &LabelResult{Candidate: candidateView(c), Counts: counts}, nil
}

// BulkLabel applies one decision to every listed candidate or to none.
func (s *Service) BulkLabel(ctx context.Context, sessionID string, req *BulkLabelRequest) (*BulkLabelResult, error) {
	res, err := s.labels.BulkLabel(ctx, sessionID, req.CandidateIDs, req.LabelData)
	if err != nil {
		return nil, err
	}
	return s.bulkResult(ctx, sessionID, res)
}

// Curate assigns every listed candidate to one category.
func (s *Service) Curate(ctx context.Context, sessionID string, req *CurateRequest) (*BulkLabelResult, error) {
	res, err := s.labels.BulkCurate(ctx, sessionID, req.CandidateIDs, req.CategoryID)
	if err != nil {
		return nil, err
	}
	return s.bulkResult(ctx, sessionID, res)
}

func (s *Service) bulkResult(ctx context.Context, sessionID string, res *labeling.BulkResult) (*BulkLabelResult, error) {
	counts, err := s.counts(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &BulkLabelResult{BulkResult: *res, Counts: counts}, nil
}

func (s *Service) counts(ctx context.Context, sessionID string) (labeling.Counts, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return labeling.Counts{}, notFound(err, "session", sessionID)
	}
	return labeling.SnapshotOf(session), nil
}
