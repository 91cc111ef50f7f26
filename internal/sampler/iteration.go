package sampler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/datastore/repository"
	"github.com/tphakala/birdnet-search/internal/embedding"
	"github.com/tphakala/birdnet-search/internal/errors"
	"github.com/tphakala/birdnet-search/internal/labeling"
	"github.com/tphakala/birdnet-search/internal/logger"
	"github.com/tphakala/birdnet-search/internal/observability/metrics"
)

// IterationRequest configures one sampling round. Zero values take defaults.
type IterationRequest struct {
	UncertaintyLow      *float64 `json:"uncertainty_low,omitempty"`
	UncertaintyHigh     *float64 `json:"uncertainty_high,omitempty"`
	SamplesPerIteration int      `json:"samples_per_iteration,omitempty" validate:"gte=0,lte=1000"`
	CategoryIDs         []uint   `json:"category_ids,omitempty"`
}

// resolvedRequest is a request with defaults applied, used for hashing.
type resolvedRequest struct {
	Low        float64 `json:"uncertainty_low"`
	High       float64 `json:"uncertainty_high"`
	Samples    int     `json:"samples_per_iteration"`
	Categories []uint  `json:"category_ids"`
}

// Plan is a prepared iteration. When Reused is set Run is a completed earlier
// round that already answers the request and nothing needs to execute.
type Plan struct {
	Run     *entities.IterationRun
	Reused  bool
	request resolvedRequest
	models  map[uint]*entities.ClassifierModel
}

// Prepare validates req, answers it from the last completed round when the
// parameters, labels and models are unchanged, and otherwise records a pending
// run for the next iteration.
func (s *Sampler) Prepare(ctx context.Context, sessionID string, req IterationRequest) (*Plan, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, notFound(err, "session", sessionID)
	}
	if session.IsCompleted {
		return nil, errors.ConflictError("session is completed")
	}

	resolved, err := s.resolve(session, req)
	if err != nil {
		return nil, err
	}
	models, err := s.resolveModels(ctx, resolved.Categories)
	if err != nil {
		return nil, err
	}

	raw, _ := json.Marshal(resolved)
	sum := sha256.Sum256(raw)
	paramsHash := hex.EncodeToString(sum[:])
	fingerprint := modelFingerprint(resolved.Categories, models)

	latest, err := s.repo.LatestIterationRun(ctx, sessionID)
	if err != nil && !errors.Is(err, repository.ErrIterationNotFound) {
		return nil, dbError(err, "latest_iteration")
	}
	if latest != nil {
		switch {
		case latest.Status == entities.JobPending || latest.Status == entities.JobRunning:
			return nil, errors.New(fmt.Errorf("iteration %d is still %s", latest.Iteration, latest.Status)).
				Component("sampler").
				Category(errors.CategoryConflict).
				Context("session_id", sessionID).
				Build()
		case latest.Status == entities.JobCompleted &&
			latest.Iteration > 0 &&
			latest.Iteration == session.CurrentIteration &&
			latest.ParamsHash == paramsHash &&
			latest.LabelVersion == session.LabelVersion &&
			latest.ModelFingerprint == fingerprint:
			s.metrics.RecordIteration(metrics.StatusReused, 0)
			return &Plan{Run: latest, Reused: true, request: resolved, models: models}, nil
		}
	}

	run := &entities.IterationRun{
		SessionID:        sessionID,
		Iteration:        session.CurrentIteration + 1,
		ParamsHash:       paramsHash,
		RequestJSON:      string(raw),
		LabelVersion:     session.LabelVersion,
		ModelFingerprint: fingerprint,
		Status:           entities.JobPending,
	}
	// a failed attempt at the same iteration number is overwritten
	if latest != nil && latest.Iteration == run.Iteration && latest.Status == entities.JobFailed {
		run.ID = latest.ID
		run.CreatedAt = latest.CreatedAt
	}
	if err := s.repo.SaveIterationRun(ctx, run); err != nil {
		return nil, dbError(err, "save_iteration")
	}
	return &Plan{Run: run, request: resolved, models: models}, nil
}

func (s *Sampler) resolve(session *entities.Session, req IterationRequest) (resolvedRequest, error) {
	r := resolvedRequest{
		Low:     s.defaults.UncertaintyLow,
		High:    s.defaults.UncertaintyHigh,
		Samples: s.defaults.SamplesPerIteration,
	}
	if req.UncertaintyLow != nil {
		r.Low = *req.UncertaintyLow
	}
	if req.UncertaintyHigh != nil {
		r.High = *req.UncertaintyHigh
	}
	if req.SamplesPerIteration > 0 {
		r.Samples = req.SamplesPerIteration
	}
	if r.Low < 0 || r.High > 1 || r.Low >= r.High {
		return r, errors.ValidationError(fmt.Sprintf(
			"uncertainty band must satisfy 0 <= low < high <= 1, got [%g, %g]", r.Low, r.High))
	}

	known := make(map[uint]bool, len(session.Categories))
	for i := range session.Categories {
		known[session.Categories[i].ID] = true
	}
	if len(req.CategoryIDs) == 0 {
		for i := range session.Categories {
			r.Categories = append(r.Categories, session.Categories[i].ID)
		}
	} else {
		for _, id := range req.CategoryIDs {
			if !known[id] {
				return r, errors.NotFoundError("category", id)
			}
		}
		r.Categories = slices.Clone(req.CategoryIDs)
	}
	slices.Sort(r.Categories)
	r.Categories = slices.Compact(r.Categories)
	if len(r.Categories) == 0 {
		return r, errors.ValidationError("session has no categories to score")
	}
	return r, nil
}

// IterationResult summarizes an executed round.
type IterationResult struct {
	Run        *entities.IterationRun
	Candidates []entities.Candidate
	Stats      embedding.Stats
}

// Execute scores the pool and stores the boundary and random candidates of a
// prepared round. The run row records failure when it returns an error.
func (s *Sampler) Execute(ctx context.Context, plan *Plan) (*IterationResult, error) {
	if plan.Reused {
		candidates, err := s.repo.IterationCandidates(ctx, plan.Run.SessionID, plan.Run.Iteration)
		if err != nil {
			return nil, dbError(err, "iteration_candidates")
		}
		return &IterationResult{Run: plan.Run, Candidates: candidates}, nil
	}

	start := s.now()
	run := plan.Run
	var res *IterationResult
	err := s.repo.UpdateIterationRun(ctx, run.ID, map[string]any{
		"status":     entities.JobRunning,
		"started_at": start,
	})
	if err != nil {
		err = dbError(err, "start_iteration")
	} else {
		res, err = s.execute(ctx, plan)
	}
	elapsed := time.Since(start)
	if err != nil {
		// a detached context keeps the failure recordable after cancellation
		if uerr := s.repo.UpdateIterationRun(context.WithoutCancel(ctx), run.ID, map[string]any{
			"status":        entities.JobFailed,
			"error_message": err.Error(),
			"completed_at":  s.now(),
		}); uerr != nil {
			log.Error("failed to record iteration failure", logger.Int("run_id", int(run.ID)), logger.Error(uerr))
		}
		s.metrics.RecordIteration(metrics.StatusError, elapsed.Seconds())
		log.Warn("iteration failed",
			logger.String("session_id", run.SessionID),
			logger.Int("iteration", run.Iteration),
			logger.Error(err))
		return nil, err
	}

	s.metrics.RecordIteration(metrics.StatusSuccess, elapsed.Seconds())
	log.Info("iteration completed",
		logger.String("session_id", run.SessionID),
		logger.Int("iteration", run.Iteration),
		logger.Int("boundary", res.Run.BoundaryAdded),
		logger.Int("others", res.Run.OthersAdded),
		logger.Int("scored", res.Stats.Scored),
		logger.Duration("elapsed", elapsed))
	return res, nil
}

func (s *Sampler) execute(ctx context.Context, plan *Plan) (*IterationResult, error) {
	run := plan.Run
	session, err := s.repo.GetSession(ctx, run.SessionID)
	if err != nil {
		return nil, notFound(err, "session", run.SessionID)
	}
	exclude, err := s.sessionClips(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	pool, stats, err := s.scorePool(ctx, session, plan.request.Categories, plan.models, exclude)
	if err != nil {
		return nil, err
	}

	limit := min(session.BoundaryN, session.BoundaryM)
	boundary, rest := selectBoundary(pool, plan.request.Low, plan.request.High, limit)
	var outside []scoredClip
	for _, c := range rest {
		if c.Score < plan.request.Low || c.Score > plan.request.High {
			outside = append(outside, c)
		}
	}
	others := selectOthers(outside, session.OthersP, iterationRand(session.ID, run.Iteration, session.Seed))
	boundary, others = capProportional(boundary, others, plan.request.Samples)

	candidates, err := s.buildCandidates(ctx, session, run.Iteration, boundary, others)
	if err != nil {
		return nil, err
	}

	now := s.now()
	err = s.repo.Transaction(ctx, func(tx *repository.Store) error {
		locked, err := tx.LockSession(ctx, session.ID)
		if err != nil {
			return err
		}
		if locked.IsCompleted {
			return errors.ConflictError("session was completed while sampling")
		}
		if locked.CurrentIteration >= run.Iteration {
			return errors.ConflictError(fmt.Sprintf("iteration %d was already sampled", run.Iteration))
		}
		if err := labeling.Insert(ctx, tx, session.ID, candidates); err != nil {
			return err
		}
		if err := tx.AdvanceIteration(ctx, session.ID, run.Iteration); err != nil {
			return err
		}
		return tx.UpdateIterationRun(ctx, run.ID, map[string]any{
			"status":         entities.JobCompleted,
			"boundary_added": len(boundary),
			"others_added":   len(others),
			"scored_clips":   stats.Scored,
			"completed_at":   now,
		})
	})
	if err != nil {
		return nil, dbError(err, "store_iteration")
	}

	s.metrics.RecordCandidatesAdded(entities.SampleBoundary, len(boundary))
	s.metrics.RecordCandidatesAdded(entities.SampleOthers, len(others))

	run.Status = entities.JobCompleted
	run.BoundaryAdded, run.OthersAdded, run.ScoredClips = len(boundary), len(others), stats.Scored
	run.CompletedAt = &now
	return &IterationResult{Run: run, Candidates: candidates, Stats: stats}, nil
}

// buildCandidates ranks boundary picks first, then random ones. Similarity is
// measured against the session references.
func (s *Sampler) buildCandidates(ctx context.Context, session *entities.Session, iteration int, boundary, others []scoredClip) ([]entities.Candidate, error) {
	picked := append(slices.Clone(boundary), others...)
	if len(picked) == 0 {
		return nil, nil
	}

	similarity := make(map[string]float64, len(picked))
	refs, err := s.referenceVectors(ctx, session.ID, nil)
	if err != nil {
		return nil, err
	}
	if len(refs) > 0 {
		ids := make([]string, len(picked))
		for i, c := range picked {
			ids[i] = c.ClipID
		}
		res, err := s.index.Score(ctx, sameDimension(refs), embedding.Metric(session.Metric), embedding.Scope{ClipIDs: ids}, nil)
		if err != nil && !errors.IsCategory(err, errors.CategoryValidation) {
			return nil, err
		}
		if res != nil {
			for _, m := range res.Matches {
				similarity[m.ClipID] = m.Score
			}
		}
	}

	out := make([]entities.Candidate, len(picked))
	for i, c := range picked {
		sampleType := entities.SampleOthers
		if i < len(boundary) {
			sampleType = entities.SampleBoundary
		}
		cand := entities.Candidate{
			ClipID:         c.ClipID,
			Similarity:     similarity[c.ClipID],
			Rank:           i + 1,
			SampleType:     sampleType,
			IterationAdded: iteration,
		}
		if c.ByModel {
			score := c.Score
			cand.ClassifierScore = &score
		} else if _, ok := similarity[c.ClipID]; !ok {
			cand.Similarity = c.Score
		}
		out[i] = cand
	}
	return out, nil
}
