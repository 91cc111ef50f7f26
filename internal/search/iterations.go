package search

import (
	"context"

	"github.com/tphakala/birdnet-search/internal/jobs"
	"github.com/tphakala/birdnet-search/internal/labeling"
	"github.com/tphakala/birdnet-search/internal/logger"
	"github.com/tphakala/birdnet-search/internal/sampler"
)

func iterationKey(sessionID string) jobs.Key {
	return jobs.Key{Kind: jobs.KindIteration, Target: sessionID}
}

// StartIteration schedules the next sampling round and returns the pending
// run. A request that an earlier completed round already answers returns that
// round with Reused set and schedules nothing.
func (s *Service) StartIteration(ctx context.Context, sessionID string, req sampler.IterationRequest) (*IterationView, error) {
	// sessions whose bootstrap was interrupted get round 0 first
	if _, err := s.sampler.Bootstrap(ctx, sessionID); err != nil {
		return nil, err
	}

	h, err := s.runner.Reserve(iterationKey(sessionID))
	if err != nil {
		return nil, err
	}
	plan, err := s.sampler.Prepare(ctx, sessionID, req)
	if err != nil {
		h.Release()
		return nil, err
	}
	if plan.Reused {
		h.Release()
		return s.GetIteration(ctx, sessionID, plan.Run.Iteration, true)
	}

	view := iterationView(plan.Run)
	h.Go(func(ctx context.Context, _ *jobs.Handle) error {
		_, err := s.sampler.Execute(ctx, plan)
		return err
	})
	log.Info("iteration scheduled",
		logger.String("session_id", sessionID),
		logger.Int("iteration", view.Iteration))
	return s.withCounts(ctx, view)
}

// GetIteration returns one round with the candidates it added.
func (s *Service) GetIteration(ctx context.Context, sessionID string, iteration int, reused bool) (*IterationView, error) {
	run, err := s.repo.GetIterationRun(ctx, sessionID, iteration)
	if err != nil {
		return nil, notFound(err, "iteration", iteration)
	}
	view := iterationView(run)
	view.Reused = reused
	candidates, err := s.repo.IterationCandidates(ctx, sessionID, iteration)
	if err != nil {
		return nil, dbError(err, "iteration_candidates")
	}
	view.Candidates = candidateViews(candidates)
	return s.withCounts(ctx, view)
}

func (s *Service) withCounts(ctx context.Context, view *IterationView) (*IterationView, error) {
	session, err := s.repo.GetSession(ctx, view.SessionID)
	if err != nil {
		return nil, notFound(err, "session", view.SessionID)
	}
	view.Counts = labeling.SnapshotOf(session)
	return view, nil
}

// WaitIteration blocks until no iteration job is active for the session.
func (s *Service) WaitIteration(ctx context.Context, sessionID string) error {
	return s.runner.WaitKey(ctx, iterationKey(sessionID))
}
