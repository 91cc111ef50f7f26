// Package sampler retrieves candidates for active-learning sessions: the
// bootstrap round of easy positives from reference vectors, and boundary plus
// random rounds scored by the latest classifier or by similarity.
package sampler

import (
	"context"
	"fmt"
	"time"

	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/datastore/repository"
	"github.com/tphakala/birdnet-search/internal/embedding"
	"github.com/tphakala/birdnet-search/internal/errors"
	"github.com/tphakala/birdnet-search/internal/labeling"
	"github.com/tphakala/birdnet-search/internal/logger"
	"github.com/tphakala/birdnet-search/internal/observability/metrics"
)

var log = logger.Global().Module("sampler")

// Defaults fill iteration request fields left at zero.
type Defaults struct {
	UncertaintyLow      float64
	UncertaintyHigh     float64
	SamplesPerIteration int
}

// Options configures a Sampler.
type Options struct {
	Defaults Defaults
	Metrics  *metrics.SearchMetrics
}

// Sampler surfaces new candidates for sessions.
type Sampler struct {
	repo     *repository.Store
	index    *embedding.Index
	defaults Defaults
	metrics  *metrics.SearchMetrics
	now      func() time.Time
}

// New creates a sampler.
func New(repo *repository.Store, index *embedding.Index, opts Options) *Sampler {
	d := opts.Defaults
	if d.UncertaintyHigh == 0 {
		d.UncertaintyLow, d.UncertaintyHigh = 0.25, 0.75
	}
	if d.SamplesPerIteration == 0 {
		d.SamplesPerIteration = 20
	}
	return &Sampler{repo: repo, index: index, defaults: d, metrics: opts.Metrics, now: time.Now}
}

// BootstrapResult describes round 0 of a session.
type BootstrapResult struct {
	Candidates []entities.Candidate `json:"candidates"`
	Stats      embedding.Stats      `json:"stats"`
	Reused     bool                 `json:"reused"`
}

// Bootstrap queries the index with every reference vector of the session and
// stores the top easy_positive_k matches at or above the similarity threshold
// as iteration 0. Repeating it returns the stored round.
func (s *Sampler) Bootstrap(ctx context.Context, sessionID string) (*BootstrapResult, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, notFound(err, "session", sessionID)
	}
	if run, err := s.repo.GetIterationRun(ctx, sessionID, 0); err == nil && run.Status == entities.JobCompleted {
		existing, err := s.repo.IterationCandidates(ctx, sessionID, 0)
		if err != nil {
			return nil, dbError(err, "load_bootstrap")
		}
		return &BootstrapResult{Candidates: existing, Reused: true}, nil
	} else if err != nil && !errors.Is(err, repository.ErrIterationNotFound) {
		return nil, dbError(err, "load_bootstrap")
	}

	refs, err := s.referenceVectors(ctx, sessionID, nil)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, errors.ValidationError("session has no reference examples")
	}

	exclude, err := s.sessionClips(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	threshold := session.SimilarityThreshold
	res, err := s.index.Query(ctx, embedding.Query{
		Vectors:  refs,
		K:        session.EasyPositiveK,
		Metric:   embedding.Metric(session.Metric),
		Exclude:  exclude,
		Scope:    embedding.Scope{DatasetID: session.DatasetID},
		MinScore: &threshold,
	})
	if err != nil {
		return nil, err
	}

	candidates := make([]entities.Candidate, len(res.Matches))
	for i, m := range res.Matches {
		candidates[i] = entities.Candidate{
			ClipID:         m.ClipID,
			Similarity:     m.Score,
			Rank:           i + 1,
			SampleType:     entities.SampleEasyPositive,
			IterationAdded: 0,
		}
	}

	now := s.now()
	err = s.repo.Transaction(ctx, func(tx *repository.Store) error {
		if err := labeling.Insert(ctx, tx, sessionID, candidates); err != nil {
			return err
		}
		return tx.SaveIterationRun(ctx, &entities.IterationRun{
			SessionID:    sessionID,
			Iteration:    0,
			ParamsHash:   "bootstrap",
			LabelVersion: session.LabelVersion,
			Status:       entities.JobCompleted,
			ScoredClips:  res.Stats.Scored,
			StartedAt:    &now,
			CompletedAt:  &now,
		})
	})
	if err != nil {
		return nil, dbError(err, "store_bootstrap")
	}

	s.metrics.RecordCandidatesAdded(entities.SampleEasyPositive, len(candidates))
	log.Info("session bootstrapped",
		logger.String("session_id", sessionID),
		logger.Int("references", len(refs)),
		logger.Int("easy_positives", len(candidates)),
		logger.Int("scored", res.Stats.Scored),
		logger.Int("missing", res.Stats.Missing))
	return &BootstrapResult{Candidates: candidates, Stats: res.Stats}, nil
}

// referenceVectors decodes the session's references. With category set only
// references scoped to that category or to no category are returned.
func (s *Sampler) referenceVectors(ctx context.Context, sessionID string, category *uint) ([][]float32, error) {
	links, err := s.repo.ListSessionReferences(ctx, sessionID)
	if err != nil {
		return nil, dbError(err, "list_references")
	}
	var out [][]float32
	for _, link := range links {
		if link.Reference == nil {
			continue
		}
		if category != nil && link.CategoryID != nil && *link.CategoryID != *category {
			continue
		}
		vec, err := embedding.Decode(link.Reference.Vector, link.Reference.Dimension)
		if err != nil {
			log.Warn("skipping malformed reference",
				logger.String("reference_id", link.ReferenceID),
				logger.Error(err))
			continue
		}
		out = append(out, vec)
	}
	return out, nil
}

func (s *Sampler) sessionClips(ctx context.Context, sessionID string) (map[string]struct{}, error) {
	ids, err := s.repo.SessionClipIDs(ctx, sessionID)
	if err != nil {
		return nil, dbError(err, "session_clips")
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

func notFound(err error, entity string, id any) error {
	switch {
	case errors.Is(err, repository.ErrSessionNotFound),
		errors.Is(err, repository.ErrIterationNotFound),
		errors.Is(err, repository.ErrCategoryNotFound):
		return errors.NotFoundError(entity, id)
	}
	return dbError(err, fmt.Sprintf("load_%s", entity))
}

func dbError(err error, operation string) error {
	if errors.CategoryOf(err) != errors.CategoryGeneric {
		return err
	}
	return errors.New(err).
		Component("sampler").
		Category(errors.CategoryDatabase).
		Context("operation", operation).
		Build()
}
