package sampler

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/tphakala/birdnet-search/internal/classifier"
	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/datastore/repository"
	"github.com/tphakala/birdnet-search/internal/embedding"
	"github.com/tphakala/birdnet-search/internal/errors"
	"github.com/tphakala/birdnet-search/internal/logger"
)

// resolveModels picks the scoring model of each category: the deployed active
// version, else the latest trained one. Categories without either are absent.
func (s *Sampler) resolveModels(ctx context.Context, categories []uint) (map[uint]*entities.ClassifierModel, error) {
	out := make(map[uint]*entities.ClassifierModel, len(categories))
	for _, id := range categories {
		m, err := s.repo.ActiveModel(ctx, id)
		if errors.Is(err, repository.ErrModelNotFound) {
			m, err = s.repo.LatestTrainedModel(ctx, id)
		}
		switch {
		case errors.Is(err, repository.ErrModelNotFound):
			continue
		case err != nil:
			return nil, dbError(err, "resolve_model")
		}
		out[id] = m
	}
	return out, nil
}

// modelFingerprint identifies which scorer each category used.
func modelFingerprint(categories []uint, models map[uint]*entities.ClassifierModel) string {
	parts := make([]string, 0, len(categories))
	for _, id := range categories {
		if m, ok := models[id]; ok {
			parts = append(parts, fmt.Sprintf("%d=m%d.v%d", id, m.ID, m.Version))
		} else {
			parts = append(parts, fmt.Sprintf("%d=sim", id))
		}
	}
	return strings.Join(parts, ",")
}

// scorePool scores every clip in the session scope outside exclude. A clip's
// score is its maximum over the categories.
func (s *Sampler) scorePool(ctx context.Context, session *entities.Session, categories []uint,
	models map[uint]*entities.ClassifierModel, exclude map[string]struct{}) ([]scoredClip, embedding.Stats, error) {
	scope := embedding.Scope{DatasetID: session.DatasetID}
	best := make(map[string]scoredClip)
	var stats embedding.Stats

	for _, categoryID := range categories {
		var (
			res     *embedding.Result
			byModel bool
			err     error
		)
		if m, ok := models[categoryID]; ok {
			res, err = s.scoreWithModel(ctx, m, scope, exclude)
			byModel = true
		} else {
			res, err = s.scoreBySimilarity(ctx, session, categoryID, scope, exclude)
		}
		if err != nil {
			return nil, stats, err
		}
		if res == nil {
			continue
		}
		stats = res.Stats
		for _, match := range res.Matches {
			cur, seen := best[match.ClipID]
			if !seen || match.Score > cur.Score {
				best[match.ClipID] = scoredClip{ClipID: match.ClipID, Score: match.Score, ByModel: byModel, Category: categoryID}
			}
		}
	}

	pool := make([]scoredClip, 0, len(best))
	for _, c := range best {
		pool = append(pool, c)
	}
	slices.SortFunc(pool, func(a, b scoredClip) int { return cmp.Compare(a.ClipID, b.ClipID) })
	return pool, stats, nil
}

func (s *Sampler) scoreWithModel(ctx context.Context, m *entities.ClassifierModel, scope embedding.Scope, exclude map[string]struct{}) (*embedding.Result, error) {
	fitted, err := classifier.UnmarshalModel(m.Artifact)
	if err != nil {
		return nil, errors.New(err).
			Component("sampler").
			Category(errors.CategoryCompute).
			Context("model_id", m.ID).
			Build()
	}
	return s.index.Apply(ctx, scope, exclude, fitted.Dim(), func(vectors [][]float32) []float64 {
		rows := make([][]float64, len(vectors))
		for i, v := range vectors {
			rows[i] = embedding.ToFloat64(v)
		}
		return fitted.Score(rows)
	})
}

// scoreBySimilarity scores against the category's labeled positives plus the
// session references. It returns nil when the category has no vectors at all.
func (s *Sampler) scoreBySimilarity(ctx context.Context, session *entities.Session, categoryID uint,
	scope embedding.Scope, exclude map[string]struct{}) (*embedding.Result, error) {
	vectors, err := s.referenceVectors(ctx, session.ID, &categoryID)
	if err != nil {
		return nil, err
	}

	labeled, err := s.repo.LabeledCandidates(ctx, session.ID)
	if err != nil {
		return nil, dbError(err, "labeled_candidates")
	}
	var positives []string
	for i := range labeled {
		c := &labeled[i]
		if c.LabelState == entities.LabelCategory && c.CategoryID != nil && *c.CategoryID == categoryID {
			positives = append(positives, c.ClipID)
		}
	}
	if len(positives) > 0 {
		byClip, _, err := s.index.Vectors(ctx, positives)
		if err != nil {
			return nil, err
		}
		for _, id := range positives {
			if v, ok := byClip[id]; ok {
				vectors = append(vectors, v)
			}
		}
	}

	if len(vectors) == 0 {
		log.Warn("category has no positives or references to score with",
			logger.String("session_id", session.ID),
			logger.Int("category_id", int(categoryID)))
		return nil, nil
	}
	return s.index.Score(ctx, sameDimension(vectors), embedding.Metric(session.Metric), scope, exclude)
}

// sameDimension keeps the vectors sharing the first vector's dimension.
func sameDimension(vectors [][]float32) [][]float32 {
	dim := len(vectors[0])
	out := vectors[:0:0]
	for _, v := range vectors {
		if len(v) == dim {
			out = append(out, v)
		}
	}
	return out
}
