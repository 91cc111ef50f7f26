// Package search is the session service: create sessions from reference
// examples, page their results, run sampling iterations in the background,
// record labels, and export the labeled set.
package search

import (
	"time"

	"github.com/tphakala/birdnet-search/internal/datastore/repository"
	"github.com/tphakala/birdnet-search/internal/embedding"
	"github.com/tphakala/birdnet-search/internal/errors"
	"github.com/tphakala/birdnet-search/internal/jobs"
	"github.com/tphakala/birdnet-search/internal/labeling"
	"github.com/tphakala/birdnet-search/internal/logger"
	"github.com/tphakala/birdnet-search/internal/sampler"
)

var log = logger.Global().Module("search")

// SessionDefaults fill sampling parameters omitted at session creation.
type SessionDefaults struct {
	EasyPositiveK       int
	BoundaryN           int
	BoundaryM           int
	OthersP             int
	Metric              string
	SimilarityThreshold float64
}

// Options configures a Service.
type Options struct {
	Defaults SessionDefaults
}

// Service implements session operations.
type Service struct {
	repo     *repository.Store
	index    *embedding.Index
	labels   *labeling.Store
	sampler  *sampler.Sampler
	runner   *jobs.Runner
	defaults SessionDefaults
	now      func() time.Time
}

// New creates the session service.
func New(repo *repository.Store, index *embedding.Index, labels *labeling.Store, smp *sampler.Sampler, runner *jobs.Runner, opts Options) *Service {
	d := opts.Defaults
	if d.EasyPositiveK == 0 {
		d.EasyPositiveK = 20
	}
	if d.BoundaryN == 0 {
		d.BoundaryN = 20
	}
	if d.BoundaryM == 0 {
		d.BoundaryM = 20
	}
	if d.OthersP == 0 {
		d.OthersP = 10
	}
	if d.Metric == "" {
		d.Metric = string(embedding.Cosine)
	}
	return &Service{
		repo:     repo,
		index:    index,
		labels:   labels,
		sampler:  smp,
		runner:   runner,
		defaults: d,
		now:      time.Now,
	}
}

// Labels exposes the label ledger used by the service.
func (s *Service) Labels() *labeling.Store { return s.labels }

func notFound(err error, entity string, id any) error {
	switch {
	case errors.Is(err, repository.ErrSessionNotFound),
		errors.Is(err, repository.ErrReferenceNotFound),
		errors.Is(err, repository.ErrIterationNotFound),
		errors.Is(err, repository.ErrCategoryNotFound),
		errors.Is(err, repository.ErrCandidateNotFound):
		return errors.NotFoundError(entity, id)
	}
	return dbError(err, "load_"+entity)
}

func dbError(err error, operation string) error {
	if errors.CategoryOf(err) != errors.CategoryGeneric {
		return err
	}
	return errors.New(err).
		Component("search").
		Category(errors.CategoryDatabase).
		Context("operation", operation).
		Build()
}
