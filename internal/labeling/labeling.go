// Package labeling is the authoritative ledger of candidate label state.
//
// Every transition adjusts the session counters and per-category tag counts
// in the same transaction as the candidate update, using SQL increments.
// Candidates are updated by compare-and-swap on their version; a lost race
// is retried a bounded number of times unless the caller pinned a version.
package labeling

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/datastore/repository"
	"github.com/tphakala/birdnet-search/internal/errors"
	"github.com/tphakala/birdnet-search/internal/logger"
	"github.com/tphakala/birdnet-search/internal/observability/metrics"
)

var log = logger.Global().Module("labeling")

const (
	defaultRetries = 3
	defaultMaxBulk = 500
)

// errVersionMoved signals a lost compare-and-swap inside a transaction.
var errVersionMoved = errors.NewStd("candidate version moved")

// LabelData is a requested label. State is one of the entities.Label*
// constants; CategoryID is required for category labels and forbidden otherwise.
type LabelData struct {
	State           string `json:"label" validate:"required,oneof=category negative uncertain skipped none"`
	CategoryID      *uint  `json:"category_id,omitempty"`
	ExpectedVersion *int   `json:"expected_version,omitempty"`
}

// Options configures a Store.
type Options struct {
	Retries int // compare-and-swap retries, 0 uses 3
	MaxBulk int // upper bound for bulk operations, 0 uses 500
	Metrics *metrics.SearchMetrics
}

// Store applies label transitions.
type Store struct {
	repo    *repository.Store
	retries int
	maxBulk int
	metrics *metrics.SearchMetrics
	now     func() time.Time
}

// New creates a label store over repo.
func New(repo *repository.Store, opts Options) *Store {
	if opts.Retries <= 0 {
		opts.Retries = defaultRetries
	}
	if opts.MaxBulk <= 0 {
		opts.MaxBulk = defaultMaxBulk
	}
	return &Store{
		repo:    repo,
		retries: opts.Retries,
		maxBulk: opts.MaxBulk,
		metrics: opts.Metrics,
		now:     time.Now,
	}
}

// MaxBulk returns the bulk operation limit.
func (s *Store) MaxBulk() int { return s.maxBulk }

// BulkResult summarizes a bulk transition.
type BulkResult struct {
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// Label applies data to one candidate and returns its new state.
func (s *Store) Label(ctx context.Context, sessionID string, candidateID uint, data LabelData) (*entities.Candidate, error) {
	if err := validateLabel(data); err != nil {
		return nil, err
	}

	var out *entities.Candidate
	err := s.withRetry(ctx, data.ExpectedVersion != nil, func(tx *repository.Store) error {
		session, err := lockOpenSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if err := checkCategory(session, data.CategoryID); err != nil {
			return err
		}
		c, err := tx.GetCandidate(ctx, sessionID, candidateID)
		if err != nil {
			return translate(err, "candidate", candidateID)
		}
		if data.ExpectedVersion != nil && c.Version != *data.ExpectedVersion {
			return versionConflict(c, *data.ExpectedVersion)
		}

		delta, tags, changed, err := s.apply(ctx, tx, []entities.Candidate{*c}, data)
		if err != nil {
			return err
		}
		if changed > 0 {
			if err := commitDeltas(ctx, tx, sessionID, delta, tags); err != nil {
				return err
			}
		}
		out, err = tx.GetCandidate(ctx, sessionID, candidateID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordLabel(data.State)
	log.Debug("candidate labeled",
		logger.String("session_id", sessionID),
		logger.Int("candidate_id", int(candidateID)),
		logger.String("state", data.State))
	return out, nil
}

// BulkLabel applies data to every candidate in ids. Either all are updated or none.
func (s *Store) BulkLabel(ctx context.Context, sessionID string, ids []uint, data LabelData) (*BulkResult, error) {
	if err := validateLabel(data); err != nil {
		return nil, err
	}
	if data.ExpectedVersion != nil {
		return nil, errors.ValidationError("expected_version applies to single labels only")
	}
	ids, err := s.normalizeIDs(ids)
	if err != nil {
		return nil, err
	}

	res := &BulkResult{}
	err = s.withRetry(ctx, false, func(tx *repository.Store) error {
		session, err := lockOpenSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if err := checkCategory(session, data.CategoryID); err != nil {
			return err
		}
		candidates, err := tx.GetCandidatesByIDs(ctx, sessionID, ids)
		if err != nil {
			return err
		}
		if len(candidates) != len(ids) {
			return missingCandidates(ids, candidates)
		}

		delta, tags, changed, err := s.apply(ctx, tx, candidates, data)
		if err != nil {
			return err
		}
		if changed > 0 {
			if err := commitDeltas(ctx, tx, sessionID, delta, tags); err != nil {
				return err
			}
		}
		res.Updated, res.Unchanged = changed, len(candidates)-changed
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordLabel(data.State)
	log.Info("bulk label applied",
		logger.String("session_id", sessionID),
		logger.String("state", data.State),
		logger.Int("updated", res.Updated),
		logger.Int("unchanged", res.Unchanged))
	return res, nil
}

// BulkCurate assigns every candidate in ids to categoryID.
func (s *Store) BulkCurate(ctx context.Context, sessionID string, ids []uint, categoryID uint) (*BulkResult, error) {
	return s.BulkLabel(ctx, sessionID, ids, LabelData{State: entities.LabelCategory, CategoryID: &categoryID})
}

// apply swaps labels for candidates that change and accumulates counter deltas.
func (s *Store) apply(ctx context.Context, tx *repository.Store, candidates []entities.Candidate, data LabelData) (repository.CounterDelta, map[uint]int, int, error) {
	var delta repository.CounterDelta
	tags := make(map[uint]int)
	changed := 0

	next := state{label: data.State, category: data.CategoryID}
	var labeledAt *time.Time
	if next.label != entities.LabelNone {
		at := s.now()
		labeledAt = &at
	}

	for i := range candidates {
		c := &candidates[i]
		prev := stateOf(c)
		if prev.equal(next) {
			continue
		}
		ok, err := tx.SwapLabel(ctx, c.ID, c.Version, repository.LabelUpdate{
			State:      next.label,
			CategoryID: next.category,
			LabeledAt:  labeledAt,
		})
		if err != nil {
			return delta, nil, 0, err
		}
		if !ok {
			return delta, nil, 0, errVersionMoved
		}
		d, t := transition(prev, next)
		delta.Add(d)
		for id, n := range t {
			tags[id] += n
		}
		changed++
	}
	return delta, tags, changed, nil
}

// withRetry runs fn in a transaction, retrying lost compare-and-swaps.
// With pinned set a lost swap is reported as a conflict immediately.
func (s *Store) withRetry(ctx context.Context, pinned bool, fn func(tx *repository.Store) error) error {
	for attempt := 0; ; attempt++ {
		err := s.repo.Transaction(ctx, fn)
		if !errors.Is(err, errVersionMoved) {
			if errors.IsCategory(err, errors.CategoryConflict) {
				s.metrics.RecordLabelConflict()
			}
			return err
		}
		if pinned || attempt >= s.retries {
			s.metrics.RecordLabelConflict()
			return errors.New(fmt.Errorf("candidate was modified concurrently, retry the request")).
				Component("labeling").
				Category(errors.CategoryConflict).
				Context("attempts", attempt+1).
				Build()
		}
		s.metrics.RecordLabelRetry()
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (s *Store) normalizeIDs(ids []uint) ([]uint, error) {
	if len(ids) == 0 {
		return nil, errors.ValidationError("ids must not be empty")
	}
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if len(ids) > s.maxBulk {
		return nil, errors.ValidationError(fmt.Sprintf("at most %d ids per request, got %d", s.maxBulk, len(ids)))
	}
	return ids, nil
}

func validateLabel(data LabelData) error {
	switch data.State {
	case entities.LabelCategory:
		if data.CategoryID == nil {
			return errors.ValidationError("category_id is required for category labels")
		}
	case entities.LabelNegative, entities.LabelUncertain, entities.LabelSkipped, entities.LabelNone:
		if data.CategoryID != nil {
			return errors.ValidationError(fmt.Sprintf("category_id is not allowed for %s labels", data.State))
		}
	default:
		return errors.ValidationError(fmt.Sprintf("unknown label %q", data.State))
	}
	return nil
}

func lockOpenSession(ctx context.Context, tx *repository.Store, sessionID string) (*entities.Session, error) {
	session, err := tx.LockSession(ctx, sessionID)
	if err != nil {
		return nil, translate(err, "session", sessionID)
	}
	if session.IsCompleted {
		return nil, errors.ConflictError("session is completed and no longer accepts labels")
	}
	if err := loadCategories(ctx, tx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func loadCategories(ctx context.Context, tx *repository.Store, session *entities.Session) error {
	if len(session.Categories) > 0 {
		return nil
	}
	full, err := tx.GetSession(ctx, session.ID)
	if err != nil {
		return err
	}
	session.Categories = full.Categories
	return nil
}

func checkCategory(session *entities.Session, categoryID *uint) error {
	if categoryID == nil {
		return nil
	}
	for i := range session.Categories {
		if session.Categories[i].ID == *categoryID {
			return nil
		}
	}
	return errors.NotFoundError("category", *categoryID)
}

func commitDeltas(ctx context.Context, tx *repository.Store, sessionID string, d repository.CounterDelta, tags map[uint]int) error {
	if err := tx.ApplySessionDelta(ctx, sessionID, d); err != nil {
		return err
	}
	return tx.ApplyCategoryDeltas(ctx, tags)
}

func versionConflict(c *entities.Candidate, expected int) error {
	return errors.New(fmt.Errorf("candidate %d is at version %d, expected %d", c.ID, c.Version, expected)).
		Component("labeling").
		Category(errors.CategoryConflict).
		Context("candidate_id", c.ID).
		Context("version", c.Version).
		Build()
}

func missingCandidates(ids []uint, found []entities.Candidate) error {
	have := make(map[uint]struct{}, len(found))
	for i := range found {
		have[found[i].ID] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := have[id]; !ok {
			return errors.NotFoundError("candidate", id)
		}
	}
	return errors.NotFoundError("candidate", ids)
}

// translate maps repository sentinels onto the error taxonomy.
func translate(err error, entity string, id any) error {
	switch {
	case errors.Is(err, repository.ErrSessionNotFound),
		errors.Is(err, repository.ErrCandidateNotFound),
		errors.Is(err, repository.ErrCategoryNotFound):
		return errors.NotFoundError(entity, id)
	default:
		return errors.New(err).
			Component("labeling").
			Category(errors.CategoryDatabase).
			Build()
	}
}
