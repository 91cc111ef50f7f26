package search

import (
	"context"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/datastore/repository"
	"github.com/tphakala/birdnet-search/internal/embedding"
	"github.com/tphakala/birdnet-search/internal/errors"
	"github.com/tphakala/birdnet-search/internal/labeling"
	"github.com/tphakala/birdnet-search/internal/logger"
)

const (
	maxCategories = 9
	maxReferences = 100
)

// CategoryInput names a target category. ShortcutKey 0 assigns the lowest free key.
type CategoryInput struct {
	Name        string `json:"name" validate:"required,max=200"`
	ShortcutKey int    `json:"shortcut_key,omitempty" validate:"gte=0,lte=9"`
}

// ReferenceInput is one seed example. Exactly one of ClipID, ReferenceID or
// Vector is set: an embedded dataset clip, a library reference, or an
// externally embedded clip owned by the new session.
type ReferenceInput struct {
	ClipID      string    `json:"clip_id,omitempty" validate:"omitempty,max=64"`
	ReferenceID string    `json:"reference_id,omitempty" validate:"omitempty,uuid"`
	Vector      []float32 `json:"vector,omitempty"`
	Name        string    `json:"name,omitempty" validate:"max=200"`
	SourceURI   string    `json:"source_uri,omitempty" validate:"max=500"`
	Category    string    `json:"category,omitempty"` // category name, empty applies to all
}

// CreateSessionRequest creates a session. Zero sampling parameters take the
// configured defaults.
type CreateSessionRequest struct {
	Name                string           `json:"name" validate:"required,max=200"`
	DatasetID           string           `json:"dataset_id,omitempty" validate:"max=64"`
	Categories          []CategoryInput  `json:"categories" validate:"required,min=1,max=9,dive"`
	References          []ReferenceInput `json:"references" validate:"required,min=1,max=100,dive"`
	EasyPositiveK       int              `json:"easy_positive_k,omitempty" validate:"gte=0,lte=10000"`
	BoundaryN           int              `json:"boundary_n,omitempty" validate:"gte=0,lte=10000"`
	BoundaryM           int              `json:"boundary_m,omitempty" validate:"gte=0,lte=10000"`
	OthersP             int              `json:"others_p,omitempty" validate:"gte=0,lte=10000"`
	Metric              string           `json:"metric,omitempty" validate:"omitempty,oneof=cosine euclidean"`
	SimilarityThreshold *float64         `json:"similarity_threshold,omitempty"`
	Seed                *int64           `json:"seed,omitempty"`
}

// CreateSession validates the request, stores the session with its categories
// and references, and runs the bootstrap round.
func (s *Service) CreateSession(ctx context.Context, req *CreateSessionRequest) (*SessionView, error) {
	categories, err := resolveCategories(req.Categories)
	if err != nil {
		return nil, err
	}
	if len(req.References) == 0 || len(req.References) > maxReferences {
		return nil, errors.ValidationError("between 1 and 100 references are required")
	}
	session, err := s.newSession(req, categories)
	if err != nil {
		return nil, err
	}

	scope := embedding.Scope{DatasetID: session.DatasetID}
	n, err := s.index.Count(ctx, scope)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errors.ValidationError("dataset has no embeddings")
	}

	owned, links, err := s.resolveReferences(ctx, session.ID, req.References)
	if err != nil {
		return nil, err
	}

	err = s.repo.Transaction(ctx, func(tx *repository.Store) error {
		if err := tx.CreateSession(ctx, session); err != nil {
			return err
		}
		byName := make(map[string]uint, len(session.Categories))
		for _, c := range session.Categories {
			byName[strings.ToLower(c.Name)] = c.ID
		}
		for i := range owned {
			if err := tx.CreateReference(ctx, &owned[i]); err != nil {
				return err
			}
		}
		for i := range links {
			name := links[i].category
			if name == "" {
				continue
			}
			id, ok := byName[strings.ToLower(name)]
			if !ok {
				return errors.ValidationError("reference category " + name + " is not a session category")
			}
			links[i].link.CategoryID = &id
		}
		rows := make([]entities.SessionReference, len(links))
		for i := range links {
			rows[i] = links[i].link
		}
		return tx.AttachReferences(ctx, rows)
	})
	if err != nil {
		return nil, dbError(err, "create_session")
	}

	log.Info("session created",
		logger.String("session_id", session.ID),
		logger.Int("categories", len(session.Categories)),
		logger.Int("references", len(links)),
		logger.Int("scope", n))

	if _, err := s.sampler.Bootstrap(ctx, session.ID); err != nil {
		return nil, err
	}
	return s.GetSession(ctx, session.ID)
}

func (s *Service) newSession(req *CreateSessionRequest, categories []entities.SessionCategory) (*entities.Session, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, errors.ValidationError("session name is required")
	}
	metric := s.defaults.Metric
	if req.Metric != "" {
		metric = req.Metric
	}
	if _, err := embedding.ParseMetric(metric); err != nil {
		return nil, err
	}
	threshold := s.defaults.SimilarityThreshold
	if req.SimilarityThreshold != nil {
		threshold = *req.SimilarityThreshold
	}
	seed := rand.Int64()
	if req.Seed != nil {
		seed = *req.Seed
	}
	return &entities.Session{
		ID:                  uuid.NewString(),
		Name:                strings.TrimSpace(req.Name),
		DatasetID:           req.DatasetID,
		EasyPositiveK:       orDefault(req.EasyPositiveK, s.defaults.EasyPositiveK),
		BoundaryN:           orDefault(req.BoundaryN, s.defaults.BoundaryN),
		BoundaryM:           orDefault(req.BoundaryM, s.defaults.BoundaryM),
		OthersP:             orDefault(req.OthersP, s.defaults.OthersP),
		Metric:              metric,
		SimilarityThreshold: threshold,
		Seed:                seed,
		Categories:          categories,
	}, nil
}

// resolveCategories checks name and key uniqueness and fills missing keys.
func resolveCategories(in []CategoryInput) ([]entities.SessionCategory, error) {
	if len(in) == 0 || len(in) > maxCategories {
		return nil, errors.ValidationError("between 1 and 9 categories are required")
	}
	names := make(map[string]struct{}, len(in))
	used := make(map[int]struct{}, len(in))
	for _, c := range in {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" {
			return nil, errors.ValidationError("category name is required")
		}
		if _, dup := names[name]; dup {
			return nil, errors.ValidationError("duplicate category name " + c.Name)
		}
		names[name] = struct{}{}
		if c.ShortcutKey == 0 {
			continue
		}
		if c.ShortcutKey < 1 || c.ShortcutKey > 9 {
			return nil, errors.ValidationError("shortcut keys must be between 1 and 9")
		}
		if _, dup := used[c.ShortcutKey]; dup {
			return nil, errors.ValidationError("duplicate shortcut key")
		}
		used[c.ShortcutKey] = struct{}{}
	}

	out := make([]entities.SessionCategory, len(in))
	next := 1
	for i, c := range in {
		key := c.ShortcutKey
		if key == 0 {
			for ; ; next++ {
				if _, taken := used[next]; !taken {
					break
				}
			}
			key = next
			used[key] = struct{}{}
		}
		out[i] = entities.SessionCategory{Name: strings.TrimSpace(c.Name), ShortcutKey: key}
	}
	return out, nil
}

type pendingLink struct {
	link     entities.SessionReference
	category string
}

// resolveReferences turns inputs into owned reference rows and session links.
// All vectors must share one dimension.
func (s *Service) resolveReferences(ctx context.Context, sessionID string, in []ReferenceInput) ([]entities.ReferenceExample, []pendingLink, error) {
	var clipIDs []string
	for _, r := range in {
		set := 0
		if r.ClipID != "" {
			set++
			clipIDs = append(clipIDs, r.ClipID)
		}
		if r.ReferenceID != "" {
			set++
		}
		if len(r.Vector) > 0 {
			set++
		}
		if set != 1 {
			return nil, nil, errors.ValidationError("each reference needs exactly one of clip_id, reference_id or vector")
		}
	}

	vectors := map[string][]float32{}
	if len(clipIDs) > 0 {
		var err error
		vectors, _, err = s.index.Vectors(ctx, clipIDs)
		if err != nil {
			return nil, nil, err
		}
	}

	var (
		owned []entities.ReferenceExample
		links []pendingLink
		dim   int
		seen  = map[string]struct{}{}
	)
	checkDim := func(d int) error {
		if d == 0 {
			return errors.ValidationError("reference vector is empty")
		}
		if dim != 0 && d != dim {
			return errors.ValidationError("reference vectors have different dimensions")
		}
		dim = d
		return nil
	}
	for _, r := range in {
		var ref entities.ReferenceExample
		switch {
		case r.ReferenceID != "":
			lib, err := s.repo.GetReference(ctx, r.ReferenceID)
			if err != nil {
				return nil, nil, notFound(err, "reference", r.ReferenceID)
			}
			if lib.OwnerSessionID != nil {
				return nil, nil, errors.ValidationError("reference " + r.ReferenceID + " belongs to another session")
			}
			if err := checkDim(lib.Dimension); err != nil {
				return nil, nil, err
			}
			ref = *lib
		case r.ClipID != "":
			vec, ok := vectors[r.ClipID]
			if !ok {
				return nil, nil, errors.NotFoundError("embedding", r.ClipID)
			}
			if err := checkDim(len(vec)); err != nil {
				return nil, nil, err
			}
			clip := r.ClipID
			ref = entities.ReferenceExample{
				ID:             uuid.NewString(),
				OwnerSessionID: &sessionID,
				SourceType:     entities.ReferenceSourceClip,
				ClipID:         &clip,
				Name:           r.Name,
				SourceURI:      r.SourceURI,
				Dimension:      len(vec),
				Vector:         embedding.Encode(vec),
			}
			owned = append(owned, ref)
		default:
			if err := checkDim(len(r.Vector)); err != nil {
				return nil, nil, err
			}
			ref = entities.ReferenceExample{
				ID:             uuid.NewString(),
				OwnerSessionID: &sessionID,
				SourceType:     entities.ReferenceSourceExternal,
				Name:           r.Name,
				SourceURI:      r.SourceURI,
				Dimension:      len(r.Vector),
				Vector:         embedding.Encode(r.Vector),
			}
			owned = append(owned, ref)
		}
		if _, dup := seen[ref.ID]; dup {
			continue
		}
		seen[ref.ID] = struct{}{}
		links = append(links, pendingLink{
			link:     entities.SessionReference{SessionID: sessionID, ReferenceID: ref.ID},
			category: r.Category,
		})
	}
	return owned, links, nil
}

// GetSession returns a session with its current counts.
func (s *Service) GetSession(ctx context.Context, id string) (*SessionView, error) {
	session, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, notFound(err, "session", id)
	}
	return sessionView(session), nil
}

// Progress summarises labeling progress and the latest sampling round.
type Progress struct {
	SessionID        string          `json:"session_id"`
	CurrentIteration int             `json:"current_iteration"`
	IsCompleted      bool            `json:"is_completed"`
	Counts           labeling.Counts `json:"counts"`
	Categories       []CategoryView  `json:"categories"`
	LabeledFraction  float64         `json:"labeled_fraction"`
	LatestIteration  *IterationView  `json:"latest_iteration,omitempty"`
	IterationRunning bool            `json:"iteration_running"`
}

// Progress reports counters, category tallies and the latest round.
func (s *Service) Progress(ctx context.Context, id string) (*Progress, error) {
	session, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, notFound(err, "session", id)
	}
	view := sessionView(session)
	p := &Progress{
		SessionID:        id,
		CurrentIteration: session.CurrentIteration,
		IsCompleted:      session.IsCompleted,
		Counts:           view.Counts,
		Categories:       view.Categories,
	}
	if session.TotalResults > 0 {
		p.LabeledFraction = float64(session.LabeledCount) / float64(session.TotalResults)
	}
	run, err := s.repo.LatestIterationRun(ctx, id)
	switch {
	case err == nil:
		p.LatestIteration = iterationView(run)
		p.IterationRunning = run.Status == entities.JobPending || run.Status == entities.JobRunning
	case !errors.Is(err, repository.ErrIterationNotFound):
		return nil, dbError(err, "latest_iteration")
	}
	return p, nil
}

// Complete marks the session as finished. Completing twice is a conflict.
func (s *Service) Complete(ctx context.Context, id string) (*SessionView, error) {
	if _, err := s.repo.GetSession(ctx, id); err != nil {
		return nil, notFound(err, "session", id)
	}
	if s.runner.Active(iterationKey(id)) {
		return nil, errors.ConflictError("an iteration is running for this session")
	}
	changed, err := s.repo.MarkSessionCompleted(ctx, id, s.now().UTC())
	if err != nil {
		return nil, dbError(err, "complete_session")
	}
	if !changed {
		return nil, errors.ConflictError("session is already completed")
	}
	log.Info("session completed", logger.String("session_id", id))
	return s.GetSession(ctx, id)
}

// Reconcile recounts the session counters and repairs drift.
func (s *Service) Reconcile(ctx context.Context, id string) (*labeling.ReconcileReport, error) {
	return s.labels.Reconcile(ctx, id)
}

// CreateReferenceRequest adds an externally embedded example to the library.
type CreateReferenceRequest struct {
	Name      string    `json:"name" validate:"required,max=200"`
	SourceURI string    `json:"source_uri,omitempty" validate:"max=500"`
	Vector    []float32 `json:"vector" validate:"required,min=1,max=8192"`
}

// CreateReference stores a library reference any session may attach.
func (s *Service) CreateReference(ctx context.Context, req *CreateReferenceRequest) (*ReferenceView, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, errors.ValidationError("reference name is required")
	}
	if len(req.Vector) == 0 {
		return nil, errors.ValidationError("reference vector is empty")
	}
	if slices.ContainsFunc(req.Vector, isNaN) {
		return nil, errors.ValidationError("reference vector contains NaN")
	}
	ref := &entities.ReferenceExample{
		ID:         uuid.NewString(),
		SourceType: entities.ReferenceSourceExternal,
		Name:       strings.TrimSpace(req.Name),
		SourceURI:  req.SourceURI,
		Dimension:  len(req.Vector),
		Vector:     embedding.Encode(req.Vector),
	}
	if err := s.repo.CreateReference(ctx, ref); err != nil {
		return nil, dbError(err, "create_reference")
	}
	return referenceView(ref), nil
}

// GetReference returns a reference example.
func (s *Service) GetReference(ctx context.Context, id string) (*ReferenceView, error) {
	ref, err := s.repo.GetReference(ctx, id)
	if err != nil {
		return nil, notFound(err, "reference", id)
	}
	return referenceView(ref), nil
}

// Recover fails iteration runs left unfinished by a previous process.
func (s *Service) Recover(ctx context.Context) (int64, error) {
	n, err := s.repo.FailUnfinishedIterationRuns(ctx, "interrupted by restart")
	if err != nil {
		return 0, dbError(err, "recover_iterations")
	}
	if n > 0 {
		log.Warn("marked interrupted iterations failed", logger.Int64("count", n))
	}
	return n, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func isNaN(f float32) bool { return f != f }
