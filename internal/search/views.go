package search

import (
	"time"

	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/labeling"
)

// Parameters are the sampling parameters of a session.
type Parameters struct {
	EasyPositiveK       int     `json:"easy_positive_k"`
	BoundaryN           int     `json:"boundary_n"`
	BoundaryM           int     `json:"boundary_m"`
	OthersP             int     `json:"others_p"`
	Metric              string  `json:"metric"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	Seed                int64   `json:"seed"`
}

// CategoryView is a target category with its tag count.
type CategoryView struct {
	ID          uint   `json:"id"`
	Name        string `json:"name"`
	ShortcutKey int    `json:"shortcut_key"`
	TagCount    int    `json:"tag_count"`
}

// SessionView is the API representation of a session.
type SessionView struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	DatasetID        string          `json:"dataset_id,omitempty"`
	Parameters       Parameters      `json:"parameters"`
	CurrentIteration int             `json:"current_iteration"`
	IsCompleted      bool            `json:"is_completed"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	Categories       []CategoryView  `json:"categories"`
	Counts           labeling.Counts `json:"counts"`
	CreatedAt        time.Time       `json:"created_at"`
}

func sessionView(s *entities.Session) *SessionView {
	v := &SessionView{
		ID:        s.ID,
		Name:      s.Name,
		DatasetID: s.DatasetID,
		Parameters: Parameters{
			EasyPositiveK:       s.EasyPositiveK,
			BoundaryN:           s.BoundaryN,
			BoundaryM:           s.BoundaryM,
			OthersP:             s.OthersP,
			Metric:              s.Metric,
			SimilarityThreshold: s.SimilarityThreshold,
			Seed:                s.Seed,
		},
		CurrentIteration: s.CurrentIteration,
		IsCompleted:      s.IsCompleted,
		CompletedAt:      s.CompletedAt,
		Counts:           labeling.SnapshotOf(s),
		CreatedAt:        s.CreatedAt,
	}
	v.Categories = make([]CategoryView, len(s.Categories))
	for i, c := range s.Categories {
		v.Categories[i] = CategoryView{ID: c.ID, Name: c.Name, ShortcutKey: c.ShortcutKey, TagCount: c.TagCount}
	}
	return v
}

// CandidateView is one search result.
type CandidateView struct {
	ID              uint       `json:"id"`
	ClipID          string     `json:"clip_id"`
	Similarity      float64    `json:"similarity"`
	ClassifierScore *float64   `json:"classifier_score,omitempty"`
	Rank            int        `json:"rank"`
	SampleType      string     `json:"sample_type"`
	IterationAdded  int        `json:"iteration_added"`
	Label           string     `json:"label"`
	CategoryID      *uint      `json:"category_id,omitempty"`
	LabeledAt       *time.Time `json:"labeled_at,omitempty"`
	Version         int        `json:"version"`
}

func candidateView(c *entities.Candidate) CandidateView {
	return CandidateView{
		ID:              c.ID,
		ClipID:          c.ClipID,
		Similarity:      c.Similarity,
		ClassifierScore: c.ClassifierScore,
		Rank:            c.Rank,
		SampleType:      c.SampleType,
		IterationAdded:  c.IterationAdded,
		Label:           c.LabelState,
		CategoryID:      c.CategoryID,
		LabeledAt:       c.LabeledAt,
		Version:         c.Version,
	}
}

func candidateViews(rows []entities.Candidate) []CandidateView {
	out := make([]CandidateView, len(rows))
	for i := range rows {
		out[i] = candidateView(&rows[i])
	}
	return out
}

// IterationView reports one sampling round.
type IterationView struct {
	ID               uint            `json:"id"`
	SessionID        string          `json:"session_id"`
	Iteration        int             `json:"iteration"`
	Status           string          `json:"status"`
	Reused           bool            `json:"reused"`
	BoundaryAdded    int             `json:"boundary_added"`
	OthersAdded      int             `json:"others_added"`
	ScoredClips      int             `json:"scored_clips"`
	ModelFingerprint string          `json:"model_fingerprint,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	Candidates       []CandidateView `json:"candidates,omitempty"`
	Counts           labeling.Counts `json:"counts"`
}

func iterationView(r *entities.IterationRun) *IterationView {
	return &IterationView{
		ID:               r.ID,
		SessionID:        r.SessionID,
		Iteration:        r.Iteration,
		Status:           r.Status,
		BoundaryAdded:    r.BoundaryAdded,
		OthersAdded:      r.OthersAdded,
		ScoredClips:      r.ScoredClips,
		ModelFingerprint: r.ModelFingerprint,
		ErrorMessage:     r.ErrorMessage,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
	}
}

// ReferenceView is the API representation of a reference example.
type ReferenceView struct {
	ID             string    `json:"id"`
	OwnerSessionID *string   `json:"owner_session_id,omitempty"`
	SourceType     string    `json:"source_type"`
	ClipID         *string   `json:"clip_id,omitempty"`
	Name           string    `json:"name,omitempty"`
	SourceURI      string    `json:"source_uri,omitempty"`
	Dimension      int       `json:"dimension"`
	CreatedAt      time.Time `json:"created_at"`
}

func referenceView(r *entities.ReferenceExample) *ReferenceView {
	return &ReferenceView{
		ID:             r.ID,
		OwnerSessionID: r.OwnerSessionID,
		SourceType:     r.SourceType,
		ClipID:         r.ClipID,
		Name:           r.Name,
		SourceURI:      r.SourceURI,
		Dimension:      r.Dimension,
		CreatedAt:      r.CreatedAt,
	}
}
