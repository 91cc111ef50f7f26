package search

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-search/internal/datastore"
	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/datastore/repository"
	"github.com/tphakala/birdnet-search/internal/embedding"
	"github.com/tphakala/birdnet-search/internal/errors"
	"github.com/tphakala/birdnet-search/internal/jobs"
	"github.com/tphakala/birdnet-search/internal/labeling"
	"github.com/tphakala/birdnet-search/internal/sampler"
)

const dim = 6

type fixture struct {
	repo    *repository.Store
	svc     *Service
	vectors map[string][]float32
	rng     *rand.Rand
}

func newFixture(t *testing.T, pool int) *fixture {
	t.Helper()
	db, err := datastore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := repository.New(db.Gorm, db.IsMySQL())

	f := &fixture{repo: repo, vectors: make(map[string][]float32, pool), rng: rand.New(rand.NewPCG(7, 11))}
	rows := make([]entities.Embedding, pool)
	for i := range rows {
		id := fmt.Sprintf("clip-%04d", i)
		v := f.vector()
		f.vectors[id] = v
		rows[i] = entities.Embedding{ClipID: id, DatasetID: "ds", Dimension: dim, Vector: embedding.Encode(v)}
	}
	_, err = repo.InsertEmbeddings(context.Background(), rows)
	require.NoError(t, err)

	index := embedding.NewIndex(repo, embedding.Options{Workers: 2})
	runner := jobs.NewRunner(nil)
	t.Cleanup(func() { _ = runner.StopWithTimeout(5 * time.Second) })
	smp := sampler.New(repo, index, sampler.Options{Defaults: sampler.Defaults{UncertaintyLow: 0.25, UncertaintyHigh: 0.75, SamplesPerIteration: 20}})
	labels := labeling.New(repo, labeling.Options{})
	f.svc = New(repo, index, labels, smp, runner, Options{Defaults: SessionDefaults{
		EasyPositiveK:       5,
		BoundaryN:           20,
		BoundaryM:           20,
		OthersP:             10,
		SimilarityThreshold: -1,
	}})
	return f
}

func (f *fixture) vector() []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(f.rng.NormFloat64())
	}
	return v
}

func (f *fixture) request(refs int) *CreateSessionRequest {
	req := &CreateSessionRequest{
		Name:       "tawny owl",
		DatasetID:  "ds",
		Categories: []CategoryInput{{Name: "tawny owl"}, {Name: "little owl", ShortcutKey: 1}},
	}
	for i := range refs {
		req.References = append(req.References, ReferenceInput{Vector: f.vector(), Name: fmt.Sprintf("xc-%d", i)})
	}
	return req
}

func (f *fixture) create(t *testing.T) *SessionView {
	t.Helper()
	view, err := f.svc.CreateSession(context.Background(), f.request(3))
	require.NoError(t, err)
	return view
}

func assertCounts(t *testing.T, c labeling.Counts) {
	t.Helper()
	assert.Equal(t, c.TotalResults, c.LabeledCount+c.UnlabeledCount)
}

func TestCreateSessionBootstraps(t *testing.T) {
	f := newFixture(t, 100)
	view := f.create(t)

	assert.NotEmpty(t, view.ID)
	assert.Equal(t, 5, view.Counts.TotalResults)
	assert.Equal(t, 5, view.Counts.UnlabeledCount)
	assertCounts(t, view.Counts)
	assert.Equal(t, 0, view.CurrentIteration)
	assert.Equal(t, "cosine", view.Parameters.Metric)

	require.Len(t, view.Categories, 2)
	keys := map[string]int{}
	for _, c := range view.Categories {
		keys[c.Name] = c.ShortcutKey
	}
	assert.Equal(t, 1, keys["little owl"])
	assert.Equal(t, 2, keys["tawny owl"])

	page, err := f.svc.Results(context.Background(), view.ID, ResultsQuery{SampleType: entities.SampleEasyPositive})
	require.NoError(t, err)
	assert.EqualValues(t, 5, page.Total)
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()

	cases := map[string]func(r *CreateSessionRequest){
		"no categories":    func(r *CreateSessionRequest) { r.Categories = nil },
		"duplicate names":  func(r *CreateSessionRequest) { r.Categories = []CategoryInput{{Name: "A"}, {Name: "a"}} },
		"duplicate keys":   func(r *CreateSessionRequest) { r.Categories = []CategoryInput{{Name: "a", ShortcutKey: 2}, {Name: "b", ShortcutKey: 2}} },
		"no references":    func(r *CreateSessionRequest) { r.References = nil },
		"two sources":      func(r *CreateSessionRequest) { r.References[0].ClipID = "clip-0001" },
		"mixed dimensions": func(r *CreateSessionRequest) { r.References[1].Vector = []float32{1, 2} },
		"unknown category": func(r *CreateSessionRequest) { r.References[0].Category = "barn owl" },
		"bad metric":       func(r *CreateSessionRequest) { r.Metric = "manhattan" },
		"blank name":       func(r *CreateSessionRequest) { r.Name = "  " },
		"too many categories": func(r *CreateSessionRequest) {
			r.Categories = nil
			for i := range 10 {
				r.Categories = append(r.Categories, CategoryInput{Name: fmt.Sprint(i)})
			}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := f.request(2)
			mutate(req)
			_, err := f.svc.CreateSession(ctx, req)
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryValidation), "got %v", err)
		})
	}

	ids, err := f.repo.ListSessionIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids, "failed creations leave no sessions behind")
}

func TestCreateSessionWithClipAndLibraryReferences(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()

	lib, err := f.svc.CreateReference(ctx, &CreateReferenceRequest{Name: "xc-991", Vector: f.vector()})
	require.NoError(t, err)
	assert.Nil(t, lib.OwnerSessionID)

	req := f.request(0)
	req.References = []ReferenceInput{
		{ClipID: "clip-0003", Category: "tawny owl"},
		{ReferenceID: lib.ID},
	}
	view, err := f.svc.CreateSession(ctx, req)
	require.NoError(t, err)

	links, err := f.repo.ListSessionReferences(ctx, view.ID)
	require.NoError(t, err)
	require.Len(t, links, 2)
	var scoped int
	for _, l := range links {
		if l.CategoryID != nil {
			scoped++
		}
	}
	assert.Equal(t, 1, scoped)

	page, err := f.svc.Results(ctx, view.ID, ResultsQuery{})
	require.NoError(t, err)
	require.NotEmpty(t, page.Items)
	assert.Equal(t, "clip-0003", page.Items[0].ClipID, "the seed clip is its own nearest neighbour")

	// owned references cannot be attached elsewhere
	owned := links[0].Reference
	if owned.OwnerSessionID == nil {
		owned = links[1].Reference
	}
	req = f.request(0)
	req.References = []ReferenceInput{{ReferenceID: owned.ID}}
	_, err = f.svc.CreateSession(ctx, req)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	req.References = []ReferenceInput{{ClipID: "clip-9999"}}
	_, err = f.svc.CreateSession(ctx, req)
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))
}

func TestCreateSessionRejectsEmptyDataset(t *testing.T) {
	f := newFixture(t, 10)
	req := f.request(1)
	req.DatasetID = "other"
	_, err := f.svc.CreateSession(context.Background(), req)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestIterationRunsInBackground(t *testing.T) {
	f := newFixture(t, 300)
	ctx := context.Background()
	view := f.create(t)

	it, err := f.svc.StartIteration(ctx, view.ID, sampler.IterationRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, it.Iteration)
	assert.False(t, it.Reused)
	require.NoError(t, f.svc.WaitIteration(ctx, view.ID))

	done, err := f.svc.GetIteration(ctx, view.ID, 1, false)
	require.NoError(t, err)
	assert.Equal(t, entities.JobCompleted, done.Status)
	assert.Len(t, done.Candidates, 20)
	assert.Equal(t, 25, done.Counts.TotalResults)
	assertCounts(t, done.Counts)

	again, err := f.svc.StartIteration(ctx, view.ID, sampler.IterationRequest{})
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, 1, again.Iteration)
	assert.Len(t, again.Candidates, 20)

	progress, err := f.svc.Progress(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.CurrentIteration)
	require.NotNil(t, progress.LatestIteration)
	assert.False(t, progress.IterationRunning)

	_, err = f.svc.GetIteration(ctx, view.ID, 7, false)
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))
}

func TestLabelExportAndComplete(t *testing.T) {
	f := newFixture(t, 60)
	ctx := context.Background()
	view := f.create(t)

	page, err := f.svc.Results(ctx, view.ID, ResultsQuery{})
	require.NoError(t, err)
	require.Len(t, page.Items, 5)
	cat := view.Categories[0].ID
	ids := []uint{page.Items[0].ID, page.Items[1].ID}

	curated, err := f.svc.Curate(ctx, view.ID, &CurateRequest{CandidateIDs: ids, CategoryID: cat})
	require.NoError(t, err)
	assert.Equal(t, 2, curated.Updated)
	assert.Equal(t, 2, curated.Counts.TagCounts[cat])

	_, err = f.svc.Label(ctx, view.ID, page.Items[2].ID, labeling.LabelData{State: entities.LabelUncertain})
	require.NoError(t, err)
	_, err = f.svc.BulkLabel(ctx, view.ID, &BulkLabelRequest{
		CandidateIDs: []uint{page.Items[3].ID},
		LabelData:    labeling.LabelData{State: entities.LabelSkipped},
	})
	require.NoError(t, err)

	labeled, err := f.svc.Results(ctx, view.ID, ResultsQuery{Label: entities.LabelCategory})
	require.NoError(t, err)
	assert.EqualValues(t, 2, labeled.Total)

	export, err := f.svc.Export(ctx, view.ID)
	require.NoError(t, err)
	require.Len(t, export.Items, 3)
	states := map[string]int{}
	for _, it := range export.Items {
		states[it.Label]++
		if it.Label == entities.LabelCategory {
			assert.Equal(t, view.Categories[0].Name, it.Category)
		}
	}
	assert.Equal(t, map[string]int{entities.LabelCategory: 2, entities.LabelUncertain: 1}, states)

	done, err := f.svc.Complete(ctx, view.ID)
	require.NoError(t, err)
	assert.True(t, done.IsCompleted)
	assert.NotNil(t, done.CompletedAt)

	_, err = f.svc.Complete(ctx, view.ID)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))
	_, err = f.svc.Label(ctx, view.ID, page.Items[4].ID, labeling.LabelData{State: entities.LabelNegative})
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))
	_, err = f.svc.StartIteration(ctx, view.ID, sampler.IterationRequest{})
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))

	report, err := f.svc.Reconcile(ctx, view.ID)
	require.NoError(t, err)
	assert.False(t, report.Repaired)
}

func TestResultsValidation(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()
	view := f.create(t)

	lo, hi := 0.9, 0.1
	for _, q := range []ResultsQuery{
		{Label: "maybe"},
		{SampleType: "random"},
		{MinSimilarity: &lo, MaxSimilarity: &hi},
		{Offset: -1},
	} {
		_, err := f.svc.Results(ctx, view.ID, q)
		assert.True(t, errors.IsCategory(err, errors.CategoryValidation), "query %+v", q)
	}

	page, err := f.svc.Results(ctx, view.ID, ResultsQuery{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.EqualValues(t, 5, page.Total)

	_, err = f.svc.Results(ctx, "missing", ResultsQuery{})
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))
}

func TestRecoverFailsUnfinishedIterations(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()
	view := f.create(t)

	require.NoError(t, f.repo.SaveIterationRun(ctx, &entities.IterationRun{
		SessionID: view.ID, Iteration: 1, ParamsHash: "x", Status: entities.JobRunning,
	}))
	n, err := f.svc.Recover(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	run, err := f.repo.GetIterationRun(ctx, view.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, entities.JobFailed, run.Status)
	assert.Equal(t, "interrupted by restart", run.ErrorMessage)
}

func TestReferenceLibrary(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	_, err := f.svc.CreateReference(ctx, &CreateReferenceRequest{Name: "x", Vector: nil})
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	ref, err := f.svc.CreateReference(ctx, &CreateReferenceRequest{Name: "xc-1", SourceURI: "https://example.org/xc-1", Vector: []float32{1, 2, 3}})
	require.NoError(t, err)
	got, err := f.svc.GetReference(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Dimension)
	assert.Equal(t, entities.ReferenceSourceExternal, got.SourceType)

	_, err = f.svc.GetReference(ctx, "nope")
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))
}
