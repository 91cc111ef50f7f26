package training

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-search/internal/classifier"
	"github.com/tphakala/birdnet-search/internal/datastore"
	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/datastore/repository"
	"github.com/tphakala/birdnet-search/internal/embedding"
	"github.com/tphakala/birdnet-search/internal/errors"
	"github.com/tphakala/birdnet-search/internal/jobs"
	"github.com/tphakala/birdnet-search/internal/labeling"
)

const dim = 4

type fixture struct {
	repo     *repository.Store
	trainer  *Trainer
	labels   *labeling.Store
	session  *entities.Session
	category uint
	other    uint
	ids      map[string]uint
}

// newFixture stores pos clips around +2 and neg clips around -2, all as
// unlabeled candidates of one session.
func newFixture(t *testing.T, pos, neg int) *fixture {
	t.Helper()
	db, err := datastore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := repository.New(db.Gorm, db.IsMySQL())
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(3, 5))

	var rows []entities.Embedding
	var candidates []entities.Candidate
	add := func(prefix string, n int, center float64) {
		for i := range n {
			v := make([]float32, dim)
			for j := range v {
				v[j] = float32(center + rng.NormFloat64()*0.5)
			}
			id := fmt.Sprintf("%s-%03d", prefix, i)
			rows = append(rows, entities.Embedding{ClipID: id, DatasetID: "ds", Dimension: dim, Vector: embedding.Encode(v)})
			candidates = append(candidates, entities.Candidate{ClipID: id, Rank: len(candidates) + 1, SampleType: entities.SampleBoundary, IterationAdded: 1})
		}
	}
	add("pos", pos, 2)
	add("neg", neg, -2)
	_, err = repo.InsertEmbeddings(ctx, rows)
	require.NoError(t, err)

	session := &entities.Session{
		ID:     uuid.NewString(),
		Name:   "curlew",
		Metric: entities.MetricCosine,
		Categories: []entities.SessionCategory{
			{Name: "curlew", ShortcutKey: 1},
			{Name: "whimbrel", ShortcutKey: 2},
		},
	}
	require.NoError(t, repo.CreateSession(ctx, session))
	require.NoError(t, repo.Transaction(ctx, func(tx *repository.Store) error {
		return labeling.Insert(ctx, tx, session.ID, candidates)
	}))

	runner := jobs.NewRunner(nil)
	t.Cleanup(func() { _ = runner.StopWithTimeout(10 * time.Second) })
	index := embedding.NewIndex(repo, embedding.Options{})

	f := &fixture{
		repo:     repo,
		trainer:  New(repo, index, runner, Options{MinSamples: 4}),
		labels:   labeling.New(repo, labeling.Options{}),
		session:  session,
		category: session.Categories[0].ID,
		other:    session.Categories[1].ID,
		ids:      make(map[string]uint, len(candidates)),
	}
	for _, c := range candidates {
		f.ids[c.ClipID] = c.ID
	}
	return f
}

func (f *fixture) idsWithPrefix(prefix string) []uint {
	var out []uint
	for clip, id := range f.ids {
		if clip[:3] == prefix {
			out = append(out, id)
		}
	}
	return out
}

// labelAll curates positives into the target category and marks negatives.
func (f *fixture) labelAll(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := f.labels.BulkCurate(ctx, f.session.ID, f.idsWithPrefix("pos"), f.category)
	require.NoError(t, err)
	_, err = f.labels.BulkLabel(ctx, f.session.ID, f.idsWithPrefix("neg"), labeling.LabelData{State: entities.LabelNegative})
	require.NoError(t, err)
}

func (f *fixture) train(t *testing.T, req *TrainRequest) *ModelView {
	t.Helper()
	view, err := f.trainer.Start(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, f.trainer.Wait(context.Background(), req.CategoryID))
	got, err := f.trainer.Get(context.Background(), view.ID)
	require.NoError(t, err)
	return got
}

func TestTrainFromSessionLedger(t *testing.T) {
	f := newFixture(t, 20, 20)
	f.labelAll(t)

	view, err := f.trainer.Start(context.Background(), &TrainRequest{CategoryID: f.category})
	require.NoError(t, err)
	assert.Equal(t, entities.ModelDraft, view.Status)
	assert.Equal(t, 1, view.Version)
	assert.Equal(t, string(classifier.LogisticRegression), view.ModelType)
	require.NoError(t, f.trainer.Wait(context.Background(), f.category))

	got, err := f.trainer.Get(context.Background(), view.ID)
	require.NoError(t, err)
	require.Equal(t, entities.ModelTrained, got.Status, got.ErrorMessage)
	assert.False(t, got.IsActive)
	assert.Equal(t, dim, got.FeatureDim)
	assert.NotNil(t, got.TrainedAt)

	var m classifier.Metrics
	require.NoError(t, json.Unmarshal(got.Metrics, &m))
	assert.GreaterOrEqual(t, m.Accuracy, 0.9)
	assert.Equal(t, 40, m.Samples.Train+m.Samples.Validation)

	row, err := f.repo.GetModel(context.Background(), view.ID)
	require.NoError(t, err)
	model, err := classifier.UnmarshalModel(row.Artifact)
	require.NoError(t, err)
	scores := model.Score([][]float64{{2, 2, 2, 2}, {-2, -2, -2, -2}})
	assert.Greater(t, scores[0], 0.5)
	assert.Less(t, scores[1], 0.5)
}

func TestOtherCategoryCountsAsNegative(t *testing.T) {
	f := newFixture(t, 10, 10)
	ctx := context.Background()
	_, err := f.labels.BulkCurate(ctx, f.session.ID, f.idsWithPrefix("pos"), f.category)
	require.NoError(t, err)
	_, err = f.labels.BulkCurate(ctx, f.session.ID, f.idsWithPrefix("neg"), f.other)
	require.NoError(t, err)

	got := f.train(t, &TrainRequest{CategoryID: f.category, ModelType: "random_forest"})
	require.Equal(t, entities.ModelTrained, got.Status, got.ErrorMessage)
	var m classifier.Metrics
	require.NoError(t, json.Unmarshal(got.Metrics, &m))
	assert.Equal(t, 10, m.Samples.TrainNegative+m.Samples.ValidationNegative)
}

func TestValidationHappensBeforeScheduling(t *testing.T) {
	f := newFixture(t, 10, 10)
	ctx := context.Background()

	// only positives labeled
	_, err := f.labels.BulkCurate(ctx, f.session.ID, f.idsWithPrefix("pos"), f.category)
	require.NoError(t, err)

	cases := map[string]*TrainRequest{
		"single class":  {CategoryID: f.category},
		"unknown type":  {CategoryID: f.category, ModelType: "xgboost"},
		"foreign field": {CategoryID: f.category, ModelType: "linear_svm", TrainingConfig: json.RawMessage(`{"num_trees": 5}`)},
		"bad range":     {CategoryID: f.category, TrainingConfig: json.RawMessage(`{"learning_rate": -1}`)},
		"items with session source": {
			CategoryID: f.category, Source: entities.TrainingSourceSession,
			Items: []AnnotationItem{{ClipID: "pos-000", Label: AnnotationPositive}},
		},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.trainer.Start(ctx, req)
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryValidation), "got %v", err)
		})
	}

	_, err = f.trainer.Start(ctx, &TrainRequest{CategoryID: 9999})
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))

	page, err := f.trainer.List(ctx, ListQuery{})
	require.NoError(t, err)
	assert.Zero(t, page.Total, "rejected requests create no model rows")
}

func TestMinimumSamples(t *testing.T) {
	f := newFixture(t, 2, 1)
	f.labelAll(t)
	_, err := f.trainer.Start(context.Background(), &TrainRequest{CategoryID: f.category})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestOneUnfinishedTrainingPerCategory(t *testing.T) {
	f := newFixture(t, 10, 10)
	f.labelAll(t)
	ctx := context.Background()

	require.NoError(t, f.repo.CreateModel(ctx, &entities.ClassifierModel{
		CategoryID: f.category, ModelType: "mlp", TrainingSource: entities.TrainingSourceSession,
		Version: 1, Status: entities.ModelTraining,
	}))
	_, err := f.trainer.Start(ctx, &TrainRequest{CategoryID: f.category})
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))

	n, err := f.trainer.Recover(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got := f.train(t, &TrainRequest{CategoryID: f.category})
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, entities.ModelTrained, got.Status)
}

func TestTrainFromAnnotations(t *testing.T) {
	f := newFixture(t, 8, 8)
	ctx := context.Background()

	var items []AnnotationItem
	for i := range 8 {
		items = append(items,
			AnnotationItem{ClipID: fmt.Sprintf("pos-%03d", i), Label: AnnotationPositive},
			AnnotationItem{ClipID: fmt.Sprintf("neg-%03d", i), Label: AnnotationNegative})
	}
	items = append(items, AnnotationItem{ClipID: "unknown-clip", Label: AnnotationNegative})

	got := f.train(t, &TrainRequest{CategoryID: f.category, ModelType: "linear_svm", Items: items})
	require.Equal(t, entities.ModelTrained, got.Status, got.ErrorMessage)
	assert.Equal(t, entities.TrainingSourceAnnotations, got.TrainingSource)

	_, err := f.trainer.Start(ctx, &TrainRequest{CategoryID: f.category, Items: []AnnotationItem{
		{ClipID: "pos-000", Label: AnnotationPositive},
		{ClipID: "pos-000", Label: AnnotationNegative},
	}})
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = f.trainer.Start(ctx, &TrainRequest{CategoryID: f.category, Source: entities.TrainingSourceAnnotations})
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestDeployFlipsActiveVersion(t *testing.T) {
	f := newFixture(t, 10, 10)
	f.labelAll(t)
	ctx := context.Background()

	v1 := f.train(t, &TrainRequest{CategoryID: f.category})
	v2 := f.train(t, &TrainRequest{CategoryID: f.category, ModelType: "mlp"})
	require.Equal(t, entities.ModelTrained, v2.Status, v2.ErrorMessage)

	d1, err := f.trainer.Deploy(ctx, v1.ID)
	require.NoError(t, err)
	assert.True(t, d1.IsActive)
	assert.Equal(t, entities.ModelDeployed, d1.Status)

	again, err := f.trainer.Deploy(ctx, v1.ID)
	require.NoError(t, err)
	assert.True(t, again.IsActive)

	_, err = f.trainer.Deploy(ctx, v2.ID)
	require.NoError(t, err)

	active, err := f.repo.ActiveModel(ctx, f.category)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)
	old, err := f.trainer.Get(ctx, v1.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)

	archived, err := f.trainer.Archive(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.ModelArchived, archived.Status)
	_, err = f.trainer.Deploy(ctx, v1.ID)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))
	_, err = f.trainer.Archive(ctx, v1.ID)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))

	_, err = f.trainer.Deploy(ctx, 4242)
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))

	page, err := f.trainer.List(ctx, ListQuery{CategoryID: &f.category, Status: entities.ModelDeployed})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, v2.ID, page.Items[0].ID)

	_, err = f.trainer.List(ctx, ListQuery{Status: "retired"})
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestFailedModelCannotDeploy(t *testing.T) {
	f := newFixture(t, 4, 4)
	ctx := context.Background()
	m := &entities.ClassifierModel{
		CategoryID: f.category, ModelType: "mlp", TrainingSource: entities.TrainingSourceSession,
		Version: 1, Status: entities.ModelFailed, ErrorMessage: "diverged",
	}
	require.NoError(t, f.repo.CreateModel(ctx, m))
	_, err := f.trainer.Deploy(ctx, m.ID)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))
}
