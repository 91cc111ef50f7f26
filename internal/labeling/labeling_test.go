package labeling

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-search/internal/datastore"
	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/datastore/repository"
	"github.com/tphakala/birdnet-search/internal/errors"
)

type fixture struct {
	repo    *repository.Store
	labels  *Store
	session *entities.Session
	ids     []uint
}

func newFixture(t *testing.T, candidates int) *fixture {
	t.Helper()
	db, err := datastore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := repository.New(db.Gorm, db.IsMySQL())
	ctx := context.Background()

	session := &entities.Session{
		ID:                  uuid.NewString(),
		Name:                "wren song",
		Metric:              entities.MetricCosine,
		SimilarityThreshold: 0.5,
		Categories: []entities.SessionCategory{
			{Name: "wren", ShortcutKey: 1},
			{Name: "robin", ShortcutKey: 2},
		},
	}
	require.NoError(t, repo.CreateSession(ctx, session))

	rows := make([]entities.Candidate, candidates)
	for i := range rows {
		rows[i] = entities.Candidate{
			ClipID:     fmt.Sprintf("clip-%03d", i),
			Similarity: 1 - float64(i)/100,
			Rank:       i + 1,
			SampleType: entities.SampleEasyPositive,
		}
	}
	require.NoError(t, repo.Transaction(ctx, func(tx *repository.Store) error {
		return Insert(ctx, tx, session.ID, rows)
	}))

	f := &fixture{repo: repo, labels: New(repo, Options{}), session: session}
	for i := range rows {
		f.ids = append(f.ids, rows[i].ID)
	}
	return f
}

func (f *fixture) counts(t *testing.T) Counts {
	t.Helper()
	s, err := f.repo.GetSession(context.Background(), f.session.ID)
	require.NoError(t, err)
	return SnapshotOf(s)
}

func (f *fixture) category(i int) *uint {
	id := f.session.Categories[i].ID
	return &id
}

func assertInvariant(t *testing.T, c Counts) {
	t.Helper()
	assert.Equal(t, c.TotalResults, c.LabeledCount+c.UnlabeledCount)
	tags := 0
	for _, n := range c.TagCounts {
		assert.GreaterOrEqual(t, n, 0)
		tags += n
	}
	assert.LessOrEqual(t, tags, c.LabeledCount)
}

func TestLabelTransitionsAdjustCounters(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	wren, robin := f.category(0), f.category(1)

	c, err := f.labels.Label(ctx, f.session.ID, f.ids[0], LabelData{State: entities.LabelCategory, CategoryID: wren})
	require.NoError(t, err)
	assert.Equal(t, entities.LabelCategory, c.LabelState)
	assert.Equal(t, 2, c.Version)
	assert.NotNil(t, c.LabeledAt)

	counts := f.counts(t)
	assertInvariant(t, counts)
	assert.Equal(t, 1, counts.LabeledCount)
	assert.Equal(t, 1, counts.TagCounts[*wren])

	// a new label fully replaces the previous one
	_, err = f.labels.Label(ctx, f.session.ID, f.ids[0], LabelData{State: entities.LabelCategory, CategoryID: robin})
	require.NoError(t, err)
	_, err = f.labels.Label(ctx, f.session.ID, f.ids[1], LabelData{State: entities.LabelNegative})
	require.NoError(t, err)
	_, err = f.labels.Label(ctx, f.session.ID, f.ids[2], LabelData{State: entities.LabelSkipped})
	require.NoError(t, err)

	counts = f.counts(t)
	assertInvariant(t, counts)
	assert.Equal(t, 3, counts.LabeledCount)
	assert.Equal(t, 1, counts.UnlabeledCount)
	assert.Equal(t, 0, counts.TagCounts[*wren])
	assert.Equal(t, 1, counts.TagCounts[*robin])
	assert.Equal(t, 1, counts.NegativeCount)
	assert.Equal(t, 1, counts.SkippedCount)

	// clearing returns the candidate to unlabeled
	c, err = f.labels.Label(ctx, f.session.ID, f.ids[1], LabelData{State: entities.LabelNone})
	require.NoError(t, err)
	assert.Nil(t, c.LabeledAt)
	counts = f.counts(t)
	assertInvariant(t, counts)
	assert.Equal(t, 0, counts.NegativeCount)
	assert.Equal(t, 2, counts.UnlabeledCount)
}

func TestLabelSameStateIsNoop(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.labels.Label(ctx, f.session.ID, f.ids[0], LabelData{State: entities.LabelUncertain})
	require.NoError(t, err)
	c, err := f.labels.Label(ctx, f.session.ID, f.ids[0], LabelData{State: entities.LabelUncertain})
	require.NoError(t, err)

	assert.Equal(t, 2, c.Version)
	assert.Equal(t, 1, f.counts(t).UncertainCount)
}

func TestLabelValidation(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.labels.Label(ctx, f.session.ID, f.ids[0], LabelData{State: entities.LabelCategory})
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = f.labels.Label(ctx, f.session.ID, f.ids[0], LabelData{State: entities.LabelNegative, CategoryID: f.category(0)})
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = f.labels.Label(ctx, f.session.ID, f.ids[0], LabelData{State: "maybe"})
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	foreign := uint(9999)
	_, err = f.labels.Label(ctx, f.session.ID, f.ids[0], LabelData{State: entities.LabelCategory, CategoryID: &foreign})
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))

	_, err = f.labels.Label(ctx, f.session.ID, 424242, LabelData{State: entities.LabelNegative})
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))

	_, err = f.labels.Label(ctx, "missing", f.ids[0], LabelData{State: entities.LabelNegative})
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))
}

func TestExpectedVersionConflicts(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	v := 1
	_, err := f.labels.Label(ctx, f.session.ID, f.ids[0], LabelData{State: entities.LabelNegative, ExpectedVersion: &v})
	require.NoError(t, err)

	// version is now 2; the stale caller gets a conflict instead of a retry
	_, err = f.labels.Label(ctx, f.session.ID, f.ids[0], LabelData{State: entities.LabelSkipped, ExpectedVersion: &v})
	require.Error(t, err)
	assert.Equal(t, "conflict", errors.CodeOf(err))
	assert.Equal(t, 1, f.counts(t).NegativeCount)
}

func TestCompletedSessionRejectsLabels(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	ok, err := f.repo.MarkSessionCompleted(ctx, f.session.ID, f.labels.now())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.labels.Label(ctx, f.session.ID, f.ids[0], LabelData{State: entities.LabelNegative})
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))
	_, err = f.labels.BulkLabel(ctx, f.session.ID, f.ids, LabelData{State: entities.LabelNegative})
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))
}

func TestBulkLabelUpdatesExactlyN(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	_, err := f.labels.Label(ctx, f.session.ID, f.ids[0], LabelData{State: entities.LabelNegative})
	require.NoError(t, err)
	before := f.counts(t)

	ids := append([]uint{f.ids[0]}, f.ids[:6]...) // duplicates collapse
	res, err := f.labels.BulkLabel(ctx, f.session.ID, ids, LabelData{State: entities.LabelNegative})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Updated)
	assert.Equal(t, 1, res.Unchanged)

	after := f.counts(t)
	assertInvariant(t, after)
	assert.Equal(t, 6, after.NegativeCount)
	assert.LessOrEqual(t, after.LabeledCount-before.LabeledCount, 6)

	rows, _, err := f.repo.ListCandidates(ctx, repository.CandidateFilter{SessionID: f.session.ID, LabelState: entities.LabelNegative}, repository.Page{})
	require.NoError(t, err)
	assert.Len(t, rows, 6)
}

func TestBulkLabelIsAllOrNothing(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	_, err := f.labels.BulkLabel(ctx, f.session.ID, []uint{f.ids[0], 999999}, LabelData{State: entities.LabelNegative})
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))
	assert.Equal(t, 0, f.counts(t).NegativeCount)
}

func TestBulkLabelLimits(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	labels := New(f.repo, Options{MaxBulk: 2})

	_, err := labels.BulkLabel(ctx, f.session.ID, nil, LabelData{State: entities.LabelNegative})
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	_, err = labels.BulkLabel(ctx, f.session.ID, []uint{1, 2, 3}, LabelData{State: entities.LabelNegative})
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	v := 1
	_, err = labels.BulkLabel(ctx, f.session.ID, f.ids, LabelData{State: entities.LabelNegative, ExpectedVersion: &v})
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestBulkCurate(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	robin := f.category(1)

	res, err := f.labels.BulkCurate(ctx, f.session.ID, f.ids[:3], *robin)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Updated)

	counts := f.counts(t)
	assertInvariant(t, counts)
	assert.Equal(t, 3, counts.TagCounts[*robin])
}

func TestConcurrentLabelsKeepInvariant(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	states := []LabelData{
		{State: entities.LabelNegative},
		{State: entities.LabelUncertain},
		{State: entities.LabelCategory, CategoryID: f.category(0)},
		{State: entities.LabelSkipped},
		{State: entities.LabelNone},
	}

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Go(func() {
			for i := range 10 {
				id := f.ids[(w+i)%len(f.ids)]
				_, _ = f.labels.Label(ctx, f.session.ID, id, states[(w*i)%len(states)])
			}
		})
	}
	wg.Wait()

	counts := f.counts(t)
	assertInvariant(t, counts)
	report, err := f.labels.Reconcile(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Empty(t, report.Drift)
	assert.False(t, report.Repaired)
}

func TestReconcileRepairsDrift(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	wren := f.category(0)

	_, err := f.labels.Label(ctx, f.session.ID, f.ids[0], LabelData{State: entities.LabelCategory, CategoryID: wren})
	require.NoError(t, err)

	// corrupt the stored counters behind the ledger's back
	require.NoError(t, f.repo.ApplySessionDelta(ctx, f.session.ID, repository.CounterDelta{Labeled: 2, Negative: 1}))
	require.NoError(t, f.repo.ApplyCategoryDeltas(ctx, map[uint]int{*wren: 3}))

	report, err := f.labels.Reconcile(ctx, f.session.ID)
	require.NoError(t, err)
	assert.True(t, report.Repaired)
	assert.Equal(t, 2, report.Drift["labeled_count"])
	assert.Equal(t, 1, report.Drift["negative_count"])
	assert.Equal(t, 3, report.Drift["tag_counts"])

	counts := f.counts(t)
	assert.Equal(t, report.Actual.LabeledCount, counts.LabeledCount)
	assert.Equal(t, 1, counts.TagCounts[*wren])
	assertInvariant(t, counts)

	_, err = f.labels.Reconcile(ctx, "missing")
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))
}

func TestTransitionDeltas(t *testing.T) {
	one, two := uint(1), uint(2)
	d, tags := transition(state{label: entities.LabelCategory, category: &one}, state{label: entities.LabelCategory, category: &two})
	assert.Equal(t, 0, d.Labeled)
	assert.True(t, d.Bump)
	assert.Equal(t, map[uint]int{1: -1, 2: 1}, tags)

	d, _ = transition(state{label: entities.LabelNone}, state{label: entities.LabelUncertain})
	assert.Equal(t, 1, d.Labeled)
	assert.Equal(t, -1, d.Unlabeled)
	assert.Equal(t, 1, d.Uncertain)
	assert.Equal(t, 0, d.Total)
}
