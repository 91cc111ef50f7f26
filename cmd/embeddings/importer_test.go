package embeddings

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-search/internal/datastore"
	"github.com/tphakala/birdnet-search/internal/datastore/repository"
	"github.com/tphakala/birdnet-search/internal/embedding"
	"github.com/tphakala/birdnet-search/internal/errors"
)

func newStore(t *testing.T) *repository.Store {
	t.Helper()
	db, err := datastore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return repository.New(db.Gorm, db.IsMySQL())
}

func jsonl(n int) string {
	var b strings.Builder
	for i := range n {
		fmt.Fprintf(&b, `{"clip_id":"c-%03d","dataset_id":"ds","recording_id":"r-1","offset":%d,"vector":[%d,0.5,-1]}`+"\n", i, i*3, i)
	}
	return b.String()
}

func TestImportInsertsInBatches(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	var progress []int
	stats, err := Import(ctx, store, strings.NewReader(jsonl(25)), ImportOptions{
		BatchSize:     10,
		ModelName:     "perch",
		ProgressEvery: 10,
		Progress:      func(s ImportStats) { progress = append(progress, s.Lines) },
	})
	require.NoError(t, err)
	assert.Equal(t, ImportStats{Lines: 25, Inserted: 25}, stats)
	assert.Equal(t, []int{10, 20}, progress)

	rows, err := store.GetEmbeddings(ctx, []string{"c-007"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 3, rows[0].Dimension)
	assert.Equal(t, "perch", rows[0].ModelName)
	assert.InDelta(t, 21.0, rows[0].OffsetSeconds, 1e-9)
	vec, err := embedding.Decode(rows[0].Vector, rows[0].Dimension)
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 0.5, -1}, vec)

	// a second run only reports duplicates
	stats, err = Import(ctx, store, strings.NewReader(jsonl(25)), ImportOptions{BatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Inserted)
	assert.Equal(t, int64(25), stats.Duplicates)
}

func TestImportRejectsInvalidLines(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"malformed", `{"clip_id":`, "malformed json"},
		{"missing clip", `{"dataset_id":"ds","vector":[1]}`, "clip_id is required"},
		{"missing dataset", `{"clip_id":"x","vector":[1]}`, "dataset_id is required"},
		{"empty vector", `{"clip_id":"x","dataset_id":"ds","vector":[]}`, "vector is empty"},
		{"negative offset", `{"clip_id":"x","dataset_id":"ds","offset":-1,"vector":[1]}`, "offset"},
		{"dimension drift", `{"clip_id":"x","dataset_id":"ds","vector":[1,2]}`, "dimension 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			input := `{"clip_id":"first","dataset_id":"ds","vector":[1,2,3]}` + "\n" + tt.line + "\n"
			stats, err := Import(context.Background(), store, strings.NewReader(input), ImportOptions{})
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
			assert.Contains(t, err.Error(), "line 2")
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, int64(0), stats.Inserted)
		})
	}
}

func TestImportSkipInvalidAndDefaultDataset(t *testing.T) {
	store := newStore(t)
	input := strings.Join([]string{
		`{"clip_id":"a","vector":[1,0]}`,
		``,
		`not json`,
		`{"clip_id":"b","vector":[0,1]}`,
	}, "\n")

	stats, err := Import(context.Background(), store, strings.NewReader(input), ImportOptions{
		DatasetID:   "default-ds",
		SkipInvalid: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Lines)
	assert.Equal(t, int64(2), stats.Inserted)
	assert.Equal(t, 1, stats.Invalid)

	n, err := store.CountEmbeddings(context.Background(), "default-ds")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestImportHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Import(ctx, newStore(t), strings.NewReader(jsonl(3)), ImportOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryCancellation))
}
