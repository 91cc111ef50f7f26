package classifier

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-search/internal/errors"
)

// blobs returns two well separated gaussian clusters.
func blobs(t *testing.T, perClass, dim int) *Dataset {
	t.Helper()
	rng := rand.New(rand.NewPCG(7, 7))
	var x [][]float64
	var y []int
	for class := range 2 {
		center := -2.0
		if class == 1 {
			center = 2.0
		}
		for range perClass {
			row := make([]float64, dim)
			for j := range row {
				row[j] = center + rng.NormFloat64()*0.5
			}
			x = append(x, row)
			y = append(y, class)
		}
	}
	d, err := NewDataset(x, y)
	require.NoError(t, err)
	return d
}

func TestEveryModelTypeSeparatesBlobs(t *testing.T) {
	t.Parallel()

	for _, mt := range ModelTypes {
		t.Run(string(mt), func(t *testing.T) {
			t.Parallel()
			cfg, err := DefaultConfig(mt)
			require.NoError(t, err)

			res, err := Train(context.Background(), cfg, blobs(t, 40, 4))
			require.NoError(t, err)

			assert.Equal(t, mt, res.Model.Type())
			assert.Equal(t, 4, res.Model.Dim())
			assert.GreaterOrEqual(t, res.Metrics.Accuracy, 0.95)
			assert.Equal(t, "validation", res.Metrics.EvaluatedOn)
			require.NotNil(t, res.Metrics.ROCAUC)
			assert.GreaterOrEqual(t, *res.Metrics.ROCAUC, 0.95)
			assert.Equal(t, 80, res.Metrics.Samples.Train+res.Metrics.Samples.Validation)

			scores := res.Model.Score([][]float64{{2, 2, 2, 2}, {-2, -2, -2, -2}})
			assert.Greater(t, scores[0], 0.5)
			assert.Less(t, scores[1], 0.5)
			for _, s := range scores {
				assert.GreaterOrEqual(t, s, 0.0)
				assert.LessOrEqual(t, s, 1.0)
			}
		})
	}
}

func TestTrainRejectsSingleClass(t *testing.T) {
	t.Parallel()

	d, err := NewDataset([][]float64{{1}, {2}, {3}}, []int{1, 1, 1})
	require.NoError(t, err)
	cfg, _ := DefaultConfig(LogisticRegression)

	_, err = Train(context.Background(), cfg, d)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestCheckTrainableMinimum(t *testing.T) {
	t.Parallel()

	d := blobs(t, 3, 2)
	require.NoError(t, CheckTrainable(d, 6))
	err := CheckTrainable(d, 10)
	require.Error(t, err)
	assert.Equal(t, "validation_error", errors.CodeOf(err))
}

func TestTrainingIsDeterministicForSeed(t *testing.T) {
	t.Parallel()

	probe := [][]float64{{0.3, -0.1, 0.2}, {1, 1, -1}}
	for _, mt := range ModelTypes {
		cfgA, _ := DefaultConfig(mt)
		cfgB, _ := DefaultConfig(mt)
		a, err := Train(context.Background(), cfgA, blobs(t, 20, 3))
		require.NoError(t, err)
		b, err := Train(context.Background(), cfgB, blobs(t, 20, 3))
		require.NoError(t, err)
		assert.Equal(t, a.Model.Score(probe), b.Model.Score(probe), string(mt))
	}
}

func TestTrainHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg, _ := DefaultConfig(MLP)

	_, err := Train(ctx, cfg, blobs(t, 10, 2))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryCancellation))
}

func TestArtifactRoundTripPreservesScores(t *testing.T) {
	t.Parallel()

	probe := [][]float64{{1.5, 0, -0.5}, {-1, -2, 0.25}}
	for _, mt := range ModelTypes {
		cfg, _ := DefaultConfig(mt)
		res, err := Train(context.Background(), cfg, blobs(t, 15, 3))
		require.NoError(t, err)

		data, err := MarshalModel(res.Model)
		require.NoError(t, err)
		decoded, err := UnmarshalModel(data)
		require.NoError(t, err, string(mt))

		assert.Equal(t, mt, decoded.Type())
		assert.InDeltaSlice(t, res.Model.Score(probe), decoded.Score(probe), 1e-12)
	}
}

func TestUnmarshalModelRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := UnmarshalModel(nil)
	require.Error(t, err)
	_, err = UnmarshalModel([]byte{0xc1, 0x00, 0x13})
	require.Error(t, err)
}

func TestNewDatasetValidation(t *testing.T) {
	t.Parallel()

	_, err := NewDataset([][]float64{{1}}, []int{1, 0})
	require.Error(t, err)
	_, err = NewDataset([][]float64{{1}, {1, 2}}, []int{1, 0})
	require.Error(t, err)
	_, err = NewDataset([][]float64{{1}}, []int{2})
	require.Error(t, err)
}

func TestStratifiedSplitKeepsBothClassesInTrain(t *testing.T) {
	t.Parallel()

	d, err := NewDataset([][]float64{{1}, {2}, {3}, {4}, {5}}, []int{1, 0, 0, 0, 0})
	require.NoError(t, err)

	train, validation := d.StratifiedSplit(0.5, 1)
	assert.Equal(t, 1, train.Positives())
	assert.Equal(t, 2, train.Classes())
	assert.Equal(t, 5, train.Len()+validation.Len())
}

func TestBalanceWeights(t *testing.T) {
	t.Parallel()

	d, err := NewDataset([][]float64{{1}, {2}, {3}, {4}}, []int{1, 0, 0, 0})
	require.NoError(t, err)
	d.BalanceWeights()
	assert.InDelta(t, 2.0, d.W[0], 1e-12)
	assert.InDelta(t, 4.0/6.0, d.W[1], 1e-12)
}
