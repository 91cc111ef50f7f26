package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateKnownValues(t *testing.T) {
	t.Parallel()

	scores := []float64{0.9, 0.8, 0.7, 0.4, 0.3, 0.2}
	y := []int{1, 1, 0, 1, 0, 0}
	m := Evaluate(scores, y, 0.5)

	assert.Equal(t, ConfusionMatrix{TruePositive: 2, FalsePositive: 1, TrueNegative: 2, FalseNegative: 1}, m.Confusion)
	assert.InDelta(t, 4.0/6.0, m.Accuracy, 1e-12)
	assert.InDelta(t, 2.0/3.0, m.Precision, 1e-12)
	assert.InDelta(t, 2.0/3.0, m.Recall, 1e-12)
	assert.InDelta(t, 2.0/3.0, m.F1, 1e-12)

	// 8 of the 9 positive/negative pairs are ordered correctly
	require.NotNil(t, m.ROCAUC)
	assert.InDelta(t, 8.0/9.0, *m.ROCAUC, 1e-12)
	// precision at each positive: 1, 1, 3/4
	require.NotNil(t, m.PRAUC)
	assert.InDelta(t, (1+1+0.75)/3, *m.PRAUC, 1e-12)
}

func TestEvaluateTiesCountHalf(t *testing.T) {
	t.Parallel()

	m := Evaluate([]float64{0.5, 0.5}, []int{1, 0}, 0.5)
	require.NotNil(t, m.ROCAUC)
	assert.InDelta(t, 0.5, *m.ROCAUC, 1e-12)
	assert.InDelta(t, 0.5, *m.PRAUC, 1e-12)
}

func TestEvaluateSingleClassLeavesAUCUnset(t *testing.T) {
	t.Parallel()

	m := Evaluate([]float64{0.9, 0.1}, []int{1, 1}, 0.5)
	assert.Nil(t, m.ROCAUC)
	assert.Nil(t, m.PRAUC)
	assert.InDelta(t, 0.5, m.Recall, 1e-12)
}
