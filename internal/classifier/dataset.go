package classifier

import (
	"math"
	"math/rand/v2"

	"github.com/tphakala/birdnet-search/internal/errors"
)

// Dataset is a set of feature rows with binary labels and sample weights.
type Dataset struct {
	X [][]float64
	Y []int     // 1 positive, 0 negative
	W []float64 // per-sample weight
}

// NewDataset builds a dataset with unit weights and validates its shape.
func NewDataset(x [][]float64, y []int) (*Dataset, error) {
	if len(x) != len(y) {
		return nil, errors.ValidationError("features and labels differ in length")
	}
	if len(x) == 0 {
		return nil, errors.ValidationError("no training samples")
	}
	dim := len(x[0])
	if dim == 0 {
		return nil, errors.ValidationError("feature vectors must not be empty")
	}
	for i := range x {
		if len(x[i]) != dim {
			return nil, errors.ValidationError("feature vectors must share one dimension")
		}
		if y[i] != 0 && y[i] != 1 {
			return nil, errors.ValidationError("labels must be 0 or 1")
		}
	}
	w := make([]float64, len(x))
	for i := range w {
		w[i] = 1
	}
	return &Dataset{X: x, Y: y, W: w}, nil
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Y)
}

// Dim returns the feature dimension.
func (d *Dataset) Dim() int {
	if d.Len() == 0 {
		return 0
	}
	return len(d.X[0])
}

// Positives counts positive samples.
func (d *Dataset) Positives() int {
	n := 0
	for _, y := range d.Y {
		n += y
	}
	return n
}

// Classes reports the number of distinct labels present.
func (d *Dataset) Classes() int {
	pos := d.Positives()
	switch {
	case d.Len() == 0:
		return 0
	case pos == 0 || pos == d.Len():
		return 1
	default:
		return 2
	}
}

// BalanceWeights sets weights to n/(2*n_class) so both classes carry equal mass.
func (d *Dataset) BalanceWeights() {
	pos := float64(d.Positives())
	neg := float64(d.Len()) - pos
	if pos == 0 || neg == 0 {
		return
	}
	n := float64(d.Len())
	for i, y := range d.Y {
		if y == 1 {
			d.W[i] = n / (2 * pos)
		} else {
			d.W[i] = n / (2 * neg)
		}
	}
}

func (d *Dataset) subset(idx []int) *Dataset {
	out := &Dataset{
		X: make([][]float64, len(idx)),
		Y: make([]int, len(idx)),
		W: make([]float64, len(idx)),
	}
	for i, j := range idx {
		out.X[i], out.Y[i], out.W[i] = d.X[j], d.Y[j], d.W[j]
	}
	return out
}

// StratifiedSplit holds out fraction of each class for validation. Each class
// keeps at least one training sample; the split is deterministic for a seed.
func (d *Dataset) StratifiedSplit(fraction float64, seed int64) (train, validation *Dataset) {
	rng := newRand(seed, 0x5eed)
	var trainIdx, valIdx []int
	for class := range 2 {
		var idx []int
		for i, y := range d.Y {
			if y == class {
				idx = append(idx, i)
			}
		}
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		nVal := int(math.Round(float64(len(idx)) * fraction))
		nVal = min(nVal, len(idx)-1)
		if nVal < 0 {
			nVal = 0
		}
		valIdx = append(valIdx, idx[:nVal]...)
		trainIdx = append(trainIdx, idx[nVal:]...)
	}
	return d.subset(trainIdx), d.subset(valIdx)
}

func newRand(seed int64, stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), stream))
}

// Scaler standardizes features to zero mean and unit variance.
type Scaler struct {
	Mean []float64 `msgpack:"mean"`
	Std  []float64 `msgpack:"std"`
}

// FitScaler computes per-feature statistics from x.
func FitScaler(x [][]float64) Scaler {
	dim := len(x[0])
	s := Scaler{Mean: make([]float64, dim), Std: make([]float64, dim)}
	n := float64(len(x))
	for _, row := range x {
		for j, v := range row {
			s.Mean[j] += v / n
		}
	}
	for _, row := range x {
		for j, v := range row {
			d := v - s.Mean[j]
			s.Std[j] += d * d / n
		}
	}
	for j := range s.Std {
		s.Std[j] = math.Sqrt(s.Std[j])
		if s.Std[j] < 1e-12 {
			s.Std[j] = 1
		}
	}
	return s
}

// Transform returns a standardized copy of row.
func (s *Scaler) Transform(row []float64) []float64 {
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - s.Mean[j]) / s.Std[j]
	}
	return out
}

// TransformAll standardizes every row.
func (s *Scaler) TransformAll(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		out[i] = s.Transform(row)
	}
	return out
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// logLoss is the weighted binary cross-entropy of probability p for label y.
func logLoss(p float64, y int) float64 {
	const eps = 1e-12
	p = math.Min(math.Max(p, eps), 1-eps)
	if y == 1 {
		return -math.Log(p)
	}
	return -math.Log(1 - p)
}
