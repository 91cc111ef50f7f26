package classifier

import (
	"context"
	"math"
	"slices"

	"github.com/tphakala/birdnet-search/internal/logger"
)

// LinearModel is a linear decision function over standardized features.
// Logistic regression and the linear SVM share it; only training differs.
type LinearModel struct {
	Kind    ModelType `msgpack:"kind"`
	Weights []float64 `msgpack:"weights"`
	Bias    float64   `msgpack:"bias"`
	Scaler  Scaler    `msgpack:"scaler"`
}

// Type returns the model family.
func (m *LinearModel) Type() ModelType { return m.Kind }

// Dim returns the fitted feature dimension.
func (m *LinearModel) Dim() int { return len(m.Weights) }

// Score maps the decision value through a sigmoid.
func (m *LinearModel) Score(features [][]float64) []float64 {
	out := make([]float64, len(features))
	for i, row := range features {
		out[i] = sigmoid(m.margin(m.Scaler.Transform(row)))
	}
	return out
}

func (m *LinearModel) margin(z []float64) float64 {
	s := m.Bias
	for j, w := range m.Weights {
		s += w * z[j]
	}
	return s
}

// linearObjective returns the loss and its derivative with respect to the margin.
type linearObjective func(margin float64, y int) (loss, dmargin float64)

func logisticObjective(margin float64, y int) (float64, float64) {
	p := sigmoid(margin)
	return logLoss(p, y), p - float64(y)
}

func hingeObjective(margin float64, y int) (float64, float64) {
	sign := -1.0
	if y == 1 {
		sign = 1
	}
	if v := 1 - sign*margin; v > 0 {
		return v, -sign
	}
	return 0, 0
}

type logisticFitter struct {
	cfg *LogisticRegressionConfig
}

func (f *logisticFitter) Fit(ctx context.Context, train, validation *Dataset) (Model, error) {
	return fitLinear(ctx, LogisticRegression, train, validation, f.cfg.Gradient, f.cfg.Seed, f.cfg.L2, logisticObjective)
}

type svmFitter struct {
	cfg *LinearSVMConfig
}

func (f *svmFitter) Fit(ctx context.Context, train, validation *Dataset) (Model, error) {
	// soft-margin C maps to an L2 penalty of 1/(C*n)
	l2 := 1 / (f.cfg.C * float64(train.Len()))
	return fitLinear(ctx, LinearSVM, train, validation, f.cfg.Gradient, f.cfg.Seed, l2, hingeObjective)
}

// fitLinear runs mini-batch gradient descent and keeps the weights with the
// lowest monitored loss. The monitor set is validation when present, else train.
func fitLinear(ctx context.Context, kind ModelType, train, validation *Dataset, g Gradient, seed int64, l2 float64, obj linearObjective) (Model, error) {
	scaler := FitScaler(train.X)
	xt := scaler.TransformAll(train.X)
	monitorX, monitor := xt, train
	if validation.Len() > 0 {
		monitorX, monitor = scaler.TransformAll(validation.X), validation
	}

	m := &LinearModel{Kind: kind, Weights: make([]float64, train.Dim()), Scaler: scaler}
	best := &LinearModel{Kind: kind, Weights: slices.Clone(m.Weights), Scaler: scaler}
	bestLoss := math.Inf(1)
	stale := 0

	rng := newRand(seed, 0x11)
	order := make([]int, train.Len())
	for i := range order {
		order[i] = i
	}
	grad := make([]float64, train.Dim())

	for epoch := range g.MaxEpochs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		for start := 0; start < len(order); start += g.BatchSize {
			batch := order[start:min(start+g.BatchSize, len(order))]
			clear(grad)
			var gradBias, mass float64
			for _, i := range batch {
				_, d := obj(m.margin(xt[i]), train.Y[i])
				d *= train.W[i]
				for j, v := range xt[i] {
					grad[j] += d * v
				}
				gradBias += d
				mass += train.W[i]
			}
			if mass == 0 {
				continue
			}
			for j := range m.Weights {
				m.Weights[j] -= g.LearningRate * (grad[j]/mass + l2*m.Weights[j])
			}
			m.Bias -= g.LearningRate * gradBias / mass
		}

		loss := linearLoss(m, monitorX, monitor, obj)
		if loss < bestLoss-1e-9 {
			bestLoss = loss
			copy(best.Weights, m.Weights)
			best.Bias = m.Bias
			stale = 0
			continue
		}
		stale++
		if g.EarlyStoppingPatience > 0 && stale >= g.EarlyStoppingPatience {
			log.Debug("early stopping",
				logger.String("model_type", string(kind)),
				logger.Int("epoch", epoch))
			break
		}
	}
	return best, nil
}

func linearLoss(m *LinearModel, x [][]float64, d *Dataset, obj linearObjective) float64 {
	var total, mass float64
	for i, row := range x {
		l, _ := obj(m.margin(row), d.Y[i])
		total += l * d.W[i]
		mass += d.W[i]
	}
	if mass == 0 {
		return 0
	}
	return total / mass
}
