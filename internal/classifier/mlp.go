package classifier

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/tphakala/birdnet-search/internal/logger"
)

// Dense is a fully connected layer. W is row-major with Out rows of In weights.
type Dense struct {
	In  int       `msgpack:"in"`
	Out int       `msgpack:"out"`
	W   []float64 `msgpack:"w"`
	B   []float64 `msgpack:"b"`
}

func newDense(in, out int, rng *rand.Rand) Dense {
	d := Dense{In: in, Out: out, W: make([]float64, in*out), B: make([]float64, out)}
	scale := math.Sqrt(2 / float64(in))
	for i := range d.W {
		d.W[i] = rng.NormFloat64() * scale
	}
	return d
}

func (d *Dense) forward(x, out []float64) {
	for o := range d.Out {
		s := d.B[o]
		row := d.W[o*d.In : (o+1)*d.In]
		for i, v := range x {
			s += row[i] * v
		}
		out[o] = s
	}
}

func (d *Dense) clone() Dense {
	c := *d
	c.W = append([]float64(nil), d.W...)
	c.B = append([]float64(nil), d.B...)
	return c
}

// MLPModel is a ReLU network with a single sigmoid output.
type MLPModel struct {
	Layers []Dense `msgpack:"layers"`
	Scaler Scaler  `msgpack:"scaler"`
}

// Type returns the model family.
func (m *MLPModel) Type() ModelType { return MLP }

// Dim returns the fitted feature dimension.
func (m *MLPModel) Dim() int { return m.Layers[0].In }

// Score runs the network forward without dropout.
func (m *MLPModel) Score(features [][]float64) []float64 {
	out := make([]float64, len(features))
	for i, row := range features {
		acts := m.activations(m.Scaler.Transform(row), nil)
		out[i] = sigmoid(acts[len(acts)-1][0])
	}
	return out
}

// activations returns the input followed by each layer's output. Hidden
// outputs are post-ReLU (and post-dropout when masks is set); the last entry
// is the output logit.
func (m *MLPModel) activations(x []float64, masks [][]float64) [][]float64 {
	acts := make([][]float64, 0, len(m.Layers)+1)
	acts = append(acts, x)
	for l := range m.Layers {
		layer := &m.Layers[l]
		out := make([]float64, layer.Out)
		layer.forward(acts[l], out)
		if l < len(m.Layers)-1 {
			for k, v := range out {
				if v < 0 {
					out[k] = 0
				}
			}
			if masks != nil {
				for k := range out {
					out[k] *= masks[l][k]
				}
			}
		}
		acts = append(acts, out)
	}
	return acts
}

func (m *MLPModel) clone() *MLPModel {
	c := &MLPModel{Layers: make([]Dense, len(m.Layers)), Scaler: m.Scaler}
	for i := range m.Layers {
		c.Layers[i] = m.Layers[i].clone()
	}
	return c
}

type mlpFitter struct {
	cfg *MLPConfig
}

func (f *mlpFitter) Fit(ctx context.Context, train, validation *Dataset) (Model, error) {
	cfg := f.cfg
	rng := newRand(cfg.Seed, 0x4d4c50)

	scaler := FitScaler(train.X)
	xt := scaler.TransformAll(train.X)
	monitorX, monitor := xt, train
	if validation.Len() > 0 {
		monitorX, monitor = scaler.TransformAll(validation.X), validation
	}

	m := &MLPModel{Scaler: scaler}
	in := train.Dim()
	for _, width := range cfg.HiddenLayers {
		m.Layers = append(m.Layers, newDense(in, width, rng))
		in = width
	}
	m.Layers = append(m.Layers, newDense(in, 1, rng))

	gradW := make([][]float64, len(m.Layers))
	gradB := make([][]float64, len(m.Layers))
	for l := range m.Layers {
		gradW[l] = make([]float64, len(m.Layers[l].W))
		gradB[l] = make([]float64, len(m.Layers[l].B))
	}

	best := m.clone()
	bestLoss := math.Inf(1)
	stale := 0
	order := make([]int, train.Len())
	for i := range order {
		order[i] = i
	}

	for epoch := range cfg.MaxEpochs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		for start := 0; start < len(order); start += cfg.BatchSize {
			batch := order[start:min(start+cfg.BatchSize, len(order))]
			for l := range m.Layers {
				clear(gradW[l])
				clear(gradB[l])
			}
			var mass float64
			for _, i := range batch {
				f.backprop(m, xt[i], train.Y[i], train.W[i], rng, gradW, gradB)
				mass += train.W[i]
			}
			if mass == 0 {
				continue
			}
			for l := range m.Layers {
				for k := range m.Layers[l].W {
					m.Layers[l].W[k] -= cfg.LearningRate * gradW[l][k] / mass
				}
				for k := range m.Layers[l].B {
					m.Layers[l].B[k] -= cfg.LearningRate * gradB[l][k] / mass
				}
			}
		}

		loss := mlpLoss(m, monitorX, monitor)
		if loss < bestLoss-1e-9 {
			bestLoss = loss
			best = m.clone()
			stale = 0
			continue
		}
		stale++
		if cfg.EarlyStoppingPatience > 0 && stale >= cfg.EarlyStoppingPatience {
			log.Debug("early stopping",
				logger.String("model_type", string(MLP)),
				logger.Int("epoch", epoch))
			break
		}
	}
	return best, nil
}

// backprop accumulates weighted gradients of the log loss for one sample.
func (f *mlpFitter) backprop(m *MLPModel, x []float64, y int, w float64, rng *rand.Rand, gradW, gradB [][]float64) {
	var masks [][]float64
	if p := f.cfg.Dropout; p > 0 {
		masks = make([][]float64, len(m.Layers)-1)
		for l := range masks {
			masks[l] = make([]float64, m.Layers[l].Out)
			for k := range masks[l] {
				if rng.Float64() >= p {
					masks[l][k] = 1 / (1 - p)
				}
			}
		}
	}
	acts := m.activations(x, masks)

	last := len(m.Layers) - 1
	delta := []float64{(sigmoid(acts[last+1][0]) - float64(y)) * w}
	for l := last; l >= 0; l-- {
		layer := &m.Layers[l]
		input := acts[l]
		for o := range layer.Out {
			gradB[l][o] += delta[o]
			row := gradW[l][o*layer.In : (o+1)*layer.In]
			for i, v := range input {
				row[i] += delta[o] * v
			}
		}
		if l == 0 {
			break
		}
		prev := make([]float64, layer.In)
		for o := range layer.Out {
			wrow := layer.W[o*layer.In : (o+1)*layer.In]
			for i := range prev {
				prev[i] += wrow[i] * delta[o]
			}
		}
		// ReLU and dropout gates of the previous hidden layer
		for i := range prev {
			if input[i] <= 0 {
				prev[i] = 0
			} else if masks != nil {
				prev[i] *= masks[l-1][i]
			}
		}
		delta = prev
	}
}

func mlpLoss(m *MLPModel, x [][]float64, d *Dataset) float64 {
	var total, mass float64
	for i, row := range x {
		acts := m.activations(row, nil)
		total += logLoss(sigmoid(acts[len(acts)-1][0]), d.Y[i]) * d.W[i]
		mass += d.W[i]
	}
	if mass == 0 {
		return 0
	}
	return total / mass
}
