package classifier

import (
	"cmp"
	"context"
	"math"
	"math/rand/v2"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"
)

// TreeNode is one node of a flattened CART tree. Feature is -1 for leaves.
type TreeNode struct {
	Feature   int     `msgpack:"f"`
	Threshold float64 `msgpack:"t"`
	Left      int32   `msgpack:"l"`
	Right     int32   `msgpack:"r"`
	Value     float64 `msgpack:"v"` // positive fraction at a leaf
}

// Tree is a binary decision tree rooted at Nodes[0].
type Tree struct {
	Nodes []TreeNode `msgpack:"nodes"`
}

func (t *Tree) predict(x []float64) float64 {
	i := int32(0)
	for {
		n := &t.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// ForestModel averages the leaf probabilities of its trees.
type ForestModel struct {
	Trees     []Tree `msgpack:"trees"`
	Dimension int    `msgpack:"dim"`
}

// Type returns the model family.
func (m *ForestModel) Type() ModelType { return RandomForest }

// Dim returns the fitted feature dimension.
func (m *ForestModel) Dim() int { return m.Dimension }

// Score returns the mean positive fraction across trees.
func (m *ForestModel) Score(features [][]float64) []float64 {
	out := make([]float64, len(features))
	for i, row := range features {
		var s float64
		for t := range m.Trees {
			s += m.Trees[t].predict(row)
		}
		out[i] = s / float64(len(m.Trees))
	}
	return out
}

type forestFitter struct {
	cfg *RandomForestConfig
}

func (f *forestFitter) Fit(ctx context.Context, train, _ *Dataset) (Model, error) {
	cfg := f.cfg
	dim := train.Dim()
	maxFeatures := cfg.MaxFeatures
	if maxFeatures <= 0 {
		maxFeatures = int(math.Ceil(math.Sqrt(float64(dim))))
	}
	maxFeatures = min(maxFeatures, dim)

	model := &ForestModel{Trees: make([]Tree, cfg.NumTrees), Dimension: dim}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for t := range cfg.NumTrees {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			b := &treeBuilder{
				data:        train,
				rng:         newRand(cfg.Seed, uint64(t)+1),
				maxDepth:    cfg.MaxDepth,
				minLeaf:     cfg.MinSamplesLeaf,
				maxFeatures: maxFeatures,
			}
			sample := make([]int, train.Len())
			for i := range sample {
				sample[i] = b.rng.IntN(train.Len())
			}
			b.build(sample, 0)
			model.Trees[t] = Tree{Nodes: b.nodes}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return model, nil
}

type treeBuilder struct {
	data        *Dataset
	rng         *rand.Rand
	maxDepth    int
	minLeaf     int
	maxFeatures int
	nodes       []TreeNode
}

// build appends the subtree for idx and returns its node index.
func (b *treeBuilder) build(idx []int, depth int) int32 {
	self := int32(len(b.nodes))
	b.nodes = append(b.nodes, TreeNode{Feature: -1})

	var pos, mass float64
	for _, i := range idx {
		mass += b.data.W[i]
		pos += b.data.W[i] * float64(b.data.Y[i])
	}
	value := 0.0
	if mass > 0 {
		value = pos / mass
	}
	b.nodes[self].Value = value

	if depth >= b.maxDepth || len(idx) < 2*b.minLeaf || value == 0 || value == 1 {
		return self
	}

	feature, threshold, ok := b.bestSplit(idx, pos, mass)
	if !ok {
		return self
	}

	var left, right []int
	for _, i := range idx {
		if b.data.X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[self].Feature = feature
	b.nodes[self].Threshold = threshold
	b.nodes[self].Left = l
	b.nodes[self].Right = r
	return self
}

// bestSplit scans a random feature subset for the weighted Gini split with
// the largest impurity decrease.
func (b *treeBuilder) bestSplit(idx []int, pos, mass float64) (int, float64, bool) {
	parent := gini(pos, mass)
	bestGain, bestFeature, bestThreshold := 1e-12, -1, 0.0

	sorted := slices.Clone(idx)
	for _, feature := range b.rng.Perm(b.data.Dim())[:b.maxFeatures] {
		slices.SortFunc(sorted, func(a, c int) int {
			return cmp.Compare(b.data.X[a][feature], b.data.X[c][feature])
		})
		var leftPos, leftMass float64
		for k := 0; k < len(sorted)-1; k++ {
			i := sorted[k]
			leftMass += b.data.W[i]
			leftPos += b.data.W[i] * float64(b.data.Y[i])
			if k+1 < b.minLeaf || len(sorted)-(k+1) < b.minLeaf {
				continue
			}
			cur, next := b.data.X[i][feature], b.data.X[sorted[k+1]][feature]
			if cur == next {
				continue
			}
			rightMass := mass - leftMass
			weighted := (leftMass*gini(leftPos, leftMass) + rightMass*gini(pos-leftPos, rightMass)) / mass
			if gain := parent - weighted; gain > bestGain {
				bestGain, bestFeature, bestThreshold = gain, feature, (cur+next)/2
			}
		}
	}
	return bestFeature, bestThreshold, bestFeature >= 0
}

func gini(pos, mass float64) float64 {
	if mass <= 0 {
		return 0
	}
	p := pos / mass
	return 2 * p * (1 - p)
}
