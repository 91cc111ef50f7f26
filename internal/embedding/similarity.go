package embedding

import (
	"math"

	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/errors"
)

// Metric selects how two vectors are compared.
type Metric string

const (
	Cosine    Metric = entities.MetricCosine
	Euclidean Metric = entities.MetricEuclidean
)

// ParseMetric validates a metric name. Empty selects cosine.
func ParseMetric(name string) (Metric, error) {
	switch Metric(name) {
	case "", Cosine:
		return Cosine, nil
	case Euclidean:
		return Euclidean, nil
	default:
		return "", errors.ValidationError("unsupported distance metric " + name)
	}
}

// Norm returns the L2 norm.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// either vector has zero length.
func CosineSimilarity(a, b []float32) float64 {
	na, nb := Norm(a), Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return dot(a, b) / (na * nb)
}

// EuclideanDistance returns the L2 distance between a and b.
func EuclideanDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Similarity maps either metric onto a larger-is-closer score.
// Euclidean distance d becomes 1/(1+d).
func Similarity(metric Metric, a, b []float32) float64 {
	if metric == Euclidean {
		return 1 / (1 + EuclideanDistance(a, b))
	}
	return CosineSimilarity(a, b)
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// prepared holds query vectors with cached norms.
type prepared struct {
	metric Metric
	vecs   [][]float32
	norms  []float64
}

func prepare(metric Metric, vecs [][]float32) *prepared {
	p := &prepared{metric: metric, vecs: vecs, norms: make([]float64, len(vecs))}
	for i, v := range vecs {
		p.norms[i] = Norm(v)
	}
	return p
}

// maxSimilarity is the best score of v against any query vector. norm is ||v||.
func (p *prepared) maxSimilarity(v []float32, norm float64) float64 {
	best := math.Inf(-1)
	for i, q := range p.vecs {
		var s float64
		if p.metric == Euclidean {
			s = 1 / (1 + EuclideanDistance(q, v))
		} else if p.norms[i] == 0 || norm == 0 {
			s = 0
		} else {
			s = dot(q, v) / (p.norms[i] * norm)
		}
		if s > best {
			best = s
		}
	}
	return best
}
