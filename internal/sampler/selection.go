package sampler

import (
	"cmp"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"slices"
)

// scoredClip is a pool clip with its combined score.
type scoredClip struct {
	ClipID   string
	Score    float64
	ByModel  bool // score came from a classifier rather than similarity
	Category uint // category that produced the maximum
}

// selectBoundary picks clips scored within [low, high], closest to the band
// midpoint first, ties by clip id. The rest of the pool is returned in clip
// id order.
func selectBoundary(pool []scoredClip, low, high float64, limit int) (picked, rest []scoredClip) {
	mid := (low + high) / 2
	var band []scoredClip
	for _, c := range pool {
		if c.Score >= low && c.Score <= high {
			band = append(band, c)
		} else {
			rest = append(rest, c)
		}
	}
	slices.SortFunc(band, func(a, b scoredClip) int {
		if c := cmp.Compare(math.Abs(a.Score-mid), math.Abs(b.Score-mid)); c != 0 {
			return c
		}
		return cmp.Compare(a.ClipID, b.ClipID)
	})
	if limit < 0 {
		limit = 0
	}
	if len(band) > limit {
		band = band[:limit]
	}
	slices.SortFunc(rest, func(a, b scoredClip) int { return cmp.Compare(a.ClipID, b.ClipID) })
	return band, rest
}

// selectOthers draws n clips uniformly without replacement. pool must be in a
// stable order; the draw is determined by rng alone.
func selectOthers(pool []scoredClip, n int, rng *rand.Rand) []scoredClip {
	if n <= 0 || len(pool) == 0 {
		return nil
	}
	pool = slices.Clone(pool)
	n = min(n, len(pool))
	// partial Fisher-Yates
	for i := range n {
		j := i + rng.IntN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:n]
}

// capProportional trims boundary and others to at most total clips, splitting
// the budget in proportion to their sizes.
func capProportional(boundary, others []scoredClip, total int) ([]scoredClip, []scoredClip) {
	nb, no := len(boundary), len(others)
	if total <= 0 || nb+no <= total {
		return boundary, others
	}
	keepB := int(math.Round(float64(total) * float64(nb) / float64(nb+no)))
	keepB = min(keepB, nb)
	keepO := min(total-keepB, no)
	return boundary[:keepB], others[:keepO]
}

// iterationRand seeds sampling from the session, iteration number and session seed.
func iterationRand(sessionID string, iteration int, seed int64) *rand.Rand {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%d:%d", sessionID, iteration, seed)
	return rand.New(rand.NewPCG(h.Sum64(), uint64(seed)))
}
