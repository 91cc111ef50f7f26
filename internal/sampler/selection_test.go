package sampler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func clips(scores map[string]float64) []scoredClip {
	var out []scoredClip
	for id, s := range scores {
		out = append(out, scoredClip{ClipID: id, Score: s})
	}
	return out
}

func ids(cs []scoredClip) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ClipID
	}
	return out
}

func TestSelectBoundaryOrdersByMidpointDistance(t *testing.T) {
	pool := clips(map[string]float64{
		"a": 0.5, "b": 0.6, "c": 0.4, "d": 0.3, "e": 0.9, "f": 0.1, "g": 0.75,
	})
	picked, rest := selectBoundary(pool, 0.25, 0.75, 4)

	// b and c tie at 0.1 from the midpoint; clip id decides
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(picked))
	assert.Equal(t, []string{"e", "f", "g"}, ids(rest))
}

func TestSelectOthersIsSeeded(t *testing.T) {
	pool := clips(map[string]float64{"a": 0, "b": 0, "c": 0, "d": 0, "e": 0, "f": 0})
	_, pool = selectBoundary(pool, 0.5, 0.6, 0)

	first := selectOthers(pool, 3, iterationRand("s", 1, 7))
	second := selectOthers(pool, 3, iterationRand("s", 1, 7))
	assert.Equal(t, ids(first), ids(second))
	assert.Len(t, first, 3)

	all := selectOthers(pool, 10, iterationRand("s", 2, 7))
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e", "f"}, ids(all))
	assert.Nil(t, selectOthers(pool, 0, iterationRand("s", 1, 7)))
}

func TestCapProportional(t *testing.T) {
	b := make([]scoredClip, 15)
	o := make([]scoredClip, 10)

	nb, no := capProportional(b, o, 20)
	assert.Len(t, nb, 12)
	assert.Len(t, no, 8)

	nb, no = capProportional(b[:3], o[:2], 20)
	assert.Len(t, nb, 3)
	assert.Len(t, no, 2)

	nb, no = capProportional(b, nil, 5)
	assert.Len(t, nb, 5)
	assert.Empty(t, no)
}
