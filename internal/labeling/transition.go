package labeling

import (
	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/datastore/repository"
)

type state struct {
	label    string
	category *uint
}

func stateOf(c *entities.Candidate) state {
	label := c.LabelState
	if label == "" {
		label = entities.LabelNone
	}
	return state{label: label, category: c.CategoryID}
}

func (s state) equal(o state) bool {
	if s.label != o.label {
		return false
	}
	if s.category == nil || o.category == nil {
		return s.category == nil && o.category == nil
	}
	return *s.category == *o.category
}

// contribution is what one candidate in state s adds to the counters.
func contribution(s state) (repository.CounterDelta, map[uint]int) {
	var d repository.CounterDelta
	if s.label == entities.LabelNone {
		d.Unlabeled = 1
		return d, nil
	}
	d.Labeled = 1
	switch s.label {
	case entities.LabelNegative:
		d.Negative = 1
	case entities.LabelUncertain:
		d.Uncertain = 1
	case entities.LabelSkipped:
		d.Skipped = 1
	case entities.LabelCategory:
		if s.category != nil {
			return d, map[uint]int{*s.category: 1}
		}
	}
	return d, nil
}

// transition returns the counter and tag deltas of moving one candidate from
// prev to next. Total never changes on a transition.
func transition(prev, next state) (repository.CounterDelta, map[uint]int) {
	out, outTags := contribution(prev)
	in, inTags := contribution(next)

	d := repository.CounterDelta{
		Labeled:   in.Labeled - out.Labeled,
		Unlabeled: in.Unlabeled - out.Unlabeled,
		Negative:  in.Negative - out.Negative,
		Uncertain: in.Uncertain - out.Uncertain,
		Skipped:   in.Skipped - out.Skipped,
		Bump:      true,
	}
	tags := make(map[uint]int, 2)
	for id, n := range outTags {
		tags[id] -= n
	}
	for id, n := range inTags {
		tags[id] += n
	}
	return d, tags
}
