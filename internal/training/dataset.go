package training

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/tphakala/birdnet-search/internal/classifier"
	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/embedding"
	"github.com/tphakala/birdnet-search/internal/errors"
)

// Annotation labels accepted for annotation-sourced training.
const (
	AnnotationPositive = "positive"
	AnnotationNegative = "negative"
)

// AnnotationItem is one labeled clip exported by an annotation project.
type AnnotationItem struct {
	ClipID string `json:"clip_id" validate:"required,max=64"`
	Label  string `json:"label" validate:"required,oneof=positive negative"`
}

// built is a training set with the clips it was built from.
type built struct {
	data    *classifier.Dataset
	clipIDs []string
	missing int
}

// fromLedger labels the session's decided candidates for one category:
// the category is positive, negative or any other category is negative.
// Uncertain, skipped and unlabeled candidates are excluded.
func (t *Trainer) fromLedger(ctx context.Context, sessionID string, categoryID uint) (*built, error) {
	rows, err := t.repo.LabeledCandidates(ctx, sessionID)
	if err != nil {
		return nil, dbError(err, "labeled_candidates")
	}
	labels := make(map[string]int, len(rows))
	for i := range rows {
		c := &rows[i]
		switch {
		case c.LabelState == entities.LabelCategory && c.CategoryID != nil && *c.CategoryID == categoryID:
			labels[c.ClipID] = 1
		case c.LabelState == entities.LabelCategory, c.LabelState == entities.LabelNegative:
			labels[c.ClipID] = 0
		}
	}
	return t.assemble(ctx, labels)
}

// fromAnnotations labels the given items. A clip listed twice with
// different labels is rejected.
func (t *Trainer) fromAnnotations(ctx context.Context, items []AnnotationItem) (*built, error) {
	if len(items) == 0 {
		return nil, errors.ValidationError("annotation training needs items")
	}
	labels := make(map[string]int, len(items))
	for _, it := range items {
		id := strings.TrimSpace(it.ClipID)
		if id == "" {
			return nil, errors.ValidationError("annotation item without clip_id")
		}
		var y int
		switch it.Label {
		case AnnotationPositive:
			y = 1
		case AnnotationNegative:
		default:
			return nil, errors.ValidationError(fmt.Sprintf("annotation label %q must be positive or negative", it.Label))
		}
		if prev, dup := labels[id]; dup && prev != y {
			return nil, errors.ValidationError("clip " + id + " is annotated both positive and negative")
		}
		labels[id] = y
	}
	return t.assemble(ctx, labels)
}

// assemble fetches embeddings for the labeled clips. Clips without a usable
// embedding or with a dimension differing from the majority are skipped.
func (t *Trainer) assemble(ctx context.Context, labels map[string]int) (*built, error) {
	ids := make([]string, 0, len(labels))
	for id := range labels {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	if len(ids) == 0 {
		return &built{data: &classifier.Dataset{}}, nil
	}

	vectors, missing, err := t.index.Vectors(ctx, ids)
	if err != nil {
		return nil, err
	}
	dims := map[int]int{}
	for _, v := range vectors {
		dims[len(v)]++
	}
	dim, best := 0, 0
	for d, n := range dims {
		if n > best || (n == best && d < dim) {
			dim, best = d, n
		}
	}

	b := &built{missing: missing}
	x := make([][]float64, 0, len(vectors))
	y := make([]int, 0, len(vectors))
	for _, id := range ids {
		v, ok := vectors[id]
		if !ok {
			continue
		}
		if len(v) != dim {
			b.missing++
			continue
		}
		x = append(x, embedding.ToFloat64(v))
		y = append(y, labels[id])
		b.clipIDs = append(b.clipIDs, id)
	}
	if len(x) == 0 {
		b.data = &classifier.Dataset{}
		return b, nil
	}
	data, err := classifier.NewDataset(x, y)
	if err != nil {
		return nil, err
	}
	b.data = data
	return b, nil
}
