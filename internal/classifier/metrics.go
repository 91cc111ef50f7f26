package classifier

import (
	"cmp"
	"slices"
)

// ConfusionMatrix counts outcomes at the decision threshold.
type ConfusionMatrix struct {
	TruePositive  int `json:"tp"`
	FalsePositive int `json:"fp"`
	TrueNegative  int `json:"tn"`
	FalseNegative int `json:"fn"`
}

// SampleCounts records how many samples fed training and evaluation.
type SampleCounts struct {
	Train              int `json:"train"`
	TrainPositive      int `json:"train_positive"`
	TrainNegative      int `json:"train_negative"`
	Validation         int `json:"validation"`
	ValidationPositive int `json:"validation_positive"`
	ValidationNegative int `json:"validation_negative"`
}

// Metrics summarizes model quality. ROC-AUC and PR-AUC are nil when the
// evaluation set lacks one of the classes.
type Metrics struct {
	Accuracy    float64         `json:"accuracy"`
	Precision   float64         `json:"precision"`
	Recall      float64         `json:"recall"`
	F1          float64         `json:"f1"`
	ROCAUC      *float64        `json:"roc_auc"`
	PRAUC       *float64        `json:"pr_auc"`
	Threshold   float64         `json:"threshold"`
	Confusion   ConfusionMatrix `json:"confusion_matrix"`
	Samples     SampleCounts    `json:"sample_counts"`
	EvaluatedOn string          `json:"evaluated_on"` // validation or train
}

// Evaluate computes metrics for scores against binary labels.
func Evaluate(scores []float64, y []int, threshold float64) Metrics {
	m := Metrics{Threshold: threshold}
	for i, s := range scores {
		predicted := s >= threshold
		switch {
		case predicted && y[i] == 1:
			m.Confusion.TruePositive++
		case predicted:
			m.Confusion.FalsePositive++
		case y[i] == 1:
			m.Confusion.FalseNegative++
		default:
			m.Confusion.TrueNegative++
		}
	}

	c := m.Confusion
	if n := len(scores); n > 0 {
		m.Accuracy = float64(c.TruePositive+c.TrueNegative) / float64(n)
	}
	if d := c.TruePositive + c.FalsePositive; d > 0 {
		m.Precision = float64(c.TruePositive) / float64(d)
	}
	if d := c.TruePositive + c.FalseNegative; d > 0 {
		m.Recall = float64(c.TruePositive) / float64(d)
	}
	if d := m.Precision + m.Recall; d > 0 {
		m.F1 = 2 * m.Precision * m.Recall / d
	}

	if auc, ok := rocAUC(scores, y); ok {
		m.ROCAUC = &auc
	}
	if ap, ok := averagePrecision(scores, y); ok {
		m.PRAUC = &ap
	}
	return m
}

type scored struct {
	score float64
	label int
}

func sortedByScore(scores []float64, y []int) []scored {
	pairs := make([]scored, len(scores))
	for i := range scores {
		pairs[i] = scored{scores[i], y[i]}
	}
	slices.SortFunc(pairs, func(a, b scored) int { return cmp.Compare(b.score, a.score) })
	return pairs
}

// rocAUC is the Mann-Whitney statistic with tied scores counted as half.
func rocAUC(scores []float64, y []int) (float64, bool) {
	pairs := sortedByScore(scores, y)
	var pos, neg int
	for _, p := range pairs {
		if p.label == 1 {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0, false
	}

	// walk descending; every negative beats the positives seen below it
	var wins float64
	negBelow := neg
	for i := 0; i < len(pairs); {
		j := i
		var groupPos, groupNeg int
		for j < len(pairs) && pairs[j].score == pairs[i].score {
			if pairs[j].label == 1 {
				groupPos++
			} else {
				groupNeg++
			}
			j++
		}
		negBelow -= groupNeg
		wins += float64(groupPos) * (float64(negBelow) + float64(groupNeg)/2)
		i = j
	}
	return wins / float64(pos*neg), true
}

// averagePrecision sums precision at each recall step, treating tied scores
// as one threshold.
func averagePrecision(scores []float64, y []int) (float64, bool) {
	pairs := sortedByScore(scores, y)
	pos := 0
	for _, p := range pairs {
		pos += p.label
	}
	if pos == 0 || pos == len(pairs) {
		return 0, false
	}

	var ap float64
	tp, seen := 0, 0
	for i := 0; i < len(pairs); {
		j := i
		groupPos := 0
		for j < len(pairs) && pairs[j].score == pairs[i].score {
			groupPos += pairs[j].label
			j++
		}
		tp += groupPos
		seen += j - i
		if groupPos > 0 {
			ap += float64(groupPos) / float64(pos) * float64(tp) / float64(seen)
		}
		i = j
	}
	return ap, true
}
