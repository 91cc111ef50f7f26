package labeling

import (
	"context"

	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/datastore/repository"
	"github.com/tphakala/birdnet-search/internal/logger"
)

// Counts is a session counter snapshot.
type Counts struct {
	TotalResults   int          `json:"total_results"`
	LabeledCount   int          `json:"labeled_count"`
	UnlabeledCount int          `json:"unlabeled_count"`
	NegativeCount  int          `json:"negative_count"`
	UncertainCount int          `json:"uncertain_count"`
	SkippedCount   int          `json:"skipped_count"`
	TagCounts      map[uint]int `json:"tag_counts"`
}

// SnapshotOf reads the stored counters of a loaded session.
func SnapshotOf(session *entities.Session) Counts {
	c := Counts{
		TotalResults:   session.TotalResults,
		LabeledCount:   session.LabeledCount,
		UnlabeledCount: session.UnlabeledCount,
		NegativeCount:  session.NegativeCount,
		UncertainCount: session.UncertainCount,
		SkippedCount:   session.SkippedCount,
		TagCounts:      make(map[uint]int, len(session.Categories)),
	}
	for i := range session.Categories {
		c.TagCounts[session.Categories[i].ID] = session.Categories[i].TagCount
	}
	return c
}

// ReconcileReport compares stored counters with values recomputed from candidates.
type ReconcileReport struct {
	SessionID string         `json:"session_id"`
	Stored    Counts         `json:"stored"`
	Actual    Counts         `json:"actual"`
	Drift     map[string]int `json:"drift"` // stored minus actual, non-zero entries only
	Repaired  bool           `json:"repaired"`
}

// Reconcile recomputes counters from the candidate table and overwrites the
// stored values when they drifted.
func (s *Store) Reconcile(ctx context.Context, sessionID string) (*ReconcileReport, error) {
	report := &ReconcileReport{SessionID: sessionID, Drift: map[string]int{}}

	err := s.repo.Transaction(ctx, func(tx *repository.Store) error {
		if _, err := tx.LockSession(ctx, sessionID); err != nil {
			return translate(err, "session", sessionID)
		}
		session, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return translate(err, "session", sessionID)
		}
		rows, err := tx.CountLabelStates(ctx, sessionID)
		if err != nil {
			return err
		}

		report.Stored = SnapshotOf(session)
		report.Actual = recount(session, rows)
		diff(report)
		if len(report.Drift) == 0 {
			return nil
		}

		a := report.Actual
		report.Repaired = true
		return tx.OverwriteCounters(ctx, sessionID, repository.SessionCounters{
			TotalResults:   a.TotalResults,
			LabeledCount:   a.LabeledCount,
			UnlabeledCount: a.UnlabeledCount,
			NegativeCount:  a.NegativeCount,
			UncertainCount: a.UncertainCount,
			SkippedCount:   a.SkippedCount,
		}, a.TagCounts)
	})
	if err != nil {
		return nil, err
	}

	for counter, drift := range report.Drift {
		s.metrics.RecordReconcileDrift(counter, drift)
	}
	if report.Repaired {
		log.Warn("session counters drifted and were repaired",
			logger.String("session_id", sessionID),
			logger.Any("drift", report.Drift))
	}
	return report, nil
}

func recount(session *entities.Session, rows []repository.LabelStateCount) Counts {
	c := Counts{TagCounts: make(map[uint]int, len(session.Categories))}
	for i := range session.Categories {
		c.TagCounts[session.Categories[i].ID] = 0
	}
	for _, r := range rows {
		d, tags := contribution(state{label: normalizeLabel(r.LabelState), category: r.CategoryID})
		c.TotalResults += r.Count
		c.LabeledCount += d.Labeled * r.Count
		c.UnlabeledCount += d.Unlabeled * r.Count
		c.NegativeCount += d.Negative * r.Count
		c.UncertainCount += d.Uncertain * r.Count
		c.SkippedCount += d.Skipped * r.Count
		for id := range tags {
			if _, ok := c.TagCounts[id]; ok {
				c.TagCounts[id] += r.Count
			}
		}
	}
	return c
}

func normalizeLabel(label string) string {
	if label == "" {
		return entities.LabelNone
	}
	return label
}

func diff(r *ReconcileReport) {
	pairs := []struct {
		name           string
		stored, actual int
	}{
		{"total_results", r.Stored.TotalResults, r.Actual.TotalResults},
		{"labeled_count", r.Stored.LabeledCount, r.Actual.LabeledCount},
		{"unlabeled_count", r.Stored.UnlabeledCount, r.Actual.UnlabeledCount},
		{"negative_count", r.Stored.NegativeCount, r.Actual.NegativeCount},
		{"uncertain_count", r.Stored.UncertainCount, r.Actual.UncertainCount},
		{"skipped_count", r.Stored.SkippedCount, r.Actual.SkippedCount},
	}
	for _, p := range pairs {
		if p.stored != p.actual {
			r.Drift[p.name] = p.stored - p.actual
		}
	}
	drifted := 0
	for id, actual := range r.Actual.TagCounts {
		drifted += abs(r.Stored.TagCounts[id] - actual)
	}
	if drifted > 0 {
		r.Drift["tag_counts"] = drifted
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
