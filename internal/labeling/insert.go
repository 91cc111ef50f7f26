package labeling

import (
	"context"

	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/datastore/repository"
)

// Insert adds new unlabeled candidates to a session inside tx and grows the
// total and unlabeled counters by the same amount.
func Insert(ctx context.Context, tx *repository.Store, sessionID string, candidates []entities.Candidate) error {
	if len(candidates) == 0 {
		return nil
	}
	for i := range candidates {
		candidates[i].SessionID = sessionID
		candidates[i].LabelState = entities.LabelNone
		candidates[i].CategoryID = nil
		candidates[i].Version = 1
	}
	if err := tx.CreateCandidates(ctx, candidates); err != nil {
		return err
	}
	n := len(candidates)
	return tx.ApplySessionDelta(ctx, sessionID, repository.CounterDelta{Total: n, Unlabeled: n})
}
