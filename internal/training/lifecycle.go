package training

import (
	"context"
	"fmt"
	"slices"

	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/datastore/repository"
	"github.com/tphakala/birdnet-search/internal/errors"
	"github.com/tphakala/birdnet-search/internal/logger"
)

var modelStatuses = []string{
	entities.ModelDraft, entities.ModelTraining, entities.ModelTrained,
	entities.ModelFailed, entities.ModelDeployed, entities.ModelArchived,
}

// Deploy makes a trained model the active version of its category. Any other
// active version is deactivated in the same transaction. Deploying the active
// model again is a no-op.
func (t *Trainer) Deploy(ctx context.Context, id uint) (*ModelView, error) {
	var out *entities.ClassifierModel
	var replaced int64
	err := t.repo.Transaction(ctx, func(tx *repository.Store) error {
		m, err := tx.LockModel(ctx, id)
		if err != nil {
			return err
		}
		switch m.Status {
		case entities.ModelTrained, entities.ModelDeployed:
		case entities.ModelArchived:
			return errors.ConflictError("archived models cannot be deployed")
		default:
			return errors.ConflictError(fmt.Sprintf("a %s model cannot be deployed", m.Status))
		}
		if m.IsActive {
			out = m
			return nil
		}
		if _, err := tx.LockActiveModels(ctx, m.CategoryID); err != nil {
			return err
		}
		if replaced, err = tx.DeactivateModels(ctx, m.CategoryID, m.ID); err != nil {
			return err
		}
		now := t.now().UTC()
		if err := tx.UpdateModel(ctx, m.ID, map[string]any{
			"status":      entities.ModelDeployed,
			"is_active":   true,
			"deployed_at": now,
		}); err != nil {
			return err
		}
		m.Status, m.IsActive, m.DeployedAt = entities.ModelDeployed, true, &now
		out = m
		return nil
	})
	if err != nil {
		return nil, t.lifecycleError(err, id, "deploy")
	}
	t.metrics.RecordTransition(entities.ModelDeployed)
	log.Info("model deployed",
		logger.Int("model_id", int(id)),
		logger.Int("category_id", int(out.CategoryID)),
		logger.Int("version", out.Version),
		logger.Int64("deactivated", replaced))
	return modelView(out), nil
}

// Archive retires a model. Archived models are never deployed again.
func (t *Trainer) Archive(ctx context.Context, id uint) (*ModelView, error) {
	var out *entities.ClassifierModel
	err := t.repo.Transaction(ctx, func(tx *repository.Store) error {
		m, err := tx.LockModel(ctx, id)
		if err != nil {
			return err
		}
		switch m.Status {
		case entities.ModelArchived:
			return errors.ConflictError("model is already archived")
		case entities.ModelDraft, entities.ModelTraining:
			return errors.ConflictError("a model in training cannot be archived")
		}
		now := t.now().UTC()
		if err := tx.UpdateModel(ctx, m.ID, map[string]any{
			"status":      entities.ModelArchived,
			"is_active":   false,
			"archived_at": now,
		}); err != nil {
			return err
		}
		m.Status, m.IsActive, m.ArchivedAt = entities.ModelArchived, false, &now
		out = m
		return nil
	})
	if err != nil {
		return nil, t.lifecycleError(err, id, "archive")
	}
	t.metrics.RecordTransition(entities.ModelArchived)
	log.Info("model archived", logger.Int("model_id", int(id)), logger.Int("version", out.Version))
	return modelView(out), nil
}

func (t *Trainer) lifecycleError(err error, id uint, operation string) error {
	if errors.Is(err, repository.ErrModelNotFound) {
		return errors.NotFoundError("classifier", id)
	}
	return dbError(err, operation)
}

// Get returns a model without its artifact.
func (t *Trainer) Get(ctx context.Context, id uint) (*ModelView, error) {
	m, err := t.repo.GetModel(ctx, id)
	if err != nil {
		return nil, notFound(err, "classifier", id)
	}
	return modelView(m), nil
}

// ListQuery filters model listings.
type ListQuery struct {
	SessionID  string `query:"session_id"`
	CategoryID *uint  `query:"category_id"`
	Status     string `query:"status"`
	Limit      int    `query:"limit"`
	Offset     int    `query:"offset"`
}

// ModelPage is one page of models.
type ModelPage struct {
	Items []*ModelView `json:"items"`
	Total int64        `json:"total"`
}

// List returns models newest first.
func (t *Trainer) List(ctx context.Context, q ListQuery) (*ModelPage, error) {
	if q.Status != "" && !slices.Contains(modelStatuses, q.Status) {
		return nil, errors.ValidationError("unknown model status " + q.Status)
	}
	if q.Limit < 0 || q.Offset < 0 {
		return nil, errors.ValidationError("limit and offset must not be negative")
	}
	limit := q.Limit
	if limit == 0 {
		limit = 50
	}
	limit = min(limit, 200)
	rows, total, err := t.repo.ListModels(ctx, repository.ModelFilter{
		SessionID:  q.SessionID,
		CategoryID: q.CategoryID,
		Status:     q.Status,
	}, repository.Page{Limit: limit, Offset: q.Offset})
	if err != nil {
		return nil, dbError(err, "list_models")
	}
	page := &ModelPage{Items: make([]*ModelView, len(rows)), Total: total}
	for i := range rows {
		page.Items[i] = modelView(&rows[i])
	}
	return page, nil
}
