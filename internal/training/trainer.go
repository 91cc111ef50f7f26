// Package training fits per-category classifiers from session labels or
// annotation exports in the background and manages the deploy and archive
// lifecycle of model versions.
package training

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/tphakala/birdnet-search/internal/classifier"
	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/datastore/repository"
	"github.com/tphakala/birdnet-search/internal/embedding"
	"github.com/tphakala/birdnet-search/internal/errors"
	"github.com/tphakala/birdnet-search/internal/jobs"
	"github.com/tphakala/birdnet-search/internal/logger"
	"github.com/tphakala/birdnet-search/internal/observability/metrics"
)

var log = logger.Global().Module("training")

// Options configures a Trainer.
type Options struct {
	MinSamples       int    // labeled samples required before training, 0 uses 10
	DefaultModelType string // used when a request names no model type
	Metrics          *metrics.TrainingMetrics
}

// Trainer schedules training jobs and applies lifecycle transitions.
type Trainer struct {
	repo        *repository.Store
	index       *embedding.Index
	runner      *jobs.Runner
	minSamples  int
	defaultType classifier.ModelType
	metrics     *metrics.TrainingMetrics
	now         func() time.Time
}

// New creates a Trainer.
func New(repo *repository.Store, index *embedding.Index, runner *jobs.Runner, opts Options) *Trainer {
	t := &Trainer{
		repo:        repo,
		index:       index,
		runner:      runner,
		minSamples:  opts.MinSamples,
		defaultType: classifier.LogisticRegression,
		metrics:     opts.Metrics,
		now:         time.Now,
	}
	if t.minSamples <= 0 {
		t.minSamples = 10
	}
	if mt, err := classifier.ParseModelType(opts.DefaultModelType); err == nil {
		t.defaultType = mt
	}
	return t
}

// TrainRequest starts training of a new model version for a category.
type TrainRequest struct {
	CategoryID     uint             `json:"category_id" validate:"required"`
	ModelType      string           `json:"model_type,omitempty" validate:"omitempty,oneof=logistic_regression linear_svm mlp random_forest"`
	Source         string           `json:"training_source,omitempty" validate:"omitempty,oneof=session annotations"`
	Items          []AnnotationItem `json:"items,omitempty" validate:"omitempty,max=100000,dive"`
	TrainingConfig json.RawMessage  `json:"training_config,omitempty"`
}

func trainingKey(categoryID uint) jobs.Key {
	return jobs.Key{Kind: jobs.KindTraining, Target: strconv.FormatUint(uint64(categoryID), 10)}
}

// Start validates the request, builds the training set and schedules the fit.
// Every validation failure is returned before a model row or job exists.
func (t *Trainer) Start(ctx context.Context, req *TrainRequest) (*ModelView, error) {
	modelType := t.defaultType
	if req.ModelType != "" {
		mt, err := classifier.ParseModelType(req.ModelType)
		if err != nil {
			return nil, err
		}
		modelType = mt
	}
	cfg, err := classifier.ParseConfig(modelType, req.TrainingConfig)
	if err != nil {
		return nil, err
	}
	cfgJSON, err := classifier.MarshalConfig(cfg)
	if err != nil {
		return nil, errors.New(err).Component("training").Category(errors.CategoryValidation).Build()
	}

	category, err := t.repo.GetCategoryByID(ctx, req.CategoryID)
	if err != nil {
		return nil, notFound(err, "category", req.CategoryID)
	}

	source := req.Source
	if source == "" {
		source = entities.TrainingSourceSession
		if len(req.Items) > 0 {
			source = entities.TrainingSourceAnnotations
		}
	}
	var set *built
	var itemsJSON string
	switch source {
	case entities.TrainingSourceSession:
		if len(req.Items) > 0 {
			return nil, errors.ValidationError("items are only accepted with the annotations training source")
		}
		set, err = t.fromLedger(ctx, category.SessionID, category.ID)
	case entities.TrainingSourceAnnotations:
		set, err = t.fromAnnotations(ctx, req.Items)
		if err == nil {
			raw, _ := json.Marshal(req.Items)
			itemsJSON = string(raw)
		}
	default:
		return nil, errors.ValidationError("training_source must be session or annotations")
	}
	if err != nil {
		return nil, err
	}
	if err := classifier.CheckTrainable(set.data, t.minSamples); err != nil {
		return nil, err
	}

	h, err := t.runner.Reserve(trainingKey(category.ID))
	if err != nil {
		return nil, err
	}
	sessionID := category.SessionID
	model := &entities.ClassifierModel{
		SessionID:      &sessionID,
		CategoryID:     category.ID,
		CategoryName:   category.Name,
		ModelType:      string(modelType),
		TrainingSource: source,
		TrainingConfig: cfgJSON,
		TrainingItems:  itemsJSON,
		Status:         entities.ModelDraft,
		FeatureDim:     set.data.Dim(),
	}
	err = t.repo.Transaction(ctx, func(tx *repository.Store) error {
		busy, err := tx.HasUnfinishedTraining(ctx, category.ID)
		if err != nil {
			return err
		}
		if busy {
			return errors.ConflictError("a training is already in progress for this category")
		}
		version, err := tx.NextModelVersion(ctx, category.ID)
		if err != nil {
			return err
		}
		model.Version = version
		return tx.CreateModel(ctx, model)
	})
	if err != nil {
		h.Release()
		return nil, dbError(err, "create_model")
	}

	view := modelView(model)
	h.Go(func(ctx context.Context, _ *jobs.Handle) error {
		return t.run(ctx, model.ID, cfg, set)
	})
	log.Info("training scheduled",
		logger.Int("model_id", int(model.ID)),
		logger.Int("category_id", int(category.ID)),
		logger.Int("version", model.Version),
		logger.String("model_type", string(modelType)),
		logger.String("source", source),
		logger.Int("samples", set.data.Len()),
		logger.Int("skipped_clips", set.missing))
	return view, nil
}

// run fits the model and records the outcome on the model row.
func (t *Trainer) run(ctx context.Context, modelID uint, cfg classifier.Config, set *built) error {
	modelType := string(cfg.ModelType())
	ok, err := t.repo.TransitionModel(ctx, modelID, entities.ModelDraft, map[string]any{
		"status": entities.ModelTraining,
	})
	if err != nil {
		return t.fail(ctx, modelID, modelType, set, dbError(err, "start_training"))
	}
	if !ok {
		return errors.ConflictError("model left draft before training started")
	}
	t.metrics.RecordTransition(entities.ModelTraining)

	res, err := classifier.Train(ctx, cfg, set.data)
	if err != nil {
		return t.fail(ctx, modelID, modelType, set, err)
	}
	blob, err := classifier.MarshalModel(res.Model)
	if err != nil {
		return t.fail(ctx, modelID, modelType, set, err)
	}
	metricsJSON, err := json.Marshal(res.Metrics)
	if err != nil {
		return t.fail(ctx, modelID, modelType, set, err)
	}

	now := t.now().UTC()
	ok, err = t.repo.TransitionModel(ctx, modelID, entities.ModelTraining, map[string]any{
		"status":      entities.ModelTrained,
		"artifact":    blob,
		"metrics":     string(metricsJSON),
		"feature_dim": res.Model.Dim(),
		"trained_at":  now,
	})
	if err != nil {
		return t.fail(ctx, modelID, modelType, set, dbError(err, "store_model"))
	}
	if !ok {
		return errors.ConflictError("model left training before it was stored")
	}
	t.metrics.RecordTransition(entities.ModelTrained)
	t.metrics.RecordTraining(modelType, metrics.StatusSuccess, res.Duration.Seconds(), set.data.Len(), res.Metrics.F1)
	log.Info("model trained",
		logger.Int("model_id", int(modelID)),
		logger.String("model_type", modelType),
		logger.Float64("f1", res.Metrics.F1),
		logger.Float64("accuracy", res.Metrics.Accuracy),
		logger.Duration("elapsed", res.Duration))
	return nil
}

// fail marks the model failed. Failed trainings are not retried.
func (t *Trainer) fail(ctx context.Context, modelID uint, modelType string, set *built, cause error) error {
	if _, err := t.repo.TransitionModel(context.WithoutCancel(ctx), modelID, entities.ModelTraining, map[string]any{
		"status":        entities.ModelFailed,
		"error_message": cause.Error(),
	}); err != nil {
		log.Error("failed to record training failure", logger.Int("model_id", int(modelID)), logger.Error(err))
	}
	// a failure before the draft transition leaves the row in draft
	if _, err := t.repo.TransitionModel(context.WithoutCancel(ctx), modelID, entities.ModelDraft, map[string]any{
		"status":        entities.ModelFailed,
		"error_message": cause.Error(),
	}); err != nil {
		log.Error("failed to record training failure", logger.Int("model_id", int(modelID)), logger.Error(err))
	}
	t.metrics.RecordTransition(entities.ModelFailed)
	t.metrics.RecordTraining(modelType, metrics.StatusFor(cause), 0, set.data.Len(), 0)
	return cause
}

// Wait blocks until the training job of a category finished.
func (t *Trainer) Wait(ctx context.Context, categoryID uint) error {
	return t.runner.WaitKey(ctx, trainingKey(categoryID))
}

// Recover fails trainings left unfinished by a previous process.
func (t *Trainer) Recover(ctx context.Context) (int64, error) {
	n, err := t.repo.FailUnfinishedModels(ctx, "interrupted by restart")
	if err != nil {
		return 0, dbError(err, "recover_models")
	}
	if n > 0 {
		log.Warn("marked interrupted trainings failed", logger.Int64("count", n))
	}
	return n, nil
}

func notFound(err error, entity string, id any) error {
	if errors.Is(err, repository.ErrModelNotFound) || errors.Is(err, repository.ErrCategoryNotFound) {
		return errors.NotFoundError(entity, id)
	}
	return dbError(err, "load_"+entity)
}

func dbError(err error, operation string) error {
	if errors.CategoryOf(err) != errors.CategoryGeneric {
		return err
	}
	return errors.New(err).
		Component("training").
		Category(errors.CategoryDatabase).
		Context("operation", operation).
		Build()
}
