// Package inference applies deployed classifiers to clip populations in
// cancellable chunked batches and provides the review workflow over the
// resulting predictions.
package inference

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"runtime"
	"slices"
	"strings"
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

var log = logger.Global().Module("inference")

const maxExplicitClips = 100000

// Options configures an Executor.
type Options struct {
	DefaultBatchSize    int     // 0 uses 256
	MaxBatchSize        int     // 0 uses 10000
	ConfidenceThreshold float64 // default decision threshold
	MaxBulk             int     // bulk review limit, 0 uses 500
	Workers             int     // scoring goroutines per chunk, 0 uses GOMAXPROCS
	Metrics             *metrics.InferenceMetrics
}

// Executor runs inference batches and reviews.
type Executor struct {
	repo      *repository.Store
	index     *embedding.Index
	runner    *jobs.Runner
	batchSize int
	maxBatch  int
	threshold float64
	maxBulk   int
	workers   int
	metrics   *metrics.InferenceMetrics
	now       func() time.Time
}

// New creates an Executor.
func New(repo *repository.Store, index *embedding.Index, runner *jobs.Runner, opts Options) *Executor {
	e := &Executor{
		repo:      repo,
		index:     index,
		runner:    runner,
		batchSize: opts.DefaultBatchSize,
		maxBatch:  opts.MaxBatchSize,
		threshold: opts.ConfidenceThreshold,
		maxBulk:   opts.MaxBulk,
		workers:   opts.Workers,
		metrics:   opts.Metrics,
		now:       time.Now,
	}
	if e.batchSize <= 0 {
		e.batchSize = 256
	}
	if e.maxBatch <= 0 {
		e.maxBatch = 10000
	}
	if e.threshold <= 0 || e.threshold > 1 {
		e.threshold = 0.5
	}
	if e.maxBulk <= 0 {
		e.maxBulk = 500
	}
	if e.workers <= 0 {
		e.workers = runtime.GOMAXPROCS(0)
	}
	return e
}

// StartRequest starts a batch. The scope is either explicit clip ids or every
// clip of a dataset, optionally without clips already labeled in the session.
type StartRequest struct {
	ModelID               uint     `json:"model_id" validate:"required"`
	ClipIDs               []string `json:"clip_ids,omitempty" validate:"omitempty,max=100000,dive,required,max=64"`
	IncludeAllClips       bool     `json:"include_all_clips,omitempty"`
	DatasetID             string   `json:"dataset_id,omitempty" validate:"max=64"`
	SessionID             string   `json:"session_id,omitempty" validate:"max=36"`
	ExcludeAlreadyLabeled bool     `json:"exclude_already_labeled,omitempty"`
	ConfidenceThreshold   *float64 `json:"confidence_threshold,omitempty" validate:"omitempty,gte=0,lte=1"`
	BatchSize             int      `json:"batch_size,omitempty" validate:"gte=0"`
}

func batchKey(modelID uint, fingerprint string) jobs.Key {
	return jobs.Key{Kind: jobs.KindInference, Target: fmt.Sprintf("%d:%s", modelID, fingerprint)}
}

// Start validates the request, resolves the scope and schedules the batch.
func (e *Executor) Start(ctx context.Context, req *StartRequest) (*BatchView, error) {
	threshold := e.threshold
	if req.ConfidenceThreshold != nil {
		threshold = *req.ConfidenceThreshold
		if threshold < 0 || threshold > 1 {
			return nil, errors.ValidationError("confidence_threshold must be within [0, 1]")
		}
	}
	batchSize := e.batchSize
	if req.BatchSize != 0 {
		batchSize = req.BatchSize
	}
	if batchSize < 1 || batchSize > e.maxBatch {
		return nil, errors.ValidationError(fmt.Sprintf("batch_size must be between 1 and %d", e.maxBatch))
	}

	model, err := e.repo.GetModel(ctx, req.ModelID)
	if err != nil {
		return nil, notFound(err, "classifier", req.ModelID)
	}
	if model.Status != entities.ModelDeployed || !model.IsActive {
		return nil, errors.ConflictError("inference needs the deployed active model of the category")
	}
	if _, err := classifier.UnmarshalModel(model.Artifact); err != nil {
		return nil, errors.ComputeError(err, "inference")
	}

	sessionID := req.SessionID
	if sessionID == "" && model.SessionID != nil {
		sessionID = *model.SessionID
	}
	scope, datasetID, err := e.resolveScope(ctx, req, sessionID)
	if err != nil {
		return nil, err
	}
	fingerprint := scopeFingerprint(scope)
	scopeJSON, err := json.Marshal(scope)
	if err != nil {
		return nil, errors.New(err).Component("inference").Category(errors.CategoryValidation).Build()
	}

	h, err := e.runner.Reserve(batchKey(model.ID, fingerprint))
	if err != nil {
		return nil, err
	}
	batch := &entities.InferenceBatch{
		ModelID:               model.ID,
		CategoryID:            model.CategoryID,
		DatasetID:             datasetID,
		ScopeFingerprint:      fingerprint,
		ScopeJSON:             string(scopeJSON),
		IncludeAllClips:       req.IncludeAllClips,
		ExcludeAlreadyLabeled: req.ExcludeAlreadyLabeled,
		ConfidenceThreshold:   threshold,
		BatchSize:             batchSize,
		Status:                entities.JobPending,
		TotalItems:            len(scope),
	}
	if sessionID != "" {
		batch.SessionID = &sessionID
	}
	err = e.repo.Transaction(ctx, func(tx *repository.Store) error {
		if _, err := tx.FindUnfinishedBatch(ctx, model.ID, fingerprint); err == nil {
			return errors.ConflictError("a batch for this model and scope is already running")
		} else if !errors.Is(err, repository.ErrBatchNotFound) {
			return err
		}
		return tx.CreateBatch(ctx, batch)
	})
	if err != nil {
		h.Release()
		return nil, dbError(err, "create_batch")
	}

	h.Go(func(ctx context.Context, h *jobs.Handle) error {
		return e.run(ctx, h, batch.ID)
	})
	e.metrics.RecordBatch(entities.JobPending)
	log.Info("inference scheduled",
		logger.Int("batch_id", int(batch.ID)),
		logger.Int("model_id", int(model.ID)),
		logger.Int("clips", len(scope)),
		logger.Int("batch_size", batchSize),
		logger.Float64("threshold", threshold))
	return batchView(batch), nil
}

// resolveScope returns the sorted unique clip ids the batch covers.
func (e *Executor) resolveScope(ctx context.Context, req *StartRequest, sessionID string) ([]string, string, error) {
	var (
		ids       []string
		datasetID = req.DatasetID
	)
	switch {
	case req.IncludeAllClips && len(req.ClipIDs) > 0:
		return nil, "", errors.ValidationError("use either clip_ids or include_all_clips")
	case len(req.ClipIDs) > 0:
		if len(req.ClipIDs) > maxExplicitClips {
			return nil, "", errors.ValidationError(fmt.Sprintf("at most %d clip ids per batch", maxExplicitClips))
		}
		for _, id := range req.ClipIDs {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		slices.Sort(ids)
		ids = slices.Compact(ids)
	case req.IncludeAllClips:
		if datasetID == "" && sessionID != "" {
			session, err := e.repo.GetSession(ctx, sessionID)
			if err != nil {
				return nil, "", notFound(err, "session", sessionID)
			}
			datasetID = session.DatasetID
		}
		var err error
		ids, err = e.index.ScopeClipIDs(ctx, embedding.Scope{DatasetID: datasetID})
		if err != nil {
			return nil, "", err
		}
	default:
		return nil, "", errors.ValidationError("clip_ids or include_all_clips is required")
	}

	if req.ExcludeAlreadyLabeled {
		if sessionID == "" {
			return nil, "", errors.ValidationError("exclude_already_labeled needs a session")
		}
		labeled, err := e.labeledClips(ctx, sessionID)
		if err != nil {
			return nil, "", err
		}
		ids = slices.DeleteFunc(ids, func(id string) bool {
			_, skip := labeled[id]
			return skip
		})
	}
	if len(ids) == 0 {
		return nil, "", errors.ValidationError("scope resolves to no clips")
	}
	return ids, datasetID, nil
}

func (e *Executor) labeledClips(ctx context.Context, sessionID string) (map[string]struct{}, error) {
	rows, err := e.repo.ListSessionCandidates(ctx, sessionID)
	if err != nil {
		return nil, dbError(err, "session_candidates")
	}
	out := make(map[string]struct{}, len(rows))
	for i := range rows {
		if rows[i].IsLabeled() {
			out[rows[i].ClipID] = struct{}{}
		}
	}
	return out, nil
}

func scopeFingerprint(ids []string) string {
	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a batch with its counters.
func (e *Executor) Get(ctx context.Context, id uint) (*BatchView, error) {
	b, err := e.repo.GetBatch(ctx, id)
	if err != nil {
		return nil, notFound(err, "inference batch", id)
	}
	return batchView(b), nil
}

// Cancel requests cooperative cancellation. The running job stops before its
// next chunk; predictions already written are kept.
func (e *Executor) Cancel(ctx context.Context, id uint) (*BatchView, error) {
	b, err := e.repo.GetBatch(ctx, id)
	if err != nil {
		return nil, notFound(err, "inference batch", id)
	}
	if b.IsTerminal() {
		return nil, errors.ConflictError("batch is already " + b.Status)
	}
	if _, err := e.repo.RequestBatchCancel(ctx, id); err != nil {
		return nil, dbError(err, "cancel_batch")
	}
	if !e.runner.Cancel(batchKey(b.ModelID, b.ScopeFingerprint)) {
		// no job picked the batch up, finish it here
		if ok, err := e.repo.FinishBatch(ctx, id, entities.JobCancelled, "cancelled before start"); err != nil {
			return nil, dbError(err, "cancel_batch")
		} else if ok {
			e.metrics.RecordBatch(entities.JobCancelled)
		}
	}
	log.Info("inference cancel requested", logger.Int("batch_id", int(id)))
	return e.Get(ctx, id)
}

// Wait blocks until the job of a batch finished.
func (e *Executor) Wait(ctx context.Context, id uint) error {
	b, err := e.repo.GetBatch(ctx, id)
	if err != nil {
		return notFound(err, "inference batch", id)
	}
	return e.runner.WaitKey(ctx, batchKey(b.ModelID, b.ScopeFingerprint))
}

// Recover restarts batches left unfinished by a previous process. Running
// batches resume after their last written chunk; pending ones start.
func (e *Executor) Recover(ctx context.Context) (int, error) {
	rows, err := e.repo.ListUnfinishedBatches(ctx)
	if err != nil {
		return 0, dbError(err, "recover_batches")
	}
	started := 0
	for i := range rows {
		b := rows[i]
		h, err := e.runner.Reserve(batchKey(b.ModelID, b.ScopeFingerprint))
		if err != nil {
			log.Warn("could not resume batch", logger.Int("batch_id", int(b.ID)), logger.Error(err))
			continue
		}
		h.Go(func(ctx context.Context, h *jobs.Handle) error {
			return e.run(ctx, h, b.ID)
		})
		started++
		log.Info("resuming inference batch",
			logger.Int("batch_id", int(b.ID)),
			logger.String("status", b.Status),
			logger.Int("processed", b.ProcessedItems),
			logger.Int("total", b.TotalItems))
	}
	return started, nil
}

func notFound(err error, entity string, id any) error {
	switch {
	case errors.Is(err, repository.ErrModelNotFound),
		errors.Is(err, repository.ErrBatchNotFound),
		errors.Is(err, repository.ErrPredictionNotFound),
		errors.Is(err, repository.ErrSessionNotFound):
		return errors.NotFoundError(entity, id)
	}
	return dbError(err, "load_"+strings.ReplaceAll(entity, " ", "_"))
}

func dbError(err error, operation string) error {
	if errors.CategoryOf(err) != errors.CategoryGeneric {
		return err
	}
	return errors.New(err).
		Component("inference").
		Category(errors.CategoryDatabase).
		Context("operation", operation).
		Build()
}
