package inference

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tphakala/birdnet-search/internal/classifier"
	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/datastore/repository"
	"github.com/tphakala/birdnet-search/internal/embedding"
	"github.com/tphakala/birdnet-search/internal/errors"
	"github.com/tphakala/birdnet-search/internal/jobs"
	"github.com/tphakala/birdnet-search/internal/logger"
)

// run processes the batch chunk by chunk from the first unprocessed item.
// Runner shutdown leaves the batch running so the next process resumes it.
func (e *Executor) run(ctx context.Context, h *jobs.Handle, batchID uint) error {
	batch, err := e.repo.GetBatchWithScope(ctx, batchID)
	if err != nil {
		return dbError(err, "load_batch")
	}
	if batch.IsTerminal() {
		return nil
	}

	var scope []string
	if err := json.Unmarshal([]byte(batch.ScopeJSON), &scope); err != nil {
		return e.fail(ctx, batch, errors.ComputeError(err, "inference"))
	}
	row, err := e.repo.GetModel(ctx, batch.ModelID)
	if err != nil {
		return e.fail(ctx, batch, notFound(err, "classifier", batch.ModelID))
	}
	model, err := classifier.UnmarshalModel(row.Artifact)
	if err != nil {
		return e.fail(ctx, batch, errors.ComputeError(err, "inference"))
	}

	updates := map[string]any{"status": entities.JobRunning}
	if batch.StartedAt == nil {
		updates["started_at"] = e.now().UTC()
	}
	if err := e.repo.UpdateBatch(ctx, batchID, updates); err != nil {
		return e.fail(ctx, batch, dbError(err, "start_batch"))
	}
	e.metrics.RecordBatch(entities.JobRunning)

	lg := log.With(logger.Int("batch_id", int(batchID)))
	for offset := min(batch.ProcessedItems, len(scope)); offset < len(scope); offset += batch.BatchSize {
		if err := ctx.Err(); err != nil {
			lg.Info("inference interrupted", logger.Int("processed", offset))
			return errors.New(err).Component("inference").Category(errors.CategoryCancellation).Build()
		}
		cancelled, err := e.cancelRequested(ctx, h, batchID)
		if err != nil {
			return e.fail(ctx, batch, err)
		}
		if cancelled {
			return e.finishCancelled(ctx, batchID, offset)
		}

		chunk := scope[offset:min(offset+batch.BatchSize, len(scope))]
		if err := e.processChunk(ctx, batch, model, chunk); err != nil {
			if ctx.Err() != nil {
				return errors.New(err).Component("inference").Category(errors.CategoryCancellation).Build()
			}
			return e.fail(ctx, batch, err)
		}
	}

	ok, err := e.repo.FinishBatch(ctx, batchID, entities.JobCompleted, "")
	if err != nil {
		return e.fail(ctx, batch, dbError(err, "finish_batch"))
	}
	if ok {
		e.metrics.RecordBatch(entities.JobCompleted)
		lg.Info("inference completed", logger.Int("clips", len(scope)))
	}
	return nil
}

// processChunk scores one chunk in parallel and stores its predictions and
// counters in one transaction.
func (e *Executor) processChunk(ctx context.Context, batch *entities.InferenceBatch, model classifier.Model, chunk []string) error {
	start := time.Now()
	vectors, _, err := e.index.Vectors(ctx, chunk)
	if err != nil {
		return err
	}

	dim := model.Dim()
	ids := make([]string, 0, len(chunk))
	features := make([][]float64, 0, len(chunk))
	for _, id := range chunk {
		v, ok := vectors[id]
		if !ok || len(v) != dim {
			continue
		}
		ids = append(ids, id)
		features = append(features, embedding.ToFloat64(v))
	}

	scores := make([]float64, len(features))
	g, gctx := errgroup.WithContext(ctx)
	step := max(1, (len(features)+e.workers-1)/e.workers)
	for lo := 0; lo < len(features); lo += step {
		hi := min(lo+step, len(features))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			copy(scores[lo:hi], model.Score(features[lo:hi]))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	res := repository.ChunkResult{Processed: len(chunk), Missing: len(chunk) - len(ids)}
	preds := make([]entities.InferencePrediction, len(ids))
	for i, id := range ids {
		positive := scores[i] >= batch.ConfidenceThreshold
		preds[i] = entities.InferencePrediction{
			BatchID:           batch.ID,
			ClipID:            id,
			CategoryID:        batch.CategoryID,
			Confidence:        scores[i],
			PredictedPositive: positive,
			ReviewStatus:      entities.ReviewUnreviewed,
		}
		if positive {
			res.Positive++
		} else {
			res.Negative++
		}
		res.ConfidenceSum += scores[i]
	}

	err = e.repo.Transaction(ctx, func(tx *repository.Store) error {
		return tx.WriteChunk(ctx, batch.ID, preds, res)
	})
	if err != nil {
		return dbError(err, "write_chunk")
	}
	e.metrics.RecordChunk(time.Since(start).Seconds(), res.Positive, res.Negative)
	return nil
}

// cancelRequested checks the in-process flag and the persisted one.
func (e *Executor) cancelRequested(ctx context.Context, h *jobs.Handle, batchID uint) (bool, error) {
	if h != nil && h.CancelRequested() {
		return true, nil
	}
	b, err := e.repo.GetBatch(ctx, batchID)
	if err != nil {
		return false, dbError(err, "load_batch")
	}
	return b.CancelRequested, nil
}

func (e *Executor) finishCancelled(ctx context.Context, batchID uint, processed int) error {
	if _, err := e.repo.FinishBatch(context.WithoutCancel(ctx), batchID, entities.JobCancelled, "cancelled"); err != nil {
		return dbError(err, "cancel_batch")
	}
	e.metrics.RecordBatch(entities.JobCancelled)
	log.Info("inference cancelled", logger.Int("batch_id", int(batchID)), logger.Int("processed", processed))
	return errors.CancelledError("inference batch cancelled")
}

// fail marks the batch failed. Written predictions are kept.
func (e *Executor) fail(ctx context.Context, batch *entities.InferenceBatch, cause error) error {
	if _, err := e.repo.FinishBatch(context.WithoutCancel(ctx), batch.ID, entities.JobFailed, cause.Error()); err != nil {
		log.Error("failed to record batch failure", logger.Int("batch_id", int(batch.ID)), logger.Error(err))
	}
	e.metrics.RecordBatch(entities.JobFailed)
	return cause
}
