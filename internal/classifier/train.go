package classifier

import (
	"context"
	"fmt"
	"time"

	"github.com/tphakala/birdnet-search/internal/errors"
	"github.com/tphakala/birdnet-search/internal/logger"
)

// DefaultThreshold is the decision threshold used for evaluation metrics.
const DefaultThreshold = 0.5

// TrainResult is a fitted model with its evaluation.
type TrainResult struct {
	Model    Model
	Metrics  Metrics
	Duration time.Duration
}

// CheckTrainable verifies data can train a model: both classes present and at
// least minSamples rows. It runs before any background work is scheduled.
func CheckTrainable(data *Dataset, minSamples int) error {
	if data.Len() < minSamples {
		return errors.New(fmt.Errorf("need at least %d labeled samples, have %d", minSamples, data.Len())).
			Component("classifier").
			Category(errors.CategoryValidation).
			Context("samples", data.Len()).
			Context("min_samples", minSamples).
			Build()
	}
	if data.Classes() < 2 {
		return errors.New(fmt.Errorf("training needs positive and negative samples, have %d positive of %d",
			data.Positives(), data.Len())).
			Component("classifier").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

// Train splits data, fits a model for cfg and evaluates it on the held-out
// split, or on the training split when nothing could be held out.
func Train(ctx context.Context, cfg Config, data *Dataset) (*TrainResult, error) {
	if err := CheckTrainable(data, 2); err != nil {
		return nil, err
	}
	fitter, err := NewFitter(cfg)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	common := cfg.common()
	if common.ClassWeightBalanced {
		data.BalanceWeights()
	}
	train, validation := data.StratifiedSplit(common.ValidationSplit, common.Seed)

	model, err := fitter.Fit(ctx, train, validation)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.New(err).
				Component("classifier").
				Category(errors.CategoryCancellation).
				Build()
		}
		return nil, errors.New(err).
			Component("classifier").
			Category(errors.CategoryTraining).
			Context("model_type", string(cfg.ModelType())).
			Build()
	}

	eval, evaluatedOn := validation, "validation"
	if validation.Len() == 0 || validation.Classes() < 2 {
		eval, evaluatedOn = train, "train"
	}
	metrics := Evaluate(model.Score(eval.X), eval.Y, DefaultThreshold)
	metrics.EvaluatedOn = evaluatedOn
	metrics.Samples = SampleCounts{
		Train:              train.Len(),
		TrainPositive:      train.Positives(),
		TrainNegative:      train.Len() - train.Positives(),
		Validation:         validation.Len(),
		ValidationPositive: validation.Positives(),
		ValidationNegative: validation.Len() - validation.Positives(),
	}

	elapsed := time.Since(start)
	log.Info("model fitted",
		logger.String("model_type", string(cfg.ModelType())),
		logger.Int("train_samples", train.Len()),
		logger.Int("validation_samples", validation.Len()),
		logger.String("evaluated_on", evaluatedOn),
		logger.Float64("f1", metrics.F1),
		logger.Duration("elapsed", elapsed))

	return &TrainResult{Model: model, Metrics: metrics, Duration: elapsed}, nil
}
