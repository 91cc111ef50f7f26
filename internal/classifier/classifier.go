// Package classifier implements the lightweight per-category models trained
// from labeled embeddings: logistic regression, linear SVM, a small MLP and a
// random forest. All share one Fit/Score contract selected by model type.
package classifier

import (
	"context"
	"fmt"

	"github.com/tphakala/birdnet-search/internal/errors"
	"github.com/tphakala/birdnet-search/internal/logger"
)

var log = logger.Global().Module("classifier")

// ModelType tags one of the supported model families.
type ModelType string

const (
	LogisticRegression ModelType = "logistic_regression"
	LinearSVM          ModelType = "linear_svm"
	MLP                ModelType = "mlp"
	RandomForest       ModelType = "random_forest"
)

// ModelTypes lists every supported model type.
var ModelTypes = []ModelType{LogisticRegression, LinearSVM, MLP, RandomForest}

// ParseModelType validates a model type name.
func ParseModelType(name string) (ModelType, error) {
	for _, t := range ModelTypes {
		if string(t) == name {
			return t, nil
		}
	}
	return "", errors.ValidationError(fmt.Sprintf("unsupported model type %q", name))
}

// Model is a fitted binary classifier.
type Model interface {
	Type() ModelType
	// Dim is the feature dimension the model was fitted on
	Dim() int
	// Score returns the positive-class probability in [0,1] for each row
	Score(features [][]float64) []float64
}

// Fitter trains a model on train. validation, possibly empty, drives early
// stopping for gradient-trained models.
type Fitter interface {
	Fit(ctx context.Context, train, validation *Dataset) (Model, error)
}

type fitterFactory func(cfg Config) Fitter

var factories = map[ModelType]fitterFactory{
	LogisticRegression: func(cfg Config) Fitter { return &logisticFitter{cfg: cfg.(*LogisticRegressionConfig)} },
	LinearSVM:          func(cfg Config) Fitter { return &svmFitter{cfg: cfg.(*LinearSVMConfig)} },
	MLP:                func(cfg Config) Fitter { return &mlpFitter{cfg: cfg.(*MLPConfig)} },
	RandomForest:       func(cfg Config) Fitter { return &forestFitter{cfg: cfg.(*RandomForestConfig)} },
}

// NewFitter returns the fitter for the configuration's model type.
func NewFitter(cfg Config) (Fitter, error) {
	factory, ok := factories[cfg.ModelType()]
	if !ok {
		return nil, errors.ValidationError(fmt.Sprintf("unsupported model type %q", cfg.ModelType()))
	}
	return factory(cfg), nil
}
