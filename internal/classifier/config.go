package classifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/tphakala/birdnet-search/internal/errors"
)

var configValidate = newConfigValidator()

// newConfigValidator reports field errors under their JSON names.
func newConfigValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Common holds hyperparameters shared by every model type.
type Common struct {
	// ValidationSplit is the held-out fraction; the rest trains the model
	ValidationSplit     float64 `json:"validation_split" validate:"gte=0,lte=0.5"`
	Seed                int64   `json:"seed"`
	ClassWeightBalanced bool    `json:"class_weight_balanced"`
}

// Gradient holds optimizer settings for gradient-trained models.
type Gradient struct {
	LearningRate          float64 `json:"learning_rate" validate:"gt=0,lte=10"`
	BatchSize             int     `json:"batch_size" validate:"gte=1,lte=65536"`
	MaxEpochs             int     `json:"max_epochs" validate:"gte=1,lte=10000"`
	EarlyStoppingPatience int     `json:"early_stopping_patience" validate:"gte=0,lte=1000"` // 0 disables
}

// LogisticRegressionConfig configures L2-regularized logistic regression.
type LogisticRegressionConfig struct {
	Common
	Gradient
	L2 float64 `json:"l2" validate:"gte=0,lte=100"`
}

// LinearSVMConfig configures a soft-margin linear SVM trained on hinge loss.
type LinearSVMConfig struct {
	Common
	Gradient
	C float64 `json:"c" validate:"gt=0,lte=1000"`
}

// MLPConfig configures a small fully connected network.
type MLPConfig struct {
	Common
	Gradient
	HiddenLayers []int   `json:"hidden_layers" validate:"min=1,max=4,dive,gte=1,lte=1024"`
	Dropout      float64 `json:"dropout" validate:"gte=0,lt=1"`
}

// RandomForestConfig configures a bagged ensemble of CART trees.
type RandomForestConfig struct {
	Common
	NumTrees       int `json:"num_trees" validate:"gte=1,lte=500"`
	MaxDepth       int `json:"max_depth" validate:"gte=1,lte=32"`
	MinSamplesLeaf int `json:"min_samples_leaf" validate:"gte=1"`
	MaxFeatures    int `json:"max_features" validate:"gte=0"` // 0 uses sqrt(dim)
}

// Config is a training configuration for exactly one model type. The set of
// implementations is closed.
type Config interface {
	ModelType() ModelType
	common() *Common
}

func (c *LogisticRegressionConfig) ModelType() ModelType { return LogisticRegression }
func (c *LinearSVMConfig) ModelType() ModelType          { return LinearSVM }
func (c *MLPConfig) ModelType() ModelType                { return MLP }
func (c *RandomForestConfig) ModelType() ModelType       { return RandomForest }

func (c *LogisticRegressionConfig) common() *Common { return &c.Common }
func (c *LinearSVMConfig) common() *Common          { return &c.Common }
func (c *MLPConfig) common() *Common                { return &c.Common }
func (c *RandomForestConfig) common() *Common       { return &c.Common }

func defaultCommon() Common {
	return Common{ValidationSplit: 0.2, Seed: 42}
}

func defaultGradient() Gradient {
	return Gradient{LearningRate: 0.05, BatchSize: 32, MaxEpochs: 200, EarlyStoppingPatience: 10}
}

// DefaultConfig returns the default configuration of a model type.
func DefaultConfig(modelType ModelType) (Config, error) {
	switch modelType {
	case LogisticRegression:
		return &LogisticRegressionConfig{Common: defaultCommon(), Gradient: defaultGradient(), L2: 0.001}, nil
	case LinearSVM:
		return &LinearSVMConfig{Common: defaultCommon(), Gradient: defaultGradient(), C: 1}, nil
	case MLP:
		g := defaultGradient()
		g.LearningRate = 0.01
		return &MLPConfig{Common: defaultCommon(), Gradient: g, HiddenLayers: []int{64}, Dropout: 0.1}, nil
	case RandomForest:
		return &RandomForestConfig{Common: defaultCommon(), NumTrees: 50, MaxDepth: 10, MinSamplesLeaf: 1}, nil
	default:
		return nil, errors.ValidationError(fmt.Sprintf("unsupported model type %q", modelType))
	}
}

// ParseConfig decodes raw JSON into the configuration of modelType on top of
// its defaults. Fields that do not belong to the model type are rejected.
func ParseConfig(modelType ModelType, raw []byte) (Config, error) {
	cfg, err := DefaultConfig(modelType)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, errors.New(fmt.Errorf("invalid %s training_config: %w", modelType, err)).
				Component("classifier").
				Category(errors.CategoryValidation).
				Context("model_type", string(modelType)).
				Build()
		}
		if dec.More() {
			return nil, errors.ValidationError("training_config must be a single JSON object")
		}
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateConfig checks hyperparameter ranges.
func ValidateConfig(cfg Config) error {
	if err := configValidate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return errors.New(err).Component("classifier").Category(errors.CategoryValidation).Build()
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s fails %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		}
		return errors.Newf("invalid %s training_config: %s", cfg.ModelType(), strings.Join(msgs, "; ")).
			Component("classifier").
			Category(errors.CategoryValidation).
			Context("model_type", string(cfg.ModelType())).
			Build()
	}
	return nil
}

// MarshalConfig renders a configuration as JSON for storage.
func MarshalConfig(cfg Config) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
