// conf/validate.go

package conf

import (
	"fmt"
	"strconv"
	"strings"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	collect := func(errs []string) {
		ve.Errors = append(ve.Errors, errs...)
	}

	collect(validateWebServerSettings(&settings.WebServer))
	collect(validateDatabaseSettings(&settings.Database))
	collect(validateSearchSettings(&settings.Search))
	collect(validateTrainingSettings(&settings.Training))
	collect(validateInferenceSettings(&settings.Inference))
	collect(validateSentrySettings(&settings.Sentry))

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateWebServerSettings(settings *WebServerSettings) []string {
	var errs []string
	if !settings.Enabled {
		return nil
	}
	if port, err := strconv.Atoi(settings.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("webserver.port must be a valid TCP port, got %q", settings.Port))
	}
	if settings.RateLimit < 0 {
		errs = append(errs, "webserver.ratelimit must not be negative")
	}
	if settings.RateLimit > 0 && settings.RateBurst < 1 {
		errs = append(errs, "webserver.rateburst must be at least 1 when rate limiting is enabled")
	}
	return errs
}

func validateDatabaseSettings(settings *DatabaseSettings) []string {
	var errs []string
	switch settings.Driver {
	case DriverSQLite:
		if settings.SQLite.Path == "" {
			errs = append(errs, "database.sqlite.path is required for the sqlite driver")
		}
	case DriverMySQL:
		if settings.MySQL.Host == "" || settings.MySQL.Database == "" || settings.MySQL.Username == "" {
			errs = append(errs, "database.mysql host, database and username are required for the mysql driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver must be %q or %q, got %q", DriverSQLite, DriverMySQL, settings.Driver))
	}
	return errs
}

func validateSearchSettings(settings *SearchSettings) []string {
	var errs []string
	if settings.EasyPositiveK < 1 {
		errs = append(errs, "search.easypositivek must be at least 1")
	}
	if settings.BoundaryN < 0 || settings.BoundaryM < 0 || settings.OthersP < 0 {
		errs = append(errs, "search.boundaryn, boundarym and othersp must not be negative")
	}
	if settings.Metric != "cosine" && settings.Metric != "euclidean" {
		errs = append(errs, fmt.Sprintf("search.metric must be cosine or euclidean, got %q", settings.Metric))
	}
	if settings.SimilarityThreshold < 0 || settings.SimilarityThreshold > 1 {
		errs = append(errs, "search.similaritythreshold must be within [0, 1]")
	}
	if settings.UncertaintyLow < 0 || settings.UncertaintyHigh > 1 || settings.UncertaintyLow > settings.UncertaintyHigh {
		errs = append(errs, "search uncertainty band must satisfy 0 <= low <= high <= 1")
	}
	if settings.SamplesPerIteration < 1 {
		errs = append(errs, "search.samplesperiteration must be at least 1")
	}
	if settings.MaxBulkIDs < 1 {
		errs = append(errs, "search.maxbulkids must be at least 1")
	}
	if settings.LabelRetries < 1 {
		errs = append(errs, "search.labelretries must be at least 1")
	}
	return errs
}

func validateTrainingSettings(settings *TrainingSettings) []string {
	var errs []string
	if settings.MinSamples < 2 {
		errs = append(errs, "training.minsamples must be at least 2")
	}
	switch settings.DefaultModelType {
	case "logistic_regression", "linear_svm", "mlp", "random_forest":
	default:
		errs = append(errs, fmt.Sprintf("training.defaultmodeltype %q is not a known model type", settings.DefaultModelType))
	}
	return errs
}

func validateInferenceSettings(settings *InferenceSettings) []string {
	var errs []string
	if settings.DefaultBatchSize < 1 || settings.DefaultBatchSize > settings.MaxBatchSize {
		errs = append(errs, "inference.defaultbatchsize must be between 1 and inference.maxbatchsize")
	}
	if settings.ConfidenceThreshold < 0 || settings.ConfidenceThreshold > 1 {
		errs = append(errs, "inference.confidencethreshold must be within [0, 1]")
	}
	return errs
}

func validateSentrySettings(settings *SentrySettings) []string {
	if settings.Enabled && settings.DSN == "" {
		return []string{"sentry.dsn is required when sentry is enabled"}
	}
	return nil
}
