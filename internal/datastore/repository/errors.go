package repository

import "github.com/tphakala/birdnet-search/internal/errors"

// Sentinel errors for repository operations.
// Callers translate these into the user-facing error taxonomy.
var (
	// ErrSessionNotFound indicates the requested session does not exist.
	ErrSessionNotFound = errors.NewStd("session not found")

	// ErrCategoryNotFound indicates the category does not belong to the session.
	ErrCategoryNotFound = errors.NewStd("category not found")

	// ErrCandidateNotFound indicates the requested candidate does not exist.
	ErrCandidateNotFound = errors.NewStd("candidate not found")

	// ErrReferenceNotFound indicates the requested reference example does not exist.
	ErrReferenceNotFound = errors.NewStd("reference example not found")

	// ErrIterationNotFound indicates no run exists for the iteration number.
	ErrIterationNotFound = errors.NewStd("iteration run not found")

	// ErrModelNotFound indicates the requested classifier model does not exist.
	ErrModelNotFound = errors.NewStd("classifier model not found")

	// ErrBatchNotFound indicates the requested inference batch does not exist.
	ErrBatchNotFound = errors.NewStd("inference batch not found")

	// ErrPredictionNotFound indicates the requested prediction does not exist.
	ErrPredictionNotFound = errors.NewStd("prediction not found")

	// ErrVersionConflict indicates a compare-and-swap update matched no row.
	ErrVersionConflict = errors.NewStd("version conflict")

	// ErrInvalidInput indicates invalid input parameters.
	ErrInvalidInput = errors.NewStd("invalid input")
)
