package ml

import "errors"

// Sentinel errors for dataset parsing and model fitting.
// Use errors.Is() to check for specific error conditions.
var (
	// ErrMissingColumn indicates the dataset header lacks a schema column.
	ErrMissingColumn = errors.New("ml: missing column")

	// ErrInvalidValue indicates a feature cell is not numeric or a label is empty.
	ErrInvalidValue = errors.New("ml: invalid value")

	// ErrTooFewSamples indicates there are not enough rows to split and fit.
	ErrTooFewSamples = errors.New("ml: too few samples")

	// ErrSingleClass indicates the training partition has fewer than two labels.
	ErrSingleClass = errors.New("ml: need at least two classes")

	// ErrDimension indicates a feature vector of the wrong length.
	ErrDimension = errors.New("ml: feature dimension mismatch")

	// ErrBadArtifact indicates a model artifact that cannot be decoded.
	ErrBadArtifact = errors.New("ml: invalid model artifact")
)
