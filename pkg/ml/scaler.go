package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// StandardScaler centers each feature on its mean and divides by its
// population standard deviation. Parameters are fitted once and reused.
type StandardScaler struct {
	Mean  []float64 `cbor:"mean"`
	Scale []float64 `cbor:"scale"`
}

// FitStandardScaler learns per-column mean and scale from X.
// Constant columns get a scale of 1.
func FitStandardScaler(X [][]float64) (*StandardScaler, error) {
	if len(X) == 0 {
		return nil, fmt.Errorf("%w: cannot fit scaler on empty data", ErrTooFewSamples)
	}

	dim := len(X[0])
	s := &StandardScaler{
		Mean:  make([]float64, dim),
		Scale: make([]float64, dim),
	}

	column := make([]float64, len(X))
	for j := 0; j < dim; j++ {
		for i, row := range X {
			if len(row) != dim {
				return nil, fmt.Errorf("%w: row %d has %d features, want %d", ErrDimension, i, len(row), dim)
			}
			column[i] = row[j]
		}
		mean, std := stat.PopMeanStdDev(column, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		s.Mean[j] = mean
		s.Scale[j] = std
	}

	return s, nil
}

// Transform scales every row of X into a new matrix
func (s *StandardScaler) Transform(X [][]float64) ([][]float64, error) {
	out := make([][]float64, len(X))
	for i, row := range X {
		scaled, err := s.TransformRow(row)
		if err != nil {
			return nil, err
		}
		out[i] = scaled
	}
	return out, nil
}

// TransformRow scales a single feature vector
func (s *StandardScaler) TransformRow(x []float64) ([]float64, error) {
	if len(s.Scale) != len(s.Mean) {
		return nil, fmt.Errorf("%w: scaler has %d means and %d scales", ErrBadArtifact, len(s.Mean), len(s.Scale))
	}
	if len(x) != len(s.Mean) {
		return nil, fmt.Errorf("%w: got %d features, want %d", ErrDimension, len(x), len(s.Mean))
	}
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out, nil
}
