package ml

import (
	"fmt"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// SVMParams controls the hinge-loss SGD used by FitLinearSVM
type SVMParams struct {
	Lambda       float64 `yaml:"lambda"`
	LearningRate float64 `yaml:"learning_rate"`
	Epochs       int     `yaml:"epochs"`
	Seed         uint64  `yaml:"seed"`
}

// DefaultSVMParams returns the parameters used when none are configured
func DefaultSVMParams() SVMParams {
	return SVMParams{
		Lambda:       1e-3,
		LearningRate: 0.1,
		Epochs:       100,
		Seed:         42,
	}
}

// LinearSVM is a one-vs-rest linear support vector classifier. Row k of
// Weights and Bias[k] score Classes[k]; the highest score wins.
type LinearSVM struct {
	Classes []string    `cbor:"classes"`
	Weights [][]float64 `cbor:"weights"`
	Bias    []float64   `cbor:"bias"`
}

// FitLinearSVM trains one binary hinge-loss classifier per label. Rows are
// visited in an order drawn from params.Seed, so fitting is reproducible.
func FitLinearSVM(X [][]float64, y []string, params SVMParams) (*LinearSVM, error) {
	if len(X) != len(y) {
		return nil, fmt.Errorf("%w: %d rows but %d labels", ErrDimension, len(X), len(y))
	}
	if len(X) == 0 {
		return nil, fmt.Errorf("%w: no training rows", ErrTooFewSamples)
	}
	if params.Epochs <= 0 || params.LearningRate <= 0 || params.Lambda < 0 {
		return nil, fmt.Errorf("invalid svm params: %+v", params)
	}

	dim := len(X[0])
	for i, row := range X {
		if len(row) != dim {
			return nil, fmt.Errorf("%w: row %d has %d features, want %d", ErrDimension, i, len(row), dim)
		}
	}

	classes := uniqueSorted(y)
	if len(classes) < 2 {
		return nil, fmt.Errorf("%w: found %v", ErrSingleClass, classes)
	}

	m := &LinearSVM{
		Classes: classes,
		Weights: make([][]float64, len(classes)),
		Bias:    make([]float64, len(classes)),
	}
	for k, class := range classes {
		target := make([]float64, len(y))
		for i, label := range y {
			if label == class {
				target[i] = 1
			} else {
				target[i] = -1
			}
		}
		rng := rand.New(rand.NewPCG(params.Seed, uint64(k)))
		m.Weights[k], m.Bias[k] = fitBinary(X, target, params, rng)
	}

	return m, nil
}

func fitBinary(X [][]float64, target []float64, params SVMParams, rng *rand.Rand) ([]float64, float64) {
	w := make([]float64, len(X[0]))
	b := 0.0
	t := 0.0

	for epoch := 0; epoch < params.Epochs; epoch++ {
		for _, i := range rng.Perm(len(X)) {
			t++
			eta := params.LearningRate / (1 + params.LearningRate*params.Lambda*t)
			margin := target[i] * (floats.Dot(w, X[i]) + b)

			floats.Scale(1-eta*params.Lambda, w)
			if margin < 1 {
				floats.AddScaled(w, eta*target[i], X[i])
				b += eta * target[i]
			}
		}
	}

	return w, b
}

// Predict returns the label with the highest decision score. Ties go to
// the class that sorts first.
func (m *LinearSVM) Predict(x []float64) (string, error) {
	if len(m.Classes) == 0 || len(m.Weights) != len(m.Classes) || len(m.Bias) != len(m.Classes) {
		return "", fmt.Errorf("%w: classifier shape", ErrBadArtifact)
	}
	if len(x) != len(m.Weights[0]) {
		return "", fmt.Errorf("%w: got %d features, want %d", ErrDimension, len(x), len(m.Weights[0]))
	}
	for k, w := range m.Weights {
		if len(w) != len(x) {
			return "", fmt.Errorf("%w: weight row %d has %d entries", ErrBadArtifact, k, len(w))
		}
	}

	best := 0
	bestScore := floats.Dot(m.Weights[0], x) + m.Bias[0]
	for k := 1; k < len(m.Classes); k++ {
		score := floats.Dot(m.Weights[k], x) + m.Bias[k]
		if score > bestScore {
			best, bestScore = k, score
		}
	}
	return m.Classes[best], nil
}

// Score returns the fraction of rows in X predicted as y
func (m *LinearSVM) Score(X [][]float64, y []string) (float64, error) {
	if len(X) == 0 || len(X) != len(y) {
		return 0, fmt.Errorf("%w: %d rows, %d labels", ErrTooFewSamples, len(X), len(y))
	}
	correct := 0
	for i, row := range X {
		label, err := m.Predict(row)
		if err != nil {
			return 0, err
		}
		if label == y[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(X)), nil
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0)
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
