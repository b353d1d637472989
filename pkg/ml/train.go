package ml

import (
	"fmt"
	"time"
)

// TrainOptions configures Train
type TrainOptions struct {
	TestRatio float64
	Seed      uint64
	SVM       SVMParams
}

// DefaultTrainOptions holds out 20% of the rows with seed 42
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{
		TestRatio: 0.2,
		Seed:      42,
		SVM:       DefaultSVMParams(),
	}
}

// Train splits ds, fits the scaler on the training rows only, fits the
// classifier on the scaled training rows and scores it on the scaled
// held-out rows.
func Train(ds *Dataset, schema Schema, opts TrainOptions) (*Artifact, error) {
	train, test, err := TrainTestSplit(ds, opts.TestRatio, opts.Seed)
	if err != nil {
		return nil, err
	}

	scaler, err := FitStandardScaler(train.Features)
	if err != nil {
		return nil, fmt.Errorf("fit scaler: %w", err)
	}
	trainX, err := scaler.Transform(train.Features)
	if err != nil {
		return nil, err
	}
	testX, err := scaler.Transform(test.Features)
	if err != nil {
		return nil, err
	}

	clf, err := FitLinearSVM(trainX, train.Labels, opts.SVM)
	if err != nil {
		return nil, fmt.Errorf("fit classifier: %w", err)
	}

	accuracy, err := clf.Score(testX, test.Labels)
	if err != nil {
		return nil, fmt.Errorf("score classifier: %w", err)
	}

	return &Artifact{
		Schema:       schema,
		Scaler:       *scaler,
		Classifier:   *clf,
		Accuracy:     accuracy,
		TrainSamples: train.Len(),
		TestSamples:  test.Len(),
		TrainedAt:    time.Now().UTC(),
	}, nil
}
