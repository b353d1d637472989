package core

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/3FT-io/datagate/pkg/codec"
	"github.com/3FT-io/datagate/pkg/ml"
)

// DefaultModelCacheTTL is how long a loaded artifact is reused before the
// file is read again.
const DefaultModelCacheTTL = time.Minute

// Verifier checks a presented credential
type Verifier interface {
	Verify(ctx context.Context, identity string, presented Credential) bool
}

// ModelInfo summarizes the persisted model
type ModelInfo struct {
	Classes      []string  `json:"classes"`
	Features     []string  `json:"features"`
	Label        string    `json:"label"`
	Accuracy     float64   `json:"accuracy"`
	TrainSamples int       `json:"train_samples"`
	TestSamples  int       `json:"test_samples"`
	TrainedAt    time.Time `json:"trained_at"`
}

// ModelService trains the single global model and serves predictions to
// callers holding a valid credential.
type ModelService struct {
	verifier    Verifier
	path        string
	schema      ml.Schema
	options     ml.TrainOptions
	compression codec.Compression
	cacheTTL    time.Duration
	cache       *expirable.LRU[string, *ml.Artifact]
	mu          sync.Mutex
	logger      *zap.Logger
}

// ModelServiceOption configures a ModelService
type ModelServiceOption func(*ModelService)

// WithSchema sets the dataset schema used for training
func WithSchema(schema ml.Schema) ModelServiceOption {
	return func(s *ModelService) {
		s.schema = schema
	}
}

// WithTrainOptions sets split ratio, seed and classifier parameters
func WithTrainOptions(options ml.TrainOptions) ModelServiceOption {
	return func(s *ModelService) {
		s.options = options
	}
}

// WithCompression sets the artifact body compression
func WithCompression(c codec.Compression) ModelServiceOption {
	return func(s *ModelService) {
		s.compression = c
	}
}

// WithModelCacheTTL sets how long a loaded artifact stays cached
func WithModelCacheTTL(ttl time.Duration) ModelServiceOption {
	return func(s *ModelService) {
		s.cacheTTL = ttl
	}
}

// WithModelLogger sets the logger
func WithModelLogger(logger *zap.Logger) ModelServiceOption {
	return func(s *ModelService) {
		s.logger = logger
	}
}

// NewModelService creates a service persisting its model at artifactPath
func NewModelService(verifier Verifier, artifactPath string, opts ...ModelServiceOption) *ModelService {
	s := &ModelService{
		verifier:    verifier,
		path:        artifactPath,
		schema:      ml.IrisSchema(),
		options:     ml.DefaultTrainOptions(),
		compression: codec.CompressionZstd,
		cacheTTL:    DefaultModelCacheTTL,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = expirable.NewLRU[string, *ml.Artifact](1, nil, s.cacheTTL)

	return s
}

// Train fits a new model on the CSV at datasetPath and replaces the
// persisted one. Every failure, including a panic in the fit, comes back
// as a training error; the previous model stays in place.
func (s *ModelService) Train(ctx context.Context, datasetPath string) (result *TrainResult, err error) {
	const op = "train"

	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = newError(KindTraining, op, fmt.Sprintf("Failed to train model: %v", r), nil)
		}
	}()

	file, err := os.Open(datasetPath)
	if err != nil {
		return nil, newError(KindTraining, op, "Failed to train model: cannot open dataset", err)
	}
	defer file.Close()

	ds, err := ml.ReadCSV(file, s.schema)
	if err != nil {
		return nil, newError(KindTraining, op, "Failed to train model: cannot parse dataset", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, newError(KindTraining, op, "Failed to train model: cancelled", err)
	}

	artifact, err := ml.Train(ds, s.schema, s.options)
	if err != nil {
		return nil, newError(KindTraining, op, "Failed to train model", err)
	}

	if err := ml.WriteArtifact(s.path, artifact, s.compression); err != nil {
		return nil, newError(KindTraining, op, "Failed to persist model", err)
	}
	s.cache.Add(s.path, artifact)

	s.logger.Info("Model trained",
		zap.String("dataset", datasetPath),
		zap.Float64("accuracy", artifact.Accuracy),
		zap.Int("train_samples", artifact.TrainSamples),
		zap.Int("test_samples", artifact.TestSamples),
	)

	return &TrainResult{
		Accuracy:     artifact.Accuracy,
		TrainSamples: artifact.TrainSamples,
		TestSamples:  artifact.TestSamples,
		Classes:      artifact.Classifier.Classes,
		Dataset:      datasetPath,
		TrainedAt:    artifact.TrainedAt,
	}, nil
}

// Predict checks the credential, then classifies features with the
// persisted scaler and classifier.
func (s *ModelService) Predict(ctx context.Context, identity string, credential Credential, features []float64) (string, error) {
	const op = "predict"

	if !s.verifier.Verify(ctx, identity, credential) {
		return "", unauthorized(op)
	}

	artifact, err := s.load()
	if err != nil {
		return "", err
	}

	label, err := artifact.Predict(features)
	if err != nil {
		return "", newError(KindPrediction, op, "Failed to get prediction", err)
	}
	return label, nil
}

// Info describes the persisted model
func (s *ModelService) Info(ctx context.Context) (*ModelInfo, error) {
	artifact, err := s.load()
	if err != nil {
		return nil, err
	}
	return &ModelInfo{
		Classes:      artifact.Classifier.Classes,
		Features:     artifact.Schema.Features,
		Label:        artifact.Schema.Label,
		Accuracy:     artifact.Accuracy,
		TrainSamples: artifact.TrainSamples,
		TestSamples:  artifact.TestSamples,
		TrainedAt:    artifact.TrainedAt,
	}, nil
}

// Path returns where the artifact is persisted
func (s *ModelService) Path() string {
	return s.path
}

func (s *ModelService) load() (*ml.Artifact, error) {
	const op = "load model"

	if artifact, ok := s.cache.Get(s.path); ok {
		return artifact, nil
	}

	artifact, err := ml.ReadArtifact(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, newError(KindServing, op, "no model has been trained", err)
	}
	if err != nil {
		return nil, newError(KindPrediction, op, "Failed to load model", err)
	}

	s.cache.Add(s.path, artifact)
	return artifact, nil
}
