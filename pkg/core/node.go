package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3FT-io/datagate/pkg/chunks"
	"github.com/3FT-io/datagate/pkg/codec"
	"github.com/3FT-io/datagate/pkg/config"
	"github.com/3FT-io/datagate/pkg/metrics"
	"github.com/3FT-io/datagate/pkg/ml"
	"github.com/3FT-io/datagate/pkg/p2p"
	"github.com/3FT-io/datagate/pkg/schedule"
)

// Announcer publishes model-trained events
type Announcer interface {
	Announce(ctx context.Context, a p2p.Announcement) error
}

// Node wires the chunk store, assembler, registry and model service behind
// the operations exposed over HTTP. Every error it returns is an *Error.
type Node struct {
	config    *config.Config
	chunks    *chunks.Store
	assembler *Assembler
	registry  *CredentialRegistry
	models    *ModelService
	archiver  Archiver
	network   *p2p.Network
	announcer Announcer
	scheduler *schedule.CronScheduler
	sweeper   *ChunkSweepJob
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NodeOption configures a Node
type NodeOption func(*Node)

// WithLogger sets the logger shared by all components
func WithLogger(logger *zap.Logger) NodeOption {
	return func(n *Node) {
		n.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) NodeOption {
	return func(n *Node) {
		n.metrics = m
	}
}

// WithArchiver replaces the archiver built from the archive config
func WithArchiver(a Archiver) NodeOption {
	return func(n *Node) {
		n.archiver = a
	}
}

// WithAnnouncer replaces the p2p network as the model-trained sink
func WithAnnouncer(a Announcer) NodeOption {
	return func(n *Node) {
		n.announcer = a
	}
}

func NewNode(cfg *config.Config, opts ...NodeOption) (*Node, error) {
	n := &Node{
		config: cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.metrics == nil {
		n.metrics = metrics.New()
	}

	store, err := chunks.NewStore(cfg.Storage.ChunkDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk store: %w", err)
	}
	n.chunks = store

	n.assembler, err = NewAssembler(store, cfg.Storage.DatasetDir,
		WithAtomicMerge(cfg.Assembly.Atomic),
		WithAssemblerLogger(n.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dataset dir: %w", err)
	}

	backend, err := openRegistryBackend(cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	n.registry, err = NewCredentialRegistry(backend,
		WithSecret([]byte(cfg.Credentials.Secret)),
		WithRegistryLogger(n.logger),
	)
	if err != nil {
		backend.Close()
		return nil, err
	}

	compression, err := codec.ParseCompression(cfg.Model.Compression)
	if err != nil {
		n.registry.Close()
		return nil, err
	}
	n.models = NewModelService(n.registry, cfg.Storage.ModelPath,
		WithTrainOptions(ml.TrainOptions{
			TestRatio: cfg.Model.TestRatio,
			Seed:      cfg.Model.Seed,
			SVM: ml.SVMParams{
				Lambda:       cfg.Model.Lambda,
				LearningRate: cfg.Model.LearningRate,
				Epochs:       cfg.Model.Epochs,
				Seed:         cfg.Model.Seed,
			},
		}),
		WithCompression(compression),
		WithModelCacheTTL(cfg.Model.CacheTTL),
		WithModelLogger(n.logger),
	)

	if n.archiver == nil && cfg.Archive.Enabled {
		n.archiver, err = NewS3Archiver(cfg.Archive, n.logger)
		if err != nil {
			n.registry.Close()
			return nil, err
		}
	}

	if n.announcer == nil && cfg.P2P.Enabled {
		n.network, err = p2p.NewNetwork(cfg.P2P, p2p.WithLogger(n.logger))
		if err != nil {
			n.registry.Close()
			return nil, err
		}
		n.announcer = n.network
	}

	n.sweeper = NewChunkSweepJob(store, n.assembler, cfg.GC.MaxAge, n.metrics, n.logger)
	n.scheduler = schedule.NewCronScheduler(n.logger)

	return n, nil
}

func openRegistryBackend(cfg config.RegistryConfig) (RegistryBackend, error) {
	switch cfg.Backend {
	case "bolt":
		return NewBoltBackend(cfg.Path)
	case "file", "":
		return NewFileBackend(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Backend)
	}
}

// Start brings up the p2p network and the sweep schedule. On failure
// anything already started is torn down again.
func (n *Node) Start(ctx context.Context) error {
	if n.network != nil {
		if err := n.network.Start(ctx); err != nil {
			n.network.Stop()
			return err
		}
	}

	if n.config.GC.Enabled {
		if err := n.scheduler.AddJob(n.sweeper, n.config.GC.Schedule); err != nil {
			if n.network != nil {
				n.network.Stop()
			}
			return fmt.Errorf("failed to schedule chunk sweep: %w", err)
		}
	}
	n.scheduler.Start(ctx)

	return nil
}

func (n *Node) Stop() error {
	n.scheduler.Stop()

	var err error
	if n.network != nil {
		err = n.network.Stop()
	}
	if cerr := n.registry.Close(); err == nil {
		err = cerr
	}
	return err
}

// UploadChunk stages one chunk of filename
func (n *Node) UploadChunk(ctx context.Context, identity, filename string, index int, data []byte) (*chunks.Chunk, error) {
	const op = "upload"

	if err := validateIdentity(op, identity); err != nil {
		return nil, err
	}
	if err := validateFilename(op, filename); err != nil {
		return nil, err
	}
	if index < 0 {
		return nil, invalidRequest(op, "chunk_number must not be negative, got %d", index)
	}

	chunk, err := n.chunks.Put(ctx, filename, index, data)
	if err != nil {
		return nil, newError(KindTransfer, op, "store chunk", err)
	}

	n.metrics.ChunksUploaded.Inc()
	n.metrics.ChunkBytes.Add(float64(chunk.Size))
	n.logger.Debug("Chunk staged",
		zap.String("client_id", identity),
		zap.String("filename", filename),
		zap.Int("index", index),
		zap.Int64("size", chunk.Size),
	)
	return chunk, nil
}

// MergeChunks assembles filename from total chunks and issues the
// identity's credential over the assembled bytes.
func (n *Node) MergeChunks(ctx context.Context, identity, filename string, total int) (*MergeResult, error) {
	const op = "merge"

	if err := validateIdentity(op, identity); err != nil {
		return nil, err
	}
	if err := validateFilename(op, filename); err != nil {
		return nil, err
	}

	dataset, err := n.assembler.Merge(ctx, filename, total)
	if err != nil {
		n.metrics.Merges.WithLabelValues(metrics.OutcomeFailure).Inc()
		return nil, err
	}

	credential, err := n.registry.Issue(ctx, identity, dataset.Data)
	if err != nil {
		n.metrics.Merges.WithLabelValues(metrics.OutcomeFailure).Inc()
		return nil, err
	}
	n.metrics.Merges.WithLabelValues(metrics.OutcomeSuccess).Inc()
	n.metrics.CredentialsIssued.Inc()

	if n.archiver != nil {
		if err := n.archiver.Archive(ctx, identity, dataset); err != nil {
			n.logger.Warn("Failed to archive dataset",
				zap.String("filename", filename),
				zap.Error(err),
			)
		}
	}

	return &MergeResult{
		Filename:   filename,
		Size:       dataset.Size,
		Credential: credential,
	}, nil
}

// TrainModel trains the global model on a dataset inside the dataset dir.
// A bare name refers to an assembled dataset.
func (n *Node) TrainModel(ctx context.Context, datasetPath string) (*TrainResult, error) {
	const op = "train"

	path, err := n.resolveDatasetPath(op, datasetPath)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := n.models.Train(ctx, path)
	if err != nil {
		n.metrics.Trainings.WithLabelValues(metrics.OutcomeFailure).Inc()
		n.logger.Error("Training failed", zap.String("dataset", path), zap.Error(err))
		return nil, err
	}
	n.metrics.Trainings.WithLabelValues(metrics.OutcomeSuccess).Inc()
	n.metrics.TrainingDuration.Observe(time.Since(start).Seconds())
	n.metrics.LastAccuracy.Set(result.Accuracy)

	if n.announcer != nil {
		err := n.announcer.Announce(ctx, p2p.Announcement{
			Dataset:   filepath.Base(path),
			Accuracy:  result.Accuracy,
			Classes:   result.Classes,
			TrainedAt: result.TrainedAt,
		})
		if err != nil {
			n.logger.Warn("Failed to announce model", zap.Error(err))
		}
	}

	return result, nil
}

// Predict classifies features for a caller holding a valid credential
func (n *Node) Predict(ctx context.Context, identity string, credential Credential, features []float64) (string, error) {
	label, err := n.models.Predict(ctx, identity, credential, features)
	switch KindOf(err) {
	case KindUnknown:
		n.metrics.Verifications.WithLabelValues(metrics.OutcomeSuccess).Inc()
		n.metrics.Predictions.WithLabelValues(metrics.OutcomeSuccess).Inc()
	case KindAuthorization:
		n.metrics.Verifications.WithLabelValues(metrics.OutcomeDenied).Inc()
		n.metrics.Predictions.WithLabelValues(metrics.OutcomeDenied).Inc()
		n.logger.Info("Prediction denied", zap.String("client_id", identity))
	default:
		n.metrics.Verifications.WithLabelValues(metrics.OutcomeSuccess).Inc()
		n.metrics.Predictions.WithLabelValues(metrics.OutcomeFailure).Inc()
	}
	return label, err
}

// ModelInfo describes the current model
func (n *Node) ModelInfo(ctx context.Context) (*ModelInfo, error) {
	return n.models.Info(ctx)
}

// SweepNow runs the orphaned chunk sweep immediately. When the sweep is
// scheduled it goes through the scheduler, so it never overlaps a
// scheduled run.
func (n *Node) SweepNow(ctx context.Context) error {
	err := n.scheduler.RunNow(ctx, n.sweeper.Name())
	if errors.Is(err, schedule.ErrUnknownJob) {
		return n.sweeper.Run(ctx)
	}
	return err
}

// Jobs reports the scheduled background jobs
func (n *Node) Jobs() []schedule.JobStatus {
	return n.scheduler.Status()
}

// Network returns the p2p network, or nil when it is disabled
func (n *Node) Network() *p2p.Network {
	return n.network
}

func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

func (n *Node) Registry() *CredentialRegistry {
	return n.registry
}

func (n *Node) DatasetDir() string {
	return n.assembler.DatasetDir()
}

func (n *Node) resolveDatasetPath(op, datasetPath string) (string, error) {
	if datasetPath == "" {
		return "", invalidRequest(op, "data_path is required")
	}

	path := datasetPath
	if filepath.Base(path) == path {
		path = filepath.Join(n.assembler.DatasetDir(), path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", invalidRequest(op, "invalid data_path %q", datasetPath)
	}
	root, err := filepath.Abs(n.assembler.DatasetDir())
	if err != nil {
		return "", newError(KindTraining, op, "resolve dataset dir", err)
	}

	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", invalidRequest(op, "data_path %q is outside the dataset directory", datasetPath)
	}
	return abs, nil
}

func validateIdentity(op, identity string) error {
	if identity == "" {
		return invalidRequest(op, "client_id is required")
	}
	return nil
}

func validateFilename(op, filename string) error {
	if filename == "" {
		return invalidRequest(op, "filename is required")
	}
	if filename == "." || filename == ".." ||
		strings.ContainsAny(filename, `/\`) ||
		strings.ContainsRune(filename, 0) {
		return invalidRequest(op, "filename %q must be a plain file name", filename)
	}
	if isMergeTemp(filename) {
		return invalidRequest(op, "filename %q is reserved for merge temp files", filename)
	}
	return nil
}
