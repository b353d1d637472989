package core_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FT-io/datagate/pkg/config"
	"github.com/3FT-io/datagate/pkg/core"
	"github.com/3FT-io/datagate/pkg/metrics"
	"github.com/3FT-io/datagate/pkg/p2p"
	"github.com/3FT-io/datagate/pkg/testutil"
)

type recordingArchiver struct {
	mu       sync.Mutex
	archived map[string][]byte
	err      error
}

func (a *recordingArchiver) Archive(ctx context.Context, identity string, dataset *core.Dataset) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	if a.archived == nil {
		a.archived = make(map[string][]byte)
	}
	a.archived[identity+"/"+dataset.Name] = dataset.Data
	return nil
}

type recordingAnnouncer struct {
	mu            sync.Mutex
	announcements []p2p.Announcement
}

func (a *recordingAnnouncer) Announce(ctx context.Context, announcement p2p.Announcement) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.announcements = append(a.announcements, announcement)
	return nil
}

func testConfig(dir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage = config.StorageConfig{
		Path:       dir,
		ChunkDir:   filepath.Join(dir, "chunks"),
		DatasetDir: filepath.Join(dir, "datasets"),
		ModelPath:  filepath.Join(dir, "model.dgm"),
	}
	cfg.Registry.Path = filepath.Join(dir, "registry.json")
	cfg.GC.Enabled = false
	return cfg
}

func setupNode(t *testing.T, mutate func(*config.Config), opts ...core.NodeOption) (*core.Node, *config.Config, func()) {
	tmpDir, cleanup := testutil.CreateTempDir(t, "datagate-node-*")

	cfg := testConfig(tmpDir)
	if mutate != nil {
		mutate(cfg)
	}

	node, err := core.NewNode(cfg, opts...)
	require.NoError(t, err)

	return node, cfg, func() {
		node.Stop()
		cleanup()
	}
}

func uploadInChunks(t *testing.T, node *core.Node, identity, filename string, data []byte, size int) int {
	total := 0
	for offset := 0; offset < len(data) || total == 0; offset += size {
		end := offset + size
		if end > len(data) {
			end = len(data)
		}
		_, err := node.UploadChunk(context.Background(), identity, filename, total, data[offset:end])
		require.NoError(t, err)
		total++
	}
	return total
}

func TestNodeEndToEnd(t *testing.T) {
	archiver := &recordingArchiver{}
	announcer := &recordingAnnouncer{}
	m := metrics.New()
	node, _, cleanup := setupNode(t, nil,
		core.WithArchiver(archiver),
		core.WithAnnouncer(announcer),
		core.WithMetrics(m),
	)
	defer cleanup()

	ctx := context.Background()
	data := []byte(testutil.IrisCSV(20))
	total := uploadInChunks(t, node, "alice", "Iris.csv", data, 256)
	assert.Greater(t, total, 1)

	merged, err := node.MergeChunks(ctx, "alice", "Iris.csv", total)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), merged.Size)
	assert.Equal(t, node.Registry().Derive("alice", data), merged.Credential)
	assert.Equal(t, data, archiver.archived["alice/Iris.csv"])

	result, err := node.TrainModel(ctx, "Iris.csv")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Accuracy, 0.9)
	require.Len(t, announcer.announcements, 1)
	assert.Equal(t, "Iris.csv", announcer.announcements[0].Dataset)
	assert.Equal(t, result.Accuracy, announcer.announcements[0].Accuracy)

	label, err := node.Predict(ctx, "alice", merged.Credential, []float64{5.0, 3.5, 1.4, 0.2})
	require.NoError(t, err)
	assert.Equal(t, "Iris-setosa", label)

	_, err = node.Predict(ctx, "alice", "made-up-key", []float64{5.0, 3.5, 1.4, 0.2})
	assert.True(t, errors.Is(err, core.ErrUnauthorized))

	assert.Equal(t, float64(total), promtestutil.ToFloat64(m.ChunksUploaded))
	assert.Equal(t, float64(len(data)), promtestutil.ToFloat64(m.ChunkBytes))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.Merges.WithLabelValues(metrics.OutcomeSuccess)))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.CredentialsIssued))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.Trainings.WithLabelValues(metrics.OutcomeSuccess)))
	assert.Equal(t, result.Accuracy, promtestutil.ToFloat64(m.LastAccuracy))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.Predictions.WithLabelValues(metrics.OutcomeSuccess)))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.Predictions.WithLabelValues(metrics.OutcomeDenied)))
}

func TestNodeTenByteScenario(t *testing.T) {
	node, cfg, cleanup := setupNode(t, nil)
	defer cleanup()

	ctx := context.Background()
	_, err := node.UploadChunk(ctx, "c1", "d.csv", 0, []byte("01234"))
	require.NoError(t, err)
	_, err = node.UploadChunk(ctx, "c1", "d.csv", 1, []byte("56789"))
	require.NoError(t, err)

	merged, err := node.MergeChunks(ctx, "c1", "d.csv", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(10), merged.Size)
	assert.True(t, node.Registry().Verify(ctx, "c1", merged.Credential))

	onDisk, err := os.ReadFile(filepath.Join(cfg.Storage.DatasetDir, "d.csv"))
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(onDisk))

	_, err = os.Stat(filepath.Join(cfg.Storage.ChunkDir, "d.csv.part0"))
	assert.True(t, os.IsNotExist(err))
}

func TestNodeMissingChunkDoesNotIssue(t *testing.T) {
	m := metrics.New()
	node, _, cleanup := setupNode(t, nil, core.WithMetrics(m))
	defer cleanup()

	ctx := context.Background()
	_, err := node.UploadChunk(ctx, "c1", "d.csv", 0, []byte("abc"))
	require.NoError(t, err)

	_, err = node.MergeChunks(ctx, "c1", "d.csv", 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrAssembly))
	assert.False(t, node.Registry().Verify(ctx, "c1", node.Registry().Derive("c1", []byte("abc"))))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.Merges.WithLabelValues(metrics.OutcomeFailure)))
}

func TestNodeArchiveFailureIsNotFatal(t *testing.T) {
	node, _, cleanup := setupNode(t, nil, core.WithArchiver(&recordingArchiver{err: errors.New("bucket unreachable")}))
	defer cleanup()

	ctx := context.Background()
	_, err := node.UploadChunk(ctx, "c1", "d.csv", 0, []byte("abc"))
	require.NoError(t, err)

	merged, err := node.MergeChunks(ctx, "c1", "d.csv", 1)
	require.NoError(t, err)
	assert.NotEmpty(t, merged.Credential)
}

func TestNodeValidation(t *testing.T) {
	node, _, cleanup := setupNode(t, nil)
	defer cleanup()

	ctx := context.Background()
	uploads := []struct {
		name     string
		identity string
		filename string
		index    int
	}{
		{"empty identity", "", "d.csv", 0},
		{"empty filename", "c1", "", 0},
		{"path separator", "c1", "../d.csv", 0},
		{"nested path", "c1", "a/b.csv", 0},
		{"windows separator", "c1", `a\b.csv`, 0},
		{"dot dot", "c1", "..", 0},
		{"negative index", "c1", "d.csv", -1},
	}
	for _, tt := range uploads {
		t.Run("upload "+tt.name, func(t *testing.T) {
			_, err := node.UploadChunk(ctx, tt.identity, tt.filename, tt.index, []byte("x"))
			require.Error(t, err)
			assert.Equal(t, core.KindInvalidRequest, core.KindOf(err))
		})
	}

	merges := []struct {
		name     string
		identity string
		filename string
		total    int
	}{
		{"empty identity", "", "d.csv", 1},
		{"bad filename", "c1", "../../etc/passwd", 1},
		{"zero total", "c1", "d.csv", 0},
	}
	for _, tt := range merges {
		t.Run("merge "+tt.name, func(t *testing.T) {
			_, err := node.MergeChunks(ctx, tt.identity, tt.filename, tt.total)
			require.Error(t, err)
			assert.Equal(t, core.KindInvalidRequest, core.KindOf(err))
		})
	}
}

func TestNodeTrainPathConfinement(t *testing.T) {
	node, cfg, cleanup := setupNode(t, nil)
	defer cleanup()

	outside := testutil.CreateTestFile(t, cfg.Storage.Path, "outside.csv", testutil.IrisCSV(5))

	for _, path := range []string{"", outside, "../outside.csv", cfg.Storage.DatasetDir} {
		_, err := node.TrainModel(context.Background(), path)
		require.Error(t, err, path)
		assert.Equal(t, core.KindInvalidRequest, core.KindOf(err), path)
	}

	inside := testutil.CreateTestFile(t, cfg.Storage.DatasetDir, "inside.csv", testutil.IrisCSV(10))
	_, err := node.TrainModel(context.Background(), inside)
	require.NoError(t, err)
}

func TestNodeTrainMissingDataset(t *testing.T) {
	node, _, cleanup := setupNode(t, nil)
	defer cleanup()

	_, err := node.TrainModel(context.Background(), "never-merged.csv")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrTraining))
}

func TestNodePredictBeforeTrain(t *testing.T) {
	node, _, cleanup := setupNode(t, nil)
	defer cleanup()

	ctx := context.Background()
	_, err := node.UploadChunk(ctx, "c1", "d.csv", 0, []byte("abc"))
	require.NoError(t, err)
	merged, err := node.MergeChunks(ctx, "c1", "d.csv", 1)
	require.NoError(t, err)

	_, err = node.Predict(ctx, "c1", merged.Credential, []float64{1, 2, 3, 4})
	assert.True(t, errors.Is(err, core.ErrModelUnavailable))

	_, err = node.ModelInfo(ctx)
	assert.True(t, errors.Is(err, core.ErrModelUnavailable))
}

func TestNodeBoltRegistry(t *testing.T) {
	node, _, cleanup := setupNode(t, func(cfg *config.Config) {
		cfg.Registry.Backend = "bolt"
		cfg.Registry.Path = filepath.Join(cfg.Storage.Path, "registry.db")
	})
	defer cleanup()

	ctx := context.Background()
	_, err := node.UploadChunk(ctx, "c1", "d.csv", 0, []byte("abc"))
	require.NoError(t, err)
	merged, err := node.MergeChunks(ctx, "c1", "d.csv", 1)
	require.NoError(t, err)
	assert.True(t, node.Registry().Verify(ctx, "c1", merged.Credential))
}

func TestNodeSecretCredentials(t *testing.T) {
	node, _, cleanup := setupNode(t, func(cfg *config.Config) {
		cfg.Credentials.Secret = "server-secret"
	})
	defer cleanup()

	ctx := context.Background()
	_, err := node.UploadChunk(ctx, "c1", "d.csv", 0, []byte("abc"))
	require.NoError(t, err)
	merged, err := node.MergeChunks(ctx, "c1", "d.csv", 1)
	require.NoError(t, err)

	plain, _, cleanupPlain := setupRegistry(t, backends["file"])
	defer cleanupPlain()
	assert.NotEqual(t, plain.Derive("c1", []byte("abc")), merged.Credential)
	assert.True(t, node.Registry().Verify(ctx, "c1", merged.Credential))
}

func TestChunkSweepJob(t *testing.T) {
	m := metrics.New()
	node, cfg, cleanup := setupNode(t, nil, core.WithMetrics(m))
	defer cleanup()

	ctx := context.Background()
	stale, err := node.UploadChunk(ctx, "c1", "old.csv", 0, []byte("abc"))
	require.NoError(t, err)
	_, err = node.UploadChunk(ctx, "c1", "new.csv", 0, []byte("abc"))
	require.NoError(t, err)

	staleTmp := testutil.CreateTestFile(t, cfg.Storage.DatasetDir, ".x.csv."+uuid.New().String()+".merge.tmp", "partial")
	dataset := testutil.CreateTestFile(t, cfg.Storage.DatasetDir, "kept.csv", "a,b\n")

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(cfg.Storage.ChunkDir, "old.csv.part0"), old, old))
	require.NoError(t, os.Chtimes(staleTmp, old, old))
	require.NoError(t, os.Chtimes(dataset, old, old))

	require.NoError(t, node.SweepNow(ctx))

	_, err = os.Stat(filepath.Join(cfg.Storage.ChunkDir, stale.Filename+".part0"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(cfg.Storage.ChunkDir, "new.csv.part0"))
	assert.NoError(t, err)
	_, err = os.Stat(staleTmp)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(dataset)
	assert.NoError(t, err)

	assert.Equal(t, 2.0, promtestutil.ToFloat64(m.ChunksSwept))
}

func TestChunkSweepKeepsDatasetsNamedLikeTempFiles(t *testing.T) {
	node, cfg, cleanup := setupNode(t, nil)
	defer cleanup()

	ctx := context.Background()
	names := []string{"backup.tmp", "report.merge.tmp", ".hidden.merge.tmp"}
	for _, name := range names {
		_, err := node.UploadChunk(ctx, "c1", name, 0, []byte("a,b\n"))
		require.NoError(t, err)
		_, err = node.MergeChunks(ctx, "c1", name, 1)
		require.NoError(t, err)

		old := time.Now().Add(-48 * time.Hour)
		require.NoError(t, os.Chtimes(filepath.Join(cfg.Storage.DatasetDir, name), old, old))
	}

	require.NoError(t, node.SweepNow(ctx))

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(cfg.Storage.DatasetDir, name))
		require.NoError(t, err, name)
		assert.Equal(t, "a,b\n", string(data))
	}
}

func TestNodeRejectsMergeTempFilenames(t *testing.T) {
	node, _, cleanup := setupNode(t, nil)
	defer cleanup()

	name := ".data.csv." + uuid.New().String() + ".merge.tmp"
	_, err := node.UploadChunk(context.Background(), "c1", name, 0, []byte("x"))
	require.Error(t, err)
	assert.Equal(t, core.KindInvalidRequest, core.KindOf(err))
}

func TestNodeStartSchedulesSweep(t *testing.T) {
	node, _, cleanup := setupNode(t, func(cfg *config.Config) {
		cfg.GC.Enabled = true
		cfg.GC.Schedule = "*/30 * * * *"
	})
	defer cleanup()

	assert.Empty(t, node.Jobs())
	require.NoError(t, node.Start(context.Background()))

	require.NoError(t, node.SweepNow(context.Background()))

	jobs := node.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "chunk_sweep", jobs[0].Name)
	assert.Equal(t, int64(1), jobs[0].Runs)
	assert.Empty(t, jobs[0].LastError)
}

func TestNodeStartRejectsBadSchedule(t *testing.T) {
	node, _, cleanup := setupNode(t, func(cfg *config.Config) {
		cfg.GC.Enabled = true
		cfg.GC.Schedule = "not a cron spec"
	})
	defer cleanup()

	assert.Error(t, node.Start(context.Background()))
}

func TestNodeStartFailureStopsNetwork(t *testing.T) {
	node, _, cleanup := setupNode(t, func(cfg *config.Config) {
		cfg.GC.Enabled = true
		cfg.GC.Schedule = "not a cron spec"
		cfg.P2P = config.P2PConfig{
			Enabled:       true,
			ListenAddress: "127.0.0.1",
			Port:          0,
		}
	})
	defer cleanup()

	require.NotNil(t, node.Network())
	require.Error(t, node.Start(context.Background()))
	assert.Nil(t, node.Network().GetHost())
	assert.Empty(t, node.Network().Status().NodeID)

	// stopping again after a failed start is harmless
	assert.NoError(t, node.Stop())
}
