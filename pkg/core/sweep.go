package core

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/3FT-io/datagate/pkg/metrics"
)

// DefaultSweepMaxAge is how old a staged chunk must be before it is
// treated as orphaned.
const DefaultSweepMaxAge = 24 * time.Hour

// ChunkSweeper removes staged files older than a cutoff
type ChunkSweeper interface {
	Sweep(ctx context.Context, olderThan time.Duration) (int, error)
}

// ChunkSweepJob deletes chunks that were uploaded but never merged, and
// temp files left behind by interrupted atomic merges.
type ChunkSweepJob struct {
	chunks    ChunkSweeper
	assembler *Assembler
	maxAge    time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewChunkSweepJob(chunks ChunkSweeper, assembler *Assembler, maxAge time.Duration, m *metrics.Metrics, logger *zap.Logger) *ChunkSweepJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChunkSweepJob{
		chunks:    chunks,
		assembler: assembler,
		maxAge:    maxAge,
		metrics:   m,
		logger:    logger,
	}
}

func (j *ChunkSweepJob) Name() string {
	return "chunk_sweep"
}

func (j *ChunkSweepJob) Run(ctx context.Context) error {
	maxAge := j.maxAge
	if maxAge <= 0 {
		maxAge = DefaultSweepMaxAge
	}

	var errs error
	removed := 0

	if j.chunks != nil {
		n, err := j.chunks.Sweep(ctx, maxAge)
		removed += n
		errs = multierr.Append(errs, err)
	}
	if j.assembler != nil {
		n, err := j.assembler.SweepTemp(ctx, maxAge)
		removed += n
		errs = multierr.Append(errs, err)
	}

	if j.metrics != nil {
		j.metrics.ChunksSwept.Add(float64(removed))
	}
	if removed > 0 {
		j.logger.Info("Swept orphaned staging files", zap.Int("removed", removed))
	}
	return errs
}

// mergeTempSuffix ends every temp file written by an atomic merge
const mergeTempSuffix = ".merge.tmp"

// mergeTempPath names the temp file for a merge into path as
// .<name>.<uuid>.merge.tmp in the same directory.
func mergeTempPath(path string) string {
	name := "." + filepath.Base(path) + "." + uuid.New().String() + mergeTempSuffix
	return filepath.Join(filepath.Dir(path), name)
}

// isMergeTemp reports whether name has the shape produced by mergeTempPath
func isMergeTemp(name string) bool {
	if !strings.HasPrefix(name, ".") || !strings.HasSuffix(name, mergeTempSuffix) {
		return false
	}
	rest := strings.TrimSuffix(name[1:], mergeTempSuffix)
	dot := strings.LastIndexByte(rest, '.')
	if dot <= 0 {
		return false
	}
	_, err := uuid.Parse(rest[dot+1:])
	return err == nil && len(rest[dot+1:]) == 36
}

// SweepTemp removes temp files of atomic merges older than olderThan
func (a *Assembler) SweepTemp(ctx context.Context, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(a.datasetDir)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	var errs error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, multierr.Append(errs, err)
		}
		if entry.IsDir() || !isMergeTemp(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(a.datasetDir, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = multierr.Append(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}
