package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/3FT-io/datagate/pkg/chunks"
)

// maxReportedMissing caps how many absent indices an atomic merge lists
const maxReportedMissing = 10

// ChunkSource is the part of the chunk store the assembler consumes
type ChunkSource interface {
	Get(ctx context.Context, filename string, index int) (*chunks.Chunk, error)
	Delete(ctx context.Context, filename string, index int) error
	Indices(ctx context.Context, filename string) ([]int, error)
}

// Assembler concatenates staged chunks into dataset files
type Assembler struct {
	chunks     ChunkSource
	datasetDir string
	atomic     bool
	locks      *keyLock
	logger     *zap.Logger
}

// AssemblerOption configures an Assembler
type AssemblerOption func(*Assembler)

// WithAtomicMerge makes Merge check every chunk up front and commit the
// dataset with a rename, so a failed merge changes nothing.
func WithAtomicMerge(atomic bool) AssemblerOption {
	return func(a *Assembler) {
		a.atomic = atomic
	}
}

// WithAssemblerLogger sets the logger
func WithAssemblerLogger(logger *zap.Logger) AssemblerOption {
	return func(a *Assembler) {
		a.logger = logger
	}
}

// NewAssembler creates an assembler writing datasets into datasetDir
func NewAssembler(src ChunkSource, datasetDir string, opts ...AssemblerOption) (*Assembler, error) {
	if err := os.MkdirAll(datasetDir, 0755); err != nil {
		return nil, err
	}

	a := &Assembler{
		chunks:     src,
		datasetDir: datasetDir,
		locks:      newKeyLock(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

// DatasetPath returns where the dataset for filename is assembled
func (a *Assembler) DatasetPath(filename string) string {
	return filepath.Join(a.datasetDir, filename)
}

// DatasetDir returns the directory holding assembled datasets
func (a *Assembler) DatasetDir() string {
	return a.datasetDir
}

// Merge reads chunks 0..total-1 of filename in ascending order and writes
// their concatenation to the dataset path. Merges of the same filename run
// one at a time.
//
// In the default mode each chunk is deleted as soon as it has been copied,
// and a missing chunk aborts the merge with the earlier chunks already
// gone and the dataset holding only what was written so far. Atomic mode
// trades that for an up-front presence check and a temp file + rename.
func (a *Assembler) Merge(ctx context.Context, filename string, total int) (*Dataset, error) {
	const op = "merge"

	if total < 1 {
		return nil, invalidRequest(op, "total_chunks must be at least 1, got %d", total)
	}

	unlock := a.locks.Lock(filename)
	defer unlock()

	path := a.DatasetPath(filename)

	var err error
	if a.atomic {
		err = a.mergeAtomic(ctx, filename, total, path)
	} else {
		err = a.mergeStreaming(ctx, filename, total, path)
	}
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(KindAssembly, op, "read assembled dataset", err)
	}

	a.logger.Info("Dataset assembled",
		zap.String("filename", filename),
		zap.Int("chunks", total),
		zap.Int("size", len(data)),
		zap.Bool("atomic", a.atomic),
	)

	return &Dataset{
		Name: filename,
		Path: path,
		Size: int64(len(data)),
		Data: data,
	}, nil
}

func (a *Assembler) mergeStreaming(ctx context.Context, filename string, total int, path string) error {
	const op = "merge"

	out, err := os.Create(path)
	if err != nil {
		return newError(KindAssembly, op, "create dataset", err)
	}
	defer out.Close()

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return newError(KindAssembly, op, "merge cancelled", err)
		}
		chunk, err := a.chunks.Get(ctx, filename, i)
		if err != nil {
			return chunkReadError(op, i, err)
		}

		if _, err := out.Write(chunk.Data); err != nil {
			return newError(KindAssembly, op, fmt.Sprintf("write chunk %d", i), err)
		}

		if err := a.chunks.Delete(ctx, filename, i); err != nil {
			a.logger.Warn("Failed to delete consumed chunk",
				zap.String("filename", filename),
				zap.Int("index", i),
				zap.Error(err),
			)
		}
	}

	if err := out.Close(); err != nil {
		return newError(KindAssembly, op, "close dataset", err)
	}
	return nil
}

func (a *Assembler) mergeAtomic(ctx context.Context, filename string, total int, path string) error {
	const op = "merge"

	present, err := a.chunks.Indices(ctx, filename)
	if err != nil {
		return newError(KindAssembly, op, "list staged chunks", err)
	}
	if missing := missingIndices(present, total); len(missing) > 0 {
		return newError(KindAssembly, op,
			fmt.Sprintf("missing chunks %v", missing),
			chunks.ErrChunkNotFound)
	}

	tmp := mergeTempPath(path)
	out, err := os.Create(tmp)
	if err != nil {
		return newError(KindAssembly, op, "create dataset", err)
	}
	committed := false
	defer func() {
		out.Close()
		if !committed {
			os.Remove(tmp)
		}
	}()

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return newError(KindAssembly, op, "merge cancelled", err)
		}
		chunk, err := a.chunks.Get(ctx, filename, i)
		if err != nil {
			return chunkReadError(op, i, err)
		}
		if _, err := out.Write(chunk.Data); err != nil {
			return newError(KindAssembly, op, fmt.Sprintf("write chunk %d", i), err)
		}
	}

	if err := out.Close(); err != nil {
		return newError(KindAssembly, op, "close dataset", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return newError(KindAssembly, op, "commit dataset", err)
	}
	committed = true

	for i := 0; i < total; i++ {
		if err := a.chunks.Delete(ctx, filename, i); err != nil {
			a.logger.Warn("Failed to delete consumed chunk",
				zap.String("filename", filename),
				zap.Int("index", i),
				zap.Error(err),
			)
		}
	}
	return nil
}

func chunkReadError(op string, index int, err error) *Error {
	if errors.Is(err, chunks.ErrChunkNotFound) {
		return newError(KindAssembly, op, fmt.Sprintf("missing chunk %d", index), err)
	}
	return newError(KindAssembly, op, fmt.Sprintf("read chunk %d", index), err)
}

// missingIndices returns up to maxReportedMissing indices in [0, total)
// absent from present.
func missingIndices(present []int, total int) []int {
	have := make(map[int]struct{}, len(present))
	count := 0
	for _, i := range present {
		if i >= 0 && i < total {
			if _, dup := have[i]; !dup {
				count++
			}
			have[i] = struct{}{}
		}
	}
	if count == total {
		return nil
	}

	missing := make([]int, 0, maxReportedMissing)
	for i := 0; i < total && len(missing) < maxReportedMissing; i++ {
		if _, ok := have[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}
