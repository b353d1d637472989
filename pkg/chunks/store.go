package chunks

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// ErrChunkNotFound is returned when no chunk is staged at the requested key.
var ErrChunkNotFound = errors.New("chunks: chunk not found")

const (
	partSeparator = ".part"
	tempSuffix    = ".tmp"
)

// Chunk is one staged fragment of a dataset transfer
type Chunk struct {
	Filename string `json:"filename"`
	Index    int    `json:"index"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
	Data     []byte `json:"-"`
}

// Store keeps in-flight chunks on disk, one file per (filename, index)
type Store struct {
	basePath string
}

// NewStore creates a new chunk store rooted at basePath
func NewStore(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, err
	}

	return &Store{
		basePath: basePath,
	}, nil
}

// Put stores a chunk, replacing whatever was staged at the same key.
// The payload is written to a private temp file and renamed into place, so
// concurrent writers never interleave bytes.
func (s *Store) Put(ctx context.Context, filename string, index int, data []byte) (*Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := s.Path(filename, index)
	tmp := path + "." + uuid.New().String() + tempSuffix

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("write chunk %d of %s: %w", index, filename, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("commit chunk %d of %s: %w", index, filename, err)
	}

	return &Chunk{
		Filename: filename,
		Index:    index,
		Size:     int64(len(data)),
		Checksum: Checksum(data),
	}, nil
}

// Get reads a staged chunk
func (s *Store) Get(ctx context.Context, filename string, index int) (*Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.Path(filename, index))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s part %d", ErrChunkNotFound, filename, index)
		}
		return nil, err
	}

	return &Chunk{
		Filename: filename,
		Index:    index,
		Size:     int64(len(data)),
		Checksum: Checksum(data),
		Data:     data,
	}, nil
}

// Delete removes a staged chunk. Deleting a missing chunk is not an error.
func (s *Store) Delete(ctx context.Context, filename string, index int) error {
	err := os.Remove(s.Path(filename, index))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Indices returns the sorted chunk indices currently staged for filename
func (s *Store) Indices(ctx context.Context, filename string) ([]int, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	prefix := filename + partSeparator
	indices := make([]int, 0)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		index, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if err != nil {
			continue
		}
		indices = append(indices, index)
	}
	sort.Ints(indices)

	return indices, nil
}

// Sweep deletes staged chunks and abandoned temp files last modified before
// now-olderThan. It returns how many files were removed.
func (s *Store) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if entry.IsDir() || !isStagingFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.basePath, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, err
		}
		removed++
	}

	return removed, nil
}

// Path returns the staging path for a chunk
func (s *Store) Path(filename string, index int) string {
	return filepath.Join(s.basePath, filename+partSeparator+strconv.Itoa(index))
}

// BasePath returns the staging directory
func (s *Store) BasePath() string {
	return s.basePath
}

// Checksum returns the hex BLAKE3-256 digest used in chunk receipts
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func isStagingFile(name string) bool {
	if strings.HasSuffix(name, tempSuffix) && strings.Contains(name, partSeparator) {
		return true
	}
	i := strings.LastIndex(name, partSeparator)
	if i < 0 {
		return false
	}
	_, err := strconv.Atoi(name[i+len(partSeparator):])
	return err == nil
}
