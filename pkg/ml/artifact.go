package ml

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/3FT-io/datagate/pkg/codec"
)

var artifactMagic = []byte("DGMA")

const artifactHeaderSize = 4 + 1 + 8

// Artifact is everything needed to serve predictions: the fitted scaler
// and classifier travel together so they can never drift apart.
type Artifact struct {
	Schema       Schema         `cbor:"schema"`
	Scaler       StandardScaler `cbor:"scaler"`
	Classifier   LinearSVM      `cbor:"classifier"`
	Accuracy     float64        `cbor:"accuracy"`
	TrainSamples int            `cbor:"train_samples"`
	TestSamples  int            `cbor:"test_samples"`
	TrainedAt    time.Time      `cbor:"trained_at"`
}

// Predict scales x with the stored parameters and classifies it
func (a *Artifact) Predict(x []float64) (string, error) {
	scaled, err := a.Scaler.TransformRow(x)
	if err != nil {
		return "", err
	}
	return a.Classifier.Predict(scaled)
}

// EncodeArtifact serializes a as header || body, where the body is CBOR
// compressed with c when that helps.
func EncodeArtifact(a *Artifact, c codec.Compression) ([]byte, error) {
	body, err := codec.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}

	compressed, used, err := codec.Compress(body, c)
	if err != nil {
		return nil, fmt.Errorf("compress artifact: %w", err)
	}

	out := make([]byte, artifactHeaderSize, artifactHeaderSize+len(compressed))
	copy(out, artifactMagic)
	out[4] = byte(used)
	binary.BigEndian.PutUint64(out[5:artifactHeaderSize], uint64(len(body)))
	return append(out, compressed...), nil
}

// DecodeArtifact parses bytes produced by EncodeArtifact
func DecodeArtifact(data []byte) (*Artifact, error) {
	if len(data) < artifactHeaderSize || !bytes.Equal(data[:4], artifactMagic) {
		return nil, fmt.Errorf("%w: bad header", ErrBadArtifact)
	}

	size := binary.BigEndian.Uint64(data[5:artifactHeaderSize])
	if size > uint64(len(data))*1024 {
		return nil, fmt.Errorf("%w: implausible body size %d", ErrBadArtifact, size)
	}

	body, err := codec.Decompress(data[artifactHeaderSize:], codec.Compression(data[4]), int(size))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArtifact, err)
	}

	var a Artifact
	if err := codec.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArtifact, err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Validate checks that the scaler and classifier agree on one feature
// dimension and that every class has a weight row and a bias.
func (a *Artifact) Validate() error {
	dim := len(a.Scaler.Mean)
	if dim == 0 || len(a.Scaler.Scale) != dim {
		return fmt.Errorf("%w: scaler has %d means and %d scales", ErrBadArtifact, dim, len(a.Scaler.Scale))
	}
	if n := len(a.Schema.Features); n != 0 && n != dim {
		return fmt.Errorf("%w: schema names %d features, scaler has %d", ErrBadArtifact, n, dim)
	}

	c := a.Classifier
	if len(c.Classes) == 0 {
		return fmt.Errorf("%w: classifier has no classes", ErrBadArtifact)
	}
	if len(c.Weights) != len(c.Classes) || len(c.Bias) != len(c.Classes) {
		return fmt.Errorf("%w: %d classes, %d weight rows, %d biases",
			ErrBadArtifact, len(c.Classes), len(c.Weights), len(c.Bias))
	}
	for k, w := range c.Weights {
		if len(w) != dim {
			return fmt.Errorf("%w: weight row %d has %d entries, want %d", ErrBadArtifact, k, len(w), dim)
		}
	}
	return nil
}

// WriteArtifact persists a at path, replacing any previous artifact in a
// single rename.
func WriteArtifact(path string, a *Artifact, c codec.Compression) error {
	data, err := EncodeArtifact(a, c)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + "." + uuid.New().String() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// ReadArtifact loads the artifact at path. A missing file is reported with
// an error satisfying errors.Is(err, fs.ErrNotExist).
func ReadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeArtifact(data)
}
