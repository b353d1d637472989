package codec_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FT-io/datagate/pkg/codec"
)

type sample struct {
	Name    string             `cbor:"name"`
	Weights []float64          `cbor:"weights"`
	Index   map[string]float64 `cbor:"index"`
}

func TestMarshalDeterministic(t *testing.T) {
	value := sample{
		Name:    "svm",
		Weights: []float64{0.5, -1.25, 3},
		Index:   map[string]float64{"b": 2, "a": 1, "c": 3},
	}

	first, err := codec.Marshal(value)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := codec.Marshal(value)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	var decoded sample
	require.NoError(t, codec.Unmarshal(first, &decoded))
	assert.Equal(t, value, decoded)
}

func TestCompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("SepalLengthCm,SepalWidthCm,PetalLengthCm\n"), 200)

	for _, c := range []codec.Compression{codec.CompressionNone, codec.CompressionLZ4, codec.CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			compressed, used, err := codec.Compress(data, c)
			require.NoError(t, err)
			assert.Equal(t, c, used)
			if c != codec.CompressionNone {
				assert.Less(t, len(compressed), len(data))
			}

			restored, err := codec.Decompress(compressed, used, len(data))
			require.NoError(t, err)
			assert.Equal(t, data, restored)
		})
	}
}

func TestCompressFallsBackForTinyInput(t *testing.T) {
	data := []byte("abc")

	for _, c := range []codec.Compression{codec.CompressionLZ4, codec.CompressionZstd} {
		out, used, err := codec.Compress(data, c)
		require.NoError(t, err)
		assert.Equal(t, codec.CompressionNone, used)
		assert.Equal(t, data, out)
	}
}

func TestDecompressSizeMismatch(t *testing.T) {
	_, err := codec.Decompress([]byte("abc"), codec.CompressionNone, 4)
	assert.Error(t, err)
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		name    string
		want    codec.Compression
		wantErr bool
	}{
		{"", codec.CompressionZstd, false},
		{"zstd", codec.CompressionZstd, false},
		{"LZ4", codec.CompressionLZ4, false},
		{"none", codec.CompressionNone, false},
		{"gzip", 0, true},
	}

	for _, tt := range tests {
		got, err := codec.ParseCompression(tt.name)
		if tt.wantErr {
			assert.Error(t, err, tt.name)
			continue
		}
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}
}
