package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// CreateTempDir creates a temporary directory and returns its path along with a cleanup function
func CreateTempDir(t *testing.T, prefix string) (string, func()) {
	tmpDir, err := os.MkdirTemp("", prefix)
	require.NoError(t, err)

	cleanup := func() {
		os.RemoveAll(tmpDir)
	}

	return tmpDir, cleanup
}

// CreateTestFile creates a temporary file with the given content and returns its path
func CreateTestFile(t *testing.T, dir, name, content string) string {
	path := filepath.Join(dir, name)
	err := os.WriteFile(path, []byte(content), 0644)
	require.NoError(t, err)
	return path
}

var irisCenters = []struct {
	species  string
	features [4]float64
}{
	{"Iris-setosa", [4]float64{5.0, 3.5, 1.4, 0.2}},
	{"Iris-versicolor", [4]float64{5.9, 2.0, 4.3, 1.3}},
	{"Iris-virginica", [4]float64{6.6, 3.5, 5.6, 2.0}},
}

// IrisLabels are the species produced by IrisCSV
var IrisLabels = []string{"Iris-setosa", "Iris-versicolor", "Iris-virginica"}

// IrisCSV returns a deterministic Iris-shaped CSV (Id, four measurements,
// Species) with rowsPerClass well separated rows per species.
func IrisCSV(rowsPerClass int) string {
	var b strings.Builder
	b.WriteString("Id,SepalLengthCm,SepalWidthCm,PetalLengthCm,PetalWidthCm,Species\n")

	id := 1
	for i := 0; i < rowsPerClass; i++ {
		for _, c := range irisCenters {
			jitter := float64(i%5-2) * 0.05
			fmt.Fprintf(&b, "%d,%.2f,%.2f,%.2f,%.2f,%s\n",
				id,
				c.features[0]+jitter,
				c.features[1]-jitter,
				c.features[2]+jitter,
				c.features[3]+jitter/2,
				c.species,
			)
			id++
		}
	}

	return b.String()
}
