package ml

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Schema names the label column and the ordered feature columns of a
// dataset. Columns not listed are ignored.
type Schema struct {
	Label    string   `yaml:"label" cbor:"label"`
	Features []string `yaml:"features" cbor:"features"`
}

// IrisSchema is the schema of the Iris CSV: Id is ignored, Species is the label.
func IrisSchema() Schema {
	return Schema{
		Label:    "Species",
		Features: []string{"SepalLengthCm", "SepalWidthCm", "PetalLengthCm", "PetalWidthCm"},
	}
}

// Validate checks that the schema names a label and at least one feature
func (s Schema) Validate() error {
	if strings.TrimSpace(s.Label) == "" {
		return errors.New("schema label column is required")
	}
	if len(s.Features) == 0 {
		return errors.New("schema needs at least one feature column")
	}
	return nil
}

// Dataset is a numeric feature matrix with one string label per row
type Dataset struct {
	Features [][]float64
	Labels   []string
}

// Len returns the number of rows
func (d *Dataset) Len() int {
	return len(d.Labels)
}

func (d *Dataset) subset(rows []int) *Dataset {
	out := &Dataset{
		Features: make([][]float64, 0, len(rows)),
		Labels:   make([]string, 0, len(rows)),
	}
	for _, i := range rows {
		out.Features = append(out.Features, d.Features[i])
		out.Labels = append(out.Labels, d.Labels[i])
	}
	return out
}

// ReadCSV parses a headed CSV stream into a Dataset following schema
func ReadCSV(r io.Reader, schema Schema) (*Dataset, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty dataset", ErrTooFewSamples)
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(name)] = i
	}

	labelCol, ok := columns[schema.Label]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, schema.Label)
	}
	featureCols := make([]int, len(schema.Features))
	for i, name := range schema.Features {
		col, ok := columns[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
		featureCols[i] = col
	}

	ds := &Dataset{}
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line, err)
		}

		label := strings.TrimSpace(record[labelCol])
		if label == "" {
			return nil, fmt.Errorf("%w: empty %s on row %d", ErrInvalidValue, schema.Label, line)
		}

		row := make([]float64, len(featureCols))
		for i, col := range featureCols {
			value, err := strconv.ParseFloat(strings.TrimSpace(record[col]), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s on row %d: %q", ErrInvalidValue, schema.Features[i], line, record[col])
			}
			row[i] = value
		}

		ds.Features = append(ds.Features, row)
		ds.Labels = append(ds.Labels, label)
	}

	return ds, nil
}
