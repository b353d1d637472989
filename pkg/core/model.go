package core

import (
	"time"
)

// Dataset is an assembled upload
type Dataset struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	Data []byte `json:"-"`
}

// MergeResult is returned to the client after a successful merge
type MergeResult struct {
	Filename   string     `json:"filename"`
	Size       int64      `json:"size"`
	Credential Credential `json:"key"`
}

// TrainResult describes a freshly persisted model
type TrainResult struct {
	Accuracy     float64   `json:"accuracy"`
	TrainSamples int       `json:"train_samples"`
	TestSamples  int       `json:"test_samples"`
	Classes      []string  `json:"classes"`
	Dataset      string    `json:"dataset"`
	TrainedAt    time.Time `json:"trained_at"`
}
