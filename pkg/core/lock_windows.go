//go:build windows

package core

import (
	"fmt"
	"os"
	"time"
)

// fileLock on Windows only guards the lock file's existence; the backend's
// in-process mutex still serializes writers within one server.
type fileLock struct {
	file *os.File
}

func newFileLock(path string, timeout time.Duration) (*fileLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &fileLock{file: file}, nil
}

func (l *fileLock) Lock() error {
	return nil
}

func (l *fileLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
