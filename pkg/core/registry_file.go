package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultLockTimeout bounds how long the file backend waits for the
// cross-process registry lock.
const DefaultLockTimeout = 30 * time.Second

// FileBackend keeps the registry in a single JSON object on disk. Every
// Put loads the whole file, changes one entry and rewrites it.
type FileBackend struct {
	path        string
	lockTimeout time.Duration
	mu          sync.RWMutex
}

// NewFileBackend opens the registry file at path, creating it as {} when
// it does not exist.
func NewFileBackend(path string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	b := &FileBackend{path: path, lockTimeout: DefaultLockTimeout}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := b.write(map[string]string{}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	return b, nil
}

// Get returns the stored credential for identity
func (b *FileBackend) Get(ctx context.Context, identity string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entries, err := b.read()
	if err != nil {
		return "", false, err
	}
	credential, ok := entries[identity]
	return credential, ok, nil
}

// Put replaces the credential for identity
func (b *FileBackend) Put(ctx context.Context, identity, credential string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	lock, err := newFileLock(b.path+".lock", b.lockTimeout)
	if err != nil {
		return fmt.Errorf("create registry lock: %w", err)
	}
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire registry lock: %w", err)
	}
	defer lock.Unlock()

	entries, err := b.read()
	if err != nil {
		return err
	}
	entries[identity] = credential
	return b.write(entries)
}

// Close is a no-op; the file is reopened on every access
func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) read() (map[string]string, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	entries := make(map[string]string)
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("invalid registry file %s: %w", b.path, err)
	}
	return entries, nil
}

// write replaces the registry file through a temp file and rename
func (b *FileBackend) write(entries map[string]string) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit registry: %w", err)
	}
	return nil
}
