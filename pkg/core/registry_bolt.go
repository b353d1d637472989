package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketCredentials = []byte("credentials")

// BoltBackend keeps the registry in a BoltDB bucket keyed by identity
type BoltBackend struct {
	db *bolt.DB
}

// NewBoltBackend opens (or creates) the database at path
func NewBoltBackend(path string) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: DefaultLockTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCredentials)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

// Get returns the stored credential for identity
func (b *BoltBackend) Get(ctx context.Context, identity string) (string, bool, error) {
	var (
		credential string
		found      bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCredentials).Get([]byte(identity))
		if v == nil {
			return nil
		}
		found = true
		credential = string(v)
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return credential, found, nil
}

// Put replaces the credential for identity
func (b *BoltBackend) Put(ctx context.Context, identity, credential string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Put([]byte(identity), []byte(credential))
	})
}

// Close closes the underlying BoltDB
func (b *BoltBackend) Close() error {
	return b.db.Close()
}
