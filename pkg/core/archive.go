package core

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	commons3 "github.com/xxxsen/common/s3"
	"go.uber.org/zap"

	"github.com/3FT-io/datagate/pkg/config"
)

// Archiver mirrors assembled datasets to long-term storage
type Archiver interface {
	Archive(ctx context.Context, identity string, dataset *Dataset) error
}

// ObjectUploader is the part of an S3 client the archiver uses
type ObjectUploader interface {
	Upload(ctx context.Context, key string, r *bytes.Reader, size int64) error
}

// S3Archiver stores each dataset under <prefix>/<identity>/<filename>
type S3Archiver struct {
	uploader ObjectUploader
	prefix   string
	logger   *zap.Logger
}

type s3Uploader struct {
	client *commons3.S3Client
}

func (u *s3Uploader) Upload(ctx context.Context, key string, r *bytes.Reader, size int64) error {
	if _, err := u.client.Upload(ctx, key, readSeekCloser{r}, size); err != nil {
		return err
	}
	return nil
}

type readSeekCloser struct {
	*bytes.Reader
}

func (readSeekCloser) Close() error {
	return nil
}

// NewS3Archiver connects to the bucket described by cfg
func NewS3Archiver(cfg config.ArchiveConfig, logger *zap.Logger) (*S3Archiver, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" || cfg.SecretID == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("archive endpoint/bucket/secret_id/secret_key are required")
	}
	region := cfg.Region
	if region == "" {
		region = "cn"
	}
	client, err := commons3.New(
		commons3.WithEndpoint(cfg.Endpoint),
		commons3.WithSecret(cfg.SecretID, cfg.SecretKey),
		commons3.WithBucket(cfg.Bucket),
		commons3.WithRegion(region),
		commons3.WithSSL(cfg.UseSSL),
	)
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return NewArchiver(&s3Uploader{client: client}, cfg.Prefix, logger), nil
}

// NewArchiver wraps any uploader
func NewArchiver(uploader ObjectUploader, prefix string, logger *zap.Logger) *S3Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Archiver{
		uploader: uploader,
		prefix:   strings.Trim(prefix, "/"),
		logger:   logger,
	}
}

// Key returns the object key for a dataset
func (a *S3Archiver) Key(identity, filename string) string {
	key := path.Join(identity, filename)
	if a.prefix != "" {
		key = path.Join(a.prefix, key)
	}
	return strings.TrimPrefix(key, "/")
}

func (a *S3Archiver) Archive(ctx context.Context, identity string, dataset *Dataset) error {
	key := a.Key(identity, dataset.Name)
	if err := a.uploader.Upload(ctx, key, bytes.NewReader(dataset.Data), int64(len(dataset.Data))); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	a.logger.Info("Dataset archived", zap.String("key", key), zap.Int("size", len(dataset.Data)))
	return nil
}
