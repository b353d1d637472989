package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3FT-io/datagate/pkg/api"
	"github.com/3FT-io/datagate/pkg/chunks"
	"github.com/3FT-io/datagate/pkg/core"
)

const (
	DefaultChunkSize = 1024 * 1024 // 1MB
	DefaultRetries   = 3
	DefaultBackoff   = 200 * time.Millisecond
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrModelUnavailable = errors.New("model unavailable")
	ErrNoCredential     = errors.New("no credential: merge a dataset first")
	ErrChecksumMismatch = errors.New("chunk checksum mismatch")
)

// APIError is a non-2xx reply from the server
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Kind, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusForbidden
	case ErrModelUnavailable:
		return e.Status == http.StatusServiceUnavailable
	}
	return false
}

func (e *APIError) retryable() bool {
	return e.Status >= http.StatusInternalServerError && e.Status != http.StatusServiceUnavailable
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Kind    string          `json:"kind"`
}

// TransferClient pushes datasets to a server in chunks and then uses the
// credential it receives to train and predict.
type TransferClient struct {
	baseURL    string
	identity   string
	httpClient *http.Client
	chunkSize  int
	retries    int
	backoff    time.Duration
	logger     *zap.Logger

	mu         sync.RWMutex
	credential core.Credential
}

// Option configures a TransferClient
type Option func(*TransferClient)

func WithHTTPClient(c *http.Client) Option {
	return func(t *TransferClient) {
		t.httpClient = c
	}
}

// WithChunkSize sets the upload chunk size in bytes
func WithChunkSize(size int) Option {
	return func(t *TransferClient) {
		t.chunkSize = size
	}
}

// WithRetries sets how many times a failed chunk is resent and the first
// backoff delay, which doubles on every attempt.
func WithRetries(retries int, backoff time.Duration) Option {
	return func(t *TransferClient) {
		t.retries = retries
		t.backoff = backoff
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *TransferClient) {
		t.logger = logger
	}
}

// WithCredential presets the credential, e.g. one saved from an earlier merge
func WithCredential(c core.Credential) Option {
	return func(t *TransferClient) {
		t.credential = c
	}
}

func New(baseURL, identity string, opts ...Option) (*TransferClient, error) {
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	if identity == "" {
		return nil, fmt.Errorf("client identity is required")
	}

	t := &TransferClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		identity:   identity,
		httpClient: http.DefaultClient,
		chunkSize:  DefaultChunkSize,
		retries:    DefaultRetries,
		backoff:    DefaultBackoff,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive")
	}
	if t.retries < 0 {
		t.retries = 0
	}
	return t, nil
}

// Credential returns the credential from the last merge
func (t *TransferClient) Credential() core.Credential {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.credential
}

// ChunkCount is the number of chunks a file of size bytes is split into
func (t *TransferClient) ChunkCount(size int64) int {
	if size <= 0 {
		return 1
	}
	n := size / int64(t.chunkSize)
	if size%int64(t.chunkSize) != 0 {
		n++
	}
	return int(n)
}

// UploadFile sends the file at path chunk by chunk and returns the name
// it was staged under and the chunk count to merge with.
func (t *TransferClient) UploadFile(ctx context.Context, path string) (string, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", 0, err
	}

	filename := filepath.Base(path)
	total := t.ChunkCount(info.Size())
	buf := make([]byte, t.chunkSize)

	for i := 0; i < total; i++ {
		n, err := io.ReadFull(file, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return "", 0, fmt.Errorf("read chunk %d: %w", i, err)
		}
		if err := t.uploadChunk(ctx, filename, i, buf[:n]); err != nil {
			return "", 0, err
		}
	}

	t.logger.Info("File uploaded",
		zap.String("filename", filename),
		zap.Int64("size", info.Size()),
		zap.Int("chunks", total),
	)
	return filename, total, nil
}

func (t *TransferClient) uploadChunk(ctx context.Context, filename string, index int, data []byte) error {
	want := chunks.Checksum(data)
	delay := t.backoff

	var lastErr error
	for attempt := 0; attempt <= t.retries; attempt++ {
		if attempt > 0 {
			t.logger.Warn("Retrying chunk",
				zap.String("filename", filename),
				zap.Int("index", index),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		receipt, err := t.sendChunk(ctx, filename, index, data)
		if err == nil && receipt.Checksum != want {
			err = fmt.Errorf("chunk %d: %w", index, ErrChecksumMismatch)
		}
		if err == nil {
			return nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.retryable() {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("upload chunk %d after %d attempts: %w", index, t.retries+1, lastErr)
}

func (t *TransferClient) sendChunk(ctx context.Context, filename string, index int, data []byte) (*api.UploadResponse, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("client_id", t.identity)
	query.Set("filename", filename)
	query.Set("chunk_number", strconv.Itoa(index))

	var receipt api.UploadResponse
	if err := t.do(ctx, http.MethodPost, "/upload?"+query.Encode(), writer.FormDataContentType(), &body, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Merge asks the server to assemble filename and keeps the credential
func (t *TransferClient) Merge(ctx context.Context, filename string, total int) (core.Credential, error) {
	query := url.Values{}
	query.Set("client_id", t.identity)
	query.Set("filename", filename)
	query.Set("total_chunks", strconv.Itoa(total))

	var result core.MergeResult
	if err := t.do(ctx, http.MethodPost, "/merge?"+query.Encode(), "", nil, &result); err != nil {
		return "", err
	}

	t.mu.Lock()
	t.credential = result.Credential
	t.mu.Unlock()

	return result.Credential, nil
}

// Push uploads and merges path in one call
func (t *TransferClient) Push(ctx context.Context, path string) (core.Credential, error) {
	filename, total, err := t.UploadFile(ctx, path)
	if err != nil {
		return "", err
	}
	return t.Merge(ctx, filename, total)
}

// Train asks the server to train on dataPath and returns the accuracy
func (t *TransferClient) Train(ctx context.Context, dataPath string) (*core.TrainResult, error) {
	body, err := json.Marshal(api.TrainRequest{DataPath: dataPath})
	if err != nil {
		return nil, err
	}

	var result core.TrainResult
	if err := t.do(ctx, http.MethodPost, "/train", "application/json", bytes.NewReader(body), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Predict classifies one feature row with the stored credential
func (t *TransferClient) Predict(ctx context.Context, features []float64) (string, error) {
	credential := t.Credential()
	if credential == "" {
		return "", ErrNoCredential
	}

	body, err := json.Marshal(api.PredictRequest{
		ClientID: t.identity,
		Key:      string(credential),
		Data:     features,
	})
	if err != nil {
		return "", err
	}

	var result api.PredictResponse
	if err := t.do(ctx, http.MethodPost, "/predict", "application/json", bytes.NewReader(body), &result); err != nil {
		return "", err
	}
	if len(result.Prediction) == 0 {
		return "", fmt.Errorf("empty prediction")
	}
	return result.Prediction[0], nil
}

func (t *TransferClient) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest || !env.Success {
		return &APIError{Status: resp.StatusCode, Kind: env.Kind, Message: env.Error}
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}
