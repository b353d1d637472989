package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3FT-io/datagate/pkg/api"
	"github.com/3FT-io/datagate/pkg/config"
	"github.com/3FT-io/datagate/pkg/core"
	"github.com/3FT-io/datagate/pkg/testutil"
)

type APIResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Kind    string          `json:"kind,omitempty"`
}

func setupTestAPI(t *testing.T, mutate func(*config.Config)) (http.Handler, func()) {
	tmpDir, cleanup := testutil.CreateTempDir(t, "datagate-api-*")

	cfg := config.DefaultConfig()
	cfg.Storage = config.StorageConfig{
		Path:       tmpDir,
		ChunkDir:   filepath.Join(tmpDir, "chunks"),
		DatasetDir: filepath.Join(tmpDir, "datasets"),
		ModelPath:  filepath.Join(tmpDir, "model.dgm"),
	}
	cfg.Registry.Path = filepath.Join(tmpDir, "registry.json")
	cfg.Server.Port = 0
	if mutate != nil {
		mutate(cfg)
	}

	node, err := core.NewNode(cfg)
	require.NoError(t, err)

	apiInstance, err := api.NewAPI(node, cfg.Server, zap.NewNop())
	require.NoError(t, err)

	return apiInstance.Handler(), func() {
		node.Stop()
		cleanup()
	}
}

func serve(t *testing.T, h http.Handler, req *http.Request) (int, APIResponse) {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var response APIResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return w.Code, response
}

func uploadRequest(t *testing.T, clientID, filename string, index int, data []byte) *http.Request {
	var b bytes.Buffer
	writer := multipart.NewWriter(&b)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	url := fmt.Sprintf("/upload?client_id=%s&filename=%s&chunk_number=%d", clientID, filename, index)
	req := httptest.NewRequest("POST", url, &b)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func mergeRequest(clientID, filename string, total int) *http.Request {
	url := fmt.Sprintf("/merge?client_id=%s&filename=%s&total_chunks=%d", clientID, filename, total)
	return httptest.NewRequest("POST", url, nil)
}

func jsonRequest(t *testing.T, path string, body any) *http.Request {
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest("POST", path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func pushDataset(t *testing.T, h http.Handler, clientID, filename string, data []byte, chunkSize int) string {
	total := 0
	for offset := 0; offset < len(data); offset += chunkSize {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		code, resp := serve(t, h, uploadRequest(t, clientID, filename, total, data[offset:end]))
		require.Equal(t, http.StatusOK, code, resp.Error)
		total++
	}

	code, resp := serve(t, h, mergeRequest(clientID, filename, total))
	require.Equal(t, http.StatusOK, code, resp.Error)

	var merged core.MergeResult
	require.NoError(t, json.Unmarshal(resp.Data, &merged))
	return string(merged.Credential)
}

func TestHealthCheck(t *testing.T) {
	h, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	code, response := serve(t, h, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, http.StatusOK, code)
	assert.True(t, response.Success)
	assert.Contains(t, string(response.Data), "healthy")
}

func TestUploadChunk(t *testing.T) {
	h, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	code, response := serve(t, h, uploadRequest(t, "alice", "d.csv", 0, []byte("abcde")))
	require.Equal(t, http.StatusOK, code)
	assert.True(t, response.Success)

	var receipt api.UploadResponse
	require.NoError(t, json.Unmarshal(response.Data, &receipt))
	assert.Equal(t, "d.csv", receipt.Filename)
	assert.Equal(t, 0, receipt.Index)
	assert.Equal(t, int64(5), receipt.Size)
	assert.Len(t, receipt.Checksum, 64)
}

func TestUploadValidation(t *testing.T) {
	h, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	t.Run("missing file part", func(t *testing.T) {
		var b bytes.Buffer
		writer := multipart.NewWriter(&b)
		require.NoError(t, writer.WriteField("other", "x"))
		require.NoError(t, writer.Close())
		req := httptest.NewRequest("POST", "/upload?client_id=a&filename=d.csv&chunk_number=0", &b)
		req.Header.Set("Content-Type", writer.FormDataContentType())

		code, response := serve(t, h, req)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "invalid_request", response.Kind)
	})

	t.Run("bad chunk number", func(t *testing.T) {
		req := uploadRequest(t, "a", "d.csv", 0, []byte("x"))
		req.URL.RawQuery = "client_id=a&filename=d.csv&chunk_number=abc"
		code, _ := serve(t, h, req)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("traversal filename", func(t *testing.T) {
		req := uploadRequest(t, "a", "d.csv", 0, []byte("x"))
		req.URL.RawQuery = "client_id=a&filename=..%2Fescape.csv&chunk_number=0"
		code, response := serve(t, h, req)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.False(t, response.Success)
	})

	t.Run("missing client id", func(t *testing.T) {
		code, _ := serve(t, h, uploadRequest(t, "", "d.csv", 0, []byte("x")))
		assert.Equal(t, http.StatusBadRequest, code)
	})
}

func TestUploadTooLarge(t *testing.T) {
	h, cleanup := setupTestAPI(t, func(cfg *config.Config) {
		cfg.Server.MaxChunkBytes = 16
	})
	defer cleanup()

	code, response := serve(t, h, uploadRequest(t, "alice", "d.csv", 0, bytes.Repeat([]byte("x"), 64)))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, response.Success)
}

func TestMergeReturnsKey(t *testing.T) {
	h, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	key := pushDataset(t, h, "alice", "d.csv", []byte("0123456789"), 5)
	assert.Len(t, key, 64)
}

func TestMergeMissingChunk(t *testing.T) {
	h, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	code, _ := serve(t, h, uploadRequest(t, "alice", "d.csv", 0, []byte("abc")))
	require.Equal(t, http.StatusOK, code)

	code, response := serve(t, h, mergeRequest("alice", "d.csv", 3))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "assembly", response.Kind)
	assert.False(t, response.Success)
}

func TestMergeBadTotal(t *testing.T) {
	h, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	for _, total := range []string{"abc", "0", "-2"} {
		req := httptest.NewRequest("POST", "/merge?client_id=a&filename=d.csv&total_chunks="+total, nil)
		code, _ := serve(t, h, req)
		assert.Equal(t, http.StatusBadRequest, code, total)
	}
}

func TestTrainAndPredict(t *testing.T) {
	h, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	key := pushDataset(t, h, "alice", "Iris.csv", []byte(testutil.IrisCSV(20)), 512)

	code, response := serve(t, h, jsonRequest(t, "/train", api.TrainRequest{DataPath: "Iris.csv"}))
	require.Equal(t, http.StatusOK, code, response.Error)
	var trained core.TrainResult
	require.NoError(t, json.Unmarshal(response.Data, &trained))
	assert.GreaterOrEqual(t, trained.Accuracy, 0.9)

	code, response = serve(t, h, jsonRequest(t, "/predict", api.PredictRequest{
		ClientID: "alice",
		Key:      key,
		Data:     []float64{5.1, 3.5, 1.4, 0.2},
	}))
	require.Equal(t, http.StatusOK, code, response.Error)
	var predicted api.PredictResponse
	require.NoError(t, json.Unmarshal(response.Data, &predicted))
	assert.Equal(t, []string{"Iris-setosa"}, predicted.Prediction)

	code, response = serve(t, h, httptest.NewRequest("GET", "/model", nil))
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(response.Data), "Iris-versicolor")
}

func TestPredictUnauthorized(t *testing.T) {
	h, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	pushDataset(t, h, "alice", "Iris.csv", []byte(testutil.IrisCSV(20)), 4096)
	code, _ := serve(t, h, jsonRequest(t, "/train", api.TrainRequest{DataPath: "Iris.csv"}))
	require.Equal(t, http.StatusOK, code)

	code, response := serve(t, h, jsonRequest(t, "/predict", api.PredictRequest{
		ClientID: "unauthorized_client",
		Key:      "invalid_key",
		Data:     []float64{5.1, 3.5, 1.4, 0.2},
	}))
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "unauthorized", response.Error)
	assert.Equal(t, "authorization", response.Kind)
}

func TestPredictBeforeTrain(t *testing.T) {
	h, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	key := pushDataset(t, h, "alice", "d.csv", []byte("abc"), 3)

	code, response := serve(t, h, jsonRequest(t, "/predict", api.PredictRequest{
		ClientID: "alice",
		Key:      key,
		Data:     []float64{5.1, 3.5, 1.4, 0.2},
	}))
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "serving", response.Kind)
}

func TestTrainErrors(t *testing.T) {
	h, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	req := httptest.NewRequest("POST", "/train", strings.NewReader("{not json"))
	code, _ := serve(t, h, req)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = serve(t, h, jsonRequest(t, "/train", api.TrainRequest{DataPath: "/etc/passwd"}))
	assert.Equal(t, http.StatusBadRequest, code)

	code, response := serve(t, h, jsonRequest(t, "/train", api.TrainRequest{DataPath: "missing.csv"}))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "training", response.Kind)
}

func TestJobsEndpoint(t *testing.T) {
	h, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	code, response := serve(t, h, httptest.NewRequest("GET", "/jobs", nil))
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, response.Success)
	// jobs are only scheduled once the node starts
	assert.JSONEq(t, "[]", string(response.Data))
}

func TestMetricsEndpoint(t *testing.T) {
	h, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	pushDataset(t, h, "alice", "d.csv", []byte("abc"), 3)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "datagate_chunks_uploaded_total 1")
	assert.Contains(t, string(body), `datagate_merges_total{outcome="success"} 1`)
}

func TestNetworkRoutesDisabled(t *testing.T) {
	h, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/network/status", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestIDHeader(t *testing.T) {
	h, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-Id", "fixed")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "fixed", w.Header().Get("X-Request-Id"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind core.Kind
		want int
	}{
		{core.KindInvalidRequest, http.StatusBadRequest},
		{core.KindAuthorization, http.StatusForbidden},
		{core.KindServing, http.StatusServiceUnavailable},
		{core.KindTransfer, http.StatusInternalServerError},
		{core.KindAssembly, http.StatusInternalServerError},
		{core.KindTraining, http.StatusInternalServerError},
		{core.KindPrediction, http.StatusInternalServerError},
		{core.KindUnknown, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, api.StatusFor(tt.kind), tt.kind.String())
	}
}
