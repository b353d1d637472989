package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/3FT-io/datagate/pkg/config"
	"github.com/3FT-io/datagate/pkg/core"
)

// multipartOverhead is allowed on top of the chunk limit for form framing
const multipartOverhead = 1 << 20

type API struct {
	node          *core.Node
	logger        *zap.Logger
	handler       http.Handler
	server        *http.Server
	maxChunkBytes int64
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    string      `json:"kind,omitempty"`
}

// UploadResponse is returned for every staged chunk
type UploadResponse struct {
	Filename string `json:"filename"`
	Index    int    `json:"index"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// TrainRequest names the dataset to train on
type TrainRequest struct {
	DataPath string `json:"data_path"`
}

// PredictRequest carries the caller's credential and one feature row
type PredictRequest struct {
	ClientID string    `json:"client_id"`
	Key      string    `json:"key"`
	Data     []float64 `json:"data"`
}

// PredictResponse wraps the label in a one-element list
type PredictResponse struct {
	Prediction []string `json:"prediction"`
}

func NewAPI(node *core.Node, cfg config.ServerConfig, logger *zap.Logger) (*API, error) {
	if node == nil {
		return nil, fmt.Errorf("node is required")
	}
	if logger == nil {
		var err error
		if logger, err = zap.NewProduction(); err != nil {
			return nil, err
		}
	}

	maxChunkBytes := cfg.MaxChunkBytes
	if maxChunkBytes <= 0 {
		maxChunkBytes = config.DefaultConfig().Server.MaxChunkBytes
	}

	api := &API{
		node:          node,
		logger:        logger,
		maxChunkBytes: maxChunkBytes,
	}

	router := mux.NewRouter()
	api.setupRoutes(router)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Content-Length", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	})
	api.handler = corsHandler.Handler(api.requestID(router))

	api.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.Port),
		Handler:      api.handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return api, nil
}

func (api *API) setupRoutes(router *mux.Router) {
	router.HandleFunc("/health", api.HealthCheck).Methods("GET")

	// Dataset transfer
	router.HandleFunc("/upload", api.UploadChunk).Methods("POST")
	router.HandleFunc("/merge", api.MergeChunks).Methods("POST")

	// Model lifecycle
	router.HandleFunc("/train", api.TrainModel).Methods("POST")
	router.HandleFunc("/predict", api.Predict).Methods("POST")
	router.HandleFunc("/model", api.GetModelInfo).Methods("GET")

	router.Handle("/metrics", api.node.Metrics().Handler()).Methods("GET")
	router.HandleFunc("/jobs", api.GetJobs).Methods("GET")

	if api.node.Network() != nil {
		router.HandleFunc("/network/status", api.GetNetworkStatus).Methods("GET")
		router.HandleFunc("/network/peers", api.GetPeers).Methods("GET")
	}
}

// Handler returns the full handler chain, CORS included
func (api *API) Handler() http.Handler {
	return api.handler
}

func (api *API) Start() error {
	api.logger.Info("Starting API server", zap.String("addr", api.server.Addr))
	return api.server.ListenAndServe()
}

func (api *API) Stop(ctx context.Context) error {
	return api.server.Shutdown(ctx)
}

func (api *API) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", id)
		start := time.Now()
		next.ServeHTTP(w, r)
		api.logger.Debug("Request served",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// Health check handler
func (api *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	api.sendResponse(w, APIResponse{
		Success: true,
		Data: map[string]string{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// UploadChunk stages the multipart field "file" as chunk chunk_number of
// filename.
func (api *API) UploadChunk(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	index, err := strconv.Atoi(query.Get("chunk_number"))
	if err != nil {
		api.sendError(w, "chunk_number must be an integer", core.KindInvalidRequest, http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, api.maxChunkBytes+multipartOverhead)
	if err := r.ParseMultipartForm(api.maxChunkBytes); err != nil {
		api.sendError(w, "Failed to parse form", core.KindInvalidRequest, http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("file")
	if err != nil {
		api.sendError(w, "No file part", core.KindInvalidRequest, http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, api.maxChunkBytes+1))
	if err != nil {
		api.sendError(w, "Failed to read chunk", core.KindTransfer, http.StatusInternalServerError)
		return
	}
	if int64(len(data)) > api.maxChunkBytes {
		api.sendError(w, "Chunk exceeds size limit", core.KindInvalidRequest, http.StatusBadRequest)
		return
	}

	chunk, err := api.node.UploadChunk(r.Context(), query.Get("client_id"), query.Get("filename"), index, data)
	if err != nil {
		api.sendCoreError(w, err)
		return
	}

	api.sendResponse(w, APIResponse{
		Success: true,
		Message: "Chunk uploaded successfully",
		Data: UploadResponse{
			Filename: chunk.Filename,
			Index:    chunk.Index,
			Size:     chunk.Size,
			Checksum: chunk.Checksum,
		},
	})
}

// MergeChunks assembles the staged chunks and returns the credential
func (api *API) MergeChunks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	total, err := strconv.Atoi(query.Get("total_chunks"))
	if err != nil {
		api.sendError(w, "total_chunks must be an integer", core.KindInvalidRequest, http.StatusBadRequest)
		return
	}

	result, err := api.node.MergeChunks(r.Context(), query.Get("client_id"), query.Get("filename"), total)
	if err != nil {
		api.sendCoreError(w, err)
		return
	}

	api.sendResponse(w, APIResponse{
		Success: true,
		Message: "File merged successfully",
		Data:    result,
	})
}

func (api *API) TrainModel(w http.ResponseWriter, r *http.Request) {
	var req TrainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.sendError(w, "Invalid JSON body", core.KindInvalidRequest, http.StatusBadRequest)
		return
	}

	result, err := api.node.TrainModel(r.Context(), req.DataPath)
	if err != nil {
		api.sendCoreError(w, err)
		return
	}

	api.sendResponse(w, APIResponse{
		Success: true,
		Message: "Model trained successfully",
		Data:    result,
	})
}

func (api *API) Predict(w http.ResponseWriter, r *http.Request) {
	var req PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.sendError(w, "Invalid JSON body", core.KindInvalidRequest, http.StatusBadRequest)
		return
	}

	label, err := api.node.Predict(r.Context(), req.ClientID, core.Credential(req.Key), req.Data)
	if err != nil {
		api.sendCoreError(w, err)
		return
	}

	api.sendResponse(w, APIResponse{
		Success: true,
		Data:    PredictResponse{Prediction: []string{label}},
	})
}

func (api *API) GetModelInfo(w http.ResponseWriter, r *http.Request) {
	info, err := api.node.ModelInfo(r.Context())
	if err != nil {
		api.sendCoreError(w, err)
		return
	}

	api.sendResponse(w, APIResponse{
		Success: true,
		Data:    info,
	})
}

// GetJobs lists the background jobs and their last run
func (api *API) GetJobs(w http.ResponseWriter, r *http.Request) {
	api.sendResponse(w, APIResponse{
		Success: true,
		Data:    api.node.Jobs(),
	})
}

// Network status handler
func (api *API) GetNetworkStatus(w http.ResponseWriter, r *http.Request) {
	api.sendResponse(w, APIResponse{
		Success: true,
		Data:    api.node.Network().Status(),
	})
}

// Get peers handler
func (api *API) GetPeers(w http.ResponseWriter, r *http.Request) {
	network := api.node.Network()
	host := network.GetHost()
	peers := network.GetPeers()
	peerInfo := make([]map[string]interface{}, 0, len(peers))

	for _, peer := range peers {
		info := map[string]interface{}{"id": peer.String()}
		if host != nil {
			info["addresses"] = host.Peerstore().Addrs(peer)
		}
		peerInfo = append(peerInfo, info)
	}

	api.sendResponse(w, APIResponse{
		Success: true,
		Data:    peerInfo,
	})
}

// Helper functions
func (api *API) sendResponse(w http.ResponseWriter, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (api *API) sendError(w http.ResponseWriter, message string, kind core.Kind, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
		Kind:    kind.String(),
	})
}

func (api *API) sendCoreError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	status := StatusFor(kind)

	message := err.Error()
	var coreErr *core.Error
	if errors.As(err, &coreErr) && kind == core.KindAuthorization {
		message = coreErr.Message
	}

	if status >= http.StatusInternalServerError {
		api.logger.Error("Request failed", zap.String("kind", kind.String()), zap.Error(err))
	}
	api.sendError(w, message, kind, status)
}

// StatusFor maps an error kind to its HTTP status
func StatusFor(kind core.Kind) int {
	switch kind {
	case core.KindInvalidRequest:
		return http.StatusBadRequest
	case core.KindAuthorization:
		return http.StatusForbidden
	case core.KindServing:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
