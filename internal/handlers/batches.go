package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"batchfetch/internal/auth"
	"batchfetch/internal/database"
	"batchfetch/internal/metrics"
	"batchfetch/internal/models"
)

// BatchStore is the part of the persistence layer the batch API needs
type BatchStore interface {
	CreateBatch(ctx context.Context, batch *models.Batch, records []*models.DownloadRecord) error
	GetBatch(ctx context.Context, id string) (*models.Batch, error)
	ListBatchRecords(ctx context.Context, batchID string) ([]*models.DownloadRecord, error)
	SetControl(ctx context.Context, id string, control models.Control) error
}

// Resolver validates destination descriptors before they are stored
type Resolver interface {
	Resolve(destination string) (string, error)
}

// BatchHandler submits batches and controls their downloads
type BatchHandler struct {
	logger   *zap.Logger
	store    BatchStore
	resolver Resolver
	signer   *auth.Signer
	metrics  *metrics.Metrics
	maxAge   time.Duration
	maxBody  int64
}

// NewBatchHandler creates a new batch handler. resolver may be nil.
func NewBatchHandler(
	logger *zap.Logger,
	store BatchStore,
	resolver Resolver,
	signer *auth.Signer,
	m *metrics.Metrics,
	maxAge time.Duration,
	maxBody int64,
) *BatchHandler {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &BatchHandler{
		logger:   logger,
		store:    store,
		resolver: resolver,
		signer:   signer,
		metrics:  m,
		maxAge:   maxAge,
		maxBody:  maxBody,
	}
}

type downloadRequest struct {
	ID                         string          `json:"id,omitempty"`
	URI                        string          `json:"uri"`
	Headers                    []models.Header `json:"headers,omitempty"`
	Destination                string          `json:"destination"`
	Strategy                   string          `json:"strategy,omitempty"`
	AllowRoaming               bool            `json:"allow_roaming"`
	AllowMetered               bool            `json:"allow_metered"`
	BypassRecommendedSizeLimit bool            `json:"bypass_recommended_size_limit"`
}

type createBatchRequest struct {
	ID          string            `json:"id,omitempty"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Downloads   []downloadRequest `json:"downloads"`
}

type batchResponse struct {
	Batch     *models.Batch            `json:"batch"`
	Downloads []*models.DownloadRecord `json:"downloads"`
}

// CreateBatch stores a new batch and its downloads
func (h *BatchHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	const route = "create_batch"

	body, ok := h.authorize(w, r, route)
	if !ok {
		return
	}

	var req createBatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.fail(w, route, http.StatusBadRequest, "invalid JSON body")
		return
	}

	batch, records, err := h.buildBatch(&req)
	if err != nil {
		h.fail(w, route, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.CreateBatch(r.Context(), batch, records); err != nil {
		h.logger.Error("failed to create batch", zap.String("batch_id", batch.ID), zap.Error(err))
		h.fail(w, route, http.StatusInternalServerError, "failed to create batch")
		return
	}

	h.logger.Info("batch created", zap.String("batch_id", batch.ID), zap.Int("downloads", len(records)))
	h.respond(w, route, http.StatusCreated, batchResponse{Batch: batch, Downloads: redact(records)})
}

// GetBatch returns a batch with its downloads
func (h *BatchHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	const route = "get_batch"

	if _, ok := h.authorize(w, r, route); !ok {
		return
	}

	id := mux.Vars(r)["id"]
	batch, err := h.store.GetBatch(r.Context(), id)
	if err != nil {
		h.storeError(w, route, err)
		return
	}
	records, err := h.store.ListBatchRecords(r.Context(), id)
	if err != nil {
		h.storeError(w, route, err)
		return
	}

	h.respond(w, route, http.StatusOK, batchResponse{Batch: batch, Downloads: redact(records)})
}

// Pause asks a download to stop. A running attempt ends as canceled.
func (h *BatchHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.setControl(w, r, "pause", models.ControlPaused)
}

// Resume clears a pause request
func (h *BatchHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.setControl(w, r, "resume", models.ControlRun)
}

func (h *BatchHandler) setControl(w http.ResponseWriter, r *http.Request, route string, control models.Control) {
	if _, ok := h.authorize(w, r, route); !ok {
		return
	}

	id := mux.Vars(r)["id"]
	if err := h.store.SetControl(r.Context(), id, control); err != nil {
		h.storeError(w, route, err)
		return
	}

	h.logger.Info("download control changed", zap.String("download_id", id), zap.Int("control", int(control)))
	w.WriteHeader(http.StatusNoContent)
	h.count(route, http.StatusNoContent)
}

func (h *BatchHandler) buildBatch(req *createBatchRequest) (*models.Batch, []*models.DownloadRecord, error) {
	if len(req.Downloads) == 0 {
		return nil, nil, errors.New("at least one download required")
	}

	batch := &models.Batch{
		ID:          req.ID,
		Title:       req.Title,
		Description: req.Description,
		Status:      models.StatusPending,
		TotalBytes:  models.UnknownSize,
	}
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}

	seen := make(map[string]bool, len(req.Downloads))
	records := make([]*models.DownloadRecord, 0, len(req.Downloads))
	for i, d := range req.Downloads {
		u, err := url.Parse(d.URI)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, nil, errors.New("download " + strconv.Itoa(i) + ": uri must be an absolute http(s) URL")
		}
		if d.Destination == "" {
			return nil, nil, errors.New("download " + strconv.Itoa(i) + ": destination required")
		}
		if h.resolver != nil {
			if _, err := h.resolver.Resolve(d.Destination); err != nil {
				return nil, nil, errors.New("download " + strconv.Itoa(i) + ": invalid destination")
			}
		}
		switch d.Strategy {
		case "", models.StrategyPlain, models.StrategyArchive:
		default:
			return nil, nil, errors.New("download " + strconv.Itoa(i) + ": unknown strategy")
		}

		id := d.ID
		if id == "" {
			id = uuid.NewString()
		}
		if seen[id] {
			return nil, nil, errors.New("download " + strconv.Itoa(i) + ": duplicate id")
		}
		seen[id] = true

		records = append(records, &models.DownloadRecord{
			ID:                         id,
			BatchID:                    batch.ID,
			URI:                        d.URI,
			Headers:                    d.Headers,
			Destination:                d.Destination,
			Strategy:                   d.Strategy,
			Status:                     models.StatusPending,
			TotalBytes:                 models.UnknownSize,
			AllowRoaming:               d.AllowRoaming,
			AllowMetered:               d.AllowMetered,
			BypassRecommendedSizeLimit: d.BypassRecommendedSizeLimit,
		})
	}
	return batch, records, nil
}

// authorize reads the body and checks the request signature. The signed
// message is "<method> <path>\n<body>".
func (h *BatchHandler) authorize(w http.ResponseWriter, r *http.Request, route string) ([]byte, bool) {
	if !h.signer.Enabled() {
		h.fail(w, route, http.StatusServiceUnavailable, "batch API disabled")
		return nil, false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		h.fail(w, route, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}

	if err := h.signer.Verify(SignedMessage(r.Method, r.URL.Path, body), r.Header.Get(auth.SignatureHeader), h.maxAge); err != nil {
		h.logger.Warn("verification failed", zap.String("route", route), zap.Error(err))
		h.fail(w, route, http.StatusUnauthorized, err.Error())
		return nil, false
	}
	return body, true
}

// SignedMessage returns the bytes a client signs for a batch API request
func SignedMessage(method, path string, body []byte) []byte {
	msg := make([]byte, 0, len(method)+len(path)+len(body)+2)
	msg = append(msg, method...)
	msg = append(msg, ' ')
	msg = append(msg, path...)
	msg = append(msg, '\n')
	return append(msg, body...)
}

func (h *BatchHandler) storeError(w http.ResponseWriter, route string, err error) {
	if errors.Is(err, database.ErrNotFound) {
		h.fail(w, route, http.StatusNotFound, "not found")
		return
	}
	h.logger.Error("store request failed", zap.String("route", route), zap.Error(err))
	h.fail(w, route, http.StatusInternalServerError, "internal error")
}

func (h *BatchHandler) fail(w http.ResponseWriter, route string, code int, msg string) {
	http.Error(w, msg, code)
	h.count(route, code)
}

func (h *BatchHandler) respond(w http.ResponseWriter, route string, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
	h.count(route, code)
}

func (h *BatchHandler) count(route string, code int) {
	h.metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// redact drops request headers, which may carry credentials, from API output
func redact(records []*models.DownloadRecord) []*models.DownloadRecord {
	out := make([]*models.DownloadRecord, len(records))
	for i, rec := range records {
		cp := *rec
		cp.Headers = nil
		out[i] = &cp
	}
	return out
}
