package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/pipeline"
	"github.com/ashita-ai/kioku/internal/storage"
)

// healthProbe is implemented by optional backends the health endpoint checks.
type healthProbe interface {
	Healthy(ctx context.Context) error
}

// Handlers holds the dependencies for all HTTP handlers.
type Handlers struct {
	db            *storage.DB
	retrieval     *pipeline.Service
	logger        *slog.Logger
	version       string
	maxBodyBytes  int64
	requestBudget time.Duration
	searchProbe   healthProbe // nil when the mirror is disabled
	startedAt     time.Time
}

// HandlersDeps configures Handlers.
type HandlersDeps struct {
	DB            *storage.DB
	Retrieval     *pipeline.Service
	Logger        *slog.Logger
	Version       string
	MaxBodyBytes  int64
	RequestBudget time.Duration
	SearchProbe   healthProbe
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		db:            deps.DB,
		retrieval:     deps.Retrieval,
		logger:        deps.Logger,
		version:       deps.Version,
		maxBodyBytes:  deps.MaxBodyBytes,
		requestBudget: deps.RequestBudget,
		searchProbe:   deps.SearchProbe,
		startedAt:     time.Now(),
	}
}

// HandleRetrieve serves POST /v1/retrieve: validate, embed, run the pipeline,
// shape the response. Policy denial is not an error; it surfaces as an empty
// result set.
func (h *Handlers) HandleRetrieve(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	var req model.RetrieveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	ctx := r.Context()
	if h.requestBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.requestBudget)
		defer cancel()
	}

	// One retry on serialization/deadlock conflicts inside the request budget.
	var resp *model.RetrieveResponse
	err := storage.WithRetry(ctx, 1, 10*time.Millisecond, func() error {
		var rerr error
		resp, rerr = h.retrieval.Retrieve(ctx, req)
		return rerr
	})
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrEmbedder):
			h.logger.Error("embedding backend failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
			writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstreamUnavailable, "embedding backend unavailable")
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeStoreError, "request budget exceeded")
		default:
			h.logger.Error("retrieval failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeStoreError, "retrieval backend unavailable")
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleDebugWeights serves GET /v1/debug/weights: the effective scoring
// configuration, for operators tuning the blend.
func (h *Handlers) HandleDebugWeights(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.retrieval.Config())
}

// HandleHealth serves GET /v1/health. Postgres must answer; the search mirror
// is reported but never fails the check, because retrieval works without it.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := model.HealthResponse{
		Status:   "ok",
		Version:  h.version,
		Postgres: "ok",
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}

	status := http.StatusOK
	if err := h.db.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Postgres = "unreachable"
		status = http.StatusServiceUnavailable
	}
	if h.searchProbe != nil {
		if err := h.searchProbe.Healthy(ctx); err != nil {
			resp.Qdrant = "unreachable"
		} else {
			resp.Qdrant = "ok"
		}
	}

	writeJSON(w, status, resp)
}
