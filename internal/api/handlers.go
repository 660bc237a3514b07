package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/maltedev/pokecardex-scraper/internal/database"
	"github.com/maltedev/pokecardex-scraper/internal/models"
)

type RunService interface {
	CreateRun(ctx context.Context, seriesID string) (*models.CrawlRun, error)
	GetRun(ctx context.Context, id string) (*models.CrawlRun, error)
	ListRuns(ctx context.Context, limit int) ([]*models.CrawlRun, error)
}

type CatalogReader interface {
	ListSeries(ctx context.Context) ([]models.SeriesRef, error)
	ListItems(ctx context.Context, filter database.ItemFilter) ([]models.CatalogItem, error)
}

// OutboxStats reports outbox event counts per status.
type OutboxStats interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

type Handlers struct {
	runs    RunService
	catalog CatalogReader
	outbox  OutboxStats
	logger  *slog.Logger
}

func NewHandlers(runs RunService, catalog CatalogReader, outbox OutboxStats, logger *slog.Logger) *Handlers {
	return &Handlers{
		runs:    runs,
		catalog: catalog,
		outbox:  outbox,
		logger:  logger.With("component", "api"),
	}
}

type CreateCrawlRequest struct {
	SeriesID string `json:"seriesId"`
}

type CreateCrawlResponse struct {
	RunID   string           `json:"runId"`
	Status  models.RunStatus `json:"status"`
	Message string           `json:"message"`
}

const (
	pendingWarnThreshold    = 1000
	deadLetterFailThreshold = 100
)

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	counts, err := h.outbox.CountByStatus(r.Context())
	if err != nil {
		h.logger.Error("failed to read outbox stats", "error", err)
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "error",
			"message": "database unavailable",
		})
		return
	}

	pending := counts[database.OutboxStatusPending] + counts[database.OutboxStatusFailed]
	deadLetter := counts[database.OutboxStatusDeadLetter]

	health := map[string]interface{}{
		"status": "ok",
		"outbox": map[string]interface{}{
			"pending":     pending,
			"dead_letter": deadLetter,
		},
	}

	status := http.StatusOK
	if pending > pendingWarnThreshold {
		health["status"] = "warning"
		health["message"] = "high number of pending outbox events"
	}
	if deadLetter > deadLetterFailThreshold {
		health["status"] = "error"
		health["message"] = "high number of dead letter events"
		status = http.StatusServiceUnavailable
	}

	h.respondJSON(w, status, health)
}

// CreateCrawl schedules a full crawl, or a single series when seriesId is set.
func (h *Handlers) CreateCrawl(w http.ResponseWriter, r *http.Request) {
	var req CreateCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.SeriesID = strings.TrimSpace(req.SeriesID)
	if req.SeriesID != "" {
		if err := models.ValidateSeriesID(req.SeriesID); err != nil {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	run, err := h.runs.CreateRun(r.Context(), req.SeriesID)
	if err != nil {
		if errors.Is(err, models.ErrInvalidSeriesID) {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to create run", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to create crawl")
		return
	}

	h.respondJSON(w, http.StatusAccepted, CreateCrawlResponse{
		RunID:   run.ID,
		Status:  run.Status,
		Message: "crawl scheduled",
	})
}

func (h *Handlers) GetCrawl(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := uuid.Parse(runID); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid run ID")
		return
	}

	run, err := h.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("failed to get run", "id", runID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	h.respondJSON(w, http.StatusOK, run)
}

func (h *Handlers) ListCrawls(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 20)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := h.runs.ListRuns(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list crawls")
		return
	}

	h.respondJSON(w, http.StatusOK, runs)
}

func (h *Handlers) ListSeries(w http.ResponseWriter, r *http.Request) {
	series, err := h.catalog.ListSeries(r.Context())
	if err != nil {
		h.logger.Error("failed to list series", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list series")
		return
	}

	h.respondJSON(w, http.StatusOK, series)
}

func (h *Handlers) ListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.ItemFilter{SeriesID: q.Get("series")}

	if raw := q.Get("type"); raw != "" {
		pt, err := models.ParseProductType(raw)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.ProductType = pt
	}

	var err error
	if filter.Limit, err = intParam(r, "limit", 100); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Offset, err = intParam(r, "offset", 0); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, err := h.catalog.ListItems(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list items", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list items")
		return
	}

	h.respondJSON(w, http.StatusOK, items)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
