package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jmpumuro/judex/internal/store"
)

const (
	defaultEntityLimit = 50
	maxEntityLimit     = 500
	readTimeout        = 3 * time.Second
)

// EntityHandler exposes read-only view model endpoints.
type EntityHandler struct {
	repo    store.EntityRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewEntityHandler wires the repository and logger.
func NewEntityHandler(repo store.EntityRepository, logger *zap.Logger) *EntityHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntityHandler{
		repo:    repo,
		timeout: readTimeout,
		logger:  logger,
	}
}

// ListEntities handles GET /v1/entities?limit=&offset=. It returns
// {"entities": [...]} most recently updated first, 400 for invalid paging,
// 503 when no repository is configured, or 500 if the repository fails.
func (h *EntityHandler) ListEntities(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "entity repository unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultEntityLimit, maxEntityLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	entities, err := h.repo.ListEntities(ctx, limit, offset)
	if err != nil {
		h.logger.Error("list entities failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list entities")
		return
	}
	if entities == nil {
		entities = []store.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

// GetEntity handles GET /v1/entities/{entity_id}. It returns {"entity": {...}},
// 404 when the repository reports store.ErrNotFound, or 500 otherwise.
func (h *EntityHandler) GetEntity(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "entity repository unavailable")
		return
	}
	entityID := chi.URLParam(r, "entity_id")
	if entityID == "" {
		writeError(w, http.StatusBadRequest, "entity_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	entity, err := h.repo.GetEntity(ctx, entityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "entity not found")
			return
		}
		h.logger.Error("get entity failed", zap.String("entity_id", entityID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load entity")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity": entity})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
