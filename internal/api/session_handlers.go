package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jmpumuro/judex/internal/session"
	"github.com/jmpumuro/judex/internal/stage"
)

// Sessions is the control surface of the session manager.
type Sessions interface {
	Connect(jobID, entityID string, stages []stage.Descriptor, retryCount int) error
	Disconnect(key string)
	DisconnectAll()
	RegisterItem(itemID, entityID string)
	UnregisterItem(itemID string)
	Snapshots(ctx context.Context) ([]session.Snapshot, error)
}

// Runner executes fn on the goroutine that owns manager state and waits for
// it. *loop.Loop implements it.
type Runner interface {
	Do(ctx context.Context, fn func()) error
}

// ManagedSessions adapts a session.Manager so its loop-only reads can be made
// from HTTP handlers.
type ManagedSessions struct {
	*session.Manager
	Runner Runner
}

var _ Sessions = ManagedSessions{}

// Snapshots reads the session registry on the manager's loop.
func (m ManagedSessions) Snapshots(ctx context.Context) ([]session.Snapshot, error) {
	var out []session.Snapshot
	if err := m.Runner.Do(ctx, func() { out = m.Manager.Sessions() }); err != nil {
		return nil, err
	}
	return out, nil
}

// SessionHandler exposes session and item control endpoints.
type SessionHandler struct {
	sessions Sessions
	timeout  time.Duration
	logger   *zap.Logger
}

// NewSessionHandler wires the controller and logger.
func NewSessionHandler(sessions Sessions, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{
		sessions: sessions,
		timeout:  readTimeout,
		logger:   logger,
	}
}

type connectRequest struct {
	JobID      string             `json:"job_id"`
	EntityID   string             `json:"entity_id"`
	Stages     []stage.Descriptor `json:"stages"`
	RetryCount int                `json:"retry_count"`
}

type itemRequest struct {
	EntityID string `json:"entity_id"`
}

// ListSessions handles GET /v1/sessions.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session manager unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	snaps, err := h.sessions.Snapshots(ctx)
	if err != nil {
		h.logger.Error("list sessions failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "failed to list sessions")
		return
	}
	if snaps == nil {
		snaps = []session.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": snaps})
}

// Connect handles POST /v1/sessions with {job_id, entity_id[, stages,
// retry_count]}. It answers 202 with the session key; the stream itself is
// opened asynchronously.
func (h *SessionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session manager unavailable")
		return
	}
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.sessions.Connect(req.JobID, req.EntityID, req.Stages, req.RetryCount); err != nil {
		status := http.StatusBadRequest
		if !isValidationError(err) {
			status = http.StatusInternalServerError
			h.logger.Error("connect failed", zap.String("job_id", req.JobID), zap.Error(err))
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"key":       session.KeyFor(req.JobID),
		"job_id":    req.JobID,
		"entity_id": req.EntityID,
	})
}

// Disconnect handles DELETE /v1/sessions/{key}.
func (h *SessionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session manager unavailable")
		return
	}
	key := chi.URLParam(r, "key")
	h.sessions.Disconnect(key)
	writeJSON(w, http.StatusAccepted, map[string]string{"key": key})
}

// DisconnectAll handles DELETE /v1/sessions.
func (h *SessionHandler) DisconnectAll(w http.ResponseWriter, _ *http.Request) {
	if h.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session manager unavailable")
		return
	}
	h.sessions.DisconnectAll()
	w.WriteHeader(http.StatusNoContent)
}

// RegisterItem handles PUT /v1/items/{item_id} with {entity_id}.
func (h *SessionHandler) RegisterItem(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session manager unavailable")
		return
	}
	itemID := chi.URLParam(r, "item_id")
	var req itemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.EntityID == "" {
		writeError(w, http.StatusBadRequest, "entity_id is required")
		return
	}
	h.sessions.RegisterItem(itemID, req.EntityID)
	writeJSON(w, http.StatusOK, map[string]string{"item_id": itemID, "entity_id": req.EntityID})
}

// UnregisterItem handles DELETE /v1/items/{item_id}.
func (h *SessionHandler) UnregisterItem(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session manager unavailable")
		return
	}
	h.sessions.UnregisterItem(chi.URLParam(r, "item_id"))
	w.WriteHeader(http.StatusNoContent)
}

func isValidationError(err error) bool {
	for _, target := range []error{
		session.ErrJobIDRequired,
		session.ErrEntityIDRequired,
		stage.ErrEmptyStageID,
		stage.ErrDuplicateStage,
		stage.ErrPositionOrder,
		stage.ErrHintRange,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
