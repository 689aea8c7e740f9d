package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"evconnect/backend/services/charging-service/internal/http/middleware"
	"evconnect/backend/services/charging-service/internal/models"
	"evconnect/backend/services/charging-service/internal/session"
)

// StopPathPrefix is the route prefix of POST /sessions/stop/{sessionId}.
const StopPathPrefix = "/sessions/stop/"

// SessionService is the orchestrator surface used by the handlers.
type SessionService interface {
	Start(ctx context.Context, req session.StartRequest) (*session.StartResult, error)
	Stop(ctx context.Context, sessionID string, userID int64) (*session.StopResult, error)
	GetActive(ctx context.Context, userID int64) (*session.ActiveSession, error)
	History(ctx context.Context, userID int64, limit int) ([]models.Session, error)
}

// SessionsHandlers serves the session control endpoints.
type SessionsHandlers struct {
	svc    SessionService
	logger *zap.Logger
}

// NewSessionsHandlers returns handler set.
func NewSessionsHandlers(svc SessionService, logger *zap.Logger) *SessionsHandlers {
	return &SessionsHandlers{svc: svc, logger: logger}
}

type startRequest struct {
	ChargerID       int64  `json:"chargerId"`
	DurationMinutes int    `json:"durationMinutes"`
	ChargeType      string `json:"chargeType"`
}

// Start handles POST /sessions/start.
func (h *SessionsHandlers) Start(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	res, err := h.svc.Start(r.Context(), session.StartRequest{
		UserID:          userID,
		ChargerID:       req.ChargerID,
		ChargeType:      strings.TrimSpace(req.ChargeType),
		DurationMinutes: req.DurationMinutes,
	})
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Stop handles POST /sessions/stop/{sessionId}.
func (h *SessionsHandlers) Stop(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := strings.TrimPrefix(r.URL.Path, StopPathPrefix)
	if sessionID == "" || strings.Contains(sessionID, "/") {
		writeError(w, http.StatusNotFound, "active session not found")
		return
	}

	res, err := h.svc.Stop(r.Context(), sessionID, userID)
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Active handles GET /sessions/active. The body is null when the user has no open session.
func (h *SessionsHandlers) Active(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	active, err := h.svc.GetActive(r.Context(), userID)
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, active)
}

// History handles GET /sessions/history?limit=N.
func (h *SessionsHandlers) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusUnprocessableEntity, "limit must be a positive integer")
			return
		}
		limit = n
	}

	sessions, err := h.svc.History(r.Context(), userID, limit)
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
	})
}
