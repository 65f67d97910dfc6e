// Package daemon exposes the local control API: session creation and
// teardown, listing, and health. It shares one gin engine with the WebSocket
// gateways.
package daemon

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/broker"
	apperrors "github.com/beamcode/beamcode/internal/common/errors"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/session"
)

// Handler contains the HTTP handlers for the control API.
type Handler struct {
	coordinator *broker.Coordinator
	logger      *logger.Logger
	startedAt   time.Time
}

// NewHandler creates the control API handler.
func NewHandler(coordinator *broker.Coordinator, log *logger.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		logger:      log.WithFields(zap.String("component", "control-api")),
		startedAt:   time.Now(),
	}
}

// GetHealth returns broker liveness and the live session count.
// GET /health
func (h *Handler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Uptime:   time.Since(h.startedAt).Milliseconds(),
		Sessions: h.coordinator.SessionCount(),
	})
}

// ListSessions returns all live sessions.
// GET /sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions := h.coordinator.Sessions()
	out := make([]SessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, h.toSessionResponse(sess))
	}
	c.JSON(http.StatusOK, SessionListResponse{Sessions: out, Total: len(out)})
}

// CreateSession creates a new session bound to a working directory.
// POST /sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.SchemaViolation(err.Error()))
		return
	}

	info, err := os.Stat(req.Cwd)
	if err != nil || !info.IsDir() {
		writeError(c, apperrors.SchemaViolation("cwd must be an existing directory"))
		return
	}

	id := req.SessionID
	if id == "" {
		id = uuid.New().String()
	}

	sess, created, err := h.coordinator.CreateSession(id, req.Adapter, req.Cwd)
	if err != nil {
		h.logger.Warn("session create failed", zap.String("session_id", id), zap.Error(err))
		writeError(c, err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	c.JSON(status, h.toSessionResponse(sess))
}

// DeleteSession closes a session and removes its persisted state.
// DELETE /sessions/:id
func (h *Handler) DeleteSession(c *gin.Context) {
	id := c.Param("id")
	if !session.ValidID(id) {
		writeError(c, apperrors.SchemaViolation("invalid session id"))
		return
	}

	if err := h.coordinator.CloseSession(id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped", "sessionId": id})
}

func (h *Handler) toSessionResponse(sess *session.Session) SessionResponse {
	state := sess.State()
	return SessionResponse{
		ID:        sess.ID(),
		Adapter:   sess.AdapterName(),
		Phase:     string(sess.Phase()),
		Status:    string(sess.Status()),
		Cwd:       state.Cwd,
		Model:     state.Model,
		Archived:  sess.Archived(),
		Consumers: sess.ConsumerCount(),
		PID:       h.coordinator.SessionPID(sess.ID()),
		LastSeen:  sess.LastActivity(),
	}
}

// writeError maps an error to its JSON response, defaulting to 500.
func writeError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, gin.H{
			"error": gin.H{"kind": appErr.Kind, "message": appErr.Message},
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": gin.H{"kind": "INTERNAL", "message": err.Error()},
	})
}
