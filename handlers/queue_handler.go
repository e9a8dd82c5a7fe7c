package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v5"

	"event-queue/internal/status"
	"event-queue/models"
	"event-queue/services"
)

type QueueHandler struct {
	queueService *services.QueueService
	logger       *slog.Logger
}

func NewQueueHandler(queueService *services.QueueService, logger *slog.Logger) *QueueHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueHandler{
		queueService: queueService,
		logger:       logger,
	}
}

type queueRequest struct {
	EventID string `json:"event_id"`
	OrgID   string `json:"org_id"`
}

func (r queueRequest) key() models.QueueKey {
	return models.NewQueueKey(r.EventID, r.OrgID)
}

type joinRequest struct {
	queueRequest
	UserID string `json:"user_id"`
}

type leaveRequest struct {
	queueRequest
	Token string `json:"token"`
}

// errorStatus maps a service error onto the HTTP status returned to clients.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, status.ErrInvalidConfig), errors.Is(err, status.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, status.ErrQueueNotFound), errors.Is(err, status.ErrParticipantNotFound):
		return http.StatusNotFound
	case errors.Is(err, status.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *QueueHandler) fail(c echo.Context, msg string, err error) error {
	code := errorStatus(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error(msg, "path", c.Request().URL.Path, "error", err)
	}
	return c.JSON(code, map[string]string{
		"error":   msg,
		"details": err.Error(),
	})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}

func (h *QueueHandler) CreateQueue(c echo.Context) error {
	var req models.QueueConfig
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid request")
	}

	rec, created, err := h.queueService.CreateQueue(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, "Failed to create queue", err)
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	return c.JSON(code, map[string]any{
		"created": created,
		"queue":   rec,
	})
}

func (h *QueueHandler) JoinQueue(c echo.Context) error {
	var req joinRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid request")
	}

	res, err := h.queueService.JoinQueue(c.Request().Context(), req.key(), req.UserID)
	if err != nil {
		return h.fail(c, "Failed to join queue", err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *QueueHandler) LeaveQueue(c echo.Context) error {
	var req leaveRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid request")
	}

	p, err := h.queueService.LeaveQueue(c.Request().Context(), req.key(), req.Token)
	if err != nil {
		return h.fail(c, "Failed to leave queue", err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"message": "Successfully left queue",
		"user":    p,
	})
}

func (h *QueueHandler) GetQueueStatus(c echo.Context) error {
	eventID := c.QueryParam("event_id")
	orgID := c.QueryParam("org_id")
	if eventID == "" || orgID == "" {
		return badRequest(c, "event_id and org_id are required")
	}

	st, err := h.queueService.GetQueueStatus(c.Request().Context(), models.NewQueueKey(eventID, orgID))
	if err != nil {
		return h.fail(c, "Failed to get queue status", err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *QueueHandler) ResetQueue(c echo.Context) error {
	var req queueRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid request")
	}

	existed, err := h.queueService.ResetQueue(c.Request().Context(), req.key())
	if err != nil {
		return h.fail(c, "Failed to reset queue", err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"reset": existed})
}

func (h *QueueHandler) Health(c echo.Context) error {
	if err := h.queueService.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}
