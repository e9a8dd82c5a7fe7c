package handlers

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v5"

	"event-queue/models"
	"event-queue/services"
)

const adminTokenHeader = "X-Admin-Token"

type AdminHandler struct {
	queueService *services.QueueService
	token        string
	logger       *slog.Logger
}

func NewAdminHandler(queueService *services.QueueService, token string, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{
		queueService: queueService,
		token:        token,
		logger:       logger,
	}
}

// RequireAdmin rejects requests that do not carry the configured admin token.
func (h *AdminHandler) RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got := c.Request().Header.Get(adminTokenHeader)
			if h.token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "Admin access required",
				})
			}
			return next(c)
		}
	}
}

// GetQueueDashboard summarizes every known queue.
func (h *AdminHandler) GetQueueDashboard(c echo.Context) error {
	queues, err := h.queueService.ListQueues(c.Request().Context())
	if err != nil {
		h.logger.Error("admin: list queues", "error", err)
		return c.JSON(errorStatus(err), map[string]string{
			"error":   "Failed to list queues",
			"details": err.Error(),
		})
	}

	dashboard := make([]map[string]any, 0, len(queues))
	for _, q := range queues {
		dashboard = append(dashboard, map[string]any{
			"event_id":  q.Record.EventID,
			"org_id":    q.Record.OrgID,
			"limit":     q.Record.CapacityLimit,
			"members":   len(q.Members),
			"frozen":    q.WaitTime > 0,
			"wait_time": q.WaitTime,
		})
	}
	return c.JSON(http.StatusOK, dashboard)
}

// RemoveFromQueue evicts a participant by user id.
func (h *AdminHandler) RemoveFromQueue(c echo.Context) error {
	var req struct {
		EventID string `json:"event_id"`
		OrgID   string `json:"org_id"`
		UserID  string `json:"user_id"`
		Reason  string `json:"reason"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid request")
	}

	p, err := h.queueService.RemoveUser(c.Request().Context(), models.NewQueueKey(req.EventID, req.OrgID), req.UserID, req.Reason)
	if err != nil {
		return c.JSON(errorStatus(err), map[string]string{
			"error":   "Failed to remove user",
			"details": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"message": "User removed from queue",
		"user":    p,
	})
}
