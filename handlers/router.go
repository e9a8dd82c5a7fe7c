package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
)

type RouterConfig struct {
	Queue *QueueHandler
	// Admin routes are registered only when Admin is set.
	Admin *AdminHandler
	// QueueMiddleware wraps every /api/v1/queues route.
	QueueMiddleware []echo.MiddlewareFunc
	// JoinMiddleware wraps the join route only.
	JoinMiddleware []echo.MiddlewareFunc
	Metrics        http.Handler
	Logger         *slog.Logger
}

func NewRouter(cfg RouterConfig) *echo.Echo {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.Use(middleware.Recover())
	e.Use(RequestLogger(logger))

	q := e.Group("/api/v1/queues", cfg.QueueMiddleware...)
	q.POST("", cfg.Queue.CreateQueue)
	q.POST("/join", cfg.Queue.JoinQueue, cfg.JoinMiddleware...)
	q.POST("/leave", cfg.Queue.LeaveQueue)
	q.GET("/status", cfg.Queue.GetQueueStatus)
	q.POST("/reset", cfg.Queue.ResetQueue)

	if cfg.Admin != nil {
		a := e.Group("/api/v1/admin", cfg.Admin.RequireAdmin())
		a.GET("/queue-dashboard", cfg.Admin.GetQueueDashboard)
		a.POST("/remove-from-queue", cfg.Admin.RemoveFromQueue)
	}

	e.GET("/health", cfg.Queue.Health)
	if cfg.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(cfg.Metrics))
	}

	logger.Info("server routes registered", "admin", cfg.Admin != nil, "metrics", cfg.Metrics != nil)
	return e
}

// RequestLogger logs one line per request.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"latency", time.Since(start),
				"remote_ip", c.RealIP(),
			}
			if err != nil {
				logger.Error("request failed", append(attrs, "error", err)...)
				return err
			}
			logger.Debug("request", attrs...)
			return nil
		}
	}
}
