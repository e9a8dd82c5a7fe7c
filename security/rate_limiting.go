package security

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/redis/go-redis/v9"
)

const (
	defaultWindow = time.Minute
	redisTimeout  = 500 * time.Millisecond
)

// RateLimiter counts requests per client in fixed redis windows, so every
// instance behind a load balancer shares the same budget.
type RateLimiter struct {
	redis  redis.UniversalClient
	limit  int64
	window time.Duration
	logger *slog.Logger
}

func NewRateLimiter(redisClient redis.UniversalClient, perMinute int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		redis:  redisClient,
		limit:  int64(perMinute),
		window: defaultWindow,
		logger: logger,
	}
}

// Allow reports whether identifier still has budget in the current window.
// A redis failure lets the request through.
func (r *RateLimiter) Allow(identifier string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	key := "ratelimit:" + identifier
	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		r.logger.Warn("rate limiter unavailable, allowing request", "identifier", identifier, "error", err)
		return true, nil
	}
	if count == 1 {
		if err := r.redis.Expire(ctx, key, r.window).Err(); err != nil {
			r.logger.Warn("rate limiter: set window expiry", "key", key, "error", err)
		}
	}
	return count <= r.limit, nil
}

// QueueRateLimit limits join attempts per authenticated user when an
// upstream middleware stored one under "user_id", per client IP otherwise.
// Request headers never pick the bucket.
func (r *RateLimiter) QueueRateLimit() echo.MiddlewareFunc {
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: r,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			if userID, ok := c.Get("user_id").(string); ok && userID != "" {
				return fmt.Sprintf("user:%s", userID), nil
			}
			return "ip:" + c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusForbidden, map[string]string{
				"error": "Unable to identify client",
			})
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded. Please try again later.",
			})
		},
	})
}

// AntiBotMiddleware rejects clients that announce themselves as crawlers.
func (r *RateLimiter) AntiBotMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isSuspiciousUserAgent(c.Request().Header.Get("User-Agent")) {
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": "Access denied",
				})
			}
			return next(c)
		}
	}
}

func isSuspiciousUserAgent(ua string) bool {
	suspicious := []string{"bot", "crawler", "spider", "scraper"}
	ua = strings.ToLower(ua)
	for _, pattern := range suspicious {
		if strings.Contains(ua, pattern) {
			return true
		}
	}
	return false
}
