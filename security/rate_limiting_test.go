package security

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, perMinute int) (*RateLimiter, redismock.ClientMock) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	return NewRateLimiter(client, perMinute, slog.New(slog.DiscardHandler)), mock
}

func TestAllow(t *testing.T) {
	rl, mock := newTestLimiter(t, 2)
	key := "ratelimit:ip:10.0.0.1"

	mock.ExpectIncr(key).SetVal(1)
	mock.ExpectExpire(key, time.Minute).SetVal(true)
	ok, err := rl.Allow("ip:10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectIncr(key).SetVal(2)
	ok, err = rl.Allow("ip:10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectIncr(key).SetVal(3)
	ok, err = rl.Allow("ip:10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllowFailsOpen(t *testing.T) {
	rl, mock := newTestLimiter(t, 1)

	mock.ExpectIncr("ratelimit:u").SetErr(errors.New("connection refused"))
	ok, err := rl.Allow("u")
	require.NoError(t, err)
	assert.True(t, ok)
}

func serve(e *echo.Echo, ua, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/join", nil)
	req.RemoteAddr = "192.0.2.1:4321"
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestQueueRateLimit(t *testing.T) {
	rl, mock := newTestLimiter(t, 1)
	e := echo.New()
	e.POST("/join", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, rl.QueueRateLimit())

	mock.ExpectIncr("ratelimit:ip:192.0.2.1").SetVal(1)
	mock.ExpectExpire("ratelimit:ip:192.0.2.1", time.Minute).SetVal(true)
	assert.Equal(t, http.StatusOK, serve(e, "", "").Code)

	mock.ExpectIncr("ratelimit:ip:192.0.2.1").SetVal(2)
	assert.Equal(t, http.StatusTooManyRequests, serve(e, "", "").Code)

}

func TestQueueRateLimitIgnoresUserHeader(t *testing.T) {
	rl, mock := newTestLimiter(t, 2)
	e := echo.New()
	e.POST("/join", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, rl.QueueRateLimit())

	key := "ratelimit:ip:192.0.2.1"
	mock.ExpectIncr(key).SetVal(1)
	mock.ExpectExpire(key, time.Minute).SetVal(true)
	codes := map[int]int{}
	for i := range 10 {
		if i > 0 {
			mock.ExpectIncr(key).SetVal(int64(i + 1))
		}
		codes[serve(e, "", fmt.Sprintf("rotating-%d", i)).Code]++
	}
	assert.Equal(t, map[int]int{http.StatusOK: 2, http.StatusTooManyRequests: 8}, codes)
}

func TestQueueRateLimitAuthenticatedUser(t *testing.T) {
	rl, mock := newTestLimiter(t, 1)
	e := echo.New()
	authenticate := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("user_id", "u1")
			return next(c)
		}
	}
	e.POST("/join", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, authenticate, rl.QueueRateLimit())

	mock.ExpectIncr("ratelimit:user:u1").SetVal(1)
	mock.ExpectExpire("ratelimit:user:u1", time.Minute).SetVal(true)
	assert.Equal(t, http.StatusOK, serve(e, "", "").Code)

	mock.ExpectIncr("ratelimit:user:u1").SetVal(2)
	assert.Equal(t, http.StatusTooManyRequests, serve(e, "", "").Code)
}

func TestAntiBotMiddleware(t *testing.T) {
	rl, _ := newTestLimiter(t, 10)
	e := echo.New()
	e.POST("/join", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, rl.AntiBotMiddleware())

	assert.Equal(t, http.StatusForbidden, serve(e, "Googlebot/2.1", "").Code)
	assert.Equal(t, http.StatusForbidden, serve(e, "Some-Scraper", "").Code)
	assert.Equal(t, http.StatusOK, serve(e, "Mozilla/5.0", "").Code)
}
