package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() { gin.SetMode(gin.TestMode) }

func do(r http.Handler, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRedisRateLimitPerUser(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	r := gin.New()
	r.Use(OptionalUser())
	r.GET("/x", RedisRateLimit(rdb, zap.NewNop(), "checkout", 2, time.Minute), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	u1 := map[string]string{"X-User-Id": "1"}
	assert.Equal(t, http.StatusOK, do(r, u1).Code)
	assert.Equal(t, http.StatusOK, do(r, u1).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, u1).Code)

	// another user has its own window
	assert.Equal(t, http.StatusOK, do(r, map[string]string{"X-User-Id": "2"}).Code)
	assert.True(t, mr.Exists("rate_limit:checkout:user:1"))
}

func TestRedisRateLimitFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	r := gin.New()
	r.GET("/x", RedisRateLimit(rdb, zap.NewNop(), "checkout", 1, time.Second), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	assert.Equal(t, http.StatusOK, do(r, nil).Code)
	assert.Equal(t, http.StatusOK, do(r, nil).Code)
}

func TestOptionalUser(t *testing.T) {
	r := gin.New()
	r.Use(OptionalUser())
	r.GET("/x", func(c *gin.Context) {
		id, ok := UserID(c)
		if !ok {
			c.String(http.StatusOK, "guest")
			return
		}
		c.JSON(http.StatusOK, id)
	})

	w := do(r, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "guest", w.Body.String())

	w = do(r, map[string]string{"X-User-Id": "42"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "42", w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, do(r, map[string]string{"X-User-Id": "abc"}).Code)
}

func TestAdminTokenAndRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestLogger(zap.NewNop()))
	r.GET("/x", AdminToken("secret"), func(c *gin.Context) {
		c.String(http.StatusOK, RequestID(c))
	})

	assert.Equal(t, http.StatusUnauthorized, do(r, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, map[string]string{"X-Admin-Token": "nope"}).Code)

	w := do(r, map[string]string{"X-Admin-Token": "secret", "X-Request-Id": "rid-1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "rid-1", w.Body.String())
	assert.Equal(t, "rid-1", w.Header().Get("X-Request-Id"))
}
