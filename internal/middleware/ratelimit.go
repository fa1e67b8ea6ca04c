package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// luaRateLimit is a sliding-window counter kept in a sorted set.
// KEYS[1]=limit key; ARGV: now, window start, window seconds, member, limit.
// Returns the count inside the window, or -1 when the limit is reached.
const luaRateLimit = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local windowSec = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '0', windowStart)

local count = redis.call('ZCARD', key)
if count < tonumber(ARGV[5]) then
  redis.call('ZADD', key, now, member)
  redis.call('EXPIRE', key, windowSec)
  return count + 1
else
  return -1
end
`

// RedisRateLimit limits requests per user, or per client IP for guests.
// Redis being unavailable lets the request through.
func RedisRateLimit(rdb *rd.Client, log *zap.Logger, scope string, limit int, window time.Duration) gin.HandlerFunc {
	windowSec := int64(window / time.Second)
	if windowSec < 1 {
		windowSec = 1
	}
	return func(c *gin.Context) {
		var key string
		if uid, ok := UserID(c); ok {
			key = fmt.Sprintf("rate_limit:%s:user:%d", scope, uid)
		} else {
			key = fmt.Sprintf("rate_limit:%s:ip:%s", scope, c.ClientIP())
		}

		now := time.Now()
		member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())
		res, err := rdb.Eval(c.Request.Context(), luaRateLimit, []string{key},
			now.Unix(), now.Unix()-windowSec, windowSec, member, limit).Int()
		if err != nil {
			log.Warn("rate limit unavailable", zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}

		if res < 0 {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": 429,
				"msg":  "too many requests, slow down",
			})
			return
		}
		c.Next()
	}
}
