package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"digital_fulfillment/internal/model"
	rediskey "digital_fulfillment/pkg/redis"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// slidingWindow：ZSET 滑动窗口（毫秒精度），清理、计数、写入在一个脚本里原子完成。
// KEYS[1]=限流key，ARGV[1]=now(ms)，ARGV[2]=窗口(ms)，ARGV[3]=member，ARGV[4]=limit
// 返回 {放行?1:0, 窗口内最早一次请求的时间戳(ms)}
var slidingWindow = rd.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

if redis.call('ZCARD', key) < limit then
  redis.call('ZADD', key, now, ARGV[3])
  redis.call('PEXPIRE', key, window)
  return {1, now}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {0, tonumber(oldest[2])}
`)

// RedisRateLimit 结账限流：按 customer.email 计数，body 里取不到邮箱时按客户端 IP。
// Redis 不可用时放行，限流只是保护手段，不能挡住正常下单。
func RedisRateLimit(rdb *rd.Client, limit int, window time.Duration) gin.HandlerFunc {
	windowMS := window.Milliseconds()
	if windowMS <= 0 {
		windowMS = 1000
	}
	return func(c *gin.Context) {
		email, ok := extractCustomerEmail(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"code": 413,
				"msg":  "request body too large",
			})
			return
		}
		key := rediskey.RateLimitKey("ip", c.ClientIP())
		if email != "" {
			key = rediskey.RateLimitKey("customer", email)
		}

		now := time.Now().UnixMilli()
		res, err := slidingWindow.Run(c.Request.Context(), rdb, []string{key},
			now, windowMS, uuid.NewString(), limit).Int64Slice()
		if err != nil || len(res) != 2 {
			c.Next()
			return
		}

		if res[0] == 0 {
			retry := time.Duration(res[1]+windowMS-now) * time.Millisecond
			secs := int(retry.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": 429,
				"msg":  "too many checkout requests, retry later",
			})
			return
		}
		c.Next()
	}
}

// MaxCheckoutBody 结账请求体上限，限流前读 body 也受它约束。
const MaxCheckoutBody = 1 << 20

// extractCustomerEmail 读出 body 后原样放回，handler 还能再绑定一次。
// 超过 MaxCheckoutBody 的请求直接 413。
func extractCustomerEmail(c *gin.Context) (string, bool) {
	if c.Request.Body == nil {
		return "", true
	}
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxCheckoutBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", false
		}
		return "", true
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))

	var req struct {
		Customer struct {
			Email string `json:"email"`
		} `json:"customer"`
	}
	if json.Unmarshal(raw, &req) != nil {
		return "", true
	}
	return model.NormalizeEmail(req.Customer.Email), true
}
