// internal/api/middleware.go
package api

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/Corphon/SerialWriter/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/segmentio/ksuid"
	"golang.org/x/time/rate"
)

const (
	requestIDKey    = "request_id"
	requestIDHeader = "X-Request-ID"
)

// RequestIDMiddleware 透传或生成请求ID
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = ksuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// RequestLoggerMiddleware 记录请求并上报指标
func RequestLoggerMiddleware(logger *utils.Logger, metrics *utils.GenerationMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		if metrics != nil {
			metrics.RecordAPIRequest(route, c.Request.Method, status, elapsed)
		}

		fields := map[string]interface{}{
			"method":     c.Request.Method,
			"route":      route,
			"status":     status,
			"elapsed_ms": elapsed.Milliseconds(),
			"request_id": c.GetString(requestIDKey),
		}
		if status >= http.StatusInternalServerError {
			logger.Warn("request failed", fields)
		} else {
			logger.Debug("request served", fields)
		}
	}
}

// corsMiddleware 实现跨域资源共享
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Authorization, Accept, Origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RateLimiter 按客户端划分的令牌桶，空闲的桶自动过期
type RateLimiter struct {
	visitors *cache.Cache
	every    time.Duration
	burst    int
}

// NewRateLimiter 每 every 补充一个令牌，最多积攒 burst 个
func NewRateLimiter(every time.Duration, burst int) *RateLimiter {
	return &RateLimiter{
		visitors: cache.New(time.Hour, 10*time.Minute),
		every:    every,
		burst:    burst,
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	if v, ok := rl.visitors.Get(key); ok {
		return v.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Every(rl.every), rl.burst)
	// 并发首次访问时以先写入者为准
	if err := rl.visitors.Add(key, l, cache.DefaultExpiration); err != nil {
		if v, ok := rl.visitors.Get(key); ok {
			return v.(*rate.Limiter)
		}
	}
	return l
}

// Allow checks if a visitor is allowed to make a request
func (rl *RateLimiter) Allow(key string) (bool, *rate.Limiter) {
	l := rl.limiter(key)
	rl.visitors.SetDefault(key, l)
	return l.Allow(), l
}

// Middleware 按 keyFunc 限流
func (rl *RateLimiter) Middleware(keyFunc func(*gin.Context) string, response *ResponseHelper) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, l := rl.Allow(keyFunc(c))
		remaining := int(math.Max(0, math.Floor(l.Tokens())))
		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", rl.burst))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		if !ok {
			c.Header("Retry-After", fmt.Sprintf("%d", int(math.Ceil(rl.every.Seconds()))))
			response.Error(c, http.StatusTooManyRequests, ErrorRateLimited, "请求过于频繁")
			c.Abort()
			return
		}
		c.Next()
	}
}

// ByClientIP 以客户端 IP 为键
func ByClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// BySubject 已认证时以令牌主体为键，否则退回 IP
func BySubject(c *gin.Context) string {
	if sub := c.GetString(subjectKey); sub != "" {
		return "sub:" + sub
	}
	return c.ClientIP()
}
