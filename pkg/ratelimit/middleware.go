package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"ewsdispatch/pkg/metrics"
)

// Middleware limits requests per client IP.
func Middleware(limiter *KeyedLimiter) gin.HandlerFunc {
	limit := strconv.Itoa(int(limiter.config.RPS))

	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if clientIP == "" {
			clientIP = c.RemoteIP()
		}

		c.Header("X-RateLimit-Limit", limit)

		if !limiter.Allow(clientIP) {
			metrics.ObserveRateLimitWait("limited", 0)
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate limit exceeded",
				"error_code": "RATE_LIMIT_EXCEEDED",
			})
			return
		}

		metrics.ObserveRateLimitWait("allowed", 0)
		c.Header("X-RateLimit-Remaining", strconv.Itoa(limiter.Remaining(clientIP)))
		c.Next()
	}
}
