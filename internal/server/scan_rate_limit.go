package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/trustscan/internal/observability/logger"
	"go.uber.org/zap"
)

// ScanSubmitRateLimit throttles submissions per account. Redis failures
// let the request through.
func (s *Server) ScanSubmitRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.scanLimiter == nil || !s.scanLimiter.Enabled() {
			c.Next()
			return
		}
		id := identityFrom(c)
		if id == nil {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		res, err := s.scanLimiter.AllowSubmit(ctx, id.AccountID)
		if err != nil {
			logger.FromContext(ctx).Warn("scan submit rate limit unavailable, allowing", zap.Error(err))
			c.Next()
			return
		}
		if res.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		}
		if !res.Allowed {
			logger.FromContext(ctx).Warn("scan submit rate limit exceeded")
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}
