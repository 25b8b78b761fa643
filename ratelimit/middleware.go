package ratelimit

import (
	"fmt"
	"math"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/xerrors"
)

// GinMiddlewareOptions 中间件选项
type GinMiddlewareOptions struct {
	// KeyFunc 提取限流键，默认客户端 IP。返回空串时放行。
	KeyFunc func(*gin.Context) string
	// LimitFunc 返回本次请求的规则，无效规则时放行
	LimitFunc func(*gin.Context) Limit
	// WithHeaders 写出 X-RateLimit-Limit、X-RateLimit-Remaining、Retry-After
	WithHeaders bool
	// Logger 记录限流器故障，默认丢弃
	Logger clog.Logger
}

// GinMiddleware 创建限流中间件。
// 超限时中断并返回 429 {"code":"RATE_LIMITED"}；限流器自身出错时放行。
func GinMiddleware(limiter Limiter, opts *GinMiddlewareOptions) gin.HandlerFunc {
	if opts == nil {
		opts = &GinMiddlewareOptions{}
	}
	keyFunc := opts.KeyFunc
	if keyFunc == nil {
		keyFunc = func(c *gin.Context) string { return c.ClientIP() }
	}
	limitFunc := opts.LimitFunc
	if limitFunc == nil {
		limitFunc = func(*gin.Context) Limit { return Limit{} }
	}
	logger := opts.Logger
	if logger == nil {
		logger = clog.Discard()
	}

	return func(c *gin.Context) {
		key := keyFunc(c)
		limit := limitFunc(c)
		if key == "" || !limit.Valid() {
			c.Next()
			return
		}

		if opts.WithHeaders {
			c.Header("X-RateLimit-Limit", formatLimit(limit))
		}

		allowed, err := limiter.Allow(c.Request.Context(), key, limit)
		if err != nil {
			logger.WarnContext(c.Request.Context(), "rate limiter failed, request let through",
				clog.String("key", key), clog.Error(err))
			c.Next()
			return
		}

		if !allowed {
			if opts.WithHeaders {
				c.Header("X-RateLimit-Remaining", "0")
				c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(limit)))
			}
			resp := xerrors.ToResponse(ErrRateLimitExceeded)
			c.AbortWithStatusJSON(xerrors.HTTPStatus(ErrRateLimitExceeded), resp)
			return
		}

		c.Next()
	}
}

func formatLimit(limit Limit) string {
	return fmt.Sprintf("rate=%.2f, burst=%d", limit.Rate, limit.Burst)
}

// retryAfterSeconds 生成 1 个令牌所需的秒数，向上取整且至少为 1
func retryAfterSeconds(limit Limit) int {
	s := int(math.Ceil(1 / limit.Rate))
	if s < 1 {
		return 1
	}
	return s
}
