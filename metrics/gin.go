package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
)

// RouteLabelKey gin 上下文键。NoRoute 之后的处理器 (如网关代理) 可写入逻辑路由名，
// 中间件优先使用它作为 route 标签。
const RouteLabelKey = "metrics:route"

// GinOption GinHTTPMiddleware 选项
type GinOption func(*ginOptions)

type ginOptions struct {
	skip map[string]struct{}
}

// WithSkipPaths 不记录指定路径，通常是 /healthz 与 /metrics 自身
func WithSkipPaths(paths ...string) GinOption {
	return func(o *ginOptions) {
		for _, p := range paths {
			o.skip[p] = struct{}{}
		}
	}
}

// GinHTTPMiddleware 记录 HTTP RED 指标。route 标签依次取 RouteLabelKey、路由模板、UnknownRoute。
func GinHTTPMiddleware(httpMetrics *HTTPServerMetrics, opts ...GinOption) gin.HandlerFunc {
	o := &ginOptions{skip: make(map[string]struct{})}
	for _, opt := range opts {
		opt(o)
	}
	return func(c *gin.Context) {
		if httpMetrics == nil {
			c.Next()
			return
		}
		if _, ok := o.skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		httpMetrics.Observe(c.Request.Context(), c.Request.Method, routeLabel(c), c.Writer.Status(), time.Since(start))
	}
}

func routeLabel(c *gin.Context) string {
	if v := c.GetString(RouteLabelKey); v != "" {
		return v
	}
	if route := c.FullPath(); route != "" {
		return route
	}
	// 原始路径作标签会导致高基数
	return UnknownRoute
}
