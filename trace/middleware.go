package trace

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc/stats"
)

// untracedPaths 探活与抓取请求不产生 span
var untracedPaths = map[string]struct{}{
	"/healthz": {},
	"/metrics": {},
}

// GinMiddleware 为每个请求创建 server span，并从入站头中提取上游 trace context
func GinMiddleware(serviceName string) gin.HandlerFunc {
	return otelgin.Middleware(serviceName, otelgin.WithFilter(func(r *http.Request) bool {
		_, skip := untracedPaths[r.URL.Path]
		return !skip
	}))
}

// GRPCServerStatsHandler gRPC 服务端 span
func GRPCServerStatsHandler() stats.Handler {
	return otelgrpc.NewServerHandler()
}

// GRPCClientStatsHandler gRPC 客户端 span，经 hms:/// 解析的调用同样适用
func GRPCClientStatsHandler() stats.Handler {
	return otelgrpc.NewClientHandler()
}
