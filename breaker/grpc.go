package breaker

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ceyewan/hms-plane/xerrors"
)

// InterceptorOption gRPC 拦截器选项
type InterceptorOption func(*interceptorConfig)

type interceptorConfig struct {
	keyFunc     func(cc *grpc.ClientConn, method string) string
	shouldCount func(error) bool
}

// WithKeyFunc 自定义熔断 key，默认取连接目标中的服务名 (hms:///patient-service -> patient-service)
func WithKeyFunc(fn func(cc *grpc.ClientConn, method string) string) InterceptorOption {
	return func(c *interceptorConfig) {
		c.keyFunc = fn
	}
}

// WithShouldCount 自定义哪些错误计入失败
func WithShouldCount(fn func(error) bool) InterceptorOption {
	return func(c *interceptorConfig) {
		c.shouldCount = fn
	}
}

// UnaryClientInterceptor 返回按下游服务熔断的 gRPC 客户端拦截器。
// 熔断打开时返回 codes.Unavailable，不发起调用。
func UnaryClientInterceptor(b Breaker, opts ...InterceptorOption) grpc.UnaryClientInterceptor {
	cfg := &interceptorConfig{keyFunc: targetKey, shouldCount: countable}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(ctx context.Context, method string, req, reply any,
		cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		done, err := b.Allow(ctx, cfg.keyFunc(cc, method))
		if err != nil {
			if xerrors.Is(err, ErrOpenState) {
				return status.Error(codes.Unavailable, err.Error())
			}
			return err
		}
		err = invoker(ctx, method, req, reply, cc, opts...)
		if cfg.shouldCount(err) {
			done(err)
		} else {
			done(nil)
		}
		return err
	}
}

func targetKey(cc *grpc.ClientConn, method string) string {
	if cc != nil {
		t := cc.Target()
		if i := strings.Index(t, "://"); i >= 0 {
			t = t[i+3:]
		}
		t = strings.TrimPrefix(t, "/")
		if t != "" {
			return t
		}
	}
	return serviceFromMethod(method)
}

// serviceFromMethod "/hms.patient.v1.PatientService/Get" -> "hms.patient.v1.PatientService"
func serviceFromMethod(method string) string {
	method = strings.TrimPrefix(method, "/")
	if i := strings.LastIndex(method, "/"); i >= 0 {
		return method[:i]
	}
	return method
}

// countable 只有服务端不可用一类的错误才计入失败，业务错误码视为成功
func countable(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return true
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Internal, codes.Unknown:
		return true
	}
	return false
}
