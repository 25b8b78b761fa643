package gateway

import (
	"github.com/ceyewan/hms-plane/auth"
	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/metrics"
	"github.com/ceyewan/hms-plane/ratelimit"
)

// Option 网关选项
type Option func(*options)

type options struct {
	logger  clog.Logger
	meter   metrics.Meter
	auth    auth.Authenticator
	limiter ratelimit.Limiter
}

// WithLogger 设置 Logger，命名空间为 gateway
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("gateway")
		}
	}
}

// WithMeter 设置 Meter
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		o.meter = m
	}
}

// WithAuthenticator 启用 JWT 认证，公开路径与访问规则由 Authenticator 决定
func WithAuthenticator(a auth.Authenticator) Option {
	return func(o *options) {
		o.auth = a
	}
}

// WithLimiter 启用限流，规则来自 Config.RateLimit
func WithLimiter(l ratelimit.Limiter) Option {
	return func(o *options) {
		o.limiter = l
	}
}
