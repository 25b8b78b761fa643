package ratelimit

import (
	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/connector"
	"github.com/ceyewan/hms-plane/metrics"
)

// Option 限流器选项
type Option func(*options)

type options struct {
	logger    clog.Logger
	meter     metrics.Meter
	redisConn connector.RedisConnector
}

// WithLogger 设置 Logger，命名空间为 ratelimit
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("ratelimit")
		}
	}
}

// WithMeter 设置 Meter
func WithMeter(meter metrics.Meter) Option {
	return func(o *options) {
		o.meter = meter
	}
}

// WithRedisConnector 设置 Redis 连接器，分布式驱动必需
func WithRedisConnector(redisConn connector.RedisConnector) Option {
	return func(o *options) {
		o.redisConn = redisConn
	}
}

func applyOptions(opts ...Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = clog.Discard()
	}
	if o.meter == nil {
		o.meter = metrics.Discard()
	}
	return o
}
