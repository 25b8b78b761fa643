package discovery

import (
	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/metrics"
)

// Option 服务选项
type Option func(*options)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
}

// WithLogger 设置 Logger，命名空间为 discovery
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("discovery")
		}
	}
}

// WithMeter 设置 Meter，同时用于 HTTP 指标与 /metrics 端点
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		o.meter = m
	}
}
