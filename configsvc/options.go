package configsvc

import (
	"github.com/ceyewan/hms-plane/bus"
	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/metrics"
)

// Option 服务选项
type Option func(*options)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
	bus    bus.Bus
}

// WithLogger 设置 Logger，命名空间为 configsvc
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("configsvc")
		}
	}
}

// WithMeter 设置 Meter
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		o.meter = m
	}
}

// WithBus 刷新时在总线上广播 ChangeEvent，并接收其他实例的刷新
func WithBus(b bus.Bus) Option {
	return func(o *options) {
		o.bus = b
	}
}
