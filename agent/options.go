package agent

import (
	"net/http"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/metrics"
)

// Option Agent 选项
type Option func(*options)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
	client *http.Client
}

// WithLogger 设置 Logger，命名空间为 agent
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("agent")
		}
	}
}

// WithMeter 设置 Meter
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		o.meter = m
	}
}

// WithHTTPClient 替换访问 Discovery Service 的 HTTP 客户端
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.client = c
		}
	}
}
