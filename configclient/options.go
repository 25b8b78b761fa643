package configclient

import (
	"net/http"

	"github.com/ceyewan/hms-plane/bus"
	"github.com/ceyewan/hms-plane/clog"
)

// Option 客户端选项
type Option func(*options)

type options struct {
	logger clog.Logger
	bus    bus.Bus
	client *http.Client
}

// WithLogger 设置 Logger，命名空间为 configclient
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("configclient")
		}
	}
}

// WithBus 订阅刷新事件，收到本应用或全局的事件时立即重新拉取
func WithBus(b bus.Bus) Option {
	return func(o *options) {
		o.bus = b
	}
}

// WithHTTPClient 替换 HTTP 客户端，超时由请求上下文控制
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.client = c
		}
	}
}
