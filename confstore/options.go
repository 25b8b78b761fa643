package confstore

import (
	"time"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/connector"
	"github.com/ceyewan/hms-plane/metrics"
)

// Option 存储选项
type Option func(*options)

type options struct {
	logger   clog.Logger
	meter    metrics.Meter
	etcdConn connector.EtcdConnector
	sqlConn  connector.SQLConnector
	now      func() time.Time
}

// WithLogger 设置 Logger，命名空间为 confstore
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("confstore")
		}
	}
}

// WithMeter 设置 Meter
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		o.meter = m
	}
}

// WithEtcdConnector etcd 后端必需
func WithEtcdConnector(conn connector.EtcdConnector) Option {
	return func(o *options) {
		o.etcdConn = conn
	}
}

// WithSQLConnector sql 后端必需
func WithSQLConnector(conn connector.SQLConnector) Option {
	return func(o *options) {
		o.sqlConn = conn
	}
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func applyOptions(opts ...Option) *options {
	o := &options{now: time.Now}
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
