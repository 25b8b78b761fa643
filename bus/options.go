package bus

import (
	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/connector"
	"github.com/ceyewan/hms-plane/metrics"
)

// Option 总线选项
type Option func(*options)

type options struct {
	logger    clog.Logger
	meter     metrics.Meter
	natsConn  connector.NATSConnector
	kafkaConn connector.KafkaConnector
	redisConn connector.RedisConnector
}

// WithLogger 设置 Logger，命名空间为 bus
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("bus")
		}
	}
}

// WithMeter 设置 Meter
func WithMeter(meter metrics.Meter) Option {
	return func(o *options) {
		o.meter = meter
	}
}

// WithNATSConnector nats 驱动必需
func WithNATSConnector(conn connector.NATSConnector) Option {
	return func(o *options) {
		o.natsConn = conn
	}
}

// WithKafkaConnector kafka 驱动必需
func WithKafkaConnector(conn connector.KafkaConnector) Option {
	return func(o *options) {
		o.kafkaConn = conn
	}
}

// WithRedisConnector redis 驱动必需
func WithRedisConnector(conn connector.RedisConnector) Option {
	return func(o *options) {
		o.redisConn = conn
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
