// Package bus 提供广播式的变更通知总线，用于把配置刷新事件扇出到所有订阅实例。
//
// 总线只承担"尽快通知"的职责：消息可能重复或丢失，订阅方收到通知后应重新拉取
// 权威数据，处理逻辑必须幂等。
//
// 支持四种驱动：
//   - memory: 进程内广播，用于单机部署与测试
//   - nats:   NATS Core 发布订阅
//   - kafka:  Kafka 主题，每个订阅直连全部分区，从最新位点开始消费
//   - redis:  Redis Pub/Sub
//
// 基本使用：
//
//	natsConn, _ := connector.NewNATS(natsCfg)
//	_ = natsConn.Connect(ctx)
//	b, _ := bus.New(&bus.Config{Driver: bus.DriverNATS},
//	    bus.WithNATSConnector(natsConn), bus.WithLogger(logger))
//
//	sub, _ := b.Subscribe(ctx, "hms.config.refresh", func(ctx context.Context, msg bus.Message) error {
//	    return reload(msg.Data())
//	})
//	defer sub.Unsubscribe()
//
//	_ = b.Publish(ctx, "hms.config.refresh", payload)
package bus

import (
	"context"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/trace"
	"github.com/ceyewan/hms-plane/xerrors"
)

// DriverType 驱动类型
type DriverType string

const (
	DriverMemory DriverType = "memory"
	DriverNATS   DriverType = "nats"
	DriverKafka  DriverType = "kafka"
	DriverRedis  DriverType = "redis"
)

// Message 收到的消息
type Message interface {
	Subject() string
	Data() []byte
}

// Handler 消息处理函数，返回的错误只记录日志，不会触发重投
type Handler func(ctx context.Context, msg Message) error

// Subscription 订阅句柄
type Subscription interface {
	// Unsubscribe 取消订阅，可重复调用
	Unsubscribe() error
}

// Bus 广播总线
type Bus interface {
	// Publish 发布消息，所有订阅该主题的实例都会收到
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe 订阅主题，handler 在驱动的投递协程中串行执行
	Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error)

	// Close 关闭总线并取消所有订阅，底层连接由 connector 管理
	Close() error
}

// Config 总线配置
type Config struct {
	Driver DriverType `mapstructure:"driver" yaml:"driver" json:"driver"`

	// BufferSize memory 驱动每个订阅者的缓冲长度，缓冲满时丢弃新消息
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size" json:"bufferSize"`
}

func (c *Config) setDefaults() {
	if c.Driver == "" {
		c.Driver = DriverMemory
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
}

// New 创建总线
func New(cfg *Config, opts ...Option) (Bus, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	cfg.setDefaults()
	o := applyOptions(opts...)
	m := newBusMetrics(o.meter, string(cfg.Driver))

	var d driver
	switch cfg.Driver {
	case DriverMemory:
		d = newMemoryDriver(cfg.BufferSize, o.logger)
	case DriverNATS:
		if o.natsConn == nil {
			return nil, xerrors.Wrap(ErrConnectorNil, "nats driver requires WithNATSConnector")
		}
		d = newNATSDriver(o.natsConn, o.logger)
	case DriverKafka:
		if o.kafkaConn == nil {
			return nil, xerrors.Wrap(ErrConnectorNil, "kafka driver requires WithKafkaConnector")
		}
		d = newKafkaDriver(o.kafkaConn, o.logger)
	case DriverRedis:
		if o.redisConn == nil {
			return nil, xerrors.Wrap(ErrConnectorNil, "redis driver requires WithRedisConnector")
		}
		d = newRedisDriver(o.redisConn, o.logger)
	default:
		return nil, xerrors.Wrapf(ErrInvalidConfig, "unsupported driver %q", cfg.Driver)
	}

	o.logger.Info("bus created", clog.String("driver", string(cfg.Driver)))
	return &bus{driver: d, system: string(cfg.Driver), logger: o.logger, metrics: m}, nil
}

// driver 具体传输实现
type driver interface {
	publish(ctx context.Context, subject string, data []byte) error
	subscribe(ctx context.Context, subject string, deliver func(ctx context.Context, msg Message)) (Subscription, error)
	close() error
}

type bus struct {
	driver  driver
	system  string
	logger  clog.Logger
	metrics *busMetrics
}

func (b *bus) Publish(ctx context.Context, subject string, data []byte) error {
	if subject == "" {
		return ErrSubjectEmpty
	}
	ctx, span, _ := trace.StartProducerSpan(ctx, nil, b.meta(subject, trace.MessagingOperationPublish))
	defer span.End()

	if err := b.driver.publish(ctx, subject, data); err != nil {
		trace.MarkSpanError(span, err)
		b.metrics.published(ctx, subject, false)
		return xerrors.Wrapf(xerrors.Join(ErrPublish, err), "publish %s", subject)
	}
	b.metrics.published(ctx, subject, true)
	return nil
}

func (b *bus) Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error) {
	if subject == "" {
		return nil, ErrSubjectEmpty
	}
	if handler == nil {
		return nil, xerrors.Wrap(ErrInvalidConfig, "handler is nil")
	}
	meta := b.meta(subject, trace.MessagingOperationConsume)
	sub, err := b.driver.subscribe(ctx, subject, func(ctx context.Context, msg Message) {
		// 各驱动都不携带消息头，消费 span 独立成链
		ctx, span := trace.StartConsumerSpanFromHeaders(ctx, nil, nil, meta)
		defer span.End()

		err := handler(ctx, msg)
		trace.MarkSpanError(span, err)
		b.metrics.consumed(ctx, subject, err == nil)
		if err != nil {
			b.logger.Warn("message handler failed", clog.String("subject", subject), clog.Error(err))
		}
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "subscribe %s", subject)
	}
	b.logger.Debug("subscribed", clog.String("subject", subject))
	return sub, nil
}

func (b *bus) meta(subject, op string) trace.MessagingMeta {
	return trace.MessagingMeta{System: b.system, Destination: subject, Operation: op}
}

func (b *bus) Close() error {
	return b.driver.close()
}

type message struct {
	subject string
	data    []byte
}

func (m *message) Subject() string { return m.subject }
func (m *message) Data() []byte    { return m.data }
