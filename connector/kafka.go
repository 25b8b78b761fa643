package connector

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/xerrors"

	"github.com/twmb/franz-go/pkg/kgo"
)

type kafkaConnector struct {
	cfg     *KafkaConfig
	client  *kgo.Client
	logger  clog.Logger
	metrics *connMetrics
	healthy atomic.Bool
	mu      sync.RWMutex
}

// NewKafka 创建 Kafka 连接器，生产端 client 在 Connect 时创建
func NewKafka(cfg *KafkaConfig, opts ...Option) (KafkaConnector, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrConfig, "kafka config is nil")
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	opt := applyOptions(opts...)

	return &kafkaConnector{
		cfg:     cfg,
		logger:  opt.logger.With(clog.String("connector", "kafka"), clog.String("name", cfg.Name)),
		metrics: newConnMetrics(opt.meter, "kafka", cfg.Name),
	}, nil
}

// KafkaClientOptions 返回按配置生成的基础 kgo 选项，消费端在此基础上追加订阅参数
func KafkaClientOptions(cfg *KafkaConfig, logger clog.Logger) []kgo.Opt {
	return []kgo.Opt{
		kgo.SeedBrokers(cfg.Seed...),
		kgo.ClientID(cfg.ClientID),
		kgo.DialTimeout(cfg.ConnectTimeout),
		kgo.RequestTimeoutOverhead(cfg.RequestTimeout),
		kgo.AllowAutoTopicCreation(),
		kgo.WithLogger(NewKgoLogger(logger)),
	}
}

func (c *kafkaConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	c.metrics.attempt(ctx)
	c.logger.Info("connecting to kafka", clog.Strings("seeds", c.cfg.Seed))
	client, err := kgo.NewClient(KafkaClientOptions(c.cfg, c.logger)...)
	if err != nil {
		c.metrics.failed(ctx)
		c.logger.Error("failed to create kafka client", clog.Error(err))
		return xerrors.Wrapf(xerrors.Join(ErrConfig, err), "kafka connector[%s]", c.cfg.Name)
	}

	// franz-go 惰性建连，Ping 触发一次 broker 往返
	if err := client.Ping(ctx); err != nil {
		client.Close()
		c.metrics.failed(ctx)
		c.logger.Error("failed to reach kafka seeds", clog.Error(err))
		return xerrors.Wrapf(xerrors.Join(ErrConnection, err), "kafka connector[%s]", c.cfg.Name)
	}

	c.client = client
	c.healthy.Store(true)
	c.metrics.setConnected(ctx, true)
	c.logger.Info("connected to kafka")
	return nil
}

func (c *kafkaConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.healthy.Store(false)
	if c.client != nil {
		c.client.Close()
		c.client = nil
		c.metrics.setConnected(context.Background(), false)
		c.logger.Info("kafka connection closed")
	}
	return nil
}

func (c *kafkaConnector) HealthCheck(ctx context.Context) error {
	client := c.GetClient()
	if client == nil {
		c.healthy.Store(false)
		return ErrClientNil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		c.healthy.Store(false)
		c.logger.Warn("kafka health check failed", clog.Error(err))
		return xerrors.Wrapf(xerrors.Join(ErrConnection, err), "kafka connector[%s]: health check", c.cfg.Name)
	}
	c.healthy.Store(true)
	return nil
}

func (c *kafkaConnector) IsHealthy() bool { return c.healthy.Load() }

func (c *kafkaConnector) Name() string { return c.cfg.Name }

func (c *kafkaConnector) GetClient() *kgo.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

func (c *kafkaConnector) Config() *KafkaConfig { return c.cfg }

// kgoLogger 把 franz-go 日志转到 clog
type kgoLogger struct {
	logger clog.Logger
}

// NewKgoLogger 包装 clog.Logger 为 kgo.Logger
func NewKgoLogger(logger clog.Logger) kgo.Logger {
	if logger == nil {
		logger = clog.Discard()
	}
	return &kgoLogger{logger: logger}
}

func (l *kgoLogger) Level() kgo.LogLevel {
	return kgo.LogLevelInfo
}

func (l *kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	fields := make([]clog.Field, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		if key, ok := keyvals[i].(string); ok {
			fields = append(fields, clog.Any(key, keyvals[i+1]))
		}
	}

	switch level {
	case kgo.LogLevelError:
		l.logger.Error(msg, fields...)
	case kgo.LogLevelWarn:
		l.logger.Warn(msg, fields...)
	case kgo.LogLevelInfo:
		l.logger.Info(msg, fields...)
	case kgo.LogLevelDebug:
		l.logger.Debug(msg, fields...)
	}
}
