// Package bootstrap 汇集各进程入口共用的初始化：配置加载、日志、指标、链路追踪与消息总线连接。
package bootstrap

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ceyewan/hms-plane/agent"
	"github.com/ceyewan/hms-plane/bus"
	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/config"
	"github.com/ceyewan/hms-plane/connector"
	"github.com/ceyewan/hms-plane/metrics"
	"github.com/ceyewan/hms-plane/trace"
	"github.com/ceyewan/hms-plane/xerrors"
)

// Observability 日志、指标与追踪配置，对应配置文件中的 log / metrics / trace 段
type Observability struct {
	Log     clog.Config    `mapstructure:"log" yaml:"log" json:"log"`
	Metrics metrics.Config `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
	Trace   trace.Config   `mapstructure:"trace" yaml:"trace" json:"trace"`
}

// BusConfig 总线及其驱动所需的连接
type BusConfig struct {
	bus.Config `mapstructure:",squash" yaml:",inline"`

	NATS  *connector.NATSConfig  `mapstructure:"nats" yaml:"nats" json:"nats"`
	Kafka *connector.KafkaConfig `mapstructure:"kafka" yaml:"kafka" json:"kafka"`
	Redis *connector.RedisConfig `mapstructure:"redis" yaml:"redis" json:"redis"`
}

// Runtime 初始化好的可观测性组件
type Runtime struct {
	Logger clog.Logger
	Meter  metrics.Meter

	closers []func(context.Context) error
}

// Shutdown 逆序释放资源
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.Logger.Flush()
	return xerrors.Join(errs...)
}

// OnShutdown 追加退出时执行的清理函数
func (r *Runtime) OnShutdown(fn func(context.Context) error) {
	r.closers = append(r.closers, fn)
}

// LoadConfig 按 name 查找配置文件并反序列化到 v，返回 Loader 供后续 Watch
func LoadConfig(ctx context.Context, name string, v any) (config.Loader, error) {
	loader, err := config.New(&config.Config{Name: name, Paths: []string{".", "./configs", "/etc/hms"}})
	if err != nil {
		return nil, err
	}
	if err := loader.Load(ctx); err != nil {
		return nil, xerrors.Wrapf(err, "load %s config", name)
	}
	if err := loader.Unmarshal(v); err != nil {
		return nil, xerrors.Wrapf(err, "decode %s config", name)
	}
	return loader, nil
}

// Init 初始化日志、追踪与指标。trace.endpoint 为空时只生成 trace id 不导出。
func Init(service string, obs *Observability) (*Runtime, error) {
	logger, err := clog.New(&obs.Log,
		clog.WithNamespace(service),
		clog.WithTraceContext(),
		clog.WithContextField(agent.CorrelationIDKey, "correlation_id"))
	if err != nil {
		return nil, xerrors.Wrap(err, "init logger")
	}
	rt := &Runtime{Logger: logger}

	if obs.Trace.ServiceName == "" {
		obs.Trace.ServiceName = service
	}
	if obs.Trace.Sampler == 0 {
		obs.Trace.Sampler = 1.0
	}
	traceShutdown, err := trace.Init(&obs.Trace)
	if err != nil {
		return nil, xerrors.Wrap(err, "init trace")
	}
	rt.OnShutdown(traceShutdown)

	if obs.Metrics.ServiceName == "" {
		obs.Metrics.ServiceName = service
	}
	meter, err := metrics.New(&obs.Metrics, metrics.WithLogger(logger))
	if err != nil {
		_ = traceShutdown(context.Background())
		return nil, xerrors.Wrap(err, "init metrics")
	}
	rt.Meter = meter
	rt.OnShutdown(meter.Shutdown)
	return rt, nil
}

// NewBus 按驱动建立连接并创建总线，连接的关闭登记到 rt
func NewBus(ctx context.Context, rt *Runtime, cfg *BusConfig) (bus.Bus, error) {
	opts := []bus.Option{bus.WithLogger(rt.Logger), bus.WithMeter(rt.Meter)}
	connOpts := []connector.Option{connector.WithLogger(rt.Logger), connector.WithMeter(rt.Meter)}

	switch cfg.Driver {
	case bus.DriverNATS:
		if cfg.NATS == nil {
			return nil, xerrors.New("bus.nats is required for the nats driver")
		}
		conn, err := connector.NewNATS(cfg.NATS, connOpts...)
		if err != nil {
			return nil, err
		}
		if err := conn.Connect(ctx); err != nil {
			return nil, err
		}
		rt.OnShutdown(func(context.Context) error { return conn.Close() })
		opts = append(opts, bus.WithNATSConnector(conn))
	case bus.DriverKafka:
		if cfg.Kafka == nil {
			return nil, xerrors.New("bus.kafka is required for the kafka driver")
		}
		conn, err := connector.NewKafka(cfg.Kafka, connOpts...)
		if err != nil {
			return nil, err
		}
		if err := conn.Connect(ctx); err != nil {
			return nil, err
		}
		rt.OnShutdown(func(context.Context) error { return conn.Close() })
		opts = append(opts, bus.WithKafkaConnector(conn))
	case bus.DriverRedis:
		if cfg.Redis == nil {
			return nil, xerrors.New("bus.redis is required for the redis driver")
		}
		conn, err := connector.NewRedis(cfg.Redis, connOpts...)
		if err != nil {
			return nil, err
		}
		if err := conn.Connect(ctx); err != nil {
			return nil, err
		}
		rt.OnShutdown(func(context.Context) error { return conn.Close() })
		opts = append(opts, bus.WithRedisConnector(conn))
	}

	b, err := bus.New(&cfg.Config, opts...)
	if err != nil {
		return nil, err
	}
	rt.OnShutdown(func(context.Context) error { return b.Close() })
	return b, nil
}

// SignalContext 收到 SIGINT / SIGTERM 时取消
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
