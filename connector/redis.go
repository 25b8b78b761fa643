package connector

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/xerrors"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/redis/go-redis/v9/maintnotifications"
)

type redisConnector struct {
	cfg     *RedisConfig
	client  *redis.Client
	logger  clog.Logger
	metrics *connMetrics
	healthy atomic.Bool
	mu      sync.Mutex
}

// NewRedis 创建 Redis 连接器，不会发起网络请求
func NewRedis(cfg *RedisConfig, opts ...Option) (RedisConnector, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrConfig, "redis config is nil")
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	opt := applyOptions(opts...)

	c := &redisConnector{
		cfg:     cfg,
		logger:  opt.logger.With(clog.String("connector", "redis"), clog.String("name", cfg.Name)),
		metrics: newConnMetrics(opt.meter, "redis", cfg.Name),
	}
	c.client = redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	})
	if cfg.EnableTracing {
		if err := redisotel.InstrumentTracing(c.client); err != nil {
			_ = c.client.Close()
			return nil, xerrors.Wrapf(err, "redis connector[%s]: instrument tracing", cfg.Name)
		}
	}
	return c, nil
}

func (c *redisConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return ErrClientNil
	}
	if c.healthy.Load() {
		return nil
	}

	c.metrics.attempt(ctx)
	c.logger.Info("connecting to redis", clog.String("addr", c.cfg.Addr))
	if err := c.client.Ping(ctx).Err(); err != nil {
		c.metrics.failed(ctx)
		c.logger.Error("failed to connect to redis", clog.Error(err), clog.String("addr", c.cfg.Addr))
		return xerrors.Wrapf(xerrors.Join(ErrConnection, err), "redis connector[%s]", c.cfg.Name)
	}

	c.healthy.Store(true)
	c.metrics.setConnected(ctx, true)
	c.logger.Info("connected to redis", clog.String("addr", c.cfg.Addr))
	return nil
}

func (c *redisConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.healthy.Store(false)
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	c.metrics.setConnected(context.Background(), false)
	if err != nil {
		c.logger.Error("failed to close redis connection", clog.Error(err))
		return err
	}
	c.logger.Info("redis connection closed")
	return nil
}

func (c *redisConnector) HealthCheck(ctx context.Context) error {
	client := c.GetClient()
	if client == nil {
		c.healthy.Store(false)
		return ErrClientNil
	}
	if err := client.Ping(ctx).Err(); err != nil {
		c.healthy.Store(false)
		c.logger.Warn("redis health check failed", clog.Error(err))
		return xerrors.Wrapf(xerrors.Join(ErrConnection, err), "redis connector[%s]: health check", c.cfg.Name)
	}
	c.healthy.Store(true)
	return nil
}

func (c *redisConnector) IsHealthy() bool { return c.healthy.Load() }

func (c *redisConnector) Name() string { return c.cfg.Name }

func (c *redisConnector) GetClient() *redis.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}
