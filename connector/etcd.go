package connector

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/xerrors"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// 探活读取的 key，不存在也算成功
const etcdProbeKey = "/hms-plane/health-check"

type etcdConnector struct {
	cfg     *EtcdConfig
	client  *clientv3.Client
	logger  clog.Logger
	metrics *connMetrics
	healthy atomic.Bool
	mu      sync.RWMutex
}

// NewEtcd 创建 Etcd 连接器。clientv3.New 本身是惰性拨号的。
func NewEtcd(cfg *EtcdConfig, opts ...Option) (EtcdConnector, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrConfig, "etcd config is nil")
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	opt := applyOptions(opts...)

	c := &etcdConnector{
		cfg:     cfg,
		logger:  opt.logger.With(clog.String("connector", "etcd"), clog.String("name", cfg.Name)),
		metrics: newConnMetrics(opt.meter, "etcd", cfg.Name),
	}

	clientConfig := clientv3.Config{
		Endpoints:            cfg.Endpoints,
		DialTimeout:          cfg.DialTimeout,
		DialKeepAliveTime:    cfg.KeepAliveTime,
		DialKeepAliveTimeout: cfg.KeepAliveTimeout,
	}
	if cfg.Username != "" && cfg.Password != "" {
		clientConfig.Username = cfg.Username
		clientConfig.Password = cfg.Password
	}

	client, err := clientv3.New(clientConfig)
	if err != nil {
		return nil, xerrors.Wrapf(err, "etcd connector[%s]: create client", cfg.Name)
	}
	c.client = client
	return c, nil
}

func (c *etcdConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return ErrClientNil
	}
	if c.healthy.Load() {
		return nil
	}

	c.metrics.attempt(ctx)
	c.logger.Info("connecting to etcd", clog.Strings("endpoints", c.cfg.Endpoints))
	if err := c.probe(ctx, c.client); err != nil {
		c.metrics.failed(ctx)
		c.logger.Error("failed to connect to etcd", clog.Error(err))
		return xerrors.Wrapf(xerrors.Join(ErrConnection, err), "etcd connector[%s]", c.cfg.Name)
	}

	c.healthy.Store(true)
	c.metrics.setConnected(ctx, true)
	c.logger.Info("connected to etcd", clog.Strings("endpoints", c.cfg.Endpoints))
	return nil
}

func (c *etcdConnector) probe(ctx context.Context, client *clientv3.Client) error {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	_, err := client.Get(probeCtx, etcdProbeKey)
	return err
}

func (c *etcdConnector) Close() error {
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
		c.logger.Error("failed to close etcd connection", clog.Error(err))
		return err
	}
	c.logger.Info("etcd connection closed")
	return nil
}

func (c *etcdConnector) HealthCheck(ctx context.Context) error {
	client := c.GetClient()
	if client == nil {
		c.healthy.Store(false)
		return ErrClientNil
	}
	if err := c.probe(ctx, client); err != nil {
		c.healthy.Store(false)
		c.logger.Warn("etcd health check failed", clog.Error(err))
		return xerrors.Wrapf(xerrors.Join(ErrConnection, err), "etcd connector[%s]: health check", c.cfg.Name)
	}
	c.healthy.Store(true)
	return nil
}

func (c *etcdConnector) IsHealthy() bool { return c.healthy.Load() }

func (c *etcdConnector) Name() string { return c.cfg.Name }

func (c *etcdConnector) GetClient() *clientv3.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}
