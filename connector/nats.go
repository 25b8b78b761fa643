package connector

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/xerrors"

	"github.com/nats-io/nats.go"
)

type natsConnector struct {
	cfg     *NATSConfig
	conn    *nats.Conn
	logger  clog.Logger
	metrics *connMetrics
	healthy atomic.Bool
	mu      sync.RWMutex
}

// NewNATS 创建 NATS 连接器，连接在 Connect 时建立
func NewNATS(cfg *NATSConfig, opts ...Option) (NATSConnector, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrConfig, "nats config is nil")
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	opt := applyOptions(opts...)

	return &natsConnector{
		cfg:     cfg,
		logger:  opt.logger.With(clog.String("connector", "nats"), clog.String("name", cfg.Name)),
		metrics: newConnMetrics(opt.meter, "nats", cfg.Name),
	}, nil
}

func (c *natsConnector) natsOptions() []nats.Option {
	opts := []nats.Option{
		nats.Name(c.cfg.Name),
		nats.Timeout(c.cfg.Timeout),
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.PingInterval(c.cfg.PingInterval),
		nats.MaxPingsOutstanding(c.cfg.MaxPingsOut),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.healthy.Store(false)
			if err != nil {
				c.logger.Warn("nats disconnected", clog.Error(err))
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.healthy.Store(true)
			c.logger.Info("nats reconnected", clog.String("url", conn.ConnectedUrl()))
		}),
	}
	if c.cfg.Username != "" && c.cfg.Password != "" {
		opts = append(opts, nats.UserInfo(c.cfg.Username, c.cfg.Password))
	}
	if c.cfg.Token != "" {
		opts = append(opts, nats.Token(c.cfg.Token))
	}
	return opts
}

func (c *natsConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}

	c.metrics.attempt(ctx)
	c.logger.Info("connecting to nats", clog.String("url", c.cfg.URL))
	conn, err := nats.Connect(c.cfg.URL, c.natsOptions()...)
	if err != nil {
		c.metrics.failed(ctx)
		c.logger.Error("failed to connect to nats", clog.Error(err), clog.String("url", c.cfg.URL))
		return xerrors.Wrapf(xerrors.Join(ErrConnection, err), "nats connector[%s]", c.cfg.Name)
	}

	c.conn = conn
	c.healthy.Store(true)
	c.metrics.setConnected(ctx, true)
	c.logger.Info("connected to nats", clog.String("url", conn.ConnectedUrl()))
	return nil
}

func (c *natsConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.healthy.Store(false)
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.metrics.setConnected(context.Background(), false)
	c.logger.Info("nats connection closed")
	return nil
}

func (c *natsConnector) HealthCheck(ctx context.Context) error {
	conn := c.GetClient()
	if conn == nil {
		c.healthy.Store(false)
		return ErrClientNil
	}
	if status := conn.Status(); status != nats.CONNECTED {
		c.healthy.Store(false)
		return xerrors.Wrapf(ErrConnection, "nats connector[%s]: status %s", c.cfg.Name, status.String())
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		c.healthy.Store(false)
		c.logger.Warn("nats health check failed", clog.Error(err))
		return xerrors.Wrapf(xerrors.Join(ErrConnection, err), "nats connector[%s]: health check", c.cfg.Name)
	}
	c.healthy.Store(true)
	return nil
}

func (c *natsConnector) IsHealthy() bool { return c.healthy.Load() }

func (c *natsConnector) Name() string { return c.cfg.Name }

func (c *natsConnector) GetClient() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}
