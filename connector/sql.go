package connector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/xerrors"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type sqlConnector struct {
	cfg     *SQLConfig
	db      *gorm.DB
	logger  clog.Logger
	metrics *connMetrics
	healthy atomic.Bool
	mu      sync.RWMutex
}

// NewSQL 创建 gorm 连接器。gorm.Open 会建立连接池但不保证可达，
// 可达性由 Connect 的 Ping 确认。
func NewSQL(cfg *SQLConfig, opts ...Option) (SQLConnector, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrConfig, "sql config is nil")
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	opt := applyOptions(opts...)

	c := &sqlConnector{
		cfg:     cfg,
		logger:  opt.logger.With(clog.String("connector", cfg.Driver), clog.String("name", cfg.Name)),
		metrics: newConnMetrics(opt.meter, cfg.Driver, cfg.Name),
	}

	db, err := gorm.Open(dialector(cfg), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, xerrors.Wrapf(xerrors.Join(ErrConnection, err), "%s connector[%s]: open", cfg.Driver, cfg.Name)
	}
	if cfg.EnableTracing {
		if err := db.Use(otelgorm.NewPlugin()); err != nil {
			return nil, xerrors.Wrapf(err, "%s connector[%s]: instrument tracing", cfg.Driver, cfg.Name)
		}
	}
	c.db = db
	return c, nil
}

func dialector(cfg *SQLConfig) gorm.Dialector {
	switch cfg.Driver {
	case DriverMySQL:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
				cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.Charset)
		}
		return mysql.Open(dsn)
	case DriverPostgres:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
				cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, cfg.SSLMode)
		}
		return postgres.Open(dsn)
	default:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = cfg.Path
		}
		return sqlite.Open(dsn)
	}
}

func (c *sqlConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return ErrClientNil
	}
	if c.healthy.Load() {
		return nil
	}

	c.metrics.attempt(ctx)
	sqlDB, err := c.db.DB()
	if err != nil {
		c.metrics.failed(ctx)
		return xerrors.Wrapf(xerrors.Join(ErrConnection, err), "%s connector[%s]", c.cfg.Driver, c.cfg.Name)
	}
	sqlDB.SetMaxIdleConns(c.cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(c.cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(c.cfg.ConnMaxLifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		c.metrics.failed(ctx)
		c.logger.Error("failed to connect to database", clog.Error(err))
		return xerrors.Wrapf(xerrors.Join(ErrConnection, err), "%s connector[%s]: ping", c.cfg.Driver, c.cfg.Name)
	}

	c.healthy.Store(true)
	c.metrics.setConnected(ctx, true)
	c.logger.Info("connected to database", clog.String("driver", c.cfg.Driver))
	return nil
}

func (c *sqlConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.healthy.Store(false)
	if c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	c.db = nil
	c.metrics.setConnected(context.Background(), false)
	if err != nil {
		return err
	}
	if err := sqlDB.Close(); err != nil {
		c.logger.Error("failed to close database", clog.Error(err))
		return err
	}
	c.logger.Info("database connection closed")
	return nil
}

func (c *sqlConnector) HealthCheck(ctx context.Context) error {
	db := c.GetClient()
	if db == nil {
		c.healthy.Store(false)
		return ErrClientNil
	}
	sqlDB, err := db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		c.healthy.Store(false)
		c.logger.Warn("database health check failed", clog.Error(err))
		return xerrors.Wrapf(xerrors.Join(ErrConnection, err), "%s connector[%s]: health check", c.cfg.Driver, c.cfg.Name)
	}
	c.healthy.Store(true)
	return nil
}

func (c *sqlConnector) IsHealthy() bool { return c.healthy.Load() }

func (c *sqlConnector) Name() string { return c.cfg.Name }

func (c *sqlConnector) Driver() string { return c.cfg.Driver }

func (c *sqlConnector) GetClient() *gorm.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}
