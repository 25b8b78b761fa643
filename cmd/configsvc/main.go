// configsvc 运行 Config Service：分层配置解析、快照缓存、长轮询与变更广播。
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/configsvc"
	"github.com/ceyewan/hms-plane/confstore"
	"github.com/ceyewan/hms-plane/connector"
	"github.com/ceyewan/hms-plane/internal/bootstrap"
)

type appConfig struct {
	bootstrap.Observability `mapstructure:",squash"`

	Store     confstore.Config      `mapstructure:"store"`
	Etcd      *connector.EtcdConfig `mapstructure:"etcd"`
	SQL       *connector.SQLConfig  `mapstructure:"sql"`
	Bus       bootstrap.BusConfig   `mapstructure:"bus"`
	ConfigSvc configsvc.Config      `mapstructure:"configsvc"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := bootstrap.SignalContext()
	defer stop()

	var cfg appConfig
	if _, err := bootstrap.LoadConfig(ctx, "configsvc", &cfg); err != nil {
		return err
	}
	rt, err := bootstrap.Init("configsvc", &cfg.Observability)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(shutdownCtx)
	}()

	store, err := openStore(ctx, rt, &cfg)
	if err != nil {
		return err
	}

	b, err := bootstrap.NewBus(ctx, rt, &cfg.Bus)
	if err != nil {
		return err
	}

	if cfg.ConfigSvc.MetricsPath == "" && cfg.Metrics.Enabled && cfg.Metrics.Port == 0 {
		cfg.ConfigSvc.MetricsPath = cfg.Metrics.Path
	}
	opts := []configsvc.Option{configsvc.WithLogger(rt.Logger), configsvc.WithMeter(rt.Meter), configsvc.WithBus(b)}
	svc, err := configsvc.New(store, &cfg.ConfigSvc, opts...)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Close()

	srv, err := configsvc.NewServer(svc, &cfg.ConfigSvc, opts...)
	if err != nil {
		return err
	}
	rt.Logger.Info("config service starting", clog.String("store", string(cfg.Store.Driver)))
	return srv.Run(ctx)
}

// openStore 按驱动建立连接，store 与连接的关闭登记到 rt
func openStore(ctx context.Context, rt *bootstrap.Runtime, cfg *appConfig) (confstore.Store, error) {
	opts := []confstore.Option{confstore.WithLogger(rt.Logger), confstore.WithMeter(rt.Meter)}
	connOpts := []connector.Option{connector.WithLogger(rt.Logger), connector.WithMeter(rt.Meter)}

	switch cfg.Store.Driver {
	case confstore.DriverEtcd:
		if cfg.Etcd == nil {
			return nil, fmt.Errorf("etcd section is required for the etcd store")
		}
		conn, err := connector.NewEtcd(cfg.Etcd, connOpts...)
		if err != nil {
			return nil, err
		}
		if err := conn.Connect(ctx); err != nil {
			return nil, err
		}
		rt.OnShutdown(func(context.Context) error { return conn.Close() })
		opts = append(opts, confstore.WithEtcdConnector(conn))
	case confstore.DriverSQL:
		if cfg.SQL == nil {
			return nil, fmt.Errorf("sql section is required for the sql store")
		}
		conn, err := connector.NewSQL(cfg.SQL, connOpts...)
		if err != nil {
			return nil, err
		}
		if err := conn.Connect(ctx); err != nil {
			return nil, err
		}
		rt.OnShutdown(func(context.Context) error { return conn.Close() })
		opts = append(opts, confstore.WithSQLConnector(conn))
	}

	store, err := confstore.New(&cfg.Store, opts...)
	if err != nil {
		return nil, err
	}
	rt.OnShutdown(func(context.Context) error { return store.Close() })
	return store, nil
}
