// discovery 运行 Discovery Service：内存注册表 + 注册/发现 HTTP 接口。
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/discovery"
	"github.com/ceyewan/hms-plane/internal/bootstrap"
	"github.com/ceyewan/hms-plane/registry"
)

type appConfig struct {
	bootstrap.Observability `mapstructure:",squash"`

	Registry  registry.Config  `mapstructure:"registry"`
	Discovery discovery.Config `mapstructure:"discovery"`
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
	if _, err := bootstrap.LoadConfig(ctx, "discovery", &cfg); err != nil {
		return err
	}
	rt, err := bootstrap.Init("discovery", &cfg.Observability)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(shutdownCtx)
	}()

	reg, err := registry.New(&cfg.Registry, registry.WithLogger(rt.Logger), registry.WithMeter(rt.Meter))
	if err != nil {
		return err
	}
	reg.Start(ctx)
	defer reg.Close()

	if cfg.Discovery.MetricsPath == "" && cfg.Metrics.Enabled && cfg.Metrics.Port == 0 {
		cfg.Discovery.MetricsPath = cfg.Metrics.Path
	}
	srv, err := discovery.New(reg, &cfg.Discovery, discovery.WithLogger(rt.Logger), discovery.WithMeter(rt.Meter))
	if err != nil {
		return err
	}

	rt.Logger.Info("discovery service starting",
		clog.Duration("lease_timeout", reg.LeaseTimeout()), clog.String("epoch", reg.Epoch()))
	return srv.Run(ctx)
}
