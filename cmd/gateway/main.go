// gateway 运行 HMS 入口网关。
//
// 路由表来自 gateway.routes，配置文件变化时热更新；实例列表由嵌入的发现 Agent 维护。
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ceyewan/hms-plane/agent"
	"github.com/ceyewan/hms-plane/auth"
	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/config"
	"github.com/ceyewan/hms-plane/connector"
	"github.com/ceyewan/hms-plane/gateway"
	"github.com/ceyewan/hms-plane/internal/bootstrap"
	"github.com/ceyewan/hms-plane/ratelimit"
)

const routesKey = "gateway.routes"

type appConfig struct {
	bootstrap.Observability `mapstructure:",squash"`

	Gateway   gateway.Config         `mapstructure:"gateway"`
	Agent     agent.Config           `mapstructure:"agent"`
	Auth      *auth.Config           `mapstructure:"auth"`
	RateLimit *ratelimit.Config      `mapstructure:"ratelimit"`
	Redis     *connector.RedisConfig `mapstructure:"redis"`
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
	loader, err := bootstrap.LoadConfig(ctx, "gateway", &cfg)
	if err != nil {
		return err
	}
	rt, err := bootstrap.Init("gateway", &cfg.Observability)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(shutdownCtx)
	}()

	// 网关只消费注册表，不注册自身
	if cfg.Agent.Register == nil {
		off := false
		cfg.Agent.Register = &off
	}
	discoveryAgent, err := agent.New(&cfg.Agent, agent.WithLogger(rt.Logger), agent.WithMeter(rt.Meter))
	if err != nil {
		return err
	}
	if err := discoveryAgent.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = discoveryAgent.Stop(stopCtx)
	}()

	opts := []gateway.Option{gateway.WithLogger(rt.Logger), gateway.WithMeter(rt.Meter)}
	if cfg.Auth != nil {
		authn, err := auth.New(cfg.Auth, auth.WithLogger(rt.Logger), auth.WithMeter(rt.Meter))
		if err != nil {
			return err
		}
		opts = append(opts, gateway.WithAuthenticator(authn))
	}
	if cfg.RateLimit != nil && cfg.Gateway.RateLimit != nil {
		limiter, err := newLimiter(ctx, rt, &cfg)
		if err != nil {
			return err
		}
		opts = append(opts, gateway.WithLimiter(limiter))
	}
	if cfg.Gateway.MetricsPath == "" && cfg.Metrics.Enabled && cfg.Metrics.Port == 0 {
		cfg.Gateway.MetricsPath = cfg.Metrics.Path
	}

	gw, err := gateway.New(&cfg.Gateway, discoveryAgent, opts...)
	if err != nil {
		return err
	}
	if err := watchRoutes(ctx, loader, gw, rt.Logger); err != nil {
		rt.Logger.Warn("route hot reload disabled", clog.Error(err))
	}
	return gw.Run(ctx)
}

func newLimiter(ctx context.Context, rt *bootstrap.Runtime, cfg *appConfig) (ratelimit.Limiter, error) {
	opts := []ratelimit.Option{ratelimit.WithLogger(rt.Logger), ratelimit.WithMeter(rt.Meter)}
	if cfg.RateLimit.Driver == ratelimit.DriverDistributed {
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis section is required for the distributed limiter")
		}
		conn, err := connector.NewRedis(cfg.Redis, connector.WithLogger(rt.Logger), connector.WithMeter(rt.Meter))
		if err != nil {
			return nil, err
		}
		if err := conn.Connect(ctx); err != nil {
			return nil, err
		}
		rt.OnShutdown(func(context.Context) error { return conn.Close() })
		opts = append(opts, ratelimit.WithRedisConnector(conn))
	}
	limiter, err := ratelimit.New(cfg.RateLimit, opts...)
	if err != nil {
		return nil, err
	}
	rt.OnShutdown(func(context.Context) error { return limiter.Close() })
	return limiter, nil
}

// watchRoutes 配置文件中的路由变化时替换路由表，新路由校验失败时保留旧表
func watchRoutes(ctx context.Context, loader config.Loader, gw *gateway.Gateway, logger clog.Logger) error {
	events, err := loader.Watch(ctx, routesKey)
	if err != nil {
		return err
	}
	go func() {
		for range events {
			var rules []gateway.RouteRule
			if err := loader.UnmarshalKey(routesKey, &rules); err != nil {
				logger.Error("decode routes failed", clog.Error(err))
				continue
			}
			if err := gw.UpdateRoutes(rules); err != nil {
				logger.Error("rejected route update, keeping previous table", clog.Error(err))
			}
		}
	}()
	return nil
}
