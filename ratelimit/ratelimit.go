// Package ratelimit 提供令牌桶限流，支持单机与分布式两种驱动。
//
// 网关在认证之前按客户端维度限流，超限请求直接返回 429 RATE_LIMITED：
//
//	limiter, _ := ratelimit.New(&ratelimit.Config{
//	    Driver: ratelimit.DriverStandalone,
//	}, ratelimit.WithLogger(logger))
//	defer limiter.Close()
//
//	r.Use(ratelimit.GinMiddleware(limiter, &ratelimit.GinMiddlewareOptions{
//	    LimitFunc: func(*gin.Context) ratelimit.Limit {
//	        return ratelimit.Limit{Rate: 100, Burst: 200}
//	    },
//	}))
//
// 分布式驱动借用 connector.RedisConnector，多个网关实例共享同一个桶：
//
//	limiter, _ := ratelimit.New(&ratelimit.Config{
//	    Driver:      ratelimit.DriverDistributed,
//	    Distributed: &ratelimit.DistributedConfig{Prefix: "hms:ratelimit:"},
//	}, ratelimit.WithRedisConnector(redisConn))
package ratelimit

import (
	"context"
	"time"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/xerrors"
)

// Limit 令牌桶规则
type Limit struct {
	Rate  float64 `mapstructure:"rate" yaml:"rate" json:"rate"`    // 每秒生成的令牌数
	Burst int     `mapstructure:"burst" yaml:"burst" json:"burst"` // 桶容量
}

// Valid 规则是否可用
func (l Limit) Valid() bool {
	return l.Rate > 0 && l.Burst > 0
}

// Limiter 限流器
type Limiter interface {
	// Allow 非阻塞地获取 1 个令牌。error 只表示系统错误，被限流时返回 (false, nil)。
	Allow(ctx context.Context, key string, limit Limit) (bool, error)

	// AllowN 非阻塞地获取 n 个令牌
	AllowN(ctx context.Context, key string, limit Limit, n int) (bool, error)

	// Wait 阻塞直到获取 1 个令牌或 ctx 结束
	Wait(ctx context.Context, key string, limit Limit) error

	// Close 释放后台资源
	Close() error
}

// DriverType 限流驱动
type DriverType string

const (
	DriverStandalone  DriverType = "standalone"
	DriverDistributed DriverType = "distributed"
)

// Config 限流器配置
type Config struct {
	Driver      DriverType         `mapstructure:"driver" yaml:"driver" json:"driver"`
	Standalone  *StandaloneConfig  `mapstructure:"standalone" yaml:"standalone" json:"standalone"`
	Distributed *DistributedConfig `mapstructure:"distributed" yaml:"distributed" json:"distributed"`
}

// StandaloneConfig 单机限流配置
type StandaloneConfig struct {
	// CleanupInterval 清理空闲桶的间隔，默认 1m
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval" json:"cleanupInterval"`
	// IdleTimeout 桶空闲多久后回收，默认 5m
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" json:"idleTimeout"`
}

func (c *StandaloneConfig) setDefaults() {
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
}

// DistributedConfig 分布式限流配置
type DistributedConfig struct {
	// Prefix Redis key 前缀，默认 "ratelimit:"
	Prefix string `mapstructure:"prefix" yaml:"prefix" json:"prefix"`
}

func (c *DistributedConfig) setDefaults() {
	if c.Prefix == "" {
		c.Prefix = "ratelimit:"
	}
}

// New 按驱动创建限流器
func New(cfg *Config, opts ...Option) (Limiter, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	opt := applyOptions(opts...)

	switch cfg.Driver {
	case DriverStandalone:
		sc := cfg.Standalone
		if sc == nil {
			sc = &StandaloneConfig{}
		}
		return newStandalone(sc, opt.logger, opt.meter)
	case DriverDistributed:
		if opt.redisConn == nil {
			return nil, ErrConnectorNil
		}
		dc := cfg.Distributed
		if dc == nil {
			dc = &DistributedConfig{}
		}
		return newDistributed(dc, opt.redisConn, opt.logger, opt.meter)
	case "":
		return nil, xerrors.Wrap(ErrInvalidConfig, "driver is required")
	default:
		return nil, xerrors.Wrapf(ErrInvalidConfig, "unsupported driver %q", cfg.Driver)
	}
}

// Discard 返回永远放行的限流器，用于关闭限流的场景
func Discard() Limiter {
	return discardLimiter{}
}

type discardLimiter struct{}

func (discardLimiter) Allow(context.Context, string, Limit) (bool, error)       { return true, nil }
func (discardLimiter) AllowN(context.Context, string, Limit, int) (bool, error) { return true, nil }
func (discardLimiter) Wait(context.Context, string, Limit) error                { return nil }
func (discardLimiter) Close() error                                             { return nil }

func logCheck(logger clog.Logger, mode, key string, limit Limit, n int, allowed bool) {
	logger.Debug("rate limit check",
		clog.String("mode", mode),
		clog.String("key", key),
		clog.Bool("allowed", allowed),
		clog.Float64("rate", limit.Rate),
		clog.Int("burst", limit.Burst),
		clog.Int("requested", n))
}
