// Package breaker 提供按 key（通常是下游服务名）隔离的熔断器，基于 gobreaker。
//
// 状态机：closed 下在 Window 内连续失败 FailureThreshold 次后打开；打开持续 Cooldown
// 后进入半开，只放行 HalfOpenRequests 个探测请求，探测成功则闭合，失败重新打开。
// 被调用方主动取消（context.Canceled）的请求不计入统计。
//
// 两种使用方式：
//
//	// 包裹函数
//	v, err := brk.Execute(ctx, "patient-service", func() (any, error) { ... })
//
//	// 两步式：先申请许可，调用结束后回报结果（网关转发使用）
//	done, err := brk.Allow(ctx, "patient-service")
//	if err != nil {
//		// breaker.ErrOpenState
//	}
//	done(callErr)
package breaker

import (
	"context"
	"time"

	"github.com/ceyewan/hms-plane/clog"
)

// Breaker 熔断器核心接口
type Breaker interface {
	// Execute 执行受熔断保护的函数。熔断打开时不调用 fn，返回 ErrOpenState
	Execute(ctx context.Context, key string, fn func() (any, error)) (any, error)

	// Allow 申请一次调用许可，调用结束后必须以调用结果调用 done
	Allow(ctx context.Context, key string) (done func(err error), err error)

	// State 获取指定 key 的状态，从未使用过的 key 为 StateClosed
	State(key string) State

	// Configure 为指定 key 设置独立阈值，配置变化时重建该 key 的熔断器
	Configure(key string, cfg Config)
}

// State 熔断器状态
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config 熔断阈值
type Config struct {
	// FailureThreshold 连续失败多少次后打开（默认 5）
	FailureThreshold uint32 `json:"failureThreshold" yaml:"failure_threshold" mapstructure:"failure_threshold"`

	// Cooldown 打开状态持续时间，之后进入半开（默认 30s）
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown" mapstructure:"cooldown"`

	// Window 闭合状态下的统计窗口，到期清空计数（默认 60s）
	Window time.Duration `json:"window" yaml:"window" mapstructure:"window"`

	// HalfOpenRequests 半开状态允许的探测请求数（默认 1）
	HalfOpenRequests uint32 `json:"halfOpenRequests" yaml:"half_open_requests" mapstructure:"half_open_requests"`
}

// SetDefaults 填充零值字段
func (c *Config) SetDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.HalfOpenRequests == 0 {
		c.HalfOpenRequests = 1
	}
}

// New 创建熔断器，cfg 作为所有 key 的默认阈值
func New(cfg *Config, opts ...Option) (Breaker, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	o.applyDefaults()

	def := *cfg
	def.SetDefaults()

	o.logger.Debug("circuit breaker created",
		clog.Int("failure_threshold", int(def.FailureThreshold)),
		clog.Duration("cooldown", def.Cooldown),
		clog.Duration("window", def.Window))
	return newBreaker(def, o), nil
}
