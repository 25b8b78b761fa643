package agent

import (
	"net"
	"strings"
	"time"

	"github.com/ceyewan/hms-plane/xerrors"
)

// Config Client Discovery Agent 配置
type Config struct {
	// Servers Discovery Service 地址列表，如 http://discovery:8761，失败时轮换
	Servers []string `mapstructure:"servers" yaml:"servers" json:"servers"`

	// ServiceName / InstanceID / Address 本实例的注册信息，InstanceID 为空时使用 Address
	ServiceName string            `mapstructure:"service_name" yaml:"service_name" json:"serviceName"`
	InstanceID  string            `mapstructure:"instance_id" yaml:"instance_id" json:"instanceId"`
	Address     string            `mapstructure:"address" yaml:"address" json:"address"`
	Metadata    map[string]string `mapstructure:"metadata" yaml:"metadata" json:"metadata"`

	// Register 是否注册自身，默认 true。网关这类纯消费者可以关闭。
	Register *bool `mapstructure:"register" yaml:"register" json:"register"`

	// LeaseTimeout 期望的租约时长，注册响应中的服务端值优先，默认 30s
	LeaseTimeout time.Duration `mapstructure:"lease_timeout" yaml:"lease_timeout" json:"leaseTimeout"`

	// WatchTimeout 长轮询时长，默认 30s
	WatchTimeout time.Duration `mapstructure:"watch_timeout" yaml:"watch_timeout" json:"watchTimeout"`

	// RefreshInterval 全量刷新间隔，弥补可能丢失的增量，默认 60s
	RefreshInterval time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval" json:"refreshInterval"`

	// RequestTimeout 单次请求超时 (长轮询额外加上 WatchTimeout)，默认 5s
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" json:"requestTimeout"`

	// RetryInterval 注册失败与 watch 失败后的最小重试间隔，默认 1s。
	// 冷查询失败后同一服务在该间隔内直接返回空列表。
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval" json:"retryInterval"`

	// ColdResolveWait 本地无数据时 Resolve 等待冷查询的上限，默认 1s。
	// 超时后查询继续在后台完成，本次返回空列表。
	ColdResolveWait time.Duration `mapstructure:"cold_resolve_wait" yaml:"cold_resolve_wait" json:"coldResolveWait"`
}

func (c *Config) setDefaults() {
	if c.Register == nil {
		b := true
		c.Register = &b
	}
	if c.InstanceID == "" {
		c.InstanceID = c.Address
	}
	if c.LeaseTimeout == 0 {
		c.LeaseTimeout = 30 * time.Second
	}
	if c.WatchTimeout == 0 {
		c.WatchTimeout = 30 * time.Second
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 60 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = time.Second
	}
	if c.ColdResolveWait == 0 {
		c.ColdResolveWait = time.Second
	}
	for i, s := range c.Servers {
		c.Servers[i] = strings.TrimSuffix(s, "/")
	}
}

func (c *Config) validate() error {
	if len(c.Servers) == 0 {
		return xerrors.Wrap(ErrInvalidConfig, "at least one server is required")
	}
	if *c.Register {
		if c.ServiceName == "" {
			return xerrors.Wrap(ErrInvalidConfig, "service_name is required when registering")
		}
		if _, _, err := net.SplitHostPort(c.Address); err != nil {
			return xerrors.Wrapf(ErrInvalidConfig, "address %q must be host:port", c.Address)
		}
	}
	if c.LeaseTimeout < 0 || c.WatchTimeout < 0 || c.RefreshInterval < 0 || c.RequestTimeout <= 0 || c.RetryInterval <= 0 || c.ColdResolveWait < 0 {
		return xerrors.Wrap(ErrInvalidConfig, "invalid durations")
	}
	return nil
}
