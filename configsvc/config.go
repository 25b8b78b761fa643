package configsvc

import (
	"time"

	"github.com/ceyewan/hms-plane/xerrors"
)

// RefreshSubject 配置变更事件的总线主题
const RefreshSubject = "hms.config.refresh"

// Config Config Service 配置
type Config struct {
	// Addr HTTP 监听地址，默认 ":8888"
	Addr string `mapstructure:"addr" yaml:"addr" json:"addr"`

	// ServiceName 用于 trace 与 HTTP 指标
	ServiceName string `mapstructure:"service_name" yaml:"service_name" json:"serviceName"`

	// CacheSize 快照缓存容量，默认 1024
	CacheSize int `mapstructure:"cache_size" yaml:"cache_size" json:"cacheSize"`

	// CacheTTL 快照最长缓存时间，默认 5m。变更通知丢失时也能在 TTL 后自愈。
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl" json:"cacheTTL"`

	// MaxWaitTimeout 长轮询上限，默认 60s
	MaxWaitTimeout time.Duration `mapstructure:"max_wait_timeout" yaml:"max_wait_timeout" json:"maxWaitTimeout"`

	// Subject 总线主题，默认 hms.config.refresh
	Subject string `mapstructure:"subject" yaml:"subject" json:"subject"`

	// MetricsPath 非空时挂载 Prometheus 抓取端点
	MetricsPath string `mapstructure:"metrics_path" yaml:"metrics_path" json:"metricsPath"`

	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout" json:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdownTimeout"`
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":8888"
	}
	if c.ServiceName == "" {
		c.ServiceName = "configsvc"
	}
	if c.CacheSize == 0 {
		c.CacheSize = 1024
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.MaxWaitTimeout == 0 {
		c.MaxWaitTimeout = 60 * time.Second
	}
	if c.Subject == "" {
		c.Subject = RefreshSubject
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

func (c *Config) validate() error {
	if c.CacheSize < 0 {
		return xerrors.Wrap(ErrInvalidConfig, "cache_size must not be negative")
	}
	if c.CacheTTL < 0 || c.MaxWaitTimeout < 0 {
		return xerrors.Wrap(ErrInvalidConfig, "durations must not be negative")
	}
	return nil
}
