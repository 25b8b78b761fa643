package discovery

import (
	"time"

	"github.com/ceyewan/hms-plane/xerrors"
)

// Config Discovery Service 配置
type Config struct {
	// Addr 监听地址，默认 ":8761"
	Addr string `mapstructure:"addr" yaml:"addr" json:"addr"`

	// ServiceName 用于 trace 与 HTTP 指标
	ServiceName string `mapstructure:"service_name" yaml:"service_name" json:"serviceName"`

	// DefaultWatchTimeout 请求未携带 timeoutMs 时的长轮询时长，默认 30s
	DefaultWatchTimeout time.Duration `mapstructure:"default_watch_timeout" yaml:"default_watch_timeout" json:"defaultWatchTimeout"`

	// MetricsPath 非空时挂载 Prometheus 抓取端点
	MetricsPath string `mapstructure:"metrics_path" yaml:"metrics_path" json:"metricsPath"`

	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout" json:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdownTimeout"`
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":8761"
	}
	if c.ServiceName == "" {
		c.ServiceName = "discovery"
	}
	if c.DefaultWatchTimeout == 0 {
		c.DefaultWatchTimeout = 30 * time.Second
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

func (c *Config) validate() error {
	if c.DefaultWatchTimeout < 0 {
		return xerrors.Wrap(ErrInvalidConfig, "default_watch_timeout must not be negative")
	}
	return nil
}
