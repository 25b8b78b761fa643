package metrics

// Config 指标配置
//
//	metrics:
//	  enabled: true
//	  serviceName: "gateway"
//	  version: "v1.0.0"
//	  port: 0          # >0 时单独启动 Prometheus 端口，否则由进程自己挂载 Handler
//	  path: "/metrics"
type Config struct {
	// Enabled 为 false 时 New 返回 noop Meter
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`

	// ServiceName 写入 Resource 的 service.name
	ServiceName string `json:"serviceName" yaml:"service_name" mapstructure:"service_name"`

	Version string `json:"version" yaml:"version" mapstructure:"version"`

	Port int `json:"port" yaml:"port" mapstructure:"port"`

	Path string `json:"path" yaml:"path" mapstructure:"path"`
}

func (c *Config) setDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "hms-plane"
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
}
