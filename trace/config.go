package trace

// Config 链路追踪配置，Endpoint 为空时只在本地生成 TraceID，不导出
type Config struct {
	ServiceName string  `json:"serviceName" yaml:"service_name" mapstructure:"service_name"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint"`
	Sampler     float64 `json:"sampler" yaml:"sampler" mapstructure:"sampler"`
	Batcher     string  `json:"batcher" yaml:"batcher" mapstructure:"batcher"` // batch | simple
	Insecure    bool    `json:"insecure" yaml:"insecure" mapstructure:"insecure"`
}

// DefaultConfig 返回指向本地 OTLP collector 的默认配置
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName: serviceName,
		Endpoint:    "localhost:4317",
		Sampler:     1.0,
		Batcher:     "batch",
		Insecure:    true,
	}
}
