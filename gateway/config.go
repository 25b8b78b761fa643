package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/ceyewan/hms-plane/breaker"
	"github.com/ceyewan/hms-plane/ratelimit"
	"github.com/ceyewan/hms-plane/xerrors"
)

// Config 网关配置
type Config struct {
	// Addr 监听地址，默认 ":8080"
	Addr string `mapstructure:"addr" yaml:"addr" json:"addr"`

	// ServiceName 用于 trace 与 HTTP 指标，默认 "gateway"
	ServiceName string `mapstructure:"service_name" yaml:"service_name" json:"serviceName"`

	Routes []RouteRule `mapstructure:"routes" yaml:"routes" json:"routes"`

	// ConnectTimeout 建连超时，默认 5s
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout" json:"connectTimeout"`
	// DefaultTimeout 单次转发超时，路由未设置时使用，默认 10s
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout" json:"defaultTimeout"`
	// DefaultRetries 转发失败后的重试次数，默认 2，设为负数关闭
	DefaultRetries int `mapstructure:"default_retries" yaml:"default_retries" json:"defaultRetries"`

	// MaxConnsPerInstance 每个下游实例的并发转发上限，默认 64
	MaxConnsPerInstance int `mapstructure:"max_conns_per_instance" yaml:"max_conns_per_instance" json:"maxConnsPerInstance"`
	// PoolAcquireTimeout 等待实例并发名额的时长，0 表示不等待
	PoolAcquireTimeout time.Duration `mapstructure:"pool_acquire_timeout" yaml:"pool_acquire_timeout" json:"poolAcquireTimeout"`
	// MaxBufferedBody 为重试缓存的最大请求体，超过时该请求不重试，默认 4MiB
	MaxBufferedBody int64 `mapstructure:"max_buffered_body" yaml:"max_buffered_body" json:"maxBufferedBody"`

	// CorrelationHeader 关联 ID 请求头，默认 "X-Correlation-ID"
	CorrelationHeader string `mapstructure:"correlation_header" yaml:"correlation_header" json:"correlationHeader"`

	Breaker   breaker.Config   `mapstructure:"breaker" yaml:"breaker" json:"breaker"`
	CORS      *CORSConfig      `mapstructure:"cors" yaml:"cors" json:"cors"`
	RateLimit *RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit" json:"rateLimit"`

	MetricsPath       string        `mapstructure:"metrics_path" yaml:"metrics_path" json:"metricsPath"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout" json:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdownTimeout"`
}

// RouteRule 路径前缀到服务名的映射
type RouteRule struct {
	ID string `mapstructure:"id" yaml:"id" json:"id"`
	// PathPrefix 形如 "/api/patients" 或 "/api/patients/**"，按路径段匹配
	PathPrefix  string `mapstructure:"path_prefix" yaml:"path_prefix" json:"pathPrefix"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name" json:"serviceName"`
	// StripPrefix 转发前去掉的前导路径段数
	StripPrefix int      `mapstructure:"strip_prefix" yaml:"strip_prefix" json:"stripPrefix"`
	Rewrite     *Rewrite `mapstructure:"rewrite" yaml:"rewrite" json:"rewrite"`

	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	Retries            *int          `mapstructure:"retries" yaml:"retries" json:"retries"`
	RetryNonIdempotent bool          `mapstructure:"retry_non_idempotent" yaml:"retry_non_idempotent" json:"retryNonIdempotent"`

	// Breaker 覆盖该服务的熔断阈值
	Breaker *breaker.Config `mapstructure:"breaker" yaml:"breaker" json:"breaker"`
}

// Rewrite 把路径前缀 From 替换为 To，在 StripPrefix 之后执行
type Rewrite struct {
	From string `mapstructure:"from" yaml:"from" json:"from"`
	To   string `mapstructure:"to" yaml:"to" json:"to"`
}

// CORSConfig 跨域策略
type CORSConfig struct {
	AllowOrigins     []string      `mapstructure:"allow_origins" yaml:"allow_origins" json:"allowOrigins"`
	AllowMethods     []string      `mapstructure:"allow_methods" yaml:"allow_methods" json:"allowMethods"`
	AllowHeaders     []string      `mapstructure:"allow_headers" yaml:"allow_headers" json:"allowHeaders"`
	ExposeHeaders    []string      `mapstructure:"expose_headers" yaml:"expose_headers" json:"exposeHeaders"`
	AllowCredentials bool          `mapstructure:"allow_credentials" yaml:"allow_credentials" json:"allowCredentials"`
	MaxAge           time.Duration `mapstructure:"max_age" yaml:"max_age" json:"maxAge"`
}

func (c *CORSConfig) setDefaults() {
	if len(c.AllowMethods) == 0 {
		c.AllowMethods = []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		}
	}
	if len(c.AllowHeaders) == 0 {
		c.AllowHeaders = []string{"*"}
	}
	if len(c.ExposeHeaders) == 0 {
		c.ExposeHeaders = []string{"Authorization", "Content-Type", "X-User-ID", "X-User-Role"}
	}
	if c.MaxAge == 0 {
		c.MaxAge = time.Hour
	}
}

// RateLimitConfig 按客户端 IP 的令牌桶
type RateLimitConfig struct {
	Limit ratelimit.Limit `mapstructure:"limit" yaml:"limit" json:"limit"`
	// PerRoute 按路由 ID 覆盖
	PerRoute map[string]ratelimit.Limit `mapstructure:"per_route" yaml:"per_route" json:"perRoute"`
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ServiceName == "" {
		c.ServiceName = "gateway"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 10 * time.Second
	}
	if c.DefaultRetries == 0 {
		c.DefaultRetries = 2
	}
	if c.DefaultRetries < 0 {
		c.DefaultRetries = 0
	}
	if c.MaxConnsPerInstance == 0 {
		c.MaxConnsPerInstance = 64
	}
	if c.MaxBufferedBody == 0 {
		c.MaxBufferedBody = 4 << 20
	}
	if c.CorrelationHeader == "" {
		c.CorrelationHeader = "X-Correlation-ID"
	}
	c.Breaker.SetDefaults()
	if c.CORS != nil {
		c.CORS.setDefaults()
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
}

func (c *Config) validate() error {
	if c.ConnectTimeout < 0 || c.DefaultTimeout < 0 || c.PoolAcquireTimeout < 0 {
		return xerrors.Wrap(ErrInvalidConfig, "timeouts must not be negative")
	}
	if c.MaxConnsPerInstance < 0 {
		return xerrors.Wrap(ErrInvalidConfig, "max_conns_per_instance must not be negative")
	}
	if c.MaxBufferedBody < 0 {
		return xerrors.Wrap(ErrInvalidConfig, "max_buffered_body must not be negative")
	}
	if _, err := compileRoutes(c.Routes); err != nil {
		return err
	}
	return nil
}

// cleanPrefix 去掉 "/**" 后缀与末尾斜杠，"/" 保持原样
func cleanPrefix(p string) string {
	p = strings.TrimSuffix(p, "/**")
	if p != "/" {
		p = strings.TrimSuffix(p, "/")
	}
	if p == "" {
		p = "/"
	}
	return p
}
