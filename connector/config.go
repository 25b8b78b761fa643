package connector

import (
	"time"

	"github.com/ceyewan/hms-plane/xerrors"
)

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Name     string `mapstructure:"name" yaml:"name" json:"name"`             // 默认 "default"
	Addr     string `mapstructure:"addr" yaml:"addr" json:"addr"`             // [必填] 如 "127.0.0.1:6379"
	Password string `mapstructure:"password" yaml:"password" json:"password"` // 可选
	DB       int    `mapstructure:"db" yaml:"db" json:"db"`

	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size" json:"poolSize"`                // 默认 10
	MinIdleConns int           `mapstructure:"min_idle_conns" yaml:"min_idle_conns" json:"minIdleConns"` // 默认 0
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" json:"dialTimeout"`       // 默认 5s
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"readTimeout"`       // 默认 3s
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"writeTimeout"`    // 默认 3s

	// EnableTracing 为命令生成 OpenTelemetry span
	EnableTracing bool `mapstructure:"enable_tracing" yaml:"enable_tracing" json:"enableTracing"`
}

func (c *RedisConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.MinIdleConns < 0 {
		c.MinIdleConns = 0
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 3 * time.Second
	}
}

func (c *RedisConfig) validate() error {
	if c.Addr == "" {
		return xerrors.Wrap(ErrConfig, "redis addr is required")
	}
	if c.DB < 0 {
		return xerrors.Wrapf(ErrConfig, "redis db must be >= 0, got %d", c.DB)
	}
	return nil
}

// EtcdConfig Etcd 连接配置
type EtcdConfig struct {
	Name      string   `mapstructure:"name" yaml:"name" json:"name"`
	Endpoints []string `mapstructure:"endpoints" yaml:"endpoints" json:"endpoints"` // [必填]
	Username  string   `mapstructure:"username" yaml:"username" json:"username"`
	Password  string   `mapstructure:"password" yaml:"password" json:"password"`

	DialTimeout      time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" json:"dialTimeout"`                 // 默认 5s
	KeepAliveTime    time.Duration `mapstructure:"keep_alive_time" yaml:"keep_alive_time" json:"keepAliveTime"`         // 默认 10s
	KeepAliveTimeout time.Duration `mapstructure:"keep_alive_timeout" yaml:"keep_alive_timeout" json:"keepAliveTimeout"` // 默认 3s
}

func (c *EtcdConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.KeepAliveTime == 0 {
		c.KeepAliveTime = 10 * time.Second
	}
	if c.KeepAliveTimeout == 0 {
		c.KeepAliveTimeout = 3 * time.Second
	}
}

func (c *EtcdConfig) validate() error {
	if len(c.Endpoints) == 0 {
		return xerrors.Wrap(ErrConfig, "etcd endpoints are required")
	}
	return nil
}

// NATSConfig NATS 连接配置
type NATSConfig struct {
	Name     string `mapstructure:"name" yaml:"name" json:"name"`
	URL      string `mapstructure:"url" yaml:"url" json:"url"` // [必填] 如 "nats://127.0.0.1:4222"
	Username string `mapstructure:"username" yaml:"username" json:"username"`
	Password string `mapstructure:"password" yaml:"password" json:"password"`
	Token    string `mapstructure:"token" yaml:"token" json:"token"`

	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`                      // 默认 5s
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects" json:"maxReconnects"` // 默认 60
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait" json:"reconnectWait"` // 默认 2s
	PingInterval  time.Duration `mapstructure:"ping_interval" yaml:"ping_interval" json:"pingInterval"`    // 默认 2m
	MaxPingsOut   int           `mapstructure:"max_pings_out" yaml:"max_pings_out" json:"maxPingsOut"`     // 默认 2
}

func (c *NATSConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 60
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 2 * time.Minute
	}
	if c.MaxPingsOut == 0 {
		c.MaxPingsOut = 2
	}
}

func (c *NATSConfig) validate() error {
	if c.URL == "" {
		return xerrors.Wrap(ErrConfig, "nats url is required")
	}
	return nil
}

// KafkaConfig Kafka 连接配置
type KafkaConfig struct {
	Name     string   `mapstructure:"name" yaml:"name" json:"name"`
	Seed     []string `mapstructure:"seed" yaml:"seed" json:"seed"` // [必填] 初始 broker 列表
	ClientID string   `mapstructure:"client_id" yaml:"client_id" json:"clientId"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout" json:"connectTimeout"` // 默认 10s
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" json:"requestTimeout"` // 默认 10s
}

func (c *KafkaConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.ClientID == "" {
		c.ClientID = "hms-plane"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

func (c *KafkaConfig) validate() error {
	if len(c.Seed) == 0 {
		return xerrors.Wrap(ErrConfig, "kafka seed brokers are required")
	}
	return nil
}

// SQL 方言
const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// SQLConfig gorm 连接配置。DSN 非空时忽略 Host/Port 等字段。
type SQLConfig struct {
	Name   string `mapstructure:"name" yaml:"name" json:"name"`
	Driver string `mapstructure:"driver" yaml:"driver" json:"driver"` // sqlite | mysql | postgres，默认 sqlite
	DSN    string `mapstructure:"dsn" yaml:"dsn" json:"dsn"`

	// sqlite 使用
	Path string `mapstructure:"path" yaml:"path" json:"path"` // 默认 "hms-plane.db"

	// mysql / postgres 使用
	Host     string `mapstructure:"host" yaml:"host" json:"host"`
	Port     int    `mapstructure:"port" yaml:"port" json:"port"` // 默认 3306 / 5432
	Username string `mapstructure:"username" yaml:"username" json:"username"`
	Password string `mapstructure:"password" yaml:"password" json:"password"`
	Database string `mapstructure:"database" yaml:"database" json:"database"`
	Charset  string `mapstructure:"charset" yaml:"charset" json:"charset"` // mysql 默认 utf8mb4
	SSLMode  string `mapstructure:"ssl_mode" yaml:"ssl_mode" json:"sslMode"` // postgres 默认 disable

	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns" json:"maxIdleConns"`          // 默认 10
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns" json:"maxOpenConns"`          // 默认 100
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime" json:"connMaxLifetime"` // 默认 1h

	EnableTracing bool `mapstructure:"enable_tracing" yaml:"enable_tracing" json:"enableTracing"`
}

func (c *SQLConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
	switch c.Driver {
	case DriverSQLite:
		if c.Path == "" {
			c.Path = "hms-plane.db"
		}
		// sqlite 单写者
		if c.MaxOpenConns == 0 {
			c.MaxOpenConns = 1
		}
	case DriverMySQL:
		if c.Port == 0 {
			c.Port = 3306
		}
		if c.Charset == "" {
			c.Charset = "utf8mb4"
		}
	case DriverPostgres:
		if c.Port == 0 {
			c.Port = 5432
		}
		if c.SSLMode == "" {
			c.SSLMode = "disable"
		}
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 10
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 100
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
}

func (c *SQLConfig) validate() error {
	switch c.Driver {
	case DriverSQLite:
		return nil
	case DriverMySQL, DriverPostgres:
		if c.DSN != "" {
			return nil
		}
		if c.Host == "" {
			return xerrors.Wrapf(ErrConfig, "%s host is required", c.Driver)
		}
		if c.Username == "" {
			return xerrors.Wrapf(ErrConfig, "%s username is required", c.Driver)
		}
		if c.Database == "" {
			return xerrors.Wrapf(ErrConfig, "%s database is required", c.Driver)
		}
		return nil
	default:
		return xerrors.Wrapf(ErrUnsupportedDriver, "%q", c.Driver)
	}
}
