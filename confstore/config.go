package confstore

import (
	"time"

	"github.com/ceyewan/hms-plane/xerrors"
)

// Config 配置存储配置
type Config struct {
	Driver DriverType `mapstructure:"driver" yaml:"driver" json:"driver"`
	File   FileConfig `mapstructure:"file" yaml:"file" json:"file"`
	Etcd   EtcdConfig `mapstructure:"etcd" yaml:"etcd" json:"etcd"`
	SQL    SQLConfig  `mapstructure:"sql" yaml:"sql" json:"sql"`
}

// FileConfig 文件后端
type FileConfig struct {
	// Root 配置仓库目录
	Root string `mapstructure:"root" yaml:"root" json:"root"`
	// Watch 是否监听文件变化，默认 true
	Watch *bool `mapstructure:"watch" yaml:"watch" json:"watch"`
	// Debounce 文件事件合并窗口，默认 200ms
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce" json:"debounce"`
}

// EtcdConfig etcd 后端
type EtcdConfig struct {
	// Prefix 键前缀，默认 /hms/config
	Prefix string `mapstructure:"prefix" yaml:"prefix" json:"prefix"`
	// MaxTxnRetries 乐观并发冲突重试次数，默认 5
	MaxTxnRetries int `mapstructure:"max_txn_retries" yaml:"max_txn_retries" json:"maxTxnRetries"`
}

// SQLConfig sql 后端
type SQLConfig struct {
	// AutoMigrate 启动时建表，默认 true
	AutoMigrate *bool `mapstructure:"auto_migrate" yaml:"auto_migrate" json:"autoMigrate"`
	// PollInterval >0 时轮询其他进程写入的新行并发出变更通知
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" json:"pollInterval"`
}

func boolPtr(b bool) *bool { return &b }

func (c *Config) setDefaults() {
	if c.Driver == "" {
		c.Driver = DriverFile
	}
	if c.File.Watch == nil {
		c.File.Watch = boolPtr(true)
	}
	if c.File.Debounce == 0 {
		c.File.Debounce = 200 * time.Millisecond
	}
	if c.Etcd.Prefix == "" {
		c.Etcd.Prefix = "/hms/config"
	}
	if c.Etcd.MaxTxnRetries == 0 {
		c.Etcd.MaxTxnRetries = 5
	}
	if c.SQL.AutoMigrate == nil {
		c.SQL.AutoMigrate = boolPtr(true)
	}
}

func (c *Config) validate() error {
	if c.Driver == DriverFile && c.File.Root == "" {
		return xerrors.Wrap(ErrInvalidConfig, "file.root is required")
	}
	if c.File.Debounce < 0 || c.SQL.PollInterval < 0 {
		return xerrors.Wrap(ErrInvalidConfig, "durations must not be negative")
	}
	return nil
}
