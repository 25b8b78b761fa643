package registry

import (
	"time"

	"github.com/ceyewan/hms-plane/xerrors"
)

// Config 注册表配置
type Config struct {
	// LeaseTimeout 租约时长，超过该时长未续约视为失联，默认 30s
	LeaseTimeout time.Duration `mapstructure:"lease_timeout" yaml:"lease_timeout" json:"leaseTimeout"`

	// SweepInterval 过期扫描间隔，默认 5s
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval" json:"sweepInterval"`

	// EvictionGrace 实例被标记 DOWN 后保留的时长，之后移除，默认等于 LeaseTimeout
	EvictionGrace time.Duration `mapstructure:"eviction_grace" yaml:"eviction_grace" json:"evictionGrace"`

	// JournalSize 保留的变更事件数，Watch 落后超过该数量时返回完整快照，默认 1024
	JournalSize int `mapstructure:"journal_size" yaml:"journal_size" json:"journalSize"`

	// MaxWatchTimeout 单次 Watch 最长阻塞时间，默认 60s
	MaxWatchTimeout time.Duration `mapstructure:"max_watch_timeout" yaml:"max_watch_timeout" json:"maxWatchTimeout"`
}

func (c *Config) setDefaults() {
	if c.LeaseTimeout == 0 {
		c.LeaseTimeout = 30 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.EvictionGrace == 0 {
		c.EvictionGrace = c.LeaseTimeout
	}
	if c.JournalSize == 0 {
		c.JournalSize = 1024
	}
	if c.MaxWatchTimeout == 0 {
		c.MaxWatchTimeout = 60 * time.Second
	}
}

func (c *Config) validate() error {
	if c.LeaseTimeout <= 0 {
		return xerrors.Wrap(ErrInvalidConfig, "lease_timeout must be positive")
	}
	if c.SweepInterval <= 0 {
		return xerrors.Wrap(ErrInvalidConfig, "sweep_interval must be positive")
	}
	if c.EvictionGrace < 0 {
		return xerrors.Wrap(ErrInvalidConfig, "eviction_grace must not be negative")
	}
	if c.JournalSize < 1 {
		return xerrors.Wrap(ErrInvalidConfig, "journal_size must be at least 1")
	}
	if c.MaxWatchTimeout <= 0 {
		return xerrors.Wrap(ErrInvalidConfig, "max_watch_timeout must be positive")
	}
	return nil
}
