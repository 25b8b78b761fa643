package configclient

import (
	"strings"
	"time"

	"github.com/ceyewan/hms-plane/configsvc"
	"github.com/ceyewan/hms-plane/confstore"
	"github.com/ceyewan/hms-plane/xerrors"
)

// Config 配置客户端
type Config struct {
	// Servers Config Service 地址列表，如 http://config:8888，失败时轮换
	Servers []string `mapstructure:"servers" yaml:"servers" json:"servers"`

	Application string `mapstructure:"application" yaml:"application" json:"application"`
	Profile     string `mapstructure:"profile" yaml:"profile" json:"profile"`
	Label       string `mapstructure:"label" yaml:"label" json:"label"`

	// PollTimeout 长轮询时长，默认 30s
	PollTimeout time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout" json:"pollTimeout"`

	// RequestTimeout 单次请求在长轮询时长之外的额外预算，默认 5s
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" json:"requestTimeout"`

	// FailFast 启动时拉取失败则返回错误
	FailFast bool `mapstructure:"fail_fast" yaml:"fail_fast" json:"failFast"`

	// MinBackoff / MaxBackoff 连续失败时的退避区间，默认 500ms / 30s
	MinBackoff time.Duration `mapstructure:"min_backoff" yaml:"min_backoff" json:"minBackoff"`
	MaxBackoff time.Duration `mapstructure:"max_backoff" yaml:"max_backoff" json:"maxBackoff"`

	// Subject 变更事件主题，默认 hms.config.refresh
	Subject string `mapstructure:"subject" yaml:"subject" json:"subject"`
}

func (c *Config) setDefaults() {
	if c.Profile == "" {
		c.Profile = confstore.DefaultProfile
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = 30 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.MinBackoff == 0 {
		c.MinBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Subject == "" {
		c.Subject = configsvc.RefreshSubject
	}
	for i, s := range c.Servers {
		c.Servers[i] = strings.TrimSuffix(s, "/")
	}
}

func (c *Config) validate() error {
	if len(c.Servers) == 0 {
		return xerrors.Wrap(ErrInvalidConfig, "at least one server is required")
	}
	if c.Application == "" {
		return xerrors.Wrap(ErrInvalidConfig, "application is required")
	}
	if c.PollTimeout < 0 || c.RequestTimeout <= 0 || c.MinBackoff <= 0 || c.MaxBackoff < c.MinBackoff {
		return xerrors.Wrap(ErrInvalidConfig, "invalid timeouts")
	}
	return nil
}
