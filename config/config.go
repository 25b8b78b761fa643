package config

import (
	"context"
	"strings"

	"github.com/ceyewan/hms-plane/clog"
)

// Config 加载器配置
type Config struct {
	Name      string   `json:"name" yaml:"name"`           // 配置文件名称（不含扩展名）
	Paths     []string `json:"paths" yaml:"paths"`         // 搜索路径，默认 [".", "./configs"]
	FileType  string   `json:"fileType" yaml:"fileType"`   // yaml, json ...
	EnvPrefix string   `json:"envPrefix" yaml:"envPrefix"` // 环境变量前缀，默认 "HMS"
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "config"
	}
	if c.Paths == nil {
		c.Paths = []string{".", "./configs"}
	}
	if c.FileType == "" {
		c.FileType = "yaml"
	}
	if c.EnvPrefix == "" {
		c.EnvPrefix = "HMS"
	}
	c.EnvPrefix = strings.ToUpper(c.EnvPrefix)
}

// Option 加载器选项
type Option func(*options)

type options struct {
	logger clog.Logger
}

// WithLogger 注入日志记录器
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("config")
		}
	}
}

// New 创建配置加载器，cfg 为 nil 时使用默认配置。
func New(cfg *Config, opts ...Option) (Loader, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.setDefaults()

	o := &options{logger: clog.Discard()}
	for _, opt := range opts {
		opt(o)
	}
	return newLoader(cfg, o), nil
}

// MustLoad 创建并加载配置，失败时 panic，用于 main 初始化。
func MustLoad(cfg *Config, opts ...Option) Loader {
	l, err := New(cfg, opts...)
	if err != nil {
		panic(err)
	}
	if err := l.Load(context.Background()); err != nil {
		panic(err)
	}
	return l
}
