// Package clog 为 hms-plane 提供基于 slog 的结构化日志组件。
//
// 特性：
//   - 抽象接口，不暴露底层 slog 实现
//   - 层级命名空间：组件通过 WithNamespace 追加自己的名字，如 "gateway.proxy"
//   - Context 字段提取：自定义键与 OpenTelemetry trace_id/span_id
//   - 运行时调整级别（SetLevel）
//
// 基本使用：
//
//	logger, _ := clog.New(&clog.Config{Level: "info", Format: "json"},
//	    clog.WithNamespace("gateway"),
//	    clog.WithTraceContext(),
//	)
//	logger.Info("route matched", clog.String("route", "/api/patients"))
//
// 组件约定：构造函数接收 WithLogger(l)，内部调用 l.WithNamespace("<component>")；
// 未提供时使用 clog.Discard()。
package clog

import "fmt"

// New 创建一个新的 Logger 实例
//
// config 为 nil 时使用开发环境默认配置。
func New(config *Config, opts ...Option) (Logger, error) {
	if config == nil {
		config = NewDevDefaultConfig()
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return newLogger(config, applyOptions(opts...))
}

// Must 创建 Logger，失败时 panic，仅用于 main 初始化。
func Must(config *Config, opts ...Option) Logger {
	l, err := New(config, opts...)
	if err != nil {
		panic(err)
	}
	return l
}
