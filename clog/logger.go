package clog

import "context"

// Logger 日志接口
//
// 带 Context 的方法会提取 WithContextField 注册的字段，
// 开启 WithTraceContext 时还会附加 trace_id / span_id。
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	DebugContext(ctx context.Context, msg string, fields ...Field)
	InfoContext(ctx context.Context, msg string, fields ...Field)
	WarnContext(ctx context.Context, msg string, fields ...Field)
	ErrorContext(ctx context.Context, msg string, fields ...Field)
	FatalContext(ctx context.Context, msg string, fields ...Field)

	// With 创建带预设字段的子 Logger
	With(fields ...Field) Logger

	// WithNamespace 追加命名空间，以 "." 连接
	WithNamespace(parts ...string) Logger

	// SetLevel 动态调整级别，对同一根 Logger 派生出的所有 Logger 生效
	SetLevel(level Level) error

	// Flush 同步缓冲区
	Flush()
}
