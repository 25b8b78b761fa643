package clog

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type loggerImpl struct {
	handler   slog.Handler
	levelVar  *slog.LevelVar
	opts      *options
	namespace string
	attrs     []slog.Attr
}

func newLogger(config *Config, o *options) (Logger, error) {
	h, levelVar, err := newHandler(config, o)
	if err != nil {
		return nil, err
	}
	return &loggerImpl{
		handler:   h,
		levelVar:  levelVar,
		opts:      o,
		namespace: strings.Join(o.namespaceParts, "."),
	}, nil
}

func (l *loggerImpl) log(ctx context.Context, level slog.Level, msg string, fields []Field) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.handler.Enabled(ctx, level) {
		return
	}

	// 跳过 runtime.Callers、log 和级别方法本身
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])

	if l.namespace != "" {
		r.AddAttrs(slog.String("namespace", l.namespace))
	}
	r.AddAttrs(l.attrs...)
	for _, cf := range l.opts.contextFields {
		if v := ctx.Value(cf.Key); v != nil {
			r.AddAttrs(slog.Any(cf.FieldName, v))
		}
	}
	if l.opts.traceContext {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			r.AddAttrs(
				slog.String("trace_id", sc.TraceID().String()),
				slog.String("span_id", sc.SpanID().String()),
			)
		}
	}
	r.AddAttrs(fields...)
	_ = l.handler.Handle(ctx, r)
}

func (l *loggerImpl) Debug(msg string, fields ...Field) {
	l.log(context.Background(), slog.LevelDebug, msg, fields)
}

func (l *loggerImpl) Info(msg string, fields ...Field) {
	l.log(context.Background(), slog.LevelInfo, msg, fields)
}

func (l *loggerImpl) Warn(msg string, fields ...Field) {
	l.log(context.Background(), slog.LevelWarn, msg, fields)
}

func (l *loggerImpl) Error(msg string, fields ...Field) {
	l.log(context.Background(), slog.LevelError, msg, fields)
}

func (l *loggerImpl) Fatal(msg string, fields ...Field) {
	l.log(context.Background(), FatalLevel.slogLevel(), msg, fields)
	os.Exit(1)
}

func (l *loggerImpl) DebugContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, slog.LevelDebug, msg, fields)
}

func (l *loggerImpl) InfoContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, slog.LevelInfo, msg, fields)
}

func (l *loggerImpl) WarnContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, slog.LevelWarn, msg, fields)
}

func (l *loggerImpl) ErrorContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, slog.LevelError, msg, fields)
}

func (l *loggerImpl) FatalContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, FatalLevel.slogLevel(), msg, fields)
	os.Exit(1)
}

// With 复制字段切片，派生出的兄弟 Logger 互不影响
func (l *loggerImpl) With(fields ...Field) Logger {
	child := *l
	child.attrs = make([]slog.Attr, 0, len(l.attrs)+len(fields))
	child.attrs = append(child.attrs, l.attrs...)
	child.attrs = append(child.attrs, fields...)
	return &child
}

func (l *loggerImpl) WithNamespace(parts ...string) Logger {
	if len(parts) == 0 {
		return l
	}
	child := *l
	ns := strings.Join(parts, ".")
	if l.namespace != "" {
		ns = l.namespace + "." + ns
	}
	child.namespace = ns
	return &child
}

func (l *loggerImpl) SetLevel(level Level) error {
	l.levelVar.Set(level.slogLevel())
	return nil
}

func (l *loggerImpl) Flush() {}
