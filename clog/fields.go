package clog

import (
	"log/slog"
	"time"
)

// Field 是 slog.Attr 的类型别名
type Field = slog.Attr

// String 创建字符串字段
func String(k, v string) Field {
	return slog.String(k, v)
}

// Int 创建整数字段
func Int(k string, v int) Field {
	return slog.Int(k, v)
}

func Int64(k string, v int64) Field {
	return slog.Int64(k, v)
}

func Uint64(k string, v uint64) Field {
	return slog.Uint64(k, v)
}

func Float64(k string, v float64) Field {
	return slog.Float64(k, v)
}

func Bool(k string, v bool) Field {
	return slog.Bool(k, v)
}

// Time 创建时间字段，输出为 RFC3339Nano 字符串
func Time(k string, v time.Time) Field {
	return slog.Time(k, v)
}

func Duration(k string, v time.Duration) Field {
	return slog.Duration(k, v)
}

// Any 创建任意类型字段
func Any(k string, v any) Field {
	return slog.Any(k, v)
}

// Strings 创建字符串切片字段
func Strings(k string, v []string) Field {
	return slog.Any(k, v)
}

// Error 轻量级错误字段，仅输出 err_msg。err 为 nil 时字段被丢弃。
func Error(err error) Field {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("err_msg", err.Error())
}

// ErrorWithCode 带错误码的错误字段：error={msg, code}
func ErrorWithCode(err error, code string) Field {
	if err == nil {
		return slog.Group("error", slog.String("code", code))
	}
	return slog.Group("error",
		slog.String("msg", err.Error()),
		slog.String("code", code),
	)
}
