// Package testkit 为各组件测试提供公共依赖：日志、指标、唯一 ID，
// 以及基于 testcontainers 的 etcd / Redis / NATS / Kafka / PostgreSQL 实例。
//
// 容器类辅助函数在 -short 模式或 Docker 不可用时调用 t.Skip。
package testkit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/metrics"
)

// Kit 通用测试依赖
type Kit struct {
	Ctx    context.Context
	Logger clog.Logger
	Meter  metrics.Meter
}

// NewKit 返回默认依赖，Ctx 随测试结束取消
func NewKit(t *testing.T) *Kit {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &Kit{
		Ctx:    ctx,
		Logger: NewLogger(),
		Meter:  NewMeter(),
	}
}

// NewLogger 测试用 logger。设置 HMS_TEST_LOG=1 时输出 debug 日志，否则丢弃。
func NewLogger() clog.Logger {
	if os.Getenv("HMS_TEST_LOG") == "" {
		return clog.Discard()
	}
	logger, err := clog.New(clog.NewDevDefaultConfig(), clog.WithNamespace("test"))
	if err != nil {
		return clog.Discard()
	}
	return logger
}

// NewMeter 测试用 meter，不导出任何指标
func NewMeter() metrics.Meter {
	return metrics.Discard()
}

// NewContext 带超时的上下文，测试结束时自动取消
func NewContext(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// NewID 8 位随机串，用于 key、topic、服务名后缀
func NewID() string {
	return uuid.New().String()[0:8]
}

// RequireDocker 在 -short 模式或 Docker 不可用时跳过测试
func RequireDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
}

func terminateOnCleanup(t *testing.T, c testcontainers.Container) {
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(c)
	})
}
