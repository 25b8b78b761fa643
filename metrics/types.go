// Package metrics 为 hms-plane 提供基于 OpenTelemetry 的指标能力，通过 Prometheus 暴露。
//
// 各组件通过 WithMeter 接收 Meter，未注入时使用 Discard()：
//
//	meter, _ := metrics.New(&metrics.Config{Enabled: true, ServiceName: "gateway"})
//	defer meter.Shutdown(ctx)
//
//	counter, _ := meter.Counter("gateway_retries_total", "Gateway retry attempts")
//	counter.Inc(ctx, metrics.L("service", "patient-service"))
//
//	engine.GET("/metrics", gin.WrapH(meter.Handler()))
package metrics

import (
	"context"
	"net/http"
)

// Label 指标标签，避免使用实例 id、用户 id 等高基数值
type Label struct {
	Key   string
	Value string
}

// L 创建 Label
func L(key, value string) Label {
	return Label{Key: key, Value: value}
}

// Counter 只增不减的累计值
type Counter interface {
	Inc(ctx context.Context, labels ...Label)
	Add(ctx context.Context, val float64, labels ...Label)
}

// Gauge 可增可减的瞬时值
type Gauge interface {
	Set(ctx context.Context, val float64, labels ...Label)
	Inc(ctx context.Context, labels ...Label)
	Dec(ctx context.Context, labels ...Label)
}

// Histogram 值分布
type Histogram interface {
	Record(ctx context.Context, val float64, labels ...Label)
}

// Meter 指标创建工厂，创建出的指标可并发使用
type Meter interface {
	Counter(name string, desc string, opts ...MetricOption) (Counter, error)
	Gauge(name string, desc string, opts ...MetricOption) (Gauge, error)
	Histogram(name string, desc string, opts ...MetricOption) (Histogram, error)

	// Handler 返回 Prometheus 抓取端点
	Handler() http.Handler

	// Shutdown 刷新并关闭
	Shutdown(ctx context.Context) error
}

// MetricOption 指标选项
type MetricOption func(*MetricOptions)

// MetricOptions 指标选项集合
type MetricOptions struct {
	Unit    string
	Buckets []float64
}

// WithUnit 设置单位，如 "s"、"By"
func WithUnit(unit string) MetricOption {
	return func(o *MetricOptions) {
		o.Unit = unit
	}
}

// WithBuckets 设置直方图桶边界
func WithBuckets(buckets []float64) MetricOption {
	return func(o *MetricOptions) {
		o.Buckets = buckets
	}
}
