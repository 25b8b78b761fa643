package connector

import (
	"context"

	"github.com/ceyewan/hms-plane/metrics"
)

const (
	metricConnectAttempts = "connector_connect_attempts_total"
	metricConnectFailures = "connector_connect_failures_total"
	metricConnected       = "connector_connected"
)

// connMetrics 所有连接器共用的建连指标，按 kind + name 打标签
type connMetrics struct {
	kind      string
	name      string
	attempts  metrics.Counter
	failures  metrics.Counter
	connected metrics.Gauge
}

func newConnMetrics(meter metrics.Meter, kind, name string) *connMetrics {
	m := &connMetrics{kind: kind, name: name}
	// 创建失败时对应指标为 nil，不记录
	m.attempts, _ = meter.Counter(metricConnectAttempts, "Number of connection attempts")
	m.failures, _ = meter.Counter(metricConnectFailures, "Number of failed connection attempts")
	m.connected, _ = meter.Gauge(metricConnected, "Whether the connector is connected (1) or not (0)")
	return m
}

func (m *connMetrics) labels() []metrics.Label {
	return []metrics.Label{metrics.L("kind", m.kind), metrics.L("name", m.name)}
}

func (m *connMetrics) attempt(ctx context.Context) {
	if m.attempts != nil {
		m.attempts.Inc(ctx, m.labels()...)
	}
}

func (m *connMetrics) failed(ctx context.Context) {
	if m.failures != nil {
		m.failures.Inc(ctx, m.labels()...)
	}
	m.setConnected(ctx, false)
}

func (m *connMetrics) setConnected(ctx context.Context, up bool) {
	if m.connected == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.connected.Set(ctx, v, m.labels()...)
}
