package bus

import (
	"context"

	"github.com/ceyewan/hms-plane/metrics"
)

const (
	MetricPublished = "bus_messages_published_total"
	MetricConsumed  = "bus_messages_consumed_total"
)

type busMetrics struct {
	driver    string
	publishes metrics.Counter
	consumes  metrics.Counter
}

func newBusMetrics(meter metrics.Meter, driver string) *busMetrics {
	m := &busMetrics{driver: driver}
	m.publishes, _ = meter.Counter(MetricPublished, "Messages published to the bus")
	m.consumes, _ = meter.Counter(MetricConsumed, "Messages delivered to bus handlers")
	return m
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func (m *busMetrics) published(ctx context.Context, subject string, ok bool) {
	if m.publishes != nil {
		m.publishes.Inc(ctx, metrics.L("driver", m.driver), metrics.L("subject", subject), metrics.L("status", status(ok)))
	}
}

func (m *busMetrics) consumed(ctx context.Context, subject string, ok bool) {
	if m.consumes != nil {
		m.consumes.Inc(ctx, metrics.L("driver", m.driver), metrics.L("subject", subject), metrics.L("status", status(ok)))
	}
}
