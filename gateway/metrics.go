package gateway

import (
	"github.com/ceyewan/hms-plane/metrics"
	"github.com/ceyewan/hms-plane/xerrors"
)

const (
	MetricRequestsTotal   = "gateway_requests_total"
	MetricRequestDuration = "gateway_request_duration_seconds"
	MetricRetriesTotal    = "gateway_retries_total"
	MetricInflight        = "gateway_inflight_requests"
)

type gatewayMetrics struct {
	requests metrics.Counter
	duration metrics.Histogram
	retries  metrics.Counter
	inflight metrics.Gauge
}

func newGatewayMetrics(m metrics.Meter) (*gatewayMetrics, error) {
	var (
		gm  gatewayMetrics
		err error
	)
	if gm.requests, err = m.Counter(MetricRequestsTotal, "Proxied requests by route and outcome"); err != nil {
		return nil, xerrors.Wrap(err, "create requests counter")
	}
	if gm.duration, err = m.Histogram(MetricRequestDuration, "End-to-end proxy latency",
		metrics.WithUnit("s"),
		metrics.WithBuckets([]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30})); err != nil {
		return nil, xerrors.Wrap(err, "create duration histogram")
	}
	if gm.retries, err = m.Counter(MetricRetriesTotal, "Forwarding retries against another instance"); err != nil {
		return nil, xerrors.Wrap(err, "create retries counter")
	}
	if gm.inflight, err = m.Gauge(MetricInflight, "Requests currently being proxied"); err != nil {
		return nil, xerrors.Wrap(err, "create inflight gauge")
	}
	return &gm, nil
}
