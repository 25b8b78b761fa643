package ratelimit

const (
	// MetricAllowed 放行次数 (Counter)
	MetricAllowed = "ratelimit_allowed_total"

	// MetricDenied 拒绝次数 (Counter)
	MetricDenied = "ratelimit_denied_total"

	// MetricErrors 限流器自身错误次数 (Counter)
	MetricErrors = "ratelimit_errors_total"

	// LabelMode standalone / distributed
	LabelMode = "mode"
)
