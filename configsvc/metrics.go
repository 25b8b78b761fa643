package configsvc

const (
	MetricCacheLookups = "configsvc_snapshot_cache_total"
	MetricRefreshes    = "configsvc_refresh_total"
	MetricWaiters      = "configsvc_long_poll_waiters"
)
