package registry

const (
	MetricInstances     = "registry_instances"
	MetricRegistrations = "registry_registrations_total"
	MetricLeaseExpired  = "registry_lease_expired_total"
	MetricEvictions     = "registry_evictions_total"
	MetricWatchWakeups  = "registry_watch_wakeups_total"
)
