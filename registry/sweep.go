package registry

import (
	"context"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/metrics"
)

// sweep 两阶段过期：
// 心跳超过租约的实例先标记为 DOWN，DOWN 持续超过宽限期后移除。
// 返回本轮变更的实例数。
func (r *memoryRegistry) sweep(ctx context.Context) int {
	now := r.now()
	var marked, evicted []*ServiceInstance

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0
	}
	for key, inst := range r.instances {
		switch {
		case inst.Status == StatusDown:
			if now.Sub(inst.DownSince) >= r.cfg.EvictionGrace {
				delete(r.instances, key)
				r.bumpLocked(EventDeleted, inst)
				evicted = append(evicted, inst)
			}
		case now.Sub(inst.LastHeartbeat) > r.cfg.LeaseTimeout:
			inst.Status = StatusDown
			inst.DownSince = now
			r.bumpLocked(EventModified, inst)
			marked = append(marked, inst)
		}
	}
	total := len(r.instances)
	r.mu.Unlock()

	for _, inst := range marked {
		r.logger.WarnContext(ctx, "lease expired, instance marked down",
			clog.String("service", inst.ServiceName),
			clog.String("instance_id", inst.InstanceID),
			clog.Time("last_heartbeat", inst.LastHeartbeat))
	}
	for _, inst := range evicted {
		r.count(ctx, r.evictions, metrics.L("service", inst.ServiceName))
		r.logger.InfoContext(ctx, "instance evicted",
			clog.String("service", inst.ServiceName),
			clog.String("instance_id", inst.InstanceID))
	}
	if len(evicted) > 0 {
		r.gauge(ctx, total)
	}
	return len(marked) + len(evicted)
}
