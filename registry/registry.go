// Package registry 提供控制面的内存服务注册表。
//
// 注册表维护 (服务名, 实例 ID) 到实例的映射，按租约判定存活：
//   - Register 创建或替换实例并签发租约，状态为 STARTING
//   - Renew 刷新心跳，首次续约后实例转为 UP
//   - 后台扫描把超过租约未续约的实例标记为 DOWN，再经过宽限期后移除
//
// 每次成员或状态变化都会递增版本号并写入有界事件日志，Watch 据此返回增量；
// 落后太多或 epoch 不匹配的调用方拿到完整快照。纯心跳不改变版本号。
//
// ## 基本使用
//
//	reg, _ := registry.New(&registry.Config{
//		LeaseTimeout:  30 * time.Second,
//		SweepInterval: 5 * time.Second,
//	}, registry.WithLogger(logger))
//	reg.Start(ctx)
//	defer reg.Close()
//
//	leaseID, err := reg.Register(ctx, &registry.ServiceInstance{
//		ServiceName: "patient-service",
//		InstanceID:  "patient-1",
//		Address:     "10.0.0.3:8080",
//	})
//	_ = reg.Renew(ctx, "patient-service", "patient-1")
//
//	instances, _ := reg.Resolve(ctx, "patient-service")
//
//	// 长轮询
//	res, _ := reg.Watch(ctx, lastVersion, lastEpoch, 30*time.Second)
//
// 注册表只存在于 Discovery Service 进程内，重启后由客户端重新注册重建。
package registry

import (
	"context"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/metrics"
	"github.com/ceyewan/hms-plane/xerrors"
)

type memoryRegistry struct {
	cfg    *Config
	logger clog.Logger
	now    func() time.Time
	epoch  string

	mu        sync.RWMutex
	instances map[string]*ServiceInstance // key: service/id
	version   uint64
	seq       uint64
	journal   *journal
	changed   chan struct{} // 版本变化时关闭并替换
	closed    bool

	snapshot atomic.Pointer[Snapshot]

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	instGauge     metrics.Gauge
	registrations metrics.Counter
	leaseExpired  metrics.Counter
	evictions     metrics.Counter
	wakeups       metrics.Counter
}

// New 创建注册表
func New(cfg *Config, opts ...Option) (Registry, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts...)

	r := &memoryRegistry{
		cfg:       cfg,
		logger:    o.logger,
		now:       o.now,
		epoch:     uuid.NewString(),
		instances: make(map[string]*ServiceInstance),
		journal:   newJournal(cfg.JournalSize),
		changed:   make(chan struct{}),
		stopCh:    make(chan struct{}),
	}
	r.instGauge, _ = o.meter.Gauge(MetricInstances, "Registered instances")
	r.registrations, _ = o.meter.Counter(MetricRegistrations, "Register calls accepted")
	r.leaseExpired, _ = o.meter.Counter(MetricLeaseExpired, "Renewals rejected because the lease had expired")
	r.evictions, _ = o.meter.Counter(MetricEvictions, "Instances removed by the sweep")
	r.wakeups, _ = o.meter.Counter(MetricWatchWakeups, "Watch calls that returned changes")

	r.logger.Info("registry created",
		clog.String("epoch", r.epoch),
		clog.Duration("lease_timeout", cfg.LeaseTimeout),
		clog.Duration("sweep_interval", cfg.SweepInterval),
		clog.Duration("eviction_grace", cfg.EvictionGrace))
	return r, nil
}

func (r *memoryRegistry) Epoch() string { return r.epoch }

func (r *memoryRegistry) LeaseTimeout() time.Duration { return r.cfg.LeaseTimeout }

func (r *memoryRegistry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

func validateInstance(in *ServiceInstance) error {
	if in == nil {
		return xerrors.Wrap(ErrInvalidInstance, "instance is nil")
	}
	if in.ServiceName == "" {
		return xerrors.Wrap(ErrInvalidInstance, "serviceName is required")
	}
	if in.Address == "" {
		return xerrors.Wrap(ErrInvalidInstance, "address is required")
	}
	host, port, err := net.SplitHostPort(in.Address)
	if err != nil || host == "" || port == "" {
		return xerrors.Wrapf(ErrInvalidInstance, "address %q is not host:port", in.Address)
	}
	return nil
}

func (r *memoryRegistry) Register(ctx context.Context, in *ServiceInstance) (string, error) {
	if err := validateInstance(in); err != nil {
		return "", err
	}

	inst := in.Clone()
	if inst.InstanceID == "" {
		inst.InstanceID = inst.Address
	}
	now := r.now()
	inst.LeaseID = uuid.NewString()
	inst.LastHeartbeat = now
	inst.DownSince = time.Time{}
	inst.Status = StatusStarting

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	key := inst.Key()
	evType := EventAdded
	if prev, ok := r.instances[key]; ok {
		// 替换保留首次注册顺序；运维设置的 OUT_OF_SERVICE 不被重新注册覆盖
		evType = EventModified
		inst.seq = prev.seq
		inst.RegisteredAt = prev.RegisteredAt
		if prev.Status == StatusOutOfService {
			inst.Status = StatusOutOfService
		}
	} else {
		r.seq++
		inst.seq = r.seq
		inst.RegisteredAt = now
	}
	r.instances[key] = inst
	version := r.bumpLocked(evType, inst)
	total := len(r.instances)
	r.mu.Unlock()

	r.count(ctx, r.registrations, metrics.L("service", inst.ServiceName))
	r.gauge(ctx, total)
	r.logger.InfoContext(ctx, "instance registered",
		clog.String("service", inst.ServiceName),
		clog.String("instance_id", inst.InstanceID),
		clog.String("address", inst.Address),
		clog.String("event", string(evType)),
		clog.Int64("version", int64(version)))
	return inst.LeaseID, nil
}

func (r *memoryRegistry) Renew(ctx context.Context, serviceName, instanceID string) error {
	now := r.now()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	key := instanceKey(serviceName, instanceID)
	inst, ok := r.instances[key]
	if !ok {
		r.mu.Unlock()
		return xerrors.Wrapf(ErrNotFound, "%s/%s", serviceName, instanceID)
	}

	if now.Sub(inst.LastHeartbeat) > r.cfg.LeaseTimeout {
		delete(r.instances, key)
		r.bumpLocked(EventDeleted, inst)
		total := len(r.instances)
		r.mu.Unlock()

		r.count(ctx, r.leaseExpired, metrics.L("service", serviceName))
		r.gauge(ctx, total)
		r.logger.WarnContext(ctx, "renewal after lease expiry, instance dropped",
			clog.String("service", serviceName),
			clog.String("instance_id", instanceID),
			clog.Duration("age", now.Sub(inst.LastHeartbeat)))
		return xerrors.Wrapf(ErrLeaseExpired, "%s/%s", serviceName, instanceID)
	}

	// last-write-wins：时钟回拨时不让心跳倒退
	if now.After(inst.LastHeartbeat) {
		inst.LastHeartbeat = now
	}
	if inst.Status == StatusStarting {
		inst.Status = StatusUp
		r.bumpLocked(EventModified, inst)
		r.mu.Unlock()
		r.logger.InfoContext(ctx, "instance up",
			clog.String("service", serviceName), clog.String("instance_id", instanceID))
		return nil
	}
	r.mu.Unlock()
	return nil
}

func (r *memoryRegistry) Deregister(ctx context.Context, serviceName, instanceID string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	key := instanceKey(serviceName, instanceID)
	inst, ok := r.instances[key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.instances, key)
	r.bumpLocked(EventDeleted, inst)
	total := len(r.instances)
	r.mu.Unlock()

	r.gauge(ctx, total)
	r.logger.InfoContext(ctx, "instance deregistered",
		clog.String("service", serviceName), clog.String("instance_id", instanceID))
	return nil
}

func (r *memoryRegistry) SetStatus(ctx context.Context, serviceName, instanceID string, status Status) error {
	if status != StatusUp && status != StatusOutOfService {
		return xerrors.Wrapf(ErrInvalidStatus, "%q", status)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	inst, ok := r.instances[instanceKey(serviceName, instanceID)]
	if !ok {
		r.mu.Unlock()
		return xerrors.Wrapf(ErrNotFound, "%s/%s", serviceName, instanceID)
	}
	if inst.Status == status {
		r.mu.Unlock()
		return nil
	}
	old := inst.Status
	inst.Status = status
	inst.DownSince = time.Time{}
	r.bumpLocked(EventModified, inst)
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "instance status changed",
		clog.String("service", serviceName),
		clog.String("instance_id", instanceID),
		clog.String("from", string(old)),
		clog.String("to", string(status)))
	return nil
}

func (r *memoryRegistry) Resolve(ctx context.Context, serviceName string) ([]*ServiceInstance, error) {
	if serviceName == "" {
		return nil, xerrors.Wrap(ErrInvalidInstance, "serviceName is required")
	}
	now := r.now()

	r.mu.RLock()
	out := make([]*ServiceInstance, 0)
	for _, inst := range r.instances {
		if inst.ServiceName != serviceName || inst.Status != StatusUp {
			continue
		}
		if now.Sub(inst.LastHeartbeat) > r.cfg.LeaseTimeout {
			continue
		}
		out = append(out, inst.Clone())
	}
	r.mu.RUnlock()

	sortBySeq(out)
	return out, nil
}

func (r *memoryRegistry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// snapshotLocked 按版本缓存快照，调用方至少持有读锁
func (r *memoryRegistry) snapshotLocked() *Snapshot {
	if s := r.snapshot.Load(); s != nil && s.Version == r.version {
		return s
	}
	s := &Snapshot{
		Epoch:    r.epoch,
		Version:  r.version,
		Services: r.servicesLocked(),
	}
	r.snapshot.Store(s)
	return s
}

func (r *memoryRegistry) servicesLocked() map[string][]*ServiceInstance {
	services := make(map[string][]*ServiceInstance)
	for _, inst := range r.instances {
		services[inst.ServiceName] = append(services[inst.ServiceName], inst.Clone())
	}
	for _, list := range services {
		sortBySeq(list)
	}
	return services
}

// bumpLocked 递增版本、记录事件并唤醒等待者，调用方持有写锁
func (r *memoryRegistry) bumpLocked(t EventType, inst *ServiceInstance) uint64 {
	r.version++
	r.journal.append(Event{Version: r.version, Type: t, Instance: inst.Clone()})
	close(r.changed)
	r.changed = make(chan struct{})
	return r.version
}

func (r *memoryRegistry) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

func (r *memoryRegistry) Close() error {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.mu.Lock()
		r.closed = true
		close(r.changed)
		r.changed = make(chan struct{})
		r.mu.Unlock()
	})
	r.wg.Wait()
	r.logger.Info("registry closed")
	return nil
}

func (r *memoryRegistry) count(ctx context.Context, c metrics.Counter, labels ...metrics.Label) {
	if c != nil {
		c.Inc(ctx, labels...)
	}
}

func (r *memoryRegistry) gauge(ctx context.Context, n int) {
	if r.instGauge != nil {
		r.instGauge.Set(ctx, float64(n))
	}
}

func sortBySeq(list []*ServiceInstance) {
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
}
