// Package agent 是嵌入每个服务的 Client Discovery Agent。
//
// Start 之后：
//   - 向 Discovery Service 注册，失败时在后台按 RetryInterval 间隔重试
//   - 每 LeaseTimeout/3 续约一次 (以注册响应中的服务端租约为准)，续约返回 404 时重新注册
//   - 长轮询 /watch 维护本地注册表镜像，并定期全量刷新
//
// 路由决策只读本地缓存。Discovery Service 不可用时记录日志并继续使用最后一次成功的数据。
// Stop 停止后台任务并注销。
package agent

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/discovery"
	"github.com/ceyewan/hms-plane/metrics"
	"github.com/ceyewan/hms-plane/registry"
	"github.com/ceyewan/hms-plane/xerrors"
)

const MetricDiscoveryErrors = "agent_discovery_errors_total"

// ChangeFunc 某个服务的 UP 实例列表变化
type ChangeFunc func(service string, instances []*registry.ServiceInstance)

// Agent 服务发现客户端
type Agent interface {
	// Start 注册并启动续约、watch 与全量刷新
	Start(ctx context.Context) error

	// Stop 停止后台任务并注销
	Stop(ctx context.Context) error

	// Resolve 服务的 UP 实例，按注册顺序。本地无数据且尚未同步时做一次有界查询，
	// 并发调用共享同一次查询，最多等待 ColdResolveWait。
	Resolve(ctx context.Context, service string) ([]*registry.ServiceInstance, error)

	// Next 轮询选择一个 UP 实例
	Next(ctx context.Context, service string) (*registry.ServiceInstance, error)

	// Instances 所有服务的 UP 实例副本
	Instances() map[string][]*registry.ServiceInstance

	// OnChange 注册变化回调
	OnChange(fn ChangeFunc)

	// LeaseID 当前租约，未注册时为空
	LeaseID() string
}

type agent struct {
	cfg     *Config
	logger  clog.Logger
	dc      *discoveryClient
	cache   *cache
	limiter *rate.Limiter
	errs    metrics.Counter

	mu         sync.Mutex
	leaseID    string
	instanceID string
	renewEvery time.Duration
	listeners  []ChangeFunc
	cancel     context.CancelFunc
	stopped    bool

	cold       singleflight.Group
	coldMu     sync.Mutex
	coldFailed map[string]time.Time

	rr sync.Map // service -> *atomic.Uint64
	wg sync.WaitGroup
}

// New 创建 Agent
func New(cfg *Config, opts ...Option) (Agent, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = clog.Discard()
	}
	if o.meter == nil {
		o.meter = metrics.Discard()
	}
	if o.client == nil {
		o.client = &http.Client{}
	}

	errs, err := o.meter.Counter(MetricDiscoveryErrors, "Failed calls to the discovery service")
	if err != nil {
		return nil, err
	}

	return &agent{
		cfg:        cfg,
		logger:     o.logger.With(clog.String("service", cfg.ServiceName)),
		dc:         &discoveryClient{servers: cfg.Servers, http: o.client, timeout: cfg.RequestTimeout},
		cache:      newCache(),
		limiter:    rate.NewLimiter(rate.Every(cfg.RetryInterval), 1),
		errs:       errs,
		instanceID: cfg.InstanceID,
		renewEvery: cfg.LeaseTimeout / 3,
		coldFailed: make(map[string]time.Time),
	}, nil
}

func (a *agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil || a.stopped {
		a.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	if *a.cfg.Register {
		// 首次注册同步进行，失败交给后台循环
		if err := a.register(ctx); err != nil {
			a.logger.WarnContext(ctx, "initial registration failed, retrying in background", clog.Error(err))
		}
		a.wg.Add(1)
		go a.leaseLoop(ctx)
	}

	a.wg.Add(2)
	go a.watchLoop(ctx)
	go a.refreshLoop(ctx)
	return nil
}

func (a *agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()

	if a.LeaseID() == "" {
		return nil
	}
	if err := a.dc.deregister(ctx, a.cfg.ServiceName, a.instanceID); err != nil {
		a.logger.WarnContext(ctx, "deregister failed, lease will expire", clog.Error(err))
		return xerrors.Wrap(err, "deregister")
	}
	a.setLease("")
	a.logger.InfoContext(ctx, "deregistered", clog.String("instance_id", a.instanceID))
	return nil
}

func (a *agent) LeaseID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.leaseID
}

func (a *agent) setLease(id string) {
	a.mu.Lock()
	a.leaseID = id
	a.mu.Unlock()
}

func (a *agent) renewInterval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.renewEvery
}

func (a *agent) failed(ctx context.Context, op string) {
	a.errs.Inc(ctx, metrics.L("op", op))
}

// register 注册后立即续约一次，使实例尽快进入 UP
func (a *agent) register(ctx context.Context) error {
	resp, err := a.dc.register(ctx, &discovery.RegisterRequest{
		ServiceName: a.cfg.ServiceName,
		InstanceID:  a.cfg.InstanceID,
		Address:     a.cfg.Address,
		Metadata:    a.cfg.Metadata,
	})
	if err != nil {
		a.failed(ctx, "register")
		a.dc.rotate()
		return err
	}

	a.mu.Lock()
	a.leaseID = resp.LeaseID
	if resp.InstanceID != "" {
		a.instanceID = resp.InstanceID
	}
	if resp.LeaseTimeoutMs > 0 {
		a.renewEvery = time.Duration(resp.LeaseTimeoutMs) * time.Millisecond / 3
	}
	instanceID, every := a.instanceID, a.renewEvery
	a.mu.Unlock()

	a.logger.InfoContext(ctx, "registered",
		clog.String("instance_id", instanceID), clog.String("lease_id", resp.LeaseID), clog.Duration("renew_every", every))

	if err := a.dc.renew(ctx, a.cfg.ServiceName, instanceID); err != nil {
		a.logger.WarnContext(ctx, "first renewal failed", clog.Error(err))
	}
	return nil
}

// leaseLoop 续约；租约丢失或尚未注册时按限速重新注册
func (a *agent) leaseLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		if a.LeaseID() == "" {
			if err := a.limiter.Wait(ctx); err != nil {
				return
			}
			if err := a.register(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				a.logger.WarnContext(ctx, "registration failed", clog.Error(err))
				continue
			}
		}

		timer := time.NewTimer(a.renewInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		a.mu.Lock()
		instanceID := a.instanceID
		a.mu.Unlock()
		err := a.dc.renew(ctx, a.cfg.ServiceName, instanceID)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case xerrors.Is(err, errLeaseGone):
			a.failed(ctx, "renew")
			a.logger.WarnContext(ctx, "lease lost, re-registering", clog.Error(err))
			a.setLease("")
		default:
			a.failed(ctx, "renew")
			a.dc.rotate()
			a.logger.WarnContext(ctx, "renewal failed", clog.Error(err))
		}
	}
}

func (a *agent) watchLoop(ctx context.Context) {
	defer a.wg.Done()
	backoff := a.cfg.RetryInterval
	for ctx.Err() == nil {
		since, epoch := a.cache.cursor()
		res, err := a.dc.watch(ctx, since, epoch, a.cfg.WatchTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.failed(ctx, "watch")
			a.logger.WarnContext(ctx, "watch failed, serving cached instances",
				clog.String("server", a.dc.server()), clog.Duration("backoff", backoff), clog.Error(err))
			a.dc.rotate()
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = a.cfg.RetryInterval
		if !res.Changed {
			continue
		}

		var changed []string
		if res.Full {
			changed = a.cache.replace(res.Epoch, res.Version, res.Services)
		} else {
			changed = a.cache.applyEvents(res.Epoch, res.Version, res.Events)
		}
		a.notify(changed)
	}
}

// refreshLoop 定期拉取完整快照，修复可能错过的增量
func (a *agent) refreshLoop(ctx context.Context) {
	defer a.wg.Done()
	if a.cfg.RefreshInterval == 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		snap, err := a.dc.services(ctx)
		if err != nil {
			if ctx.Err() == nil {
				a.failed(ctx, "refresh")
				a.logger.WarnContext(ctx, "full refresh failed", clog.Error(err))
			}
			continue
		}
		a.notify(a.cache.replace(snap.Epoch, snap.Version, snap.Services))
	}
}

func (a *agent) notify(changed []string) {
	if len(changed) == 0 {
		return
	}
	a.mu.Lock()
	listeners := append([]ChangeFunc(nil), a.listeners...)
	a.mu.Unlock()
	for _, svc := range changed {
		list, _ := a.cache.up(svc)
		a.logger.Debug("instances changed", clog.String("target", svc), clog.Int("up", len(list)))
		for _, fn := range listeners {
			fn(svc, list)
		}
	}
}

func (a *agent) OnChange(fn ChangeFunc) {
	if fn == nil {
		return
	}
	a.mu.Lock()
	a.listeners = append(a.listeners, fn)
	a.mu.Unlock()
}

func (a *agent) Resolve(ctx context.Context, service string) ([]*registry.ServiceInstance, error) {
	if list, known := a.cache.up(service); known {
		return list, nil
	}
	if a.recentlyFailed(service) {
		return []*registry.ServiceInstance{}, nil
	}

	// 同一服务的并发冷查询合并为一次，调用方最多等待 ColdResolveWait
	ch := a.cold.DoChan(service, func() (any, error) {
		return nil, a.coldResolve(context.WithoutCancel(ctx), service)
	})
	timer := time.NewTimer(a.cfg.ColdResolveWait)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	list, _ := a.cache.up(service)
	return list, nil
}

func (a *agent) coldResolve(ctx context.Context, service string) error {
	list, err := a.dc.instances(ctx, service)
	if err != nil {
		a.coldMu.Lock()
		a.coldFailed[service] = time.Now()
		a.coldMu.Unlock()
		a.failed(ctx, "resolve")
		a.logger.WarnContext(ctx, "cold resolve failed", clog.String("target", service), clog.Error(err))
		return err
	}
	a.coldMu.Lock()
	delete(a.coldFailed, service)
	a.coldMu.Unlock()
	if a.cache.seed(service, list) {
		a.notify([]string{service})
	}
	return nil
}

// recentlyFailed 冷查询失败后的 RetryInterval 内不再访问 Discovery Service
func (a *agent) recentlyFailed(service string) bool {
	a.coldMu.Lock()
	defer a.coldMu.Unlock()
	at, ok := a.coldFailed[service]
	if !ok {
		return false
	}
	if time.Since(at) >= a.cfg.RetryInterval {
		delete(a.coldFailed, service)
		return false
	}
	return true
}

func (a *agent) Next(ctx context.Context, service string) (*registry.ServiceInstance, error) {
	list, err := a.Resolve(ctx, service)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, xerrors.Wrapf(ErrNoInstances, "%s", service)
	}
	v, _ := a.rr.LoadOrStore(service, new(atomic.Uint64))
	n := v.(*atomic.Uint64).Add(1) - 1
	return list[n%uint64(len(list))], nil
}

func (a *agent) Instances() map[string][]*registry.ServiceInstance {
	return a.cache.allUp()
}
