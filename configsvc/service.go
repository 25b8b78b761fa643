// Package configsvc 在 confstore 之上提供分层配置解析、快照缓存与变更通知。
//
// 解析顺序 (高到低)：label 层、profile 层、应用默认层、全局默认层 (application/default)。
// 同一 key 以高优先级为准。快照的 ETag 只由内容决定，内容不变则 ETag 不变。
//
// 变更通知：拉取是权威的，客户端带 ETag 长轮询，任何唤醒后都会重新比较；
// 总线推送只是加速，丢失仅推迟到下一次轮询，重复无害。
package configsvc

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"

	"github.com/ceyewan/hms-plane/bus"
	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/confstore"
	"github.com/ceyewan/hms-plane/metrics"
	"github.com/ceyewan/hms-plane/xerrors"
)

// GlobalApplication 全局默认层的应用名，刷新它会影响所有应用
const GlobalApplication = confstore.GlobalApplication

// Service 配置服务
type Service interface {
	// GetSnapshot 解析合并后的快照，应用没有任何配置时返回 ErrApplicationNotFound。
	// 返回的快照是共享的，调用方不得修改。
	GetSnapshot(ctx context.Context, app, profile, label string) (*Snapshot, error)

	// WaitForChange 等待快照 ETag 与 etag 不同，超时返回 nil
	WaitForChange(ctx context.Context, app, profile, label, etag string, timeout time.Duration) (*Snapshot, error)

	// Refresh 失效 app 的缓存快照，唤醒长轮询并广播变更，返回新的代数
	Refresh(ctx context.Context, app string) (uint64, error)

	// Generation app 当前的刷新代数
	Generation(app string) uint64

	Put(ctx context.Context, c confstore.Coordinates, key, value string) (confstore.Entry, error)
	Delete(ctx context.Context, c confstore.Coordinates, key string) error
	History(ctx context.Context, c confstore.Coordinates, key string) ([]confstore.Entry, error)
	Rollback(ctx context.Context, c confstore.Coordinates, key string, version int64) (confstore.Entry, error)

	// Start 开始消费存储变更与总线事件
	Start(ctx context.Context) error

	// Close 停止后台任务，存储由调用方关闭
	Close() error
}

type service struct {
	store  confstore.Store
	cfg    *Config
	logger clog.Logger
	bus    bus.Bus
	origin string

	cache *otter.Cache[string, *Snapshot]

	mu      sync.Mutex
	gens    map[string]uint64
	global  uint64
	keys    map[string]map[string]struct{} // app -> 缓存 key
	changed chan struct{}
	closed  bool

	lookups   metrics.Counter
	refreshes metrics.Counter
	waiters   metrics.Gauge

	cancel context.CancelFunc
	wg     sync.WaitGroup
	sub    bus.Subscription
}

// New 创建配置服务
func New(store confstore.Store, cfg *Config, opts ...Option) (Service, error) {
	if store == nil {
		return nil, ErrStoreNil
	}
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

	cache, err := otter.New(&otter.Options[string, *Snapshot]{
		MaximumSize:      cfg.CacheSize,
		ExpiryCalculator: otter.ExpiryWriting[string, *Snapshot](cfg.CacheTTL),
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "build snapshot cache")
	}

	s := &service{
		store:   store,
		cfg:     cfg,
		logger:  o.logger,
		bus:     o.bus,
		origin:  uuid.NewString(),
		cache:   cache,
		gens:    make(map[string]uint64),
		keys:    make(map[string]map[string]struct{}),
		changed: make(chan struct{}),
	}
	if s.lookups, err = o.meter.Counter(MetricCacheLookups, "Config snapshot cache lookups"); err != nil {
		return nil, err
	}
	if s.refreshes, err = o.meter.Counter(MetricRefreshes, "Config refreshes"); err != nil {
		return nil, err
	}
	if s.waiters, err = o.meter.Gauge(MetricWaiters, "Config long-poll requests in flight"); err != nil {
		return nil, err
	}
	return s, nil
}

func cacheKey(app, profile, label string) string {
	return app + "\x00" + profile + "\x00" + label
}

// generation 全局代数与应用代数之和，两者都只增不减
func (s *service) generation(app string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generationLocked(app)
}

func (s *service) generationLocked(app string) uint64 {
	if app == GlobalApplication {
		return s.global
	}
	return s.global + s.gens[app]
}

func (s *service) Generation(app string) uint64 { return s.generation(app) }

func (s *service) GetSnapshot(ctx context.Context, app, profile, label string) (*Snapshot, error) {
	if app == "" {
		return nil, xerrors.Wrap(ErrBadRequest, "application is required")
	}
	if profile == "" {
		profile = confstore.DefaultProfile
	}

	key := cacheKey(app, profile, label)
	gen := s.generation(app)
	if snap, ok := s.cache.GetIfPresent(key); ok && snap.Generation == gen {
		s.lookups.Inc(ctx, metrics.L("result", "hit"))
		return snap, nil
	}
	s.lookups.Inc(ctx, metrics.L("result", "miss"))

	snap, err := s.resolve(ctx, app, profile, label, gen)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.generationLocked(app) == gen {
		s.cache.Set(key, snap)
		if s.keys[app] == nil {
			s.keys[app] = make(map[string]struct{})
		}
		s.keys[app][key] = struct{}{}
	}
	s.mu.Unlock()
	return snap, nil
}

func (s *service) resolve(ctx context.Context, app, profile, label string, gen uint64) (*Snapshot, error) {
	ok, err := s.store.HasApplication(ctx, app)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, xerrors.Wrapf(ErrApplicationNotFound, "%s", app)
	}

	var sources []PropertySource
	for _, c := range layerPlan(app, profile, label) {
		entries, err := s.store.Layer(ctx, c)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			continue
		}
		src := PropertySource{Name: c.String(), Source: make(map[string]string, len(entries))}
		for _, e := range entries {
			src.Source[e.Key] = e.Value
		}
		sources = append(sources, src)
	}
	if sources == nil {
		sources = []PropertySource{}
	}

	return &Snapshot{
		Application:     app,
		Profile:         profile,
		Label:           label,
		ETag:            computeETag(sources),
		Generation:      gen,
		PropertySources: sources,
		Properties:      merge(sources),
		ResolvedAt:      time.Now(),
	}, nil
}

func (s *service) WaitForChange(ctx context.Context, app, profile, label, etag string, timeout time.Duration) (*Snapshot, error) {
	if timeout > s.cfg.MaxWaitTimeout {
		timeout = s.cfg.MaxWaitTimeout
	}
	s.waiters.Inc(ctx)
	defer s.waiters.Dec(ctx)

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		// 先取通道再读快照，避免错过两者之间的刷新
		wake, err := s.waitCh()
		if err != nil {
			return nil, err
		}
		snap, err := s.GetSnapshot(ctx, app, profile, label)
		if err != nil {
			return nil, err
		}
		if snap.ETag != etag {
			return snap, nil
		}
		if timer == nil {
			return nil, nil
		}
		select {
		case <-wake:
		case <-timer:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *service) waitCh() (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.changed, nil
}

func (s *service) Refresh(ctx context.Context, app string) (uint64, error) {
	if app == "" {
		return 0, xerrors.Wrap(ErrBadRequest, "application is required")
	}
	gen := s.invalidate(ctx, app, "api")
	s.publish(ctx, app, gen)
	return gen, nil
}

// invalidate 递增代数，清除缓存并唤醒所有等待者
func (s *service) invalidate(ctx context.Context, app, source string) uint64 {
	s.mu.Lock()
	if app == GlobalApplication {
		s.global++
		s.cache.InvalidateAll()
		s.keys = make(map[string]map[string]struct{})
	} else {
		s.gens[app]++
		for key := range s.keys[app] {
			s.cache.Invalidate(key)
		}
		delete(s.keys, app)
	}
	gen := s.generationLocked(app)
	if !s.closed {
		close(s.changed)
		s.changed = make(chan struct{})
	}
	s.mu.Unlock()

	s.refreshes.Inc(ctx, metrics.L("source", source))
	s.logger.InfoContext(ctx, "config refreshed",
		clog.String("application", app), clog.Uint64("generation", gen), clog.String("source", source))
	return gen
}

func (s *service) publish(ctx context.Context, app string, gen uint64) {
	if s.bus == nil {
		return
	}
	data, err := EncodeChangeEvent(&ChangeEvent{
		ID:          uuid.NewString(),
		Application: app,
		Generation:  gen,
		Origin:      s.origin,
		At:          time.Now().UTC(),
	})
	if err == nil {
		err = s.bus.Publish(ctx, s.cfg.Subject, data)
	}
	if err != nil {
		// 客户端仍会通过长轮询拿到变更
		s.logger.WarnContext(ctx, "publish config change failed",
			clog.String("application", app), clog.Error(err))
	}
}

func (s *service) Put(ctx context.Context, c confstore.Coordinates, key, value string) (confstore.Entry, error) {
	e, err := s.store.Put(ctx, c, key, value)
	if err != nil {
		return e, err
	}
	_, _ = s.Refresh(ctx, c.Application)
	return e, nil
}

func (s *service) Delete(ctx context.Context, c confstore.Coordinates, key string) error {
	if err := s.store.Delete(ctx, c, key); err != nil {
		return err
	}
	_, _ = s.Refresh(ctx, c.Application)
	return nil
}

func (s *service) History(ctx context.Context, c confstore.Coordinates, key string) ([]confstore.Entry, error) {
	return s.store.History(ctx, c, key)
}

func (s *service) Rollback(ctx context.Context, c confstore.Coordinates, key string, version int64) (confstore.Entry, error) {
	e, err := s.store.Rollback(ctx, c, key, version)
	if err != nil {
		return e, err
	}
	_, _ = s.Refresh(ctx, c.Application)
	return e, nil
}

func (s *service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	if s.bus != nil {
		sub, err := s.bus.Subscribe(ctx, s.cfg.Subject, s.onRemoteChange)
		if err != nil {
			cancel()
			return xerrors.Wrap(err, "subscribe config changes")
		}
		s.mu.Lock()
		s.sub = sub
		s.mu.Unlock()
	}

	s.wg.Add(1)
	go s.consumeStore(ctx)
	return nil
}

// consumeStore 存储侧的变更 (文件重载、etcd watch、其他进程写入) 转为刷新
func (s *service) consumeStore(ctx context.Context) {
	defer s.wg.Done()
	ch := s.store.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-ch:
			if !ok {
				return
			}
			gen := s.invalidate(ctx, c.Application, "store")
			s.publish(ctx, c.Application, gen)
		}
	}
}

// onRemoteChange 其他实例的刷新只失效本地缓存，不再转发
func (s *service) onRemoteChange(ctx context.Context, msg bus.Message) error {
	ev, err := DecodeChangeEvent(msg.Data())
	if err != nil {
		return err
	}
	if ev.Origin == s.origin || ev.Application == "" {
		return nil
	}
	s.invalidate(ctx, ev.Application, "bus")
	return nil
}

func (s *service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.changed)
	cancel, sub := s.cancel, s.sub
	s.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.cache.StopAllGoroutines()
	return err
}
