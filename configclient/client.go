// Package configclient 是嵌入业务服务的 Config Service 客户端。
//
// 启动时拉取一次快照，之后带 ETag 长轮询；配置了总线时，收到本应用或全局的刷新事件
// 会打断当前长轮询并立即重新拉取。变更以 (old, new) 快照回调通知。
package configclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ceyewan/hms-plane/bus"
	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/configsvc"
	"github.com/ceyewan/hms-plane/trace"
	"github.com/ceyewan/hms-plane/xerrors"
)

// ChangeFunc 快照变化回调，old 可能为空快照
type ChangeFunc func(old, new *configsvc.Snapshot)

// Client 配置客户端
type Client struct {
	cfg    *Config
	logger clog.Logger
	http   *http.Client
	bus    bus.Bus

	next atomic.Uint32 // 当前使用的 server 下标

	mu         sync.RWMutex
	current    *configsvc.Snapshot
	listeners  []ChangeFunc
	pollCancel context.CancelFunc

	woken  atomic.Bool
	wakeCh chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
	sub    bus.Subscription
}

// New 创建客户端，调用 Load 之前 Current 返回空快照
func New(cfg *Config, opts ...Option) (*Client, error) {
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
	if o.client == nil {
		o.client = &http.Client{}
	}

	return &Client{
		cfg:     cfg,
		logger:  o.logger.With(clog.String("application", cfg.Application), clog.String("profile", cfg.Profile)),
		http:    o.client,
		bus:     o.bus,
		current: emptySnapshot(cfg),
		wakeCh:  make(chan struct{}, 1),
	}, nil
}

func emptySnapshot(cfg *Config) *configsvc.Snapshot {
	return &configsvc.Snapshot{
		Application:     cfg.Application,
		Profile:         cfg.Profile,
		Label:           cfg.Label,
		PropertySources: []configsvc.PropertySource{},
		Properties:      map[string]string{},
	}
}

// Load 初始拉取，依次尝试每个 server。FailFast 时失败返回错误，否则记录日志后继续使用空快照。
func (c *Client) Load(ctx context.Context) error {
	var lastErr error
	for range c.cfg.Servers {
		snap, err := c.fetch(ctx, "", 0)
		if err == nil {
			c.apply(snap)
			c.logger.InfoContext(ctx, "config loaded",
				clog.String("etag", snap.ETag), clog.Int("properties", len(snap.Properties)))
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		c.rotate()
	}
	err := xerrors.Wrapf(xerrors.Join(ErrUnavailable, lastErr), "load %s/%s", c.cfg.Application, c.cfg.Profile)
	if c.cfg.FailFast {
		return err
	}
	c.logger.WarnContext(ctx, "initial config load failed, continuing with empty config", clog.Error(err))
	return nil
}

// Start 启动长轮询与总线订阅
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	if c.bus != nil {
		sub, err := c.bus.Subscribe(ctx, c.cfg.Subject, c.onEvent)
		if err != nil {
			// 没有推送仍能依靠长轮询
			c.logger.WarnContext(ctx, "subscribe config events failed", clog.Error(err))
		} else {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}

	c.wg.Add(1)
	go c.pollLoop(ctx)
	return nil
}

// Stop 停止后台任务
func (c *Client) Stop() {
	c.mu.Lock()
	cancel, sub := c.cancel, c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// Current 当前快照，调用方不得修改
func (c *Client) Current() *configsvc.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Get 读取当前配置中的 key
func (c *Client) Get(key string) (string, bool) {
	return c.Current().Get(key)
}

// OnChange 注册变化回调，回调在轮询协程中串行执行
func (c *Client) OnChange(fn ChangeFunc) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Client) apply(snap *configsvc.Snapshot) {
	c.mu.Lock()
	old := c.current
	if old.ETag == snap.ETag {
		c.mu.Unlock()
		return
	}
	c.current = snap
	listeners := append([]ChangeFunc(nil), c.listeners...)
	c.mu.Unlock()

	c.logger.Info("config changed", clog.String("etag", snap.ETag), clog.Uint64("generation", snap.Generation))
	for _, fn := range listeners {
		fn(old, snap)
	}
}

func (c *Client) onEvent(_ context.Context, msg bus.Message) error {
	ev, err := configsvc.DecodeChangeEvent(msg.Data())
	if err != nil {
		return err
	}
	if !ev.Affects(c.cfg.Application) {
		return nil
	}
	c.wake()
	return nil
}

// wake 打断当前的长轮询，让下一次拉取立即返回
func (c *Client) wake() {
	c.woken.Store(true)
	c.mu.RLock()
	if c.pollCancel != nil {
		c.pollCancel()
	}
	c.mu.RUnlock()
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// beginPoll 先发布本轮的取消函数再读取唤醒标记。
// 在此之前到达的事件让本轮不等待，之后到达的事件会取消本轮。
func (c *Client) beginPoll(ctx context.Context) (context.Context, context.CancelFunc, time.Duration) {
	pollCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.pollCancel = cancel
	c.mu.Unlock()
	select {
	case <-c.wakeCh:
	default:
	}
	if c.woken.Swap(false) {
		return pollCtx, cancel, 0
	}
	return pollCtx, cancel, c.cfg.PollTimeout
}

func (c *Client) pollLoop(ctx context.Context) {
	defer c.wg.Done()
	backoff := c.cfg.MinBackoff

	for ctx.Err() == nil {
		pollCtx, cancel, wait := c.beginPoll(ctx)
		snap, err := c.fetch(pollCtx, c.Current().ETag, wait)
		interrupted := pollCtx.Err() != nil
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// 被事件打断，立即重新拉取
			if interrupted || c.woken.Load() {
				c.woken.Store(true)
				continue
			}
			c.logger.WarnContext(ctx, "config poll failed",
				clog.String("server", c.server()), clog.Duration("backoff", backoff), clog.Error(err))
			c.rotate()
			select {
			case <-ctx.Done():
				return
			case <-c.wakeCh:
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.cfg.MaxBackoff)
			continue
		}

		backoff = c.cfg.MinBackoff
		if snap != nil {
			c.apply(snap)
		}
	}
}

func (c *Client) server() string {
	return c.cfg.Servers[int(c.next.Load())%len(c.cfg.Servers)]
}

func (c *Client) rotate() {
	c.next.Add(1)
}

// fetch 拉取快照。未变化时返回 (nil, nil)。
func (c *Client) fetch(ctx context.Context, etag string, wait time.Duration) (*configsvc.Snapshot, error) {
	label := c.cfg.Label
	if label == "" {
		label = configsvc.NoLabel
	}
	u := fmt.Sprintf("%s/config/%s/%s/%s", c.server(),
		url.PathEscape(c.cfg.Application), url.PathEscape(c.cfg.Profile), url.PathEscape(label))
	if etag != "" && wait > 0 {
		u += "?waitMs=" + strconv.FormatInt(wait.Milliseconds(), 10)
	}

	ctx, cancel := context.WithTimeout(ctx, wait+c.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, xerrors.Wrap(err, "build config request")
	}
	if etag != "" {
		req.Header.Set("If-None-Match", `"`+etag+`"`)
	}
	trace.InjectHTTP(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(err, "config request")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return nil, nil
	case http.StatusOK:
		var snap configsvc.Snapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return nil, xerrors.Wrap(err, "decode config snapshot")
		}
		if snap.Properties == nil {
			snap.Properties = map[string]string{}
		}
		return &snap, nil
	default:
		var body xerrors.Response
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Code == "" {
			return nil, fmt.Errorf("config service returned %d", resp.StatusCode)
		}
		return nil, xerrors.WithCode(xerrors.New(body.Message), body.Code)
	}
}
