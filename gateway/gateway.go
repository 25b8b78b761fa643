// Package gateway 是 HMS 的入口路由。
//
// 每个请求依次经过 RECEIVED → ROUTE_MATCHED → INSTANCE_SELECTED → FORWARDED → COMPLETED | FAILED：
// 按最长路径前缀匹配路由，从本地实例缓存中轮询选择 UP 实例，在服务级熔断器与实例级并发池的
// 保护下转发。连接失败与超时会换实例重试（默认只重试幂等方法），整个请求受
// ConnectTimeout + Timeout × (1 + Retries) 的总时限约束。
//
// 失败映射：无路由 404，无实例 503 SERVICE_UNAVAILABLE，熔断 503 CIRCUIT_OPEN，
// 下游超时 504，其他转发错误 502。下游的 5xx 原样返回，但计入熔断统计。
package gateway

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ceyewan/hms-plane/agent"
	"github.com/ceyewan/hms-plane/auth"
	"github.com/ceyewan/hms-plane/breaker"
	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/metrics"
	"github.com/ceyewan/hms-plane/ratelimit"
	"github.com/ceyewan/hms-plane/registry"
	"github.com/ceyewan/hms-plane/trace"
	"github.com/ceyewan/hms-plane/xerrors"
)

// Resolver 返回服务当前的 UP 实例，agent.Agent 满足该接口
type Resolver interface {
	Resolve(ctx context.Context, service string) ([]*registry.ServiceInstance, error)
}

// changeNotifier 可选，实例变化时清理下线实例的并发池
type changeNotifier interface {
	OnChange(fn agent.ChangeFunc)
}

// Gateway 网关
type Gateway struct {
	cfg       *Config
	resolver  Resolver
	logger    clog.Logger
	meter     metrics.Meter
	auth      authMiddleware
	limiter   ratelimit.Limiter
	breaker   breaker.Breaker
	pools     *pools
	transport http.RoundTripper
	metrics   *gatewayMetrics

	routes atomic.Pointer[routeTable]
	rr     sync.Map // service -> *atomic.Uint64

	engine *gin.Engine
}

type authMiddleware interface {
	GinMiddleware() gin.HandlerFunc
}

// New 创建网关
func New(cfg *Config, resolver Resolver, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	if resolver == nil {
		return nil, ErrResolverNil
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

	brk, err := breaker.New(&cfg.Breaker, breaker.WithLogger(o.logger), breaker.WithMeter(o.meter))
	if err != nil {
		return nil, err
	}
	gm, err := newGatewayMetrics(o.meter)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:      cfg,
		resolver: resolver,
		logger:   o.logger,
		meter:    o.meter,
		limiter:  o.limiter,
		breaker:  brk,
		pools:    newPools(cfg.MaxConnsPerInstance, cfg.PoolAcquireTimeout),
		metrics:  gm,
		transport: &http.Transport{
			DialContext:         (&net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConnsPerHost: max(cfg.MaxConnsPerInstance, 2),
			IdleConnTimeout:     90 * time.Second,
			DisableCompression:  true,
		},
	}
	if o.auth != nil {
		g.auth = o.auth
	}
	if err := g.UpdateRoutes(cfg.Routes); err != nil {
		return nil, err
	}
	if n, ok := resolver.(changeNotifier); ok {
		n.OnChange(func(service string, instances []*registry.ServiceInstance) {
			live := make([]string, 0, len(instances))
			for _, in := range instances {
				live = append(live, in.Address)
			}
			g.pools.prune(service, live)
		})
	}
	if err := g.buildEngine(); err != nil {
		return nil, err
	}
	return g, nil
}

// UpdateRoutes 校验并原子替换路由表，进行中的请求继续使用旧表
func (g *Gateway) UpdateRoutes(rules []RouteRule) error {
	t, err := compileRoutes(rules)
	if err != nil {
		return err
	}
	for _, r := range t.routes {
		if r.Breaker != nil {
			g.breaker.Configure(r.ServiceName, *r.Breaker)
		}
	}
	g.routes.Store(t)
	g.logger.Info("routes updated", clog.Int("count", len(t.routes)))
	return nil
}

// Routes 当前生效的路由
func (g *Gateway) Routes() []RouteRule {
	t := g.routes.Load()
	out := make([]RouteRule, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r.RouteRule)
	}
	return out
}

// BreakerState 服务熔断状态
func (g *Gateway) BreakerState(service string) breaker.State {
	return g.breaker.State(service)
}

func (g *Gateway) nextIndex(service string) uint64 {
	v, _ := g.rr.LoadOrStore(service, new(atomic.Uint64))
	return v.(*atomic.Uint64).Add(1) - 1
}

const correlationKey = "gateway:correlation_id"

// correlation 补齐关联 ID 并放入请求上下文
func (g *Gateway) correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(g.cfg.CorrelationHeader)
		if id == "" {
			id = uuid.NewString()
			c.Request.Header.Set(g.cfg.CorrelationHeader, id)
		}
		c.Set(correlationKey, id)
		c.Header(g.cfg.CorrelationHeader, id)
		c.Request = c.Request.WithContext(agent.WithCorrelationID(c.Request.Context(), id))
		c.Next()
	}
}

// canonicalPath 在认证和路由匹配之前规范化请求路径，
// 两者与转发给后端的路径保持一致
func canonicalPath() gin.HandlerFunc {
	return func(c *gin.Context) {
		u := c.Request.URL
		if p := auth.CleanPath(u.Path); p != u.Path {
			u.Path = p
			u.RawPath = ""
		}
		c.Next()
	}
}

func correlationID(c *gin.Context) string {
	return c.GetString(correlationKey)
}

func (g *Gateway) corsMiddleware() gin.HandlerFunc {
	cc := g.cfg.CORS
	conf := cors.Config{
		AllowMethods:     cc.AllowMethods,
		AllowHeaders:     cc.AllowHeaders,
		ExposeHeaders:    cc.ExposeHeaders,
		AllowCredentials: cc.AllowCredentials,
		MaxAge:           cc.MaxAge,
	}
	if len(cc.AllowOrigins) == 0 || (len(cc.AllowOrigins) == 1 && cc.AllowOrigins[0] == "*" && !cc.AllowCredentials) {
		conf.AllowAllOrigins = true
	} else {
		allowed := make(map[string]struct{}, len(cc.AllowOrigins))
		for _, o := range cc.AllowOrigins {
			allowed[o] = struct{}{}
		}
		conf.AllowOriginFunc = func(origin string) bool {
			_, ok := allowed[origin]
			return ok
		}
	}
	return cors.New(conf)
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	rl := g.cfg.RateLimit
	return ratelimit.GinMiddleware(g.limiter, &ratelimit.GinMiddlewareOptions{
		KeyFunc: func(c *gin.Context) string { return c.ClientIP() },
		LimitFunc: func(c *gin.Context) ratelimit.Limit {
			if len(rl.PerRoute) > 0 {
				if r, ok := g.routes.Load().match(c.Request.URL.Path); ok {
					if l, ok := rl.PerRoute[r.ID]; ok {
						return l
					}
				}
			}
			return rl.Limit
		},
		WithHeaders: true,
		Logger:      g.logger,
	})
}

func (g *Gateway) buildEngine() error {
	httpMetrics, err := metrics.NewHTTPServerMetrics(g.meter, metrics.DefaultHTTPServerMetricsConfig(g.cfg.ServiceName))
	if err != nil {
		return xerrors.Wrap(err, "create http metrics")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(g.correlation())
	r.Use(canonicalPath())
	r.Use(trace.GinMiddleware(g.cfg.ServiceName))
	r.Use(metrics.GinHTTPMiddleware(httpMetrics, metrics.WithSkipPaths("/healthz", g.cfg.MetricsPath)))
	if g.cfg.CORS != nil {
		r.Use(g.corsMiddleware())
	}

	// 网关自身的端点不经过限流与认证
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "UP", "routes": len(g.routes.Load().routes)})
	})
	if g.cfg.MetricsPath != "" {
		r.GET(g.cfg.MetricsPath, gin.WrapH(g.meter.Handler()))
	}

	var chain []gin.HandlerFunc
	if g.limiter != nil && g.cfg.RateLimit != nil {
		chain = append(chain, g.rateLimitMiddleware())
	}
	if g.auth != nil {
		chain = append(chain, g.auth.GinMiddleware())
	}
	chain = append(chain, g.proxy)
	r.NoRoute(chain...)

	g.engine = r
	return nil
}

// Handler 返回 HTTP 处理器
func (g *Gateway) Handler() http.Handler {
	return g.engine
}

// Run 监听 cfg.Addr 直到 ctx 取消，然后优雅关闭
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.cfg.Addr,
		Handler:           g.engine,
		ReadHeaderTimeout: g.cfg.ReadHeaderTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", clog.String("addr", g.cfg.Addr), clog.Int("routes", len(g.routes.Load().routes)))
		if err := srv.ListenAndServe(); err != nil && !xerrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return xerrors.Wrap(err, "gateway http server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.ShutdownTimeout)
	defer cancel()
	g.logger.Info("gateway shutting down")
	return srv.Shutdown(shutdownCtx)
}
