package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/hms-plane/agent"
	"github.com/ceyewan/hms-plane/auth"
	"github.com/ceyewan/hms-plane/breaker"
	"github.com/ceyewan/hms-plane/ratelimit"
	"github.com/ceyewan/hms-plane/registry"
	"github.com/ceyewan/hms-plane/testkit"
	"github.com/ceyewan/hms-plane/xerrors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// staticResolver 固定的实例表
type staticResolver struct {
	mu        sync.Mutex
	services  map[string][]string
	listeners []agent.ChangeFunc
}

func newResolver() *staticResolver {
	return &staticResolver{services: map[string][]string{}}
}

func (s *staticResolver) set(service string, addrs ...string) {
	s.mu.Lock()
	s.services[service] = addrs
	listeners := append([]agent.ChangeFunc(nil), s.listeners...)
	s.mu.Unlock()
	list, _ := s.Resolve(context.Background(), service)
	for _, fn := range listeners {
		fn(service, list)
	}
}

func (s *staticResolver) Resolve(_ context.Context, service string) ([]*registry.ServiceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*registry.ServiceInstance, 0, len(s.services[service]))
	for _, a := range s.services[service] {
		out = append(out, &registry.ServiceInstance{ServiceName: service, InstanceID: a, Address: a, Status: registry.StatusUp})
	}
	return out, nil
}

func (s *staticResolver) OnChange(fn agent.ChangeFunc) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// backend 记录请求次数的下游服务
type backend struct {
	*httptest.Server
	hits atomic.Int32
}

func newBackend(t *testing.T, h http.HandlerFunc) *backend {
	t.Helper()
	b := &backend{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.hits.Add(1)
		h(w, r)
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *backend) addr() string {
	u, _ := url.Parse(b.URL)
	return u.Host
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Backend-Path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

func deadAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func newGateway(t *testing.T, cfg *Config, res Resolver, opts ...Option) *Gateway {
	t.Helper()
	opts = append([]Option{WithLogger(testkit.NewLogger()), WithMeter(testkit.NewMeter())}, opts...)
	g, err := New(cfg, res, opts...)
	require.NoError(t, err)
	return g
}

func send(g *Gateway, method, target string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	for k, vv := range header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp xerrors.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp.Code
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, newResolver())
	assert.ErrorIs(t, err, ErrConfigNil)

	_, err = New(&Config{}, nil)
	assert.ErrorIs(t, err, ErrResolverNil)

	_, err = New(&Config{Routes: []RouteRule{{PathPrefix: "/x"}}}, newResolver())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestForwardsRequest(t *testing.T) {
	var got *http.Request
	var gotBody string
	be := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		w.Header().Set("X-Downstream", "patient")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":7}`)
	})
	res := newResolver()
	res.set("patient-service", be.addr())
	g := newGateway(t, &Config{Routes: []RouteRule{
		{ID: "patients", PathPrefix: "/api/patients/**", ServiceName: "patient-service", StripPrefix: 1},
	}}, res)

	w := send(g, http.MethodPost, "/api/patients?ward=3", strings.NewReader(`{"name":"a"}`), http.Header{
		"Content-Type":     {"application/json"},
		"X-Correlation-ID": {"corr-1"},
		"Keep-Alive":       {"timeout=5"},
	})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, `{"id":7}`, w.Body.String())
	assert.Equal(t, "patient", w.Header().Get("X-Downstream"))
	assert.Empty(t, w.Header().Get("Connection"))
	assert.Equal(t, "corr-1", w.Header().Get("X-Correlation-ID"))

	require.NotNil(t, got)
	assert.Equal(t, "/patients", got.URL.Path)
	assert.Equal(t, "ward=3", got.URL.RawQuery)
	assert.Equal(t, `{"name":"a"}`, gotBody)
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "corr-1", got.Header.Get("X-Correlation-ID"))
	assert.Empty(t, got.Header.Get("Keep-Alive"))
	assert.NotEmpty(t, got.Header.Get("X-Forwarded-For"))
}

func TestInjectsCorrelationID(t *testing.T) {
	var seen string
	be := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Correlation-ID")
	})
	res := newResolver()
	res.set("svc", be.addr())
	g := newGateway(t, &Config{Routes: []RouteRule{{PathPrefix: "/svc", ServiceName: "svc"}}}, res)

	w := send(g, http.MethodGet, "/svc/a", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Correlation-ID"))
}

func TestDownstreamStatusPassesThrough(t *testing.T) {
	be := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	})
	res := newResolver()
	res.set("svc", be.addr())
	g := newGateway(t, &Config{Routes: []RouteRule{{PathPrefix: "/svc", ServiceName: "svc"}}}, res)

	w := send(g, http.MethodGet, "/svc/x", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "missing\n", w.Body.String())
}

func TestNoRoute(t *testing.T) {
	g := newGateway(t, &Config{Routes: []RouteRule{{PathPrefix: "/api/patients", ServiceName: "patient-service"}}}, newResolver())
	w := send(g, http.MethodGet, "/api/billing/1", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, xerrors.CodeNotFound, errorCode(t, w))
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
}

func TestNoInstancesFailsFast(t *testing.T) {
	meter := testkit.NewMeter()
	g, err := New(&Config{Routes: []RouteRule{
		{PathPrefix: "/api/patients/**", ServiceName: "patient-service"},
	}}, newResolver(), WithMeter(meter))
	require.NoError(t, err)

	start := time.Now()
	w := send(g, http.MethodGet, "/api/patients/1", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, xerrors.CodeServiceUnavailable, errorCode(t, w))
	assert.Less(t, time.Since(start), time.Second)
}

func TestRoundRobin(t *testing.T) {
	a := newBackend(t, okHandler)
	b := newBackend(t, okHandler)
	res := newResolver()
	res.set("svc", a.addr(), b.addr())
	g := newGateway(t, &Config{Routes: []RouteRule{{PathPrefix: "/svc", ServiceName: "svc"}}}, res)

	const n = 11
	for range n {
		require.Equal(t, http.StatusOK, send(g, http.MethodGet, "/svc/x", nil, nil).Code)
	}
	ha, hb := a.hits.Load(), b.hits.Load()
	assert.Equal(t, int32(n), ha+hb)
	assert.Contains(t, []int32{n / 2, n/2 + 1}, ha)
	assert.Contains(t, []int32{n / 2, n/2 + 1}, hb)
}

func TestRetriesOnAnotherInstance(t *testing.T) {
	live := newBackend(t, okHandler)
	res := newResolver()
	res.set("svc", deadAddr(t), live.addr())
	g := newGateway(t, &Config{
		ConnectTimeout: time.Second,
		Routes:         []RouteRule{{PathPrefix: "/svc", ServiceName: "svc"}},
	}, res)

	// 两个实例交替被首选，GET 总能在第二次尝试成功
	for range 4 {
		w := send(g, http.MethodGet, "/svc/x", nil, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, int32(4), live.hits.Load())
}

func TestNonIdempotentNotRetried(t *testing.T) {
	var bodies []string
	var mu sync.Mutex
	live := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(data))
		mu.Unlock()
	})
	res := newResolver()
	res.set("orders", deadAddr(t), live.addr())
	res.set("payments", deadAddr(t), live.addr())
	g := newGateway(t, &Config{Routes: []RouteRule{
		{PathPrefix: "/orders", ServiceName: "orders"},
		{PathPrefix: "/payments", ServiceName: "payments", RetryNonIdempotent: true},
	}}, res)

	// 第一次请求总是选中第一个 (失效) 实例
	w := send(g, http.MethodPost, "/orders", strings.NewReader("o1"), nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, xerrors.CodeDownstreamError, errorCode(t, w))
	assert.Equal(t, int32(0), live.hits.Load())

	w = send(g, http.MethodPost, "/payments", strings.NewReader("p1"), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	mu.Lock()
	assert.Equal(t, []string{"p1"}, bodies)
	mu.Unlock()
}

func TestDownstreamTimeout(t *testing.T) {
	slow := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	res := newResolver()
	res.set("svc", slow.addr())
	g := newGateway(t, &Config{Routes: []RouteRule{
		{PathPrefix: "/svc", ServiceName: "svc", Timeout: 50 * time.Millisecond, Retries: intPtr(1)},
	}}, res)

	start := time.Now()
	w := send(g, http.MethodGet, "/svc/slow", nil, nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, xerrors.CodeDownstreamTimeout, errorCode(t, w))
	assert.Equal(t, int32(2), slow.hits.Load())
	assert.Less(t, time.Since(start), time.Second)
}

func TestCircuitBreaker(t *testing.T) {
	var healthy atomic.Bool
	be := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	})
	res := newResolver()
	res.set("svc", be.addr())
	g := newGateway(t, &Config{
		Breaker: breaker.Config{FailureThreshold: 2, Cooldown: 100 * time.Millisecond},
		Routes:  []RouteRule{{PathPrefix: "/svc", ServiceName: "svc"}},
	}, res)

	// 5xx 原样返回且不重试
	for range 2 {
		assert.Equal(t, http.StatusInternalServerError, send(g, http.MethodGet, "/svc", nil, nil).Code)
	}
	assert.Equal(t, int32(2), be.hits.Load())
	assert.Equal(t, breaker.StateOpen, g.BreakerState("svc"))

	w := send(g, http.MethodGet, "/svc", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, xerrors.CodeCircuitOpen, errorCode(t, w))
	assert.Equal(t, int32(2), be.hits.Load(), "open circuit must not reach the network")

	healthy.Store(true)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, http.StatusOK, send(g, http.MethodGet, "/svc", nil, nil).Code)
	assert.Equal(t, int32(3), be.hits.Load())
	assert.Equal(t, breaker.StateClosed, g.BreakerState("svc"))
}

func TestHalfOpenFailedProbeReopens(t *testing.T) {
	be := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	res := newResolver()
	res.set("svc", be.addr())
	g := newGateway(t, &Config{
		Breaker: breaker.Config{FailureThreshold: 1, Cooldown: 50 * time.Millisecond},
		Routes:  []RouteRule{{PathPrefix: "/svc", ServiceName: "svc"}},
	}, res)

	send(g, http.MethodGet, "/svc", nil, nil)
	require.Equal(t, breaker.StateOpen, g.BreakerState("svc"))
	time.Sleep(80 * time.Millisecond)

	send(g, http.MethodGet, "/svc", nil, nil)
	assert.Equal(t, int32(2), be.hits.Load())
	assert.Equal(t, breaker.StateOpen, g.BreakerState("svc"))
}

func TestPoolSaturation(t *testing.T) {
	entered := make(chan struct{}, 1)
	unblock := make(chan struct{})
	be := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-unblock
	})
	res := newResolver()
	res.set("svc", be.addr())
	g := newGateway(t, &Config{
		MaxConnsPerInstance: 1,
		Breaker:             breaker.Config{FailureThreshold: 1},
		Routes:              []RouteRule{{PathPrefix: "/svc", ServiceName: "svc"}},
	}, res)

	done := make(chan int)
	go func() { done <- send(g, http.MethodGet, "/svc/slow", nil, nil).Code }()
	<-entered
	assert.Equal(t, 1, g.pools.inUse(poolKey("svc", be.addr())))

	w := send(g, http.MethodGet, "/svc/fast", nil, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, xerrors.CodeDownstreamError, errorCode(t, w))
	// 名额耗尽不计入熔断
	assert.Equal(t, breaker.StateClosed, g.BreakerState("svc"))

	close(unblock)
	assert.Equal(t, http.StatusOK, <-done)
	assert.Equal(t, 0, g.pools.inUse(poolKey("svc", be.addr())))

	// 实例下线后清理其信号量
	res.set("svc")
	g.pools.mu.Lock()
	assert.Empty(t, g.pools.sem)
	g.pools.mu.Unlock()
}

func TestUpdateRoutes(t *testing.T) {
	a := newBackend(t, okHandler)
	res := newResolver()
	res.set("a", a.addr())
	g := newGateway(t, &Config{}, res)

	assert.Equal(t, http.StatusNotFound, send(g, http.MethodGet, "/a/1", nil, nil).Code)

	require.NoError(t, g.UpdateRoutes([]RouteRule{{ID: "a", PathPrefix: "/a", ServiceName: "a"}}))
	assert.Equal(t, http.StatusOK, send(g, http.MethodGet, "/a/1", nil, nil).Code)

	err := g.UpdateRoutes([]RouteRule{{PathPrefix: "bad", ServiceName: "a"}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Len(t, g.Routes(), 1)
	assert.Equal(t, http.StatusOK, send(g, http.MethodGet, "/a/1", nil, nil).Code)
}

func TestCORS(t *testing.T) {
	res := newResolver()
	g := newGateway(t, &Config{
		CORS:   &CORSConfig{AllowOrigins: []string{"http://localhost:3000"}, AllowCredentials: true},
		Routes: []RouteRule{{PathPrefix: "/api", ServiceName: "svc"}},
	}, res)

	w := send(g, http.MethodOptions, "/api/patients", nil, http.Header{
		"Origin":                        {"http://localhost:3000"},
		"Access-Control-Request-Method": {"DELETE"},
	})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")

	w = send(g, http.MethodOptions, "/api/patients", nil, http.Header{
		"Origin":                        {"http://evil.example"},
		"Access-Control-Request-Method": {"GET"},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRateLimit(t *testing.T) {
	be := newBackend(t, okHandler)
	res := newResolver()
	res.set("svc", be.addr())
	limiter, err := ratelimit.New(&ratelimit.Config{Driver: ratelimit.DriverStandalone})
	require.NoError(t, err)
	t.Cleanup(func() { _ = limiter.Close() })

	g := newGateway(t, &Config{
		RateLimit: &RateLimitConfig{
			Limit:    ratelimit.Limit{Rate: 100, Burst: 100},
			PerRoute: map[string]ratelimit.Limit{"strict": {Rate: 0.001, Burst: 1}},
		},
		Routes: []RouteRule{
			{ID: "strict", PathPrefix: "/strict", ServiceName: "svc"},
			{ID: "loose", PathPrefix: "/loose", ServiceName: "svc"},
		},
	}, res, WithLimiter(limiter))

	assert.Equal(t, http.StatusOK, send(g, http.MethodGet, "/strict", nil, nil).Code)
	w := send(g, http.MethodGet, "/strict", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, xerrors.CodeRateLimited, errorCode(t, w))
	assert.Equal(t, http.StatusOK, send(g, http.MethodGet, "/loose", nil, nil).Code)

	// 网关自身端点不限流
	for range 3 {
		assert.Equal(t, http.StatusOK, send(g, http.MethodGet, "/healthz", nil, nil).Code)
	}
}

func TestAuthentication(t *testing.T) {
	var seen http.Header
	be := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	})
	res := newResolver()
	res.set("patient-service", be.addr())
	res.set("auth-service", be.addr())

	authn, err := auth.New(&auth.Config{
		SecretKey:   "this-is-a-valid-secret-key-at-least-32-chars",
		AccessRules: []auth.AccessRule{{Methods: []string{"DELETE"}, Path: "/api/patients/**", Roles: []string{"ADMIN"}}},
	})
	require.NoError(t, err)

	g := newGateway(t, &Config{Routes: []RouteRule{
		{PathPrefix: "/api/patients", ServiceName: "patient-service"},
		{PathPrefix: "/api/auth", ServiceName: "auth-service"},
	}}, res, WithAuthenticator(authn))

	w := send(g, http.MethodGet, "/api/patients/1", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, int32(0), be.hits.Load())

	// 公开路径放行，伪造的用户头被剥离
	w = send(g, http.MethodPost, "/api/auth/login", nil, http.Header{auth.HeaderUserID: {"admin"}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, seen.Get(auth.HeaderUserID))

	claims := &auth.Claims{Email: "doc@hms.local", Role: auth.Roles{"DOCTOR"}}
	claims.Subject = "u-1"
	token, err := authn.GenerateToken(context.Background(), claims)
	require.NoError(t, err)
	bearer := http.Header{"Authorization": {"Bearer " + token}}

	w = send(g, http.MethodGet, "/api/patients/1", nil, bearer)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u-1", seen.Get(auth.HeaderUserID))
	assert.Equal(t, "DOCTOR", seen.Get(auth.HeaderUserRole))
	assert.Equal(t, "doc@hms.local", seen.Get(auth.HeaderUserEmail))

	w = send(g, http.MethodDelete, "/api/patients/1", nil, bearer)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestDotSegmentsCannotBypassRules(t *testing.T) {
	var hrHits atomic.Int32
	hr := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		hrHits.Add(1)
		okHandler(w, r)
	})
	patients := newBackend(t, okHandler)
	res := newResolver()
	res.set("hr-service", hr.addr())
	res.set("patient-service", patients.addr())

	authn, err := auth.New(&auth.Config{
		SecretKey:   "this-is-a-valid-secret-key-at-least-32-chars",
		AccessRules: []auth.AccessRule{{Path: "/api/hr/**", Roles: []string{"ADMIN"}}},
	})
	require.NoError(t, err)
	g := newGateway(t, &Config{Routes: []RouteRule{
		{PathPrefix: "/api/hr", ServiceName: "hr-service"},
		{PathPrefix: "/api/patients", ServiceName: "patient-service"},
	}}, res, WithAuthenticator(authn))

	token := func(role string) http.Header {
		claims := &auth.Claims{Role: auth.Roles{role}}
		claims.Subject = "u-" + role
		tok, err := authn.GenerateToken(context.Background(), claims)
		require.NoError(t, err)
		return http.Header{"Authorization": {"Bearer " + tok}}
	}

	for _, target := range []string{"/api/patients/../hr/salaries", "/api/patients/./../hr//salaries", "/api/patients/%2e%2e/hr/salaries"} {
		w := send(g, http.MethodGet, target, nil, token("DOCTOR"))
		assert.Equal(t, http.StatusForbidden, w.Code, target)
	}
	assert.Equal(t, int32(0), hrHits.Load())
	assert.Equal(t, int32(0), patients.hits.Load())

	w := send(g, http.MethodGet, "/api/patients/../hr/salaries", nil, token("ADMIN"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/api/hr/salaries", w.Header().Get("X-Backend-Path"))
	assert.Equal(t, int32(1), hrHits.Load())
}

func TestRunShutsDownOnCancel(t *testing.T) {
	g := newGateway(t, &Config{Addr: "127.0.0.1:0"}, newResolver())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop")
	}
}
