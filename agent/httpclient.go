package agent

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/ceyewan/hms-plane/auth"
	"github.com/ceyewan/hms-plane/trace"
	"github.com/ceyewan/hms-plane/xerrors"
)

// ClientConfig 服务间 HTTP 客户端参数
type ClientConfig struct {
	ConnectTimeout time.Duration // 默认 5s
	ReadTimeout    time.Duration // 等待响应头，默认 10s
	MaxAttempts    int           // 默认 3
	MinBackoff     time.Duration // 默认 100ms
	MaxBackoff     time.Duration // 默认 1s
}

// ClientOption 客户端选项
type ClientOption func(*ClientConfig)

// WithConnectTimeout 连接超时
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *ClientConfig) { c.ConnectTimeout = d }
}

// WithReadTimeout 响应头超时
func WithReadTimeout(d time.Duration) ClientOption {
	return func(c *ClientConfig) { c.ReadTimeout = d }
}

// WithRetry 最大尝试次数与退避区间
func WithRetry(attempts int, minBackoff, maxBackoff time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.MaxAttempts, c.MinBackoff, c.MaxBackoff = attempts, minBackoff, maxBackoff
	}
}

func (c *ClientConfig) setDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = max(time.Second, c.MinBackoff)
	}
}

// NewHTTPClient 返回按服务名寻址的 HTTP 客户端：http://patient-service/api/... 中的主机名
// 经 Agent 轮询解析为实例地址。幂等请求在连接失败时换实例重试。
// 请求上下文中的用户与关联 ID 会以请求头转发。
func NewHTTPClient(a Agent, opts ...ClientOption) *http.Client {
	cfg := &ClientConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.setDefaults()

	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{Transport: &roundTripper{agent: a, base: base, cfg: cfg}}
}

type roundTripper struct {
	agent Agent
	base  http.RoundTripper
	cfg   *ClientConfig
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete, http.MethodTrace:
		return true
	}
	return false
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	service := req.URL.Hostname()

	attempts := 1
	if idempotent(req.Method) && (req.Body == nil || req.Body == http.NoBody || req.GetBody != nil) {
		attempts = rt.cfg.MaxAttempts
	}

	backoff := rt.cfg.MinBackoff
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, rt.cfg.MaxBackoff)
		}

		inst, err := rt.agent.Next(ctx, service)
		if err != nil {
			return nil, err
		}
		out, err := rt.prepare(ctx, req, inst.Address, i)
		if err != nil {
			return nil, err
		}
		resp, err := rt.base.RoundTrip(out)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, xerrors.Wrapf(lastErr, "%s %s after %d attempts", req.Method, service, attempts)
}

// prepare 复制请求并改写目标地址，补齐转发头
func (rt *roundTripper) prepare(ctx context.Context, req *http.Request, addr string, attempt int) (*http.Request, error) {
	out := req.Clone(ctx)
	out.URL.Host = addr
	out.Host = ""
	if out.URL.Scheme == "" {
		out.URL.Scheme = "http"
	}
	if attempt > 0 && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, xerrors.Wrap(err, "rewind request body")
		}
		out.Body = body
	}

	if u, ok := UserFromContext(ctx); ok {
		if out.Header.Get(auth.HeaderUserID) == "" {
			out.Header.Set(auth.HeaderUserID, u.ID)
			out.Header.Set(auth.HeaderUserRole, u.Role)
			if u.Email != "" {
				out.Header.Set(auth.HeaderUserEmail, u.Email)
			}
		}
	}
	if id := CorrelationIDFromContext(ctx); id != "" && out.Header.Get(CorrelationHeader) == "" {
		out.Header.Set(CorrelationHeader, id)
	}
	trace.InjectHTTP(ctx, out.Header)
	return out, nil
}
