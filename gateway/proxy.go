package gateway

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/hms-plane/breaker"
	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/metrics"
	"github.com/ceyewan/hms-plane/registry"
	"github.com/ceyewan/hms-plane/trace"
	"github.com/ceyewan/hms-plane/xerrors"
)

// RFC 9110 7.6.1
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// payload 请求体。data 非 nil 时可重放；stream 非 nil 时只能发送一次。
type payload struct {
	data   []byte
	stream io.Reader
	length int64
}

func (p *payload) reader() io.ReadCloser {
	switch {
	case p.stream != nil:
		return io.NopCloser(p.stream)
	case p.data != nil:
		return io.NopCloser(bytes.NewReader(p.data))
	}
	return http.NoBody
}

func (p *payload) replayable() bool { return p.stream == nil }

// readPayload 缓存不超过 limit 的请求体以便重试，更大的请求体直接透传
func readPayload(r *http.Request, limit int64) (*payload, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return &payload{}, nil
	}
	if r.ContentLength > limit {
		return &payload{stream: r.Body, length: r.ContentLength}, nil
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, xerrors.WithCode(xerrors.Wrap(err, "read request body"), xerrors.CodeValidation)
	}
	if len(buf) == 0 {
		return &payload{}, nil
	}
	if int64(len(buf)) > limit {
		return &payload{stream: io.MultiReader(bytes.NewReader(buf), r.Body), length: r.ContentLength}, nil
	}
	return &payload{data: buf, length: int64(len(buf))}, nil
}

// classify 把转发错误归入超时或下游错误
func classify(err error, addr string) error {
	if xerrors.Is(err, errPoolExhausted) {
		return xerrors.Wrapf(ErrDownstream, "%s: %v", addr, err)
	}
	var ne net.Error
	if xerrors.Is(err, context.DeadlineExceeded) || (xerrors.As(err, &ne) && ne.Timeout()) {
		return xerrors.Wrapf(ErrDownstreamTimeout, "%s: %v", addr, err)
	}
	return xerrors.Wrapf(ErrDownstream, "%s: %v", addr, err)
}

func retryable(err error) bool {
	return xerrors.Is(err, ErrDownstreamTimeout) || xerrors.Is(err, ErrDownstream)
}

// proxy 是 NoRoute 处理器，负责全部转发流程
func (g *Gateway) proxy(c *gin.Context) {
	req := c.Request
	ctx := req.Context()
	ex := newExchange(correlationID(c), req)

	g.metrics.inflight.Inc(ctx)
	defer g.metrics.inflight.Dec(ctx)

	rt, ok := g.routes.Load().match(req.URL.Path)
	if !ok {
		g.reject(c, ex, xerrors.Wrapf(ErrNoRoute, "%s %s", req.Method, req.URL.Path))
		return
	}
	ex.route = rt
	c.Set(metrics.RouteLabelKey, rt.ID)
	ex.advance(ctx, g.logger, StateRouteMatched)

	// 只读本地缓存，不做阻塞等待
	instances, err := g.resolver.Resolve(ctx, rt.ServiceName)
	if err != nil || len(instances) == 0 {
		g.reject(c, ex, xerrors.Wrapf(ErrNoInstances, "%s", rt.ServiceName))
		return
	}

	body, err := readPayload(req, g.cfg.MaxBufferedBody)
	if err != nil {
		g.reject(c, ex, err)
		return
	}

	retries := rt.retries(g.cfg.DefaultRetries)
	if (!idempotent(req.Method) && !rt.RetryNonIdempotent) || !body.replayable() {
		retries = 0
	}
	timeout := rt.timeout(g.cfg.DefaultTimeout)
	budget := g.cfg.ConnectTimeout + timeout*time.Duration(1+retries)
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := g.nextIndex(rt.ServiceName)
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		// 重试优先换实例，只有一个实例时原地重试
		inst := instances[(start+uint64(attempt))%uint64(len(instances))]
		ex.instance = inst.Address
		ex.attempts = attempt + 1
		ex.advance(ctx, g.logger, StateInstanceSelected)
		if attempt > 0 {
			g.metrics.retries.Inc(ctx, metrics.L("route", rt.ID), metrics.L(metrics.LabelService, rt.ServiceName))
		}

		resp, release, err := g.forward(ctx, c, ex, rt, inst, body, timeout)
		if err == nil {
			g.respond(c, ex, resp)
			release()
			g.finish(ctx, ex, nil)
			return
		}

		// 熔断在重试中途打开时保留真实的下游错误
		if lastErr == nil || !xerrors.Is(err, breaker.ErrOpenState) {
			lastErr = err
		}
		if req.Context().Err() != nil {
			lastErr = xerrors.Wrap(context.Canceled, "client went away")
			break
		}
		if !retryable(err) || ctx.Err() != nil {
			break
		}
	}
	g.reject(c, ex, lastErr)
}

// forward 一次转发尝试。成功时返回的 release 必须在响应体写完后调用。
func (g *Gateway) forward(ctx context.Context, c *gin.Context, ex *exchange, rt *route,
	inst *registry.ServiceInstance, body *payload, timeout time.Duration) (*http.Response, func(), error) {

	release, err := g.pools.acquire(ctx, poolKey(rt.ServiceName, inst.Address))
	if err != nil {
		return nil, nil, classify(err, inst.Address)
	}

	done, err := g.breaker.Allow(ctx, rt.ServiceName)
	if err != nil {
		release()
		return nil, nil, err
	}

	actx, acancel := context.WithTimeout(ctx, timeout)
	out := g.outbound(actx, c, rt, inst.Address, body, ex.id)
	ex.advance(ctx, g.logger, StateForwarded)

	resp, err := g.transport.RoundTrip(out)
	if err != nil {
		acancel()
		release()
		done(err)
		return nil, nil, classify(err, inst.Address)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		done(errUpstream5xx)
	} else {
		done(nil)
	}
	return resp, func() { acancel(); release() }, nil
}

// outbound 构造发往实例的请求
func (g *Gateway) outbound(ctx context.Context, c *gin.Context, rt *route, addr string, body *payload, id string) *http.Request {
	in := c.Request
	out := in.Clone(ctx)
	out.RequestURI = ""
	out.URL = &url.URL{
		Scheme:   "http",
		Host:     addr,
		Path:     rt.targetPath(in.URL.Path),
		RawQuery: in.URL.RawQuery,
	}
	out.Host = ""
	out.Body = body.reader()
	out.ContentLength = body.length
	if out.Body == http.NoBody {
		out.ContentLength = 0
	}
	out.Close = false

	removeHopHeaders(out.Header)
	if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
		out.Header.Set("X-Forwarded-For", prior+", "+c.ClientIP())
	} else {
		out.Header.Set("X-Forwarded-For", c.ClientIP())
	}
	out.Header.Set("X-Forwarded-Host", in.Host)
	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
	out.Header.Set(g.cfg.CorrelationHeader, id)
	trace.InjectHTTP(ctx, out.Header)
	return out
}

// respond 透传下游状态码、头与响应体
func (g *Gateway) respond(c *gin.Context, ex *exchange, resp *http.Response) {
	defer resp.Body.Close()
	removeHopHeaders(resp.Header)
	dst := c.Writer.Header()
	for k, vv := range resp.Header {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	dst.Set(g.cfg.CorrelationHeader, ex.id)
	ex.status = resp.StatusCode
	c.Status(resp.StatusCode)
	c.Writer.WriteHeaderNow()

	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		// 状态码已发出，只能记录
		g.logger.WarnContext(c.Request.Context(), "copy response body failed",
			clog.String("correlation_id", ex.id), clog.String("instance", ex.instance), clog.Error(err))
	}
}

// reject 以错误结束请求，渲染 {"code","message"}
func (g *Gateway) reject(c *gin.Context, ex *exchange, err error) {
	g.finish(c.Request.Context(), ex, err)
	if xerrors.Is(err, context.Canceled) {
		c.Abort()
		return
	}
	c.Header(g.cfg.CorrelationHeader, ex.id)
	c.AbortWithStatusJSON(xerrors.HTTPStatus(err), xerrors.ToResponse(err))
}
