// Package discovery 把 registry 暴露为 HTTP 注册与发现接口。
//
// 路由：
//
//	POST   /register                      注册，返回租约
//	PUT    /renew/{service}/{instance}    续约，200 | 404
//	DELETE /deregister/{service}/{instance}
//	PUT    /status/{service}/{instance}   运维设置 UP / OUT_OF_SERVICE
//	GET    /instances/{service}           UP 实例列表
//	GET    /services                      完整快照
//	GET    /watch?since=&epoch=&timeoutMs= 长轮询变更
//	GET    /healthz
//
// 错误统一渲染为 {"code": "...", "message": "..."}。
package discovery

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/metrics"
	"github.com/ceyewan/hms-plane/registry"
	"github.com/ceyewan/hms-plane/trace"
	"github.com/ceyewan/hms-plane/xerrors"
)

// Server Discovery Service
type Server struct {
	reg    registry.Registry
	cfg    *Config
	logger clog.Logger
	meter  metrics.Meter
	engine *gin.Engine
}

// New 创建 Discovery Service，registry 的生命周期由调用方管理
func New(reg registry.Registry, cfg *Config, opts ...Option) (*Server, error) {
	if reg == nil {
		return nil, ErrRegistryNil
	}
	if cfg == nil {
		cfg = &Config{}
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

	s := &Server{reg: reg, cfg: cfg, logger: o.logger, meter: o.meter}
	if err := s.buildEngine(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) buildEngine() error {
	httpMetrics, err := metrics.NewHTTPServerMetrics(s.meter, metrics.DefaultHTTPServerMetricsConfig(s.cfg.ServiceName))
	if err != nil {
		return xerrors.Wrap(err, "create http metrics")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(trace.GinMiddleware(s.cfg.ServiceName))
	r.Use(metrics.GinHTTPMiddleware(httpMetrics))

	r.POST("/register", s.register)
	r.PUT("/renew/:service/:instance", s.renew)
	r.DELETE("/deregister/:service/:instance", s.deregister)
	r.PUT("/status/:service/:instance", s.setStatus)
	r.GET("/instances/:service", s.instances)
	r.GET("/services", s.services)
	r.GET("/watch", s.watch)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "UP", "epoch": s.reg.Epoch(), "version": s.reg.Version()})
	})
	if s.cfg.MetricsPath != "" {
		r.GET(s.cfg.MetricsPath, gin.WrapH(s.meter.Handler()))
	}

	s.engine = r
	return nil
}

// Handler 返回 HTTP 处理器，便于测试或挂载到其他服务器
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run 监听 cfg.Addr 直到 ctx 取消，然后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("discovery http listening", clog.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !xerrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return xerrors.Wrap(err, "discovery http server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("discovery http shutting down")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, xerrors.Wrap(ErrBadRequest, err.Error()))
		return
	}
	in := &registry.ServiceInstance{
		ServiceName: req.ServiceName,
		InstanceID:  req.InstanceID,
		Address:     req.Address,
		Metadata:    req.Metadata,
	}
	leaseID, err := s.reg.Register(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	instanceID := req.InstanceID
	if instanceID == "" {
		instanceID = req.Address
	}
	c.JSON(http.StatusOK, RegisterResponse{
		LeaseID:        leaseID,
		InstanceID:     instanceID,
		LeaseTimeoutMs: s.reg.LeaseTimeout().Milliseconds(),
	})
}

func (s *Server) renew(c *gin.Context) {
	if err := s.reg.Renew(c.Request.Context(), c.Param("service"), c.Param("instance")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) deregister(c *gin.Context) {
	if err := s.reg.Deregister(c.Request.Context(), c.Param("service"), c.Param("instance")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) setStatus(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, xerrors.Wrap(ErrBadRequest, err.Error()))
		return
	}
	status, ok := registry.ParseStatus(string(req.Status))
	if !ok {
		s.fail(c, xerrors.Wrapf(registry.ErrInvalidStatus, "%q", req.Status))
		return
	}
	if err := s.reg.SetStatus(c.Request.Context(), c.Param("service"), c.Param("instance"), status); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) instances(c *gin.Context) {
	list, err := s.reg.Resolve(c.Request.Context(), c.Param("service"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) services(c *gin.Context) {
	c.JSON(http.StatusOK, s.reg.Snapshot())
}

func (s *Server) watch(c *gin.Context) {
	var since uint64
	if v := c.Query("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.fail(c, xerrors.Wrapf(ErrBadRequest, "since %q", v))
			return
		}
		since = n
	}
	timeout := s.cfg.DefaultWatchTimeout
	if v := c.Query("timeoutMs"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			s.fail(c, xerrors.Wrapf(ErrBadRequest, "timeoutMs %q", v))
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	ctx := c.Request.Context()
	res, err := s.reg.Watch(ctx, since, c.Query("epoch"), timeout)
	if err != nil {
		if ctx.Err() != nil {
			// 客户端已断开，无需响应
			c.Abort()
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) fail(c *gin.Context, err error) {
	status := xerrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request.Context(), "request failed",
			clog.String("path", c.FullPath()), clog.Error(err))
	}
	c.AbortWithStatusJSON(status, xerrors.ToResponse(err))
}
