package configsvc

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/confstore"
	"github.com/ceyewan/hms-plane/metrics"
	"github.com/ceyewan/hms-plane/trace"
	"github.com/ceyewan/hms-plane/xerrors"
)

// NoLabel 路径中表示不带标签的 label 段
const NoLabel = "_"

// maxValueBytes PUT 请求体上限
const maxValueBytes = 1 << 20

// RefreshResponse POST /refresh/{app} 的响应
type RefreshResponse struct {
	Application string `json:"application"`
	Generation  uint64 `json:"generation"`
}

// Server Config Service 的 HTTP 接口
//
//	GET    /config/{app}/{profile}[/{label}]           快照，支持 If-None-Match 与 ?waitMs= 长轮询
//	POST   /refresh/{app}                               202
//	PUT    /config/{app}/{profile}/{label}/{key}        请求体为原始值
//	DELETE /config/{app}/{profile}/{label}/{key}
//	GET    /config/{app}/{profile}/{label}/{key}/history
//	POST   /config/{app}/{profile}/{label}/{key}/rollback?version=
type Server struct {
	svc    Service
	cfg    *Config
	logger clog.Logger
	meter  metrics.Meter
	engine *gin.Engine
}

// NewServer 创建 HTTP 服务，svc 的生命周期由调用方管理
func NewServer(svc Service, cfg *Config, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, xerrors.Wrap(ErrInvalidConfig, "service is nil")
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

	s := &Server{svc: svc, cfg: cfg, logger: o.logger, meter: o.meter}
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

	r.GET("/config/:app/:profile", s.snapshot)
	r.GET("/config/:app/:profile/:label", s.snapshot)
	r.PUT("/config/:app/:profile/:label/:key", s.put)
	r.DELETE("/config/:app/:profile/:label/:key", s.delete)
	r.GET("/config/:app/:profile/:label/:key/history", s.history)
	r.POST("/config/:app/:profile/:label/:key/rollback", s.rollback)
	r.POST("/refresh/:app", s.refresh)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "UP"})
	})
	if s.cfg.MetricsPath != "" {
		r.GET(s.cfg.MetricsPath, gin.WrapH(s.meter.Handler()))
	}

	s.engine = r
	return nil
}

// Handler 返回 HTTP 处理器
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
		s.logger.Info("config http listening", clog.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !xerrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return xerrors.Wrap(err, "config http server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("config http shutting down")
	return srv.Shutdown(shutdownCtx)
}

func labelParam(c *gin.Context) string {
	label := c.Param("label")
	if label == NoLabel {
		return ""
	}
	return label
}

func coordinates(c *gin.Context) confstore.Coordinates {
	return confstore.Coordinates{Application: c.Param("app"), Profile: c.Param("profile"), Label: labelParam(c)}
}

// parseETag 去掉引号与弱校验前缀
func parseETag(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "W/")
	return strings.Trim(v, `"`)
}

func (s *Server) snapshot(c *gin.Context) {
	ctx := c.Request.Context()
	app, profile, label := c.Param("app"), c.Param("profile"), labelParam(c)
	etag := parseETag(c.GetHeader("If-None-Match"))

	var (
		snap *Snapshot
		err  error
	)
	if v := c.Query("waitMs"); v != "" && etag != "" {
		ms, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil || ms < 0 {
			s.fail(c, xerrors.Wrapf(ErrBadRequest, "waitMs %q", v))
			return
		}
		snap, err = s.svc.WaitForChange(ctx, app, profile, label, etag, time.Duration(ms)*time.Millisecond)
		if err == nil && snap == nil {
			c.Header("ETag", `"`+etag+`"`)
			c.Status(http.StatusNotModified)
			return
		}
	} else {
		snap, err = s.svc.GetSnapshot(ctx, app, profile, label)
	}
	if err != nil {
		if ctx.Err() != nil {
			c.Abort()
			return
		}
		s.fail(c, err)
		return
	}

	c.Header("ETag", `"`+snap.ETag+`"`)
	if snap.ETag == etag {
		c.Status(http.StatusNotModified)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) refresh(c *gin.Context) {
	app := c.Param("app")
	gen, err := s.svc.Refresh(c.Request.Context(), app)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, RefreshResponse{Application: app, Generation: gen})
}

func (s *Server) put(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxValueBytes+1))
	if err != nil {
		s.fail(c, xerrors.Wrap(ErrBadRequest, err.Error()))
		return
	}
	if len(body) > maxValueBytes {
		s.fail(c, xerrors.Wrap(ErrBadRequest, "value too large"))
		return
	}
	e, err := s.svc.Put(c.Request.Context(), coordinates(c), c.Param("key"), string(body))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) delete(c *gin.Context) {
	if err := s.svc.Delete(c.Request.Context(), coordinates(c), c.Param("key")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) history(c *gin.Context) {
	list, err := s.svc.History(c.Request.Context(), coordinates(c), c.Param("key"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) rollback(c *gin.Context) {
	v := c.Query("version")
	version, err := strconv.ParseInt(v, 10, 64)
	if err != nil || version <= 0 {
		s.fail(c, xerrors.Wrapf(ErrBadRequest, "version %q", v))
		return
	}
	e, err := s.svc.Rollback(c.Request.Context(), coordinates(c), c.Param("key"), version)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) fail(c *gin.Context, err error) {
	status := xerrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request.Context(), "request failed",
			clog.String("path", c.FullPath()), clog.Error(err))
	}
	c.AbortWithStatusJSON(status, xerrors.ToResponse(err))
}
