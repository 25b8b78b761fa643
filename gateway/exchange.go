package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/metrics"
	"github.com/ceyewan/hms-plane/xerrors"
)

// State 单个请求在网关中的处理阶段
type State string

const (
	StateReceived         State = "RECEIVED"
	StateRouteMatched     State = "ROUTE_MATCHED"
	StateInstanceSelected State = "INSTANCE_SELECTED"
	StateForwarded        State = "FORWARDED"
	StateCompleted        State = "COMPLETED"
	StateFailed           State = "FAILED"
)

// 重试时 FORWARDED 回到 INSTANCE_SELECTED；任何非终态都可以失败
var transitions = map[State][]State{
	StateReceived:         {StateRouteMatched, StateFailed},
	StateRouteMatched:     {StateInstanceSelected, StateFailed},
	StateInstanceSelected: {StateForwarded, StateInstanceSelected, StateFailed},
	StateForwarded:        {StateCompleted, StateInstanceSelected, StateFailed},
}

// outcome 指标标签
const (
	outcomeCompleted   = "completed"
	outcomeNoRoute     = "no_route"
	outcomeUnavailable = "no_instances"
	outcomeCircuitOpen = "circuit_open"
	outcomeTimeout     = "timeout"
	outcomeError       = "downstream_error"
	outcomeCanceled    = "canceled"
)

// exchange 记录一次代理请求的状态流转
type exchange struct {
	id       string
	method   string
	path     string
	start    time.Time
	state    State
	route    *route
	instance string
	attempts int
	status   int
}

func newExchange(id string, r *http.Request) *exchange {
	return &exchange{id: id, method: r.Method, path: r.URL.Path, start: time.Now(), state: StateReceived}
}

func (e *exchange) advance(ctx context.Context, logger clog.Logger, to State) {
	for _, next := range transitions[e.state] {
		if next == to {
			logger.DebugContext(ctx, "request state",
				clog.String("correlation_id", e.id),
				clog.String("from", string(e.state)),
				clog.String("to", string(to)),
				clog.String("instance", e.instance))
			e.state = to
			return
		}
	}
	logger.ErrorContext(ctx, "illegal request state transition",
		clog.String("correlation_id", e.id), clog.String("from", string(e.state)), clog.String("to", string(to)))
}

func (e *exchange) routeID() string {
	if e.route == nil {
		return ""
	}
	return e.route.ID
}

func (e *exchange) serviceName() string {
	if e.route == nil {
		return ""
	}
	return e.route.ServiceName
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeCompleted
	case xerrors.Is(err, context.Canceled):
		return outcomeCanceled
	}
	switch xerrors.Code(err) {
	case xerrors.CodeNotFound:
		return outcomeNoRoute
	case xerrors.CodeServiceUnavailable:
		return outcomeUnavailable
	case xerrors.CodeCircuitOpen:
		return outcomeCircuitOpen
	case xerrors.CodeDownstreamTimeout:
		return outcomeTimeout
	}
	return outcomeError
}

// finish 进入终态并记录日志与指标
func (g *Gateway) finish(ctx context.Context, e *exchange, err error) {
	if err == nil {
		e.advance(ctx, g.logger, StateCompleted)
	} else {
		e.advance(ctx, g.logger, StateFailed)
	}
	outcome := outcomeOf(err)
	elapsed := time.Since(e.start)
	labels := []metrics.Label{metrics.L("route", e.routeID()), metrics.L("outcome", outcome)}
	g.metrics.requests.Inc(ctx, labels...)
	g.metrics.duration.Record(ctx, elapsed.Seconds(), labels...)

	fields := []clog.Field{
		clog.String("correlation_id", e.id),
		clog.String("state", string(e.state)),
		clog.String("method", e.method),
		clog.String("path", e.path),
		clog.String("route", e.routeID()),
		clog.String("target", e.serviceName()),
		clog.String("instance", e.instance),
		clog.Int("attempts", e.attempts),
		clog.String("outcome", outcome),
		clog.Duration("elapsed", elapsed),
	}
	switch {
	case err == nil:
		fields = append(fields, clog.String("status", strconv.Itoa(e.status)))
		g.logger.InfoContext(ctx, "request proxied", fields...)
	case outcome == outcomeCanceled || outcome == outcomeNoRoute:
		g.logger.InfoContext(ctx, "request not proxied", append(fields, clog.Error(err))...)
	default:
		g.logger.WarnContext(ctx, "request failed", append(fields, clog.ErrorWithCode(err, xerrors.Code(err)))...)
	}
}
