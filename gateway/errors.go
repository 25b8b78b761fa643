package gateway

import "github.com/ceyewan/hms-plane/xerrors"

var (
	ErrConfigNil     = xerrors.Wrap(xerrors.ErrInvalidInput, "gateway: config is nil")
	ErrInvalidConfig = xerrors.WithCode(xerrors.Wrap(xerrors.ErrInvalidInput, "gateway: invalid config"), xerrors.CodeValidation)
	ErrResolverNil   = xerrors.Wrap(xerrors.ErrInvalidInput, "gateway: resolver is nil")

	// ErrNoRoute 没有匹配的路由
	ErrNoRoute = xerrors.WithCode(xerrors.Wrap(xerrors.ErrNotFound, "gateway: no route"), xerrors.CodeNotFound)

	// ErrNoInstances 目标服务没有 UP 实例
	ErrNoInstances = xerrors.WithCode(xerrors.Wrap(xerrors.ErrUnavailable, "gateway: no available instance"), xerrors.CodeServiceUnavailable)

	// ErrDownstreamTimeout 下游超时
	ErrDownstreamTimeout = xerrors.WithCode(xerrors.Wrap(xerrors.ErrTimeout, "gateway: downstream timeout"), xerrors.CodeDownstreamTimeout)

	// ErrDownstream 连接失败、实例并发名额耗尽等其他转发错误
	ErrDownstream = xerrors.WithCode(xerrors.Wrap(xerrors.ErrUnavailable, "gateway: downstream error"), xerrors.CodeDownstreamError)

	errPoolExhausted = xerrors.New("instance pool exhausted")
	errUpstream5xx   = xerrors.New("downstream responded 5xx")
)
