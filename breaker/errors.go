package breaker

import "github.com/ceyewan/hms-plane/xerrors"

var (
	// ErrConfigNil 配置为空
	ErrConfigNil = xerrors.Wrap(xerrors.ErrInvalidInput, "breaker: config is nil")

	// ErrKeyEmpty 熔断键为空
	ErrKeyEmpty = xerrors.Wrap(xerrors.ErrInvalidInput, "breaker: key is empty")

	// ErrOpenState 熔断打开，或半开状态下探测名额已满
	ErrOpenState = xerrors.WithCode(xerrors.Wrap(xerrors.ErrUnavailable, "breaker: circuit open"), xerrors.CodeCircuitOpen)
)
