package agent

import "github.com/ceyewan/hms-plane/xerrors"

var (
	ErrConfigNil     = xerrors.WithCode(xerrors.Wrap(xerrors.ErrInvalidInput, "agent: config is nil"), xerrors.CodeValidation)
	ErrInvalidConfig = xerrors.WithCode(xerrors.Wrap(xerrors.ErrInvalidInput, "agent: invalid config"), xerrors.CodeValidation)

	// ErrNoInstances 目标服务没有可用实例
	ErrNoInstances = xerrors.WithCode(xerrors.Wrap(xerrors.ErrUnavailable, "agent: no available instances"), xerrors.CodeServiceUnavailable)

	// errLeaseGone 续约返回 404，需要重新注册
	errLeaseGone = xerrors.New("agent: lease not found")
)
