package configclient

import "github.com/ceyewan/hms-plane/xerrors"

var (
	ErrConfigNil     = xerrors.WithCode(xerrors.Wrap(xerrors.ErrInvalidInput, "configclient: config is nil"), xerrors.CodeValidation)
	ErrInvalidConfig = xerrors.WithCode(xerrors.Wrap(xerrors.ErrInvalidInput, "configclient: invalid config"), xerrors.CodeValidation)

	// ErrUnavailable 所有 Config Service 地址都不可用
	ErrUnavailable = xerrors.WithCode(xerrors.Wrap(xerrors.ErrUnavailable, "configclient: config service unavailable"), xerrors.CodeServiceUnavailable)
)
