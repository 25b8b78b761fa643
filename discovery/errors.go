package discovery

import "github.com/ceyewan/hms-plane/xerrors"

var (
	ErrInvalidConfig = xerrors.WithCode(xerrors.Wrap(xerrors.ErrInvalidInput, "discovery: invalid config"), xerrors.CodeValidation)
	ErrRegistryNil   = xerrors.WithCode(xerrors.Wrap(xerrors.ErrInvalidInput, "discovery: registry is nil"), xerrors.CodeValidation)

	// ErrBadRequest 请求体或查询参数格式错误
	ErrBadRequest = xerrors.WithCode(xerrors.Wrap(xerrors.ErrInvalidInput, "discovery: bad request"), xerrors.CodeValidation)
)
