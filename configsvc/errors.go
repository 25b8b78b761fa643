package configsvc

import "github.com/ceyewan/hms-plane/xerrors"

var (
	ErrConfigNil     = xerrors.WithCode(xerrors.Wrap(xerrors.ErrInvalidInput, "configsvc: config is nil"), xerrors.CodeValidation)
	ErrInvalidConfig = xerrors.WithCode(xerrors.Wrap(xerrors.ErrInvalidInput, "configsvc: invalid config"), xerrors.CodeValidation)
	ErrStoreNil      = xerrors.WithCode(xerrors.Wrap(xerrors.ErrInvalidInput, "configsvc: store is nil"), xerrors.CodeValidation)
	ErrBadRequest    = xerrors.WithCode(xerrors.Wrap(xerrors.ErrInvalidInput, "configsvc: bad request"), xerrors.CodeValidation)

	// ErrApplicationNotFound 应用没有任何配置
	ErrApplicationNotFound = xerrors.WithCode(xerrors.Wrap(xerrors.ErrNotFound, "configsvc: application not found"), xerrors.CodeNotFound)

	ErrClosed = xerrors.Wrap(xerrors.ErrUnavailable, "configsvc: closed")
)
