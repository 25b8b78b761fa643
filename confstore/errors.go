package confstore

import "github.com/ceyewan/hms-plane/xerrors"

var (
	ErrConfigNil     = xerrors.WithCode(xerrors.Wrap(xerrors.ErrInvalidInput, "confstore: config is nil"), xerrors.CodeValidation)
	ErrInvalidConfig = xerrors.WithCode(xerrors.Wrap(xerrors.ErrInvalidInput, "confstore: invalid config"), xerrors.CodeValidation)
	ErrConnectorNil  = xerrors.WithCode(xerrors.Wrap(xerrors.ErrInvalidInput, "confstore: connector is nil"), xerrors.CodeValidation)

	// ErrInvalidKey 坐标或 key 不合法
	ErrInvalidKey = xerrors.WithCode(xerrors.Wrap(xerrors.ErrInvalidInput, "confstore: invalid key"), xerrors.CodeValidation)

	// ErrNotFound 条目或版本不存在
	ErrNotFound = xerrors.WithCode(xerrors.Wrap(xerrors.ErrNotFound, "confstore: entry not found"), xerrors.CodeNotFound)

	// ErrReadOnly 文件后端不支持写入
	ErrReadOnly = xerrors.WithCode(xerrors.Wrap(xerrors.ErrConflict, "confstore: store is read-only"), xerrors.CodeConflict)

	// ErrConflict 并发写入冲突，重试耗尽
	ErrConflict = xerrors.WithCode(xerrors.Wrap(xerrors.ErrConflict, "confstore: concurrent modification"), xerrors.CodeConflict)

	ErrClosed = xerrors.Wrap(xerrors.ErrUnavailable, "confstore: closed")
)
