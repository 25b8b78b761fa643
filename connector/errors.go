package connector

import "github.com/ceyewan/hms-plane/xerrors"

var (
	// ErrClientNil 客户端尚未创建或已关闭
	ErrClientNil = xerrors.Wrap(xerrors.ErrUnavailable, "connector: client is nil")
	// ErrConnection 建连或探活失败
	ErrConnection = xerrors.Wrap(xerrors.ErrUnavailable, "connector: connection failed")
	// ErrConfig 配置无效
	ErrConfig = xerrors.WithCode(xerrors.Wrap(xerrors.ErrInvalidInput, "connector: invalid config"), xerrors.CodeValidation)
	// ErrUnsupportedDriver 未知的 SQL 方言
	ErrUnsupportedDriver = xerrors.Wrap(ErrConfig, "unsupported sql driver")
)
