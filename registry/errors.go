package registry

import "github.com/ceyewan/hms-plane/xerrors"

var (
	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = xerrors.WithCode(xerrors.Wrap(xerrors.ErrInvalidInput, "registry: invalid config"), xerrors.CodeValidation)

	// ErrInvalidInstance 服务名或地址为空、地址格式不是 host:port
	ErrInvalidInstance = xerrors.WithCode(xerrors.Wrap(xerrors.ErrInvalidInput, "registry: invalid instance"), xerrors.CodeValidation)

	// ErrInvalidStatus 运维接口不允许设置的状态
	ErrInvalidStatus = xerrors.WithCode(xerrors.Wrap(xerrors.ErrInvalidInput, "registry: invalid status"), xerrors.CodeValidation)

	// ErrNotFound 实例不存在
	ErrNotFound = xerrors.WithCode(xerrors.Wrap(xerrors.ErrNotFound, "registry: instance not found"), xerrors.CodeNotFound)

	// ErrLeaseExpired 续约来得太晚，客户端应重新注册
	ErrLeaseExpired = xerrors.WithCode(xerrors.Wrap(xerrors.ErrNotFound, "registry: lease expired"), xerrors.CodeLeaseExpired)

	// ErrClosed registry 已关闭
	ErrClosed = xerrors.Wrap(xerrors.ErrUnavailable, "registry: closed")
)
