package ratelimit

import "github.com/ceyewan/hms-plane/xerrors"

var (
	// ErrConfigNil 配置为空
	ErrConfigNil = xerrors.Wrap(xerrors.ErrInvalidInput, "ratelimit: config is nil")

	// ErrInvalidConfig 驱动缺失或未知
	ErrInvalidConfig = xerrors.Wrap(xerrors.ErrInvalidInput, "ratelimit: invalid config")

	// ErrConnectorNil 分布式驱动缺少 Redis 连接器
	ErrConnectorNil = xerrors.Wrap(xerrors.ErrInvalidInput, "ratelimit: redis connector is nil")

	// ErrNotSupported 当前驱动不支持该操作
	ErrNotSupported = xerrors.New("ratelimit: operation not supported")

	// ErrKeyEmpty 限流键为空
	ErrKeyEmpty = xerrors.Wrap(xerrors.ErrInvalidInput, "ratelimit: key is empty")

	// ErrInvalidLimit 规则或令牌数无效
	ErrInvalidLimit = xerrors.Wrap(xerrors.ErrInvalidInput, "ratelimit: invalid limit")

	// ErrRateLimitExceeded 超出限流阈值，HTTP 层映射为 429
	ErrRateLimitExceeded = xerrors.WithCode(xerrors.New("ratelimit: rate limit exceeded"), xerrors.CodeRateLimited)
)
