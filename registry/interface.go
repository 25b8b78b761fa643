package registry

import (
	"context"
	"time"
)

// Registry 内存注册表
type Registry interface {
	// --- 租约 ---

	// Register 注册或替换实例，状态置为 STARTING，返回新的租约 ID
	Register(ctx context.Context, instance *ServiceInstance) (string, error)

	// Renew 续约。首次续约把 STARTING 转为 UP；
	// 距上次心跳超过租约时长时返回 ErrLeaseExpired，旧记录被丢弃
	Renew(ctx context.Context, serviceName, instanceID string) error

	// Deregister 立即移除实例，实例不存在时不报错
	Deregister(ctx context.Context, serviceName, instanceID string) error

	// SetStatus 运维设置状态，仅允许 UP 与 OUT_OF_SERVICE
	SetStatus(ctx context.Context, serviceName, instanceID string, status Status) error

	// --- 查询 ---

	// Resolve 返回租约有效的 UP 实例，按首次注册顺序排列；服务不存在时返回空切片
	Resolve(ctx context.Context, serviceName string) ([]*ServiceInstance, error)

	// Snapshot 当前版本的完整视图
	Snapshot() *Snapshot

	// Watch 长轮询。since 落后于当前版本时立即返回增量或完整快照；
	// 否则最多阻塞 timeout 等待变更，超时返回 Changed=false
	Watch(ctx context.Context, since uint64, epoch string, timeout time.Duration) (*WatchResult, error)

	// Epoch 进程级标识，重启后改变，用来限定版本号
	Epoch() string

	// Version 当前版本号
	Version() uint64

	// LeaseTimeout 租约时长，客户端据此决定续约间隔
	LeaseTimeout() time.Duration

	// --- 生命周期 ---

	// Start 启动后台过期扫描
	Start(ctx context.Context)

	// Close 停止扫描并唤醒所有等待中的 Watch
	Close() error
}
