// Package connector 管理控制面依赖的外部连接：etcd、Redis、NATS、Kafka 与 gorm SQL。
//
// 约定：
//   - NewXXX() 只校验配置、构造客户端，不做网络 I/O
//   - Connect() 幂等，阻塞直到首次探活成功或失败
//   - 组件（confstore、bus、ratelimit）只借用 Connector，不负责 Close()
//
// 基本使用：
//
//	conn, err := connector.NewEtcd(&connector.EtcdConfig{
//		Endpoints: []string{"127.0.0.1:2379"},
//	}, connector.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer conn.Close()
//
//	if err := conn.Connect(ctx); err != nil {
//		return err
//	}
//	store, err := confstore.NewEtcd(conn, &confstore.EtcdConfig{Prefix: "/hms/config"})
package connector

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
	clientv3 "go.etcd.io/etcd/client/v3"
	"gorm.io/gorm"
)

// Connector 所有连接器的通用行为，方法并发安全。
type Connector interface {
	// Connect 建立连接，可重复调用
	Connect(ctx context.Context) error

	// Close 释放连接，可重复调用
	Close() error

	// HealthCheck 主动探活并刷新 IsHealthy 的缓存结果
	HealthCheck(ctx context.Context) error

	// IsHealthy 返回最近一次探活结果，不阻塞
	IsHealthy() bool

	// Name 连接实例名，用于日志与指标
	Name() string
}

// TypedConnector 暴露具体客户端类型
type TypedConnector[T any] interface {
	Connector

	// GetClient 返回底层客户端，Connect 之前可能为 nil
	GetClient() T
}

// RedisConnector Redis 连接器
type RedisConnector interface {
	TypedConnector[*redis.Client]
}

// EtcdConnector Etcd 连接器
type EtcdConnector interface {
	TypedConnector[*clientv3.Client]
}

// NATSConnector NATS 连接器
type NATSConnector interface {
	TypedConnector[*nats.Conn]
}

// KafkaConnector Kafka 连接器。
// 消费端需要按订阅单独建 client，因此额外暴露配置。
type KafkaConnector interface {
	TypedConnector[*kgo.Client]
	Config() *KafkaConfig
}

// SQLConnector gorm 连接器，方言由 SQLConfig.Driver 决定
type SQLConnector interface {
	TypedConnector[*gorm.DB]
	Driver() string
}
