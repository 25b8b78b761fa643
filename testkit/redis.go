package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/ceyewan/hms-plane/connector"
)

// NewRedisContainerConfig 启动 Redis 容器并返回连接配置
func NewRedisContainerConfig(t *testing.T) *connector.RedisConfig {
	RequireDocker(t)
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err, "failed to start redis container")
	terminateOnCleanup(t, container)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	return &connector.RedisConfig{
		Name:        "test-redis",
		Addr:        host + ":" + port.Port(),
		DialTimeout: 5 * time.Second,
	}
}

// GetRedisConnector 已连接的 Redis 连接器
func GetRedisConnector(t *testing.T) connector.RedisConnector {
	conn, err := connector.NewRedis(NewRedisContainerConfig(t), connector.WithLogger(NewLogger()))
	require.NoError(t, err, "failed to create redis connector")
	require.NoError(t, conn.Connect(context.Background()), "failed to connect to redis")
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// GetRedisClient 原生 Redis 客户端
func GetRedisClient(t *testing.T) *redis.Client {
	return GetRedisConnector(t).GetClient()
}
