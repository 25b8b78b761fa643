package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	natscontainer "github.com/testcontainers/testcontainers-go/modules/nats"

	"github.com/ceyewan/hms-plane/connector"
)

// NewNATSContainerConfig 启动 NATS 容器并返回连接配置
func NewNATSContainerConfig(t *testing.T) *connector.NATSConfig {
	RequireDocker(t)
	ctx := context.Background()

	container, err := natscontainer.Run(ctx, "nats:2.10-alpine")
	require.NoError(t, err, "failed to start nats container")
	terminateOnCleanup(t, container)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	return &connector.NATSConfig{
		Name:          "test-nats",
		URL:           "nats://" + host + ":" + port.Port(),
		MaxReconnects: 10,
		ReconnectWait: 100 * time.Millisecond,
	}
}

// GetNATSConnector 已连接的 NATS 连接器
func GetNATSConnector(t *testing.T) connector.NATSConnector {
	conn, err := connector.NewNATS(NewNATSContainerConfig(t), connector.WithLogger(NewLogger()))
	require.NoError(t, err, "failed to create nats connector")
	require.NoError(t, conn.Connect(context.Background()), "failed to connect to nats")
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// GetNATSConn 原生 NATS 连接
func GetNATSConn(t *testing.T) *nats.Conn {
	return GetNATSConnector(t).GetClient()
}
