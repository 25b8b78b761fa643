package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tcetcd "github.com/testcontainers/testcontainers-go/modules/etcd"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ceyewan/hms-plane/connector"
)

const etcdImage = "quay.io/coreos/etcd:v3.5.9"

// NewEtcdContainerConfig 启动单节点 etcd 容器并返回连接配置
func NewEtcdContainerConfig(t *testing.T) *connector.EtcdConfig {
	RequireDocker(t)
	ctx := context.Background()

	container, err := tcetcd.Run(ctx, etcdImage)
	require.NoError(t, err, "failed to start etcd container")
	terminateOnCleanup(t, container)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "2379")
	require.NoError(t, err)

	return &connector.EtcdConfig{
		Name:        "test-etcd",
		Endpoints:   []string{host + ":" + port.Port()},
		DialTimeout: 5 * time.Second,
	}
}

// GetEtcdConnector 已连接的 etcd 连接器，随测试结束关闭
func GetEtcdConnector(t *testing.T) connector.EtcdConnector {
	conn, err := connector.NewEtcd(NewEtcdContainerConfig(t), connector.WithLogger(NewLogger()))
	require.NoError(t, err, "failed to create etcd connector")
	require.NoError(t, conn.Connect(context.Background()), "failed to connect to etcd")
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// GetEtcdClient 原生 etcd 客户端
func GetEtcdClient(t *testing.T) *clientv3.Client {
	return GetEtcdConnector(t).GetClient()
}
