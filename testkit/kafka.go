package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	kafkacontainer "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/ceyewan/hms-plane/connector"
)

// NewKafkaContainerConfig 启动单 broker 的 Kafka (KRaft) 容器并返回连接配置
func NewKafkaContainerConfig(t *testing.T) *connector.KafkaConfig {
	RequireDocker(t)
	ctx := context.Background()

	container, err := kafkacontainer.Run(ctx, "confluentinc/confluent-local:7.5.0",
		kafkacontainer.WithClusterID("hms-test-cluster"),
	)
	require.NoError(t, err, "failed to start kafka container")
	terminateOnCleanup(t, container)

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	return &connector.KafkaConfig{
		Name:           "test-kafka",
		Seed:           brokers,
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

// GetKafkaSeed 返回 broker 地址列表
func GetKafkaSeed(t *testing.T) []string {
	return NewKafkaContainerConfig(t).Seed
}

// GetKafkaConnector 已连接的 Kafka 连接器
func GetKafkaConnector(t *testing.T) connector.KafkaConnector {
	conn, err := connector.NewKafka(NewKafkaContainerConfig(t), connector.WithLogger(NewLogger()))
	require.NoError(t, err, "failed to create kafka connector")
	require.NoError(t, conn.Connect(context.Background()), "failed to connect to kafka")
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
