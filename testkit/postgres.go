package testkit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/ceyewan/hms-plane/connector"
)

// NewPostgresContainerConfig 启动 PostgreSQL 容器并返回 gorm 连接配置
func NewPostgresContainerConfig(t *testing.T) *connector.SQLConfig {
	RequireDocker(t)
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("hms"),
		postgres.WithUsername("hms"),
		postgres.WithPassword("hms"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "failed to start postgres container")
	terminateOnCleanup(t, container)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	return &connector.SQLConfig{
		Name:         "test-postgres",
		Driver:       connector.DriverPostgres,
		DSN:          dsn,
		MaxIdleConns: 2,
		MaxOpenConns: 5,
	}
}

// GetPostgresConnector 已连接的 PostgreSQL 连接器
func GetPostgresConnector(t *testing.T) connector.SQLConnector {
	return connectSQL(t, NewPostgresContainerConfig(t))
}
