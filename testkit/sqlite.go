package testkit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ceyewan/hms-plane/connector"
)

// GetSQLiteConnector 基于临时文件的 SQLite 连接器，不依赖 Docker
func GetSQLiteConnector(t *testing.T) connector.SQLConnector {
	return connectSQL(t, &connector.SQLConfig{
		Name:   "test-sqlite",
		Driver: connector.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "hms-"+NewID()+".db"),
	})
}

func connectSQL(t *testing.T, cfg *connector.SQLConfig) connector.SQLConnector {
	conn, err := connector.NewSQL(cfg, connector.WithLogger(NewLogger()))
	require.NoError(t, err, "failed to create sql connector")
	require.NoError(t, conn.Connect(context.Background()), "failed to connect to database")
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
