package connector

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/metrics"
	"github.com/ceyewan/hms-plane/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		check   func() error
		wantErr bool
	}{
		{"redis ok", func() error { return validated(&RedisConfig{Addr: "localhost:6379"}) }, false},
		{"redis empty addr", func() error { return validated(&RedisConfig{}) }, true},
		{"redis negative db", func() error { return validated(&RedisConfig{Addr: "x:1", DB: -1}) }, true},
		{"etcd ok", func() error { return validated(&EtcdConfig{Endpoints: []string{"localhost:2379"}}) }, false},
		{"etcd no endpoints", func() error { return validated(&EtcdConfig{}) }, true},
		{"nats ok", func() error { return validated(&NATSConfig{URL: "nats://localhost:4222"}) }, false},
		{"nats empty url", func() error { return validated(&NATSConfig{}) }, true},
		{"kafka ok", func() error { return validated(&KafkaConfig{Seed: []string{"localhost:9092"}}) }, false},
		{"kafka no seed", func() error { return validated(&KafkaConfig{}) }, true},
		{"sqlite default", func() error { return validated(&SQLConfig{}) }, false},
		{"mysql dsn", func() error { return validated(&SQLConfig{Driver: DriverMySQL, DSN: "u:p@tcp(h:3306)/d"}) }, false},
		{"mysql missing host", func() error { return validated(&SQLConfig{Driver: DriverMySQL, Username: "u", Database: "d"}) }, true},
		{"postgres fields", func() error {
			return validated(&SQLConfig{Driver: DriverPostgres, Host: "h", Username: "u", Database: "d"})
		}, false},
		{"unknown driver", func() error { return validated(&SQLConfig{Driver: "oracle"}) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.check()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, xerrors.Is(err, ErrConfig))
				assert.Equal(t, xerrors.CodeValidation, xerrors.Code(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

type validatable interface {
	setDefaults()
	validate() error
}

func validated(c validatable) error {
	c.setDefaults()
	return c.validate()
}

func TestSQLConfigDefaults(t *testing.T) {
	sqliteCfg := &SQLConfig{}
	sqliteCfg.setDefaults()
	assert.Equal(t, DriverSQLite, sqliteCfg.Driver)
	assert.Equal(t, "hms-plane.db", sqliteCfg.Path)
	assert.Equal(t, 1, sqliteCfg.MaxOpenConns)

	pg := &SQLConfig{Driver: DriverPostgres}
	pg.setDefaults()
	assert.Equal(t, 5432, pg.Port)
	assert.Equal(t, "disable", pg.SSLMode)
	assert.Equal(t, 100, pg.MaxOpenConns)

	my := &SQLConfig{Driver: DriverMySQL}
	my.setDefaults()
	assert.Equal(t, 3306, my.Port)
	assert.Equal(t, "utf8mb4", my.Charset)
	assert.Equal(t, time.Hour, my.ConnMaxLifetime)
}

func TestNilConfig(t *testing.T) {
	_, err := NewRedis(nil)
	assert.ErrorIs(t, err, ErrConfig)
	_, err = NewEtcd(nil)
	assert.ErrorIs(t, err, ErrConfig)
	_, err = NewNATS(nil)
	assert.ErrorIs(t, err, ErrConfig)
	_, err = NewKafka(nil)
	assert.ErrorIs(t, err, ErrConfig)
	_, err = NewSQL(nil)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestSQLiteLifecycle(t *testing.T) {
	ctx := context.Background()
	conn, err := NewSQL(&SQLConfig{
		Name: "confstore",
		Path: filepath.Join(t.TempDir(), "test.db"),
	}, WithLogger(clog.Discard()), WithMeter(metrics.Discard()))
	require.NoError(t, err)

	assert.Equal(t, "confstore", conn.Name())
	assert.Equal(t, DriverSQLite, conn.Driver())
	assert.False(t, conn.IsHealthy())

	require.NoError(t, conn.Connect(ctx))
	require.NoError(t, conn.Connect(ctx), "connect is idempotent")
	assert.True(t, conn.IsHealthy())
	require.NoError(t, conn.HealthCheck(ctx))

	type probe struct {
		ID   uint
		Name string
	}
	db := conn.GetClient()
	require.NoError(t, db.AutoMigrate(&probe{}))
	require.NoError(t, db.Create(&probe{Name: "a"}).Error)
	var got probe
	require.NoError(t, db.First(&got).Error)
	assert.Equal(t, "a", got.Name)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close(), "close is idempotent")
	assert.False(t, conn.IsHealthy())
	assert.Nil(t, conn.GetClient())
	assert.ErrorIs(t, conn.HealthCheck(ctx), ErrClientNil)
}

func TestRedisUnreachable(t *testing.T) {
	conn, err := NewRedis(&RedisConfig{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err = conn.Connect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.False(t, conn.IsHealthy())
}

func TestNATSAndKafkaBeforeConnect(t *testing.T) {
	ctx := context.Background()

	nc, err := NewNATS(&NATSConfig{URL: "nats://127.0.0.1:4222"})
	require.NoError(t, err)
	assert.Nil(t, nc.GetClient())
	assert.ErrorIs(t, nc.HealthCheck(ctx), ErrClientNil)
	assert.NoError(t, nc.Close())

	kc, err := NewKafka(&KafkaConfig{Seed: []string{"127.0.0.1:9092"}})
	require.NoError(t, err)
	assert.Nil(t, kc.GetClient())
	assert.Equal(t, "hms-plane", kc.Config().ClientID)
	assert.ErrorIs(t, kc.HealthCheck(ctx), ErrClientNil)
	assert.NoError(t, kc.Close())
}

func TestSQLiteConcurrentHealthCheck(t *testing.T) {
	ctx := context.Background()
	conn, err := NewSQL(&SQLConfig{Path: filepath.Join(t.TempDir(), "c.db")})
	require.NoError(t, err)
	require.NoError(t, conn.Connect(ctx))
	defer conn.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, conn.HealthCheck(ctx))
			assert.True(t, conn.IsHealthy())
		}()
	}
	wg.Wait()
}
