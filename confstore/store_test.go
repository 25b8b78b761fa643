package confstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/hms-plane/testkit"
	"github.com/ceyewan/hms-plane/xerrors"
)

// runWritableSuite 可写后端的公共行为
func runWritableSuite(t *testing.T, s Store) {
	ctx := testkit.NewContext(t, 30*time.Second)
	app := "patient-" + testkit.NewID()
	dev := Coordinates{Application: app, Profile: "dev"}

	t.Run("versions increase per key", func(t *testing.T) {
		e, err := s.Put(ctx, dev, "db.url", "jdbc:h2:mem")
		require.NoError(t, err)
		assert.EqualValues(t, 1, e.Version)
		assert.Equal(t, dev, e.Coordinates())

		e, err = s.Put(ctx, dev, "db.url", "jdbc:postgresql://db")
		require.NoError(t, err)
		assert.EqualValues(t, 2, e.Version)

		e, err = s.Put(ctx, dev, "db.pool", "8")
		require.NoError(t, err)
		assert.EqualValues(t, 1, e.Version)

		layer, err := s.Layer(ctx, dev)
		require.NoError(t, err)
		require.Len(t, layer, 2)
		assert.Equal(t, "db.pool", layer[0].Key)
		assert.Equal(t, "jdbc:postgresql://db", layer[1].Value)
		assert.EqualValues(t, 2, layer[1].Version)
	})

	t.Run("layers are isolated", func(t *testing.T) {
		_, err := s.Put(ctx, Coordinates{Application: app, Profile: "dev", Label: "v2"}, "db.url", "labelled")
		require.NoError(t, err)

		layer, err := s.Layer(ctx, dev)
		require.NoError(t, err)
		assert.Equal(t, "jdbc:postgresql://db", values(layer)["db.url"])

		labelled, err := s.Layer(ctx, Coordinates{Application: app, Profile: "dev", Label: "v2"})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"db.url": "labelled"}, values(labelled))

		empty, err := s.Layer(ctx, Coordinates{Application: app, Profile: "prod"})
		require.NoError(t, err)
		assert.NotNil(t, empty)
		assert.Empty(t, empty)

		ok, err := s.HasApplication(ctx, app)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.HasApplication(ctx, "absent-"+testkit.NewID())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("history and rollback", func(t *testing.T) {
		hist, err := s.History(ctx, dev, "db.url")
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.EqualValues(t, 1, hist[0].Version)
		assert.Equal(t, "jdbc:h2:mem", hist[0].Value)

		e, err := s.Rollback(ctx, dev, "db.url", 1)
		require.NoError(t, err)
		assert.EqualValues(t, 3, e.Version)
		assert.Equal(t, "jdbc:h2:mem", e.Value)

		_, err = s.Rollback(ctx, dev, "db.url", 42)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, xerrors.CodeNotFound, xerrors.GetCode(err))

		_, err = s.History(ctx, dev, "never.written")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete keeps history", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, dev, "db.url"))
		assert.ErrorIs(t, s.Delete(ctx, dev, "db.url"), ErrNotFound)

		layer, err := s.Layer(ctx, dev)
		require.NoError(t, err)
		assert.NotContains(t, values(layer), "db.url")

		hist, err := s.History(ctx, dev, "db.url")
		require.NoError(t, err)
		assert.Len(t, hist, 3)

		e, err := s.Put(ctx, dev, "db.url", "restored")
		require.NoError(t, err)
		assert.EqualValues(t, 4, e.Version)
	})

	t.Run("invalid input", func(t *testing.T) {
		_, err := s.Put(ctx, dev, "", "x")
		assert.ErrorIs(t, err, ErrInvalidKey)
		_, err = s.Put(ctx, dev, "has space", "x")
		assert.ErrorIs(t, err, ErrInvalidKey)
		_, err = s.Put(ctx, Coordinates{Application: app, Label: labelPlaceholder}, "k", "x")
		assert.ErrorIs(t, err, ErrInvalidKey)
		assert.Equal(t, xerrors.CodeValidation, xerrors.GetCode(err))
	})

	t.Run("changes are announced", func(t *testing.T) {
		other := "billing-" + testkit.NewID()
		_, err := s.Put(ctx, Coordinates{Application: other}, "rate", "1")
		require.NoError(t, err)
		waitChange(t, s.Changes(), other)
	})
}

func TestSQLStoreSQLite(t *testing.T) {
	conn := testkit.GetSQLiteConnector(t)
	s, err := New(&Config{Driver: DriverSQL}, WithSQLConnector(conn), WithLogger(testkit.NewLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	runWritableSuite(t, s)
}

func TestSQLStorePostgres(t *testing.T) {
	conn := testkit.GetPostgresConnector(t)
	s, err := New(&Config{Driver: DriverSQL}, WithSQLConnector(conn), WithLogger(testkit.NewLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	runWritableSuite(t, s)
}

func TestSQLStorePollsForeignWrites(t *testing.T) {
	conn := testkit.GetSQLiteConnector(t)
	writer, err := New(&Config{Driver: DriverSQL}, WithSQLConnector(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })

	reader, err := New(&Config{Driver: DriverSQL, SQL: SQLConfig{PollInterval: 20 * time.Millisecond}}, WithSQLConnector(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reader.Close() })

	// 等待 poll 游标初始化
	time.Sleep(50 * time.Millisecond)
	_, err = writer.Put(context.Background(), Coordinates{Application: "lab-service"}, "k", "v")
	require.NoError(t, err)
	waitChange(t, reader.Changes(), "lab-service")
}

func TestEtcdStore(t *testing.T) {
	conn := testkit.GetEtcdConnector(t)
	s, err := New(&Config{Driver: DriverEtcd, Etcd: EtcdConfig{Prefix: "/hms-test-" + testkit.NewID()}},
		WithEtcdConnector(conn), WithLogger(testkit.NewLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	runWritableSuite(t, s)
}

func TestWritableDriversRequireConnector(t *testing.T) {
	_, err := New(&Config{Driver: DriverSQL})
	assert.ErrorIs(t, err, ErrConnectorNil)
	_, err = New(&Config{Driver: DriverEtcd})
	assert.ErrorIs(t, err, ErrConnectorNil)
}
