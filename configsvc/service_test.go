package configsvc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/hms-plane/bus"
	"github.com/ceyewan/hms-plane/confstore"
	"github.com/ceyewan/hms-plane/testkit"
	"github.com/ceyewan/hms-plane/xerrors"
)

func writeRepoFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newFileService(t *testing.T) Service {
	t.Helper()
	root := t.TempDir()
	writeRepoFile(t, root, "application.yaml", "a: global\nb: global\nc: global\n")
	writeRepoFile(t, root, "patient-service.yaml", "b: app\nc: app\n")
	writeRepoFile(t, root, "patient-service-dev.yaml", "c: dev\n")
	writeRepoFile(t, root, "v2/patient-service-dev.yaml", "d: label\n")

	watch := false
	store, err := confstore.New(&confstore.Config{
		Driver: confstore.DriverFile,
		File:   confstore.FileConfig{Root: root, Watch: &watch},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc, err := New(store, &Config{}, WithLogger(testkit.NewLogger()), WithMeter(testkit.NewMeter()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func newSQLService(t *testing.T, opts ...Option) (Service, confstore.Store) {
	t.Helper()
	store, err := confstore.New(&confstore.Config{Driver: confstore.DriverSQL},
		confstore.WithSQLConnector(testkit.GetSQLiteConnector(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc, err := New(store, &Config{}, append([]Option{WithLogger(testkit.NewLogger())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, store
}

func sourceNames(s *Snapshot) []string {
	out := make([]string, 0, len(s.PropertySources))
	for _, src := range s.PropertySources {
		out = append(out, src.Name)
	}
	return out
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, &Config{})
	assert.ErrorIs(t, err, ErrStoreNil)

	_, err = New(nil, nil)
	assert.Error(t, err)

	store, err := confstore.New(&confstore.Config{Driver: confstore.DriverFile, File: confstore.FileConfig{Root: t.TempDir()}})
	require.NoError(t, err)
	defer store.Close()
	_, err = New(store, nil)
	assert.ErrorIs(t, err, ErrConfigNil)
	_, err = New(store, &Config{CacheTTL: -time.Second})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLayeredResolution(t *testing.T) {
	ctx := context.Background()
	svc := newFileService(t)

	snap, err := svc.GetSnapshot(ctx, "patient-service", "dev", "v2")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "global", "b": "app", "c": "dev", "d": "label"}, snap.Properties)
	assert.Equal(t, []string{
		"patient-service/dev/v2",
		"patient-service/dev",
		"patient-service/default",
		"application/default",
	}, sourceNames(snap))
	assert.Len(t, snap.ETag, 64)

	snap, err = svc.GetSnapshot(ctx, "patient-service", "", "")
	require.NoError(t, err)
	assert.Equal(t, "default", snap.Profile)
	assert.Equal(t, map[string]string{"a": "global", "b": "app", "c": "app"}, snap.Properties)
	v, ok := snap.Get("b")
	assert.True(t, ok)
	assert.Equal(t, "app", v)

	// 不存在的 profile 仍然合并应用层与全局层
	snap, err = svc.GetSnapshot(ctx, "patient-service", "prod", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"patient-service/default", "application/default"}, sourceNames(snap))
}

func TestUnknownApplication(t *testing.T) {
	svc := newFileService(t)
	_, err := svc.GetSnapshot(context.Background(), "billing-service", "dev", "")
	assert.ErrorIs(t, err, ErrApplicationNotFound)
	assert.Equal(t, xerrors.CodeNotFound, xerrors.GetCode(err))

	_, err = svc.GetSnapshot(context.Background(), "", "dev", "")
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestETagStableAcrossRefresh(t *testing.T) {
	ctx := context.Background()
	svc := newFileService(t)

	first, err := svc.GetSnapshot(ctx, "patient-service", "dev", "")
	require.NoError(t, err)
	second, err := svc.GetSnapshot(ctx, "patient-service", "dev", "")
	require.NoError(t, err)
	assert.Same(t, first, second, "second lookup is served from cache")

	gen, err := svc.Refresh(ctx, "patient-service")
	require.NoError(t, err)
	assert.EqualValues(t, 1, gen)

	third, err := svc.GetSnapshot(ctx, "patient-service", "dev", "")
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, first.ETag, third.ETag)
	assert.EqualValues(t, 1, third.Generation)
}

func TestRefreshInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	svc, store := newSQLService(t)
	c := confstore.Coordinates{Application: "lab-service"}

	_, err := store.Put(ctx, c, "timeout", "5s")
	require.NoError(t, err)
	before, err := svc.GetSnapshot(ctx, "lab-service", "", "")
	require.NoError(t, err)

	// 绕过服务直接写存储，Refresh 前仍命中缓存
	_, err = store.Put(ctx, c, "timeout", "9s")
	require.NoError(t, err)
	cached, err := svc.GetSnapshot(ctx, "lab-service", "", "")
	require.NoError(t, err)
	assert.Equal(t, before.ETag, cached.ETag)

	_, err = svc.Refresh(ctx, "lab-service")
	require.NoError(t, err)
	after, err := svc.GetSnapshot(ctx, "lab-service", "", "")
	require.NoError(t, err)
	assert.NotEqual(t, before.ETag, after.ETag)
	assert.Equal(t, "9s", after.Properties["timeout"])
}

func TestGlobalRefreshInvalidatesEveryApplication(t *testing.T) {
	ctx := context.Background()
	svc, store := newSQLService(t)

	_, err := store.Put(ctx, confstore.Coordinates{Application: "lab-service"}, "k", "v")
	require.NoError(t, err)
	before, err := svc.GetSnapshot(ctx, "lab-service", "", "")
	require.NoError(t, err)
	assert.NotContains(t, before.Properties, "region")

	_, err = store.Put(ctx, confstore.Coordinates{Application: GlobalApplication}, "region", "eu")
	require.NoError(t, err)
	_, err = svc.Refresh(ctx, GlobalApplication)
	require.NoError(t, err)

	after, err := svc.GetSnapshot(ctx, "lab-service", "", "")
	require.NoError(t, err)
	assert.Equal(t, "eu", after.Properties["region"])
	assert.EqualValues(t, 1, svc.Generation("lab-service"))
}

func TestWritesRefreshAutomatically(t *testing.T) {
	ctx := context.Background()
	svc, _ := newSQLService(t)
	c := confstore.Coordinates{Application: "hr-service", Profile: "dev"}

	e, err := svc.Put(ctx, c, "pool", "4")
	require.NoError(t, err)
	assert.EqualValues(t, 1, e.Version)
	snap, err := svc.GetSnapshot(ctx, "hr-service", "dev", "")
	require.NoError(t, err)
	assert.Equal(t, "4", snap.Properties["pool"])

	_, err = svc.Put(ctx, c, "pool", "8")
	require.NoError(t, err)
	snap, err = svc.GetSnapshot(ctx, "hr-service", "dev", "")
	require.NoError(t, err)
	assert.Equal(t, "8", snap.Properties["pool"])

	_, err = svc.Rollback(ctx, c, "pool", 1)
	require.NoError(t, err)
	snap, err = svc.GetSnapshot(ctx, "hr-service", "dev", "")
	require.NoError(t, err)
	assert.Equal(t, "4", snap.Properties["pool"])

	hist, err := svc.History(ctx, c, "pool")
	require.NoError(t, err)
	assert.Len(t, hist, 3)

	require.NoError(t, svc.Delete(ctx, c, "pool"))
	_, err = svc.GetSnapshot(ctx, "hr-service", "dev", "")
	assert.ErrorIs(t, err, ErrApplicationNotFound, "no current entries left")
}

func TestWaitForChange(t *testing.T) {
	ctx := context.Background()
	svc, _ := newSQLService(t)
	c := confstore.Coordinates{Application: "lab-service"}
	_, err := svc.Put(ctx, c, "k", "v1")
	require.NoError(t, err)
	snap, err := svc.GetSnapshot(ctx, "lab-service", "", "")
	require.NoError(t, err)

	// 过期的 ETag 立即返回
	got, err := svc.WaitForChange(ctx, "lab-service", "", "", "stale", time.Second)
	require.NoError(t, err)
	assert.Equal(t, snap.ETag, got.ETag)

	start := time.Now()
	got, err = svc.WaitForChange(ctx, "lab-service", "", "", snap.ETag, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = svc.Put(context.Background(), c, "k", "v2")
	}()
	got, err = svc.WaitForChange(ctx, "lab-service", "", "", snap.ETag, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v2", got.Properties["k"])
}

func TestWaitForChangeReleasedOnCancel(t *testing.T) {
	svc := newFileService(t)
	snap, err := svc.GetSnapshot(context.Background(), "patient-service", "", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	_, err = svc.WaitForChange(ctx, "patient-service", "", "", snap.ETag, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)

	done := make(chan error, 1)
	go func() {
		_, err := svc.WaitForChange(context.Background(), "patient-service", "", "", snap.ETag, 10*time.Second)
		done <- err
	}()
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, svc.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not released by Close")
	}
}

func TestStoreChangesTriggerRefresh(t *testing.T) {
	ctx := context.Background()
	svc, store := newSQLService(t)
	c := confstore.Coordinates{Application: "lab-service"}
	_, err := store.Put(ctx, c, "k", "v1")
	require.NoError(t, err)
	_, err = svc.GetSnapshot(ctx, "lab-service", "", "")
	require.NoError(t, err)

	require.NoError(t, svc.Start(ctx))
	_, err = store.Put(ctx, c, "k", "v2")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		snap, err := svc.GetSnapshot(ctx, "lab-service", "", "")
		return err == nil && snap.Properties["k"] == "v2"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRefreshPublishedOnBus(t *testing.T) {
	ctx := context.Background()
	b, err := bus.New(&bus.Config{Driver: bus.DriverMemory})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	events := make(chan *ChangeEvent, 8)
	_, err = b.Subscribe(ctx, RefreshSubject, func(_ context.Context, msg bus.Message) error {
		ev, err := DecodeChangeEvent(msg.Data())
		if err == nil {
			events <- ev
		}
		return err
	})
	require.NoError(t, err)

	svc, _ := newSQLService(t, WithBus(b))
	gen, err := svc.Refresh(ctx, "patient-service")
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "patient-service", ev.Application)
		assert.Equal(t, gen, ev.Generation)
		assert.NotEmpty(t, ev.ID)
		assert.True(t, ev.Affects("patient-service"))
		assert.False(t, ev.Affects("hr-service"))
	case <-time.After(5 * time.Second):
		t.Fatal("no change event")
	}
}

func TestPeerRefreshInvalidatesLocalCache(t *testing.T) {
	ctx := context.Background()
	b, err := bus.New(&bus.Config{Driver: bus.DriverMemory})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	store, err := confstore.New(&confstore.Config{Driver: confstore.DriverSQL},
		confstore.WithSQLConnector(testkit.GetSQLiteConnector(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	peerA, err := New(store, &Config{}, WithBus(b))
	require.NoError(t, err)
	t.Cleanup(func() { _ = peerA.Close() })
	peerB, err := New(store, &Config{}, WithBus(b))
	require.NoError(t, err)
	t.Cleanup(func() { _ = peerB.Close() })
	require.NoError(t, peerB.Start(ctx))

	c := confstore.Coordinates{Application: "lab-service"}
	_, err = store.Put(ctx, c, "k", "v1")
	require.NoError(t, err)
	_, err = peerB.GetSnapshot(ctx, "lab-service", "", "")
	require.NoError(t, err)

	_, err = peerA.Put(ctx, c, "k", "v2")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		snap, err := peerB.GetSnapshot(ctx, "lab-service", "", "")
		return err == nil && snap.Properties["k"] == "v2"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestChangeEventCodec(t *testing.T) {
	in := &ChangeEvent{ID: "e1", Application: "application", Generation: 7, Origin: "o", At: time.Unix(100, 0).UTC()}
	data, err := EncodeChangeEvent(in)
	require.NoError(t, err)
	out, err := DecodeChangeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, in.Application, out.Application)
	assert.Equal(t, in.Generation, out.Generation)
	assert.True(t, out.Affects("any-service"))

	_, err = DecodeChangeEvent([]byte{0xc1})
	assert.Error(t, err)
}
