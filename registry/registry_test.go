package registry

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/hms-plane/testkit"
	"github.com/ceyewan/hms-plane/xerrors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, cfg *Config) (*memoryRegistry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	if cfg == nil {
		cfg = &Config{}
	}
	r, err := New(cfg, WithClock(clock.Now), WithLogger(testkit.NewLogger()), WithMeter(testkit.NewMeter()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r.(*memoryRegistry), clock
}

func inst(svc, id, addr string) *ServiceInstance {
	return &ServiceInstance{ServiceName: svc, InstanceID: id, Address: addr}
}

func ids(list []*ServiceInstance) []string {
	out := make([]string, 0, len(list))
	for _, in := range list {
		out = append(out, in.InstanceID)
	}
	return out
}

func TestNewConfig(t *testing.T) {
	r, err := New(nil)
	require.NoError(t, err)
	defer r.Close()
	assert.NotEmpty(t, r.Epoch())
	assert.Zero(t, r.Version())

	_, err = New(&Config{LeaseTimeout: -time.Second})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg := &Config{LeaseTimeout: 9 * time.Second}
	cfg.setDefaults()
	assert.Equal(t, 9*time.Second, cfg.EvictionGrace)
	assert.Equal(t, 1024, cfg.JournalSize)
}

func TestRegisterValidation(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		in   *ServiceInstance
	}{
		{"nil", nil},
		{"empty service", inst("", "i1", "10.0.0.1:8080")},
		{"empty address", inst("auth-service", "i1", "")},
		{"address without port", inst("auth-service", "i1", "10.0.0.1")},
		{"address without host", inst("auth-service", "i1", ":8080")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(ctx, tt.in)
			assert.ErrorIs(t, err, ErrInvalidInstance)
			assert.Equal(t, xerrors.CodeValidation, xerrors.Code(err))
		})
	}
	assert.Zero(t, r.Version())
}

func TestRegisterRenewLifecycle(t *testing.T) {
	r, clock := newTestRegistry(t, &Config{LeaseTimeout: 30 * time.Second})
	ctx := context.Background()

	lease, err := r.Register(ctx, inst("auth-service", "i1", "10.0.0.1:8080"))
	require.NoError(t, err)
	assert.NotEmpty(t, lease)
	assert.Equal(t, uint64(1), r.Version())

	snap := r.Snapshot()
	require.Len(t, snap.Services["auth-service"], 1)
	assert.Equal(t, StatusStarting, snap.Services["auth-service"][0].Status)

	got, err := r.Resolve(ctx, "auth-service")
	require.NoError(t, err)
	assert.Empty(t, got, "STARTING instances are not resolvable")

	clock.Advance(10 * time.Second)
	require.NoError(t, r.Renew(ctx, "auth-service", "i1"))
	assert.Equal(t, uint64(2), r.Version())

	got, err = r.Resolve(ctx, "auth-service")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, StatusUp, got[0].Status)
	assert.Equal(t, clock.Now(), got[0].LastHeartbeat)
	assert.Equal(t, lease, got[0].LeaseID)

	// 纯心跳不改变版本
	clock.Advance(10 * time.Second)
	require.NoError(t, r.Renew(ctx, "auth-service", "i1"))
	assert.Equal(t, uint64(2), r.Version())

	// 返回的是副本
	got[0].Metadata = map[string]string{"x": "y"}
	again, _ := r.Resolve(ctx, "auth-service")
	assert.Nil(t, again[0].Metadata)
}

func TestInstanceIDDefaultsToAddress(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	_, err := r.Register(ctx, inst("patient-service", "", "10.0.0.2:9000"))
	require.NoError(t, err)
	require.NoError(t, r.Renew(ctx, "patient-service", "10.0.0.2:9000"))
}

func TestReRegisterReplaces(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		_, err := r.Register(ctx, inst("svc", id, "10.0.0.1:80"))
		require.NoError(t, err)
		require.NoError(t, r.Renew(ctx, "svc", id))
	}

	first, _ := r.Register(ctx, inst("svc", "b", "10.0.0.9:80"))
	second, err := r.Register(ctx, inst("svc", "b", "10.0.0.9:81"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	snap := r.Snapshot()
	require.Len(t, snap.Services["svc"], 3, "(service, id) stays unique")
	assert.Equal(t, []string{"b", "a", "c"}, ids(snap.Services["svc"]), "registration order is kept on replace")
	assert.Equal(t, "10.0.0.9:81", snap.Services["svc"][0].Address)
	assert.Equal(t, StatusStarting, snap.Services["svc"][0].Status)

	require.NoError(t, r.Renew(ctx, "svc", "b"))
	got, _ := r.Resolve(ctx, "svc")
	assert.Equal(t, []string{"b", "a", "c"}, ids(got))
}

func TestRenewErrors(t *testing.T) {
	r, clock := newTestRegistry(t, &Config{LeaseTimeout: 30 * time.Second})
	ctx := context.Background()

	err := r.Renew(ctx, "ghost", "x")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, xerrors.CodeNotFound, xerrors.Code(err))

	_, err = r.Register(ctx, inst("auth-service", "i1", "10.0.0.1:8080"))
	require.NoError(t, err)
	require.NoError(t, r.Renew(ctx, "auth-service", "i1"))
	v := r.Version()

	clock.Advance(31 * time.Second)
	err = r.Renew(ctx, "auth-service", "i1")
	assert.ErrorIs(t, err, ErrLeaseExpired)
	assert.Equal(t, xerrors.CodeLeaseExpired, xerrors.Code(err))
	assert.Equal(t, 404, xerrors.HTTPStatus(err))
	assert.Equal(t, v+1, r.Version())

	// 旧记录已丢弃，下一次续约视为未注册
	assert.ErrorIs(t, r.Renew(ctx, "auth-service", "i1"), ErrNotFound)

	_, err = r.Register(ctx, inst("auth-service", "i1", "10.0.0.1:8080"))
	require.NoError(t, err)
	assert.NoError(t, r.Renew(ctx, "auth-service", "i1"))
}

func TestResolveDropsExpiredWithoutSweep(t *testing.T) {
	r, clock := newTestRegistry(t, &Config{LeaseTimeout: 30 * time.Second})
	ctx := context.Background()

	_, err := r.Register(ctx, inst("auth-service", "i1", "10.0.0.1:8080"))
	require.NoError(t, err)
	require.NoError(t, r.Renew(ctx, "auth-service", "i1"))

	clock.Advance(30 * time.Second)
	got, _ := r.Resolve(ctx, "auth-service")
	assert.Len(t, got, 1, "age equal to lease timeout is still alive")

	clock.Advance(time.Millisecond)
	got, err = r.Resolve(ctx, "auth-service")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	got, err = r.Resolve(ctx, "unknown-service")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	_, err = r.Resolve(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidInstance)
}

func TestDeregisterIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	_, err := r.Register(ctx, inst("svc", "i1", "10.0.0.1:80"))
	require.NoError(t, err)
	require.NoError(t, r.Deregister(ctx, "svc", "i1"))
	v := r.Version()
	require.NoError(t, r.Deregister(ctx, "svc", "i1"))
	assert.Equal(t, v, r.Version(), "no-op deregistration does not bump the version")
	assert.Empty(t, r.Snapshot().Services)
}

func TestSetStatus(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	_, err := r.Register(ctx, inst("svc", "i1", "10.0.0.1:80"))
	require.NoError(t, err)
	require.NoError(t, r.Renew(ctx, "svc", "i1"))

	assert.ErrorIs(t, r.SetStatus(ctx, "svc", "i1", StatusDown), ErrInvalidStatus)
	assert.ErrorIs(t, r.SetStatus(ctx, "svc", "nope", StatusUp), ErrNotFound)

	require.NoError(t, r.SetStatus(ctx, "svc", "i1", StatusOutOfService))
	got, _ := r.Resolve(ctx, "svc")
	assert.Empty(t, got)

	// 续约与重新注册都不覆盖运维状态
	require.NoError(t, r.Renew(ctx, "svc", "i1"))
	_, err = r.Register(ctx, inst("svc", "i1", "10.0.0.1:80"))
	require.NoError(t, err)
	require.NoError(t, r.Renew(ctx, "svc", "i1"))
	assert.Equal(t, StatusOutOfService, r.Snapshot().Services["svc"][0].Status)

	v := r.Version()
	require.NoError(t, r.SetStatus(ctx, "svc", "i1", StatusOutOfService))
	assert.Equal(t, v, r.Version())

	require.NoError(t, r.SetStatus(ctx, "svc", "i1", StatusUp))
	got, _ = r.Resolve(ctx, "svc")
	assert.Len(t, got, 1)
}

func TestSweepTwoPhase(t *testing.T) {
	r, clock := newTestRegistry(t, &Config{LeaseTimeout: 10 * time.Second, EvictionGrace: 5 * time.Second})
	ctx := context.Background()

	for _, id := range []string{"i1", "i2"} {
		_, err := r.Register(ctx, inst("svc", id, "10.0.0.1:80"))
		require.NoError(t, err)
		require.NoError(t, r.Renew(ctx, "svc", id))
	}

	clock.Advance(8 * time.Second)
	require.NoError(t, r.Renew(ctx, "svc", "i2"))
	assert.Zero(t, r.sweep(ctx))

	clock.Advance(3 * time.Second) // i1 心跳已 11s
	assert.Equal(t, 1, r.sweep(ctx))
	snap := r.Snapshot()
	require.Len(t, snap.Services["svc"], 2)
	assert.Equal(t, StatusDown, snap.Services["svc"][0].Status)
	assert.Equal(t, clock.Now(), snap.Services["svc"][0].DownSince)

	clock.Advance(4 * time.Second)
	require.NoError(t, r.Renew(ctx, "svc", "i2"))
	assert.Zero(t, r.sweep(ctx), "still inside the grace window")

	clock.Advance(time.Second)
	assert.Equal(t, 1, r.sweep(ctx))
	assert.Equal(t, []string{"i2"}, ids(r.Snapshot().Services["svc"]))

	// 被标记 DOWN 的实例续约会失败并要求重新注册
	_, err := r.Register(ctx, inst("svc", "i3", "10.0.0.3:80"))
	require.NoError(t, err)
	clock.Advance(11 * time.Second)
	r.sweep(ctx)
	assert.ErrorIs(t, r.Renew(ctx, "svc", "i3"), ErrLeaseExpired)
}

func TestAbsentWithinLeasePlusSweep(t *testing.T) {
	lease, interval := 60*time.Millisecond, 10*time.Millisecond
	r, err := New(&Config{LeaseTimeout: lease, SweepInterval: interval, EvictionGrace: interval})
	require.NoError(t, err)
	defer r.Close()
	r.Start(context.Background())
	ctx := context.Background()

	_, err = r.Register(ctx, inst("auth-service", "i1", "10.0.0.1:8080"))
	require.NoError(t, err)
	require.NoError(t, r.Renew(ctx, "auth-service", "i1"))

	assert.Eventually(t, func() bool {
		got, _ := r.Resolve(ctx, "auth-service")
		return len(got) == 0
	}, lease+5*interval, 5*time.Millisecond)

	// 后台扫描最终移除记录
	assert.Eventually(t, func() bool {
		return len(r.Snapshot().Services) == 0
	}, time.Second, 10*time.Millisecond)
}

// 随机操作序列与简单模型比对：Resolve 恰好是 UP 且租约有效的实例
func TestResolveMatchesModel(t *testing.T) {
	type state struct {
		status Status
		hb     time.Time
		seq    int
	}
	lease := 10 * time.Second
	r, clock := newTestRegistry(t, &Config{LeaseTimeout: lease})
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	model := map[string]*state{}
	seq := 0

	for step := 0; step < 2000; step++ {
		id := fmt.Sprintf("i%d", rng.Intn(6))
		switch rng.Intn(4) {
		case 0:
			_, err := r.Register(ctx, inst("svc", id, "10.0.0.1:80"))
			require.NoError(t, err)
			if s, ok := model[id]; ok {
				s.status, s.hb = StatusStarting, clock.Now()
			} else {
				seq++
				model[id] = &state{status: StatusStarting, hb: clock.Now(), seq: seq}
			}
		case 1, 2:
			err := r.Renew(ctx, "svc", id)
			s, ok := model[id]
			switch {
			case !ok:
				assert.ErrorIs(t, err, ErrNotFound)
			case clock.Now().Sub(s.hb) > lease:
				assert.ErrorIs(t, err, ErrLeaseExpired)
				delete(model, id)
			default:
				require.NoError(t, err)
				s.hb = clock.Now()
				s.status = StatusUp
			}
		case 3:
			require.NoError(t, r.Deregister(ctx, "svc", id))
			delete(model, id)
		}
		clock.Advance(time.Duration(rng.Intn(4000)) * time.Millisecond)

		var want []string
		best := map[string]int{}
		for k, s := range model {
			if s.status == StatusUp && clock.Now().Sub(s.hb) <= lease {
				want = append(want, k)
				best[k] = s.seq
			}
		}
		got, err := r.Resolve(ctx, "svc")
		require.NoError(t, err)
		assert.ElementsMatch(t, want, ids(got), "step %d", step)
		for i := 1; i < len(got); i++ {
			assert.Less(t, best[got[i-1].InstanceID], best[got[i].InstanceID], "registration order")
		}
	}
}

func TestWatch(t *testing.T) {
	r, _ := newTestRegistry(t, &Config{})
	ctx := context.Background()

	// 首次请求 (无 epoch) 即使注册表为空也返回完整快照
	res, err := r.Watch(ctx, 0, "", time.Second)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.True(t, res.Full)
	assert.Equal(t, r.Epoch(), res.Epoch)
	assert.Equal(t, uint64(0), res.Version)

	// 已同步到空注册表的客户端要等待，不能立即拿到又一个快照
	start := time.Now()
	res, err = r.Watch(ctx, 0, r.Epoch(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	_, err = r.Register(ctx, inst("svc", "i1", "10.0.0.1:80"))
	require.NoError(t, err)
	require.NoError(t, r.Renew(ctx, "svc", "i1"))

	t.Run("diff since version", func(t *testing.T) {
		res, err := r.Watch(ctx, 1, r.Epoch(), time.Second)
		require.NoError(t, err)
		assert.True(t, res.Changed)
		assert.False(t, res.Full)
		assert.Equal(t, uint64(2), res.Version)
		require.Len(t, res.Events, 1)
		assert.Equal(t, EventModified, res.Events[0].Type)
		assert.Equal(t, StatusUp, res.Events[0].Instance.Status)
	})

	t.Run("no change returns immediately without timeout", func(t *testing.T) {
		res, err := r.Watch(ctx, r.Version(), r.Epoch(), 0)
		require.NoError(t, err)
		assert.False(t, res.Changed)
		assert.Equal(t, r.Version(), res.Version)
	})

	t.Run("times out without change", func(t *testing.T) {
		start := time.Now()
		res, err := r.Watch(ctx, r.Version(), r.Epoch(), 30*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, res.Changed)
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	})

	t.Run("wakes on change", func(t *testing.T) {
		since := r.Version()
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = r.Deregister(context.Background(), "svc", "i1")
		}()
		res, err := r.Watch(ctx, since, r.Epoch(), 5*time.Second)
		require.NoError(t, err)
		assert.True(t, res.Changed)
		assert.GreaterOrEqual(t, res.Version, since)
		require.Len(t, res.Events, 1)
		assert.Equal(t, EventDeleted, res.Events[0].Type)
	})

	t.Run("foreign epoch gets full snapshot", func(t *testing.T) {
		res, err := r.Watch(ctx, r.Version(), "some-other-epoch", time.Second)
		require.NoError(t, err)
		assert.True(t, res.Full)
	})

	t.Run("future version gets full snapshot", func(t *testing.T) {
		res, err := r.Watch(ctx, r.Version()+100, r.Epoch(), time.Second)
		require.NoError(t, err)
		assert.True(t, res.Full)
		assert.Equal(t, r.Version(), res.Version)
	})

	t.Run("client disconnect releases waiter", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		_, err := r.Watch(cctx, r.Version(), r.Epoch(), 5*time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestWatchJournalOverflow(t *testing.T) {
	r, _ := newTestRegistry(t, &Config{JournalSize: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := r.Register(ctx, inst("svc", fmt.Sprintf("i%d", i), "10.0.0.1:80"))
		require.NoError(t, err)
	}

	res, err := r.Watch(ctx, 1, r.Epoch(), time.Second)
	require.NoError(t, err)
	assert.True(t, res.Full, "events 2..3 fell out of the journal")
	assert.Len(t, res.Services["svc"], 5)

	res, err = r.Watch(ctx, 3, r.Epoch(), time.Second)
	require.NoError(t, err)
	assert.False(t, res.Full)
	require.Len(t, res.Events, 2)
	assert.Equal(t, uint64(4), res.Events[0].Version)
	assert.Equal(t, uint64(5), res.Events[1].Version)
}

func TestCloseWakesWatchers(t *testing.T) {
	r, err := New(&Config{})
	require.NoError(t, err)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := r.Watch(ctx, r.Version(), r.Epoch(), 10*time.Second)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("watcher not released")
	}

	_, err = r.Register(ctx, inst("svc", "i1", "10.0.0.1:80"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, r.Close())
}

func TestConcurrentAccess(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("i%d", (w*7+i)%10)
				switch i % 4 {
				case 0:
					_, _ = r.Register(ctx, inst("svc", id, "10.0.0.1:80"))
				case 1:
					_ = r.Renew(ctx, "svc", id)
				case 2:
					_, _ = r.Resolve(ctx, "svc")
				case 3:
					_ = r.Snapshot()
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		since := uint64(0)
		for i := 0; i < 50; i++ {
			res, err := r.Watch(ctx, since, r.Epoch(), 5*time.Millisecond)
			if err != nil {
				return
			}
			assert.GreaterOrEqual(t, res.Version, since)
			since = res.Version
		}
	}()
	wg.Wait()

	snap := r.Snapshot()
	seen := map[string]bool{}
	for _, in := range snap.Services["svc"] {
		assert.False(t, seen[in.InstanceID], "duplicate instance %s", in.InstanceID)
		seen[in.InstanceID] = true
	}
}
