package breaker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/hms-plane/xerrors"
)

var errDownstream = errors.New("connection refused")

func newTestBreaker(t *testing.T, cfg *Config, opts ...Option) Breaker {
	t.Helper()
	brk, err := New(cfg, opts...)
	require.NoError(t, err)
	return brk
}

func TestNewNilConfig(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrConfigNil)
}

func TestDefaults(t *testing.T) {
	cfg := Config{}
	cfg.SetDefaults()
	assert.Equal(t, uint32(5), cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Cooldown)
	assert.Equal(t, 60*time.Second, cfg.Window)
	assert.Equal(t, uint32(1), cfg.HalfOpenRequests)
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	brk := newTestBreaker(t, &Config{FailureThreshold: 3, Cooldown: time.Hour})
	ctx := context.Background()

	var calls atomic.Int32
	fail := func() (any, error) {
		calls.Add(1)
		return nil, errDownstream
	}

	for i := 0; i < 3; i++ {
		_, err := brk.Execute(ctx, "patient-service", fail)
		assert.ErrorIs(t, err, errDownstream)
	}
	assert.Equal(t, StateOpen, brk.State("patient-service"))

	// 打开后不再调用 fn
	_, err := brk.Execute(ctx, "patient-service", fail)
	assert.ErrorIs(t, err, ErrOpenState)
	assert.Equal(t, xerrors.CodeCircuitOpen, xerrors.Code(err))
	assert.Equal(t, int32(3), calls.Load())

	// 其它 key 不受影响
	assert.Equal(t, StateClosed, brk.State("auth-service"))
	_, err = brk.Execute(ctx, "auth-service", func() (any, error) { return "ok", nil })
	assert.NoError(t, err)
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	brk := newTestBreaker(t, &Config{FailureThreshold: 2, Cooldown: time.Hour})
	ctx := context.Background()
	ok := func() (any, error) { return nil, nil }
	fail := func() (any, error) { return nil, errDownstream }

	_, _ = brk.Execute(ctx, "svc", fail)
	_, _ = brk.Execute(ctx, "svc", ok)
	_, _ = brk.Execute(ctx, "svc", fail)
	assert.Equal(t, StateClosed, brk.State("svc"))
}

func TestHalfOpenSingleProbe(t *testing.T) {
	brk := newTestBreaker(t, &Config{FailureThreshold: 1, Cooldown: 50 * time.Millisecond})
	ctx := context.Background()

	done, err := brk.Allow(ctx, "svc")
	require.NoError(t, err)
	done(errDownstream)
	assert.Equal(t, StateOpen, brk.State("svc"))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, brk.State("svc"))

	probe, err := brk.Allow(ctx, "svc")
	require.NoError(t, err)

	// 探测进行中，第二个请求被拒绝
	_, err = brk.Allow(ctx, "svc")
	assert.ErrorIs(t, err, ErrOpenState)

	probe(nil)
	assert.Equal(t, StateClosed, brk.State("svc"))
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	brk := newTestBreaker(t, &Config{FailureThreshold: 1, Cooldown: 50 * time.Millisecond})
	ctx := context.Background()

	done, _ := brk.Allow(ctx, "svc")
	done(errDownstream)
	time.Sleep(80 * time.Millisecond)

	probe, err := brk.Allow(ctx, "svc")
	require.NoError(t, err)
	probe(errDownstream)
	assert.Equal(t, StateOpen, brk.State("svc"))
}

func TestCanceledRequestsAreExcluded(t *testing.T) {
	brk := newTestBreaker(t, &Config{FailureThreshold: 1, Cooldown: time.Hour})
	done, err := brk.Allow(context.Background(), "svc")
	require.NoError(t, err)
	done(xerrors.Wrap(context.Canceled, "client went away"))
	assert.Equal(t, StateClosed, brk.State("svc"))
}

func TestConfigureOverridesPerKey(t *testing.T) {
	brk := newTestBreaker(t, &Config{FailureThreshold: 10, Cooldown: time.Hour})
	brk.Configure("fragile", Config{FailureThreshold: 1, Cooldown: time.Hour})
	ctx := context.Background()

	_, _ = brk.Execute(ctx, "fragile", func() (any, error) { return nil, errDownstream })
	_, _ = brk.Execute(ctx, "sturdy", func() (any, error) { return nil, errDownstream })

	assert.Equal(t, StateOpen, brk.State("fragile"))
	assert.Equal(t, StateClosed, brk.State("sturdy"))

	// 配置变化后熔断器重建
	brk.Configure("fragile", Config{FailureThreshold: 2, Cooldown: time.Hour})
	assert.Equal(t, StateClosed, brk.State("fragile"))
}

func TestFallback(t *testing.T) {
	var fellBack string
	brk := newTestBreaker(t, &Config{FailureThreshold: 1, Cooldown: time.Hour},
		WithFallback(func(_ context.Context, key string, err error) error {
			fellBack = key
			return nil
		}))
	ctx := context.Background()
	_, _ = brk.Execute(ctx, "svc", func() (any, error) { return nil, errDownstream })

	v, err := brk.Execute(ctx, "svc", func() (any, error) { return "unreachable", nil })
	assert.NoError(t, err)
	assert.Nil(t, v)
	assert.Equal(t, "svc", fellBack)
}

func TestEmptyKey(t *testing.T) {
	brk := newTestBreaker(t, &Config{})
	_, err := brk.Allow(context.Background(), "")
	assert.ErrorIs(t, err, ErrKeyEmpty)
}
