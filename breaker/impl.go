package breaker

import (
	"context"
	"sync"

	"github.com/sony/gobreaker/v2"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/metrics"
	"github.com/ceyewan/hms-plane/xerrors"
)

const (
	MetricRejectsTotal = "breaker_rejects_total"
	MetricStateChanges = "breaker_state_changes_total"
)

type entry struct {
	cfg Config
	cb  *gobreaker.TwoStepCircuitBreaker[struct{}]
}

type circuitBreaker struct {
	def      Config
	logger   clog.Logger
	fallback FallbackFunc

	rejects      metrics.Counter
	stateChanges metrics.Counter

	mu        sync.RWMutex
	overrides map[string]Config
	breakers  map[string]*entry
}

func newBreaker(def Config, o options) *circuitBreaker {
	b := &circuitBreaker{
		def:       def,
		logger:    o.logger,
		fallback:  o.fallback,
		overrides: make(map[string]Config),
		breakers:  make(map[string]*entry),
	}
	b.rejects, _ = o.meter.Counter(MetricRejectsTotal, "Requests rejected by an open circuit")
	b.stateChanges, _ = o.meter.Counter(MetricStateChanges, "Circuit breaker state transitions")
	if b.rejects == nil || b.stateChanges == nil {
		noop, _ := metrics.Discard().Counter("", "")
		b.rejects, b.stateChanges = noop, noop
	}
	return b
}

func (b *circuitBreaker) Execute(ctx context.Context, key string, fn func() (any, error)) (any, error) {
	done, err := b.Allow(ctx, key)
	if err != nil {
		if xerrors.Is(err, ErrOpenState) && b.fallback != nil {
			return nil, b.fallback(ctx, key, err)
		}
		return nil, err
	}
	v, err := fn()
	done(err)
	return v, err
}

func (b *circuitBreaker) Allow(ctx context.Context, key string) (func(err error), error) {
	if key == "" {
		return nil, ErrKeyEmpty
	}
	e := b.get(key)
	done, err := e.cb.Allow()
	if err != nil {
		// ErrOpenState 与 ErrTooManyRequests 对调用方一视同仁
		b.rejects.Inc(ctx, metrics.L(metrics.LabelService, key))
		return nil, xerrors.Wrapf(ErrOpenState, "%s", key)
	}
	return done, nil
}

func (b *circuitBreaker) State(key string) State {
	b.mu.RLock()
	e, ok := b.breakers[key]
	b.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return fromGoBreaker(e.cb.State())
}

func (b *circuitBreaker) Configure(key string, cfg Config) {
	cfg.SetDefaults()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.overrides[key] = cfg
	if e, ok := b.breakers[key]; ok && e.cfg != cfg {
		delete(b.breakers, key)
	}
}

func (b *circuitBreaker) get(key string) *entry {
	b.mu.RLock()
	e, ok := b.breakers[key]
	b.mu.RUnlock()
	if ok {
		return e
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.breakers[key]; ok {
		return e
	}
	cfg, ok := b.overrides[key]
	if !ok {
		cfg = b.def
	}
	e = &entry{cfg: cfg, cb: gobreaker.NewTwoStepCircuitBreaker[struct{}](b.settings(key, cfg))}
	b.breakers[key] = e
	return e
}

func (b *circuitBreaker) settings(key string, cfg Config) gobreaker.Settings {
	threshold := cfg.FailureThreshold
	return gobreaker.Settings{
		Name:        key,
		MaxRequests: cfg.HalfOpenRequests,
		Interval:    cfg.Window,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsExcluded: func(err error) bool {
			return xerrors.Is(err, context.Canceled)
		},
		OnStateChange: b.onStateChange,
	}
}

func (b *circuitBreaker) onStateChange(name string, from, to gobreaker.State) {
	b.logger.Warn("circuit breaker state changed",
		clog.String("key", name),
		clog.String("from", fromGoBreaker(from).String()),
		clog.String("to", fromGoBreaker(to).String()))
	b.stateChanges.Inc(context.Background(),
		metrics.L(metrics.LabelService, name),
		metrics.L("to_state", fromGoBreaker(to).String()))
}

func fromGoBreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}
