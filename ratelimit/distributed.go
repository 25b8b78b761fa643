package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/connector"
	"github.com/ceyewan/hms-plane/metrics"
	"github.com/ceyewan/hms-plane/xerrors"
)

// tokenBucketScript 以"下一次可放行时间戳"表示桶状态 (GCRA)。
// KEYS[1] 桶 key；ARGV: rate, burst, now(秒，浮点), requested。
// 返回 {allowed(0|1), remaining}。
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local interval = 1 / rate
local fill_time = burst * interval

local tat = tonumber(redis.call("GET", KEYS[1]))
if tat == nil then
  tat = now
end
tat = math.max(tat, now)

local new_tat = tat + requested * interval
local allow_at_most = now + fill_time

if new_tat <= allow_at_most then
  redis.call("SET", KEYS[1], new_tat, "EX", math.ceil(fill_time * 2))
  return {1, math.floor((allow_at_most - new_tat) / interval)}
end
return {0, math.floor((allow_at_most - tat) / interval)}
`

type distributedLimiter struct {
	conn    connector.RedisConnector
	prefix  string
	logger  clog.Logger
	script  *redis.Script
	allowed metrics.Counter
	denied  metrics.Counter
	errors  metrics.Counter
}

func newDistributed(cfg *DistributedConfig, conn connector.RedisConnector, logger clog.Logger, meter metrics.Meter) (Limiter, error) {
	cfg.setDefaults()

	l := &distributedLimiter{
		conn:   conn,
		prefix: cfg.Prefix,
		logger: logger,
		script: redis.NewScript(tokenBucketScript),
	}
	l.allowed, _ = meter.Counter(MetricAllowed, "Number of allowed requests")
	l.denied, _ = meter.Counter(MetricDenied, "Number of denied requests")
	l.errors, _ = meter.Counter(MetricErrors, "Number of limiter errors")

	logger.Info("distributed rate limiter created", clog.String("prefix", cfg.Prefix))
	return l, nil
}

func (l *distributedLimiter) Allow(ctx context.Context, key string, limit Limit) (bool, error) {
	return l.AllowN(ctx, key, limit, 1)
}

func (l *distributedLimiter) AllowN(ctx context.Context, key string, limit Limit, n int) (bool, error) {
	if key == "" {
		return false, ErrKeyEmpty
	}
	if !limit.Valid() || n <= 0 {
		return false, ErrInvalidLimit
	}
	client := l.conn.GetClient()
	if client == nil {
		return false, connector.ErrClientNil
	}

	now := float64(time.Now().UnixNano()) / 1e9
	res, err := l.script.Run(ctx, client, []string{l.prefix + key}, limit.Rate, limit.Burst, now, n).Int64Slice()
	if err != nil {
		l.inc(ctx, l.errors)
		l.logger.Error("token bucket script failed", clog.String("key", key), clog.Error(err))
		return false, xerrors.Wrap(err, "ratelimit: run token bucket script")
	}
	if len(res) != 2 {
		l.inc(ctx, l.errors)
		return false, xerrors.Wrapf(xerrors.ErrInternal, "ratelimit: unexpected script result %v", res)
	}

	ok := res[0] == 1
	if ok {
		l.inc(ctx, l.allowed)
	} else {
		l.inc(ctx, l.denied)
	}
	logCheck(l.logger, string(DriverDistributed), key, limit, n, ok)
	return ok, nil
}

// Wait 分布式模式下无法精确挂起等待，不支持
func (l *distributedLimiter) Wait(context.Context, string, Limit) error {
	return ErrNotSupported
}

// Close 连接由 Connector 持有，这里无需释放
func (l *distributedLimiter) Close() error {
	return nil
}

func (l *distributedLimiter) inc(ctx context.Context, c metrics.Counter) {
	if c != nil {
		c.Inc(ctx, metrics.L(LabelMode, string(DriverDistributed)))
	}
}
