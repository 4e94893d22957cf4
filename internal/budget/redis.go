package budget

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "ModuleCouncil/internal/errors"
	redisstore "ModuleCouncil/internal/storage/redis"
)

// RedisLedger 使用 Redis 计数器在多个进程之间共享花费与占用。
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	table  Table
	opts   options
}

var _ Ledger = (*RedisLedger)(nil)

const counterTTL = 48 * time.Hour

// NewRedisLedger 创建 RedisLedger。
func NewRedisLedger(client redis.UniversalClient, prefix string, table Table, opts ...Option) *RedisLedger {
	if prefix == "" {
		prefix = "council:budget:"
	}
	return &RedisLedger{client: client, prefix: prefix, table: table, opts: buildOptions(opts)}
}

// KEYS: run, daily, run_held, daily_held  ARGV: estimate, per_run, daily, ttl_seconds
var reserveScript = redis.NewScript(`
local run = tonumber(redis.call('GET', KEYS[1]) or '0') + tonumber(redis.call('GET', KEYS[3]) or '0')
local day = tonumber(redis.call('GET', KEYS[2]) or '0') + tonumber(redis.call('GET', KEYS[4]) or '0')
local est = tonumber(ARGV[1])
if tonumber(ARGV[2]) > 0 and run + est > tonumber(ARGV[2]) then
  return 0
end
if tonumber(ARGV[3]) > 0 and day + est > tonumber(ARGV[3]) then
  return 0
end
if est > 0 then
  redis.call('INCRBYFLOAT', KEYS[3], ARGV[1])
  redis.call('INCRBYFLOAT', KEYS[4], ARGV[1])
  redis.call('EXPIRE', KEYS[3], ARGV[4])
  redis.call('EXPIRE', KEYS[4], ARGV[4])
end
return 1
`)

func (l *RedisLedger) keys(tenantID, runID, day string) []string {
	return []string{
		redisstore.Key(l.prefix, "run", runID),
		redisstore.Key(l.prefix, "daily", tenantID, day),
		redisstore.Key(l.prefix, "held", "run", runID),
		redisstore.Key(l.prefix, "held", "daily", tenantID, day),
	}
}

// Reserve 实现 Ledger 接口。
func (l *RedisLedger) Reserve(ctx context.Context, tenantID, runID string, estimate float64) (Hold, bool, error) {
	if err := validEstimate(estimate); err != nil {
		return Hold{}, false, err
	}
	day := dayKey(l.opts.clock())
	limits := l.table.For(tenantID)
	ok, err := reserveScript.Run(ctx, l.client, l.keys(tenantID, runID, day),
		formatFloat(estimate), formatFloat(limits.PerRun), formatFloat(limits.Daily), int64(counterTTL/time.Second),
	).Int()
	if err != nil {
		return Hold{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 预算占用失败")
	}
	if ok != 1 {
		return Hold{}, false, nil
	}
	return Hold{TenantID: tenantID, RunID: runID, Day: day, Amount: estimate}, true, nil
}

// Release 实现 Ledger 接口。
func (l *RedisLedger) Release(ctx context.Context, hold Hold) error {
	if hold.Amount <= 0 {
		return nil
	}
	keys := l.keys(hold.TenantID, hold.RunID, hold.Day)[2:]
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.IncrByFloat(ctx, key, -hold.Amount)
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 归还预算占用失败")
	}
	return nil
}

// RecordSpend 实现 Ledger 接口。
func (l *RedisLedger) RecordSpend(ctx context.Context, tenantID, runID string, cost float64) error {
	if cost <= 0 {
		return nil
	}
	keys := l.keys(tenantID, runID, dayKey(l.opts.clock()))[:2]
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.IncrByFloat(ctx, key, cost)
			pipe.Expire(ctx, key, counterTTL)
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 记录花费失败")
	}
	return nil
}

// Spent 实现 Ledger 接口。
func (l *RedisLedger) Spent(ctx context.Context, tenantID, runID string) (Usage, error) {
	values, err := l.client.MGet(ctx, l.keys(tenantID, runID, dayKey(l.opts.clock()))[:2]...).Result()
	if err != nil {
		return Usage{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 读取花费失败")
	}
	parse := func(v any) float64 {
		s, ok := v.(string)
		if !ok {
			return 0
		}
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	return Usage{Run: parse(values[0]), Daily: parse(values[1])}, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
