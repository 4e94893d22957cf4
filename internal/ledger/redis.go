package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "ModuleCouncil/internal/errors"
)

// RedisLedger 将条目保存为 Redis hash，所有状态变更通过 Lua 脚本完成比较并交换。
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	opts   Options
}

var _ Ledger = (*RedisLedger)(nil)

// NewRedisLedger 基于已有客户端创建 RedisLedger。
func NewRedisLedger(client redis.UniversalClient, prefix string, opts ...Option) *RedisLedger {
	if prefix == "" {
		prefix = "council:ledger:"
	}
	return &RedisLedger{client: client, prefix: prefix, opts: buildOptions(opts)}
}

// KEYS[1]=key ARGV: owner, now_ms, ttl_ms, stale_ms
var reserveScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state then
  local now = tonumber(ARGV[2])
  local created = tonumber(redis.call('HGET', KEYS[1], 'created_at'))
  local updated = tonumber(redis.call('HGET', KEYS[1], 'updated_at'))
  local verdict = nil
  if state == 'SUCCEEDED' and now - created <= tonumber(ARGV[3]) then
    verdict = 'HIT_SUCCESS'
  elseif state == 'FAILED' and now - created <= tonumber(ARGV[3]) then
    verdict = 'HIT_FAILURE'
  elseif state == 'RESERVED' and now - updated <= tonumber(ARGV[4]) then
    verdict = 'BUSY'
  end
  if verdict then
    local fields = redis.call('HGETALL', KEYS[1])
    table.insert(fields, 1, verdict)
    return fields
  end
  redis.call('DEL', KEYS[1])
end
redis.call('HSET', KEYS[1], 'state', 'RESERVED', 'owner', ARGV[1], 'created_at', ARGV[2], 'updated_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return {'RESERVED', 'state', 'RESERVED', 'owner', ARGV[1], 'created_at', ARGV[2], 'updated_at', ARGV[2]}
`)

// KEYS[1]=key ARGV: owner, now_ms, ttl_ms
var reclaimScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'FAILED' then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'state', 'RESERVED', 'owner', ARGV[1], 'created_at', ARGV[2], 'updated_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// KEYS[1]=key ARGV: owner, now_ms, ttl_ms, state, output, output_hash, error_class, error
var recordScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'RESERVED' or redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'state', ARGV[4], 'output', ARGV[5], 'output_hash', ARGV[6],
  'error_class', ARGV[7], 'error', ARGV[8], 'created_at', ARGV[2], 'updated_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// KEYS[1]=key ARGV: owner
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') == 'RESERVED' and redis.call('HGET', KEYS[1], 'owner') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// KEYS[1]=key ARGV: owner, now_ms
var renewScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'RESERVED' or redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
return 1
`)

func (l *RedisLedger) key(key string) string { return l.prefix + key }

func (l *RedisLedger) nowMillis() int64 { return l.opts.Clock().UnixMilli() }

// CheckAndReserve 实现 Ledger 接口。
func (l *RedisLedger) CheckAndReserve(ctx context.Context, key, owner string) (Result, error) {
	values, err := reserveScript.Run(ctx, l.client, []string{l.key(key)},
		owner, l.nowMillis(), l.opts.TTL.Milliseconds(), l.opts.StaleAfter.Milliseconds(),
	).StringSlice()
	if err != nil {
		return Result{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 预留幂等键失败")
	}
	if len(values) == 0 {
		return Result{}, xerrors.New(xerrors.CodeStorageFailure, "Redis 预留脚本返回为空")
	}
	entry, err := decodeHash(key, values[1:])
	if err != nil {
		return Result{}, err
	}
	return Result{Verdict: Verdict(values[0]), Entry: entry}, nil
}

// Reclaim 实现 Ledger 接口。
func (l *RedisLedger) Reclaim(ctx context.Context, key, owner string) (bool, error) {
	n, err := reclaimScript.Run(ctx, l.client, []string{l.key(key)},
		owner, l.nowMillis(), l.opts.TTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 重新预留失败")
	}
	return n == 1, nil
}

// Record 实现 Ledger 接口。
func (l *RedisLedger) Record(ctx context.Context, key, owner string, outcome Outcome) error {
	state, output, errorClass, message := StateFailed, "", string(outcome.ErrorClass), outcome.Error
	if outcome.Succeeded {
		state, output, errorClass, message = StateSucceeded, string(outcome.Output), "", ""
	}
	n, err := recordScript.Run(ctx, l.client, []string{l.key(key)},
		owner, l.nowMillis(), l.opts.TTL.Milliseconds(),
		string(state), output, outcome.OutputHash, errorClass, message,
	).Int()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 写入账本失败")
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

// Release 实现 Ledger 接口。
func (l *RedisLedger) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(key)}, owner).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 释放预留失败")
	}
	return nil
}

// Renew 实现 Ledger 接口。
func (l *RedisLedger) Renew(ctx context.Context, key, owner string) error {
	n, err := renewScript.Run(ctx, l.client, []string{l.key(key)}, owner, l.nowMillis()).Int()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 刷新预留失败")
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

// Get 实现 Ledger 接口。
func (l *RedisLedger) Get(ctx context.Context, key string) (*Entry, error) {
	fields, err := l.client.HGetAll(ctx, l.key(key)).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 读取账本失败")
	}
	if len(fields) == 0 {
		return nil, ErrEntryNotFound
	}
	flat := make([]string, 0, len(fields)*2)
	for k, v := range fields {
		flat = append(flat, k, v)
	}
	return decodeHash(key, flat)
}

func decodeHash(key string, flat []string) (*Entry, error) {
	if len(flat)%2 != 0 {
		return nil, xerrors.New(xerrors.CodeStorageFailure, fmt.Sprintf("账本条目字段数异常: %d", len(flat)))
	}
	entry := &Entry{Key: key}
	for i := 0; i < len(flat); i += 2 {
		value := flat[i+1]
		switch flat[i] {
		case "state":
			entry.State = State(value)
		case "owner":
			entry.Owner = value
		case "output":
			if value != "" {
				entry.Output = json.RawMessage(value)
			}
		case "output_hash":
			entry.OutputHash = value
		case "error_class":
			entry.ErrorClass = xerrors.Code(value)
		case "error":
			entry.Error = value
		case "created_at", "updated_at":
			ms, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析账本时间戳失败")
			}
			ts := time.UnixMilli(ms).UTC()
			if flat[i] == "created_at" {
				entry.CreatedAt = ts
			} else {
				entry.UpdatedAt = ts
			}
		}
	}
	return entry, nil
}
