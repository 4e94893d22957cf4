package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	xerrors "ModuleCouncil/internal/errors"
)

// State 是账本条目的状态。
type State string

const (
	StateReserved  State = "RESERVED"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

// Verdict 是 CheckAndReserve 的判定结果。
type Verdict string

const (
	// HitSuccess 表示 TTL 内已有成功结果，可直接复用。
	HitSuccess Verdict = "HIT_SUCCESS"
	// HitFailure 表示 TTL 内已有失败结果，由调用方决定是否重试。
	HitFailure Verdict = "HIT_FAILURE"
	// Reserved 表示调用方获得了该键的独占执行权。
	Reserved Verdict = "RESERVED"
	// Busy 表示其他执行者持有未过期的预留。
	Busy Verdict = "BUSY"
)

// Entry 是按幂等键持久化的记录。
type Entry struct {
	Key        string          `json:"key"`
	State      State           `json:"state"`
	Owner      string          `json:"owner,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	OutputHash string          `json:"output_hash,omitempty"`
	ErrorClass xerrors.Code    `json:"error_class,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Result 是 CheckAndReserve 的返回值。命中时 Entry 携带已记录的结果。
type Result struct {
	Verdict Verdict
	Entry   *Entry
}

// Outcome 是执行结束后写入账本的终态。
type Outcome struct {
	Succeeded  bool
	Output     json.RawMessage
	OutputHash string
	ErrorClass xerrors.Code
	Error      string
}

// Ledger 记录 (租户, 模块, 步骤, 输入) 指纹的执行结果，并充当按键互斥锁。
type Ledger interface {
	// CheckAndReserve 原子地检查并在键空闲时为 owner 预留。
	CheckAndReserve(ctx context.Context, key, owner string) (Result, error)
	// Reclaim 将失败条目重新预留给 owner，用于允许重试的失败。
	Reclaim(ctx context.Context, key, owner string) (bool, error)
	// Record 写入终态，仅预留持有者可以调用。
	Record(ctx context.Context, key, owner string, outcome Outcome) error
	// Release 放弃 owner 持有的预留。
	Release(ctx context.Context, key, owner string) error
	// Renew 刷新 owner 持有的预留，使其在执行期间不被视为遗弃。不再持有时返回 ErrNotOwner。
	Renew(ctx context.Context, key, owner string) error
	Get(ctx context.Context, key string) (*Entry, error)
}

var (
	// ErrEntryNotFound 表示账本中没有该键。
	ErrEntryNotFound = xerrors.New(xerrors.CodeNotFound, "ledger entry not found")
	// ErrNotOwner 表示调用方不再持有该键的预留。
	ErrNotOwner = xerrors.New(xerrors.CodeConflict, "ledger reservation not held")
)

// Options 控制过期策略。
type Options struct {
	TTL        time.Duration
	StaleAfter time.Duration
	Clock      func() time.Time
}

// Option 定义可选配置。
type Option func(*Options)

// WithTTL 设置终态条目的有效期。
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) {
		if ttl > 0 {
			o.TTL = ttl
		}
	}
}

// WithStaleAfter 设置预留被视为遗弃的时长。
func WithStaleAfter(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.StaleAfter = d
		}
	}
}

// WithClock 注入时钟。
func WithClock(clock func() time.Time) Option {
	return func(o *Options) {
		if clock != nil {
			o.Clock = clock
		}
	}
}

func buildOptions(opts []Option) Options {
	o := Options{
		TTL:        24 * time.Hour,
		StaleAfter: 15 * time.Minute,
		Clock:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// classify 根据条目与当前时间给出判定。返回 Reserved 表示条目可被覆盖。
func (o Options) classify(entry *Entry, now time.Time) Verdict {
	if entry == nil {
		return Reserved
	}
	switch entry.State {
	case StateSucceeded:
		if now.Sub(entry.CreatedAt) <= o.TTL {
			return HitSuccess
		}
	case StateFailed:
		if now.Sub(entry.CreatedAt) <= o.TTL {
			return HitFailure
		}
	case StateReserved:
		if now.Sub(entry.UpdatedAt) <= o.StaleAfter {
			return Busy
		}
	}
	return Reserved
}

// Fingerprint 计算幂等键：租户、模块、步骤与规范化输入的 SHA-256。
func Fingerprint(tenantID, moduleID, step string, input map[string]any) (string, error) {
	payload, err := json.Marshal([]any{tenantID, moduleID, step, input})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeValidation, err, "输入无法规范化")
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// Hash 返回任意可序列化值的 SHA-256。
func Hash(value any) (string, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeValidation, err, "值无法规范化")
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func cloneEntry(entry *Entry) *Entry {
	if entry == nil {
		return nil
	}
	clone := *entry
	if entry.Output != nil {
		clone.Output = append(json.RawMessage(nil), entry.Output...)
	}
	return &clone
}
