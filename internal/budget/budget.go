package budget

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ModuleCouncil/internal/config"
	xerrors "ModuleCouncil/internal/errors"
)

// Limits 是租户的预算上限，0 表示不限制。
type Limits struct {
	PerRun float64
	Daily  float64
}

// Table 是租户到预算上限的映射。
type Table struct {
	Default Limits
	Tenants map[string]Limits
}

// TableFromConfig 从配置构造预算表。
func TableFromConfig(cfg config.BudgetConfig) Table {
	table := Table{
		Default: Limits{PerRun: cfg.Default.PerRun, Daily: cfg.Default.Daily},
		Tenants: make(map[string]Limits, len(cfg.Tenants)),
	}
	for tenant, limit := range cfg.Tenants {
		table.Tenants[strings.TrimSpace(tenant)] = Limits{PerRun: limit.PerRun, Daily: limit.Daily}
	}
	return table
}

// For 返回租户适用的上限；租户覆盖项中为 0 的字段沿用默认值。
func (t Table) For(tenant string) Limits {
	limits := t.Default
	if override, ok := t.Tenants[tenant]; ok {
		if override.PerRun > 0 {
			limits.PerRun = override.PerRun
		}
		if override.Daily > 0 {
			limits.Daily = override.Daily
		}
	}
	return limits
}

// Usage 是某次运行与其租户当日的累计花费。
type Usage struct {
	Run   float64
	Daily float64
}

// Hold 是一次尝试占用的预估额度。Day 为占用时的 UTC 日期，归还时按它定位每日额度。
type Hold struct {
	TenantID string
	RunID    string
	Day      string
	Amount   float64
}

// Ledger 跟踪花费并在工作开始前批准或拒绝。
type Ledger interface {
	// Reserve 原子地判断已花费、已占用与 estimate 之和是否仍在每次运行与每日上限之内，
	// 允许时占用 estimate。并发步骤因此不会同时通过同一份余额。
	Reserve(ctx context.Context, tenantID, runID string, estimate float64) (Hold, bool, error)
	// Release 归还占用的额度，实际花费由 RecordSpend 单独记录。
	Release(ctx context.Context, hold Hold) error
	RecordSpend(ctx context.Context, tenantID, runID string, cost float64) error
	// Spent 返回实际花费，不含占用中的额度。
	Spent(ctx context.Context, tenantID, runID string) (Usage, error)
}

// ErrBudgetExceeded 在预算不足时返回，不可重试。
var ErrBudgetExceeded = xerrors.New(xerrors.CodeBudgetExceeded, "budget exceeded")

// Exceeded 构造携带上下文的预算拒绝错误。
func Exceeded(tenantID, runID string, estimate float64) error {
	return xerrors.New(xerrors.CodeBudgetExceeded,
		fmt.Sprintf("租户 %s 预算不足，预估花费 %.4f", tenantID, estimate),
		xerrors.WithMetadata("tenant_id", tenantID),
		xerrors.WithMetadata("run_id", runID),
	)
}

// Option 定义可选配置。
type Option func(*options)

type options struct {
	clock func() time.Time
}

// WithClock 注入时钟，用于确定每日额度所属的 UTC 日期。
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func validEstimate(estimate float64) error {
	if estimate < 0 {
		return xerrors.New(xerrors.CodeValidation, "预估花费不能为负数")
	}
	return nil
}

func within(limits Limits, usage Usage, estimate float64) bool {
	if limits.PerRun > 0 && usage.Run+estimate > limits.PerRun {
		return false
	}
	if limits.Daily > 0 && usage.Daily+estimate > limits.Daily {
		return false
	}
	return true
}
