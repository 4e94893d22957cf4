package budget

import (
	"context"
	"sync"
)

// holdEpsilon 以下的占用余量视为已全部归还。
const holdEpsilon = 1e-9

// MemoryLedger 在进程内记录花费与占用。
type MemoryLedger struct {
	mu        sync.Mutex
	table     Table
	opts      options
	runs      map[string]float64
	daily     map[string]float64
	heldRuns  map[string]float64
	heldDaily map[string]float64
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger 创建 MemoryLedger。
func NewMemoryLedger(table Table, opts ...Option) *MemoryLedger {
	return &MemoryLedger{
		table:     table,
		opts:      buildOptions(opts),
		runs:      make(map[string]float64),
		daily:     make(map[string]float64),
		heldRuns:  make(map[string]float64),
		heldDaily: make(map[string]float64),
	}
}

// Reserve 实现 Ledger 接口。
func (l *MemoryLedger) Reserve(_ context.Context, tenantID, runID string, estimate float64) (Hold, bool, error) {
	if err := validEstimate(estimate); err != nil {
		return Hold{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	day := dayKey(l.opts.clock())
	daily := dailyKey(tenantID, day)
	usage := Usage{
		Run:   l.runs[runID] + l.heldRuns[runID],
		Daily: l.daily[daily] + l.heldDaily[daily],
	}
	if !within(l.table.For(tenantID), usage, estimate) {
		return Hold{}, false, nil
	}
	if estimate > 0 {
		l.heldRuns[runID] += estimate
		l.heldDaily[daily] += estimate
	}
	return Hold{TenantID: tenantID, RunID: runID, Day: day, Amount: estimate}, true, nil
}

// Release 实现 Ledger 接口。
func (l *MemoryLedger) Release(_ context.Context, hold Hold) error {
	if hold.Amount <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	release(l.heldRuns, hold.RunID, hold.Amount)
	release(l.heldDaily, dailyKey(hold.TenantID, hold.Day), hold.Amount)
	return nil
}

// RecordSpend 实现 Ledger 接口。
func (l *MemoryLedger) RecordSpend(_ context.Context, tenantID, runID string, cost float64) error {
	if cost <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs[runID] += cost
	l.daily[dailyKey(tenantID, dayKey(l.opts.clock()))] += cost
	return nil
}

// Spent 实现 Ledger 接口。
func (l *MemoryLedger) Spent(_ context.Context, tenantID, runID string) (Usage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Usage{Run: l.runs[runID], Daily: l.daily[dailyKey(tenantID, dayKey(l.opts.clock()))]}, nil
}

func dailyKey(tenantID, day string) string {
	return tenantID + "|" + day
}

func release(held map[string]float64, key string, amount float64) {
	left := held[key] - amount
	if left <= holdEpsilon {
		delete(held, key)
		return
	}
	held[key] = left
}
