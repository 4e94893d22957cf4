package ledger

import (
	"context"
	"sync"
)

// MemoryLedger 是进程内账本，单个互斥锁保证预留的原子性。
type MemoryLedger struct {
	mu      sync.Mutex
	opts    Options
	entries map[string]*Entry
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger 创建 MemoryLedger。
func NewMemoryLedger(opts ...Option) *MemoryLedger {
	return &MemoryLedger{opts: buildOptions(opts), entries: make(map[string]*Entry)}
}

// CheckAndReserve 实现 Ledger 接口。
func (l *MemoryLedger) CheckAndReserve(_ context.Context, key, owner string) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.opts.Clock()
	entry := l.entries[key]
	verdict := l.opts.classify(entry, now)
	if verdict != Reserved {
		return Result{Verdict: verdict, Entry: cloneEntry(entry)}, nil
	}
	reserved := &Entry{Key: key, State: StateReserved, Owner: owner, CreatedAt: now, UpdatedAt: now}
	l.entries[key] = reserved
	return Result{Verdict: Reserved, Entry: cloneEntry(reserved)}, nil
}

// Reclaim 实现 Ledger 接口。
func (l *MemoryLedger) Reclaim(_ context.Context, key, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok || entry.State != StateFailed {
		return false, nil
	}
	now := l.opts.Clock()
	l.entries[key] = &Entry{Key: key, State: StateReserved, Owner: owner, CreatedAt: now, UpdatedAt: now}
	return true, nil
}

// Record 实现 Ledger 接口。
func (l *MemoryLedger) Record(_ context.Context, key, owner string, outcome Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok || entry.State != StateReserved || entry.Owner != owner {
		return ErrNotOwner
	}
	now := l.opts.Clock()
	final := &Entry{
		Key:        key,
		State:      StateFailed,
		Owner:      owner,
		OutputHash: outcome.OutputHash,
		ErrorClass: outcome.ErrorClass,
		Error:      outcome.Error,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if outcome.Succeeded {
		final.State = StateSucceeded
		final.Output = append([]byte(nil), outcome.Output...)
		final.ErrorClass = ""
		final.Error = ""
	}
	l.entries[key] = final
	return nil
}

// Release 实现 Ledger 接口。
func (l *MemoryLedger) Release(_ context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.entries[key]; ok && entry.State == StateReserved && entry.Owner == owner {
		delete(l.entries, key)
	}
	return nil
}

// Renew 实现 Ledger 接口。
func (l *MemoryLedger) Renew(_ context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok || entry.State != StateReserved || entry.Owner != owner {
		return ErrNotOwner
	}
	entry.UpdatedAt = l.opts.Clock()
	return nil
}

// Get 实现 Ledger 接口。
func (l *MemoryLedger) Get(_ context.Context, key string) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return cloneEntry(entry), nil
}
