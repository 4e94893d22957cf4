package telemetry

import (
	"context"
	"sync"
)

// MemoryLog 是进程内的事件日志，按追加顺序保存。
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
}

var _ Log = (*MemoryLog)(nil)

// NewMemoryLog 创建空日志。
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append 追加事件。
func (l *MemoryLog) Append(_ context.Context, event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, cloneEvent(event))
	return nil
}

// ListByRun 返回某次运行的全部事件。
func (l *MemoryLog) ListByRun(_ context.Context, runID string) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Event
	for _, e := range l.events {
		if e.RunID == runID {
			out = append(out, cloneEvent(e))
		}
	}
	return out, nil
}

// ListByModule 返回模块最近的事件，limit<=0 表示不限。
func (l *MemoryLog) ListByModule(_ context.Context, moduleID string, limit int) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Event
	for _, e := range l.events {
		if e.ModuleID == moduleID {
			out = append(out, cloneEvent(e))
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Close 实现 Log 接口。
func (l *MemoryLog) Close() error { return nil }
