// Package telemetry 记录编排过程中的结构化事件：状态迁移、步骤尝试、成本与升级。
package telemetry

import (
	"context"
	"time"

	xerrors "ModuleCouncil/internal/errors"
)

// Kind 表示事件类别。
type Kind string

// 事件类别
const (
	KindTransition    Kind = "transition"
	KindStepAttempt   Kind = "step_attempt"
	KindCost          Kind = "cost"
	KindEscalation    Kind = "escalation"
	KindConsolidation Kind = "consolidation"
)

// Event 是一条只追加的遥测事件。
type Event struct {
	ID         string            `json:"id"`
	RunID      string            `json:"run_id,omitempty"`
	ModuleID   string            `json:"module_id"`
	TenantID   string            `json:"tenant_id,omitempty"`
	Kind       Kind              `json:"kind"`
	Step       string            `json:"step,omitempty"`
	Attempt    int               `json:"attempt,omitempty"`
	From       string            `json:"from,omitempty"`
	To         string            `json:"to,omitempty"`
	Class      xerrors.Code      `json:"error_class,omitempty"`
	Cost       float64           `json:"cost,omitempty"`
	Message    string            `json:"message,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Log 持久化遥测事件。
type Log interface {
	Append(ctx context.Context, event Event) error
	ListByRun(ctx context.Context, runID string) ([]Event, error)
	ListByModule(ctx context.Context, moduleID string, limit int) ([]Event, error)
	Close() error
}

func cloneEvent(e Event) Event {
	if len(e.Metadata) > 0 {
		meta := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			meta[k] = v
		}
		e.Metadata = meta
	}
	return e
}
