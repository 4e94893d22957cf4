package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	xerrors "ModuleCouncil/internal/errors"
	"ModuleCouncil/internal/module"
	"ModuleCouncil/internal/observability/alerting"
	"ModuleCouncil/internal/observability/metrics"
	"ModuleCouncil/pkg/logger"
)

// Escalation 描述一次交给人工或上层处理的失败。
type Escalation struct {
	TenantID    string
	ModuleID    string
	RunID       string
	Step        string
	Class       xerrors.Code
	Reason      string
	Attempts    int
	HumanReview bool
	Message     string
}

// Recorder 写入遥测日志、审计日志与指标，并派发升级告警。
// 写入失败只记录日志，不影响编排流程。
type Recorder struct {
	log    Log
	alerts alerting.Dispatcher
	clock  func() time.Time
	newID  func() string
	logger *slog.Logger
}

var _ module.TransitionRecorder = (*Recorder)(nil)

// RecorderOption 定义可选配置。
type RecorderOption func(*Recorder)

// WithAlerts 指定升级事件的告警派发器。
func WithAlerts(d alerting.Dispatcher) RecorderOption {
	return func(r *Recorder) {
		r.alerts = d
	}
}

// WithClock 注入时钟。
func WithClock(clock func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRecorder 构造记录器。
func NewRecorder(log Log, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		log:    log,
		clock:  func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		logger: logger.Named("telemetry"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Log 返回底层事件日志。
func (r *Recorder) Log() Log {
	if r == nil {
		return nil
	}
	return r.log
}

// Emit 补全 ID 与时间后追加事件。
func (r *Recorder) Emit(ctx context.Context, event Event) {
	if r == nil || r.log == nil {
		return
	}
	if event.ID == "" {
		event.ID = r.newID()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.clock()
	}
	if err := r.log.Append(ctx, event); err != nil {
		r.logger.Error("写入遥测事件失败",
			slog.Any("error", err),
			slog.String("kind", string(event.Kind)),
			slog.String("run_id", event.RunID),
		)
	}
}

// RecordTransition 记录模块状态迁移。
func (r *Recorder) RecordTransition(ctx context.Context, t module.Transition) {
	if r == nil {
		return
	}
	r.Emit(ctx, Event{
		RunID:      t.RunID,
		ModuleID:   t.ModuleID,
		TenantID:   t.TenantID,
		Kind:       KindTransition,
		From:       string(t.From),
		To:         string(t.To),
		Message:    t.Reason,
		OccurredAt: t.At,
	})
}

// StepAttempt 记录一次步骤尝试的最终状态。
func (r *Recorder) StepAttempt(ctx context.Context, tenantID, moduleID string, exec *module.StepExecution) {
	if r == nil || exec == nil {
		return
	}
	metrics.ObserveStepAttempt(exec.Step, string(exec.Status), string(exec.ErrorClass))
	meta := map[string]string{"idempotency_key": exec.Key}
	if exec.Feedback != "" {
		meta["feedback"] = exec.Feedback
	}
	r.Emit(ctx, Event{
		RunID:    exec.RunID,
		ModuleID: moduleID,
		TenantID: tenantID,
		Kind:     KindStepAttempt,
		Step:     exec.Step,
		Attempt:  exec.Attempt,
		To:       string(exec.Status),
		Class:    exec.ErrorClass,
		Cost:     exec.Cost,
		Message:  exec.Error,
		Metadata: meta,
	})
	logger.Audit().Info("步骤尝试结束",
		slog.String("module_id", moduleID),
		slog.String("run_id", exec.RunID),
		slog.String("step", exec.Step),
		slog.Int("attempt", exec.Attempt),
		slog.String("status", string(exec.Status)),
		slog.String("error_class", string(exec.ErrorClass)),
	)
}

// Cost 记录一次已发生的花费。
func (r *Recorder) Cost(ctx context.Context, tenantID, moduleID, runID, step string, amount float64) {
	if r == nil {
		return
	}
	metrics.AddCost(tenantID, amount)
	r.Emit(ctx, Event{
		RunID:    runID,
		ModuleID: moduleID,
		TenantID: tenantID,
		Kind:     KindCost,
		Step:     step,
		Cost:     amount,
	})
}

// BudgetDenied 记录预算预检拒绝。
func (r *Recorder) BudgetDenied(ctx context.Context, tenantID, moduleID, runID, step string, estimate float64) {
	if r == nil {
		return
	}
	metrics.ObserveBudgetDenial(tenantID)
	r.Emit(ctx, Event{
		RunID:    runID,
		ModuleID: moduleID,
		TenantID: tenantID,
		Kind:     KindCost,
		Step:     step,
		Class:    xerrors.CodeBudgetExceeded,
		Message:  "预算不足，步骤未执行",
		Metadata: map[string]string{"estimate": strconv.FormatFloat(estimate, 'f', -1, 64)},
	})
}

// Escalate 记录升级事件并派发告警。
func (r *Recorder) Escalate(ctx context.Context, e Escalation) {
	if r == nil {
		return
	}
	metrics.ObserveEscalation(string(e.Class))
	meta := map[string]string{"reason": e.Reason}
	if e.HumanReview {
		meta["human_review"] = "true"
	}
	r.Emit(ctx, Event{
		RunID:    e.RunID,
		ModuleID: e.ModuleID,
		TenantID: e.TenantID,
		Kind:     KindEscalation,
		Step:     e.Step,
		Attempt:  e.Attempts,
		Class:    e.Class,
		Message:  e.Message,
		Metadata: meta,
	})
	if r.alerts == nil {
		return
	}
	event := alerting.Event{
		Code:        e.Class,
		Reason:      e.Reason,
		Message:     e.Message,
		Severity:    xerrors.AttributesOf(e.Class).Severity,
		TenantID:    e.TenantID,
		ModuleID:    e.ModuleID,
		RunID:       e.RunID,
		Step:        e.Step,
		Attempts:    e.Attempts,
		HumanReview: e.HumanReview,
		OccurredAt:  r.clock(),
	}
	if event.Message == "" {
		event.Message = xerrors.AttributesOf(e.Class).Message
	}
	if err := r.alerts.Notify(ctx, event); err != nil {
		r.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("run_id", e.RunID),
			slog.String("reason", e.Reason),
		)
	}
}

// RunFinished 记录运行结果指标。
func (r *Recorder) RunFinished(ctx context.Context, run *module.Run) {
	if r == nil || run == nil {
		return
	}
	metrics.ObserveRun(string(run.Status), string(run.ErrorClass))
	r.Emit(ctx, Event{
		RunID:    run.ID,
		ModuleID: run.ModuleID,
		TenantID: run.TenantID,
		Kind:     KindTransition,
		To:       string(run.Status),
		Class:    run.ErrorClass,
		Cost:     run.Cost,
		Step:     run.FailedStep,
		Message:  run.ErrorMessage,
		Metadata: map[string]string{"scope": "run", "attempts": strconv.Itoa(run.Attempts)},
	})
}

// Consolidated 记录一次记忆提炼的结果。
func (r *Recorder) Consolidated(ctx context.Context, tenantID, moduleID, runID string, written map[string]string) {
	if r == nil {
		return
	}
	r.Emit(ctx, Event{
		RunID:    runID,
		ModuleID: moduleID,
		TenantID: tenantID,
		Kind:     KindConsolidation,
		Metadata: written,
	})
}
