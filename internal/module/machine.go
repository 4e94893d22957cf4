package module

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "ModuleCouncil/internal/errors"
	"ModuleCouncil/pkg/logger"
)

// Transition 描述一次已持久化的状态迁移。
type Transition struct {
	ModuleID string
	TenantID string
	RunID    string
	From     Status
	To       Status
	Reason   string
	At       time.Time
}

// TransitionRecorder 接收状态迁移事件，用于遥测与审计。
type TransitionRecorder interface {
	RecordTransition(ctx context.Context, t Transition)
}

// Consolidator 在运行结束后提炼记忆。
type Consolidator interface {
	Consolidate(ctx context.Context, mod *Module, run *Run, executions []*StepExecution) error
}

// RunOutcome 是 Complete 的入参。
type RunOutcome struct {
	Success     bool
	ErrorClass  xerrors.Code
	FailedStep  string
	Message     string
	NeedsReview bool
	Cost        float64
	Tokens      int64
	Attempts    int
}

// Machine 是模块生命周期的唯一入口，每次迁移都在返回前持久化。
type Machine struct {
	store        Store
	recorder     TransitionRecorder
	consolidator Consolidator
	clock        func() time.Time
	newID        func() string
	logger       *slog.Logger
	wg           sync.WaitGroup
}

// Option 定义可选配置。
type Option func(*Machine)

// WithClock 注入时钟。
func WithClock(clock func() time.Time) Option {
	return func(m *Machine) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithRecorder 指定迁移记录器。
func WithRecorder(recorder TransitionRecorder) Option {
	return func(m *Machine) {
		m.recorder = recorder
	}
}

// WithConsolidator 指定运行结束后的记忆提炼器。
func WithConsolidator(c Consolidator) Option {
	return func(m *Machine) {
		m.consolidator = c
	}
}

// WithIDGenerator 覆盖运行 ID 的生成方式。
func WithIDGenerator(gen func() string) Option {
	return func(m *Machine) {
		if gen != nil {
			m.newID = gen
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewMachine 构造状态机。
func NewMachine(store Store, opts ...Option) *Machine {
	m := &Machine{
		store:  store,
		clock:  func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		logger: logger.Named("module"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Store 返回底层存储。
func (m *Machine) Store() Store { return m.store }

// Create 校验并以 DRAFT 状态登记模块。
func (m *Machine) Create(ctx context.Context, mod *Module) (*Module, error) {
	if err := mod.Validate(); err != nil {
		return nil, err
	}
	now := m.clock()
	stored := mod.Clone()
	stored.Status = StatusDraft
	stored.CurrentRunID = ""
	stored.RunHistory = nil
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if err := m.store.Create(ctx, stored); err != nil {
		return nil, err
	}
	logger.Audit().Info("模块已创建",
		slog.String("module_id", stored.ID),
		slog.String("tenant_id", stored.TenantID),
		slog.Int("steps", len(stored.Steps)),
	)
	return stored, nil
}

// Get 返回模块。
func (m *Machine) Get(ctx context.Context, id string) (*Module, error) {
	return m.store.Get(ctx, id)
}

// SubmitForReview 将草稿提交评审。
func (m *Machine) SubmitForReview(ctx context.Context, id string) (*Module, error) {
	return m.transition(ctx, id, StatusPendingReview, "submit_for_review", nil)
}

// Approve 批准模块；对 FAILED 模块调用表示重试。
func (m *Machine) Approve(ctx context.Context, id string) (*Module, error) {
	return m.transition(ctx, id, StatusApproved, "approve", nil)
}

// RequestChanges 将评审中的模块退回草稿。
func (m *Machine) RequestChanges(ctx context.Context, id string) (*Module, error) {
	return m.transition(ctx, id, StatusDraft, "request_changes", nil)
}

// Archive 归档已结束的模块。
func (m *Machine) Archive(ctx context.Context, id string) (*Module, error) {
	return m.transition(ctx, id, StatusArchived, "archive", nil)
}

// StartExecution 将模块迁移到 RUNNING 并分配新的运行。
func (m *Machine) StartExecution(ctx context.Context, id string) (*Module, *Run, error) {
	var run *Run
	mod, err := m.transition(ctx, id, StatusRunning, "start_execution", func(mod *Module) (*Run, error) {
		if mod.Status != StatusApproved {
			return nil, &IllegalTransitionError{ModuleID: mod.ID, From: mod.Status, To: StatusRunning}
		}
		if err := mod.Validate(); err != nil {
			return nil, err
		}
		run = &Run{
			ID:        m.newID(),
			ModuleID:  mod.ID,
			TenantID:  mod.TenantID,
			Status:    RunRunning,
			StartedAt: m.clock(),
		}
		// 新运行尚未被引用，先写入不会覆盖已有记录。
		if err := m.store.SaveRun(ctx, run); err != nil {
			return nil, err
		}
		mod.CurrentRunID = run.ID
		mod.RunHistory = append(mod.RunHistory, run.ID)
		return nil, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return mod, run, nil
}

// ResumeExecution 在进程重启后重新进入 RUNNING 模块的当前运行。
func (m *Machine) ResumeExecution(ctx context.Context, id string) (*Module, *Run, error) {
	var run *Run
	mod, err := m.transition(ctx, id, StatusRunning, "resume", func(mod *Module) (*Run, error) {
		if mod.Status != StatusRunning {
			return nil, &IllegalTransitionError{ModuleID: mod.ID, From: mod.Status, To: StatusRunning}
		}
		current, err := m.store.GetRun(ctx, mod.CurrentRunID)
		if err != nil {
			return nil, err
		}
		run = current
		return nil, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return mod, run, nil
}

// Complete 结束当前运行。成功迁移到 COMPLETED，失败迁移到 FAILED，随后异步提炼记忆。
func (m *Machine) Complete(ctx context.Context, id string, outcome RunOutcome) (*Module, error) {
	to := StatusFailed
	runStatus := RunFailed
	if outcome.Success {
		to = StatusCompleted
		runStatus = RunCompleted
	}
	var run *Run
	mod, err := m.transition(ctx, id, to, "complete", func(mod *Module) (*Run, error) {
		current, err := m.finishRun(ctx, mod, runStatus, outcome)
		if err != nil {
			return nil, err
		}
		run = current
		return current, nil
	})
	if err != nil {
		return nil, err
	}
	m.consolidate(ctx, mod, run)
	return mod, nil
}

// Abort 中止 RUNNING 模块。调用方负责向在途步骤发出取消信号。
func (m *Machine) Abort(ctx context.Context, id string) (*Module, error) {
	return m.transition(ctx, id, StatusAborted, "abort", func(mod *Module) (*Run, error) {
		return m.finishRun(ctx, mod, RunAborted, RunOutcome{Message: "aborted"})
	})
}

// Interrupted 返回最后持久化状态为 RUNNING 的模块。
func (m *Machine) Interrupted(ctx context.Context) ([]*Module, error) {
	return m.store.ListByStatus(ctx, StatusRunning)
}

// Wait 等待所有异步记忆提炼结束。
func (m *Machine) Wait() {
	m.wg.Wait()
}

func (m *Machine) finishRun(ctx context.Context, mod *Module, status RunStatus, outcome RunOutcome) (*Run, error) {
	run, err := m.store.GetRun(ctx, mod.CurrentRunID)
	if err != nil {
		return nil, err
	}
	run.Status = status
	run.CompletedAt = m.clock()
	if status != RunAborted {
		run.Cost = outcome.Cost
		run.Tokens = outcome.Tokens
		run.Attempts = outcome.Attempts
		run.ErrorClass = outcome.ErrorClass
		run.FailedStep = outcome.FailedStep
		run.NeedsReview = outcome.NeedsReview
	}
	run.ErrorMessage = outcome.Message
	return run, nil
}

const maxConflictRetries = 3

// transition 读取最新状态、校验迁移表、执行 mutate 并以乐观锁写回。
// mutate 返回的运行记录只在模块写回成功后持久化，冲突重试时不会覆盖其他迁移写入的运行。
func (m *Machine) transition(ctx context.Context, id string, to Status, reason string, mutate func(*Module) (*Run, error)) (*Module, error) {
	if m.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "模块存储未初始化")
	}
	for attempt := 0; ; attempt++ {
		mod, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		from := mod.Status
		if !CanTransition(from, to) {
			err := &IllegalTransitionError{ModuleID: id, From: from, To: to}
			m.logger.Warn("拒绝非法状态迁移",
				slog.String("module_id", id),
				slog.String("from", string(from)),
				slog.String("to", string(to)),
			)
			return nil, err
		}
		expected := mod.Version
		mod.Status = to
		mod.UpdatedAt = m.clock()
		var run *Run
		if mutate != nil {
			mod.Status = from
			if run, err = mutate(mod); err != nil {
				return nil, err
			}
			mod.Status = to
		}
		err = m.store.Save(ctx, mod, expected)
		if err == nil {
			if run != nil {
				if err := m.store.SaveRun(ctx, run); err != nil {
					m.logger.Error("模块已迁移但运行记录写入失败",
						slog.String("module_id", id),
						slog.String("run_id", run.ID),
						slog.String("to", string(to)),
						slog.Any("error", err),
					)
					return nil, err
				}
			}
			m.record(ctx, Transition{
				ModuleID: mod.ID,
				TenantID: mod.TenantID,
				RunID:    mod.CurrentRunID,
				From:     from,
				To:       to,
				Reason:   reason,
				At:       mod.UpdatedAt,
			})
			return mod, nil
		}
		if !stdErrors.Is(err, ErrVersionConflict) || attempt+1 >= maxConflictRetries {
			return nil, err
		}
		m.logger.Debug("模块版本冲突，重新读取", slog.String("module_id", id), slog.Int("attempt", attempt+1))
	}
}

func (m *Machine) record(ctx context.Context, t Transition) {
	logger.Audit().Info("模块状态迁移",
		slog.String("module_id", t.ModuleID),
		slog.String("tenant_id", t.TenantID),
		slog.String("run_id", t.RunID),
		slog.String("from", string(t.From)),
		slog.String("to", string(t.To)),
		slog.String("reason", t.Reason),
	)
	if m.recorder != nil {
		m.recorder.RecordTransition(ctx, t)
	}
}

func (m *Machine) consolidate(ctx context.Context, mod *Module, run *Run) {
	if m.consolidator == nil || run == nil {
		return
	}
	detached := context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("记忆提炼异常",
					slog.String("module_id", mod.ID),
					slog.String("run_id", run.ID),
					slog.String("panic", fmt.Sprint(r)),
				)
			}
		}()
		execs, err := m.store.ListExecutions(detached, run.ID)
		if err != nil {
			m.logger.Error("读取执行记录失败，跳过记忆提炼",
				slog.String("module_id", mod.ID),
				slog.String("run_id", run.ID),
				slog.Any("error", err),
			)
			return
		}
		if err := m.consolidator.Consolidate(detached, mod, run, execs); err != nil {
			m.logger.Error("记忆提炼失败",
				slog.String("module_id", mod.ID),
				slog.String("run_id", run.ID),
				slog.Any("error", err),
			)
		}
	}()
}
