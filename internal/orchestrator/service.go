// Package orchestrator 提供模块执行编排的对外命令面：run、abort、status、resume 与 retry。
package orchestrator

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"

	"ModuleCouncil/internal/council"
	xerrors "ModuleCouncil/internal/errors"
	"ModuleCouncil/internal/module"
	"ModuleCouncil/internal/telemetry"
	"ModuleCouncil/pkg/logger"
)

// Executor 是 Service 所需的议会能力。
type Executor interface {
	Run(ctx context.Context, mod *module.Module, run *module.Run) (*council.Outcome, error)
}

// activeRun 是本进程内正在执行的运行。
type activeRun struct {
	runID  string
	cancel context.CancelFunc
	done   chan struct{}
	result Result
}

// Service 协调状态机与议会，保证同一模块在本进程内只有一个执行协程。
type Service struct {
	machine  *module.Machine
	council  Executor
	recorder *telemetry.Recorder
	logger   *slog.Logger
	base     context.Context

	startMu sync.Mutex
	mu      sync.Mutex
	active  map[string]*activeRun
}

// Option 定义可选配置。
type Option func(*Service)

// WithRecorder 指定遥测记录器。
func WithRecorder(r *telemetry.Recorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// WithBaseContext 指定执行协程的根上下文，进程关闭时取消它即可中断在途运行而不改变模块状态。
func WithBaseContext(ctx context.Context) Option {
	return func(s *Service) {
		if ctx != nil {
			s.base = ctx
		}
	}
}

// NewService 构造编排服务。
func NewService(machine *module.Machine, executor Executor, opts ...Option) *Service {
	s := &Service{
		machine: machine,
		council: executor,
		logger:  logger.Named("orchestrator"),
		base:    context.Background(),
		active:  make(map[string]*activeRun),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Machine 返回底层状态机。
func (s *Service) Machine() *module.Machine { return s.machine }

// Create 登记新模块。
func (s *Service) Create(ctx context.Context, mod *module.Module) Result {
	stored, err := s.machine.Create(ctx, mod)
	if err != nil {
		return errorResult(mod.ID, err)
	}
	return Result{Status: ResultOK, ModuleID: stored.ID, ModuleStatus: stored.Status}
}

// SubmitForReview 提交评审。
func (s *Service) SubmitForReview(ctx context.Context, id string) Result {
	return s.lifecycle(id, func() (*module.Module, error) { return s.machine.SubmitForReview(ctx, id) })
}

// Approve 批准模块。
func (s *Service) Approve(ctx context.Context, id string) Result {
	return s.lifecycle(id, func() (*module.Module, error) { return s.machine.Approve(ctx, id) })
}

// RequestChanges 退回草稿。
func (s *Service) RequestChanges(ctx context.Context, id string) Result {
	return s.lifecycle(id, func() (*module.Module, error) { return s.machine.RequestChanges(ctx, id) })
}

// Archive 归档模块。
func (s *Service) Archive(ctx context.Context, id string) Result {
	return s.lifecycle(id, func() (*module.Module, error) { return s.machine.Archive(ctx, id) })
}

func (s *Service) lifecycle(id string, op func() (*module.Module, error)) Result {
	mod, err := op()
	if err != nil {
		return errorResult(id, err)
	}
	return Result{Status: ResultOK, ModuleID: mod.ID, ModuleStatus: mod.Status}
}

// Run 执行模块并返回最终状态。对已结束的模块直接返回上次结果；对本进程内
// 正在执行的模块等待其结束；对中断的 RUNNING 模块从当前运行继续。
func (s *Service) Run(ctx context.Context, id string) Result {
	if s.machine == nil || s.council == nil {
		return errorResult(id, xerrors.New(xerrors.CodeInitializationFailure, "编排服务未初始化"))
	}
	active, err := s.start(ctx, id)
	if err != nil {
		return errorResult(id, err)
	}
	if active == nil {
		return s.finishedByID(ctx, id)
	}
	return s.wait(ctx, id, active)
}

// start 在启动锁内决定如何进入运行：复用在途执行、开始新运行或恢复中断的运行。
// 模块已结束时返回 nil。
func (s *Service) start(ctx context.Context, id string) (*activeRun, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if active := s.lookup(id); active != nil {
		return active, nil
	}

	mod, err := s.machine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var run *module.Run
	switch mod.Status {
	case module.StatusApproved:
		mod, run, err = s.machine.StartExecution(ctx, id)
	case module.StatusRunning:
		mod, run, err = s.machine.ResumeExecution(ctx, id)
	case module.StatusCompleted, module.StatusFailed, module.StatusAborted, module.StatusArchived:
		return nil, nil
	default:
		err = &module.IllegalTransitionError{ModuleID: id, From: mod.Status, To: module.StatusRunning}
	}
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(s.base)
	active := &activeRun{runID: run.ID, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.active[mod.ID] = active
	s.mu.Unlock()
	go s.execute(runCtx, mod, run, active)
	return active, nil
}

// Retry 重新批准失败的模块并开始新的运行。
func (s *Service) Retry(ctx context.Context, id string) Result {
	if _, err := s.machine.Approve(ctx, id); err != nil {
		return errorResult(id, err)
	}
	return s.Run(ctx, id)
}

// Abort 中止 RUNNING 模块并向在途步骤发出取消信号。
func (s *Service) Abort(ctx context.Context, id string) Result {
	mod, err := s.machine.Abort(ctx, id)
	if err != nil {
		return errorResult(id, err)
	}
	if active := s.lookup(id); active != nil {
		active.cancel()
		select {
		case <-active.done:
		case <-ctx.Done():
		}
	}
	logger.Audit().Warn("模块已中止", slog.String("module_id", id), slog.String("run_id", mod.CurrentRunID))
	return Result{Status: ResultOK, ModuleID: mod.ID, ModuleStatus: mod.Status, RunID: mod.CurrentRunID}
}

// Status 返回模块当前状态与最近一次运行的摘要。
func (s *Service) Status(ctx context.Context, id string) Result {
	mod, err := s.machine.Get(ctx, id)
	if err != nil {
		return errorResult(id, err)
	}
	report := &StatusReport{Module: mod}
	var run *module.Run
	if mod.CurrentRunID != "" {
		store := s.machine.Store()
		run, err = store.GetRun(ctx, mod.CurrentRunID)
		if err != nil {
			return errorResult(id, err)
		}
		report.LastRun = run
		if report.Executions, err = store.ListExecutions(ctx, run.ID); err != nil {
			return errorResult(id, err)
		}
	}
	res := runResult(mod, run)
	res.Report = report
	return res
}

// Resume 重新进入所有最后持久化状态为 RUNNING 的模块，直到它们结束。
func (s *Service) Resume(ctx context.Context) []Result {
	mods, err := s.machine.Interrupted(ctx)
	if err != nil {
		return []Result{errorResult("", err)}
	}
	results := make([]Result, len(mods))
	var wg sync.WaitGroup
	for i, mod := range mods {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = s.Run(ctx, id)
		}(i, mod.ID)
	}
	wg.Wait()
	s.logger.Info("恢复中断模块完成", slog.Int("modules", len(mods)))
	return results
}

// Wait 等待所有在途运行与记忆提炼结束。
func (s *Service) Wait() {
	for {
		s.mu.Lock()
		var pending *activeRun
		for _, a := range s.active {
			pending = a
			break
		}
		s.mu.Unlock()
		if pending == nil {
			break
		}
		<-pending.done
	}
	s.machine.Wait()
}

func (s *Service) execute(ctx context.Context, mod *module.Module, run *module.Run, active *activeRun) {
	defer func() {
		active.cancel()
		s.mu.Lock()
		delete(s.active, mod.ID)
		s.mu.Unlock()
		close(active.done)
	}()

	outcome, err := s.council.Run(ctx, mod, run)
	if err != nil {
		s.logger.Error("执行运行失败", slog.Any("error", err), slog.String("module_id", mod.ID), slog.String("run_id", run.ID))
		outcome = &council.Outcome{ErrorClass: xerrors.Classify(err), Message: err.Error()}
	}
	if outcome.Cancelled {
		active.result = s.afterCancel(mod.ID, run.ID)
		return
	}

	finished, err := s.machine.Complete(context.WithoutCancel(ctx), mod.ID, outcome.RunOutcome())
	if err != nil {
		if stdErrors.Is(err, module.ErrIllegalTransition) {
			// 运行期间模块已被中止。
			active.result = s.afterCancel(mod.ID, run.ID)
			return
		}
		active.result = errorResult(mod.ID, err)
		return
	}
	stored, err := s.machine.Store().GetRun(context.WithoutCancel(ctx), run.ID)
	if err != nil {
		stored = run
	}
	s.recorder.RunFinished(context.WithoutCancel(ctx), stored)
	res := runResult(finished, stored)
	res.Outputs = outcome.Outputs
	active.result = res
}

// afterCancel 根据持久化状态描述被取消的运行：被中止或随进程关闭而中断。
func (s *Service) afterCancel(id, runID string) Result {
	ctx := context.Background()
	mod, err := s.machine.Get(ctx, id)
	if err != nil {
		return errorResult(id, err)
	}
	if mod.Status == module.StatusRunning {
		return Result{Status: ResultFailed, ModuleID: id, ModuleStatus: mod.Status, RunID: runID, ErrorClass: xerrors.CodeUnknown, Message: "运行被中断，可通过 resume 继续"}
	}
	run, err := s.machine.Store().GetRun(ctx, runID)
	if err != nil {
		run = nil
	}
	if run != nil {
		s.recorder.RunFinished(ctx, run)
	}
	return runResult(mod, run)
}

func (s *Service) finishedByID(ctx context.Context, id string) Result {
	mod, err := s.machine.Get(ctx, id)
	if err != nil {
		return errorResult(id, err)
	}
	return s.finished(ctx, mod)
}

func (s *Service) finished(ctx context.Context, mod *module.Module) Result {
	var run *module.Run
	if mod.CurrentRunID != "" {
		r, err := s.machine.Store().GetRun(ctx, mod.CurrentRunID)
		if err != nil && !stdErrors.Is(err, module.ErrRunNotFound) {
			return errorResult(mod.ID, err)
		}
		run = r
	}
	return runResult(mod, run)
}

func (s *Service) lookup(id string) *activeRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[id]
}

func (s *Service) wait(ctx context.Context, id string, active *activeRun) Result {
	select {
	case <-active.done:
		return active.result
	case <-ctx.Done():
		return Result{Status: ResultFailed, ModuleID: id, RunID: active.runID, ErrorClass: xerrors.CodeTimeout, Message: "等待运行结束超时，运行仍在继续"}
	}
}
