package council

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ModuleCouncil/internal/budget"
	xerrors "ModuleCouncil/internal/errors"
	"ModuleCouncil/internal/ledger"
	"ModuleCouncil/internal/memory"
	"ModuleCouncil/internal/module"
	"ModuleCouncil/internal/retry"
	"ModuleCouncil/internal/telemetry"
	"ModuleCouncil/pkg/logger"
)

// Dependencies 汇总议会运行所需的协作者。
type Dependencies struct {
	Store     module.Store
	Executors *Table
	Ledger    ledger.Ledger
	Budget    budget.Ledger
	Policy    *retry.Policy
	Memory    memory.Store
	Recorder  *telemetry.Recorder
}

// Council 执行一次运行的全部步骤。
type Council struct {
	store        module.Store
	table        *Table
	ledger       ledger.Ledger
	budget       budget.Ledger
	policy       *retry.Policy
	memory       memory.Store
	recorder     *telemetry.Recorder
	maxParallel  int
	stepTimeout  time.Duration
	pollInterval time.Duration
	renewEvery   time.Duration
	recallLimit  int
	tracer       trace.Tracer
	clock        func() time.Time
	newID        func() string
	sleep        func(ctx context.Context, d time.Duration) error
	logger       *slog.Logger
}

// Option 定义可选配置。
type Option func(*Council)

// WithMaxParallel 限制同一运行内并发执行的步骤数。
func WithMaxParallel(n int) Option {
	return func(c *Council) {
		if n > 0 {
			c.maxParallel = n
		}
	}
}

// WithStepTimeout 设置步骤未声明超时时的默认值。
func WithStepTimeout(d time.Duration) Option {
	return func(c *Council) {
		if d > 0 {
			c.stepTimeout = d
		}
	}
}

// WithPollInterval 设置等待他人预留时的轮询间隔。
func WithPollInterval(d time.Duration) Option {
	return func(c *Council) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithRenewInterval 设置执行期间刷新幂等键预留的间隔，应明显小于账本的遗弃阈值。
func WithRenewInterval(d time.Duration) Option {
	return func(c *Council) {
		if d > 0 {
			c.renewEvery = d
		}
	}
}

// WithRecallLimit 设置每个步骤召回的记忆条数。
func WithRecallLimit(n int) Option {
	return func(c *Council) {
		c.recallLimit = n
	}
}

// WithTracer 指定 tracer。
func WithTracer(t trace.Tracer) Option {
	return func(c *Council) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithClock 注入时钟。
func WithClock(clock func() time.Time) Option {
	return func(c *Council) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithIDGenerator 覆盖执行记录 ID 的生成方式。
func WithIDGenerator(gen func() string) Option {
	return func(c *Council) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// WithSleeper 覆盖退避等待的实现。
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Council) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// New 构造议会。
func New(deps Dependencies, opts ...Option) (*Council, error) {
	if deps.Store == nil || deps.Executors == nil || deps.Ledger == nil || deps.Budget == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "议会依赖未配置完整")
	}
	c := &Council{
		store:        deps.Store,
		table:        deps.Executors,
		ledger:       deps.Ledger,
		budget:       deps.Budget,
		policy:       deps.Policy,
		memory:       deps.Memory,
		recorder:     deps.Recorder,
		maxParallel:  8,
		stepTimeout:  10 * time.Minute,
		pollInterval: 500 * time.Millisecond,
		renewEvery:   time.Minute,
		recallLimit:  5,
		tracer:       otel.Tracer("ModuleCouncil/internal/council"),
		clock:        func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
		sleep:        retry.Wait,
		logger:       logger.Named("council"),
	}
	if c.policy == nil {
		c.policy = retry.DefaultPolicy()
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// StepResult 是一个步骤在本次运行中的最终结果。
type StepResult struct {
	Name        string             `json:"name"`
	Status      module.ExecStatus  `json:"status"`
	Attempts    int                `json:"attempts"`
	Output      json.RawMessage    `json:"output,omitempty"`
	Cost        float64            `json:"cost"`
	Tokens      int64              `json:"tokens"`
	ErrorClass  xerrors.Code       `json:"error_class,omitempty"`
	Error       string             `json:"error,omitempty"`
	Reason      retry.Reason       `json:"reason,omitempty"`
	HumanReview bool               `json:"human_review,omitempty"`
	Cancelled   bool               `json:"cancelled,omitempty"`
	executions  int
}

func (r *StepResult) succeeded() bool {
	return r.Status == module.ExecCompleted || r.Status == module.ExecSkipped
}

// Outcome 是一次运行的汇总结果。
type Outcome struct {
	Success     bool                       `json:"success"`
	Cancelled   bool                       `json:"cancelled,omitempty"`
	ErrorClass  xerrors.Code               `json:"error_class,omitempty"`
	FailedStep  string                     `json:"failed_step,omitempty"`
	Message     string                     `json:"message,omitempty"`
	NeedsReview bool                       `json:"needs_review,omitempty"`
	Cost        float64                    `json:"cost"`
	Tokens      int64                      `json:"tokens"`
	Attempts    int                        `json:"attempts"`
	Steps       []*StepResult              `json:"steps"`
	Outputs     map[string]json.RawMessage `json:"outputs,omitempty"`
}

// RunOutcome 转换为状态机的结束参数。
func (o *Outcome) RunOutcome() module.RunOutcome {
	return module.RunOutcome{
		Success:     o.Success,
		ErrorClass:  o.ErrorClass,
		FailedStep:  o.FailedStep,
		Message:     o.Message,
		NeedsReview: o.NeedsReview,
		Cost:        o.Cost,
		Tokens:      o.Tokens,
		Attempts:    o.Attempts,
	}
}

// runState 在一次运行的所有步骤间共享。
type runState struct {
	mod         *module.Module
	run         *module.Run
	runAttempts atomic.Int64
	prior       map[string]int
	abandoned   map[string][]*module.StepExecution
	// priorCost 是崩溃前已记录的花费。
	priorCost float64
}

// Run 按依赖图执行运行中的全部步骤。ctx 取消表示中止：在途步骤收到取消信号，
// 其预留被释放。返回的 error 仅表示基础设施故障，步骤失败体现在 Outcome 中。
func (c *Council) Run(ctx context.Context, mod *module.Module, run *module.Run) (*Outcome, error) {
	if mod == nil || run == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "模块或运行为空")
	}
	if err := mod.Validate(); err != nil {
		return &Outcome{ErrorClass: xerrors.Classify(err), Message: err.Error()}, nil
	}

	ctx, span := c.tracer.Start(ctx, "council.run", trace.WithAttributes(
		attribute.String("module.id", mod.ID),
		attribute.String("tenant.id", mod.TenantID),
		attribute.String("run.id", run.ID),
		attribute.Int("steps", len(mod.Steps)),
	))
	defer span.End()

	state, err := c.loadState(ctx, mod, run)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	plan := NewPlan(mod.Steps)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan *StepResult)
	sem := make(chan struct{}, c.maxParallel)
	outputs := make(map[string]json.RawMessage, plan.Len())
	collected := make(map[string]*StepResult, plan.Len())
	inflight := 0
	var failure *StepResult

	dispatch := func(step module.Step) {
		deps := make(map[string]json.RawMessage, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			deps[dep] = outputs[dep]
		}
		inflight++
		go func() {
			select {
			case sem <- struct{}{}:
			case <-runCtx.Done():
				results <- &StepResult{Name: step.Name, Status: module.ExecPending, Cancelled: true}
				return
			}
			defer func() { <-sem }()
			results <- c.executeStep(runCtx, state, step, deps)
		}()
	}

	for _, step := range plan.Ready() {
		dispatch(step)
	}
	for inflight > 0 {
		res := <-results
		inflight--
		collected[res.Name] = res
		if res.succeeded() {
			outputs[res.Name] = res.Output
			if failure == nil && runCtx.Err() == nil {
				for _, next := range plan.Done(res.Name) {
					dispatch(next)
				}
			}
			continue
		}
		if failure == nil && !res.Cancelled {
			failure = res
			cancel()
		}
	}

	out := &Outcome{Outputs: outputs, Attempts: int(state.runAttempts.Load()), Cost: state.priorCost}
	for _, step := range mod.Steps {
		res, ok := collected[step.Name]
		if !ok {
			continue
		}
		out.Steps = append(out.Steps, res)
		out.Cost += res.Cost
		out.Tokens += res.Tokens
	}
	switch {
	case failure != nil:
		out.ErrorClass = failure.ErrorClass
		out.FailedStep = failure.Name
		out.Message = failure.Error
		out.NeedsReview = failure.HumanReview
	case ctx.Err() != nil:
		out.Cancelled = true
		out.Message = "运行已取消"
	case plan.Finished():
		out.Success = true
	default:
		out.ErrorClass = xerrors.CodeUnknown
		out.Message = "依赖图未能全部完成"
	}

	span.SetAttributes(
		attribute.Bool("success", out.Success),
		attribute.Float64("cost", out.Cost),
		attribute.Int("attempts", out.Attempts),
	)
	if !out.Success {
		span.SetStatus(codes.Error, string(out.ErrorClass))
	}
	c.logger.Info("运行结束",
		slog.String("module_id", mod.ID),
		slog.String("run_id", run.ID),
		slog.Bool("success", out.Success),
		slog.Bool("cancelled", out.Cancelled),
		slog.String("error_class", string(out.ErrorClass)),
		slog.String("failed_step", out.FailedStep),
		slog.Float64("cost", out.Cost),
	)
	return out, nil
}

// loadState 读取运行已有的执行记录，用于崩溃恢复后延续尝试序号。
func (c *Council) loadState(ctx context.Context, mod *module.Module, run *module.Run) (*runState, error) {
	state := &runState{
		mod:       mod,
		run:       run,
		prior:     make(map[string]int),
		abandoned: make(map[string][]*module.StepExecution),
	}
	execs, err := c.store.ListExecutions(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	var attempts int64
	for _, exec := range execs {
		if exec.Attempt > state.prior[exec.Step] {
			state.prior[exec.Step] = exec.Attempt
		}
		if exec.Status != module.ExecSkipped {
			attempts++
		}
		state.priorCost += exec.Cost
		if !exec.Status.Terminal() {
			state.abandoned[exec.Step] = append(state.abandoned[exec.Step], exec)
		}
	}
	state.runAttempts.Store(attempts)
	if len(execs) > 0 {
		c.logger.Info("延续已有运行",
			slog.String("module_id", mod.ID),
			slog.String("run_id", run.ID),
			slog.Int("executions", len(execs)),
			slog.Float64("prior_cost", state.priorCost),
		)
	}
	return state, nil
}
