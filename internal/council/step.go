package council

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	xerrors "ModuleCouncil/internal/errors"
	"ModuleCouncil/internal/ledger"
	"ModuleCouncil/internal/module"
	"ModuleCouncil/internal/observability/metrics"
	"ModuleCouncil/internal/retry"
	"ModuleCouncil/internal/telemetry"
)

const (
	memoryInputKey   = "_memory"
	feedbackInputKey = "_feedback"
)

// errReservationLost 表示执行期间幂等键预留被其他执行者接管。
var errReservationLost = xerrors.New(xerrors.CodeUnknown, "幂等键预留已被其他执行者接管")

// stepRun 是单个步骤在一次运行中的执行上下文。
type stepRun struct {
	state     *runState
	step      module.Step
	input     map[string]any
	key       string
	inputHash string
	owner     string
	result    *StepResult
	stopRenew func()
}

// executeStep 执行单个步骤：幂等检查、预算预检、执行、评审与重试。
func (c *Council) executeStep(ctx context.Context, state *runState, step module.Step, deps map[string]json.RawMessage) *StepResult {
	ctx, span := c.tracer.Start(ctx, "council.step", trace.WithAttributes(
		attribute.String("run.id", state.run.ID),
		attribute.String("step", step.Name),
	))
	defer span.End()

	sr := &stepRun{
		state:  state,
		step:   step,
		input:  resolveInput(step, deps),
		owner:  c.newID(),
		result: &StepResult{Name: step.Name},
	}
	res := c.runStep(ctx, sr)
	span.SetAttributes(
		attribute.String("status", string(res.Status)),
		attribute.Int("attempts", res.Attempts),
	)
	if !res.succeeded() {
		span.SetStatus(codes.Error, string(res.ErrorClass))
	}
	return res
}

func (c *Council) runStep(ctx context.Context, sr *stepRun) *StepResult {
	mod, run, step := sr.state.mod, sr.state.run, sr.step

	key, err := ledger.Fingerprint(mod.TenantID, mod.ID, step.Name, sr.input)
	if err != nil {
		return c.failWithoutReservation(ctx, sr, xerrors.CodeValidation, err)
	}
	sr.key = key
	if sr.inputHash, err = ledger.Hash(sr.input); err != nil {
		return c.failWithoutReservation(ctx, sr, xerrors.CodeValidation, err)
	}

	worker, err := c.table.Worker(step)
	if err != nil {
		return c.failWithoutReservation(ctx, sr, xerrors.CodeValidation, err)
	}

	verdict, entry, err := c.reserve(ctx, sr)
	if err != nil {
		if ctx.Err() != nil {
			return c.cancelled(sr)
		}
		return c.failWithoutReservation(ctx, sr, xerrors.Classify(err), err)
	}
	switch verdict {
	case ledger.HitSuccess:
		c.takeOverAbandoned(ctx, sr)
		return c.skip(ctx, sr, entry)
	case ledger.HitFailure:
		class := entry.ErrorClass
		if class == "" {
			class = xerrors.CodeUnknown
		}
		if !c.policy.RetryOnNewRun(class) {
			return c.failWithoutReservation(ctx, sr, class, fmt.Errorf("账本记录的失败不可重试: %s", entry.Error))
		}
		ok, err := c.ledger.Reclaim(ctx, sr.key, sr.owner)
		if err != nil {
			return c.failWithoutReservation(ctx, sr, xerrors.Classify(err), err)
		}
		if !ok {
			// 其他执行者抢先接管，重新走一次检查。
			return c.runStep(ctx, sr)
		}
		c.logger.Info("接管账本中的失败记录",
			slog.String("run_id", run.ID),
			slog.String("step", step.Name),
			slog.String("previous_class", string(class)),
		)
	}

	c.takeOverAbandoned(ctx, sr)
	return c.attemptLoop(ctx, sr, worker)
}

// reserve 反复检查账本，直到获得预留、命中结果或上下文结束。
func (c *Council) reserve(ctx context.Context, sr *stepRun) (ledger.Verdict, *ledger.Entry, error) {
	for {
		res, err := c.ledger.CheckAndReserve(ctx, sr.key, sr.owner)
		if err != nil {
			return "", nil, err
		}
		if res.Verdict != ledger.Busy {
			return res.Verdict, res.Entry, nil
		}
		c.logger.Debug("幂等键被占用，等待释放",
			slog.String("run_id", sr.state.run.ID),
			slog.String("step", sr.step.Name),
		)
		if err := retry.Wait(ctx, c.pollInterval); err != nil {
			return "", nil, err
		}
	}
}

// heartbeat 在步骤持有预留期间周期性刷新它。预留丢失时取消返回的上下文，
// 其 cause 为 errReservationLost。sr.stopRenew 停止刷新，可重复调用。
func (c *Council) heartbeat(ctx context.Context, sr *stepRun) context.Context {
	hbCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.renewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-hbCtx.Done():
				return
			case <-ticker.C:
			}
			err := c.ledger.Renew(hbCtx, sr.key, sr.owner)
			switch {
			case err == nil:
			case stdErrors.Is(err, ledger.ErrNotOwner):
				c.logger.Error("幂等键预留已丢失，停止步骤",
					slog.String("run_id", sr.state.run.ID),
					slog.String("step", sr.step.Name),
				)
				cancel(errReservationLost)
				return
			default:
				c.logger.Warn("刷新幂等键预留失败",
					slog.Any("error", err),
					slog.String("run_id", sr.state.run.ID),
					slog.String("step", sr.step.Name),
				)
			}
		}
	}()
	var once sync.Once
	sr.stopRenew = func() {
		once.Do(func() {
			close(done)
			wg.Wait()
			cancel(nil)
		})
	}
	return hbCtx
}

func (sr *stepRun) stopHeartbeat() {
	if sr.stopRenew != nil {
		sr.stopRenew()
	}
}

// reservationLost 判断步骤是否因预留被接管而停止，上级取消优先。
func reservationLost(parent, hbCtx context.Context) bool {
	return parent.Err() == nil && stdErrors.Is(context.Cause(hbCtx), errReservationLost)
}

func (c *Council) attemptLoop(ctx context.Context, sr *stepRun, worker Executor) *StepResult {
	mod, run, step := sr.state.mod, sr.state.run, sr.step
	attempt := sr.state.prior[step.Name]
	revisions := 0
	feedback := ""
	hbCtx := c.heartbeat(ctx, sr)
	defer sr.stopHeartbeat()

	for {
		attempt++
		runAttempts := int(sr.state.runAttempts.Add(1))
		exec := &module.StepExecution{
			ID:        c.newID(),
			RunID:     run.ID,
			Step:      step.Name,
			Key:       sr.key,
			Attempt:   attempt,
			Status:    module.ExecRunning,
			InputHash: sr.inputHash,
			Feedback:  feedback,
			StartedAt: c.clock(),
		}
		c.saveExecution(ctx, exec)
		sr.result.Attempts = attempt
		sr.result.executions++

		hold, ok, err := c.budget.Reserve(ctx, mod.TenantID, run.ID, step.EstimatedCost)
		if err == nil && !ok {
			c.recorder.BudgetDenied(ctx, mod.TenantID, mod.ID, run.ID, step.Name, step.EstimatedCost)
			c.releaseReservation(ctx, sr)
			denial := xerrors.New(xerrors.CodeBudgetExceeded,
				fmt.Sprintf("租户 %s 预算不足，步骤 %s 预估花费 %.4f", mod.TenantID, step.Name, step.EstimatedCost))
			c.finishExecution(ctx, sr, exec, module.ExecFailed, xerrors.CodeBudgetExceeded, denial.Error(), "")
			decision := c.policy.Decide(xerrors.CodeBudgetExceeded, attempt, runAttempts, revisions)
			return c.terminalFailure(ctx, sr, xerrors.CodeBudgetExceeded, denial, decision, false)
		}

		var res attemptResult
		if err != nil {
			res = attemptResult{class: xerrors.Classify(err), err: err, feedback: feedback}
		} else {
			res = c.invoke(hbCtx, sr, exec, worker, feedback)
			if err := c.budget.Release(context.WithoutCancel(ctx), hold); err != nil {
				c.logger.Warn("释放预算预占失败",
					slog.Any("error", err),
					slog.String("run_id", run.ID),
					slog.String("step", step.Name),
				)
			}
		}
		output, class, failErr := res.output, res.class, res.err
		feedback = res.feedback

		if reservationLost(ctx, hbCtx) {
			return c.lostReservation(ctx, sr, exec)
		}

		if failErr == nil {
			sr.stopHeartbeat()
			outputHash, _ := ledger.Hash(output)
			err := c.ledger.Record(ctx, sr.key, sr.owner, ledger.Outcome{Succeeded: true, Output: output, OutputHash: outputHash})
			if stdErrors.Is(err, ledger.ErrNotOwner) {
				return c.lostReservation(ctx, sr, exec)
			}
			if err != nil {
				c.logger.Error("写入账本成功结果失败",
					slog.Any("error", err),
					slog.String("run_id", run.ID),
					slog.String("step", step.Name),
				)
			}
			c.finishExecution(ctx, sr, exec, module.ExecCompleted, "", "", outputHash)
			sr.result.Status = module.ExecCompleted
			sr.result.Output = output
			return sr.result
		}

		if ctx.Err() != nil {
			c.finishExecution(ctx, sr, exec, module.ExecFailed, xerrors.CodeCancelled, failErr.Error(), "")
			return c.cancelled(sr)
		}

		c.finishExecution(ctx, sr, exec, module.ExecFailed, class, failErr.Error(), "")
		decision := c.policy.Decide(class, attempt, runAttempts, revisions)
		c.logger.Warn("步骤尝试失败",
			slog.String("module_id", mod.ID),
			slog.String("run_id", run.ID),
			slog.String("step", step.Name),
			slog.Int("attempt", attempt),
			slog.String("error_class", string(class)),
			slog.String("decision", string(decision.Reason)),
		)
		if !decision.Retry {
			return c.terminalFailure(ctx, sr, class, failErr, decision, true)
		}
		if class == xerrors.CodeEvaluatorFailure {
			revisions++
		}
		if !decision.CarryFeedback {
			feedback = ""
		}
		if err := c.sleep(hbCtx, decision.Delay); err != nil {
			if reservationLost(ctx, hbCtx) {
				return c.terminalFailure(ctx, sr, xerrors.CodeUnknown, errReservationLost,
					retry.Decision{Escalate: true, Reason: retry.ReasonNonRetryable}, false)
			}
			return c.cancelled(sr)
		}
	}
}

// lostReservation 结束预留已被接管的步骤。结果不写入账本，由新的持有者负责。
func (c *Council) lostReservation(ctx context.Context, sr *stepRun, exec *module.StepExecution) *StepResult {
	sr.stopHeartbeat()
	c.finishExecution(ctx, sr, exec, module.ExecFailed, xerrors.CodeUnknown, errReservationLost.Error(), "")
	decision := retry.Decision{Escalate: true, Reason: retry.ReasonNonRetryable}
	return c.terminalFailure(ctx, sr, xerrors.CodeUnknown, errReservationLost, decision, false)
}

// attemptResult 是一次尝试的结果，feedback 为下一次尝试需要携带的评审意见。
type attemptResult struct {
	output   json.RawMessage
	class    xerrors.Code
	err      error
	feedback string
}

// invoke 调用执行者与评审者。
func (c *Council) invoke(ctx context.Context, sr *stepRun, exec *module.StepExecution, worker Executor, feedback string) attemptResult {
	mod, run, step := sr.state.mod, sr.state.run, sr.step
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = c.stepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input := cloneInput(sr.input)
	if recalled := c.recall(ctx, mod.TenantID, step.Name); len(recalled) > 0 {
		input[memoryInputKey] = recalled
	}
	if feedback != "" {
		input[feedbackInputKey] = feedback
	}
	req := Request{
		Role:     RoleWorker,
		TenantID: mod.TenantID,
		ModuleID: mod.ID,
		RunID:    run.ID,
		Step:     step,
		Attempt:  exec.Attempt,
		Input:    input,
	}

	start := time.Now()
	resp, err := worker.Execute(stepCtx, req)
	metrics.ObserveStepLatency(step.Capability(), string(RoleWorker), time.Since(start))
	c.spend(ctx, sr, exec, resp)
	if err != nil {
		return attemptResult{class: c.classify(ctx, stepCtx, err), err: err, feedback: feedback}
	}

	evaluator := c.table.Evaluator(step)
	if evaluator == nil {
		return attemptResult{output: resp.Output, feedback: feedback}
	}
	evalReq := req
	evalReq.Role = RoleEvaluator
	evalReq.Output = resp.Output
	start = time.Now()
	verdict, err := evaluator.Execute(stepCtx, evalReq)
	metrics.ObserveStepLatency(step.Capability(), string(RoleEvaluator), time.Since(start))
	c.spend(ctx, sr, exec, verdict)
	if err != nil {
		return attemptResult{class: c.classify(ctx, stepCtx, err), err: err, feedback: feedback}
	}
	if !verdict.Pass {
		next := verdict.Feedback
		if next == "" {
			next = "评审未通过"
		}
		return attemptResult{class: xerrors.CodeEvaluatorFailure, err: xerrors.New(xerrors.CodeEvaluatorFailure, next), feedback: next}
	}
	return attemptResult{output: resp.Output, feedback: feedback}
}

func (c *Council) classify(ctx, stepCtx context.Context, err error) xerrors.Code {
	if ctx.Err() == nil && stdErrors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		return xerrors.CodeTimeout
	}
	return xerrors.Classify(err)
}

// spend 记录一次调用的花费。记账失败只记录日志。
func (c *Council) spend(ctx context.Context, sr *stepRun, exec *module.StepExecution, resp Response) {
	if resp.Cost <= 0 && resp.Tokens <= 0 {
		return
	}
	mod, run := sr.state.mod, sr.state.run
	exec.Cost += resp.Cost
	sr.result.Cost += resp.Cost
	sr.result.Tokens += resp.Tokens
	if resp.Cost <= 0 {
		return
	}
	if err := c.budget.RecordSpend(context.WithoutCancel(ctx), mod.TenantID, run.ID, resp.Cost); err != nil {
		c.logger.Error("记录花费失败",
			slog.Any("error", err),
			slog.String("run_id", run.ID),
			slog.String("step", sr.step.Name),
		)
	}
	c.recorder.Cost(ctx, mod.TenantID, mod.ID, run.ID, sr.step.Name, resp.Cost)
}

func (c *Council) recall(ctx context.Context, tenantID, step string) []map[string]any {
	if c.memory == nil || c.recallLimit <= 0 {
		return nil
	}
	records, err := c.memory.Recall(ctx, tenantID, step, c.recallLimit)
	if err != nil {
		c.logger.Warn("召回记忆失败", slog.Any("error", err), slog.String("step", step))
		return nil
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]any{
			"tier":         string(rec.Tier),
			"key":          rec.Key,
			"occurrences":  rec.Occurrences,
			"success_rate": rec.SuccessRate,
			"parameters":   rec.Parameters,
		})
	}
	return out
}

func (c *Council) skip(ctx context.Context, sr *stepRun, entry *ledger.Entry) *StepResult {
	exec := &module.StepExecution{
		ID:        c.newID(),
		RunID:     sr.state.run.ID,
		Step:      sr.step.Name,
		Key:       sr.key,
		Attempt:   sr.state.prior[sr.step.Name] + 1,
		Status:    module.ExecRunning,
		InputHash: sr.inputHash,
		StartedAt: c.clock(),
	}
	c.saveExecution(ctx, exec)
	c.finishExecution(ctx, sr, exec, module.ExecSkipped, "", "", entry.OutputHash)
	sr.result.Status = module.ExecSkipped
	sr.result.Attempts = exec.Attempt
	sr.result.Output = entry.Output
	return sr.result
}

func (c *Council) failWithoutReservation(ctx context.Context, sr *stepRun, class xerrors.Code, cause error) *StepResult {
	exec := &module.StepExecution{
		ID:        c.newID(),
		RunID:     sr.state.run.ID,
		Step:      sr.step.Name,
		Key:       sr.key,
		Attempt:   sr.state.prior[sr.step.Name] + 1,
		Status:    module.ExecRunning,
		InputHash: sr.inputHash,
		StartedAt: c.clock(),
	}
	c.saveExecution(ctx, exec)
	c.finishExecution(ctx, sr, exec, module.ExecFailed, class, cause.Error(), "")
	sr.result.Attempts = exec.Attempt
	decision := retry.Decision{Escalate: true, Reason: retry.ReasonNonRetryable}
	return c.terminalFailure(ctx, sr, class, cause, decision, false)
}

// terminalFailure 结束步骤并上报升级事件。recordLedger 为 true 时将失败写入账本。
func (c *Council) terminalFailure(ctx context.Context, sr *stepRun, class xerrors.Code, cause error, decision retry.Decision, recordLedger bool) *StepResult {
	mod, run, step := sr.state.mod, sr.state.run, sr.step
	sr.stopHeartbeat()
	if recordLedger {
		outcome := ledger.Outcome{ErrorClass: class, Error: cause.Error()}
		if err := c.ledger.Record(context.WithoutCancel(ctx), sr.key, sr.owner, outcome); err != nil {
			c.logger.Error("写入账本失败结果失败",
				slog.Any("error", err),
				slog.String("run_id", run.ID),
				slog.String("step", step.Name),
			)
		}
	}
	sr.result.Status = module.ExecFailed
	sr.result.ErrorClass = class
	sr.result.Error = cause.Error()
	sr.result.Reason = decision.Reason
	sr.result.HumanReview = decision.HumanReview
	if decision.Escalate {
		c.recorder.Escalate(ctx, telemetry.Escalation{
			TenantID:    mod.TenantID,
			ModuleID:    mod.ID,
			RunID:       run.ID,
			Step:        step.Name,
			Class:       class,
			Reason:      string(decision.Reason),
			Attempts:    sr.result.Attempts,
			HumanReview: decision.HumanReview,
			Message:     cause.Error(),
		})
	}
	return sr.result
}

func (c *Council) cancelled(sr *stepRun) *StepResult {
	c.releaseReservation(context.Background(), sr)
	sr.result.Status = module.ExecFailed
	sr.result.Cancelled = true
	sr.result.ErrorClass = xerrors.CodeCancelled
	sr.result.Error = "步骤已取消"
	return sr.result
}

func (c *Council) releaseReservation(ctx context.Context, sr *stepRun) {
	sr.stopHeartbeat()
	if sr.key == "" {
		return
	}
	err := c.ledger.Release(context.WithoutCancel(ctx), sr.key, sr.owner)
	if err != nil && !stdErrors.Is(err, ledger.ErrNotOwner) && !stdErrors.Is(err, ledger.ErrEntryNotFound) {
		c.logger.Warn("释放账本预留失败",
			slog.Any("error", err),
			slog.String("run_id", sr.state.run.ID),
			slog.String("step", sr.step.Name),
		)
	}
}

// takeOverAbandoned 在接管预留后结束上次进程遗留的非终态执行记录。
func (c *Council) takeOverAbandoned(ctx context.Context, sr *stepRun) {
	for _, exec := range sr.state.abandoned[sr.step.Name] {
		cp := *exec
		c.finishExecution(ctx, sr, &cp, module.ExecFailed, xerrors.CodeUnknown, "执行被中断，预留已被接管", "")
	}
}

func (c *Council) saveExecution(ctx context.Context, exec *module.StepExecution) {
	if err := c.store.SaveExecution(context.WithoutCancel(ctx), exec); err != nil {
		c.logger.Error("保存执行记录失败",
			slog.Any("error", err),
			slog.String("run_id", exec.RunID),
			slog.String("step", exec.Step),
			slog.Int("attempt", exec.Attempt),
		)
	}
}

func (c *Council) finishExecution(ctx context.Context, sr *stepRun, exec *module.StepExecution, status module.ExecStatus, class xerrors.Code, message, outputHash string) {
	exec.Status = status
	exec.ErrorClass = class
	exec.Error = message
	exec.OutputHash = outputHash
	exec.FinishedAt = c.clock()
	c.saveExecution(ctx, exec)
	c.recorder.StepAttempt(context.WithoutCancel(ctx), sr.state.mod.TenantID, sr.state.mod.ID, exec)
}

// resolveInput 合并步骤参数与依赖输出，依赖输出以依赖步骤名为键。
func resolveInput(step module.Step, deps map[string]json.RawMessage) map[string]any {
	input := make(map[string]any, len(step.Input)+len(deps))
	for k, v := range step.Input {
		input[k] = v
	}
	for name, out := range deps {
		input[name] = out
	}
	return input
}

func cloneInput(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}
