package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"ModuleCouncil/internal/config"
	"ModuleCouncil/internal/module"
	"ModuleCouncil/pkg/logger"
)

// Thresholds 控制记忆晋升。
type Thresholds struct {
	MinOccurrences   int
	MinSuccessRate   float64
	ProceduralStreak int
	HistoryWindow    int
}

// DefaultThresholds 返回默认晋升阈值。
func DefaultThresholds() Thresholds {
	return Thresholds{MinOccurrences: 3, MinSuccessRate: 0.8, ProceduralStreak: 3, HistoryWindow: 200}
}

// ThresholdsFromConfig 根据配置构造阈值，缺省项使用默认值。
func ThresholdsFromConfig(cfg config.MemoryConfig) Thresholds {
	th := DefaultThresholds()
	if cfg.MinOccurrences > 0 {
		th.MinOccurrences = cfg.MinOccurrences
	}
	if cfg.MinSuccessRate > 0 {
		th.MinSuccessRate = cfg.MinSuccessRate
	}
	if cfg.ProceduralStreak > 0 {
		th.ProceduralStreak = cfg.ProceduralStreak
	}
	if cfg.HistoryWindow > 0 {
		th.HistoryWindow = cfg.HistoryWindow
	}
	return th
}

// Reporter 接收每次提炼写入的记录。
type Reporter interface {
	Consolidated(ctx context.Context, tenantID, moduleID, runID string, written map[string]string)
}

// Consolidator 在运行结束后写入情景记忆，并按阈值晋升语义与程序性记忆。
type Consolidator struct {
	store      Store
	thresholds Thresholds
	reporter   Reporter
	clock      func() time.Time
	newID      func() string
	logger     *slog.Logger
}

var _ module.Consolidator = (*Consolidator)(nil)

// ConsolidatorOption 定义可选配置。
type ConsolidatorOption func(*Consolidator)

// WithThresholds 覆盖晋升阈值。
func WithThresholds(th Thresholds) ConsolidatorOption {
	return func(c *Consolidator) {
		c.thresholds = th
	}
}

// WithReporter 指定提炼结果的接收方。
func WithReporter(r Reporter) ConsolidatorOption {
	return func(c *Consolidator) {
		c.reporter = r
	}
}

// WithClock 注入时钟。
func WithClock(clock func() time.Time) ConsolidatorOption {
	return func(c *Consolidator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithIDGenerator 覆盖记录 ID 的生成方式。
func WithIDGenerator(gen func() string) ConsolidatorOption {
	return func(c *Consolidator) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// NewConsolidator 构造提炼器。
func NewConsolidator(store Store, opts ...ConsolidatorOption) *Consolidator {
	c := &Consolidator{
		store:      store,
		thresholds: DefaultThresholds(),
		clock:      func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
		logger:     logger.Named("memory"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// PlanKey 返回步骤序列的模式键。
func PlanKey(steps []module.Step) string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	key := strings.Join(names, ">")
	if len(key) > 200 {
		sum := sha256.Sum256([]byte(key))
		key = hex.EncodeToString(sum[:])
	}
	return "plan:" + key
}

// ProceduralKey 返回步骤参数组合的键。
func ProceduralKey(step, inputHash string) string {
	return "step:" + step + ":" + inputHash
}

// Consolidate 提炼一次已结束的运行。
func (c *Consolidator) Consolidate(ctx context.Context, mod *module.Module, run *module.Run, executions []*module.StepExecution) error {
	if mod == nil || run == nil {
		return nil
	}
	summaries := Summarize(mod, executions)
	success := run.Status == module.RunCompleted
	rate := 0.0
	if success {
		rate = 1
	}
	key := PlanKey(mod.Steps)
	episodic := &Record{
		ID:          c.newID(),
		TenantID:    mod.TenantID,
		Tier:        TierEpisodic,
		Key:         key,
		ModuleID:    mod.ID,
		RunID:       run.ID,
		Success:     success,
		Occurrences: 1,
		SuccessRate: rate,
		Steps:       summaries,
		Parameters: map[string]any{
			"status":      string(run.Status),
			"error_class": string(run.ErrorClass),
			"failed_step": run.FailedStep,
			"cost":        run.Cost,
		},
		CreatedAt: c.clock(),
	}
	if err := c.store.Append(ctx, episodic); err != nil {
		return fmt.Errorf("写入情景记忆失败: %w", err)
	}
	written := map[string]string{string(TierEpisodic): episodic.ID}

	var errs []error
	if id, err := c.promoteSemantic(ctx, mod, run, key, summaries); err != nil {
		errs = append(errs, err)
	} else if id != "" {
		written[string(TierSemantic)] = id
	}
	for _, s := range summaries {
		if s.Status != string(module.ExecCompleted) {
			continue
		}
		id, err := c.writeProcedural(ctx, mod, run, s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if id != "" {
			written[string(TierProcedural)+":"+s.Name] = id
		}
	}

	logger.Audit().Info("记忆提炼完成",
		slog.String("module_id", mod.ID),
		slog.String("run_id", run.ID),
		slog.Int("records", len(written)),
	)
	if c.reporter != nil {
		c.reporter.Consolidated(ctx, mod.TenantID, mod.ID, run.ID, written)
	}
	return stdErrors.Join(errs...)
}

func (c *Consolidator) promoteSemantic(ctx context.Context, mod *module.Module, run *module.Run, key string, summaries []StepSummary) (string, error) {
	history, err := c.store.List(ctx, mod.TenantID, TierEpisodic, key, c.thresholds.HistoryWindow)
	if err != nil {
		return "", fmt.Errorf("读取情景记忆失败: %w", err)
	}
	seen := make(map[string]bool, len(history))
	successes := 0
	for _, rec := range history {
		if seen[rec.RunID] {
			continue
		}
		seen[rec.RunID] = true
		if rec.Success {
			successes++
		}
	}
	occurrences := len(seen)
	if occurrences == 0 || occurrences < c.thresholds.MinOccurrences {
		return "", nil
	}
	rate := float64(successes) / float64(occurrences)
	if rate < c.thresholds.MinSuccessRate {
		return "", nil
	}

	previous, err := c.store.Latest(ctx, mod.TenantID, TierSemantic, key)
	if err != nil && !stdErrors.Is(err, ErrRecordNotFound) {
		return "", fmt.Errorf("读取语义记忆失败: %w", err)
	}
	if previous != nil && previous.Occurrences == occurrences && previous.SuccessRate == rate {
		return "", nil
	}

	steps := make([]StepSummary, len(summaries))
	for i, s := range summaries {
		steps[i] = StepSummary{Name: s.Name, Status: s.Status}
	}
	rec := &Record{
		ID:          c.newID(),
		TenantID:    mod.TenantID,
		Tier:        TierSemantic,
		Key:         key,
		ModuleID:    mod.ID,
		RunID:       run.ID,
		Success:     true,
		Occurrences: occurrences,
		SuccessRate: rate,
		Steps:       steps,
		CreatedAt:   c.clock(),
	}
	if err := c.store.Append(ctx, rec); err != nil {
		return "", fmt.Errorf("写入语义记忆失败: %w", err)
	}
	if previous != nil {
		if err := c.store.Supersede(ctx, previous.ID, rec.ID); err != nil {
			return rec.ID, fmt.Errorf("标记旧语义记忆失败: %w", err)
		}
	}
	return rec.ID, nil
}

func (c *Consolidator) writeProcedural(ctx context.Context, mod *module.Module, run *module.Run, summary StepSummary) (string, error) {
	history, err := c.store.List(ctx, mod.TenantID, TierEpisodic, "", c.thresholds.HistoryWindow)
	if err != nil {
		return "", fmt.Errorf("读取情景记忆失败: %w", err)
	}
	seen := make(map[string]bool, len(history))
	streak := 0
	for _, rec := range history {
		if seen[rec.RunID] {
			continue
		}
		step, ok := rec.StepByName(summary.Name)
		if !ok || step.InputHash != summary.InputHash {
			continue
		}
		seen[rec.RunID] = true
		if step.Status == string(module.ExecCompleted) {
			streak++
			continue
		}
		if step.Status == string(module.ExecFailed) {
			break
		}
	}
	if streak < c.thresholds.ProceduralStreak {
		return "", nil
	}

	key := ProceduralKey(summary.Name, summary.InputHash)
	previous, err := c.store.Latest(ctx, mod.TenantID, TierProcedural, key)
	if err != nil && !stdErrors.Is(err, ErrRecordNotFound) {
		return "", fmt.Errorf("读取程序性记忆失败: %w", err)
	}
	if previous != nil && previous.Occurrences == streak {
		return "", nil
	}

	var params map[string]any
	if step, ok := mod.StepByName(summary.Name); ok && len(step.Input) > 0 {
		params = make(map[string]any, len(step.Input))
		for k, v := range step.Input {
			params[k] = v
		}
	}
	rec := &Record{
		ID:          c.newID(),
		TenantID:    mod.TenantID,
		Tier:        TierProcedural,
		Key:         key,
		ModuleID:    mod.ID,
		RunID:       run.ID,
		Success:     true,
		Occurrences: streak,
		SuccessRate: 1,
		Steps:       []StepSummary{summary},
		Parameters:  params,
		CreatedAt:   c.clock(),
	}
	if err := c.store.Append(ctx, rec); err != nil {
		return "", fmt.Errorf("写入程序性记忆失败: %w", err)
	}
	if previous != nil {
		if err := c.store.Supersede(ctx, previous.ID, rec.ID); err != nil {
			return rec.ID, fmt.Errorf("标记旧程序性记忆失败: %w", err)
		}
	}
	return rec.ID, nil
}

// Summarize 按模块步骤顺序汇总每个步骤的最终执行结果，未执行的步骤被忽略。
func Summarize(mod *module.Module, executions []*module.StepExecution) []StepSummary {
	latest := make(map[string]*module.StepExecution, len(mod.Steps))
	costs := make(map[string]float64, len(mod.Steps))
	for _, exec := range executions {
		if exec == nil {
			continue
		}
		costs[exec.Step] += exec.Cost
		cur := latest[exec.Step]
		if cur == nil || exec.Attempt > cur.Attempt || (exec.Attempt == cur.Attempt && exec.Status.Terminal() && !cur.Status.Terminal()) {
			latest[exec.Step] = exec
		}
	}
	out := make([]StepSummary, 0, len(latest))
	for _, step := range mod.Steps {
		exec, ok := latest[step.Name]
		if !ok {
			continue
		}
		out = append(out, StepSummary{
			Name:       step.Name,
			InputHash:  exec.InputHash,
			OutputHash: exec.OutputHash,
			Status:     string(exec.Status),
			Attempts:   exec.Attempt,
			Cost:       costs[step.Name],
			ErrorClass: exec.ErrorClass,
		})
	}
	return out
}
