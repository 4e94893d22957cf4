package module

import (
	"fmt"
	"time"

	xerrors "ModuleCouncil/internal/errors"
)

// Status 表示模块在生命周期中的状态。
type Status string

const (
	StatusDraft         Status = "DRAFT"
	StatusPendingReview Status = "PENDING_REVIEW"
	StatusApproved      Status = "APPROVED"
	StatusRunning       Status = "RUNNING"
	StatusCompleted     Status = "COMPLETED"
	StatusFailed        Status = "FAILED"
	StatusAborted       Status = "ABORTED"
	StatusArchived      Status = "ARCHIVED"
)

// Statuses 返回全部模块状态。
func Statuses() []Status {
	return []Status{
		StatusDraft, StatusPendingReview, StatusApproved, StatusRunning,
		StatusCompleted, StatusFailed, StatusAborted, StatusArchived,
	}
}

// RunStatus 表示一次运行的整体状态。
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunAborted   RunStatus = "ABORTED"
)

// ExecStatus 表示单次步骤执行的状态。
type ExecStatus string

const (
	ExecPending   ExecStatus = "PENDING"
	ExecRunning   ExecStatus = "RUNNING"
	ExecCompleted ExecStatus = "COMPLETED"
	ExecFailed    ExecStatus = "FAILED"
	ExecSkipped   ExecStatus = "SKIPPED"
)

// Terminal 判断执行记录是否已到达终态。
func (s ExecStatus) Terminal() bool {
	return s == ExecCompleted || s == ExecFailed || s == ExecSkipped
}

// Step 是模块中的一个具名工作单元。
type Step struct {
	Name          string         `json:"name" yaml:"name"`
	Kind          string         `json:"kind,omitempty" yaml:"kind"`
	DependsOn     []string       `json:"depends_on,omitempty" yaml:"depends_on"`
	Input         map[string]any `json:"input,omitempty" yaml:"input"`
	EstimatedCost float64        `json:"estimated_cost" yaml:"estimated_cost"`
	Timeout       time.Duration  `json:"timeout,omitempty" yaml:"timeout"`
	Criteria      []string       `json:"criteria,omitempty" yaml:"criteria"`
}

// Capability 返回执行该步骤所需的能力名称，未声明时使用步骤名。
func (s Step) Capability() string {
	if s.Kind != "" {
		return s.Kind
	}
	return s.Name
}

// Module 描述一份已审批、可调度的多步骤工作。
type Module struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	ClientID        string    `json:"client_id"`
	Steps           []Step    `json:"steps"`
	Status          Status    `json:"status"`
	RequirementsRef string    `json:"requirements_ref,omitempty"`
	CurrentRunID    string    `json:"current_run_id,omitempty"`
	RunHistory      []string  `json:"run_history,omitempty"`
	Version         int64     `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Run 是模块步骤序列的一次完整执行。
type Run struct {
	ID           string       `json:"id"`
	ModuleID     string       `json:"module_id"`
	TenantID     string       `json:"tenant_id"`
	Status       RunStatus    `json:"status"`
	StartedAt    time.Time    `json:"started_at"`
	CompletedAt  time.Time    `json:"completed_at,omitempty"`
	Cost         float64      `json:"cost"`
	Tokens       int64        `json:"tokens"`
	Attempts     int          `json:"attempts"`
	ErrorClass   xerrors.Code `json:"error_class,omitempty"`
	FailedStep   string       `json:"failed_step,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	NeedsReview  bool         `json:"needs_review,omitempty"`
}

// StepExecution 是某次运行中某个步骤的一次尝试。
type StepExecution struct {
	ID         string       `json:"id"`
	RunID      string       `json:"run_id"`
	Step       string       `json:"step"`
	Key        string       `json:"key"`
	Attempt    int          `json:"attempt"`
	Status     ExecStatus   `json:"status"`
	InputHash  string       `json:"input_hash"`
	OutputHash string       `json:"output_hash,omitempty"`
	ErrorClass xerrors.Code `json:"error_class,omitempty"`
	Error      string       `json:"error,omitempty"`
	Cost       float64      `json:"cost"`
	Feedback   string       `json:"feedback,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
}

var (
	// ErrModuleNotFound 表示模块不存在。
	ErrModuleNotFound = xerrors.New(xerrors.CodeNotFound, "module not found")
	// ErrRunNotFound 表示运行记录不存在。
	ErrRunNotFound = xerrors.New(xerrors.CodeNotFound, "run not found")
	// ErrVersionConflict 表示乐观锁版本不匹配。
	ErrVersionConflict = xerrors.New(xerrors.CodeConflict, "module version conflict")
	// ErrExecutionFinal 表示尝试修改已到达终态的执行记录。
	ErrExecutionFinal = xerrors.New(xerrors.CodeConflict, "step execution already final")
)

// Validate 检查模块标识与步骤依赖图。步骤顺序必须是依赖图的拓扑序。
func (m *Module) Validate() error {
	if m == nil {
		return xerrors.New(xerrors.CodeValidation, "module 不能为空")
	}
	if m.ID == "" {
		return xerrors.New(xerrors.CodeValidation, "模块 ID 不能为空")
	}
	if m.TenantID == "" {
		return xerrors.New(xerrors.CodeValidation, "租户 ID 不能为空", xerrors.WithMetadata("module_id", m.ID))
	}
	if len(m.Steps) == 0 {
		return xerrors.New(xerrors.CodeValidation, "模块至少需要一个步骤", xerrors.WithMetadata("module_id", m.ID))
	}
	declared := make(map[string]int, len(m.Steps))
	for i, step := range m.Steps {
		if step.Name == "" {
			return xerrors.New(xerrors.CodeValidation, fmt.Sprintf("第 %d 个步骤缺少名称", i+1), xerrors.WithMetadata("module_id", m.ID))
		}
		if _, dup := declared[step.Name]; dup {
			return xerrors.New(xerrors.CodeValidation, "步骤名称重复: "+step.Name, xerrors.WithMetadata("module_id", m.ID))
		}
		declared[step.Name] = i
	}
	for i, step := range m.Steps {
		for _, dep := range step.DependsOn {
			pos, ok := declared[dep]
			if !ok {
				return xerrors.New(xerrors.CodeValidation,
					fmt.Sprintf("步骤 %s 依赖未声明的步骤 %s", step.Name, dep),
					xerrors.WithMetadata("module_id", m.ID))
			}
			if pos >= i {
				return xerrors.New(xerrors.CodeValidation,
					fmt.Sprintf("步骤 %s 出现在其依赖 %s 之前", step.Name, dep),
					xerrors.WithMetadata("module_id", m.ID))
			}
		}
		if step.EstimatedCost < 0 {
			return xerrors.New(xerrors.CodeValidation, "步骤预估成本不能为负数: "+step.Name, xerrors.WithMetadata("module_id", m.ID))
		}
	}
	return nil
}

// StepByName 返回指定名称的步骤。
func (m *Module) StepByName(name string) (Step, bool) {
	for _, step := range m.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return Step{}, false
}

// Clone 返回模块的深拷贝。
func (m *Module) Clone() *Module {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Steps = cloneSteps(m.Steps)
	clone.RunHistory = append([]string(nil), m.RunHistory...)
	return &clone
}

// Clone 返回运行记录的拷贝。
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

// Clone 返回执行记录的拷贝。
func (e *StepExecution) Clone() *StepExecution {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}

func cloneSteps(steps []Step) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i, step := range steps {
		out[i] = step
		out[i].DependsOn = append([]string(nil), step.DependsOn...)
		out[i].Criteria = append([]string(nil), step.Criteria...)
		out[i].Input = cloneInput(step.Input)
	}
	return out
}

func cloneInput(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	cloned := make(map[string]any, len(input))
	for key, value := range input {
		cloned[key] = value
	}
	return cloned
}
