package council

import (
	"context"
	"encoding/json"

	xerrors "ModuleCouncil/internal/errors"
	"ModuleCouncil/internal/module"
)

// Role 表示议会中的角色。
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleWorker       Role = "worker"
	RoleEvaluator    Role = "evaluator"
)

// Request 是一次执行能力调用的入参。
type Request struct {
	Role     Role
	TenantID string
	ModuleID string
	RunID    string
	Step     module.Step
	Attempt  int
	// Input 为已解析的输入：步骤自身参数、按名称替换的依赖输出、召回的记忆与评审反馈。
	Input map[string]any
	// Output 仅在评审角色下携带执行者的产出。
	Output json.RawMessage
}

// Response 是执行能力的返回值。
type Response struct {
	Output   json.RawMessage
	Cost     float64
	Tokens   int64
	Pass     bool
	Feedback string
}

// Executor 是外部执行能力，执行者与评审者共用。
type Executor interface {
	Execute(ctx context.Context, req Request) (Response, error)
}

// ExecutorFunc 允许普通函数作为 Executor。
type ExecutorFunc func(ctx context.Context, req Request) (Response, error)

// Execute 实现 Executor 接口。
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Table 将步骤能力名映射到具体执行能力。
type Table struct {
	Workers          map[string]Executor
	Evaluators       map[string]Executor
	DefaultWorker    Executor
	DefaultEvaluator Executor
}

// NewTable 创建空映射表。
func NewTable() *Table {
	return &Table{
		Workers:    make(map[string]Executor),
		Evaluators: make(map[string]Executor),
	}
}

// RegisterWorker 注册能力对应的执行者。
func (t *Table) RegisterWorker(capability string, exec Executor) *Table {
	t.Workers[capability] = exec
	return t
}

// RegisterEvaluator 注册能力对应的评审者。
func (t *Table) RegisterEvaluator(capability string, exec Executor) *Table {
	t.Evaluators[capability] = exec
	return t
}

// Worker 返回步骤的执行者。
func (t *Table) Worker(step module.Step) (Executor, error) {
	if t != nil {
		if exec, ok := t.Workers[step.Capability()]; ok && exec != nil {
			return exec, nil
		}
		if t.DefaultWorker != nil {
			return t.DefaultWorker, nil
		}
	}
	return nil, xerrors.New(xerrors.CodeValidation, "没有可执行步骤的能力: "+step.Capability())
}

// Evaluator 返回步骤的评审者，未配置时返回 nil，表示结果直接通过。
func (t *Table) Evaluator(step module.Step) Executor {
	if t == nil {
		return nil
	}
	if exec, ok := t.Evaluators[step.Capability()]; ok && exec != nil {
		return exec
	}
	return t.DefaultEvaluator
}
