package module

import "context"

// Store 抽象了模块、运行与步骤执行记录的持久化接口。
type Store interface {
	Create(ctx context.Context, mod *Module) error
	Get(ctx context.Context, id string) (*Module, error)
	// Save 仅当持久化版本等于 expectedVersion 时写入，成功后版本号加一。
	Save(ctx context.Context, mod *Module, expectedVersion int64) error
	ListByStatus(ctx context.Context, status Status) ([]*Module, error)
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	// SaveExecution 插入或更新执行记录；终态记录不可再修改。
	SaveExecution(ctx context.Context, exec *StepExecution) error
	ListExecutions(ctx context.Context, runID string) ([]*StepExecution, error)
	Close() error
}
