package orchestrator

import (
	"encoding/json"
	stdErrors "errors"

	xerrors "ModuleCouncil/internal/errors"
	"ModuleCouncil/internal/module"
)

// ResultStatus 是对外操作的结果状态。
type ResultStatus string

const (
	ResultOK     ResultStatus = "ok"
	ResultDenied ResultStatus = "denied"
	ResultFailed ResultStatus = "failed"
)

// Result 是所有公开操作的结构化返回值，失败时总是携带错误分类。
type Result struct {
	Status       ResultStatus               `json:"status"`
	ModuleID     string                     `json:"module_id"`
	ModuleStatus module.Status              `json:"module_status,omitempty"`
	RunID        string                     `json:"run_id,omitempty"`
	ErrorClass   xerrors.Code               `json:"error_class,omitempty"`
	FailedStep   string                     `json:"failed_step,omitempty"`
	Message      string                     `json:"message,omitempty"`
	NeedsReview  bool                       `json:"needs_review,omitempty"`
	Cost         float64                    `json:"cost,omitempty"`
	Outputs      map[string]json.RawMessage `json:"outputs,omitempty"`
	Report       *StatusReport              `json:"report,omitempty"`
}

// OK 判断结果是否成功。
func (r Result) OK() bool { return r.Status == ResultOK }

// StatusReport 是 Status 查询的详细内容。
type StatusReport struct {
	Module     *module.Module          `json:"module"`
	LastRun    *module.Run             `json:"last_run,omitempty"`
	Executions []*module.StepExecution `json:"executions,omitempty"`
}

// errorResult 将错误折叠为结构化结果。调用方错误与预算拒绝视为 denied。
func errorResult(moduleID string, err error) Result {
	class := xerrors.Classify(err)
	status := ResultFailed
	switch class {
	case xerrors.CodeIllegalTransition, xerrors.CodeValidation, xerrors.CodeBudgetExceeded:
		status = ResultDenied
	}
	res := Result{Status: status, ModuleID: moduleID, ErrorClass: class, Message: err.Error()}
	var illegal *module.IllegalTransitionError
	if stdErrors.As(err, &illegal) {
		res.ModuleStatus = illegal.From
	}
	return res
}

// runResult 根据模块与运行的持久化状态构造结果。
func runResult(mod *module.Module, run *module.Run) Result {
	res := Result{Status: ResultOK, ModuleID: mod.ID, ModuleStatus: mod.Status}
	if run != nil {
		res.RunID = run.ID
		res.Cost = run.Cost
		res.NeedsReview = run.NeedsReview
	}
	switch mod.Status {
	case module.StatusCompleted:
	case module.StatusFailed:
		res.Status = ResultFailed
		if run != nil {
			res.ErrorClass = run.ErrorClass
			res.FailedStep = run.FailedStep
			res.Message = run.ErrorMessage
		}
		if res.ErrorClass == "" {
			res.ErrorClass = xerrors.CodeUnknown
		}
	case module.StatusAborted:
		res.Status = ResultFailed
		res.Message = "模块已中止"
	}
	return res
}
