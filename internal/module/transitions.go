package module

import (
	"fmt"

	xerrors "ModuleCouncil/internal/errors"
)

var transitions = map[Status][]Status{
	StatusDraft:         {StatusPendingReview},
	StatusPendingReview: {StatusApproved, StatusDraft},
	StatusApproved:      {StatusRunning},
	StatusRunning:       {StatusCompleted, StatusFailed, StatusAborted, StatusRunning},
	StatusCompleted:     {StatusArchived},
	StatusFailed:        {StatusApproved, StatusArchived},
	StatusAborted:       {StatusArchived},
	StatusArchived:      nil,
}

// CanTransition 判断 from -> to 是否在合法迁移表中。
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition 可用于 errors.Is 匹配任意非法迁移错误。
var ErrIllegalTransition = xerrors.New(xerrors.CodeIllegalTransition, "illegal state transition")

// IllegalTransitionError 指明被拒绝的迁移及模块当时所处的状态。
type IllegalTransitionError struct {
	ModuleID string
	From     Status
	To       Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("模块 %s 不允许从 %s 迁移到 %s", e.ModuleID, e.From, e.To)
}

// Unwrap 让 errors.Is 与 xerrors.Classify 识别为 ILLEGAL_TRANSITION。
func (e *IllegalTransitionError) Unwrap() error {
	return ErrIllegalTransition
}
