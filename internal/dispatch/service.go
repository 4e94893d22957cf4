package dispatch

import (
	"context"
	"log/slog"

	xerrors "ModuleCouncil/internal/errors"
	"ModuleCouncil/internal/module"
	"ModuleCouncil/internal/orchestrator"
	"ModuleCouncil/pkg/logger"
)

// Runner 是派发所需的编排能力。
type Runner interface {
	Run(ctx context.Context, moduleID string) orchestrator.Result
	Status(ctx context.Context, moduleID string) orchestrator.Result
}

// Service 负责校验并投递运行请求。
type Service struct {
	runner   Runner
	producer Producer
}

// NewService 构造派发服务。
func NewService(runner Runner, producer Producer) *Service {
	return &Service{runner: runner, producer: producer}
}

// Submit 将可执行的模块放入队列。已结束的模块直接返回其最终状态，其他状态被拒绝。
func (s *Service) Submit(ctx context.Context, moduleID string) orchestrator.Result {
	if s.runner == nil || s.producer == nil {
		err := xerrors.New(xerrors.CodeInitializationFailure, "派发服务未初始化")
		return orchestrator.Result{Status: orchestrator.ResultFailed, ModuleID: moduleID, ErrorClass: xerrors.Classify(err), Message: err.Error()}
	}
	status := s.runner.Status(ctx, moduleID)
	if status.ModuleStatus == "" {
		return status
	}
	status.Report = nil
	switch status.ModuleStatus {
	case module.StatusApproved, module.StatusRunning:
	case module.StatusDraft, module.StatusPendingReview:
		err := &module.IllegalTransitionError{ModuleID: moduleID, From: status.ModuleStatus, To: module.StatusRunning}
		return orchestrator.Result{
			Status:       orchestrator.ResultDenied,
			ModuleID:     moduleID,
			ModuleStatus: status.ModuleStatus,
			ErrorClass:   xerrors.CodeIllegalTransition,
			Message:      err.Error(),
		}
	default:
		return status
	}

	if err := s.producer.Publish(ctx, moduleID); err != nil {
		logger.L().Error("运行请求入队失败", slog.Any("error", err), slog.String("module_id", moduleID))
		return orchestrator.Result{
			Status:       orchestrator.ResultFailed,
			ModuleID:     moduleID,
			ModuleStatus: status.ModuleStatus,
			ErrorClass:   xerrors.Classify(err),
			Message:      err.Error(),
		}
	}
	logger.Audit().Info("运行请求入队成功",
		slog.String("module_id", moduleID),
		slog.String("module_status", string(status.ModuleStatus)),
	)
	return orchestrator.Result{Status: orchestrator.ResultOK, ModuleID: moduleID, ModuleStatus: status.ModuleStatus, RunID: status.RunID}
}

// Close 释放队列资源。
func (s *Service) Close() error {
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
