package dispatch

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	xerrors "ModuleCouncil/internal/errors"
	"ModuleCouncil/internal/module"
	"ModuleCouncil/internal/observability/alerting"
	"ModuleCouncil/internal/orchestrator"
	"ModuleCouncil/internal/retry"
	"ModuleCouncil/pkg/logger"
)

const maxRequeueDelay = time.Minute

// Processor 负责从队列消费运行请求并交给编排服务执行。
type Processor struct {
	runner      Runner
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	clock       func() time.Time

	maxRequeues  int
	requeueDelay time.Duration
	wait         func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	requeues map[string]int
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithMaxRequeues 设置同一模块因临时失败重新入队的上限。
func WithMaxRequeues(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.maxRequeues = n
		}
	}
}

// WithRequeueDelay 设置首次重新入队前的等待时间，之后按次数翻倍。
func WithRequeueDelay(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d >= 0 {
			p.requeueDelay = d
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("dispatch"),
		clock:       func() time.Time { return time.Now().UTC() },

		maxRequeues:  5,
		requeueDelay: 2 * time.Second,
		wait:         retry.Wait,
		requeues:     make(map[string]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动消费循环，直到上下文取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置运行请求消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, moduleID string) error {
	if p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	res := p.runner.Run(ctx, moduleID)
	switch {
	case res.OK():
		p.resetRequeues(moduleID)
		logger.Audit().Info("运行请求处理完成",
			slog.String("module_id", moduleID),
			slog.String("run_id", res.RunID),
			slog.String("module_status", string(res.ModuleStatus)),
			slog.Float64("cost", res.Cost),
		)
		return nil
	case res.Status == orchestrator.ResultDenied:
		p.resetRequeues(moduleID)
		p.logger.Debug("跳过运行请求",
			slog.String("module_id", moduleID),
			slog.String("error_class", string(res.ErrorClass)),
			slog.String("reason", res.Message),
		)
		return nil
	case res.ModuleStatus == module.StatusFailed || res.ModuleStatus == module.StatusAborted:
		p.resetRequeues(moduleID)
		// 步骤级升级已由遥测告警，这里只记录运行终态。
		logger.Audit().Warn("运行失败",
			slog.String("module_id", moduleID),
			slog.String("run_id", res.RunID),
			slog.String("error_class", string(res.ErrorClass)),
			slog.String("failed_step", res.FailedStep),
		)
		return nil
	}

	// 运行被中断或基础设施失败：瞬时错误延迟后重新入队，超过上限后放弃。
	if ctx.Err() != nil {
		return nil
	}
	if res.ErrorClass != xerrors.CodeTransientAPI || p.producer == nil {
		p.resetRequeues(moduleID)
		p.emitAlert(ctx, res, "terminal", 0)
		return nil
	}
	attempts := p.countRequeue(moduleID)
	if attempts > p.maxRequeues {
		p.resetRequeues(moduleID)
		logger.Audit().Error("运行请求重投次数已达上限",
			slog.String("module_id", moduleID),
			slog.Int("requeues", attempts-1),
			slog.Int("max_requeues", p.maxRequeues),
		)
		p.emitAlert(ctx, res, "exhausted", attempts-1)
		return nil
	}
	p.emitAlert(ctx, res, "requeue", attempts)
	if err := p.wait(ctx, p.backoff(attempts)); err != nil {
		return nil
	}
	if err := p.producer.Publish(ctx, moduleID); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "运行请求重投失败")
	}
	p.logger.Debug("运行请求已重新排队",
		slog.String("module_id", moduleID),
		slog.Int("requeues", attempts),
	)
	return nil
}

func (p *Processor) countRequeue(moduleID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requeues[moduleID]++
	return p.requeues[moduleID]
}

func (p *Processor) resetRequeues(moduleID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.requeues, moduleID)
}

// backoff 返回第 n 次重新入队前的等待时间。
func (p *Processor) backoff(n int) time.Duration {
	d := p.requeueDelay
	for i := 1; i < n && d < maxRequeueDelay; i++ {
		d *= 2
	}
	if d > maxRequeueDelay {
		d = maxRequeueDelay
	}
	return d
}

func (p *Processor) emitAlert(ctx context.Context, res orchestrator.Result, stage string, requeues int) {
	if p == nil || p.alerter == nil {
		return
	}
	code := res.ErrorClass
	if code == "" {
		code = xerrors.CodeUnknown
	}
	var opts []xerrors.Option
	if stage == "exhausted" {
		opts = append(opts, xerrors.WithAlert(true), xerrors.WithSeverity(xerrors.SeverityCritical))
	}
	cause := xerrors.New(code, res.Message, opts...)
	if !xerrors.ShouldAlert(cause) {
		return
	}
	meta := map[string]string{"stage": stage}
	if requeues > 0 {
		meta["requeues"] = strconv.Itoa(requeues)
	}
	event := alerting.Event{
		Code:       code,
		Reason:     "dispatch_" + stage,
		Message:    cause.Message(),
		Severity:   xerrors.SeverityOf(cause),
		ModuleID:   res.ModuleID,
		RunID:      res.RunID,
		Metadata:   meta,
		OccurredAt: p.clock(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("module_id", res.ModuleID),
			slog.String("stage", stage),
		)
	}
}
