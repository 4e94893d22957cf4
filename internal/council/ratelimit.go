package council

import (
	"context"

	"golang.org/x/time/rate"

	xerrors "ModuleCouncil/internal/errors"
)

// RateLimitedExecutor 以令牌桶限制对外部执行能力的调用频率。
type RateLimitedExecutor struct {
	next    Executor
	limiter *rate.Limiter
}

var _ Executor = (*RateLimitedExecutor)(nil)

// NewRateLimitedExecutor 包装执行能力。perSecond<=0 时不限流。
func NewRateLimitedExecutor(next Executor, perSecond float64, burst int) Executor {
	if perSecond <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedExecutor{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Execute 等待令牌后调用下游。
func (e *RateLimitedExecutor) Execute(ctx context.Context, req Request) (Response, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, xerrors.Wrap(xerrors.CodeTransientAPI, err, "执行能力限流")
	}
	return e.next.Execute(ctx, req)
}

// Limit 对映射表中的全部执行能力应用同一个限流器。
func (t *Table) Limit(perSecond float64, burst int) *Table {
	if t == nil || perSecond <= 0 {
		return t
	}
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	wrap := func(exec Executor) Executor {
		if exec == nil {
			return nil
		}
		return &RateLimitedExecutor{next: exec, limiter: limiter}
	}
	out := NewTable()
	for k, v := range t.Workers {
		out.Workers[k] = wrap(v)
	}
	for k, v := range t.Evaluators {
		out.Evaluators[k] = wrap(v)
	}
	out.DefaultWorker = wrap(t.DefaultWorker)
	out.DefaultEvaluator = wrap(t.DefaultEvaluator)
	return out
}
