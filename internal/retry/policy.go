// Package retry maps an error classification to a retry, backoff or
// escalation decision. Policies are data; the council consults Decide after
// every failed attempt.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"ModuleCouncil/internal/config"
	xerrors "ModuleCouncil/internal/errors"
)

// Backoff 描述重试间隔的形状。
type Backoff string

const (
	BackoffNone        Backoff = "none"
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// Rule 是单个错误分类的重试策略。MaxAttempts 包含首次尝试。
type Rule struct {
	MaxAttempts   int
	Backoff       Backoff
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Jitter        float64
	CarryFeedback bool
	// RetryOnNewRun 允许新的运行重新执行账本中已记录失败的键。
	RetryOnNewRun bool
}

// Reason 说明为什么不再重试。
type Reason string

const (
	ReasonRetry        Reason = "retry"
	ReasonNonRetryable Reason = "non_retryable"
	ReasonExhausted    Reason = "exhausted"
	ReasonCeilingStep  Reason = "ceiling_step"
	ReasonCeilingRun   Reason = "ceiling_run"
	ReasonHumanReview  Reason = "human_review"
)

// Decision 是 Decide 的返回值。
type Decision struct {
	Retry         bool
	Delay         time.Duration
	CarryFeedback bool
	Escalate      bool
	HumanReview   bool
	Reason        Reason
}

// Policy 由分类表与全局硬上限组成。
type Policy struct {
	Rules              map[xerrors.Code]Rule
	MaxAttemptsPerStep int
	MaxAttemptsPerRun  int
	MaxRevisions       int
	rand               func() float64
}

// DefaultPolicy 返回默认分类表。
func DefaultPolicy() *Policy {
	return &Policy{
		Rules: map[xerrors.Code]Rule{
			xerrors.CodeTransientAPI: {
				MaxAttempts: 3, Backoff: BackoffExponential,
				BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: 0.2,
				RetryOnNewRun: true,
			},
			xerrors.CodeEvaluatorFailure: {
				MaxAttempts: 2, Backoff: BackoffFixed, BaseDelay: 5 * time.Second,
				CarryFeedback: true, RetryOnNewRun: true,
			},
			xerrors.CodeValidation: {MaxAttempts: 1, Backoff: BackoffNone},
			xerrors.CodeTimeout: {
				MaxAttempts: 2, Backoff: BackoffExponential,
				BaseDelay: 5 * time.Second, MaxDelay: 60 * time.Second,
				RetryOnNewRun: true,
			},
			xerrors.CodeBudgetExceeded:    {MaxAttempts: 1, Backoff: BackoffNone, RetryOnNewRun: true},
			xerrors.CodeIllegalTransition: {MaxAttempts: 1, Backoff: BackoffNone},
			xerrors.CodeUnknown:           {MaxAttempts: 1, Backoff: BackoffNone, RetryOnNewRun: true},
		},
		MaxAttemptsPerStep: 5,
		MaxAttemptsPerRun:  20,
		MaxRevisions:       2,
		rand:               rand.Float64,
	}
}

// FromConfig 以默认表为基础合并配置文件中的覆盖项。
func FromConfig(cfg config.RetryConfig) *Policy {
	p := DefaultPolicy()
	if cfg.MaxAttemptsPerStep > 0 {
		p.MaxAttemptsPerStep = cfg.MaxAttemptsPerStep
	}
	if cfg.MaxAttemptsPerRun > 0 {
		p.MaxAttemptsPerRun = cfg.MaxAttemptsPerRun
	}
	if cfg.MaxRevisions > 0 {
		p.MaxRevisions = cfg.MaxRevisions
	}
	for name, override := range cfg.Classes {
		code := xerrors.Code(strings.ToUpper(strings.TrimSpace(name)))
		rule := p.Rules[code]
		if override.MaxAttempts > 0 {
			rule.MaxAttempts = override.MaxAttempts
		}
		if override.Backoff != "" {
			rule.Backoff = Backoff(strings.ToLower(override.Backoff))
		}
		if override.BaseDelay > 0 {
			rule.BaseDelay = override.BaseDelay
		}
		if override.MaxDelay > 0 {
			rule.MaxDelay = override.MaxDelay
		}
		if override.Jitter > 0 {
			rule.Jitter = override.Jitter
		}
		if override.CarryFeedback {
			rule.CarryFeedback = true
		}
		if override.RetryOnNewRun != nil {
			rule.RetryOnNewRun = *override.RetryOnNewRun
		}
		p.Rules[code] = rule
	}
	return p
}

// WithRand 替换抖动使用的随机源，返回值须位于 [0,1)。
func (p *Policy) WithRand(fn func() float64) *Policy {
	if fn != nil {
		p.rand = fn
	}
	return p
}

// Rule 返回分类对应的策略，未知分类按 UNKNOWN 处理。
func (p *Policy) Rule(class xerrors.Code) Rule {
	if rule, ok := p.Rules[class]; ok {
		return rule
	}
	return p.Rules[xerrors.CodeUnknown]
}

// RetryOnNewRun 判断账本中记录的失败是否允许新的运行重新执行。
func (p *Policy) RetryOnNewRun(class xerrors.Code) bool {
	return p.Rule(class).RetryOnNewRun
}

// Decide 在一次失败后给出决定。attempt 为刚失败的尝试序号（从 1 开始），
// runAttempts 为本次运行已消耗的尝试总数，revisions 为该步骤已进行的评审修订次数。
func (p *Policy) Decide(class xerrors.Code, attempt, runAttempts, revisions int) Decision {
	rule := p.Rule(class)
	stop := func(reason Reason) Decision {
		d := Decision{Escalate: true, Reason: reason}
		if class == xerrors.CodeEvaluatorFailure && reason != ReasonCeilingRun {
			d.HumanReview = true
			d.Reason = ReasonHumanReview
		}
		return d
	}

	switch {
	case rule.MaxAttempts <= 1:
		return stop(ReasonNonRetryable)
	case attempt >= p.MaxAttemptsPerStep:
		return stop(ReasonCeilingStep)
	case runAttempts >= p.MaxAttemptsPerRun:
		return stop(ReasonCeilingRun)
	case attempt >= rule.MaxAttempts:
		return stop(ReasonExhausted)
	case class == xerrors.CodeEvaluatorFailure && revisions >= p.MaxRevisions:
		return stop(ReasonHumanReview)
	}
	return Decision{
		Retry:         true,
		Delay:         p.delay(rule, attempt),
		CarryFeedback: rule.CarryFeedback,
		Reason:        ReasonRetry,
	}
}

func (p *Policy) delay(rule Rule, attempt int) time.Duration {
	var d time.Duration
	switch rule.Backoff {
	case BackoffFixed:
		d = rule.BaseDelay
	case BackoffExponential:
		factor := math.Pow(2, float64(attempt-1))
		d = time.Duration(float64(rule.BaseDelay) * factor)
		if rule.MaxDelay > 0 && (d > rule.MaxDelay || d <= 0) {
			d = rule.MaxDelay
		}
	default:
		return 0
	}
	if rule.Jitter > 0 && d > 0 {
		r := 0.5
		if p.rand != nil {
			r = p.rand()
		}
		d += time.Duration(float64(d) * rule.Jitter * (2*r - 1))
		if rule.MaxDelay > 0 && d > rule.MaxDelay {
			d = rule.MaxDelay
		}
		if d < 0 {
			d = 0
		}
	}
	return d
}

// Wait 在退避期间挂起，上下文取消时提前返回。
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
