package retry

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"ModuleCouncil/internal/config"
	xerrors "ModuleCouncil/internal/errors"
)

func noJitter() float64 { return 0.5 }

func TestTransientBackoffIsExponentialAndCapped(t *testing.T) {
	p := DefaultPolicy().WithRand(noJitter)

	d := p.Decide(xerrors.CodeTransientAPI, 1, 1, 0)
	require.True(t, d.Retry)
	require.Equal(t, time.Second, d.Delay)

	d = p.Decide(xerrors.CodeTransientAPI, 2, 2, 0)
	require.True(t, d.Retry)
	require.Equal(t, 2*time.Second, d.Delay)

	d = p.Decide(xerrors.CodeTransientAPI, 3, 3, 0)
	require.False(t, d.Retry)
	require.True(t, d.Escalate)
	require.Equal(t, ReasonExhausted, d.Reason)

	rule := p.Rules[xerrors.CodeTransientAPI]
	rule.MaxAttempts = 20
	p.Rules[xerrors.CodeTransientAPI] = rule
	require.Equal(t, 30*time.Second, p.delay(rule, 10))
}

func TestNonRetryableClassesEscalateImmediately(t *testing.T) {
	p := DefaultPolicy()
	for _, class := range []xerrors.Code{xerrors.CodeValidation, xerrors.CodeUnknown, xerrors.CodeBudgetExceeded, xerrors.CodeIllegalTransition} {
		d := p.Decide(class, 1, 1, 0)
		require.False(t, d.Retry, class)
		require.True(t, d.Escalate, class)
		require.Equal(t, ReasonNonRetryable, d.Reason, class)
	}
	require.False(t, p.Decide(xerrors.Code("SOMETHING_NEW"), 1, 1, 0).Retry)
}

func TestEvaluatorFailureCarriesFeedbackThenHumanReview(t *testing.T) {
	p := DefaultPolicy()
	d := p.Decide(xerrors.CodeEvaluatorFailure, 1, 1, 0)
	require.True(t, d.Retry)
	require.True(t, d.CarryFeedback)
	require.Equal(t, 5*time.Second, d.Delay)

	d = p.Decide(xerrors.CodeEvaluatorFailure, 2, 2, 1)
	require.False(t, d.Retry)
	require.True(t, d.HumanReview)
	require.Equal(t, ReasonHumanReview, d.Reason)
}

func TestRevisionCapBindsIndependently(t *testing.T) {
	p := FromConfig(config.RetryConfig{Classes: map[string]config.RetryRule{
		"evaluator_failure": {MaxAttempts: 10},
	}})
	require.True(t, p.Decide(xerrors.CodeEvaluatorFailure, 2, 2, 1).Retry)
	d := p.Decide(xerrors.CodeEvaluatorFailure, 3, 3, 2)
	require.False(t, d.Retry)
	require.True(t, d.HumanReview)
}

func TestHardCeilings(t *testing.T) {
	p := FromConfig(config.RetryConfig{Classes: map[string]config.RetryRule{
		"TRANSIENT_API": {MaxAttempts: 50},
	}})
	d := p.Decide(xerrors.CodeTransientAPI, 5, 5, 0)
	require.False(t, d.Retry)
	require.Equal(t, ReasonCeilingStep, d.Reason)

	d = p.Decide(xerrors.CodeTransientAPI, 2, 20, 0)
	require.False(t, d.Retry)
	require.Equal(t, ReasonCeilingRun, d.Reason)
}

func TestFromConfigOverrides(t *testing.T) {
	off := false
	p := FromConfig(config.RetryConfig{
		MaxAttemptsPerStep: 4,
		Classes: map[string]config.RetryRule{
			"TIMEOUT": {MaxAttempts: 3, Backoff: "Fixed", BaseDelay: time.Second, RetryOnNewRun: &off},
		},
	})
	require.Equal(t, 4, p.MaxAttemptsPerStep)
	require.Equal(t, 20, p.MaxAttemptsPerRun)
	rule := p.Rule(xerrors.CodeTimeout)
	require.Equal(t, BackoffFixed, rule.Backoff)
	require.Equal(t, 3, rule.MaxAttempts)
	require.False(t, p.RetryOnNewRun(xerrors.CodeTimeout))
	require.True(t, p.RetryOnNewRun(xerrors.CodeTransientAPI))
	require.False(t, p.RetryOnNewRun(xerrors.CodeValidation))
}

func TestDecideNeverExceedsCeilingsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	classes := []xerrors.Code{
		xerrors.CodeTransientAPI, xerrors.CodeEvaluatorFailure, xerrors.CodeValidation,
		xerrors.CodeTimeout, xerrors.CodeBudgetExceeded, xerrors.CodeUnknown,
	}
	p := FromConfig(config.RetryConfig{Classes: map[string]config.RetryRule{
		"TRANSIENT_API": {MaxAttempts: 100, MaxDelay: time.Minute},
		"TIMEOUT":       {MaxAttempts: 100},
	}})

	properties.Property("retry only below every ceiling with bounded delay", prop.ForAll(
		func(classIdx, attempt, runAttempts, revisions int) bool {
			class := classes[classIdx]
			d := p.Decide(class, attempt, runAttempts, revisions)
			if !d.Retry {
				return d.Escalate
			}
			rule := p.Rule(class)
			if attempt >= p.MaxAttemptsPerStep || runAttempts >= p.MaxAttemptsPerRun || attempt >= rule.MaxAttempts {
				return false
			}
			if rule.MaxDelay > 0 && d.Delay > rule.MaxDelay {
				return false
			}
			return d.Delay >= 0
		},
		gen.IntRange(0, len(classes)-1),
		gen.IntRange(1, 12),
		gen.IntRange(1, 30),
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}

func TestWaitHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Wait(ctx, time.Hour), context.Canceled)
	require.NoError(t, Wait(context.Background(), time.Millisecond))
}
