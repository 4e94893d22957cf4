package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyFoldsInfrastructureCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Code
	}{
		{name: "nil", err: nil, want: ""},
		{name: "taxonomy passthrough", err: New(CodeEvaluatorFailure, ""), want: CodeEvaluatorFailure},
		{name: "storage is transient", err: Wrap(CodeStorageFailure, stdErrors.New("conn reset"), "write"), want: CodeTransientAPI},
		{name: "not found is validation", err: New(CodeNotFound, ""), want: CodeValidation},
		{name: "deadline is timeout", err: fmt.Errorf("call: %w", context.DeadlineExceeded), want: CodeTimeout},
		{name: "plain error is unknown", err: stdErrors.New("boom"), want: CodeUnknown},
		{name: "wrapped taxonomy", err: fmt.Errorf("outer: %w", New(CodeBudgetExceeded, "")), want: CodeBudgetExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := Wrap(CodeTimeout, context.DeadlineExceeded, "worker")
	require.True(t, stdErrors.Is(err, New(CodeTimeout, "other message")))
	require.False(t, stdErrors.Is(err, New(CodeUnknown, "")))
	require.True(t, stdErrors.Is(err, context.DeadlineExceeded))
}

func TestRetryableDefaultsAndOverrides(t *testing.T) {
	require.True(t, RetryableError(New(CodeTransientAPI, "")))
	require.False(t, RetryableError(New(CodeBudgetExceeded, "")))
	require.False(t, RetryableError(New(CodeTransientAPI, "", WithRetryable(false))))
	require.False(t, RetryableError(stdErrors.New("plain")))
}

func TestAttributesOfFallsBackToUnknown(t *testing.T) {
	attr := AttributesOf(Code("NOT_REGISTERED"))
	require.Equal(t, AttributesOf(CodeUnknown), attr)
}
