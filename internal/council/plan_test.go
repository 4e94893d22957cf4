package council

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ModuleCouncil/internal/module"
)

func names(steps []module.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Name
	}
	return out
}

func TestPlanAdvancesReadySet(t *testing.T) {
	plan := NewPlan([]module.Step{
		{Name: "a"},
		{Name: "b"},
		{Name: "c", DependsOn: []string{"a", "b"}},
		{Name: "d", DependsOn: []string{"c"}},
	})
	require.Equal(t, []string{"a", "b"}, names(plan.Ready()))
	require.Empty(t, plan.Done("a"))
	require.Empty(t, plan.Done("a"))
	require.Equal(t, []string{"c"}, names(plan.Done("b")))
	require.Equal(t, []string{"d"}, names(plan.Done("c")))
	require.False(t, plan.Finished())
	plan.Done("d")
	require.True(t, plan.Finished())
}

func TestTableFallsBackToDefaults(t *testing.T) {
	table := NewTable()
	_, err := table.Worker(module.Step{Name: "x"})
	require.Error(t, err)
	require.Nil(t, table.Evaluator(module.Step{Name: "x"}))

	table.DefaultWorker = ExecutorFunc(func(context.Context, Request) (Response, error) { return Response{}, nil })
	w, err := table.Worker(module.Step{Name: "x", Kind: "pull"})
	require.NoError(t, err)
	require.NotNil(t, w)
}

func TestRateLimitedExecutorThrottles(t *testing.T) {
	inner := ExecutorFunc(func(context.Context, Request) (Response, error) {
		return Response{Output: json.RawMessage(`1`)}, nil
	})
	require.Equal(t, Executor(inner), NewRateLimitedExecutor(inner, 0, 0))

	limited := NewRateLimitedExecutor(inner, 20, 1)
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := limited.Execute(context.Background(), Request{})
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := limited.Execute(ctx, Request{})
	require.Error(t, err)
}

func TestTableLimitWrapsEveryExecutor(t *testing.T) {
	inner := ExecutorFunc(func(context.Context, Request) (Response, error) { return Response{}, nil })
	table := NewTable().RegisterWorker("a", inner).RegisterEvaluator("a", inner)
	limited := table.Limit(5, 2)
	_, ok := limited.Workers["a"].(*RateLimitedExecutor)
	require.True(t, ok)
	_, ok = limited.Evaluators["a"].(*RateLimitedExecutor)
	require.True(t, ok)
	require.Same(t, table, table.Limit(0, 0))
}
