package orchestrator

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ModuleCouncil/internal/budget"
	"ModuleCouncil/internal/council"
	xerrors "ModuleCouncil/internal/errors"
	"ModuleCouncil/internal/ledger"
	"ModuleCouncil/internal/module"
	"ModuleCouncil/internal/retry"
	"ModuleCouncil/internal/telemetry"
)

type fixture struct {
	store   *module.MemoryStore
	machine *module.Machine
	council *council.Council
	log     *telemetry.MemoryLog
	calls   sync.Map
}

func newFixture(t *testing.T, worker func(ctx context.Context, req council.Request) (council.Response, error)) *fixture {
	t.Helper()
	f := &fixture{store: module.NewMemoryStore(), log: telemetry.NewMemoryLog()}
	recorder := telemetry.NewRecorder(f.log)
	f.machine = module.NewMachine(f.store, module.WithRecorder(recorder))

	table := council.NewTable()
	table.DefaultWorker = council.ExecutorFunc(func(ctx context.Context, req council.Request) (council.Response, error) {
		v, _ := f.calls.LoadOrStore(req.Step.Name, new(atomic.Int32))
		v.(*atomic.Int32).Add(1)
		return worker(ctx, req)
	})
	c, err := council.New(council.Dependencies{
		Store:     f.store,
		Executors: table,
		Ledger:    ledger.NewMemoryLedger(),
		Budget:    budget.NewMemoryLedger(budget.Table{}),
		Policy:    retry.DefaultPolicy(),
		Recorder:  recorder,
	},
		council.WithPollInterval(5*time.Millisecond),
		council.WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
	require.NoError(t, err)
	f.council = c
	return f
}

func (f *fixture) service(opts ...Option) *Service {
	return NewService(f.machine, f.council, opts...)
}

func (f *fixture) count(step string) int32 {
	v, ok := f.calls.Load(step)
	if !ok {
		return 0
	}
	return v.(*atomic.Int32).Load()
}

func echo(_ context.Context, req council.Request) (council.Response, error) {
	out, _ := json.Marshal(map[string]string{"step": req.Step.Name})
	return council.Response{Output: out, Cost: req.Step.EstimatedCost}, nil
}

func pipeline(id string) *module.Module {
	return &module.Module{
		ID:       id,
		TenantID: "tenant-1",
		ClientID: "client-1",
		Steps: []module.Step{
			{Name: "a", EstimatedCost: 1},
			{Name: "b", DependsOn: []string{"a"}, EstimatedCost: 2},
		},
	}
}

func approved(t *testing.T, svc *Service, id string) {
	t.Helper()
	ctx := context.Background()
	require.True(t, svc.Create(ctx, pipeline(id)).OK())
	require.True(t, svc.SubmitForReview(ctx, id).OK())
	require.True(t, svc.Approve(ctx, id).OK())
}

func TestRunLifecycleAndReplay(t *testing.T) {
	f := newFixture(t, echo)
	svc := f.service()
	ctx := context.Background()

	denied := svc.Run(ctx, "m-1")
	require.Equal(t, ResultDenied, denied.Status)
	require.Equal(t, xerrors.CodeValidation, denied.ErrorClass)

	require.True(t, svc.Create(ctx, pipeline("m-1")).OK())
	res := svc.Run(ctx, "m-1")
	require.Equal(t, ResultDenied, res.Status)
	require.Equal(t, xerrors.CodeIllegalTransition, res.ErrorClass)
	require.Equal(t, module.StatusDraft, res.ModuleStatus)

	require.True(t, svc.SubmitForReview(ctx, "m-1").OK())
	require.True(t, svc.Approve(ctx, "m-1").OK())

	res = svc.Run(ctx, "m-1")
	require.True(t, res.OK(), res.Message)
	require.Equal(t, module.StatusCompleted, res.ModuleStatus)
	require.Equal(t, 3.0, res.Cost)
	require.Contains(t, res.Outputs, "b")
	require.NotEmpty(t, res.RunID)

	again := svc.Run(ctx, "m-1")
	require.True(t, again.OK())
	require.Equal(t, res.RunID, again.RunID)
	require.Equal(t, int32(1), f.count("a"))
	require.Equal(t, int32(1), f.count("b"))

	require.True(t, svc.Archive(ctx, "m-1").OK())
	svc.Wait()
}

func TestConcurrentRunsShareOneExecution(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, req council.Request) (council.Response, error) {
		if req.Step.Name == "a" {
			select {
			case <-release:
			case <-ctx.Done():
				return council.Response{}, ctx.Err()
			}
		}
		return echo(ctx, req)
	})
	svc := f.service()
	approved(t, svc, "m-2")

	results := make([]Result, 4)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = svc.Run(context.Background(), "m-2")
		}(i)
	}
	require.Eventually(t, func() bool { return f.count("a") == 1 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	for _, res := range results {
		require.True(t, res.OK(), res.Message)
		require.Equal(t, results[0].RunID, res.RunID)
	}
	require.Equal(t, int32(1), f.count("a"))
	mod, err := f.machine.Get(context.Background(), "m-2")
	require.NoError(t, err)
	require.Len(t, mod.RunHistory, 1)
}

func TestAbortCancelsInFlightSteps(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, req council.Request) (council.Response, error) {
		if req.Step.Name == "b" {
			close(started)
			<-ctx.Done()
			return council.Response{}, ctx.Err()
		}
		return echo(ctx, req)
	})
	svc := f.service()
	approved(t, svc, "m-3")

	done := make(chan Result, 1)
	go func() { done <- svc.Run(context.Background(), "m-3") }()
	<-started

	aborted := svc.Abort(context.Background(), "m-3")
	require.True(t, aborted.OK())
	require.Equal(t, module.StatusAborted, aborted.ModuleStatus)

	var res Result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not observe abort")
	}
	require.Equal(t, ResultFailed, res.Status)
	require.Equal(t, module.StatusAborted, res.ModuleStatus)

	again := svc.Abort(context.Background(), "m-3")
	require.Equal(t, ResultDenied, again.Status)
	require.Equal(t, xerrors.CodeIllegalTransition, again.ErrorClass)

	// 中止的模块只能归档，不能重试。
	retried := svc.Retry(context.Background(), "m-3")
	require.Equal(t, ResultDenied, retried.Status)
	require.Equal(t, xerrors.CodeIllegalTransition, retried.ErrorClass)
	mod, err := f.machine.Get(context.Background(), "m-3")
	require.NoError(t, err)
	require.Equal(t, module.StatusAborted, mod.Status)
	require.True(t, svc.Archive(context.Background(), "m-3").OK())
}

func TestResumeAfterInterruption(t *testing.T) {
	var crashed atomic.Bool
	started := make(chan struct{}, 1)
	f := newFixture(t, func(ctx context.Context, req council.Request) (council.Response, error) {
		if req.Step.Name == "b" && !crashed.Load() {
			started <- struct{}{}
			<-ctx.Done()
			return council.Response{}, ctx.Err()
		}
		return echo(ctx, req)
	})

	base, shutdown := context.WithCancel(context.Background())
	first := f.service(WithBaseContext(base))
	approved(t, first, "m-4")

	done := make(chan Result, 1)
	go func() { done <- first.Run(context.Background(), "m-4") }()
	<-started
	crashed.Store(true)
	shutdown()

	interrupted := <-done
	require.Equal(t, ResultFailed, interrupted.Status)
	require.Equal(t, module.StatusRunning, interrupted.ModuleStatus)

	restarted := f.service()
	results := restarted.Resume(context.Background())
	require.Len(t, results, 1)
	require.True(t, results[0].OK(), results[0].Message)
	require.Equal(t, interrupted.RunID, results[0].RunID)
	require.Equal(t, module.StatusCompleted, results[0].ModuleStatus)

	require.Equal(t, int32(1), f.count("a"))
	require.Equal(t, int32(2), f.count("b"))
}

func TestStatusReportsFailureAndRetryStartsNewRun(t *testing.T) {
	var healthy atomic.Bool
	f := newFixture(t, func(ctx context.Context, req council.Request) (council.Response, error) {
		if req.Step.Name == "b" && !healthy.Load() {
			return council.Response{}, stdErrors.New("downstream rejected payload")
		}
		return echo(ctx, req)
	})
	svc := f.service()
	approved(t, svc, "m-5")
	ctx := context.Background()

	res := svc.Run(ctx, "m-5")
	require.Equal(t, ResultFailed, res.Status)
	require.Equal(t, module.StatusFailed, res.ModuleStatus)
	require.Equal(t, xerrors.CodeUnknown, res.ErrorClass)
	require.Equal(t, "b", res.FailedStep)

	status := svc.Status(ctx, "m-5")
	require.Equal(t, ResultFailed, status.Status)
	require.Equal(t, "b", status.FailedStep)
	require.NotNil(t, status.Report)
	require.Equal(t, res.RunID, status.Report.LastRun.ID)
	require.NotEmpty(t, status.Report.Executions)

	healthy.Store(true)
	retried := svc.Retry(ctx, "m-5")
	require.True(t, retried.OK(), retried.Message)
	require.NotEqual(t, res.RunID, retried.RunID)
	require.Equal(t, int32(1), f.count("a"))
	require.Equal(t, int32(2), f.count("b"))

	mod, err := f.machine.Get(ctx, "m-5")
	require.NoError(t, err)
	require.Equal(t, []string{res.RunID, retried.RunID}, mod.RunHistory)

	denied := svc.Retry(ctx, "m-5")
	require.Equal(t, ResultDenied, denied.Status)
}

func TestRunWaitHonoursCallerDeadline(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, req council.Request) (council.Response, error) {
		<-release
		return echo(ctx, req)
	})
	svc := f.service()
	approved(t, svc, "m-6")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := svc.Run(ctx, "m-6")
	require.Equal(t, ResultFailed, res.Status)
	require.Equal(t, xerrors.CodeTimeout, res.ErrorClass)

	close(release)
	final := svc.Run(context.Background(), "m-6")
	require.True(t, final.OK(), final.Message)
	require.Equal(t, res.RunID, final.RunID)
	svc.Wait()
}
