package dispatch

import (
	"context"
	stdErrors "errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	xerrors "ModuleCouncil/internal/errors"
	"ModuleCouncil/internal/module"
	"ModuleCouncil/internal/observability/alerting"
	"ModuleCouncil/internal/orchestrator"
)

type fakeRunner struct {
	mu       sync.Mutex
	statuses map[string]module.Status
	results  map[string][]orchestrator.Result
	runs     atomic.Int32
	latency  time.Duration
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{statuses: make(map[string]module.Status), results: make(map[string][]orchestrator.Result)}
}

// script 为模块预置依次返回的运行结果，用尽后返回成功。
func (f *fakeRunner) script(id string, status module.Status, results ...orchestrator.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	f.results[id] = results
}

func (f *fakeRunner) Run(ctx context.Context, id string) orchestrator.Result {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return orchestrator.Result{Status: orchestrator.ResultFailed, ModuleID: id, ErrorClass: xerrors.CodeTimeout}
		}
	}
	f.runs.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if queued := f.results[id]; len(queued) > 0 {
		f.results[id] = queued[1:]
		return queued[0]
	}
	return orchestrator.Result{Status: orchestrator.ResultOK, ModuleID: id, ModuleStatus: module.StatusCompleted}
}

func (f *fakeRunner) Status(_ context.Context, id string) orchestrator.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[id]
	if !ok {
		return orchestrator.Result{Status: orchestrator.ResultDenied, ModuleID: id, ErrorClass: xerrors.CodeValidation, Message: "module not found"}
	}
	return orchestrator.Result{Status: orchestrator.ResultOK, ModuleID: id, ModuleStatus: status}
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, e alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingAlerts) snapshot() []alerting.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerting.Event(nil), r.events...)
}

func TestProcessorHandlesConcurrentRequests(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	queue := NewMemoryQueue(1024)
	runner := newFakeRunner()
	runner.latency = 5 * time.Millisecond
	service := NewService(runner, queue)
	processor := NewProcessor(runner, queue, queue, WithWorkerCount(8))

	done := make(chan error, 1)
	go func() { done <- processor.Start(ctx) }()

	total := 200
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("module-%d", i)
		runner.script(id, module.StatusApproved)
		res := service.Submit(ctx, id)
		require.True(t, res.OK(), res.Message)
	}

	require.Eventually(t, func() bool { return int(runner.runs.Load()) >= total }, 5*time.Second, 10*time.Millisecond)
	cancel()
	err := <-done
	require.True(t, err == nil || stdErrors.Is(err, context.Canceled))
}

func TestProcessorRequeuesTransientFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	queue := NewMemoryQueue(16)
	runner := newFakeRunner()
	runner.script("m-1", module.StatusApproved,
		orchestrator.Result{Status: orchestrator.ResultFailed, ModuleID: "m-1", ErrorClass: xerrors.CodeTransientAPI, Message: "storage unavailable"},
	)
	runner.script("m-2", module.StatusApproved,
		orchestrator.Result{Status: orchestrator.ResultFailed, ModuleID: "m-2", ModuleStatus: module.StatusFailed, ErrorClass: xerrors.CodeValidation, FailedStep: "b"},
	)
	alerts := &recordingAlerts{}
	processor := NewProcessor(runner, queue, queue, WithAlertDispatcher(alerts), WithRequeueDelay(time.Millisecond))
	go func() { _ = processor.Start(ctx) }()

	require.NoError(t, queue.Publish(ctx, "m-1"))
	require.NoError(t, queue.Publish(ctx, "m-2"))

	// m-1 失败一次后重新入队并成功，m-2 的运行失败不会重投。
	require.Eventually(t, func() bool { return runner.runs.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(3), runner.runs.Load())
	require.Zero(t, queue.Len())
	// TRANSIENT_API 的重投不触发告警。
	require.Empty(t, alerts.snapshot())
}

func TestProcessorStopsRequeueingAfterLimit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transient := orchestrator.Result{Status: orchestrator.ResultFailed, ModuleID: "m-1", ErrorClass: xerrors.CodeTransientAPI, Message: "storage unavailable"}
	queue := NewMemoryQueue(16)
	runner := newFakeRunner()
	runner.script("m-1", module.StatusApproved, transient, transient, transient, transient, transient)
	alerts := &recordingAlerts{}
	processor := NewProcessor(runner, queue, queue,
		WithAlertDispatcher(alerts),
		WithMaxRequeues(2),
		WithRequeueDelay(3*time.Millisecond),
	)
	var mu sync.Mutex
	var delays []time.Duration
	processor.wait = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return nil
	}
	go func() { _ = processor.Start(ctx) }()

	require.NoError(t, queue.Publish(ctx, "m-1"))

	// 首次运行加两次重投，之后放弃。
	require.Eventually(t, func() bool { return len(alerts.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(3), runner.runs.Load())
	require.Zero(t, queue.Len())

	mu.Lock()
	require.Equal(t, []time.Duration{3 * time.Millisecond, 6 * time.Millisecond}, delays)
	mu.Unlock()

	event := alerts.snapshot()[0]
	require.Equal(t, "dispatch_exhausted", event.Reason)
	require.Equal(t, xerrors.CodeTransientAPI, event.Code)
	require.Equal(t, xerrors.SeverityCritical, event.Severity)
	require.Equal(t, "2", event.Metadata["requeues"])
}

func TestProcessorAlertsOnTerminalInfrastructureFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	queue := NewMemoryQueue(4)
	runner := newFakeRunner()
	runner.script("m-1", module.StatusApproved,
		orchestrator.Result{Status: orchestrator.ResultFailed, ModuleID: "m-1", ErrorClass: xerrors.CodeUnknown, Message: "corrupt record"},
	)
	alerts := &recordingAlerts{}
	processor := NewProcessor(runner, queue, queue, WithAlertDispatcher(alerts))
	go func() { _ = processor.Start(ctx) }()

	require.NoError(t, queue.Publish(ctx, "m-1"))
	require.Eventually(t, func() bool { return len(alerts.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), runner.runs.Load())
	event := alerts.snapshot()[0]
	require.Equal(t, "dispatch_terminal", event.Reason)
	require.Equal(t, "corrupt record", event.Message)
}

func TestSubmitChecksModuleStatus(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryQueue(4)
	runner := newFakeRunner()
	service := NewService(runner, queue)

	runner.script("draft", module.StatusDraft)
	res := service.Submit(ctx, "draft")
	require.Equal(t, orchestrator.ResultDenied, res.Status)
	require.Equal(t, xerrors.CodeIllegalTransition, res.ErrorClass)

	res = service.Submit(ctx, "missing")
	require.Equal(t, orchestrator.ResultDenied, res.Status)

	runner.script("done", module.StatusCompleted)
	res = service.Submit(ctx, "done")
	require.True(t, res.OK())
	require.Equal(t, module.StatusCompleted, res.ModuleStatus)
	require.Zero(t, queue.Len())

	runner.script("ready", module.StatusApproved)
	require.True(t, service.Submit(ctx, "ready").OK())
	require.Equal(t, 1, queue.Len())

	require.NoError(t, service.Close())
	runner.script("late", module.StatusApproved)
	res = service.Submit(ctx, "late")
	require.Equal(t, orchestrator.ResultFailed, res.Status)
	require.Equal(t, xerrors.CodeTransientAPI, res.ErrorClass)
}

func TestRedisQueueRoundTrip(t *testing.T) {
	addr := os.Getenv("COUNCIL_TEST_REDIS")
	if addr == "" {
		t.Skip("COUNCIL_TEST_REDIS 未设置")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	queue := NewRedisQueueWithClient(client, fmt.Sprintf("test:runs:%d", time.Now().UnixNano()), 100*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, queue.Publish(ctx, "m-1"))
	require.NoError(t, queue.Publish(ctx, "m-2"))

	var mu sync.Mutex
	var seen []string
	go func() {
		_ = queue.Consume(ctx, 1, func(_ context.Context, id string) error {
			mu.Lock()
			seen = append(seen, id)
			mu.Unlock()
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 3*time.Second, 10*time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{"m-1", "m-2"}, seen)
	mu.Unlock()
	require.NoError(t, queue.Close())
}
