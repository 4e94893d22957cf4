package telemetry

import (
	"context"
	"database/sql/driver"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"

	xerrors "ModuleCouncil/internal/errors"
	"ModuleCouncil/internal/module"
	"ModuleCouncil/internal/observability/alerting"
	"ModuleCouncil/internal/storage/mysql/mysqltest"
)

type captureDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *captureDispatcher) Notify(_ context.Context, e alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
	return nil
}

func fixedClock() time.Time { return time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC) }

func TestRecorderWritesTransitionsAndAttempts(t *testing.T) {
	log := NewMemoryLog()
	rec := NewRecorder(log, WithClock(fixedClock))
	ctx := context.Background()

	rec.RecordTransition(ctx, module.Transition{ModuleID: "m1", TenantID: "t1", RunID: "r1", From: module.StatusApproved, To: module.StatusRunning, Reason: "start_execution"})
	rec.StepAttempt(ctx, "t1", "m1", &module.StepExecution{RunID: "r1", Step: "draft", Attempt: 2, Status: module.ExecFailed, ErrorClass: xerrors.CodeTransientAPI, Key: "k"})
	rec.Cost(ctx, "t1", "m1", "r1", "draft", 0.5)

	events, err := log.ListByRun(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, KindTransition, events[0].Kind)
	require.Equal(t, "RUNNING", events[0].To)
	require.NotEmpty(t, events[0].ID)
	require.Equal(t, KindStepAttempt, events[1].Kind)
	require.Equal(t, 2, events[1].Attempt)
	require.Equal(t, xerrors.CodeTransientAPI, events[1].Class)
	require.Equal(t, "k", events[1].Metadata["idempotency_key"])
	require.Equal(t, KindCost, events[2].Kind)
	require.Equal(t, fixedClock(), events[2].OccurredAt)
}

func TestRecorderEscalationDispatchesAlert(t *testing.T) {
	log := NewMemoryLog()
	alerts := &captureDispatcher{}
	rec := NewRecorder(log, WithAlerts(alerts))

	rec.Escalate(context.Background(), Escalation{
		TenantID: "t1", ModuleID: "m1", RunID: "r1", Step: "review",
		Class: xerrors.CodeEvaluatorFailure, Reason: "human_review", Attempts: 2, HumanReview: true,
	})

	events, err := log.ListByModule(context.Background(), "m1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, KindEscalation, events[0].Kind)
	require.Equal(t, "true", events[0].Metadata["human_review"])

	require.Len(t, alerts.events, 1)
	require.True(t, alerts.events[0].HumanReview)
	require.Equal(t, xerrors.SeverityWarning, alerts.events[0].Severity)
	require.NotEmpty(t, alerts.events[0].Message)
}

func TestNilRecorderIsNoop(t *testing.T) {
	var rec *Recorder
	rec.RecordTransition(context.Background(), module.Transition{})
	rec.Escalate(context.Background(), Escalation{})
	rec.RunFinished(context.Background(), &module.Run{})
	require.Nil(t, rec.Log())
}

func TestMemoryLogListByModuleKeepsMostRecent(t *testing.T) {
	log := NewMemoryLog()
	for i := 0; i < 5; i++ {
		require.NoError(t, log.Append(context.Background(), Event{ID: fmt.Sprint(i), ModuleID: "m1"}))
	}
	events, err := log.ListByModule(context.Background(), "m1", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"3", "4"}, []string{events[0].ID, events[1].ID})
}

func TestMySQLLogAppendAndList(t *testing.T) {
	db, drv := mysqltest.New(t,
		mysqltest.Exec(insertEventSQL, mysqltest.Result{Affected: 1}).WithArgs(func(args []driver.NamedValue) error {
			if len(args) != 14 {
				return fmt.Errorf("expected 14 args, got %d", len(args))
			}
			if args[4].Value != "escalation" {
				return fmt.Errorf("unexpected kind %v", args[4].Value)
			}
			return nil
		}),
		mysqltest.ExecErr(insertEventSQL, &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}),
		mysqltest.Query(selectEventsByRunSQL, mysqltest.Rows{
			Columns: []string{"id", "run_id", "module_id", "tenant_id", "kind", "step", "attempt", "from_state", "to_state", "error_class", "cost", "message", "metadata", "occurred_at"},
			Values: [][]driver.Value{{
				"e1", "r1", "m1", "t1", "escalation", "review", int64(2), "", "", "EVALUATOR_FAILURE", float64(0), "needs review", `{"reason":"human_review"}`, int64(1700000000000),
			}},
		}),
	)
	log := NewMySQLLog(db)
	ctx := context.Background()
	event := Event{ID: "e1", RunID: "r1", ModuleID: "m1", Kind: KindEscalation, Metadata: map[string]string{"reason": "human_review"}, OccurredAt: fixedClock()}
	require.NoError(t, log.Append(ctx, event))
	require.NoError(t, log.Append(ctx, event))

	events, err := log.ListByRun(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, xerrors.CodeEvaluatorFailure, events[0].Class)
	require.Equal(t, "human_review", events[0].Metadata["reason"])
	require.Equal(t, int64(1700000000000), events[0].OccurredAt.UnixMilli())
	drv.AssertConsumed(t)
}
