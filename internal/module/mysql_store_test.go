package module

import (
	"context"
	"database/sql/driver"
	stdErrors "errors"
	"testing"

	"github.com/go-sql-driver/mysql"

	xerrors "ModuleCouncil/internal/errors"
	"ModuleCouncil/internal/storage/mysql/mysqltest"
)

func TestMySQLStoreCreateDuplicate(t *testing.T) {
	db, drv := mysqltest.New(t,
		mysqltest.ExecErr(insertModuleSQL, &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}),
	)
	store := NewMySQLStore(db)
	err := store.Create(context.Background(), sampleModule("m1"))
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreGetDecodesSteps(t *testing.T) {
	db, drv := mysqltest.New(t,
		mysqltest.Query(selectModuleColumns+` WHERE id = ?`, mysqltest.Rows{
			Columns: []string{"id", "tenant_id", "client_id", "status", "requirements_ref", "steps", "current_run_id", "run_history", "version", "created_at", "updated_at"},
			Values: [][]driver.Value{{
				"m1", "tenant-a", "client-a", "RUNNING", "doc://brief",
				`[{"name":"pull","estimated_cost":1},{"name":"analyse","depends_on":["pull"],"estimated_cost":2}]`,
				"run-1", `["run-1"]`, int64(4), int64(1700000000000), int64(1700000001000),
			}},
		}),
	)
	store := NewMySQLStore(db)
	mod, err := store.Get(context.Background(), "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if mod.Status != StatusRunning || len(mod.Steps) != 2 || mod.Steps[1].DependsOn[0] != "pull" {
		t.Fatalf("unexpected module: %+v", mod)
	}
	if mod.Version != 4 || mod.CurrentRunID != "run-1" || len(mod.RunHistory) != 1 {
		t.Fatalf("unexpected bookkeeping: %+v", mod)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreSaveDetectsVersionConflict(t *testing.T) {
	db, drv := mysqltest.New(t,
		mysqltest.Exec(updateModuleSQL, mysqltest.Result{Affected: 0}),
		mysqltest.Exec(updateModuleSQL, mysqltest.Result{Affected: 1}),
	)
	store := NewMySQLStore(db)
	mod := sampleModule("m1")
	if err := store.Save(context.Background(), mod, 3); !stdErrors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if err := store.Save(context.Background(), mod, 3); err != nil {
		t.Fatalf("save: %v", err)
	}
	if mod.Version != 4 {
		t.Fatalf("expected version 4, got %d", mod.Version)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreSaveExecutionGuardsTerminal(t *testing.T) {
	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	db, drv := mysqltest.New(t,
		mysqltest.Exec(insertExecutionSQL, mysqltest.Result{Affected: 1}),
		mysqltest.ExecErr(insertExecutionSQL, dup),
		mysqltest.Exec(updateExecutionSQL, mysqltest.Result{Affected: 1}),
		mysqltest.ExecErr(insertExecutionSQL, dup),
		mysqltest.Exec(updateExecutionSQL, mysqltest.Result{Affected: 0}),
	)
	store := NewMySQLStore(db)
	ctx := context.Background()
	exec := &StepExecution{ID: "e1", RunID: "r1", Step: "pull", Attempt: 1, Status: ExecRunning}
	if err := store.SaveExecution(ctx, exec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	exec.Status = ExecCompleted
	if err := store.SaveExecution(ctx, exec); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.SaveExecution(ctx, exec); !stdErrors.Is(err, ErrExecutionFinal) {
		t.Fatalf("expected ErrExecutionFinal, got %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreListExecutions(t *testing.T) {
	db, drv := mysqltest.New(t,
		mysqltest.Query(selectExecutionsSQL, mysqltest.Rows{
			Columns: []string{"id", "run_id", "step", "idem_key", "attempt", "status", "input_hash", "output_hash", "error_class", "error_message", "cost", "feedback", "started_at", "finished_at"},
			Values: [][]driver.Value{
				{"e1", "r1", "pull", "k1", int64(1), "FAILED", "ih", "", "TRANSIENT_API", "503", float64(0.5), nil, int64(1), int64(2)},
				{"e2", "r1", "pull", "k1", int64(2), "COMPLETED", "ih", "oh", "", nil, float64(0.5), nil, int64(3), int64(4)},
			},
		}),
	)
	store := NewMySQLStore(db)
	list, err := store.ListExecutions(context.Background(), "r1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ErrorClass != xerrors.CodeTransientAPI || list[1].Attempt != 2 || list[1].OutputHash != "oh" {
		t.Fatalf("unexpected executions: %+v", list)
	}
	drv.AssertConsumed(t)
}
