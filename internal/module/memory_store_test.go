package module

import (
	"context"
	stdErrors "errors"
	"testing"
)

func TestMemoryStoreOptimisticConcurrency(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	mod := sampleModule("m1")
	mod.Status = StatusDraft
	if err := store.Create(ctx, mod); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, _ := store.Get(ctx, "m1")
	second, _ := store.Get(ctx, "m1")
	first.Status = StatusPendingReview
	if err := store.Save(ctx, first, first.Version); err != nil {
		t.Fatalf("first save: %v", err)
	}
	second.Status = StatusArchived
	if err := store.Save(ctx, second, second.Version); !stdErrors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	stored, _ := store.Get(ctx, "m1")
	if stored.Status != StatusPendingReview || stored.Version != 2 {
		t.Fatalf("unexpected stored module: %+v", stored)
	}
}

func TestMemoryStoreRejectsTerminalExecutionUpdates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	exec := &StepExecution{ID: "e1", RunID: "r1", Step: "pull", Attempt: 1, Status: ExecRunning}
	if err := store.SaveExecution(ctx, exec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	exec.Status = ExecCompleted
	if err := store.SaveExecution(ctx, exec); err != nil {
		t.Fatalf("finalise: %v", err)
	}
	exec.Status = ExecFailed
	if err := store.SaveExecution(ctx, exec); !stdErrors.Is(err, ErrExecutionFinal) {
		t.Fatalf("expected ErrExecutionFinal, got %v", err)
	}
	list, _ := store.ListExecutions(ctx, "r1")
	if len(list) != 1 || list[0].Status != ExecCompleted {
		t.Fatalf("unexpected executions: %+v", list)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, sampleModule("m1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, _ := store.Get(ctx, "m1")
	got.Steps[0].Name = "mutated"
	again, _ := store.Get(ctx, "m1")
	if again.Steps[0].Name != "pull" {
		t.Fatalf("store leaked internal state")
	}
	if _, err := store.Get(ctx, "missing"); !stdErrors.Is(err, ErrModuleNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
