package module

import (
	"context"
	stdErrors "errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	xerrors "ModuleCouncil/internal/errors"
)

func TestIllegalTransitionsLeaveStatusUnchanged(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	statuses := Statuses()
	properties.Property("illegal pair is rejected without persisting", prop.ForAll(
		func(fromIdx, toIdx int) bool {
			from, to := statuses[fromIdx], statuses[toIdx]
			if CanTransition(from, to) {
				return true
			}
			store := NewMemoryStore()
			ctx := context.Background()
			mod := sampleModule("m-prop")
			mod.Status = from
			if err := store.Create(ctx, mod); err != nil {
				return false
			}
			machine := NewMachine(store)
			_, err := machine.transition(ctx, mod.ID, to, "property", nil)

			var illegal *IllegalTransitionError
			if !stdErrors.As(err, &illegal) || illegal.From != from || illegal.To != to {
				return false
			}
			if xerrors.Classify(err) != xerrors.CodeIllegalTransition {
				return false
			}
			stored, getErr := store.Get(ctx, mod.ID)
			return getErr == nil && stored.Status == from && stored.Version == 1
		},
		gen.IntRange(0, len(statuses)-1),
		gen.IntRange(0, len(statuses)-1),
	))

	properties.TestingRun(t)
}

func TestTransitionTable(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusDraft, StatusPendingReview},
		{StatusPendingReview, StatusApproved},
		{StatusPendingReview, StatusDraft},
		{StatusApproved, StatusRunning},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusAborted},
		{StatusRunning, StatusRunning},
		{StatusCompleted, StatusArchived},
		{StatusFailed, StatusApproved},
		{StatusFailed, StatusArchived},
		{StatusAborted, StatusArchived},
	}
	count := 0
	for _, from := range Statuses() {
		for _, to := range Statuses() {
			if CanTransition(from, to) {
				count++
			}
		}
	}
	if count != len(legal) {
		t.Fatalf("expected %d legal transitions, got %d", len(legal), count)
	}
	for _, pair := range legal {
		if !CanTransition(pair.from, pair.to) {
			t.Fatalf("expected %s -> %s to be legal", pair.from, pair.to)
		}
	}
	for _, to := range Statuses() {
		if CanTransition(StatusArchived, to) {
			t.Fatalf("ARCHIVED must be terminal, allowed -> %s", to)
		}
	}
}

func TestIllegalTransitionErrorMatchesSentinel(t *testing.T) {
	err := error(&IllegalTransitionError{ModuleID: "m", From: StatusDraft, To: StatusRunning})
	if !stdErrors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected errors.Is to match ErrIllegalTransition")
	}
	if xerrors.RetryableError(err) {
		t.Fatalf("illegal transition must not be retryable")
	}
}
