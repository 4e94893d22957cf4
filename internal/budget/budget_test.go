package budget

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"ModuleCouncil/internal/config"
	xerrors "ModuleCouncil/internal/errors"
)

type ledgerFactory func(t *testing.T, table Table, clock func() time.Time) Ledger

func factories() map[string]ledgerFactory {
	out := map[string]ledgerFactory{
		"memory": func(_ *testing.T, table Table, clock func() time.Time) Ledger {
			return NewMemoryLedger(table, WithClock(clock))
		},
	}
	if addr := os.Getenv("COUNCIL_TEST_REDIS"); addr != "" {
		out["redis"] = func(t *testing.T, table Table, clock func() time.Time) Ledger {
			client := redis.NewClient(&redis.Options{Addr: addr})
			t.Cleanup(func() { client.Close() })
			return NewRedisLedger(client, fmt.Sprintf("test:budget:%d:", time.Now().UnixNano()), table, WithClock(clock))
		}
	}
	return out
}

func TestBudgetLedgerContract(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			now := time.Date(2026, 5, 1, 23, 0, 0, 0, time.UTC)
			clock := func() time.Time { return now }
			table := Table{Default: Limits{PerRun: 10, Daily: 15}}
			l := factory(t, table, clock)
			ctx := context.Background()

			hold, ok, err := l.Reserve(ctx, "acme", "run-1", 10)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "2026-05-01", hold.Day)

			_, ok, err = l.Reserve(ctx, "acme", "run-1", 1)
			require.NoError(t, err)
			require.False(t, ok, "held estimate counts against the run")

			require.NoError(t, l.RecordSpend(ctx, "acme", "run-1", 8))
			require.NoError(t, l.Release(ctx, hold))
			_, ok, err = l.Reserve(ctx, "acme", "run-1", 3)
			require.NoError(t, err)
			require.False(t, ok, "per-run ceiling")

			_, ok, err = l.Reserve(ctx, "acme", "run-2", 8)
			require.NoError(t, err)
			require.False(t, ok, "daily ceiling spans runs")

			_, ok, err = l.Reserve(ctx, "other", "run-3", 8)
			require.NoError(t, err)
			require.True(t, ok, "tenants are independent")

			now = now.Add(2 * time.Hour)
			_, ok, err = l.Reserve(ctx, "acme", "run-2", 8)
			require.NoError(t, err)
			require.True(t, ok, "daily ceiling resets on the next UTC day")

			usage, err := l.Spent(ctx, "acme", "run-1")
			require.NoError(t, err)
			require.InDelta(t, 8, usage.Run, 1e-9)
			require.InDelta(t, 0, usage.Daily, 1e-9)
		})
	}
}

func TestConcurrentReservationsRespectCeiling(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			l := factory(t, Table{Default: Limits{PerRun: 10}}, func() time.Time { return time.Now().UTC() })
			ctx := context.Background()

			var granted atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 12; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, ok, err := l.Reserve(ctx, "acme", "run-1", 4)
					if err == nil && ok {
						granted.Add(1)
					}
				}()
			}
			wg.Wait()
			require.Equal(t, int32(2), granted.Load())
		})
	}
}

func TestReleaseReturnsHeldBudget(t *testing.T) {
	l := NewMemoryLedger(Table{Default: Limits{PerRun: 5}})
	ctx := context.Background()
	hold, ok, err := l.Reserve(ctx, "acme", "run-1", 5)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release(ctx, hold))
	require.NoError(t, l.RecordSpend(ctx, "acme", "run-1", 2))
	_, ok, err = l.Reserve(ctx, "acme", "run-1", 3)
	require.NoError(t, err)
	require.True(t, ok, "only the actual spend remains after release")
}

func TestTableTenantOverrides(t *testing.T) {
	table := TableFromConfig(config.BudgetConfig{
		Default: config.LimitConfig{PerRun: 5, Daily: 50},
		Tenants: map[string]config.LimitConfig{"vip": {Daily: 500}},
	})
	require.Equal(t, Limits{PerRun: 5, Daily: 500}, table.For("vip"))
	require.Equal(t, Limits{PerRun: 5, Daily: 50}, table.For("anyone"))
}

func TestZeroLimitsMeanUnlimited(t *testing.T) {
	l := NewMemoryLedger(Table{})
	_, ok, err := l.Reserve(context.Background(), "t", "r", 1e9)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNegativeEstimateIsValidationError(t *testing.T) {
	l := NewMemoryLedger(Table{})
	_, _, err := l.Reserve(context.Background(), "t", "r", -1)
	require.Equal(t, xerrors.CodeValidation, xerrors.Classify(err))
}

func TestExceededIsNotRetryable(t *testing.T) {
	err := Exceeded("t", "r", 3)
	require.Equal(t, xerrors.CodeBudgetExceeded, xerrors.Classify(err))
	require.False(t, xerrors.RetryableError(err))
	require.ErrorIs(t, err, ErrBudgetExceeded)
}
