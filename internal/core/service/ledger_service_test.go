package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/candilingo/seatledger/internal/adapter/storage"
	"github.com/candilingo/seatledger/internal/core/domain"
)

// conflictRepo fails the first n calls of every operation with ErrStorageConflict.
type conflictRepo struct {
	*storage.MemoryLedger
	conflicts atomic.Int32
	calls     atomic.Int32
}

func newConflictRepo(n int32) *conflictRepo {
	r := &conflictRepo{MemoryLedger: storage.NewMemoryLedger()}
	r.conflicts.Store(n)
	return r
}

func (r *conflictRepo) conflict() error {
	r.calls.Add(1)
	if r.conflicts.Add(-1) >= 0 {
		return domain.ErrStorageConflict
	}
	return nil
}

func (r *conflictRepo) GrantSeats(ctx context.Context, req domain.GrantRequest) (domain.GrantResult, error) {
	if err := r.conflict(); err != nil {
		return domain.GrantResult{}, err
	}
	return r.MemoryLedger.GrantSeats(ctx, req)
}

func (r *conflictRepo) ConsumeSeat(ctx context.Context, organizationID, licenseType string) (domain.LicenseGrant, error) {
	if err := r.conflict(); err != nil {
		return domain.LicenseGrant{}, err
	}
	return r.MemoryLedger.ConsumeSeat(ctx, organizationID, licenseType)
}

// brokenRepo fails every call with a storage outage.
type brokenRepo struct {
	*storage.MemoryLedger
	calls atomic.Int32
}

var errOutage = errors.New("connection refused")

func (r *brokenRepo) ConsumeSeat(ctx context.Context, organizationID, licenseType string) (domain.LicenseGrant, error) {
	r.calls.Add(1)
	return domain.LicenseGrant{}, errOutage
}

func newTestLedger(repo *storage.MemoryLedger) *Ledger {
	return NewLedger(repo, WithInitialBackoff(time.Millisecond))
}

func usage(t *testing.T, l *Ledger, org string) domain.PoolUtilization {
	t.Helper()
	pools, err := l.Utilization(context.Background(), org)
	require.NoError(t, err)
	require.Len(t, pools, 1)
	return pools[0]
}

func TestGrantSeats_RejectsInvalidArguments(t *testing.T) {
	l := newTestLedger(storage.NewMemoryLedger())
	ctx := context.Background()

	tests := []struct {
		name  string
		org   string
		typ   string
		count int
		key   string
	}{
		{"zero count", "org-1", "standard", 0, "k"},
		{"negative count", "org-1", "standard", -3, "k"},
		{"missing organization", "", "standard", 1, "k"},
		{"missing license type", "org-1", " ", 1, "k"},
		{"missing idempotency key", "org-1", "standard", 1, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.GrantSeats(ctx, tt.org, tt.typ, tt.count, tt.key)
			require.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}

	pools, err := l.Utilization(ctx, "org-1")
	require.NoError(t, err)
	require.Empty(t, pools)
}

func TestGrantSeats_IdempotentReplay(t *testing.T) {
	l := newTestLedger(storage.NewMemoryLedger())
	ctx := context.Background()

	first, err := l.GrantSeats(ctx, "org-1", "standard", 5, "abc")
	require.NoError(t, err)
	require.False(t, first.Replayed)

	second, err := l.GrantSeats(ctx, "org-1", "standard", 5, "abc")
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, 5, second.Grant.TotalSeats)

	require.Equal(t, 5, usage(t, l, "org-1").TotalSeats)
}

func TestGrantSeats_KeyReusedWithDifferentCount(t *testing.T) {
	l := newTestLedger(storage.NewMemoryLedger())
	ctx := context.Background()

	_, err := l.GrantSeats(ctx, "org-1", "standard", 5, "abc")
	require.NoError(t, err)

	_, err = l.GrantSeats(ctx, "org-1", "standard", 50, "abc")
	require.ErrorIs(t, err, domain.ErrIdempotencyMismatch)
	require.Equal(t, 5, usage(t, l, "org-1").TotalSeats)
}

func TestTryConsumeSeat_NoOverAllocation(t *testing.T) {
	const seats, extra = 10, 7

	l := newTestLedger(storage.NewMemoryLedger())
	ctx := context.Background()
	_, err := l.GrantSeats(ctx, "org-1", "standard", seats, "purchase-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var succeeded, exhausted, failed atomic.Int32
	for range seats + extra {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.TryConsumeSeat(ctx, "org-1", "standard")
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, domain.ErrSeatsExhausted):
				exhausted.Add(1)
			default:
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, seats, succeeded.Load())
	require.EqualValues(t, extra, exhausted.Load())
	require.Zero(t, failed.Load())

	pool := usage(t, l, "org-1")
	require.Equal(t, seats, pool.UsedSeats)
	require.Equal(t, seats, pool.TotalSeats)
}

func TestTryConsumeSeat_DoesNotFallBackToOtherType(t *testing.T) {
	l := newTestLedger(storage.NewMemoryLedger())
	ctx := context.Background()
	_, err := l.GrantSeats(ctx, "org-1", "premium", 3, "purchase-1")
	require.NoError(t, err)

	_, err = l.TryConsumeSeat(ctx, "org-1", "standard")
	require.ErrorIs(t, err, domain.ErrSeatsExhausted)
	require.Equal(t, 0, usage(t, l, "org-1").UsedSeats)
}

func TestReleaseSeat_RepeatIsNoOp(t *testing.T) {
	l := newTestLedger(storage.NewMemoryLedger())
	ctx := context.Background()
	_, err := l.GrantSeats(ctx, "org-1", "standard", 2, "purchase-1")
	require.NoError(t, err)
	_, err = l.TryConsumeSeat(ctx, "org-1", "standard")
	require.NoError(t, err)

	first, err := l.ReleaseSeat(ctx, "org-1", "standard")
	require.NoError(t, err)
	require.Equal(t, 0, first.UsedSeats)

	second, err := l.ReleaseSeat(ctx, "org-1", "standard")
	require.NoError(t, err)
	require.Equal(t, first.UsedSeats, second.UsedSeats)
	require.Equal(t, 2, second.TotalSeats)
}

func TestReleaseSeat_UnknownPool(t *testing.T) {
	l := newTestLedger(storage.NewMemoryLedger())

	grant, err := l.ReleaseSeat(context.Background(), "org-1", "standard")
	require.NoError(t, err)
	require.Equal(t, 0, grant.UsedSeats)
	require.Equal(t, 0, grant.TotalSeats)
}

func TestUtilization(t *testing.T) {
	l := newTestLedger(storage.NewMemoryLedger())
	ctx := context.Background()

	pools, err := l.Utilization(ctx, "org-unknown")
	require.NoError(t, err)
	require.Empty(t, pools)

	_, err = l.Utilization(ctx, "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = l.GrantSeats(ctx, "org-1", "standard", 20, "purchase-1")
	require.NoError(t, err)
	for range 5 {
		_, err := l.TryConsumeSeat(ctx, "org-1", "standard")
		require.NoError(t, err)
	}

	pool := usage(t, l, "org-1")
	require.Equal(t, "standard", pool.LicenseType)
	require.Equal(t, 25.0, pool.PercentUsed)
}

func TestLedger_InvariantHoldsAcrossMixedOperations(t *testing.T) {
	l := newTestLedger(storage.NewMemoryLedger())
	ctx := context.Background()
	_, err := l.GrantSeats(ctx, "org-1", "standard", 4, "purchase-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 60 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%3 == 0 {
				_, _ = l.ReleaseSeat(ctx, "org-1", "standard")
			} else {
				_, _ = l.TryConsumeSeat(ctx, "org-1", "standard")
			}
			pools, err := l.Utilization(ctx, "org-1")
			if err != nil || len(pools) != 1 {
				t.Errorf("utilization: %v", err)
				return
			}
			if p := pools[0]; p.UsedSeats < 0 || p.UsedSeats > p.TotalSeats {
				t.Errorf("invariant broken: used=%d total=%d", p.UsedSeats, p.TotalSeats)
			}
		}()
	}
	wg.Wait()
}

func TestLedger_RetriesStorageConflicts(t *testing.T) {
	repo := newConflictRepo(2)
	l := NewLedger(repo, WithInitialBackoff(time.Millisecond))
	ctx := context.Background()

	_, err := l.GrantSeats(ctx, "org-1", "standard", 1, "purchase-1")
	require.NoError(t, err)
	require.EqualValues(t, 3, repo.calls.Load())

	grant, err := l.TryConsumeSeat(ctx, "org-1", "standard")
	require.NoError(t, err)
	require.Equal(t, 1, grant.UsedSeats)
}

func TestLedger_GivesUpAfterMaxAttempts(t *testing.T) {
	repo := newConflictRepo(100)
	l := NewLedger(repo, WithMaxAttempts(3), WithInitialBackoff(time.Millisecond))

	_, err := l.TryConsumeSeat(context.Background(), "org-1", "standard")
	require.ErrorIs(t, err, domain.ErrStorageConflict)
	require.EqualValues(t, 3, repo.calls.Load())
}

func TestLedger_DoesNotRetryOutages(t *testing.T) {
	repo := &brokenRepo{MemoryLedger: storage.NewMemoryLedger()}
	l := NewLedger(repo, WithInitialBackoff(time.Millisecond))

	_, err := l.TryConsumeSeat(context.Background(), "org-1", "standard")
	require.ErrorIs(t, err, errOutage)
	require.EqualValues(t, 1, repo.calls.Load())
}

// Organization with no pool buys 5 seats, fills them concurrently, frees one,
// then the payment provider redelivers the same confirmation.
func TestLedger_EndToEndPurchaseScenario(t *testing.T) {
	l := newTestLedger(storage.NewMemoryLedger())
	ctx := context.Background()

	res, err := l.GrantSeats(ctx, "org-1", "standard", 5, "K1")
	require.NoError(t, err)
	require.Equal(t, 5, res.Grant.TotalSeats)
	require.Equal(t, 0, res.Grant.UsedSeats)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = l.TryConsumeSeat(ctx, "org-1", "standard")
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 5, usage(t, l, "org-1").UsedSeats)

	_, err = l.TryConsumeSeat(ctx, "org-1", "standard")
	require.ErrorIs(t, err, domain.ErrSeatsExhausted)

	grant, err := l.ReleaseSeat(ctx, "org-1", "standard")
	require.NoError(t, err)
	require.Equal(t, 4, grant.UsedSeats)

	res, err = l.GrantSeats(ctx, "org-1", "standard", 5, "K1")
	require.NoError(t, err)
	require.True(t, res.Replayed)

	pool := usage(t, l, "org-1")
	require.Equal(t, 5, pool.TotalSeats)
	require.Equal(t, 4, pool.UsedSeats)
}
