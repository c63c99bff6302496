package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/candilingo/seatledger/internal/core/domain"
	"github.com/candilingo/seatledger/internal/port"
)

// testLedgerRepository runs the seat accounting properties against any backend.
// Each subtest uses a fresh organization id so backends can share state.
func testLedgerRepository(t *testing.T, repo port.LedgerRepository) {
	ctx := context.Background()
	newOrg := func() string { return "org-" + uuid.NewString() }

	t.Run("grant creates pool lazily", func(t *testing.T) {
		org := newOrg()

		res, err := repo.GrantSeats(ctx, domain.GrantRequest{OrganizationID: org, LicenseType: "standard", Count: 5, IdempotencyKey: uuid.NewString()})
		require.NoError(t, err)
		require.False(t, res.Replayed)
		require.Equal(t, org, res.Grant.OrganizationID)
		require.Equal(t, "standard", res.Grant.LicenseType)
		require.Equal(t, 5, res.Grant.TotalSeats)
		require.Equal(t, 0, res.Grant.UsedSeats)
	})

	t.Run("grant increments existing pool", func(t *testing.T) {
		org := newOrg()

		_, err := repo.GrantSeats(ctx, domain.GrantRequest{OrganizationID: org, LicenseType: "standard", Count: 2, IdempotencyKey: uuid.NewString()})
		require.NoError(t, err)
		_, err = repo.ConsumeSeat(ctx, org, "standard")
		require.NoError(t, err)

		res, err := repo.GrantSeats(ctx, domain.GrantRequest{OrganizationID: org, LicenseType: "standard", Count: 3, IdempotencyKey: uuid.NewString()})
		require.NoError(t, err)
		require.Equal(t, 5, res.Grant.TotalSeats)
		require.Equal(t, 1, res.Grant.UsedSeats)
	})

	t.Run("replayed idempotency key grants once", func(t *testing.T) {
		org := newOrg()
		req := domain.GrantRequest{OrganizationID: org, LicenseType: "standard", Count: 5, IdempotencyKey: "cs_" + uuid.NewString()}

		first, err := repo.GrantSeats(ctx, req)
		require.NoError(t, err)

		second, err := repo.GrantSeats(ctx, req)
		require.NoError(t, err)
		require.True(t, second.Replayed)
		require.Equal(t, first.Grant.TotalSeats, second.Grant.TotalSeats)

		grants, err := repo.ListGrants(ctx, org)
		require.NoError(t, err)
		require.Len(t, grants, 1)
		require.Equal(t, 5, grants[0].TotalSeats)
	})

	t.Run("concurrent replays grant once", func(t *testing.T) {
		org := newOrg()
		req := domain.GrantRequest{OrganizationID: org, LicenseType: "standard", Count: 4, IdempotencyKey: "cs_" + uuid.NewString()}

		var fresh atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := repo.GrantSeats(ctx, req)
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				if !res.Replayed {
					fresh.Add(1)
				}
			}()
		}
		wg.Wait()

		require.Equal(t, int32(1), fresh.Load())
		grants, err := repo.ListGrants(ctx, org)
		require.NoError(t, err)
		require.Equal(t, 4, grants[0].TotalSeats)
	})

	t.Run("reused key with different parameters is rejected", func(t *testing.T) {
		org := newOrg()
		key := "cs_" + uuid.NewString()

		_, err := repo.GrantSeats(ctx, domain.GrantRequest{OrganizationID: org, LicenseType: "standard", Count: 5, IdempotencyKey: key})
		require.NoError(t, err)

		_, err = repo.GrantSeats(ctx, domain.GrantRequest{OrganizationID: org, LicenseType: "standard", Count: 7, IdempotencyKey: key})
		require.ErrorIs(t, err, domain.ErrIdempotencyMismatch)
		require.ErrorIs(t, err, domain.ErrInvalidArgument)
	})

	t.Run("key reused by another organization grants nothing", func(t *testing.T) {
		first, second := newOrg(), newOrg()
		key := "cs_" + uuid.NewString()

		_, err := repo.GrantSeats(ctx, domain.GrantRequest{OrganizationID: first, LicenseType: "standard", Count: 5, IdempotencyKey: key})
		require.NoError(t, err)

		_, err = repo.GrantSeats(ctx, domain.GrantRequest{OrganizationID: second, LicenseType: "standard", Count: 5, IdempotencyKey: key})
		require.ErrorIs(t, err, domain.ErrIdempotencyMismatch)

		grants, err := repo.ListGrants(ctx, second)
		require.NoError(t, err)
		require.Empty(t, grants)
	})

	t.Run("grant event records the request", func(t *testing.T) {
		org := newOrg()
		req := domain.GrantRequest{OrganizationID: org, LicenseType: "enterprise", Count: 3, IdempotencyKey: "cs_" + uuid.NewString()}

		_, err := repo.GrantEvent(ctx, req.IdempotencyKey)
		require.ErrorIs(t, err, domain.ErrGrantEventNotFound)

		_, err = repo.GrantSeats(ctx, req)
		require.NoError(t, err)

		got, err := repo.GrantEvent(ctx, req.IdempotencyKey)
		require.NoError(t, err)
		require.Equal(t, req, got)
	})

	t.Run("consume without pool is exhausted", func(t *testing.T) {
		_, err := repo.ConsumeSeat(ctx, newOrg(), "standard")
		require.ErrorIs(t, err, domain.ErrSeatsExhausted)
	})

	t.Run("concurrent consumes never over-allocate", func(t *testing.T) {
		org := newOrg()
		seats, extra := 10, 15

		_, err := repo.GrantSeats(ctx, domain.GrantRequest{OrganizationID: org, LicenseType: "standard", Count: seats, IdempotencyKey: uuid.NewString()})
		require.NoError(t, err)

		var successCount, exhaustedCount atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < seats+extra; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				grant, err := repo.ConsumeSeat(ctx, org, "standard")
				switch {
				case err == nil:
					if !grant.Valid() {
						t.Errorf("invariant broken: %+v", grant)
					}
					successCount.Add(1)
				case errors.Is(err, domain.ErrSeatsExhausted):
					exhaustedCount.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		require.Equal(t, int32(seats), successCount.Load())
		require.Equal(t, int32(extra), exhaustedCount.Load())

		grants, err := repo.ListGrants(ctx, org)
		require.NoError(t, err)
		require.Equal(t, seats, grants[0].UsedSeats)
	})

	t.Run("release clamps at zero", func(t *testing.T) {
		org := newOrg()

		_, err := repo.GrantSeats(ctx, domain.GrantRequest{OrganizationID: org, LicenseType: "standard", Count: 2, IdempotencyKey: uuid.NewString()})
		require.NoError(t, err)
		_, err = repo.ConsumeSeat(ctx, org, "standard")
		require.NoError(t, err)

		grant, released, err := repo.ReleaseSeat(ctx, org, "standard")
		require.NoError(t, err)
		require.True(t, released)
		require.Equal(t, 0, grant.UsedSeats)

		grant, released, err = repo.ReleaseSeat(ctx, org, "standard")
		require.NoError(t, err)
		require.False(t, released)
		require.Equal(t, 0, grant.UsedSeats)
		require.Equal(t, 2, grant.TotalSeats)
	})

	t.Run("release without pool is a no-op", func(t *testing.T) {
		org := newOrg()

		grant, released, err := repo.ReleaseSeat(ctx, org, "standard")
		require.NoError(t, err)
		require.False(t, released)
		require.Equal(t, org, grant.OrganizationID)
		require.Equal(t, 0, grant.TotalSeats)
	})

	t.Run("pools per license type are independent", func(t *testing.T) {
		org := newOrg()

		for i, licenseType := range []string{"standard", "enterprise"} {
			_, err := repo.GrantSeats(ctx, domain.GrantRequest{OrganizationID: org, LicenseType: licenseType, Count: i + 1, IdempotencyKey: uuid.NewString()})
			require.NoError(t, err)
		}
		_, err := repo.ConsumeSeat(ctx, org, "enterprise")
		require.NoError(t, err)
		_, err = repo.ConsumeSeat(ctx, org, "enterprise")
		require.NoError(t, err)
		_, err = repo.ConsumeSeat(ctx, org, "enterprise")
		require.ErrorIs(t, err, domain.ErrSeatsExhausted)

		grants, err := repo.ListGrants(ctx, org)
		require.NoError(t, err)
		require.Len(t, grants, 2)
		require.Equal(t, "enterprise", grants[0].LicenseType)
		require.Equal(t, 2, grants[0].UsedSeats)
		require.Equal(t, "standard", grants[1].LicenseType)
		require.Equal(t, 0, grants[1].UsedSeats)
	})

	t.Run("unknown organization lists nothing", func(t *testing.T) {
		grants, err := repo.ListGrants(ctx, newOrg())
		require.NoError(t, err)
		require.Empty(t, grants)
	})

	t.Run("invariant holds across mixed operations", func(t *testing.T) {
		org := newOrg()
		_, err := repo.GrantSeats(ctx, domain.GrantRequest{OrganizationID: org, LicenseType: "standard", Count: 3, IdempotencyKey: uuid.NewString()})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 30; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var grant domain.LicenseGrant
				var err error
				switch i % 3 {
				case 0, 1:
					grant, err = repo.ConsumeSeat(ctx, org, "standard")
				default:
					grant, _, err = repo.ReleaseSeat(ctx, org, "standard")
				}
				if err != nil && !errors.Is(err, domain.ErrSeatsExhausted) {
					t.Errorf("op %d: %v", i, err)
					return
				}
				if err == nil && !grant.Valid() {
					t.Errorf("op %d: invariant broken: %s", i, fmt.Sprintf("%+v", grant))
				}
			}(i)
		}
		wg.Wait()

		grants, err := repo.ListGrants(ctx, org)
		require.NoError(t, err)
		require.True(t, grants[0].Valid())
	})
}
