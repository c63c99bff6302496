package port

import (
	"context"

	"github.com/candilingo/seatledger/internal/core/domain"
)

// LedgerRepository is the source of truth for seat pools. Each method is a single
// atomic read-modify-write; implementations must not cache seat counts.
type LedgerRepository interface {
	// GrantSeats creates or increments the pool and records the idempotency key atomically.
	// A replayed key returns the snapshot stored with it and Replayed=true.
	GrantSeats(ctx context.Context, req domain.GrantRequest) (domain.GrantResult, error)

	// GrantEvent returns the request recorded with an idempotency key, ErrGrantEventNotFound if the key is unused
	GrantEvent(ctx context.Context, idempotencyKey string) (domain.GrantRequest, error)

	// ConsumeSeat increments used seats if used < total, ErrSeatsExhausted otherwise
	ConsumeSeat(ctx context.Context, organizationID, licenseType string) (domain.LicenseGrant, error)

	// ReleaseSeat decrements used seats clamped at zero; the bool reports whether a seat was released
	ReleaseSeat(ctx context.Context, organizationID, licenseType string) (domain.LicenseGrant, bool, error)

	// ListGrants returns every pool of the organization, empty for an unknown organization
	ListGrants(ctx context.Context, organizationID string) ([]domain.LicenseGrant, error)
}
