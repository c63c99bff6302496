package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/candilingo/seatledger/internal/core/domain"
	"github.com/candilingo/seatledger/internal/port"
	"github.com/candilingo/seatledger/internal/telemetry"
)

const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 20 * time.Millisecond
	maxBackoff            = 500 * time.Millisecond
)

// Ledger enforces the seat accounting rules on top of a LedgerRepository.
// Storage conflicts are retried here; business errors go straight back to the caller.
type Ledger struct {
	repo           port.LedgerRepository
	maxAttempts    uint
	initialBackoff time.Duration
}

type LedgerOption func(*Ledger)

func WithMaxAttempts(n uint) LedgerOption {
	return func(l *Ledger) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

func WithInitialBackoff(d time.Duration) LedgerOption {
	return func(l *Ledger) {
		if d > 0 {
			l.initialBackoff = d
		}
	}
}

func NewLedger(repo port.LedgerRepository, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		repo:           repo,
		maxAttempts:    DefaultMaxAttempts,
		initialBackoff: DefaultInitialBackoff,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// GrantSeats adds count seats to the pool. Only the purchase confirmation path
// may call it. A replayed idempotency key returns the earlier snapshot.
func (l *Ledger) GrantSeats(ctx context.Context, organizationID, licenseType string, count int, idempotencyKey string) (domain.GrantResult, error) {
	if err := validatePool(organizationID, licenseType); err != nil {
		return domain.GrantResult{}, err
	}
	if count <= 0 {
		return domain.GrantResult{}, domain.InvalidArgument("seat count must be positive, got %d", count)
	}
	if strings.TrimSpace(idempotencyKey) == "" {
		return domain.GrantResult{}, domain.InvalidArgument("idempotency key is required")
	}

	req := domain.GrantRequest{
		OrganizationID: organizationID,
		LicenseType:    licenseType,
		Count:          count,
		IdempotencyKey: idempotencyKey,
	}
	res, err := withRetry(ctx, l, "grant", func() (domain.GrantResult, error) {
		return l.repo.GrantSeats(ctx, req)
	})
	if err != nil {
		return domain.GrantResult{}, fmt.Errorf("grant seats: %w", err)
	}

	logger := zerolog.Ctx(ctx).With().
		Str("organization_id", organizationID).
		Str("license_type", licenseType).
		Str("idempotency_key", idempotencyKey).
		Logger()
	if res.Replayed {
		logger.Info().Int("total_seats", res.Grant.TotalSeats).Msg("duplicate purchase event, returning prior grant")
	} else {
		logger.Info().Int("count", count).Int("total_seats", res.Grant.TotalSeats).Msg("seats granted")
	}
	return res, nil
}

// GrantEvent returns the grant an idempotency key was first used for.
func (l *Ledger) GrantEvent(ctx context.Context, idempotencyKey string) (domain.GrantRequest, error) {
	if strings.TrimSpace(idempotencyKey) == "" {
		return domain.GrantRequest{}, domain.InvalidArgument("idempotency key is required")
	}
	req, err := l.repo.GrantEvent(ctx, idempotencyKey)
	if errors.Is(err, domain.ErrGrantEventNotFound) {
		return domain.GrantRequest{}, err
	}
	if err != nil {
		return domain.GrantRequest{}, fmt.Errorf("grant event: %w", err)
	}
	return req, nil
}

// TryConsumeSeat claims one seat or fails with domain.ErrSeatsExhausted.
// It never draws from another license type.
func (l *Ledger) TryConsumeSeat(ctx context.Context, organizationID, licenseType string) (domain.LicenseGrant, error) {
	if err := validatePool(organizationID, licenseType); err != nil {
		return domain.LicenseGrant{}, err
	}

	grant, err := withRetry(ctx, l, "consume", func() (domain.LicenseGrant, error) {
		return l.repo.ConsumeSeat(ctx, organizationID, licenseType)
	})
	if errors.Is(err, domain.ErrSeatsExhausted) {
		zerolog.Ctx(ctx).Debug().
			Str("organization_id", organizationID).
			Str("license_type", licenseType).
			Msg("no seat available")
		return domain.LicenseGrant{}, err
	}
	if err != nil {
		return domain.LicenseGrant{}, fmt.Errorf("consume seat: %w", err)
	}
	return grant, nil
}

// ReleaseSeat gives one seat back. Releasing with nothing in use is logged and ignored.
func (l *Ledger) ReleaseSeat(ctx context.Context, organizationID, licenseType string) (domain.LicenseGrant, error) {
	if err := validatePool(organizationID, licenseType); err != nil {
		return domain.LicenseGrant{}, err
	}

	type released struct {
		grant domain.LicenseGrant
		ok    bool
	}
	res, err := withRetry(ctx, l, "release", func() (released, error) {
		grant, ok, err := l.repo.ReleaseSeat(ctx, organizationID, licenseType)
		return released{grant, ok}, err
	})
	if err != nil {
		return domain.LicenseGrant{}, fmt.Errorf("release seat: %w", err)
	}

	if !res.ok {
		zerolog.Ctx(ctx).Warn().
			Str("organization_id", organizationID).
			Str("license_type", licenseType).
			Int("used_seats", res.grant.UsedSeats).
			Msg("seat release found no seat in use, ignoring")
	}
	return res.grant, nil
}

// Utilization reports every pool of the organization. Unknown organizations yield an empty list.
func (l *Ledger) Utilization(ctx context.Context, organizationID string) ([]domain.PoolUtilization, error) {
	if strings.TrimSpace(organizationID) == "" {
		return nil, domain.InvalidArgument("organization id is required")
	}

	started := time.Now()
	grants, err := l.repo.ListGrants(ctx, organizationID)
	telemetry.LedgerOperationDuration.WithLabelValues("utilization").Observe(time.Since(started).Seconds())
	if err != nil {
		telemetry.LedgerOperationsTotal.WithLabelValues("utilization", "error").Inc()
		return nil, fmt.Errorf("list grants: %w", err)
	}
	telemetry.LedgerOperationsTotal.WithLabelValues("utilization", "ok").Inc()

	pools := make([]domain.PoolUtilization, 0, len(grants))
	for _, g := range grants {
		pools = append(pools, domain.NewPoolUtilization(g))
	}
	return pools, nil
}

// withRetry runs op, retrying only domain.ErrStorageConflict with exponential backoff.
func withRetry[T any](ctx context.Context, l *Ledger, operation string, op func() (T, error)) (T, error) {
	started := time.Now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.initialBackoff
	b.MaxInterval = maxBackoff

	res, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, domain.ErrStorageConflict) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(l.maxAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			telemetry.LedgerRetriesTotal.WithLabelValues(operation).Inc()
			zerolog.Ctx(ctx).Debug().Err(err).Str("operation", operation).Dur("backoff", d).Msg("retrying ledger operation")
		}),
	)

	telemetry.LedgerOperationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	telemetry.LedgerOperationsTotal.WithLabelValues(operation, outcome(err)).Inc()
	return res, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrSeatsExhausted):
		return "exhausted"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "invalid"
	case errors.Is(err, domain.ErrStorageConflict):
		return "conflict"
	}
	return "error"
}

func validatePool(organizationID, licenseType string) error {
	if strings.TrimSpace(organizationID) == "" {
		return domain.InvalidArgument("organization id is required")
	}
	if strings.TrimSpace(licenseType) == "" {
		return domain.InvalidArgument("license type is required")
	}
	return nil
}
