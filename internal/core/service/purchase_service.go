package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/candilingo/seatledger/internal/core/domain"
	"github.com/candilingo/seatledger/internal/port"
	"github.com/candilingo/seatledger/internal/telemetry"
)

// SeatGranter is the purchase side of the Ledger.
type SeatGranter interface {
	GrantEvent(ctx context.Context, idempotencyKey string) (domain.GrantRequest, error)
	GrantSeats(ctx context.Context, organizationID, licenseType string, count int, idempotencyKey string) (domain.GrantResult, error)
}

// PurchaseService reconciles verified checkout sessions into seat grants.
type PurchaseService struct {
	ledger  SeatGranter
	members port.MembershipRepository
}

func NewPurchaseService(ledger SeatGranter, members port.MembershipRepository) *PurchaseService {
	return &PurchaseService{ledger: ledger, members: members}
}

// Reconcile grants the purchased seats to the organization the buyer administers.
// The checkout session id is the idempotency key, so redelivered events are no-ops
// even after the buyer left the organization or now administers another one.
func (s *PurchaseService) Reconcile(ctx context.Context, event domain.PurchaseEvent) (domain.GrantResult, error) {
	res, err := s.reconcile(ctx, event)
	telemetry.PurchaseEventsTotal.WithLabelValues(purchaseOutcome(res, err)).Inc()
	return res, err
}

func (s *PurchaseService) reconcile(ctx context.Context, event domain.PurchaseEvent) (domain.GrantResult, error) {
	switch {
	case event.SessionID == "":
		return domain.GrantResult{}, domain.InvalidArgument("session id is required")
	case event.UserID == "":
		return domain.GrantResult{}, domain.InvalidArgument("user id is required")
	case event.Quantity <= 0:
		return domain.GrantResult{}, domain.InvalidArgument("quantity must be positive, got %d", event.Quantity)
	case event.PaymentStatus != domain.PaymentStatusPaid:
		return domain.GrantResult{}, fmt.Errorf("%w: status %q", domain.ErrPaymentNotCompleted, event.PaymentStatus)
	}

	licenseType := event.LicenseType
	if licenseType == "" {
		licenseType = domain.DefaultLicenseType
	}

	organizationID, err := s.purchasingOrganization(ctx, event)
	if err != nil {
		return domain.GrantResult{}, err
	}

	zerolog.Ctx(ctx).Debug().
		Str("session_id", event.SessionID).
		Str("organization_id", organizationID).
		Int("quantity", event.Quantity).
		Msg("reconciling purchase")

	return s.ledger.GrantSeats(ctx, organizationID, licenseType, event.Quantity, event.SessionID)
}

// purchasingOrganization returns the organization a session was already granted
// to, or resolves the buyer's organization for a session seen for the first time.
func (s *PurchaseService) purchasingOrganization(ctx context.Context, event domain.PurchaseEvent) (string, error) {
	prior, err := s.ledger.GrantEvent(ctx, event.SessionID)
	if err == nil {
		return prior.OrganizationID, nil
	}
	if !errors.Is(err, domain.ErrGrantEventNotFound) {
		return "", fmt.Errorf("look up purchase event: %w", err)
	}

	organizationID, err := s.members.FindAdminOrganization(ctx, event.UserID)
	if err != nil {
		return "", fmt.Errorf("resolve purchasing organization: %w", err)
	}
	return organizationID, nil
}

func purchaseOutcome(res domain.GrantResult, err error) string {
	switch {
	case err == nil && res.Replayed:
		return "duplicate"
	case err == nil:
		return "granted"
	case errors.Is(err, domain.ErrPaymentNotCompleted):
		return "unpaid"
	case errors.Is(err, domain.ErrPurchaserNotAdmin):
		return "no_organization"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "invalid"
	}
	return "error"
}
