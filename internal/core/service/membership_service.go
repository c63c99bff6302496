package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/candilingo/seatledger/internal/core/domain"
	"github.com/candilingo/seatledger/internal/port"
	"github.com/candilingo/seatledger/internal/telemetry"
)

const DefaultInvitationTTL = 7 * 24 * time.Hour

// SeatLedger is the part of the Ledger membership changes depend on.
type SeatLedger interface {
	TryConsumeSeat(ctx context.Context, organizationID, licenseType string) (domain.LicenseGrant, error)
	ReleaseSeat(ctx context.Context, organizationID, licenseType string) (domain.LicenseGrant, error)
}

type InviteRequest struct {
	OrganizationID string
	UserID         string
	Email          string
	Role           domain.MemberRole
	LicenseType    string
}

// MembershipService changes organization membership and keeps one seat claimed
// per pending or active member. The seat is always taken before the member row
// is written and given back if that write fails.
type MembershipService struct {
	ledger        SeatLedger
	members       port.MembershipRepository
	invitationTTL time.Duration
	now           func() time.Time
}

func NewMembershipService(ledger SeatLedger, members port.MembershipRepository, invitationTTL time.Duration) *MembershipService {
	if invitationTTL <= 0 {
		invitationTTL = DefaultInvitationTTL
	}
	return &MembershipService{
		ledger:        ledger,
		members:       members,
		invitationTTL: invitationTTL,
		now:           time.Now,
	}
}

func (s *MembershipService) Invite(ctx context.Context, actorID string, req InviteRequest) (*domain.Member, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Role == "" {
		req.Role = domain.RoleMember
	}
	if req.LicenseType == "" {
		req.LicenseType = domain.DefaultLicenseType
	}
	switch {
	case req.OrganizationID == "":
		return nil, domain.InvalidArgument("organization id is required")
	case req.UserID == "":
		return nil, domain.InvalidArgument("user id is required")
	case req.Email == "":
		return nil, domain.InvalidArgument("email is required")
	case !req.Role.Valid() || req.Role == domain.RoleOwner:
		return nil, domain.InvalidArgument("role %q cannot be invited", req.Role)
	}

	if _, err := s.authorize(ctx, req.OrganizationID, actorID); err != nil {
		return nil, err
	}

	if _, err := s.members.FindMembership(ctx, req.OrganizationID, req.UserID); err == nil {
		return nil, domain.ErrMemberExists
	} else if !errors.Is(err, domain.ErrMemberNotFound) {
		return nil, fmt.Errorf("find membership: %w", err)
	}

	if _, err := s.ledger.TryConsumeSeat(ctx, req.OrganizationID, req.LicenseType); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	expires := now.Add(s.invitationTTL)
	member := domain.Member{
		ID:             uuid.NewString(),
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		Email:          req.Email,
		Role:           req.Role,
		Status:         domain.MemberStatusPending,
		LicenseType:    req.LicenseType,
		InvitedBy:      actorID,
		ExpiresAt:      &expires,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.members.CreateMember(ctx, member); err != nil {
		s.compensateRelease(ctx, member, err)
		return nil, fmt.Errorf("create member: %w", err)
	}

	zerolog.Ctx(ctx).Info().
		Str("organization_id", member.OrganizationID).
		Str("member_id", member.ID).
		Str("license_type", member.LicenseType).
		Msg("member invited")
	return &member, nil
}

// CreateOrganization registers the founding owner of a new organization. The
// owner holds no seat, so an organization can exist before its first purchase.
func (s *MembershipService) CreateOrganization(ctx context.Context, organizationID, ownerUserID, email string) (*domain.Member, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	switch {
	case organizationID == "":
		return nil, domain.InvalidArgument("organization id is required")
	case ownerUserID == "":
		return nil, domain.InvalidArgument("owner user id is required")
	case email == "":
		return nil, domain.InvalidArgument("email is required")
	}

	existing, err := s.members.ListMembers(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("%w: organization %s already exists", domain.ErrMemberExists, organizationID)
	}

	now := s.now().UTC()
	owner := domain.Member{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		UserID:         ownerUserID,
		Email:          email,
		Role:           domain.RoleOwner,
		Status:         domain.MemberStatusActive,
		LicenseType:    domain.DefaultLicenseType,
		InvitedBy:      ownerUserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.members.CreateMember(ctx, owner); err != nil {
		return nil, fmt.Errorf("create owner: %w", err)
	}
	return &owner, nil
}

// Accept turns the invited user's pending membership active. The seat was claimed at invite time.
func (s *MembershipService) Accept(ctx context.Context, memberID, userID string) (*domain.Member, error) {
	member, err := s.members.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if member.UserID != userID {
		return nil, domain.ErrForbidden
	}
	if member.Status != domain.MemberStatusPending {
		return nil, domain.InvalidArgument("membership is %s, not pending", member.Status)
	}
	if member.Expired(s.now()) {
		return nil, domain.ErrInvitationExpired
	}

	if err := s.members.UpdateMemberStatus(ctx, member.ID, domain.MemberStatusPending, domain.MemberStatusActive); err != nil {
		return nil, fmt.Errorf("activate member: %w", err)
	}
	member.Status = domain.MemberStatusActive
	member.ExpiresAt = nil
	return member, nil
}

// Suspend keeps the membership row but gives its seat back.
func (s *MembershipService) Suspend(ctx context.Context, actorID, organizationID, memberID string) (*domain.Member, error) {
	member, err := s.managedMember(ctx, actorID, organizationID, memberID)
	if err != nil {
		return nil, err
	}
	if !member.HoldsSeat() {
		return member, nil
	}

	if err := s.members.UpdateMemberStatus(ctx, member.ID, member.Status, domain.MemberStatusSuspended); err != nil {
		return nil, fmt.Errorf("suspend member: %w", err)
	}
	if _, err := s.ledger.ReleaseSeat(ctx, member.OrganizationID, member.LicenseType); err != nil {
		// the row claims the seat again
		if rerr := s.members.UpdateMemberStatus(context.WithoutCancel(ctx), member.ID, domain.MemberStatusSuspended, member.Status); rerr != nil {
			zerolog.Ctx(ctx).Error().Err(rerr).Str("member_id", member.ID).Msg("CRITICAL failed to restore member status after seat release failure")
		}
		return nil, err
	}

	member.Status = domain.MemberStatusSuspended
	return member, nil
}

// Reinstate claims a seat again for a suspended member. An invitation suspended
// before it was accepted goes back to pending and keeps its expiry.
func (s *MembershipService) Reinstate(ctx context.Context, actorID, organizationID, memberID string) (*domain.Member, error) {
	member, err := s.managedMember(ctx, actorID, organizationID, memberID)
	if err != nil {
		return nil, err
	}
	if member.Status != domain.MemberStatusSuspended {
		return nil, domain.InvalidArgument("only suspended members can be reinstated")
	}

	restored := domain.MemberStatusActive
	if member.ExpiresAt != nil {
		if !s.now().Before(*member.ExpiresAt) {
			return nil, domain.ErrInvitationExpired
		}
		restored = domain.MemberStatusPending
	}

	if _, err := s.ledger.TryConsumeSeat(ctx, member.OrganizationID, member.LicenseType); err != nil {
		return nil, err
	}
	if err := s.members.UpdateMemberStatus(ctx, member.ID, domain.MemberStatusSuspended, restored); err != nil {
		s.compensateRelease(ctx, *member, err)
		return nil, fmt.Errorf("reinstate member: %w", err)
	}

	member.Status = restored
	return member, nil
}

// Remove deletes the membership and releases its seat.
func (s *MembershipService) Remove(ctx context.Context, actorID, organizationID, memberID string) error {
	member, err := s.managedMember(ctx, actorID, organizationID, memberID)
	if err != nil {
		return err
	}
	return s.deleteAndRelease(ctx, *member)
}

// RevokeInvitation deletes a pending invitation and releases its seat.
func (s *MembershipService) RevokeInvitation(ctx context.Context, actorID, organizationID, memberID string) error {
	member, err := s.managedMember(ctx, actorID, organizationID, memberID)
	if err != nil {
		return err
	}
	if member.Status != domain.MemberStatusPending {
		return domain.InvalidArgument("membership is %s, not a pending invitation", member.Status)
	}
	return s.deleteAndRelease(ctx, *member)
}

// ExpiredInvitations lists pending invitations whose expiry passed.
func (s *MembershipService) ExpiredInvitations(ctx context.Context, limit int) ([]domain.Member, error) {
	return s.members.ListExpiredInvitations(ctx, s.now().UTC(), limit)
}

// ExpireInvitation revokes one expired invitation on behalf of the system. The
// member is reloaded so an invitation accepted since it was listed survives.
// Accept refuses expired invitations, so the row cannot turn active afterwards.
func (s *MembershipService) ExpireInvitation(ctx context.Context, member domain.Member) error {
	current, err := s.members.GetMember(ctx, member.ID)
	if err != nil {
		return err
	}
	if !current.Expired(s.now()) {
		return domain.InvalidArgument("invitation %s has not expired", member.ID)
	}
	if err := s.deleteAndRelease(ctx, *current); err != nil {
		return err
	}
	telemetry.InvitationsExpiredTotal.Inc()
	return nil
}

func (s *MembershipService) ListMembers(ctx context.Context, actorID, organizationID string) ([]domain.Member, error) {
	if _, err := s.membershipOf(ctx, organizationID, actorID); err != nil {
		return nil, err
	}
	return s.members.ListMembers(ctx, organizationID)
}

// CanView reports whether the actor belongs to the organization.
func (s *MembershipService) CanView(ctx context.Context, actorID, organizationID string) error {
	_, err := s.membershipOf(ctx, organizationID, actorID)
	return err
}

// deleteAndRelease deletes the member only if its status is still the one the
// seat decision below was made on.
func (s *MembershipService) deleteAndRelease(ctx context.Context, member domain.Member) error {
	if err := s.members.DeleteMember(ctx, member.ID, member.Status); err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	if !member.HoldsSeat() {
		return nil
	}

	if _, err := s.ledger.ReleaseSeat(ctx, member.OrganizationID, member.LicenseType); err != nil {
		if rerr := s.members.CreateMember(context.WithoutCancel(ctx), member); rerr != nil {
			telemetry.SeatCompensationsTotal.WithLabelValues("failed").Inc()
			zerolog.Ctx(ctx).Error().Err(rerr).Str("member_id", member.ID).Msg("CRITICAL failed to restore member after seat release failure")
		} else {
			telemetry.SeatCompensationsTotal.WithLabelValues("restored").Inc()
		}
		return err
	}

	zerolog.Ctx(ctx).Info().
		Str("organization_id", member.OrganizationID).
		Str("member_id", member.ID).
		Str("status", string(member.Status)).
		Msg("member removed")
	return nil
}

// compensateRelease gives back a seat whose membership write failed. It ignores
// caller cancellation so an aborted request cannot leak the seat.
func (s *MembershipService) compensateRelease(ctx context.Context, member domain.Member, cause error) {
	logger := zerolog.Ctx(ctx).With().
		Str("organization_id", member.OrganizationID).
		Str("member_id", member.ID).
		AnErr("cause", cause).
		Logger()

	if _, err := s.ledger.ReleaseSeat(context.WithoutCancel(ctx), member.OrganizationID, member.LicenseType); err != nil {
		telemetry.SeatCompensationsTotal.WithLabelValues("failed").Inc()
		logger.Error().Err(err).Msg("CRITICAL seat release failed after membership write failure")
		return
	}
	telemetry.SeatCompensationsTotal.WithLabelValues("released").Inc()
	logger.Warn().Msg("released seat after membership write failure")
}

// managedMember loads a member of organizationID that the actor may manage.
func (s *MembershipService) managedMember(ctx context.Context, actorID, organizationID, memberID string) (*domain.Member, error) {
	if _, err := s.authorize(ctx, organizationID, actorID); err != nil {
		return nil, err
	}

	member, err := s.members.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if member.OrganizationID != organizationID {
		return nil, domain.ErrMemberNotFound
	}
	if member.Role == domain.RoleOwner {
		return nil, fmt.Errorf("%w: the organization owner cannot be changed", domain.ErrForbidden)
	}
	return member, nil
}

// authorize requires the actor to be an active owner or admin of the organization.
func (s *MembershipService) authorize(ctx context.Context, organizationID, actorID string) (*domain.Member, error) {
	actor, err := s.membershipOf(ctx, organizationID, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.Role.CanManage() {
		return nil, domain.ErrForbidden
	}
	return actor, nil
}

func (s *MembershipService) membershipOf(ctx context.Context, organizationID, actorID string) (*domain.Member, error) {
	if actorID == "" {
		return nil, domain.ErrForbidden
	}
	actor, err := s.members.FindMembership(ctx, organizationID, actorID)
	if errors.Is(err, domain.ErrMemberNotFound) {
		return nil, domain.ErrForbidden
	}
	if err != nil {
		return nil, fmt.Errorf("find actor membership: %w", err)
	}
	if actor.Status != domain.MemberStatusActive {
		return nil, domain.ErrForbidden
	}
	return actor, nil
}
