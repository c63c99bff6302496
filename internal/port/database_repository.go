package port

import (
	"context"
	"time"

	"github.com/candilingo/seatledger/internal/core/domain"
)

type MembershipRepository interface {
	// CreateMember inserts a member row, ErrMemberExists if the user is already in the organization
	CreateMember(ctx context.Context, member domain.Member) error

	// GetMember returns ErrMemberNotFound when the row does not exist
	GetMember(ctx context.Context, memberID string) (*domain.Member, error)

	// UpdateMemberStatus moves the member from one status to another. Activation clears the
	// invitation expiry. ErrMemberStatusChanged if the member is no longer in from.
	UpdateMemberStatus(ctx context.Context, memberID string, from, to domain.MemberStatus) error

	// DeleteMember deletes the member only while it is still in status. ErrMemberNotFound when
	// the row does not exist, ErrMemberStatusChanged when it moved to another status.
	DeleteMember(ctx context.Context, memberID string, status domain.MemberStatus) error

	ListMembers(ctx context.Context, organizationID string) ([]domain.Member, error)

	// FindMembership returns the user's membership in the organization or ErrMemberNotFound
	FindMembership(ctx context.Context, organizationID, userID string) (*domain.Member, error)

	// FindAdminOrganization resolves the organization a purchasing user owns or administers
	FindAdminOrganization(ctx context.Context, userID string) (string, error)

	// ListExpiredInvitations returns pending members whose invitation expired at or before now
	ListExpiredInvitations(ctx context.Context, now time.Time, limit int) ([]domain.Member, error)
}
