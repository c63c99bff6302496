package domain

import "time"

type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

func (r MemberRole) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// CanManage reports whether the role may invite, suspend or remove members.
func (r MemberRole) CanManage() bool {
	return r == RoleOwner || r == RoleAdmin
}

type MemberStatus string

const (
	MemberStatusPending   MemberStatus = "pending"
	MemberStatusActive    MemberStatus = "active"
	MemberStatusSuspended MemberStatus = "suspended"
)

type Member struct {
	ID             string
	OrganizationID string
	UserID         string
	Email          string
	Role           MemberRole
	Status         MemberStatus
	LicenseType    string
	InvitedBy      string
	ExpiresAt      *time.Time // pending invitations only
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HoldsSeat reports whether the member currently holds a seat claim.
// The owner who founded the organization is never billed a seat.
func (m Member) HoldsSeat() bool {
	if m.Role == RoleOwner {
		return false
	}
	return m.Status == MemberStatusPending || m.Status == MemberStatusActive
}

func (m Member) Expired(now time.Time) bool {
	return m.Status == MemberStatusPending && m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}
