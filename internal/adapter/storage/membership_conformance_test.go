package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/candilingo/seatledger/internal/core/domain"
	"github.com/candilingo/seatledger/internal/port"
)

func newTestMember(org, user string, role domain.MemberRole, status domain.MemberStatus) domain.Member {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return domain.Member{
		ID:             uuid.NewString(),
		OrganizationID: org,
		UserID:         user,
		Email:          user + "@example.com",
		Role:           role,
		Status:         status,
		LicenseType:    domain.DefaultLicenseType,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func testMembershipRepository(t *testing.T, repo port.MembershipRepository) {
	ctx := context.Background()
	newOrg := func() string { return "org-" + uuid.NewString() }

	t.Run("create and get", func(t *testing.T) {
		member := newTestMember(newOrg(), "user-"+uuid.NewString(), domain.RoleMember, domain.MemberStatusActive)
		require.NoError(t, repo.CreateMember(ctx, member))

		got, err := repo.GetMember(ctx, member.ID)
		require.NoError(t, err)
		require.Equal(t, member.OrganizationID, got.OrganizationID)
		require.Equal(t, member.UserID, got.UserID)
		require.Equal(t, domain.RoleMember, got.Role)
		require.Equal(t, domain.MemberStatusActive, got.Status)
	})

	t.Run("duplicate user in organization", func(t *testing.T) {
		org, user := newOrg(), "user-"+uuid.NewString()
		require.NoError(t, repo.CreateMember(ctx, newTestMember(org, user, domain.RoleMember, domain.MemberStatusActive)))

		err := repo.CreateMember(ctx, newTestMember(org, user, domain.RoleMember, domain.MemberStatusPending))
		require.ErrorIs(t, err, domain.ErrMemberExists)
	})

	t.Run("missing member", func(t *testing.T) {
		_, err := repo.GetMember(ctx, uuid.NewString())
		require.ErrorIs(t, err, domain.ErrMemberNotFound)
		require.ErrorIs(t, repo.DeleteMember(ctx, uuid.NewString(), domain.MemberStatusActive), domain.ErrMemberNotFound)
		require.ErrorIs(t, repo.UpdateMemberStatus(ctx, uuid.NewString(), domain.MemberStatusPending, domain.MemberStatusActive), domain.ErrMemberNotFound)
	})

	t.Run("update status clears expiry", func(t *testing.T) {
		member := newTestMember(newOrg(), "user-"+uuid.NewString(), domain.RoleMember, domain.MemberStatusPending)
		expires := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
		member.ExpiresAt = &expires
		require.NoError(t, repo.CreateMember(ctx, member))

		require.NoError(t, repo.UpdateMemberStatus(ctx, member.ID, domain.MemberStatusPending, domain.MemberStatusActive))

		got, err := repo.GetMember(ctx, member.ID)
		require.NoError(t, err)
		require.Equal(t, domain.MemberStatusActive, got.Status)
		require.Nil(t, got.ExpiresAt)
	})

	t.Run("update status from a stale status", func(t *testing.T) {
		member := newTestMember(newOrg(), "user-"+uuid.NewString(), domain.RoleMember, domain.MemberStatusActive)
		require.NoError(t, repo.CreateMember(ctx, member))

		require.NoError(t, repo.UpdateMemberStatus(ctx, member.ID, domain.MemberStatusActive, domain.MemberStatusSuspended))
		err := repo.UpdateMemberStatus(ctx, member.ID, domain.MemberStatusActive, domain.MemberStatusSuspended)
		require.ErrorIs(t, err, domain.ErrMemberStatusChanged)
	})

	t.Run("suspension keeps invitation expiry", func(t *testing.T) {
		member := newTestMember(newOrg(), "user-"+uuid.NewString(), domain.RoleMember, domain.MemberStatusPending)
		expires := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
		member.ExpiresAt = &expires
		require.NoError(t, repo.CreateMember(ctx, member))

		require.NoError(t, repo.UpdateMemberStatus(ctx, member.ID, domain.MemberStatusPending, domain.MemberStatusSuspended))

		got, err := repo.GetMember(ctx, member.ID)
		require.NoError(t, err)
		require.Equal(t, domain.MemberStatusSuspended, got.Status)
		require.NotNil(t, got.ExpiresAt)
		require.WithinDuration(t, expires, *got.ExpiresAt, time.Millisecond)
	})

	t.Run("delete from a stale status", func(t *testing.T) {
		member := newTestMember(newOrg(), "user-"+uuid.NewString(), domain.RoleMember, domain.MemberStatusActive)
		require.NoError(t, repo.CreateMember(ctx, member))
		require.NoError(t, repo.UpdateMemberStatus(ctx, member.ID, domain.MemberStatusActive, domain.MemberStatusSuspended))

		err := repo.DeleteMember(ctx, member.ID, domain.MemberStatusActive)
		require.ErrorIs(t, err, domain.ErrMemberStatusChanged)

		got, err := repo.GetMember(ctx, member.ID)
		require.NoError(t, err)
		require.Equal(t, domain.MemberStatusSuspended, got.Status)

		require.NoError(t, repo.DeleteMember(ctx, member.ID, domain.MemberStatusSuspended))
	})

	t.Run("delete and list", func(t *testing.T) {
		org := newOrg()
		a := newTestMember(org, "user-"+uuid.NewString(), domain.RoleOwner, domain.MemberStatusActive)
		b := newTestMember(org, "user-"+uuid.NewString(), domain.RoleMember, domain.MemberStatusActive)
		require.NoError(t, repo.CreateMember(ctx, a))
		require.NoError(t, repo.CreateMember(ctx, b))

		members, err := repo.ListMembers(ctx, org)
		require.NoError(t, err)
		require.Len(t, members, 2)

		require.NoError(t, repo.DeleteMember(ctx, b.ID, domain.MemberStatusActive))
		members, err = repo.ListMembers(ctx, org)
		require.NoError(t, err)
		require.Len(t, members, 1)
		require.Equal(t, a.ID, members[0].ID)
	})

	t.Run("find membership", func(t *testing.T) {
		org, user := newOrg(), "user-"+uuid.NewString()
		member := newTestMember(org, user, domain.RoleAdmin, domain.MemberStatusActive)
		require.NoError(t, repo.CreateMember(ctx, member))

		got, err := repo.FindMembership(ctx, org, user)
		require.NoError(t, err)
		require.Equal(t, member.ID, got.ID)

		_, err = repo.FindMembership(ctx, org, "someone-else")
		require.ErrorIs(t, err, domain.ErrMemberNotFound)
	})

	t.Run("find admin organization", func(t *testing.T) {
		org, user := newOrg(), "user-"+uuid.NewString()
		require.NoError(t, repo.CreateMember(ctx, newTestMember(newOrg(), user, domain.RoleMember, domain.MemberStatusActive)))
		require.NoError(t, repo.CreateMember(ctx, newTestMember(org, user, domain.RoleAdmin, domain.MemberStatusActive)))

		got, err := repo.FindAdminOrganization(ctx, user)
		require.NoError(t, err)
		require.Equal(t, org, got)

		_, err = repo.FindAdminOrganization(ctx, "user-"+uuid.NewString())
		require.ErrorIs(t, err, domain.ErrPurchaserNotAdmin)
	})

	t.Run("list expired invitations", func(t *testing.T) {
		org := newOrg()
		now := time.Now().UTC().Truncate(time.Millisecond)
		past := now.Add(-time.Minute)
		future := now.Add(time.Hour)

		expired := newTestMember(org, "user-"+uuid.NewString(), domain.RoleMember, domain.MemberStatusPending)
		expired.ExpiresAt = &past
		fresh := newTestMember(org, "user-"+uuid.NewString(), domain.RoleMember, domain.MemberStatusPending)
		fresh.ExpiresAt = &future
		require.NoError(t, repo.CreateMember(ctx, expired))
		require.NoError(t, repo.CreateMember(ctx, fresh))

		members, err := repo.ListExpiredInvitations(ctx, now, 1000)
		require.NoError(t, err)

		var ids []string
		for _, m := range members {
			ids = append(ids, m.ID)
		}
		require.Contains(t, ids, expired.ID)
		require.NotContains(t, ids, fresh.ID)
	})
}
