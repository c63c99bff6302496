package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/candilingo/seatledger/internal/core/domain"
)

type poolKey struct {
	organizationID string
	licenseType    string
}

type grantEvent struct {
	req      domain.GrantRequest
	snapshot domain.LicenseGrant
}

// MemoryLedger keeps seat pools in process memory. It is the source of truth for
// single-instance deployments and tests; it is not a cache in front of another store.
type MemoryLedger struct {
	mu     sync.Mutex
	pools  map[poolKey]*domain.LicenseGrant
	events map[string]grantEvent
	now    func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		pools:  make(map[poolKey]*domain.LicenseGrant),
		events: make(map[string]grantEvent),
		now:    time.Now,
	}
}

func (m *MemoryLedger) GrantSeats(ctx context.Context, req domain.GrantRequest) (domain.GrantResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev, ok := m.events[req.IdempotencyKey]; ok {
		if !sameGrant(ev.req, req) {
			return domain.GrantResult{}, domain.ErrIdempotencyMismatch
		}
		return domain.GrantResult{Grant: ev.snapshot, Replayed: true}, nil
	}

	now := m.now()
	key := poolKey{req.OrganizationID, req.LicenseType}
	pool, ok := m.pools[key]
	if !ok {
		pool = &domain.LicenseGrant{
			OrganizationID: req.OrganizationID,
			LicenseType:    req.LicenseType,
			CreatedAt:      now,
		}
		m.pools[key] = pool
	}
	pool.TotalSeats += req.Count
	pool.UpdatedAt = now

	m.events[req.IdempotencyKey] = grantEvent{req: req, snapshot: *pool}
	return domain.GrantResult{Grant: *pool}, nil
}

func (m *MemoryLedger) GrantEvent(ctx context.Context, idempotencyKey string) (domain.GrantRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[idempotencyKey]
	if !ok {
		return domain.GrantRequest{}, domain.ErrGrantEventNotFound
	}
	return ev.req, nil
}

func (m *MemoryLedger) ConsumeSeat(ctx context.Context, organizationID, licenseType string) (domain.LicenseGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.pools[poolKey{organizationID, licenseType}]
	if !ok || pool.UsedSeats >= pool.TotalSeats {
		return domain.LicenseGrant{}, domain.ErrSeatsExhausted
	}
	pool.UsedSeats++
	pool.UpdatedAt = m.now()
	return *pool, nil
}

func (m *MemoryLedger) ReleaseSeat(ctx context.Context, organizationID, licenseType string) (domain.LicenseGrant, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.pools[poolKey{organizationID, licenseType}]
	if !ok {
		return domain.LicenseGrant{OrganizationID: organizationID, LicenseType: licenseType}, false, nil
	}
	if pool.UsedSeats == 0 {
		return *pool, false, nil
	}
	pool.UsedSeats--
	pool.UpdatedAt = m.now()
	return *pool, true, nil
}

func (m *MemoryLedger) ListGrants(ctx context.Context, organizationID string) ([]domain.LicenseGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	grants := []domain.LicenseGrant{}
	for key, pool := range m.pools {
		if key.organizationID == organizationID {
			grants = append(grants, *pool)
		}
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].LicenseType < grants[j].LicenseType })
	return grants, nil
}

func sameGrant(a, b domain.GrantRequest) bool {
	return a.OrganizationID == b.OrganizationID && a.LicenseType == b.LicenseType && a.Count == b.Count
}

// MemoryMembership is an in-process MembershipRepository.
type MemoryMembership struct {
	mu      sync.RWMutex
	members map[string]domain.Member
	now     func() time.Time
}

func NewMemoryMembership() *MemoryMembership {
	return &MemoryMembership{
		members: make(map[string]domain.Member),
		now:     time.Now,
	}
}

func (m *MemoryMembership) CreateMember(ctx context.Context, member domain.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.members[member.ID]; ok {
		return domain.ErrMemberExists
	}
	for _, existing := range m.members {
		if existing.OrganizationID != member.OrganizationID {
			continue
		}
		if (member.UserID != "" && existing.UserID == member.UserID) ||
			(member.Email != "" && existing.Email == member.Email) {
			return domain.ErrMemberExists
		}
	}
	m.members[member.ID] = member
	return nil
}

func (m *MemoryMembership) GetMember(ctx context.Context, memberID string) (*domain.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	member, ok := m.members[memberID]
	if !ok {
		return nil, domain.ErrMemberNotFound
	}
	return &member, nil
}

func (m *MemoryMembership) UpdateMemberStatus(ctx context.Context, memberID string, from, to domain.MemberStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, ok := m.members[memberID]
	if !ok {
		return domain.ErrMemberNotFound
	}
	if member.Status != from {
		return domain.ErrMemberStatusChanged
	}
	member.Status = to
	if to == domain.MemberStatusActive {
		member.ExpiresAt = nil
	}
	member.UpdatedAt = m.now()
	m.members[memberID] = member
	return nil
}

func (m *MemoryMembership) DeleteMember(ctx context.Context, memberID string, status domain.MemberStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, ok := m.members[memberID]
	if !ok {
		return domain.ErrMemberNotFound
	}
	if member.Status != status {
		return domain.ErrMemberStatusChanged
	}
	delete(m.members, memberID)
	return nil
}

func (m *MemoryMembership) ListMembers(ctx context.Context, organizationID string) ([]domain.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := []domain.Member{}
	for _, member := range m.members {
		if member.OrganizationID == organizationID {
			members = append(members, member)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].CreatedAt.Before(members[j].CreatedAt) })
	return members, nil
}

func (m *MemoryMembership) FindMembership(ctx context.Context, organizationID, userID string) (*domain.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, member := range m.members {
		if member.OrganizationID == organizationID && member.UserID == userID {
			return &member, nil
		}
	}
	return nil, domain.ErrMemberNotFound
}

func (m *MemoryMembership) FindAdminOrganization(ctx context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *domain.Member
	for _, member := range m.members {
		if member.UserID != userID || member.Status != domain.MemberStatusActive || !member.Role.CanManage() {
			continue
		}
		// owners win over admins, then the oldest membership
		if found == nil || ranksBefore(member, *found) {
			mm := member
			found = &mm
		}
	}
	if found == nil {
		return "", domain.ErrPurchaserNotAdmin
	}
	return found.OrganizationID, nil
}

func (m *MemoryMembership) ListExpiredInvitations(ctx context.Context, now time.Time, limit int) ([]domain.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	expired := []domain.Member{}
	for _, member := range m.members {
		if member.Expired(now) {
			expired = append(expired, member)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(*expired[j].ExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func ranksBefore(a, b domain.Member) bool {
	if a.Role != b.Role {
		return a.Role == domain.RoleOwner
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
