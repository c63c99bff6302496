package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"

	"github.com/candilingo/seatledger/internal/core/domain"
)

const (
	mysqlErrDupEntry        = 1062
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

// MySQLAdapter implements port.LedgerRepository and port.MembershipRepository.
// The DSN must set parseTime=true.
type MySQLAdapter struct {
	db  *sql.DB
	now func() time.Time
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (m *MySQLAdapter) GrantSeats(ctx context.Context, req domain.GrantRequest) (domain.GrantResult, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.GrantResult{}, fmt.Errorf("begin tx: %w", mapMySQLError(err))
	}
	defer tx.Rollback()

	now := m.now()

	// The event row is written first so a concurrent replay blocks on the
	// primary key until this transaction commits or rolls back.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO license_grant_events
			(idempotency_key, organization_id, license_type, seat_count, total_seats, used_seats, grant_created_at, created_at)
		VALUES (?, ?, ?, ?, 0, 0, ?, ?)`,
		req.IdempotencyKey, req.OrganizationID, req.LicenseType, req.Count, now, now,
	)
	if isMySQLError(err, mysqlErrDupEntry) {
		tx.Rollback()
		return m.replayGrant(ctx, req)
	}
	if err != nil {
		return domain.GrantResult{}, fmt.Errorf("insert grant event: %w", mapMySQLError(err))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO license_grants (organization_id, license_type, total_seats, used_seats, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON DUPLICATE KEY UPDATE total_seats = total_seats + ?, updated_at = ?`,
		req.OrganizationID, req.LicenseType, req.Count, now, now,
		req.Count, now,
	)
	if err != nil {
		return domain.GrantResult{}, fmt.Errorf("upsert license grant: %w", mapMySQLError(err))
	}

	grant, err := scanGrant(tx.QueryRowContext(ctx, selectGrantMySQL, req.OrganizationID, req.LicenseType))
	if err != nil {
		return domain.GrantResult{}, fmt.Errorf("query license grant: %w", mapMySQLError(err))
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE license_grant_events
		SET total_seats = ?, used_seats = ?, grant_created_at = ?
		WHERE idempotency_key = ?`,
		grant.TotalSeats, grant.UsedSeats, grant.CreatedAt, req.IdempotencyKey,
	)
	if err != nil {
		return domain.GrantResult{}, fmt.Errorf("update grant event: %w", mapMySQLError(err))
	}

	if err := tx.Commit(); err != nil {
		return domain.GrantResult{}, fmt.Errorf("commit: %w", mapMySQLError(err))
	}

	return domain.GrantResult{Grant: grant}, nil
}

func (m *MySQLAdapter) GrantEvent(ctx context.Context, idempotencyKey string) (domain.GrantRequest, error) {
	req := domain.GrantRequest{IdempotencyKey: idempotencyKey}
	err := m.db.QueryRowContext(ctx, `
		SELECT organization_id, license_type, seat_count
		FROM license_grant_events WHERE idempotency_key = ?`, idempotencyKey,
	).Scan(&req.OrganizationID, &req.LicenseType, &req.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.GrantRequest{}, domain.ErrGrantEventNotFound
	}
	if err != nil {
		return domain.GrantRequest{}, fmt.Errorf("query grant event: %w", mapMySQLError(err))
	}
	return req, nil
}

func (m *MySQLAdapter) replayGrant(ctx context.Context, req domain.GrantRequest) (domain.GrantResult, error) {
	var (
		prev    domain.GrantRequest
		grant   domain.LicenseGrant
		created time.Time
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT organization_id, license_type, seat_count, total_seats, used_seats, grant_created_at, created_at
		FROM license_grant_events WHERE idempotency_key = ?`, req.IdempotencyKey,
	).Scan(&prev.OrganizationID, &prev.LicenseType, &prev.Count, &grant.TotalSeats, &grant.UsedSeats, &grant.CreatedAt, &created)
	if err != nil {
		return domain.GrantResult{}, fmt.Errorf("query grant event: %w", mapMySQLError(err))
	}

	prev.IdempotencyKey = req.IdempotencyKey
	if !sameGrant(prev, req) {
		return domain.GrantResult{}, domain.ErrIdempotencyMismatch
	}

	grant.OrganizationID = prev.OrganizationID
	grant.LicenseType = prev.LicenseType
	grant.UpdatedAt = created
	return domain.GrantResult{Grant: grant, Replayed: true}, nil
}

func (m *MySQLAdapter) ConsumeSeat(ctx context.Context, organizationID, licenseType string) (domain.LicenseGrant, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.LicenseGrant{}, fmt.Errorf("begin tx: %w", mapMySQLError(err))
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE license_grants
		SET used_seats = used_seats + 1, updated_at = ?
		WHERE organization_id = ? AND license_type = ? AND used_seats < total_seats`,
		m.now(), organizationID, licenseType,
	)
	if err != nil {
		return domain.LicenseGrant{}, fmt.Errorf("consume seat: %w", mapMySQLError(err))
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.LicenseGrant{}, domain.ErrSeatsExhausted
	}

	grant, err := scanGrant(tx.QueryRowContext(ctx, selectGrantMySQL, organizationID, licenseType))
	if err != nil {
		return domain.LicenseGrant{}, fmt.Errorf("query license grant: %w", mapMySQLError(err))
	}

	if err := tx.Commit(); err != nil {
		return domain.LicenseGrant{}, fmt.Errorf("commit: %w", mapMySQLError(err))
	}
	return grant, nil
}

func (m *MySQLAdapter) ReleaseSeat(ctx context.Context, organizationID, licenseType string) (domain.LicenseGrant, bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.LicenseGrant{}, false, fmt.Errorf("begin tx: %w", mapMySQLError(err))
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE license_grants
		SET used_seats = used_seats - 1, updated_at = ?
		WHERE organization_id = ? AND license_type = ? AND used_seats > 0`,
		m.now(), organizationID, licenseType,
	)
	if err != nil {
		return domain.LicenseGrant{}, false, fmt.Errorf("release seat: %w", mapMySQLError(err))
	}
	rows, _ := result.RowsAffected()

	grant, err := scanGrant(tx.QueryRowContext(ctx, selectGrantMySQL, organizationID, licenseType))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LicenseGrant{OrganizationID: organizationID, LicenseType: licenseType}, false, nil
	}
	if err != nil {
		return domain.LicenseGrant{}, false, fmt.Errorf("query license grant: %w", mapMySQLError(err))
	}

	if err := tx.Commit(); err != nil {
		return domain.LicenseGrant{}, false, fmt.Errorf("commit: %w", mapMySQLError(err))
	}
	return grant, rows > 0, nil
}

func (m *MySQLAdapter) ListGrants(ctx context.Context, organizationID string) ([]domain.LicenseGrant, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT organization_id, license_type, total_seats, used_seats, created_at, updated_at
		FROM license_grants WHERE organization_id = ?
		ORDER BY license_type`, organizationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query license grants: %w", mapMySQLError(err))
	}
	defer rows.Close()

	grants := []domain.LicenseGrant{}
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan license grant: %w", err)
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

func (m *MySQLAdapter) CreateMember(ctx context.Context, member domain.Member) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO organization_members
			(id, organization_id, user_id, email, role, status, license_type, invited_by, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		member.ID, member.OrganizationID, member.UserID, member.Email, member.Role, member.Status,
		member.LicenseType, member.InvitedBy, nullTime(member.ExpiresAt), member.CreatedAt, member.UpdatedAt,
	)
	if isMySQLError(err, mysqlErrDupEntry) {
		return domain.ErrMemberExists
	}
	if err != nil {
		return fmt.Errorf("insert member: %w", mapMySQLError(err))
	}
	return nil
}

func (m *MySQLAdapter) GetMember(ctx context.Context, memberID string) (*domain.Member, error) {
	member, err := scanMember(m.db.QueryRowContext(ctx, selectMemberMySQL+` WHERE id = ?`, memberID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query member: %w", mapMySQLError(err))
	}
	return &member, nil
}

func (m *MySQLAdapter) UpdateMemberStatus(ctx context.Context, memberID string, from, to domain.MemberStatus) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE organization_members
		SET status = ?, expires_at = IF(?, NULL, expires_at), updated_at = ?
		WHERE id = ? AND status = ?`,
		to, to == domain.MemberStatusActive, m.now(), memberID, from,
	)
	if err != nil {
		return fmt.Errorf("update member status: %w", mapMySQLError(err))
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		return nil
	}
	if _, err := m.GetMember(ctx, memberID); err != nil {
		return err
	}
	return domain.ErrMemberStatusChanged
}

func (m *MySQLAdapter) DeleteMember(ctx context.Context, memberID string, status domain.MemberStatus) error {
	result, err := m.db.ExecContext(ctx,
		`DELETE FROM organization_members WHERE id = ? AND status = ?`, memberID, status)
	if err != nil {
		return fmt.Errorf("delete member: %w", mapMySQLError(err))
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		return nil
	}
	if _, err := m.GetMember(ctx, memberID); err != nil {
		return err
	}
	return domain.ErrMemberStatusChanged
}

func (m *MySQLAdapter) ListMembers(ctx context.Context, organizationID string) ([]domain.Member, error) {
	return m.queryMembers(ctx, selectMemberMySQL+` WHERE organization_id = ? ORDER BY created_at`, organizationID)
}

func (m *MySQLAdapter) FindMembership(ctx context.Context, organizationID, userID string) (*domain.Member, error) {
	member, err := scanMember(m.db.QueryRowContext(ctx,
		selectMemberMySQL+` WHERE organization_id = ? AND user_id = ?`, organizationID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query membership: %w", mapMySQLError(err))
	}
	return &member, nil
}

func (m *MySQLAdapter) FindAdminOrganization(ctx context.Context, userID string) (string, error) {
	var organizationID string
	err := m.db.QueryRowContext(ctx, `
		SELECT organization_id FROM organization_members
		WHERE user_id = ? AND status = 'active' AND role IN ('owner', 'admin')
		ORDER BY CASE role WHEN 'owner' THEN 0 ELSE 1 END, created_at
		LIMIT 1`, userID,
	).Scan(&organizationID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrPurchaserNotAdmin
	}
	if err != nil {
		return "", fmt.Errorf("query admin organization: %w", mapMySQLError(err))
	}
	return organizationID, nil
}

func (m *MySQLAdapter) ListExpiredInvitations(ctx context.Context, now time.Time, limit int) ([]domain.Member, error) {
	return m.queryMembers(ctx, selectMemberMySQL+`
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at LIMIT ?`, now, limit)
}

func (m *MySQLAdapter) queryMembers(ctx context.Context, query string, args ...any) ([]domain.Member, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", mapMySQLError(err))
	}
	defer rows.Close()

	members := []domain.Member{}
	for rows.Next() {
		member, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

// Migrate applies the embedded MySQL migrations that are not yet recorded.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations("mysql")
	if err != nil {
		return err
	}

	for _, mg := range migrations {
		var applied int
		err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, mg.version).Scan(&applied)
		if err != nil && !isMySQLError(err, 1146) { // table doesn't exist yet
			return fmt.Errorf("check migration %s: %w", mg.name, err)
		}
		if applied > 0 {
			log.Debug().Int("version", mg.version).Str("name", mg.name).Msg("migration already applied, skipping")
			continue
		}

		log.Info().Int("version", mg.version).Str("name", mg.name).Msg("applying migration")
		// MySQL commits DDL implicitly, so statements are run one by one.
		for _, stmt := range splitStatements(mg.content) {
			if _, err := m.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %s failed: %w", mg.name, err)
			}
		}
		if _, err := m.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, mg.version, mg.name); err != nil {
			return fmt.Errorf("record migration %s: %w", mg.name, err)
		}
	}
	return nil
}

const selectGrantMySQL = `
	SELECT organization_id, license_type, total_seats, used_seats, created_at, updated_at
	FROM license_grants WHERE organization_id = ? AND license_type = ?`

const selectMemberMySQL = `
	SELECT id, organization_id, user_id, email, role, status, license_type, invited_by, expires_at, created_at, updated_at
	FROM organization_members`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (domain.LicenseGrant, error) {
	var g domain.LicenseGrant
	err := row.Scan(&g.OrganizationID, &g.LicenseType, &g.TotalSeats, &g.UsedSeats, &g.CreatedAt, &g.UpdatedAt)
	return g, err
}

func scanMember(row rowScanner) (domain.Member, error) {
	var (
		mb      domain.Member
		expires sql.NullTime
	)
	err := row.Scan(&mb.ID, &mb.OrganizationID, &mb.UserID, &mb.Email, &mb.Role, &mb.Status,
		&mb.LicenseType, &mb.InvitedBy, &expires, &mb.CreatedAt, &mb.UpdatedAt)
	if expires.Valid {
		t := expires.Time
		mb.ExpiresAt = &t
	}
	return mb, err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isMySQLError(err error, number uint16) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == number
}

// mapMySQLError turns lock conflicts into domain.ErrStorageConflict so the ledger retries them.
func mapMySQLError(err error) error {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return err
	}
	switch myErr.Number {
	case mysqlErrDeadlock, mysqlErrLockWaitTimeout:
		return fmt.Errorf("%w: %v", domain.ErrStorageConflict, err)
	}
	return err
}
