package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/candilingo/seatledger/internal/core/domain"
)

// Every pool key of one organization carries the same hash tag so the pool
// scripts below touch a single cluster slot. Event keys are global.
func poolRedisKey(organizationID, licenseType string) string {
	return fmt.Sprintf("license:{%s}:pool:%s", organizationID, licenseType)
}

func typesRedisKey(organizationID string) string {
	return fmt.Sprintf("license:{%s}:types", organizationID)
}

func eventRedisKey(idempotencyKey string) string {
	return fmt.Sprintf("license:event:{%s}", idempotencyKey)
}

func appliedRedisKey(organizationID, idempotencyKey string) string {
	return fmt.Sprintf("license:{%s}:applied:%s", organizationID, idempotencyKey)
}

// claimEventScript binds an idempotency key to one grant request the first
// time it is seen and returns the bound request on every later call.
var claimEventScript = redis.NewScript(`
local existing = redis.call('HMGET', KEYS[1], 'organization_id', 'license_type', 'count')
if existing[1] then
	return existing
end

redis.call('HSET', KEYS[1], 'organization_id', ARGV[1], 'license_type', ARGV[2], 'count', ARGV[3])
local ttl = tonumber(ARGV[4])
if ttl > 0 then
	redis.call('EXPIRE', KEYS[1], ttl)
end
return {ARGV[1], ARGV[2], ARGV[3]}
`)

var grantSeatsScript = redis.NewScript(`
local existing = redis.call('HMGET', KEYS[3], 'license_type', 'count', 'total', 'used', 'created_at', 'updated_at')
if existing[1] then
	return {1, existing[1], existing[2], existing[3], existing[4], existing[5], existing[6]}
end

local count = tonumber(ARGV[2])
local now = ARGV[3]
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('HSET', KEYS[1], 'total', 0, 'used', 0, 'created_at', now)
end

local total = redis.call('HINCRBY', KEYS[1], 'total', count)
redis.call('HSET', KEYS[1], 'updated_at', now)
redis.call('SADD', KEYS[2], ARGV[1])

local used = redis.call('HGET', KEYS[1], 'used')
local created = redis.call('HGET', KEYS[1], 'created_at')
redis.call('HSET', KEYS[3], 'license_type', ARGV[1], 'count', count, 'total', total, 'used', used, 'created_at', created, 'updated_at', now)
local ttl = tonumber(ARGV[4])
if ttl > 0 then
	redis.call('EXPIRE', KEYS[3], ttl)
end

return {0, ARGV[1], tostring(count), tostring(total), used, created, now}
`)

var consumeSeatScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {0}
end

local total = tonumber(redis.call('HGET', KEYS[1], 'total'))
local used = tonumber(redis.call('HGET', KEYS[1], 'used'))
if used >= total then
	return {0}
end

used = redis.call('HINCRBY', KEYS[1], 'used', 1)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[1])
return {1, tostring(total), tostring(used), redis.call('HGET', KEYS[1], 'created_at'), ARGV[1]}
`)

var releaseSeatScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {0}
end

local total = redis.call('HGET', KEYS[1], 'total')
local used = tonumber(redis.call('HGET', KEYS[1], 'used'))
local released = 0
if used > 0 then
	used = redis.call('HINCRBY', KEYS[1], 'used', -1)
	redis.call('HSET', KEYS[1], 'updated_at', ARGV[1])
	released = 1
end

return {1, released, total, tostring(used), redis.call('HGET', KEYS[1], 'created_at'), redis.call('HGET', KEYS[1], 'updated_at')}
`)

// RedisLedger implements port.LedgerRepository with Lua scripts so every
// operation is a single atomic step on the server. It expects a Redis with
// persistence enabled; it is the system of record, not a cache.
type RedisLedger struct {
	client   redis.UniversalClient
	eventTTL time.Duration
	now      func() time.Time
}

// NewRedisLedger creates the ledger. A zero eventTTL keeps idempotency records forever.
func NewRedisLedger(client redis.UniversalClient, eventTTL time.Duration) *RedisLedger {
	return &RedisLedger{client: client, eventTTL: eventTTL, now: time.Now}
}

// GrantSeats claims the global event key first, then applies the grant to the
// organization's pool. The pool script is idempotent per organization, so a
// redelivery after a crash between the two steps finishes the grant once.
func (r *RedisLedger) GrantSeats(ctx context.Context, req domain.GrantRequest) (domain.GrantResult, error) {
	claimed, err := claimEventScript.Run(ctx, r.client, []string{eventRedisKey(req.IdempotencyKey)},
		req.OrganizationID, req.LicenseType, req.Count, int64(r.eventTTL.Seconds()),
	).Slice()
	if err != nil {
		return domain.GrantResult{}, fmt.Errorf("claim grant event: %w", err)
	}
	if len(claimed) != 3 {
		return domain.GrantResult{}, fmt.Errorf("claim grant event: unexpected reply length %d", len(claimed))
	}
	bound := domain.GrantRequest{
		OrganizationID: fmt.Sprint(claimed[0]),
		LicenseType:    fmt.Sprint(claimed[1]),
		Count:          toInt(claimed[2]),
		IdempotencyKey: req.IdempotencyKey,
	}
	if !sameGrant(bound, req) {
		return domain.GrantResult{}, domain.ErrIdempotencyMismatch
	}

	keys := []string{
		poolRedisKey(req.OrganizationID, req.LicenseType),
		typesRedisKey(req.OrganizationID),
		appliedRedisKey(req.OrganizationID, req.IdempotencyKey),
	}
	res, err := grantSeatsScript.Run(ctx, r.client, keys,
		req.LicenseType, req.Count, r.now().UnixMicro(), int64(r.eventTTL.Seconds()),
	).Slice()
	if err != nil {
		return domain.GrantResult{}, fmt.Errorf("grant seats script: %w", err)
	}
	if len(res) != 7 {
		return domain.GrantResult{}, fmt.Errorf("grant seats script: unexpected reply length %d", len(res))
	}

	replayed := toInt(res[0]) == 1
	prev := domain.GrantRequest{
		OrganizationID: req.OrganizationID,
		LicenseType:    fmt.Sprint(res[1]),
		Count:          toInt(res[2]),
		IdempotencyKey: req.IdempotencyKey,
	}
	if replayed && !sameGrant(prev, req) {
		return domain.GrantResult{}, domain.ErrIdempotencyMismatch
	}

	return domain.GrantResult{
		Grant: domain.LicenseGrant{
			OrganizationID: req.OrganizationID,
			LicenseType:    prev.LicenseType,
			TotalSeats:     toInt(res[3]),
			UsedSeats:      toInt(res[4]),
			CreatedAt:      toTime(res[5]),
			UpdatedAt:      toTime(res[6]),
		},
		Replayed: replayed,
	}, nil
}

func (r *RedisLedger) GrantEvent(ctx context.Context, idempotencyKey string) (domain.GrantRequest, error) {
	fields, err := r.client.HGetAll(ctx, eventRedisKey(idempotencyKey)).Result()
	if err != nil {
		return domain.GrantRequest{}, fmt.Errorf("read grant event: %w", err)
	}
	if len(fields) == 0 {
		return domain.GrantRequest{}, domain.ErrGrantEventNotFound
	}
	return domain.GrantRequest{
		OrganizationID: fields["organization_id"],
		LicenseType:    fields["license_type"],
		Count:          toInt(fields["count"]),
		IdempotencyKey: idempotencyKey,
	}, nil
}

func (r *RedisLedger) ConsumeSeat(ctx context.Context, organizationID, licenseType string) (domain.LicenseGrant, error) {
	res, err := consumeSeatScript.Run(ctx, r.client,
		[]string{poolRedisKey(organizationID, licenseType)}, r.now().UnixMicro(),
	).Slice()
	if err != nil {
		return domain.LicenseGrant{}, fmt.Errorf("consume seat script: %w", err)
	}
	if len(res) == 0 || toInt(res[0]) == 0 {
		return domain.LicenseGrant{}, domain.ErrSeatsExhausted
	}

	return domain.LicenseGrant{
		OrganizationID: organizationID,
		LicenseType:    licenseType,
		TotalSeats:     toInt(res[1]),
		UsedSeats:      toInt(res[2]),
		CreatedAt:      toTime(res[3]),
		UpdatedAt:      toTime(res[4]),
	}, nil
}

func (r *RedisLedger) ReleaseSeat(ctx context.Context, organizationID, licenseType string) (domain.LicenseGrant, bool, error) {
	res, err := releaseSeatScript.Run(ctx, r.client,
		[]string{poolRedisKey(organizationID, licenseType)}, r.now().UnixMicro(),
	).Slice()
	if err != nil {
		return domain.LicenseGrant{}, false, fmt.Errorf("release seat script: %w", err)
	}

	grant := domain.LicenseGrant{OrganizationID: organizationID, LicenseType: licenseType}
	if len(res) == 0 || toInt(res[0]) == 0 {
		return grant, false, nil
	}

	grant.TotalSeats = toInt(res[2])
	grant.UsedSeats = toInt(res[3])
	grant.CreatedAt = toTime(res[4])
	grant.UpdatedAt = toTime(res[5])
	return grant, toInt(res[1]) == 1, nil
}

func (r *RedisLedger) ListGrants(ctx context.Context, organizationID string) ([]domain.LicenseGrant, error) {
	types, err := r.client.SMembers(ctx, typesRedisKey(organizationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list license types: %w", err)
	}
	sort.Strings(types)

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(types))
	for i, licenseType := range types {
		cmds[i] = pipe.HGetAll(ctx, poolRedisKey(organizationID, licenseType))
	}
	if len(types) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("read license pools: %w", err)
		}
	}

	grants := []domain.LicenseGrant{}
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		grants = append(grants, domain.LicenseGrant{
			OrganizationID: organizationID,
			LicenseType:    types[i],
			TotalSeats:     toInt(fields["total"]),
			UsedSeats:      toInt(fields["used"]),
			CreatedAt:      toTime(fields["created_at"]),
			UpdatedAt:      toTime(fields["updated_at"]),
		})
	}
	return grants, nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}

// toTime parses the unix-microsecond timestamps the scripts store.
func toTime(v any) time.Time {
	var micros int64
	switch n := v.(type) {
	case int64:
		micros = n
	case string:
		micros, _ = strconv.ParseInt(n, 10, 64)
	}
	if micros == 0 {
		return time.Time{}
	}
	return time.UnixMicro(micros).UTC()
}
