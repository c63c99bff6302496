package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/candilingo/seatledger/internal/core/domain"
)

const (
	DefaultInterval  = time.Minute
	DefaultWorkers   = 4
	DefaultBatchSize = 100
)

// InvitationExpirer finds and revokes expired invitations.
type InvitationExpirer interface {
	ExpiredInvitations(ctx context.Context, limit int) ([]domain.Member, error)
	ExpireInvitation(ctx context.Context, member domain.Member) error
}

type Config struct {
	Interval  time.Duration
	Workers   int
	BatchSize int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
}

type job struct {
	member  domain.Member
	done    *sync.WaitGroup
	revoked *atomic.Int32
}

// ExpiryPool revokes expired invitations so their seats go back to the pool.
// A ticker scans for expired invitations and a fixed set of workers revokes them.
type ExpiryPool struct {
	expirer InvitationExpirer
	cfg     Config
	queue   chan job
}

func NewExpiryPool(expirer InvitationExpirer, cfg Config) *ExpiryPool {
	cfg.applyDefaults()
	return &ExpiryPool{
		expirer: expirer,
		cfg:     cfg,
		queue:   make(chan job, cfg.BatchSize),
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight revocations.
func (p *ExpiryPool) Run(ctx context.Context) {
	logger := zerolog.Ctx(ctx)

	var wg sync.WaitGroup
	for i := range p.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx, i)
		}()
	}
	logger.Info().Int("workers", p.cfg.Workers).Dur("interval", p.cfg.Interval).Msg("started invitation expiry workers")

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		p.Sweep(ctx)

		select {
		case <-ctx.Done():
			close(p.queue)
			wg.Wait()
			logger.Info().Msg("invitation expiry workers stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep queues every currently expired invitation and waits until the workers
// handled them. It returns how many were queued.
func (p *ExpiryPool) Sweep(ctx context.Context) int {
	logger := zerolog.Ctx(ctx)
	queued := 0

	for ctx.Err() == nil {
		expired, err := p.expirer.ExpiredInvitations(ctx, p.cfg.BatchSize)
		if err != nil {
			logger.Error().Err(err).Msg("failed to list expired invitations")
			return queued
		}

		var batch sync.WaitGroup
		var revoked atomic.Int32
		for _, member := range expired {
			batch.Add(1)
			select {
			case p.queue <- job{member: member, done: &batch, revoked: &revoked}:
				queued++
			case <-ctx.Done():
				batch.Done()
			}
		}
		batch.Wait()

		// a full batch that made no progress would be listed again forever
		if len(expired) < p.cfg.BatchSize || revoked.Load() == 0 {
			break
		}
	}
	return queued
}

func (p *ExpiryPool) workerLoop(ctx context.Context, id int) {
	logger := zerolog.Ctx(ctx).With().Int("worker", id).Logger()

	for j := range p.queue {
		// finish the revocation even if shutdown started meanwhile
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err := p.expirer.ExpireInvitation(opCtx, j.member)
		cancel()

		switch {
		case err == nil:
			j.revoked.Add(1)
			logger.Info().
				Str("organization_id", j.member.OrganizationID).
				Str("member_id", j.member.ID).
				Msg("expired invitation revoked")
		case errors.Is(err, domain.ErrMemberNotFound):
			// revoked or accepted by someone else first
		default:
			logger.Error().Err(err).Str("member_id", j.member.ID).Msg("failed to revoke expired invitation")
		}
		j.done.Done()
	}
}
