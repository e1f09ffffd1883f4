package governor

import (
	"context"
	"log/slog"
	"time"

	"github.com/aegis-labs/aegis/core/pkg/anomaly"
	"github.com/aegis-labs/aegis/core/pkg/approval"
	"github.com/aegis-labs/aegis/core/pkg/contracts"
	"github.com/aegis-labs/aegis/core/pkg/trust"
)

// ActorLister enumerates actors with persisted trust records, for the
// recovery checkpoint pass.
type ActorLister interface {
	All(ctx context.Context) ([]string, error)
}

// Sweeper is the single background loop: approval expiry, trust recovery
// checkpointing, lockout cleanup and the degradation signal.
type Sweeper struct {
	governor  *Governor
	approvals *approval.Manager
	trust     *trust.Service
	actors    ActorLister
	lockouts  *anomaly.MemoryLockoutStore
	interval  time.Duration
	clock     func() time.Time
	log       *slog.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepClock overrides the clock for deterministic testing.
func WithSweepClock(clock func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.clock = clock }
}

// WithSweepLogger sets the structured logger.
func WithSweepLogger(log *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.log = log }
}

// WithLockoutSweep enables expiry cleanup for the in-memory lockout store.
// Redis-backed lockouts self-expire and need no sweep.
func WithLockoutSweep(store *anomaly.MemoryLockoutStore) SweeperOption {
	return func(s *Sweeper) { s.lockouts = store }
}

// NewSweeper creates the loop; actors may be nil to skip trust
// checkpointing.
func NewSweeper(g *Governor, approvals *approval.Manager, trustSvc *trust.Service, actors ActorLister, interval time.Duration, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		governor:  g,
		approvals: approvals,
		trust:     trustSvc,
		actors:    actors,
		interval:  interval,
		clock:     time.Now,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass. Failures are logged, never fatal: a broken
// sweep pass must not stop future passes.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.approvals != nil {
		swept, err := s.approvals.SweepExpired(ctx)
		if err != nil {
			s.log.Error("approval sweep failed", "error", err)
		} else if len(swept) > 0 {
			s.log.Info("approvals expired", "count", len(swept))
		}
	}

	if s.trust != nil && s.actors != nil {
		ids, err := s.actors.All(ctx)
		if err != nil {
			s.log.Error("actor listing failed", "error", err)
		} else {
			for _, id := range ids {
				if err := s.trust.Checkpoint(ctx, contracts.Actor{ID: id}); err != nil {
					s.log.Error("trust checkpoint failed", "actor_id", id, "error", err)
				}
			}
		}
	}

	if s.lockouts != nil {
		if n := s.lockouts.Sweep(s.clock().UTC()); n > 0 {
			s.log.Info("lockouts expired", "count", n)
		}
	}

	if s.governor != nil {
		if _, err := s.governor.GracefulDegradationCheck(ctx); err != nil {
			s.log.Error("degradation check failed", "error", err)
		}
	}
}
