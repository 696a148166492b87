package service

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/inventory-engine/internal/pkg/logger"
	"github.com/rl1809/inventory-engine/internal/pkg/metrics"
	"github.com/rl1809/inventory-engine/internal/port"
)

const (
	DefaultHoldSweepInterval = 60 * time.Second
	DefaultReconcileInterval = time.Hour

	leaseHoldSweep = "inventory:lease:expire-holds"
	leaseReconcile = "inventory:lease:reconcile-backorders"
)

type SchedulerConfig struct {
	HoldSweepInterval time.Duration
	ReconcileInterval time.Duration
}

// Scheduler runs the hold expiry sweep and the backorder reconciliation pass on
// fixed intervals. With a lease locker only one instance runs each pass per tick.
type Scheduler struct {
	holds      *HoldManager
	reconciler *BackorderReconciler
	lease      port.LeaseLocker
	owner      string
	cfg        SchedulerConfig
}

// NewScheduler builds a scheduler. lease may be nil for a single instance.
func NewScheduler(holds *HoldManager, reconciler *BackorderReconciler, lease port.LeaseLocker, cfg SchedulerConfig) *Scheduler {
	if cfg.HoldSweepInterval <= 0 {
		cfg.HoldSweepInterval = DefaultHoldSweepInterval
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultReconcileInterval
	}
	host, _ := os.Hostname()
	return &Scheduler{
		holds:      holds,
		reconciler: reconciler,
		lease:      lease,
		owner:      fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		cfg:        cfg,
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	holdTicker := time.NewTicker(s.cfg.HoldSweepInterval)
	defer holdTicker.Stop()
	reconcileTicker := time.NewTicker(s.cfg.ReconcileInterval)
	defer reconcileTicker.Stop()

	log := logger.Ctx(ctx)
	log.Info().
		Dur("hold_sweep_interval", s.cfg.HoldSweepInterval).
		Dur("reconcile_interval", s.cfg.ReconcileInterval).
		Str("owner", s.owner).
		Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler stopped")
			return nil
		case <-holdTicker.C:
			s.runExclusive(ctx, leaseHoldSweep, s.cfg.HoldSweepInterval, s.SweepHolds)
		case <-reconcileTicker.C:
			s.runExclusive(ctx, leaseReconcile, s.cfg.ReconcileInterval, s.Reconcile)
		}
	}
}

func (s *Scheduler) SweepHolds(ctx context.Context) error {
	defer metrics.ObserveSince("sweep_holds", time.Now())
	_, err := s.holds.ExpireHolds(ctx)
	return err
}

func (s *Scheduler) Reconcile(ctx context.Context) error {
	defer metrics.ObserveSince("reconcile_backorders", time.Now())
	_, err := s.reconciler.AttemptBackorderFulfillmentForAllOpenOrders(ctx)
	return err
}

// runExclusive takes the job's lease for one interval before running it. A
// successful run keeps the lease until it expires so the fleet runs the job once
// per interval; a failed run hands it back for another instance to retry.
func (s *Scheduler) runExclusive(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	log := logger.Ctx(ctx).With().Str("job", name).Logger()

	if s.lease != nil {
		// shorter than the interval so the next tick finds it expired
		ttl := interval - interval/10
		ok, err := s.lease.AcquireLease(ctx, name, s.owner, ttl)
		if err != nil {
			log.Error().Err(err).Msg("failed to acquire lease")
			return
		}
		if !ok {
			log.Debug().Msg("lease held by another instance, skipping")
			return
		}
	}

	jobCtx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()
	err := fn(jobCtx)
	if err == nil {
		return
	}

	log.Error().Err(err).Msg("scheduled job failed")
	if s.lease != nil {
		if err := s.lease.ReleaseLease(context.WithoutCancel(ctx), name, s.owner); err != nil {
			log.Warn().Err(err).Msg("failed to release lease")
		}
	}
}
