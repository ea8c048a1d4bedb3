// Package sweeper implements the scheduled background sweepers: a
// stale-instance sweeper that flips ServiceInstance.status to
// UNKNOWN once lastSeenAt falls behind the staleness threshold, and an
// expired-share sweeper that revokes ServiceShares whose expiresAt has
// passed. Both are idempotent and crash-safe — a missed or doubled tick
// changes nothing beyond what the next tick would have done anyway.
//
// Each sweeper is one ticker, one tick handler, run until ctx is cancelled.
// A Redis lock guards each tick so that running more than one instance of
// the worker process never double-sweeps the same rows.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// InstanceSweeper transitions stale instances to UNKNOWN and purges
// instances absent past the purge TTL.
type InstanceSweeper interface {
	SweepUnknown(ctx context.Context, staleness time.Duration, now time.Time) (int64, error)
	PurgeAbsent(ctx context.Context, ttl time.Duration, now time.Time) (int64, error)
}

// ShareSweeper revokes shares past their expiry.
type ShareSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper runs both scheduled sweepers from a single ticker loop.
type Sweeper struct {
	instances  InstanceSweeper
	shares     ShareSweeper
	staleness  time.Duration
	purgeTTL   time.Duration
	interval   time.Duration
	rdb        *redis.Client
	lockTTL    time.Duration
	logger     *slog.Logger
	now        func() time.Time
	lockSuffix string
}

// Config bounds the sweeper's tick interval, the staleness threshold used
// by the instance sweeper, the absence TTL past which instances are purged
// (zero disables purging), and the TTL of its Redis leader lock.
type Config struct {
	Interval  time.Duration
	Staleness time.Duration
	PurgeTTL  time.Duration
	LockTTL   time.Duration
}

// New creates a Sweeper. rdb may be nil, in which case every tick runs
// unconditionally (no leader election) — useful for single-process
// deployments and tests.
func New(instances InstanceSweeper, shares ShareSweeper, rdb *redis.Client, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Sweeper{
		instances:  instances,
		shares:     shares,
		staleness:  cfg.Staleness,
		purgeTTL:   cfg.PurgeTTL,
		interval:   cfg.Interval,
		rdb:        rdb,
		lockTTL:    cfg.LockTTL,
		logger:     logger,
		now:        time.Now,
		lockSuffix: "driftctl:sweeper:lock",
	}
}

// Run starts the ticker loop, blocking until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper started", "interval", s.interval, "staleness", s.staleness)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick acquires the leader lock (if Redis is configured), runs both
// sweepers, and releases the lock. A failure in one sweeper does not block
// the other.
func (s *Sweeper) tick(ctx context.Context) {
	if s.rdb != nil {
		acquired, err := s.rdb.SetNX(ctx, s.lockSuffix, "1", s.lockTTL).Result()
		if err != nil {
			s.logger.Error("sweeper: acquiring leader lock", "error", err)
			return
		}
		if !acquired {
			s.logger.Debug("sweeper: another worker holds the leader lock, skipping tick")
			return
		}
		defer s.rdb.Del(context.Background(), s.lockSuffix)
	}

	now := s.now()

	if n, err := s.instances.SweepUnknown(ctx, s.staleness, now); err != nil {
		s.logger.Error("sweeper: instance staleness sweep", "error", err)
	} else if n > 0 {
		s.logger.Info("sweeper: transitioned stale instances to UNKNOWN", "count", n)
	}

	if s.purgeTTL > 0 {
		if n, err := s.instances.PurgeAbsent(ctx, s.purgeTTL, now); err != nil {
			s.logger.Error("sweeper: absent instance purge", "error", err)
		} else if n > 0 {
			s.logger.Info("sweeper: purged absent instances", "count", n)
		}
	}

	if n, err := s.shares.SweepExpired(ctx, now); err != nil {
		s.logger.Error("sweeper: expired share sweep", "error", err)
	} else if n > 0 {
		s.logger.Info("sweeper: revoked expired shares", "count", n)
	}
}
