// Package jobs contains the scheduled jobs of the worker process.
package jobs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/proficienthub/exam-credits/internal/application/command"
	"github.com/proficienthub/exam-credits/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SWEEP EXPIRED JOB
// ══════════════════════════════════════════════════════════════════════════════

// Locker serialises sweeps across worker replicas.
// *redis.Cache satisfies it.
type Locker interface {
	TryLock(ctx context.Context, resource, token string, ttl time.Duration) (bool, func(context.Context) error, error)
}

// SweepExpiredJob expires attempts past their deadline. With a Locker only
// one replica sweeps at a time; the others skip the tick.
type SweepExpiredJob struct {
	handler *command.SweepExpiredHandler
	locker  Locker
	log     *logger.Logger
	config  SweepExpiredConfig

	lastRunStats atomic.Value // *SweepExpiredStats
}

// SweepExpiredConfig contains configuration for the sweep job.
type SweepExpiredConfig struct {
	// BatchSize caps how many attempts one run touches.
	BatchSize int

	// Timeout is the maximum duration of one run.
	Timeout time.Duration

	// LockTTL must exceed Timeout.
	LockTTL time.Duration
}

// DefaultSweepExpiredConfig returns sensible defaults.
func DefaultSweepExpiredConfig() SweepExpiredConfig {
	return SweepExpiredConfig{
		BatchSize: 100,
		Timeout:   30 * time.Second,
		LockTTL:   45 * time.Second,
	}
}

// SweepExpiredStats describes the last run.
type SweepExpiredStats struct {
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Scanned     int
	Expired     int
	Failed      int
	SkippedLock bool
}

// SweepJobName is the name the job is registered under.
const SweepJobName = "sweep_expired_exams"

// NewSweepExpiredJob creates the job. locker may be nil.
func NewSweepExpiredJob(handler *command.SweepExpiredHandler, locker Locker, log *logger.Logger, config SweepExpiredConfig) *SweepExpiredJob {
	if log == nil {
		log = logger.Nop()
	}
	def := DefaultSweepExpiredConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.LockTTL <= config.Timeout {
		config.LockTTL = config.Timeout + 15*time.Second
	}
	return &SweepExpiredJob{
		handler: handler,
		locker:  locker,
		log:     log.With(logger.Component("job"), logger.String("job", SweepJobName)),
		config:  config,
	}
}

// Name implements scheduler.Job.
func (j *SweepExpiredJob) Name() string { return SweepJobName }

// Description implements scheduler.Job.
func (j *SweepExpiredJob) Description() string {
	return "expires in-progress and paused exams whose deadline has passed"
}

// Run implements scheduler.Job.
func (j *SweepExpiredJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.config.Timeout)
	defer cancel()

	stats := &SweepExpiredStats{StartedAt: time.Now()}
	defer func() {
		stats.CompletedAt = time.Now()
		stats.Duration = stats.CompletedAt.Sub(stats.StartedAt)
		j.lastRunStats.Store(stats)
	}()

	if j.locker != nil {
		ok, release, err := j.locker.TryLock(ctx, SweepJobName, uuid.NewString(), j.config.LockTTL)
		if err != nil {
			return fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			stats.SkippedLock = true
			j.log.Debug("another worker holds the sweep lock")
			return nil
		}
		defer func() {
			if err := release(context.Background()); err != nil {
				j.log.Warn("failed to release sweep lock", logger.Err(err))
			}
		}()
	}

	res, err := j.handler.Handle(ctx, command.SweepExpiredCommand{BatchSize: j.config.BatchSize})
	if res != nil {
		stats.Scanned = res.Scanned
		stats.Expired = res.Expired
		stats.Failed = res.Failed
	}
	if err != nil {
		return fmt.Errorf("sweep expired exams: %w", err)
	}
	return nil
}

// LastRunStats returns the stats of the last run, or nil before the first one.
func (j *SweepExpiredJob) LastRunStats() *SweepExpiredStats {
	if v := j.lastRunStats.Load(); v != nil {
		return v.(*SweepExpiredStats)
	}
	return nil
}
