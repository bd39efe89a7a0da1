// Package main - точка входа для фоновых процессов (Worker).
//
// Worker закрывает попытки экзаменов, у которых истёк срок: незавершённые
// секции пропускаются, результат по завершённым секциям сохраняется.
// Несколько реплик могут работать одновременно: проход сериализуется
// блокировкой в Redis.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/proficienthub/exam-credits/config"
	"github.com/proficienthub/exam-credits/internal/application/command"
	"github.com/proficienthub/exam-credits/internal/application/eventhandler"
	"github.com/proficienthub/exam-credits/internal/bootstrap"
	"github.com/proficienthub/exam-credits/internal/infrastructure/scheduler"
	"github.com/proficienthub/exam-credits/internal/infrastructure/scheduler/jobs"
	"github.com/proficienthub/exam-credits/pkg/logger"
	"github.com/proficienthub/exam-credits/pkg/timeutil"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. КОНФИГУРАЦИЯ И ЛОГИРОВАНИЕ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := bootstrap.NewLogger(cfg).With(logger.Component("worker"))
	if !cfg.Sweeper.Enabled {
		log.Info("expiry sweeper disabled, nothing to do")
		return nil
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. БАЗА ДАННЫХ
	// ─────────────────────────────────────────────────────────────────────────
	store, err := bootstrap.OpenStore(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database connection")
		_ = store.Close()
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 3. REDIS: блокировка прохода и сброс дашбордов
	// ─────────────────────────────────────────────────────────────────────────
	var locker jobs.Locker
	var invalidator eventhandler.PoolInvalidator

	cache, err := bootstrap.OpenCache(ctx, cfg.Redis)
	switch {
	case err == nil:
		defer cache.Close()
		locker = cache
		invalidator = bootstrap.NewDashboardCache(cache, cfg.Redis, log)
	case errors.Is(err, bootstrap.ErrRedisDisabled):
		log.Warn("redis disabled, run a single worker replica")
	default:
		log.Warn("failed to connect to redis, sweeping without lock", logger.Err(err))
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. ШИНА СОБЫТИЙ
	// ─────────────────────────────────────────────────────────────────────────
	bus := bootstrap.NewEventBus(log)
	defer func() {
		log.Info("closing event bus")
		_ = bus.Close()
	}()
	if err := eventhandler.Register(bus, invalidator, log); err != nil {
		return fmt.Errorf("failed to register event handlers: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. ПЛАНИРОВЩИК
	// ─────────────────────────────────────────────────────────────────────────
	sweep := jobs.NewSweepExpiredJob(
		command.NewSweepExpiredHandler(command.Deps{
			Exams:     store.Exams,
			Pools:     store.Pools,
			Tx:        store.Tx,
			Publisher: bus,
			Clock:     timeutil.SystemClock{},
			Logger:    log,
		}),
		locker,
		log,
		jobs.SweepExpiredConfig{
			BatchSize: cfg.Sweeper.BatchSize,
			Timeout:   cfg.Sweeper.JobTimeout,
			LockTTL:   cfg.Sweeper.LockTTL,
		},
	)

	schedCfg := scheduler.DefaultSchedulerConfig()
	schedCfg.Logger = log
	sched := scheduler.NewScheduler(schedCfg)
	sched.OnJobError(func(name string, err error) {
		log.Error("scheduled job failed", logger.String("job", name), logger.Err(err))
	})
	if err := sched.Register(sweep, scheduler.Every(cfg.Sweeper.Interval)); err != nil {
		return fmt.Errorf("failed to register sweep job: %w", err)
	}

	// Первый проход сразу: после простоя просроченные попытки уже накопились.
	if _, err := sched.RunNow(ctx, sweep.Name()); err != nil {
		log.Warn("initial sweep failed", logger.Err(err))
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	log.Info("worker is running", logger.Duration("sweep_interval", cfg.Sweeper.Interval))

	// ─────────────────────────────────────────────────────────────────────────
	// 6. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", logger.String("signal", sig.String()))
	case <-ctx.Done():
	}

	if err := sched.Stop(); err != nil && !errors.Is(err, scheduler.ErrSchedulerNotRunning) {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	log.Info("shutdown completed")
	return nil
}
