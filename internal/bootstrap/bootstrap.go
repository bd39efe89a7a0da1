// Package bootstrap собирает инфраструктуру, общую для API и Worker:
// логгер, хранилище (PostgreSQL или SQLite), Redis и шину событий.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/proficienthub/exam-credits/config"
	"github.com/proficienthub/exam-credits/internal/application/command"
	"github.com/proficienthub/exam-credits/internal/domain/credit"
	"github.com/proficienthub/exam-credits/internal/domain/exam"
	"github.com/proficienthub/exam-credits/internal/infrastructure/messaging"
	"github.com/proficienthub/exam-credits/internal/infrastructure/persistence/postgres"
	"github.com/proficienthub/exam-credits/internal/infrastructure/persistence/redis"
	"github.com/proficienthub/exam-credits/internal/infrastructure/persistence/sqlite"
	"github.com/proficienthub/exam-credits/pkg/circuitbreaker"
	"github.com/proficienthub/exam-credits/pkg/logger"
	"github.com/proficienthub/exam-credits/pkg/retry"
)

// NewLogger настраивает логгер по конфигурации.
func NewLogger(cfg *config.Config) *logger.Logger {
	opts := logger.DefaultOptions()
	opts.Output = os.Stdout
	opts.Level = logger.ParseLevel(cfg.Observability.LogLevel)
	if cfg.App.Debug {
		opts.Level = logger.LevelDebug
	}
	opts.Console = cfg.Observability.LogFormat == "console"

	return logger.New(opts).With(
		logger.String("service", cfg.App.Name),
		logger.String("env", string(cfg.App.Environment)),
		logger.String("version", cfg.App.Version),
	)
}

// ══════════════════════════════════════════════════════════════════════════════
// STORE
// ══════════════════════════════════════════════════════════════════════════════

// Store - репозитории поверх выбранного драйвера.
type Store struct {
	Driver string
	Exams  exam.Repository
	Pools  credit.Repository
	Tx     command.TxManager

	ping  func(ctx context.Context) error
	close func() error
}

// Ping проверяет соединение с базой.
func (s *Store) Ping(ctx context.Context) error { return s.ping(ctx) }

// Close закрывает соединение.
func (s *Store) Close() error { return s.close() }

// OpenStore подключается к базе. PostgreSQL подключается с повторами:
// при старте в контейнере база может ещё подниматься.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return &Store{
			Driver: cfg.Driver,
			Exams:  sqlite.NewExamRepository(db),
			Pools:  sqlite.NewPoolRepository(db),
			Tx:     db,
			ping:   db.Ping,
			close:  db.Close,
		}, nil

	case config.DriverPostgres:
		opts := postgres.DefaultOptions()
		if cfg.MaxOpenConns > 0 {
			opts.MaxConns = int32(cfg.MaxOpenConns)
		}
		if cfg.MinConns > 0 {
			opts.MinConns = int32(cfg.MinConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			opts.MaxConnLifetime = cfg.ConnMaxLifetime
		}
		if cfg.ConnMaxIdleTime > 0 {
			opts.MaxConnIdleTime = cfg.ConnMaxIdleTime
		}

		retrier := retry.Connect(cfg.ConnectAttempts, func(attempt int, err error, delay time.Duration) {
			log.Warn("database not reachable, retrying",
				logger.Int("attempt", attempt),
				logger.Duration("delay", delay),
				logger.Err(err),
			)
		})
		var conn *postgres.Connection
		err := retrier.Do(ctx, func(ctx context.Context) error {
			c, err := postgres.NewConnectionFromURL(ctx, cfg.URL, opts)
			if err != nil {
				return err
			}
			conn = c
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}

		if cfg.AutoMigrate {
			if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
				conn.Close()
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
			log.Info("database schema is up to date")
		}

		return &Store{
			Driver: cfg.Driver,
			Exams:  postgres.NewExamRepository(conn),
			Pools:  postgres.NewPoolRepository(conn),
			Tx:     conn,
			ping:   conn.Ping,
			close:  func() error { conn.Close(); return nil },
		}, nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}

// ══════════════════════════════════════════════════════════════════════════════
// REDIS
// ══════════════════════════════════════════════════════════════════════════════

// ErrRedisDisabled возвращается, когда Redis выключен конфигурацией.
var ErrRedisDisabled = errors.New("redis disabled")

// OpenCache подключается к Redis.
func OpenCache(ctx context.Context, cfg config.RedisConfig) (*redis.Cache, error) {
	if cfg.Disabled {
		return nil, ErrRedisDisabled
	}
	rc := redis.DefaultConfig()
	rc.URL = cfg.URL
	if cfg.Host != "" {
		rc.Host = cfg.Host
	}
	if cfg.Port > 0 {
		rc.Port = cfg.Port
	}
	rc.Password = cfg.Password
	rc.DB = cfg.DB
	if cfg.PoolSize > 0 {
		rc.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		rc.MinIdleConns = cfg.MinIdleConns
	}
	if cfg.DialTimeout > 0 {
		rc.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		rc.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		rc.WriteTimeout = cfg.WriteTimeout
	}
	return redis.NewCache(ctx, rc)
}

// NewDashboardCache оборачивает кеш дашбордов предохранителем.
func NewDashboardCache(cache *redis.Cache, cfg config.RedisConfig, log *logger.Logger) *redis.DashboardCache {
	breaker := circuitbreaker.CacheBreaker(func(name string, from, to circuitbreaker.State) {
		log.Warn("circuit breaker state changed",
			logger.String("breaker", name),
			logger.String("from", from.String()),
			logger.String("to", to.String()),
		)
	})
	return redis.NewDashboardCache(cache, cfg.DashboardTTL).WithBreaker(breaker)
}

// NewEventBus создаёт асинхронную шину событий.
func NewEventBus(log *logger.Logger) *messaging.InMemoryEventBus {
	cfg := messaging.DefaultInMemoryEventBusConfig()
	cfg.Logger = log
	cfg.AsyncMode = true
	return messaging.NewInMemoryEventBus(cfg)
}
