// Package main - точка входа HTTP API кредитов и пробных экзаменов.
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
	"github.com/proficienthub/exam-credits/internal/application/query"
	"github.com/proficienthub/exam-credits/internal/bootstrap"
	httpserver "github.com/proficienthub/exam-credits/internal/interface/http"
	"github.com/proficienthub/exam-credits/internal/interface/http/handlers"
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

	log := bootstrap.NewLogger(cfg).With(logger.Component("api"))
	log.Info("starting exam credits API", logger.String("db_driver", cfg.Database.Driver))

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

	health := handlers.NewCompositeHealthChecker(cfg.App.Version)
	health.AddCheck("database", handlers.NewPingCheck(store))

	// ─────────────────────────────────────────────────────────────────────────
	// 3. REDIS (опционально)
	// ─────────────────────────────────────────────────────────────────────────
	var dashboards query.DashboardCache
	var invalidator eventhandler.PoolInvalidator

	cache, err := bootstrap.OpenCache(ctx, cfg.Redis)
	switch {
	case err == nil:
		defer cache.Close()
		dc := bootstrap.NewDashboardCache(cache, cfg.Redis, log)
		dashboards, invalidator = dc, dc
		health.AddOptionalCheck("redis", handlers.NewPingCheck(cache))
		log.Info("redis connection established")
	case errors.Is(err, bootstrap.ErrRedisDisabled):
		log.Info("redis disabled, dashboards are not cached")
	default:
		log.Warn("failed to connect to redis, dashboards are not cached", logger.Err(err))
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
	// 5. ОБРАБОТЧИКИ КОМАНД И ЗАПРОСОВ
	// ─────────────────────────────────────────────────────────────────────────
	clock := timeutil.SystemClock{}
	deps := command.Deps{
		Exams:     store.Exams,
		Pools:     store.Pools,
		Tx:        store.Tx,
		Publisher: bus,
		Clock:     clock,
		Logger:    log,
	}

	createCfg := command.DefaultCreateExamInstanceConfig()
	createCfg.InstanceTTL = cfg.Exam.InstanceTTL
	if cfg.Exam.DefaultExamType != "" {
		createCfg.DefaultExamType = cfg.Exam.DefaultExamType
	}
	completeCfg := command.CompleteSectionConfig{DefaultMaxScore: cfg.Exam.DefaultMaxScore}

	auth := httpserver.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	srvCfg := httpserver.DefaultConfig()
	srvCfg.Host = cfg.HTTP.Host
	srvCfg.Port = cfg.HTTP.Port
	srvCfg.ReadTimeout = cfg.HTTP.ReadTimeout
	srvCfg.WriteTimeout = cfg.HTTP.WriteTimeout
	srvCfg.IdleTimeout = cfg.HTTP.IdleTimeout
	srvCfg.RequestTimeout = cfg.HTTP.RequestTimeout
	srvCfg.AllowedOrigins = cfg.HTTP.AllowedOrigins
	srvCfg.Version = cfg.App.Version

	server := httpserver.NewServer(srvCfg, httpserver.Dependencies{
		CreateExam:      command.NewCreateExamInstanceHandler(deps, createCfg),
		StartSection:    command.NewStartSectionHandler(deps),
		CompleteSection: command.NewCompleteSectionHandler(deps, completeCfg),
		PauseExam:       command.NewPauseExamHandler(deps),
		ResumeExam:      command.NewResumeExamHandler(deps),
		FinishSession:   command.NewFinishSessionHandler(deps),
		AbandonExam:     command.NewAbandonExamHandler(deps),

		GetCredits:   query.NewGetCreditsHandler(store.Pools, clock),
		GetExam:      query.NewGetExamHandler(store.Exams, clock),
		GetDashboard: query.NewGetDashboardHandler(store.Pools, store.Exams, dashboards, clock, log),

		Auth:          auth,
		Features:      cfg.Features,
		HealthChecker: health,
		Clock:         clock,
		Logger:        log,
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 6. ЗАПУСК И GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	errCh := server.StartAsync()
	log.Info("API is listening", logger.String("addr", server.Address()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", logger.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	log.Info("shutdown completed")
	return nil
}
