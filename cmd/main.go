package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/studyforge/coursegen-backend/internal/app"
	jobrepos "github.com/studyforge/coursegen-backend/internal/data/repos/jobs"
	"github.com/studyforge/coursegen-backend/internal/db"
	"github.com/studyforge/coursegen-backend/internal/http/handlers"
	"github.com/studyforge/coursegen-backend/internal/jobs/health"
	"github.com/studyforge/coursegen-backend/internal/jobs/orchestrator"
	"github.com/studyforge/coursegen-backend/internal/jobs/recovery"
	"github.com/studyforge/coursegen-backend/internal/jobs/runner"
	"github.com/studyforge/coursegen-backend/internal/jobs/worker"
	"github.com/studyforge/coursegen-backend/internal/observability"
	"github.com/studyforge/coursegen-backend/internal/platform/envutil"
	"github.com/studyforge/coursegen-backend/internal/platform/logger"
	"github.com/studyforge/coursegen-backend/internal/realtime/bus"
	"github.com/studyforge/coursegen-backend/internal/server"
	"github.com/studyforge/coursegen-backend/internal/services"
	"github.com/studyforge/coursegen-backend/internal/sse"
)

func main() {
	// Optional in containers, handy for local runs.
	_ = godotenv.Load()

	bootLog, err := logger.New(envutil.GetEnv("APP_ENV", "dev", nil))
	if err != nil {
		panic(err)
	}
	log := bootLog.With("service", "main")

	cfg := app.LoadConfig(bootLog)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel := observability.InitOTel(ctx, bootLog, observability.OtelConfig{
		ServiceName: "coursegen",
		Environment: cfg.Env,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(shutdownCtx); err != nil {
			log.Warn("otel shutdown", "error", err)
		}
	}()

	pg, err := db.NewPostgresService(bootLog)
	if err != nil {
		log.Fatal("postgres connection failed", "error", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Fatal("migrations failed", "error", err)
	}
	gdb := pg.DB()

	jobRepo := jobrepos.NewJobRepo(gdb, bootLog)
	taskRepo := jobrepos.NewTaskRepo(gdb, bootLog)
	actionRepo := jobrepos.NewActionRecordRepo(gdb, bootLog)

	hub := sse.NewHub(bootLog)

	var eventBus bus.Bus
	if cfg.Redis.Addr != "" {
		eventBus, err = bus.NewRedisBus(cfg.Redis.Addr, cfg.Redis.Channel, bootLog)
		if err != nil {
			log.Warn("redis bus unavailable, events stay in-process", "error", err)
			eventBus = nil
		} else {
			defer eventBus.Close()
			if err := eventBus.StartForwarder(ctx, hub.Broadcast); err != nil {
				log.Warn("redis forwarder failed to start", "error", err)
			}
		}
	}

	notifier := services.NewJobNotifier(hub, eventBus, bootLog)

	contentExec, err := services.NewContentClient(services.ContentClientConfig{
		BaseURL: cfg.ContentAPI.BaseURL,
		APIKey:  cfg.ContentAPI.APIKey,
		Model:   cfg.ContentAPI.Model,
		Timeout: time.Duration(cfg.ContentAPI.TimeoutSeconds) * time.Second,
	}, bootLog)
	if err != nil {
		log.Fatal("content client init failed", "error", err)
	}

	taskRunner := runner.New(taskRepo, contentExec, runner.Config{
		BaseBackoff: cfg.Runner.BaseBackoff.Duration(),
		MaxBackoff:  cfg.Runner.MaxBackoff.Duration(),
		TaskTimeout: cfg.Runner.TaskTimeout.Duration(),
	}, bootLog)

	orch := orchestrator.New(gdb, jobRepo, taskRepo, taskRunner, notifier, orchestrator.Config{
		Concurrency:     cfg.Orchestrator.Concurrency,
		PollInterval:    cfg.Orchestrator.PollInterval.Duration(),
		DefaultMaxRetry: cfg.Orchestrator.DefaultMaxRetry,
	}, bootLog)

	monitor := health.New(gdb, jobRepo, taskRepo, health.Config{
		StallAfter:    cfg.Health.StallAfter.Duration(),
		AbandonAfter:  cfg.Health.AbandonAfter.Duration(),
		StuckAttempts: cfg.Health.StuckAttempts,
		ScanInterval:  cfg.Health.ScanInterval.Duration(),
	}, bootLog)
	monitor.Start(ctx)

	recoveryCtrl := recovery.New(gdb, jobRepo, taskRepo, actionRepo, notifier, bootLog)

	jobWorker := worker.New(gdb, jobRepo, taskRepo, orch, notifier, worker.Config{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval.Duration(),
		StaleRunning: cfg.Worker.StaleRunning.Duration(),
	}, bootLog)
	jobWorker.Start(ctx)

	jobService := services.NewJobService(jobRepo, taskRepo, orch, recoveryCtrl, monitor, bootLog)

	router := server.NewRouter(server.RouterConfig{
		Log:             bootLog,
		ServiceName:     "coursegen",
		AllowedOrigins:  cfg.AllowedOrigins,
		JobHandler:      handlers.NewJobHandler(jobService),
		HealthHandler:   handlers.NewHealthHandler(gdb),
		RealtimeHandler: handlers.NewRealtimeHandler(bootLog, hub),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("http server listening", "addr", cfg.HTTPAddr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	log.Info("shutdown complete")
}
