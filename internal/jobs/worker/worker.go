package worker

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	jobrepos "github.com/studyforge/coursegen-backend/internal/data/repos/jobs"
	types "github.com/studyforge/coursegen-backend/internal/domain/jobs"
	"github.com/studyforge/coursegen-backend/internal/jobs/orchestrator"
	jobrt "github.com/studyforge/coursegen-backend/internal/jobs/runtime"
	"github.com/studyforge/coursegen-backend/internal/pkg/dbctx"
	"github.com/studyforge/coursegen-backend/internal/platform/logger"
)

type Config struct {
	Concurrency  int           // parallel job claims, default 2
	PollInterval time.Duration // claim poll cadence, default 1s
	StaleRunning time.Duration // heartbeat age that makes a processing job reclaimable, default 2m
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.StaleRunning <= 0 {
		c.StaleRunning = 2 * time.Minute
	}
	return c
}

// Worker polls for runnable jobs and hands each claim to the orchestrator.
// One claimed job occupies one worker loop until it reaches a stopping point.
type Worker struct {
	db     *gorm.DB
	jobs   jobrepos.JobRepo
	tasks  jobrepos.TaskRepo
	orch   *orchestrator.Orchestrator
	notify jobrt.Notifier
	cfg    Config
	log    *logger.Logger
}

func New(db *gorm.DB, jobs jobrepos.JobRepo, tasks jobrepos.TaskRepo, orch *orchestrator.Orchestrator, notify jobrt.Notifier, cfg Config, baseLog *logger.Logger) *Worker {
	return &Worker{
		db:     db,
		jobs:   jobs,
		tasks:  tasks,
		orch:   orch,
		notify: notify,
		cfg:    cfg.withDefaults(),
		log:    baseLog.With("component", "job_worker"),
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.log.Info("starting job worker pool", "concurrency", w.cfg.Concurrency)
	for i := 0; i < w.cfg.Concurrency; i++ {
		go w.runLoop(ctx, i+1)
	}
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			job, err := w.jobs.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, w.cfg.StaleRunning)
			if err != nil {
				w.log.Warn("claim failed", "worker_id", workerID, "error", err)
				continue
			}
			if job == nil {
				continue
			}
			w.runOne(ctx, workerID, job)
		}
	}
}

func (w *Worker) runOne(ctx context.Context, workerID int, job *types.GenerationJob) {
	jc := jobrt.NewContext(ctx, w.db, job, w.jobs, w.tasks, w.notify)

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("orchestrator panic",
				"worker_id", workerID, "job_id", job.ID, "panic", r)
			jc.Fail("panic", &panicError{Val: r})
		}
	}()

	if err := w.orch.Run(jc); err != nil {
		// Run already failed the job through jc; this is a safety net for
		// paths that returned before reaching it.
		w.log.Warn("job run returned error", "worker_id", workerID, "job_id", job.ID, "error", err)
	}
}

type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }
