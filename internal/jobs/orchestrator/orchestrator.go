package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	jobrepos "github.com/studyforge/coursegen-backend/internal/data/repos/jobs"
	types "github.com/studyforge/coursegen-backend/internal/domain/jobs"
	"github.com/studyforge/coursegen-backend/internal/jobs/runner"
	jobrt "github.com/studyforge/coursegen-backend/internal/jobs/runtime"
	"github.com/studyforge/coursegen-backend/internal/pkg/dbctx"
	"github.com/studyforge/coursegen-backend/internal/platform/logger"
)

type Config struct {
	Concurrency       int           // parallel task attempts per job, default 4
	PollInterval      time.Duration // dispatch loop wake cadence, default 2s
	DefaultMaxRetry   int           // retry budget stamped on new tasks, default 3
	HeartbeatInterval time.Duration // liveness refresh while waiting, default 15s
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.DefaultMaxRetry <= 0 {
		c.DefaultMaxRetry = 3
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	return c
}

/*
Orchestrator owns the job lifecycle: it decomposes a request into tasks,
persists everything before any execution starts, and drives the dispatch loop
for a claimed job. Job state lives only in generation_job/generation_task
rows; the loop re-reads them at every boundary instead of trusting memory.
*/
type Orchestrator struct {
	db     *gorm.DB
	jobs   jobrepos.JobRepo
	tasks  jobrepos.TaskRepo
	runner *runner.Runner
	notify jobrt.Notifier
	cfg    Config
	log    *logger.Logger
}

func New(db *gorm.DB, jobs jobrepos.JobRepo, tasks jobrepos.TaskRepo, r *runner.Runner, notify jobrt.Notifier, cfg Config, baseLog *logger.Logger) *Orchestrator {
	return &Orchestrator{
		db:     db,
		jobs:   jobs,
		tasks:  tasks,
		runner: r,
		notify: notify,
		cfg:    cfg.withDefaults(),
		log:    baseLog.With("component", "orchestrator"),
	}
}

/*
CreateJob validates and decomposes the request, then persists the job and its
full task set in one transaction. Nothing executes until the worker claims
the queued row, so a crash between create and claim loses no state.
*/
func (o *Orchestrator) CreateJob(ctx context.Context, ownerUserID uuid.UUID, req CreateRequest) (*types.GenerationJob, []*types.GenerationTask, error) {
	if err := req.validate(); err != nil {
		return nil, nil, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("encode payload: %w", err)
	}

	job := &types.GenerationJob{
		ID:          uuid.New(),
		OwnerUserID: ownerUserID,
		CourseID:    req.CourseID,
		Status:      types.JobQueued,
		Stage:       "created",
		Payload:     datatypes.JSON(payload),
	}
	tasks := decompose(job.ID, req, o.cfg.DefaultMaxRetry)

	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}
		if _, err := o.jobs.Create(txc, []*types.GenerationJob{job}); err != nil {
			return err
		}
		if _, err := o.tasks.CreateBatch(txc, tasks); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("persist job: %w", err)
	}

	o.log.Info("job created",
		"job_id", job.ID, "owner_user_id", ownerUserID, "course_id", req.CourseID, "task_count", len(tasks))
	if o.notify != nil {
		o.notify.JobCreated(ownerUserID, job)
	}
	return job, tasks, nil
}

/*
Run drives a claimed job to a stopping point: terminal status, pause, cancel,
or context shutdown. Pause and cancel are observed before every attempt,
batch-internal ones included; attempts already in flight finish and persist,
but nothing new starts.
Returning nil means the job row is in a consistent state for whoever looks
next (the worker, the health monitor, or a resume).
*/
func (o *Orchestrator) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	ctx := jc.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	jobID := jc.Job.ID
	lastBeat := time.Now()

	// The claim makes this loop the only dispatcher for the job, so any task
	// still marked running was orphaned by a dead predecessor. Requeue them
	// without touching their retry budget.
	if err := o.resetOrphanedRunning(ctx, jobID); err != nil {
		jc.Fail("dispatch", fmt.Errorf("reset orphaned tasks: %w", err))
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			// Shutdown: leave the row processing with its heartbeat; a
			// surviving worker reclaims it once the heartbeat goes stale.
			return nil
		}

		fresh, err := o.reloadJob(ctx, jobID)
		if err != nil {
			jc.Fail("dispatch", fmt.Errorf("reload job: %w", err))
			return err
		}
		if fresh == nil {
			o.log.Warn("job disappeared mid-run", "job_id", jobID)
			return nil
		}
		jc.Job.Status = fresh.Status
		jc.Job.Progress = fresh.Progress

		switch fresh.Status {
		case types.JobPaused:
			o.log.Info("job paused, dispatch stopped", "job_id", jobID)
			return nil
		case types.JobCanceled, types.JobCompleted, types.JobFailed:
			return nil
		}

		tasks, err := o.tasks.GetByJob(dbctx.Context{Ctx: ctx}, jobID)
		if err != nil {
			jc.Fail("dispatch", fmt.Errorf("load tasks: %w", err))
			return err
		}

		ready, nextWake := o.partition(tasks)
		if len(ready) == 0 {
			if !anyActionable(tasks) {
				o.finalize(jc, tasks)
				return nil
			}
			// Everything actionable is waiting out a backoff window.
			if time.Since(lastBeat) >= o.cfg.HeartbeatInterval {
				jc.Heartbeat()
				lastBeat = time.Now()
			}
			wait := o.cfg.PollInterval
			if nextWake != nil {
				if d := time.Until(*nextWake); d > 0 && d < wait {
					wait = d
				}
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}

		if err := o.dispatch(ctx, jc, ready); err != nil {
			jc.Fail("dispatch", err)
			return err
		}
		lastBeat = time.Now()
	}
}

func (o *Orchestrator) resetOrphanedRunning(ctx context.Context, jobID uuid.UUID) error {
	tasks, err := o.tasks.GetByJob(dbctx.Context{Ctx: ctx}, jobID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status != types.TaskRunning {
			continue
		}
		if _, err := o.tasks.UpdateFieldsIfStatus(dbctx.Context{Ctx: ctx}, t.ID,
			[]string{types.TaskRunning}, map[string]interface{}{
				"status":      types.TaskQueued,
				"next_run_at": nil,
			}); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) reloadJob(ctx context.Context, jobID uuid.UUID) (*types.GenerationJob, error) {
	rows, err := o.jobs.GetByIDs(dbctx.Context{Ctx: ctx}, []uuid.UUID{jobID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

/*
partition returns the dispatchable tasks in seq order and the earliest future
next_run_at among the waiting ones. The outline gate holds everything else
back while an outline task is still actionable: section work depends on the
outline's output.
*/
func (o *Orchestrator) partition(tasks []*types.GenerationTask) ([]*types.GenerationTask, *time.Time) {
	now := time.Now()
	outlinePending := false
	for _, t := range tasks {
		if t.TaskType == types.TaskTypeOutline && types.TaskActionable(t) {
			outlinePending = true
			break
		}
	}

	var ready []*types.GenerationTask
	var nextWake *time.Time
	for _, t := range tasks {
		if t.Status != types.TaskQueued {
			continue
		}
		if outlinePending && t.TaskType != types.TaskTypeOutline {
			continue
		}
		if t.NextRunAt != nil && t.NextRunAt.After(now) {
			if nextWake == nil || t.NextRunAt.Before(*nextWake) {
				w := *t.NextRunAt
				nextWake = &w
			}
			continue
		}
		ready = append(ready, t)
	}
	return ready, nextWake
}

/*
dispatch runs one batch of ready tasks. Tasks start in seq order and at most
Concurrency run at once. The job status is re-read before each attempt so a
pause or cancel landing mid-batch halts the remainder, and a background ticker
refreshes the job heartbeat while attempts are in flight so long-running
executions never look dead to other workers. After every attempt the job's
progress is recomputed from storage and published; a mutex serializes the
recompute so concurrent finishers cannot interleave stale snapshots.
*/
func (o *Orchestrator) dispatch(ctx context.Context, jc *jobrt.Context, ready []*types.GenerationTask) error {
	var mu sync.Mutex
	var halted atomic.Bool

	beatCtx, stopBeats := context.WithCancel(ctx)
	defer stopBeats()
	go func() {
		ticker := time.NewTicker(o.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-beatCtx.Done():
				return
			case <-ticker.C:
				jc.Heartbeat()
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)

	for _, task := range ready {
		task := task
		g.Go(func() (err error) {
			// An executor panic must not take the process down; it fails the
			// task and surfaces as an orchestration error on the job. The
			// errgroup in use does not forward panics to Wait.
			defer func() {
				if rec := recover(); rec != nil {
					o.log.Error("executor panic",
						"task_id", task.ID, "job_id", task.JobID, "panic", rec)
					if _, uerr := o.tasks.UpdateFieldsIfStatus(dbctx.Context{Ctx: context.Background()}, task.ID,
						[]string{types.TaskRunning}, map[string]interface{}{
							"status":        types.TaskFailed,
							"recoverable":   false,
							"error_message": fmt.Sprintf("panic: %v", rec),
						}); uerr != nil {
						o.log.Error("persisting panic failure failed", "task_id", task.ID, "error", uerr)
					}
					err = fmt.Errorf("task %s panicked: %v", task.ID, rec)
				}
			}()

			if halted.Load() {
				return nil
			}
			fresh, err := o.reloadJob(gctx, task.JobID)
			if err != nil {
				return fmt.Errorf("reload job: %w", err)
			}
			if fresh == nil || fresh.Status != types.JobProcessing {
				halted.Store(true)
				return nil
			}

			outcome, err := o.runner.RunTask(gctx, task)
			if err != nil {
				return fmt.Errorf("run task %s: %w", task.ID, err)
			}
			if outcome == runner.OutcomeLost {
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			all, err := o.tasks.GetByJob(dbctx.Context{Ctx: gctx}, task.JobID)
			if err != nil {
				return fmt.Errorf("recompute progress: %w", err)
			}
			finished := 0
			for _, t := range all {
				if types.TaskFinished(t) {
					finished++
				}
			}
			jc.Progress(task.TaskType, types.ComputeProgress(all),
				fmt.Sprintf("%d/%d tasks finished", finished, len(all)))
			return nil
		})
	}
	return g.Wait()
}

/*
finalize derives the terminal job status once no task is actionable. All
tasks completed or skipped means completed; any dead failed task means failed
with a per-section error summary so the caller knows what to retry or skip.
*/
func (o *Orchestrator) finalize(jc *jobrt.Context, tasks []*types.GenerationTask) {
	status, done := types.StatusFromTasks(tasks)
	if !done {
		return
	}
	if status == types.JobCompleted {
		jc.Complete("finalize", map[string]any{
			"task_count": len(tasks),
		})
		o.log.Info("job completed", "job_id", jc.Job.ID, "task_count", len(tasks))
		return
	}

	failed := types.FailedTasks(tasks)
	summary := make([]map[string]any, 0, len(failed))
	for _, t := range failed {
		summary = append(summary, map[string]any{
			"task_id":   t.ID,
			"task_type": t.TaskType,
			"section":   t.Section,
			"error":     t.ErrorMessage,
		})
	}
	b, _ := json.Marshal(summary)
	jc.Fail("finalize", fmt.Errorf("%d task(s) failed: %s", len(failed), string(b)))
	o.log.Warn("job failed", "job_id", jc.Job.ID, "failed_tasks", len(failed))
}

func anyActionable(tasks []*types.GenerationTask) bool {
	for _, t := range tasks {
		if types.TaskActionable(t) {
			return true
		}
	}
	return false
}
