package runner

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	jobrepos "github.com/studyforge/coursegen-backend/internal/data/repos/jobs"
	types "github.com/studyforge/coursegen-backend/internal/domain/jobs"
	"github.com/studyforge/coursegen-backend/internal/jobs/executor"
	"github.com/studyforge/coursegen-backend/internal/pkg/dbctx"
	"github.com/studyforge/coursegen-backend/internal/platform/logger"
)

// Outcome of one task attempt. Every attempt persists its result before the
// outcome is returned, so a crash after RunTask leaves nothing ambiguous.
type Outcome int

const (
	// OutcomeLost: another actor moved the task out of queued first.
	OutcomeLost Outcome = iota
	OutcomeCompleted
	// OutcomeRetryScheduled: transient failure, requeued with backoff.
	OutcomeRetryScheduled
	// OutcomeFailed: permanent failure or retry budget exhausted.
	OutcomeFailed
)

type Config struct {
	BaseBackoff time.Duration // default 2s
	MaxBackoff  time.Duration // default 60s
	JitterFrac  float64       // default 0.20
	TaskTimeout time.Duration // per-attempt execution budget, default 5m
}

func (c Config) withDefaults() Config {
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.JitterFrac <= 0 {
		c.JitterFrac = 0.20
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 5 * time.Minute
	}
	return c
}

// Runner executes a single task attempt end to end: claim, execute, classify,
// persist. It owns every task status transition taken during normal
// execution; user-driven transitions (skip, budget-override retry) live in
// the recovery controller.
type Runner struct {
	tasks jobrepos.TaskRepo
	exec  executor.Executor
	cfg   Config
	log   *logger.Logger
}

func New(tasks jobrepos.TaskRepo, exec executor.Executor, cfg Config, baseLog *logger.Logger) *Runner {
	return &Runner{
		tasks: tasks,
		exec:  exec,
		cfg:   cfg.withDefaults(),
		log:   baseLog.With("component", "task_runner"),
	}
}

/*
RunTask performs one attempt of the given task. The claim is a guarded
queued->running transition; losing it means another dispatcher (or a user
action) got there first and this call is a no-op. The task value is mutated
in place to mirror what was persisted.
*/
func (r *Runner) RunTask(ctx context.Context, task *types.GenerationTask) (Outcome, error) {
	if task == nil {
		return OutcomeLost, nil
	}
	now := time.Now()
	won, err := r.tasks.UpdateFieldsIfStatus(dbctx.Context{Ctx: ctx}, task.ID,
		[]string{types.TaskQueued}, map[string]interface{}{
			"status":      types.TaskRunning,
			"next_run_at": nil,
			"updated_at":  now,
		})
	if err != nil {
		return OutcomeLost, err
	}
	if !won {
		r.log.Debug("task claim lost", "task_id", task.ID, "job_id", task.JobID)
		return OutcomeLost, nil
	}
	task.Status = types.TaskRunning
	task.NextRunAt = nil

	execCtx, cancel := context.WithTimeout(ctx, r.cfg.TaskTimeout)
	defer cancel()

	result, execErr := r.exec.Execute(execCtx, executor.TaskSpec{
		TaskID:   task.ID,
		JobID:    task.JobID,
		TaskType: task.TaskType,
		Section:  task.Section,
		Seq:      task.Seq,
		Payload:  task.Payload,
	})
	if execErr == nil {
		return r.succeed(ctx, task, result)
	}
	return r.fail(ctx, task, execErr)
}

func (r *Runner) succeed(ctx context.Context, task *types.GenerationTask, result datatypes.JSON) (Outcome, error) {
	won, err := r.tasks.UpdateFieldsIfStatus(dbctx.Context{Ctx: ctx}, task.ID,
		[]string{types.TaskRunning}, map[string]interface{}{
			"status":        types.TaskCompleted,
			"result":        result,
			"error_message": "",
		})
	if err != nil {
		return OutcomeLost, err
	}
	if !won {
		// A skip or cancel landed while we were executing; their transition
		// stands and the produced output is dropped.
		return OutcomeLost, nil
	}
	task.Status = types.TaskCompleted
	task.Result = result
	task.ErrorMessage = ""
	return OutcomeCompleted, nil
}

func (r *Runner) fail(ctx context.Context, task *types.GenerationTask, execErr error) (Outcome, error) {
	details, _ := json.Marshal(map[string]any{
		"category": executor.Classify(execErr),
		"error":    execErr.Error(),
	})

	if executor.IsPermanent(execErr) {
		won, err := r.tasks.UpdateFieldsIfStatus(dbctx.Context{Ctx: ctx}, task.ID,
			[]string{types.TaskRunning}, map[string]interface{}{
				"status":        types.TaskFailed,
				"recoverable":   false,
				"error_message": execErr.Error(),
				"error_details": datatypes.JSON(details),
			})
		if err != nil || !won {
			return OutcomeLost, err
		}
		task.Status = types.TaskFailed
		task.Recoverable = false
		task.ErrorMessage = execErr.Error()
		r.log.Warn("task failed permanently",
			"task_id", task.ID, "job_id", task.JobID, "task_type", task.TaskType, "error", execErr.Error())
		return OutcomeFailed, nil
	}

	newCount := task.RetryCount + 1
	if newCount < task.MaxRetryCount {
		nextRun := time.Now().Add(computeBackoff(r.cfg, newCount))
		won, err := r.tasks.UpdateFieldsIfStatus(dbctx.Context{Ctx: ctx}, task.ID,
			[]string{types.TaskRunning}, map[string]interface{}{
				"status":        types.TaskQueued,
				"retry_count":   newCount,
				"next_run_at":   nextRun,
				"error_message": execErr.Error(),
				"error_details": datatypes.JSON(details),
			})
		if err != nil || !won {
			return OutcomeLost, err
		}
		task.Status = types.TaskQueued
		task.RetryCount = newCount
		task.NextRunAt = &nextRun
		task.ErrorMessage = execErr.Error()
		r.log.Info("task requeued for retry",
			"task_id", task.ID, "job_id", task.JobID, "retry_count", newCount, "next_run_at", nextRun)
		return OutcomeRetryScheduled, nil
	}

	// Budget exhausted. The task stays recoverable so a user can still retry
	// it with an explicit override, but it now counts as finished work.
	won, err := r.tasks.UpdateFieldsIfStatus(dbctx.Context{Ctx: ctx}, task.ID,
		[]string{types.TaskRunning}, map[string]interface{}{
			"status":        types.TaskFailed,
			"retry_count":   newCount,
			"recoverable":   true,
			"error_message": execErr.Error(),
			"error_details": datatypes.JSON(details),
		})
	if err != nil || !won {
		return OutcomeLost, err
	}
	task.Status = types.TaskFailed
	task.RetryCount = newCount
	task.Recoverable = true
	task.ErrorMessage = execErr.Error()
	r.log.Warn("task retry budget exhausted",
		"task_id", task.ID, "job_id", task.JobID, "retry_count", newCount)
	return OutcomeFailed, nil
}
