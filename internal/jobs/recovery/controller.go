package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	jobrepos "github.com/studyforge/coursegen-backend/internal/data/repos/jobs"
	types "github.com/studyforge/coursegen-backend/internal/domain/jobs"
	jobrt "github.com/studyforge/coursegen-backend/internal/jobs/runtime"
	"github.com/studyforge/coursegen-backend/internal/pkg/dbctx"
	"github.com/studyforge/coursegen-backend/internal/pkg/errors"
	"github.com/studyforge/coursegen-backend/internal/platform/logger"
)

// RetryOptions tune a user-initiated retry.
type RetryOptions struct {
	// ResetBudget zeroes retry_count so the task gets its full budget back.
	ResetBudget bool `json:"reset_budget"`
	// Override allows retrying a task whose budget is already spent by
	// granting exactly one more attempt.
	Override bool `json:"override"`
}

// TargetResult is the per-task outcome of a batch action.
type TargetResult struct {
	TaskID uuid.UUID `json:"task_id"`
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
}

// BatchResult reports a batch action without collapsing partial failures:
// each requested target succeeds or fails on its own.
type BatchResult struct {
	Action    string         `json:"action"`
	JobID     uuid.UUID      `json:"job_id"`
	Results   []TargetResult `json:"results"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
}

// Report is the exportable diagnostic snapshot of a job.
type Report struct {
	Job       *types.GenerationJob    `json:"job"`
	Tasks     []*types.GenerationTask `json:"tasks"`
	Actions   []*types.JobActionRecord `json:"actions"`
	CreatedAt time.Time               `json:"created_at"`
}

/*
Controller implements the user-facing recovery operations: retry, skip,
pause, resume, cancel, export. Every operation validates ownership, applies
guarded transitions (first valid transition wins), and appends an action
record whether or not the operation succeeded.
*/
type Controller struct {
	db      *gorm.DB
	jobs    jobrepos.JobRepo
	tasks   jobrepos.TaskRepo
	actions jobrepos.ActionRecordRepo
	notify  jobrt.Notifier
	log     *logger.Logger
}

func New(db *gorm.DB, jobs jobrepos.JobRepo, tasks jobrepos.TaskRepo, actions jobrepos.ActionRecordRepo, notify jobrt.Notifier, baseLog *logger.Logger) *Controller {
	return &Controller{
		db:      db,
		jobs:    jobs,
		tasks:   tasks,
		actions: actions,
		notify:  notify,
		log:     baseLog.With("component", "recovery_controller"),
	}
}

func (c *Controller) loadOwnedJob(ctx context.Context, ownerUserID, jobID uuid.UUID) (*types.GenerationJob, error) {
	rows, err := c.jobs.GetByIDs(dbctx.Context{Ctx: ctx}, []uuid.UUID{jobID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.ErrNotFound
	}
	job := rows[0]
	if job.OwnerUserID != ownerUserID {
		return nil, errors.ErrUnauthorized
	}
	return job, nil
}

func (c *Controller) record(ctx context.Context, jobID, ownerUserID uuid.UUID, action string, taskIDs []uuid.UUID, success bool, message string) {
	var ids datatypes.JSON
	if len(taskIDs) > 0 {
		b, _ := json.Marshal(taskIDs)
		ids = datatypes.JSON(b)
	}
	if _, err := c.actions.Append(dbctx.Context{Ctx: ctx}, &types.JobActionRecord{
		JobID:       jobID,
		OwnerUserID: ownerUserID,
		ActionType:  action,
		TaskIDs:     ids,
		Success:     success,
		Message:     message,
	}); err != nil {
		c.log.Warn("action record append failed", "job_id", jobID, "action", action, "error", err)
	}
}

/*
RetryTasks requeues failed tasks. A task with budget left just goes back to
queued; one with a spent budget needs Override, which grants a single extra
attempt. ResetBudget restores the full budget instead. Partial failures do
not abort the batch.
*/
func (c *Controller) RetryTasks(ctx context.Context, ownerUserID, jobID uuid.UUID, taskIDs []uuid.UUID, opts RetryOptions) (*BatchResult, error) {
	job, err := c.loadOwnedJob(ctx, ownerUserID, jobID)
	if err != nil {
		return nil, err
	}
	tasks, err := c.taskTargets(ctx, jobID, taskIDs)
	if err != nil {
		return nil, err
	}

	res := &BatchResult{Action: types.ActionRetryTask, JobID: jobID}
	for _, id := range taskIDs {
		task, ok := tasks[id]
		if !ok {
			res.add(id, false, "task not found in job")
			continue
		}
		if task.Status != types.TaskFailed {
			res.add(id, false, errors.NewTransition("task", id.String(), task.Status, types.TaskQueued).Error())
			continue
		}
		if !types.TaskRetryable(task) && !opts.Override && !opts.ResetBudget {
			res.add(id, false, errors.ErrRetryBudgetExhausted.Error())
			continue
		}

		updates := map[string]interface{}{
			"status":        types.TaskQueued,
			"recoverable":   true,
			"next_run_at":   nil,
			"error_message": "",
		}
		if opts.ResetBudget {
			updates["retry_count"] = 0
		} else if opts.Override && task.RetryCount >= task.MaxRetryCount {
			updates["max_retry_count"] = task.RetryCount + 1
		}
		won, err := c.tasks.UpdateFieldsIfStatus(dbctx.Context{Ctx: ctx}, id,
			[]string{types.TaskFailed}, updates)
		if err != nil {
			res.add(id, false, err.Error())
			continue
		}
		if !won {
			res.add(id, false, "task state changed concurrently")
			continue
		}
		res.add(id, true, "")
	}

	if res.Succeeded > 0 {
		if err := c.reviveJob(ctx, job); err != nil {
			c.log.Warn("job revive failed", "job_id", jobID, "error", err)
		}
	}
	c.record(ctx, jobID, ownerUserID, types.ActionRetryTask, taskIDs, res.Failed == 0, res.summary())
	return res, nil
}

/*
SkipTasks marks tasks skipped so the job can finish without them. Queued,
running and failed tasks can be skipped; completed and already-skipped ones
cannot. Skipping the last blocking task re-derives the job's terminal status,
which is how a failed job becomes completed after its dead task is skipped.
*/
func (c *Controller) SkipTasks(ctx context.Context, ownerUserID, jobID uuid.UUID, taskIDs []uuid.UUID) (*BatchResult, error) {
	job, err := c.loadOwnedJob(ctx, ownerUserID, jobID)
	if err != nil {
		return nil, err
	}
	tasks, err := c.taskTargets(ctx, jobID, taskIDs)
	if err != nil {
		return nil, err
	}

	res := &BatchResult{Action: types.ActionSkipTask, JobID: jobID}
	for _, id := range taskIDs {
		task, ok := tasks[id]
		if !ok {
			res.add(id, false, "task not found in job")
			continue
		}
		if task.Status == types.TaskCompleted || task.Status == types.TaskSkipped {
			res.add(id, false, errors.NewTransition("task", id.String(), task.Status, types.TaskSkipped).Error())
			continue
		}
		won, err := c.tasks.UpdateFieldsIfStatus(dbctx.Context{Ctx: ctx}, id,
			[]string{types.TaskQueued, types.TaskRunning, types.TaskFailed}, map[string]interface{}{
				"status":      types.TaskSkipped,
				"next_run_at": nil,
			})
		if err != nil {
			res.add(id, false, err.Error())
			continue
		}
		if !won {
			res.add(id, false, "task state changed concurrently")
			continue
		}
		res.add(id, true, "")
	}

	if res.Succeeded > 0 {
		if err := c.rederiveTerminal(ctx, job); err != nil {
			c.log.Warn("terminal rederive failed", "job_id", jobID, "error", err)
		}
	}
	c.record(ctx, jobID, ownerUserID, types.ActionSkipTask, taskIDs, res.Failed == 0, res.summary())
	return res, nil
}

// PauseJob transitions processing -> paused. Any other current status is a
// rejected transition.
func (c *Controller) PauseJob(ctx context.Context, ownerUserID, jobID uuid.UUID) error {
	job, err := c.loadOwnedJob(ctx, ownerUserID, jobID)
	if err != nil {
		return err
	}
	won, err := c.jobs.UpdateFieldsIfStatus(dbctx.Context{Ctx: ctx}, jobID,
		[]string{types.JobProcessing}, map[string]interface{}{
			"status":  types.JobPaused,
			"message": "paused by user",
		})
	if err != nil {
		return err
	}
	if !won {
		c.record(ctx, jobID, ownerUserID, types.ActionPauseJob, nil, false, "not processing")
		return errors.NewTransition("job", jobID.String(), job.Status, types.JobPaused)
	}
	c.record(ctx, jobID, ownerUserID, types.ActionPauseJob, nil, true, "")
	c.log.Info("job paused", "job_id", jobID)
	return nil
}

// ResumeJob transitions paused -> queued; the worker pool picks it back up
// and the orchestrator continues from the persisted task states.
func (c *Controller) ResumeJob(ctx context.Context, ownerUserID, jobID uuid.UUID) error {
	job, err := c.loadOwnedJob(ctx, ownerUserID, jobID)
	if err != nil {
		return err
	}
	won, err := c.jobs.UpdateFieldsIfStatus(dbctx.Context{Ctx: ctx}, jobID,
		[]string{types.JobPaused}, map[string]interface{}{
			"status":       types.JobQueued,
			"locked_at":    nil,
			"heartbeat_at": nil,
			"message":      "resumed by user",
		})
	if err != nil {
		return err
	}
	if !won {
		c.record(ctx, jobID, ownerUserID, types.ActionResumeJob, nil, false, "not paused")
		return errors.NewTransition("job", jobID.String(), job.Status, types.JobQueued)
	}
	c.record(ctx, jobID, ownerUserID, types.ActionResumeJob, nil, true, "")
	c.log.Info("job resumed", "job_id", jobID)
	return nil
}

/*
CancelJob moves any non-terminal job to canceled and skips its queued and
running tasks. Cancel is permanent: a canceled job is never revived, and all
guarded writes elsewhere exclude canceled rows.
*/
func (c *Controller) CancelJob(ctx context.Context, ownerUserID, jobID uuid.UUID) error {
	job, err := c.loadOwnedJob(ctx, ownerUserID, jobID)
	if err != nil {
		return err
	}
	won, err := c.jobs.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, jobID,
		[]string{types.JobCompleted, types.JobFailed, types.JobCanceled}, map[string]interface{}{
			"status":    types.JobCanceled,
			"locked_at": nil,
			"message":   "canceled by user",
		})
	if err != nil {
		return err
	}
	if !won {
		c.record(ctx, jobID, ownerUserID, types.ActionCancelJob, nil, false, "already terminal")
		return errors.NewTransition("job", jobID.String(), job.Status, types.JobCanceled)
	}

	tasks, err := c.tasks.GetByJob(dbctx.Context{Ctx: ctx}, jobID)
	if err == nil {
		for _, t := range tasks {
			if t.Status != types.TaskQueued && t.Status != types.TaskRunning {
				continue
			}
			_, _ = c.tasks.UpdateFieldsIfStatus(dbctx.Context{Ctx: ctx}, t.ID,
				[]string{types.TaskQueued, types.TaskRunning}, map[string]interface{}{
					"status":      types.TaskSkipped,
					"next_run_at": nil,
				})
		}
	}

	c.record(ctx, jobID, ownerUserID, types.ActionCancelJob, nil, true, "")
	c.log.Info("job canceled", "job_id", jobID)
	if c.notify != nil {
		job.Status = types.JobCanceled
		c.notify.JobCanceled(ownerUserID, job)
	}
	return nil
}

// ExportReport snapshots the job, its tasks and its action history for
// offline diagnosis. The export itself lands in the action trail.
func (c *Controller) ExportReport(ctx context.Context, ownerUserID, jobID uuid.UUID) (*Report, error) {
	job, err := c.loadOwnedJob(ctx, ownerUserID, jobID)
	if err != nil {
		return nil, err
	}
	tasks, err := c.tasks.GetByJob(dbctx.Context{Ctx: ctx}, jobID)
	if err != nil {
		return nil, err
	}
	c.record(ctx, jobID, ownerUserID, types.ActionExportReport, nil, true, "")
	actions, err := c.actions.ListByJob(dbctx.Context{Ctx: ctx}, jobID)
	if err != nil {
		return nil, err
	}
	return &Report{
		Job:       job,
		Tasks:     tasks,
		Actions:   actions,
		CreatedAt: time.Now(),
	}, nil
}

func (c *Controller) taskTargets(ctx context.Context, jobID uuid.UUID, taskIDs []uuid.UUID) (map[uuid.UUID]*types.GenerationTask, error) {
	rows, err := c.tasks.GetByIDs(dbctx.Context{Ctx: ctx}, taskIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]*types.GenerationTask, len(rows))
	for _, t := range rows {
		if t.JobID == jobID {
			out[t.ID] = t
		}
	}
	return out, nil
}

// reviveJob puts a failed job back in the queue after one of its tasks was
// made runnable again. Completed and canceled jobs stay where they are.
func (c *Controller) reviveJob(ctx context.Context, job *types.GenerationJob) error {
	_, err := c.jobs.UpdateFieldsIfStatus(dbctx.Context{Ctx: ctx}, job.ID,
		[]string{types.JobFailed}, map[string]interface{}{
			"status":       types.JobQueued,
			"error":        "",
			"locked_at":    nil,
			"heartbeat_at": nil,
			"message":      "revived by retry",
		})
	return err
}

/*
rederiveTerminal recomputes the job's terminal status after a skip. If no
task is actionable anymore the job lands on completed or failed regardless of
where it was, except canceled, which stays canceled. A job still processing
with actionable work is left alone; its dispatcher owns it.
*/
func (c *Controller) rederiveTerminal(ctx context.Context, job *types.GenerationJob) error {
	tasks, err := c.tasks.GetByJob(dbctx.Context{Ctx: ctx}, job.ID)
	if err != nil {
		return err
	}
	status, done := types.StatusFromTasks(tasks)
	if !done {
		return nil
	}
	updates := map[string]interface{}{
		"status":    status,
		"progress":  types.ComputeProgress(tasks),
		"locked_at": nil,
	}
	if status == types.JobCompleted {
		updates["error"] = ""
	}
	won, err := c.jobs.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, job.ID,
		[]string{types.JobCanceled, status}, updates)
	if err != nil {
		return err
	}
	if won && c.notify != nil {
		job.Status = status
		if status == types.JobCompleted {
			c.notify.JobDone(job.OwnerUserID, job)
		} else {
			c.notify.JobFailed(job.OwnerUserID, job, "recovery", job.Error)
		}
	}
	return nil
}

func (b *BatchResult) add(id uuid.UUID, ok bool, msg string) {
	b.Results = append(b.Results, TargetResult{TaskID: id, OK: ok, Error: msg})
	if ok {
		b.Succeeded++
	} else {
		b.Failed++
	}
}

func (b *BatchResult) summary() string {
	if b.Failed == 0 {
		return fmt.Sprintf("%d target(s) applied", b.Succeeded)
	}
	return fmt.Sprintf("%d applied, %d rejected", b.Succeeded, b.Failed)
}
