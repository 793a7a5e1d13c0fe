package runtime

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
	"github.com/studyforge/coursegen-backend/internal/pkg/dbctx"
)

/*
Notifier is the side-channel the job system pushes lifecycle events through.
The concrete implementation (SSE hub plus the cross-instance bus) lives in
services; the job system only depends on this surface.
*/
type Notifier interface {
	JobCreated(ownerUserID uuid.UUID, job *types.GenerationJob)
	JobProgress(ownerUserID uuid.UUID, job *types.GenerationJob, stage string, pct int, msg string)
	JobFailed(ownerUserID uuid.UUID, job *types.GenerationJob, stage string, errMsg string)
	JobDone(ownerUserID uuid.UUID, job *types.GenerationJob)
	JobCanceled(ownerUserID uuid.UUID, job *types.GenerationJob)
}

/*
Context is the execution handle for a single claimed job. It wraps the job
row, the repositories, and the only sanctioned ways to report progress or
terminate the run. Executors and dispatch code never write generation_job
fields directly; every mutation funnels through here so the status guards
stay in one place.
*/
type Context struct {
	Ctx    context.Context
	DB     *gorm.DB
	Job    *types.GenerationJob
	Jobs   jobrepos.JobRepo
	Tasks  jobrepos.TaskRepo
	Notify Notifier

	payload map[string]any
}

/*
NewContext constructs a Context for a claimed job. The payload JSON is decoded
eagerly; a malformed payload is non-fatal here because handlers validate the
fields they actually need.
*/
func NewContext(ctx context.Context, db *gorm.DB, job *types.GenerationJob, jobs jobrepos.JobRepo, tasks jobrepos.TaskRepo, notify Notifier) *Context {
	c := &Context{
		Ctx:    ctx,
		DB:     db,
		Job:    job,
		Jobs:   jobs,
		Tasks:  tasks,
		Notify: notify,
	}
	_ = c.decodePayload()
	return c
}

func (c *Context) decodePayload() error {
	if c.Job == nil {
		return nil
	}
	if len(c.Job.Payload) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.Payload, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

// Payload never returns nil; an unset or unparseable payload reads as empty.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(fmt.Sprint(v))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

/*
Progress publishes a non-terminal update: stage, percent, message, heartbeat.
The stored percent is monotone; a recomputation that comes out lower than what
is already persisted (a task was revived for retry) keeps the higher value.
Canceled jobs are never overwritten, and a rejected write suppresses the
notification too.
*/
func (c *Context) Progress(stage string, pct int, msg string) {
	if c == nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if c.Job != nil && pct < c.Job.Progress {
		pct = c.Job.Progress
	}
	now := time.Now()

	if c.Jobs != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Jobs.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Job.ID,
			[]string{types.JobCanceled}, map[string]interface{}{
				"stage":        stage,
				"progress":     pct,
				"message":      msg,
				"heartbeat_at": now,
				"updated_at":   now,
			})
		if !ok {
			return
		}
	}

	if c.Job != nil {
		c.Job.Stage = stage
		c.Job.Progress = pct
		c.Job.Message = msg
		c.Job.HeartbeatAt = &now
		c.Job.UpdatedAt = now
	}

	if c.Notify != nil && c.Job != nil {
		c.Notify.JobProgress(c.Job.OwnerUserID, c.Job, stage, pct, msg)
	}
}

// Heartbeat refreshes liveness without touching stage or progress. Used by
// long-running dispatch waits between progress events.
func (c *Context) Heartbeat() {
	if c == nil || c.Jobs == nil || c.Job == nil || c.Job.ID == uuid.Nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	_ = c.Jobs.Heartbeat(dbctx.Context{Ctx: ctx}, c.Job.ID)
}

/*
Fail marks the job terminally failed: status=failed, error recorded,
locked_at cleared so no worker treats it as in-progress. Canceled and paused
jobs are not overwritten; if the guarded write loses, no notification fires.
*/
func (c *Context) Fail(stage string, err error) {
	if c == nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	if c.Jobs != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Jobs.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Job.ID,
			[]string{types.JobCanceled, types.JobPaused}, map[string]interface{}{
				"status":        types.JobFailed,
				"stage":         stage,
				"message":       "",
				"error":         msg,
				"last_error_at": now,
				"locked_at":     nil,
				"updated_at":    now,
			})
		if !ok {
			return
		}
	}

	if c.Job != nil {
		c.Job.Status = types.JobFailed
		c.Job.Stage = stage
		c.Job.Message = ""
		c.Job.Error = msg
		c.Job.LastErrorAt = &now
		c.Job.LockedAt = nil
		c.Job.UpdatedAt = now
	}

	if c.Notify != nil && c.Job != nil {
		c.Notify.JobFailed(c.Job.OwnerUserID, c.Job, stage, msg)
	}
}

/*
Complete marks the job terminally completed with progress=100 and stores the
result payload. Same guarding as Fail.
*/
func (c *Context) Complete(finalStage string, result any) {
	if c == nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()
	var res datatypes.JSON
	if result != nil {
		b, _ := json.Marshal(result)
		res = datatypes.JSON(b)
	}

	if c.Jobs != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Jobs.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Job.ID,
			[]string{types.JobCanceled, types.JobPaused}, map[string]interface{}{
				"status":       types.JobCompleted,
				"stage":        finalStage,
				"progress":     100,
				"message":      "",
				"error":        "",
				"result":       res,
				"locked_at":    nil,
				"heartbeat_at": now,
				"updated_at":   now,
			})
		if !ok {
			return
		}
	}

	if c.Job != nil {
		c.Job.Status = types.JobCompleted
		c.Job.Stage = finalStage
		c.Job.Progress = 100
		c.Job.Message = ""
		c.Job.Error = ""
		c.Job.Result = res
		c.Job.LockedAt = nil
		c.Job.HeartbeatAt = &now
		c.Job.UpdatedAt = now
	}

	if c.Notify != nil && c.Job != nil {
		c.Notify.JobDone(c.Job.OwnerUserID, c.Job)
	}
}
