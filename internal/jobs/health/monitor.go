package health

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	jobrepos "github.com/studyforge/coursegen-backend/internal/data/repos/jobs"
	types "github.com/studyforge/coursegen-backend/internal/domain/jobs"
	"github.com/studyforge/coursegen-backend/internal/pkg/dbctx"
	"github.com/studyforge/coursegen-backend/internal/pkg/errors"
	"github.com/studyforge/coursegen-backend/internal/platform/logger"
)

// Health states, ordered by severity.
const (
	StateHealthy   = "healthy"
	StateStalled   = "stalled"
	StateStuck     = "stuck"
	StateAbandoned = "abandoned"
)

type Config struct {
	StallAfter    time.Duration // heartbeat age that marks a processing job stalled, default 2m
	AbandonAfter  time.Duration // heartbeat age past which no dispatcher is assumed alive, default 10m
	StuckAttempts int           // claim count that marks a job stuck, default 3
	ScanInterval  time.Duration // background sweep cadence, default 30s
}

func (c Config) withDefaults() Config {
	if c.StallAfter <= 0 {
		c.StallAfter = 2 * time.Minute
	}
	if c.AbandonAfter <= 0 {
		c.AbandonAfter = 10 * time.Minute
	}
	if c.AbandonAfter < c.StallAfter {
		c.AbandonAfter = c.StallAfter
	}
	if c.StuckAttempts <= 0 {
		c.StuckAttempts = 3
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 30 * time.Second
	}
	return c
}

// Report is one health assessment of one job at one point in time.
type Report struct {
	JobID        uuid.UUID  `json:"job_id"`
	Status       string     `json:"status"`
	State        string     `json:"state"`
	Attempts     int        `json:"attempts"`
	HeartbeatAt  *time.Time `json:"heartbeat_at,omitempty"`
	HeartbeatAge string     `json:"heartbeat_age,omitempty"`
	Detail       string     `json:"detail,omitempty"`
	CheckedAt    time.Time  `json:"checked_at"`
}

// Monitor watches non-terminal jobs and nudges the ones whose dispatcher
// stopped making progress. It never executes tasks itself; recovery means
// putting rows back into states the worker and orchestrator already handle.
type Monitor struct {
	db    *gorm.DB
	jobs  jobrepos.JobRepo
	tasks jobrepos.TaskRepo
	cfg   Config
	log   *logger.Logger
}

func New(db *gorm.DB, jobs jobrepos.JobRepo, tasks jobrepos.TaskRepo, cfg Config, baseLog *logger.Logger) *Monitor {
	return &Monitor{
		db:    db,
		jobs:  jobs,
		tasks: tasks,
		cfg:   cfg.withDefaults(),
		log:   baseLog.With("component", "health_monitor"),
	}
}

/*
Classify grades a job: healthy, stalled, stuck, or abandoned. Terminal and
paused jobs are always healthy (there is nothing to make progress on).
Severity wins: a job both stalled and over its claim budget reports stuck,
and a dead-for-good heartbeat reports abandoned over either.
*/
func (m *Monitor) Classify(job *types.GenerationJob, now time.Time) string {
	if job == nil {
		return StateHealthy
	}
	if types.JobTerminal(job.Status) || job.Status == types.JobPaused {
		return StateHealthy
	}
	if job.Status == types.JobQueued {
		// Queued jobs wait their turn; the worker claims them on its own.
		return StateHealthy
	}

	var beatAge time.Duration
	if job.HeartbeatAt != nil {
		beatAge = now.Sub(*job.HeartbeatAt)
	} else {
		beatAge = now.Sub(job.UpdatedAt)
	}

	if beatAge >= m.cfg.AbandonAfter {
		return StateAbandoned
	}
	if job.Attempts >= m.cfg.StuckAttempts && beatAge >= m.cfg.StallAfter {
		return StateStuck
	}
	if beatAge >= m.cfg.StallAfter {
		return StateStalled
	}
	return StateHealthy
}

// Check produces a health report for one job.
func (m *Monitor) Check(ctx context.Context, jobID uuid.UUID) (*Report, error) {
	rows, err := m.jobs.GetByIDs(dbctx.Context{Ctx: ctx}, []uuid.UUID{jobID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.ErrNotFound
	}
	job := rows[0]
	now := time.Now()
	state := m.Classify(job, now)

	rep := &Report{
		JobID:       job.ID,
		Status:      job.Status,
		State:       state,
		Attempts:    job.Attempts,
		HeartbeatAt: job.HeartbeatAt,
		CheckedAt:   now,
	}
	if job.HeartbeatAt != nil {
		rep.HeartbeatAge = now.Sub(*job.HeartbeatAt).Round(time.Second).String()
	}
	switch state {
	case StateStalled:
		rep.Detail = "no heartbeat within the stall window; eligible for requeue"
	case StateStuck:
		rep.Detail = fmt.Sprintf("claimed %d times without finishing and stalled again; recommend a retry with override or a cancel", job.Attempts)
	case StateAbandoned:
		rep.Detail = "dispatcher presumed dead; job will be requeued"
	}
	return rep, nil
}

/*
AttemptRecovery is idempotent: calling it on a healthy or terminal job is a
no-op, and repeated calls on the same unhealthy job converge to the same
rows. Stalled and abandoned jobs go back to queued (the worker reclaims and
the orchestrator requeues any orphaned running tasks itself). Stuck jobs are
failed with a diagnostic; reviving them past the claim budget is a deliberate
user action through the recovery controller.
*/
func (m *Monitor) AttemptRecovery(ctx context.Context, job *types.GenerationJob) (string, bool, error) {
	if job == nil {
		return StateHealthy, false, nil
	}
	now := time.Now()
	state := m.Classify(job, now)

	switch state {
	case StateHealthy:
		return state, false, nil

	case StateStalled, StateAbandoned:
		won, err := m.jobs.UpdateFieldsIfStatus(dbctx.Context{Ctx: ctx}, job.ID,
			[]string{types.JobProcessing}, map[string]interface{}{
				"status":       types.JobQueued,
				"locked_at":    nil,
				"heartbeat_at": nil,
				"message":      "requeued by health monitor",
			})
		if err != nil {
			return state, false, err
		}
		if won {
			m.log.Warn("unhealthy job requeued", "job_id", job.ID, "state", state, "attempts", job.Attempts)
		}
		return state, won, nil

	case StateStuck:
		won, err := m.jobs.UpdateFieldsIfStatus(dbctx.Context{Ctx: ctx}, job.ID,
			[]string{types.JobProcessing}, map[string]interface{}{
				"status":        types.JobFailed,
				"error":         fmt.Sprintf("stuck: claimed %d times without finishing", job.Attempts),
				"last_error_at": now,
				"locked_at":     nil,
			})
		if err != nil {
			return state, false, err
		}
		if won {
			m.log.Error("stuck job failed by health monitor", "job_id", job.ID, "attempts", job.Attempts)
		}
		return state, won, nil
	}
	return state, false, nil
}

// Start runs the background sweep until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.ScanInterval)
		defer ticker.Stop()
		m.log.Info("health monitor started", "scan_interval", m.cfg.ScanInterval)
		for {
			select {
			case <-ctx.Done():
				m.log.Info("health monitor stopped")
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
}

func (m *Monitor) sweep(ctx context.Context) {
	jobs, err := m.jobs.ListByStatus(dbctx.Context{Ctx: ctx}, []string{types.JobProcessing}, 200)
	if err != nil {
		m.log.Warn("health sweep failed", "error", err)
		return
	}
	for _, job := range jobs {
		if _, _, err := m.AttemptRecovery(ctx, job); err != nil {
			m.log.Warn("recovery attempt failed", "job_id", job.ID, "error", err)
		}
	}
}
