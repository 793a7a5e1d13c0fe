package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	jobrepos "github.com/studyforge/coursegen-backend/internal/data/repos/jobs"
	types "github.com/studyforge/coursegen-backend/internal/domain/jobs"
	"github.com/studyforge/coursegen-backend/internal/jobs/health"
	"github.com/studyforge/coursegen-backend/internal/jobs/orchestrator"
	"github.com/studyforge/coursegen-backend/internal/jobs/recovery"
	"github.com/studyforge/coursegen-backend/internal/pkg/dbctx"
	"github.com/studyforge/coursegen-backend/internal/pkg/errors"
	"github.com/studyforge/coursegen-backend/internal/platform/ctxutil"
	"github.com/studyforge/coursegen-backend/internal/platform/logger"
)

// JobView is the read model handed to HTTP clients: the job row plus its
// tasks in dispatch order.
type JobView struct {
	Job   *types.GenerationJob    `json:"job"`
	Tasks []*types.GenerationTask `json:"tasks"`
}

// ActionRequest is the body of POST /api/jobs/:id/actions.
type ActionRequest struct {
	Action  string                `json:"action" binding:"required"`
	TaskIDs []uuid.UUID           `json:"task_ids,omitempty"`
	Retry   recovery.RetryOptions `json:"retry"`
}

// ActionResult wraps both shapes an action can produce: batch actions carry
// per-target results, job-level actions just report the new status.
type ActionResult struct {
	Action string                `json:"action"`
	Status string                `json:"status,omitempty"`
	Batch  *recovery.BatchResult `json:"batch,omitempty"`
}

type JobService interface {
	CreateJob(ctx context.Context, req orchestrator.CreateRequest) (*types.GenerationJob, error)
	GetJob(ctx context.Context, jobID uuid.UUID) (*JobView, error)
	ListActiveJobs(ctx context.Context) ([]*types.GenerationJob, error)
	PostAction(ctx context.Context, jobID uuid.UUID, req ActionRequest) (*ActionResult, error)
	GetHealth(ctx context.Context, jobID uuid.UUID) (*health.Report, error)
	GetReport(ctx context.Context, jobID uuid.UUID) (*recovery.Report, error)
}

type jobService struct {
	jobs     jobrepos.JobRepo
	tasks    jobrepos.TaskRepo
	orch     *orchestrator.Orchestrator
	recovery *recovery.Controller
	monitor  *health.Monitor
	log      *logger.Logger
}

func NewJobService(jobs jobrepos.JobRepo, tasks jobrepos.TaskRepo, orch *orchestrator.Orchestrator, rec *recovery.Controller, monitor *health.Monitor, baseLog *logger.Logger) JobService {
	return &jobService{
		jobs:     jobs,
		tasks:    tasks,
		orch:     orch,
		recovery: rec,
		monitor:  monitor,
		log:      baseLog.With("service", "JobService"),
	}
}

func callerID(ctx context.Context) (uuid.UUID, error) {
	rd := ctxutil.GetRequestData(ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return uuid.Nil, errors.ErrUnauthorized
	}
	return rd.UserID, nil
}

func (s *jobService) CreateJob(ctx context.Context, req orchestrator.CreateRequest) (*types.GenerationJob, error) {
	owner, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	job, _, err := s.orch.CreateJob(ctx, owner, req)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *jobService) GetJob(ctx context.Context, jobID uuid.UUID) (*JobView, error) {
	owner, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.jobs.GetByIDs(dbctx.Context{Ctx: ctx}, []uuid.UUID{jobID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.ErrNotFound
	}
	job := rows[0]
	if job.OwnerUserID != owner {
		return nil, errors.ErrUnauthorized
	}
	tasks, err := s.tasks.GetByJob(dbctx.Context{Ctx: ctx}, jobID)
	if err != nil {
		return nil, err
	}
	return &JobView{Job: job, Tasks: tasks}, nil
}

func (s *jobService) ListActiveJobs(ctx context.Context) ([]*types.GenerationJob, error) {
	owner, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	return s.jobs.ListActiveByOwner(dbctx.Context{Ctx: ctx}, owner)
}

func (s *jobService) PostAction(ctx context.Context, jobID uuid.UUID, req ActionRequest) (*ActionResult, error) {
	owner, err := callerID(ctx)
	if err != nil {
		return nil, err
	}

	switch req.Action {
	case types.ActionRetryTask:
		batch, err := s.recovery.RetryTasks(ctx, owner, jobID, req.TaskIDs, req.Retry)
		if err != nil {
			return nil, err
		}
		return &ActionResult{Action: req.Action, Batch: batch}, nil

	case types.ActionSkipTask:
		batch, err := s.recovery.SkipTasks(ctx, owner, jobID, req.TaskIDs)
		if err != nil {
			return nil, err
		}
		return &ActionResult{Action: req.Action, Batch: batch}, nil

	case types.ActionPauseJob:
		if err := s.recovery.PauseJob(ctx, owner, jobID); err != nil {
			return nil, err
		}
		return &ActionResult{Action: req.Action, Status: types.JobPaused}, nil

	case types.ActionResumeJob:
		if err := s.recovery.ResumeJob(ctx, owner, jobID); err != nil {
			return nil, err
		}
		return &ActionResult{Action: req.Action, Status: types.JobQueued}, nil

	case types.ActionCancelJob:
		if err := s.recovery.CancelJob(ctx, owner, jobID); err != nil {
			return nil, err
		}
		return &ActionResult{Action: req.Action, Status: types.JobCanceled}, nil

	default:
		return nil, fmt.Errorf("%w: unknown action %q", errors.ErrInvalidArgument, req.Action)
	}
}

func (s *jobService) GetHealth(ctx context.Context, jobID uuid.UUID) (*health.Report, error) {
	owner, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.jobs.GetByIDs(dbctx.Context{Ctx: ctx}, []uuid.UUID{jobID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.ErrNotFound
	}
	if rows[0].OwnerUserID != owner {
		return nil, errors.ErrUnauthorized
	}
	return s.monitor.Check(ctx, jobID)
}

func (s *jobService) GetReport(ctx context.Context, jobID uuid.UUID) (*recovery.Report, error) {
	owner, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	return s.recovery.ExportReport(ctx, owner, jobID)
}
