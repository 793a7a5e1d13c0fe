package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/studyforge/coursegen-backend/internal/http/response"
	"github.com/studyforge/coursegen-backend/internal/jobs/orchestrator"
	pkgerrors "github.com/studyforge/coursegen-backend/internal/pkg/errors"
	"github.com/studyforge/coursegen-backend/internal/services"
)

type JobHandler struct {
	jobs services.JobService
}

func NewJobHandler(jobs services.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

func respondServiceError(c *gin.Context, code string, err error) {
	switch {
	case errors.Is(err, pkgerrors.ErrNotFound):
		response.RespondError(c, http.StatusNotFound, code, err)
	case errors.Is(err, pkgerrors.ErrUnauthorized):
		response.RespondError(c, http.StatusForbidden, code, err)
	case errors.Is(err, pkgerrors.ErrInvalidArgument):
		response.RespondError(c, http.StatusBadRequest, code, err)
	case pkgerrors.IsTransition(err):
		response.RespondError(c, http.StatusConflict, code, err)
	default:
		response.RespondError(c, http.StatusInternalServerError, code, err)
	}
}

// POST /api/jobs
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req orchestrator.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}
	job, err := h.jobs.CreateJob(c.Request.Context(), req)
	if err != nil {
		respondServiceError(c, "create_job_failed", err)
		return
	}
	response.RespondCreated(c, gin.H{"job": job})
}

// GET /api/jobs
func (h *JobHandler) ListActiveJobs(c *gin.Context) {
	jobs, err := h.jobs.ListActiveJobs(c.Request.Context())
	if err != nil {
		respondServiceError(c, "list_jobs_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"jobs": jobs})
}

// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	view, err := h.jobs.GetJob(c.Request.Context(), jobID)
	if err != nil {
		respondServiceError(c, "get_job_failed", err)
		return
	}
	response.RespondOK(c, view)
}

// POST /api/jobs/:id/actions
func (h *JobHandler) PostAction(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	var req services.ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}
	res, err := h.jobs.PostAction(c.Request.Context(), jobID, req)
	if err != nil {
		respondServiceError(c, "action_failed", err)
		return
	}
	response.RespondOK(c, res)
}

// GET /api/jobs/:id/health
func (h *JobHandler) GetHealth(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	rep, err := h.jobs.GetHealth(c.Request.Context(), jobID)
	if err != nil {
		respondServiceError(c, "health_check_failed", err)
		return
	}
	response.RespondOK(c, rep)
}

// GET /api/jobs/:id/report
func (h *JobHandler) GetReport(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	rep, err := h.jobs.GetReport(c.Request.Context(), jobID)
	if err != nil {
		respondServiceError(c, "report_failed", err)
		return
	}
	response.RespondOK(c, rep)
}
