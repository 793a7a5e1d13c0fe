package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/studyforge/coursegen-backend/internal/domain/jobs"
	"github.com/studyforge/coursegen-backend/internal/pkg/errors"
)

// SectionSpec describes one course section in a generation request.
type SectionSpec struct {
	Title          string `json:"title"`
	WithAssessment bool   `json:"with_assessment"`
	AssetCount     int    `json:"asset_count"`
}

// CreateRequest is the decomposition input: one course outline worth of work.
type CreateRequest struct {
	CourseID uuid.UUID     `json:"course_id"`
	Title    string        `json:"title"`
	Sections []SectionSpec `json:"sections"`
}

func (r CreateRequest) validate() error {
	if r.CourseID == uuid.Nil {
		return fmt.Errorf("%w: course_id is required", errors.ErrInvalidArgument)
	}
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: title is required", errors.ErrInvalidArgument)
	}
	if len(r.Sections) == 0 {
		return fmt.Errorf("%w: at least one section is required", errors.ErrInvalidArgument)
	}
	for i, s := range r.Sections {
		if strings.TrimSpace(s.Title) == "" {
			return fmt.Errorf("%w: section %d has no title", errors.ErrInvalidArgument, i)
		}
	}
	return nil
}

/*
decompose expands a request into the full task set: one outline task first,
then per section the content task, an optional assessment task, and any asset
tasks. Seq is the global dispatch order; Section groups the per-section tasks
so failures can be reported against the section a user recognizes.
*/
func decompose(jobID uuid.UUID, req CreateRequest, maxRetry int) []*types.GenerationTask {
	now := time.Now()
	seq := 0
	mk := func(taskType, section string, payload map[string]any) *types.GenerationTask {
		b, _ := json.Marshal(payload)
		t := &types.GenerationTask{
			ID:            uuid.New(),
			JobID:         jobID,
			TaskType:      taskType,
			Section:       section,
			Seq:           seq,
			Status:        types.TaskQueued,
			MaxRetryCount: maxRetry,
			Recoverable:   true,
			Payload:       datatypes.JSON(b),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		seq++
		return t
	}

	tasks := []*types.GenerationTask{
		mk(types.TaskTypeOutline, "", map[string]any{
			"course_id": req.CourseID,
			"title":     req.Title,
			"sections":  sectionTitles(req.Sections),
		}),
	}
	for _, s := range req.Sections {
		tasks = append(tasks, mk(types.TaskTypeSectionContent, s.Title, map[string]any{
			"course_id": req.CourseID,
			"section":   s.Title,
		}))
		if s.WithAssessment {
			tasks = append(tasks, mk(types.TaskTypeAssessment, s.Title, map[string]any{
				"course_id": req.CourseID,
				"section":   s.Title,
			}))
		}
		for i := 0; i < s.AssetCount; i++ {
			tasks = append(tasks, mk(types.TaskTypeAsset, s.Title, map[string]any{
				"course_id": req.CourseID,
				"section":   s.Title,
				"asset_idx": i,
			}))
		}
	}
	return tasks
}

func sectionTitles(sections []SectionSpec) []string {
	out := make([]string, 0, len(sections))
	for _, s := range sections {
		out = append(out, s.Title)
	}
	return out
}
