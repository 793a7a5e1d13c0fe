package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Recovery action types.
const (
	ActionRetryTask    = "retry_task"
	ActionSkipTask     = "skip_task"
	ActionPauseJob     = "pause_job"
	ActionResumeJob    = "resume_job"
	ActionCancelJob    = "cancel_job"
	ActionExportReport = "export_report"
)

// JobActionRecord is the append-only audit trail of user/operator recovery
// actions. Rows are never mutated after creation.
type JobActionRecord struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"job_id"`
	OwnerUserID uuid.UUID      `gorm:"type:uuid;not null;index" json:"owner_user_id"`
	ActionType  string         `gorm:"column:action_type;not null;index" json:"action_type"`
	TaskIDs     datatypes.JSON `gorm:"column:task_ids;type:jsonb" json:"task_ids,omitempty"`
	Success     bool           `gorm:"column:success;not null" json:"success"`
	Message     string         `gorm:"column:message;type:text" json:"message,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;index" json:"created_at"`
}

func (JobActionRecord) TableName() string { return "job_action_record" }
