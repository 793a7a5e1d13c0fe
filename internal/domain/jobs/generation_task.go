package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Task types produced by decomposing a generation request.
const (
	TaskTypeOutline        = "outline"
	TaskTypeSectionContent = "section_content"
	TaskTypeAssessment     = "assessment"
	TaskTypeAsset          = "asset"
)

// GenerationTask is one atomic, retryable unit of generation work. Tasks are
// created in bulk when the job's outline is known and only ever addressed
// through their job.
type GenerationTask struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	JobID         uuid.UUID  `gorm:"type:uuid;not null;index" json:"job_id"`
	TaskType      string     `gorm:"column:task_type;not null;index" json:"task_type"`
	Section       string     `gorm:"column:section;index" json:"section,omitempty"`
	Seq           int        `gorm:"column:seq;not null" json:"seq"`
	Status        string     `gorm:"column:status;not null;index" json:"status"`
	RetryCount    int        `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	MaxRetryCount int        `gorm:"column:max_retry_count;not null;default:3" json:"max_retry_count"`
	Recoverable   bool       `gorm:"column:recoverable;not null;default:true" json:"recoverable"`
	ErrorMessage  string     `gorm:"column:error_message" json:"error_message,omitempty"`
	NextRunAt     *time.Time `gorm:"column:next_run_at;index" json:"next_run_at,omitempty"`

	Payload      datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Result       datatypes.JSON `gorm:"column:result;type:jsonb" json:"result"`
	ErrorDetails datatypes.JSON `gorm:"column:error_details;type:jsonb" json:"error_details,omitempty"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;index" json:"updated_at"`
}

func (GenerationTask) TableName() string { return "generation_task" }
