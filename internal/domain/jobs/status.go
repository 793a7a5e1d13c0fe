package jobs

// Job statuses.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobPaused     = "paused"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCanceled   = "canceled"
)

// Task statuses.
const (
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskSkipped   = "skipped"
)

// JobTerminal reports whether a job status allows no further task execution.
func JobTerminal(status string) bool {
	switch status {
	case JobCompleted, JobFailed, JobCanceled:
		return true
	default:
		return false
	}
}

// TaskFinished reports whether a task counts toward completed work: completed
// and skipped always do; failed only once no retry or recovery path remains.
func TaskFinished(t *GenerationTask) bool {
	if t == nil {
		return false
	}
	switch t.Status {
	case TaskCompleted, TaskSkipped:
		return true
	case TaskFailed:
		return !t.Recoverable || t.RetryCount >= t.MaxRetryCount
	default:
		return false
	}
}

// TaskActionable reports whether the orchestrator still has something to do
// with this task: it is queued, running, or failed with a recovery path.
func TaskActionable(t *GenerationTask) bool {
	if t == nil {
		return false
	}
	switch t.Status {
	case TaskQueued, TaskRunning:
		return true
	case TaskFailed:
		return t.Recoverable && t.RetryCount < t.MaxRetryCount
	default:
		return false
	}
}

// TaskRetryable reports whether a user-initiated retry is valid without an
// explicit budget override.
func TaskRetryable(t *GenerationTask) bool {
	return t != nil && t.Status == TaskFailed && t.Recoverable && t.RetryCount < t.MaxRetryCount
}
