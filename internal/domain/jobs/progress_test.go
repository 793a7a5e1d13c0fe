package jobs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func task(status string, retry, max int, recoverable bool) *GenerationTask {
	return &GenerationTask{Status: status, RetryCount: retry, MaxRetryCount: max, Recoverable: recoverable}
}

func TestComputeProgress(t *testing.T) {
	require.Equal(t, 0, ComputeProgress(nil))

	tasks := []*GenerationTask{
		task(TaskCompleted, 0, 3, true),
		task(TaskSkipped, 0, 3, true),
		task(TaskQueued, 0, 3, true),
		task(TaskRunning, 0, 3, true),
	}
	require.Equal(t, 50, ComputeProgress(tasks))

	// A recoverable failure with budget left is not finished work.
	tasks = append(tasks, task(TaskFailed, 1, 3, true))
	require.Equal(t, 40, ComputeProgress(tasks))

	// An unrecoverable failure is finished (there is nothing left to run).
	tasks = append(tasks, task(TaskFailed, 0, 3, false))
	require.Equal(t, 50, ComputeProgress(tasks))

	// Exhausted retry budget also counts as finished.
	tasks = append(tasks, task(TaskFailed, 3, 3, true))
	require.Equal(t, 57, ComputeProgress(tasks))
}

func TestStatusFromTasks(t *testing.T) {
	// All completed or skipped: completed.
	status, done := StatusFromTasks([]*GenerationTask{
		task(TaskCompleted, 0, 3, true),
		task(TaskSkipped, 0, 3, true),
	})
	require.True(t, done)
	require.Equal(t, JobCompleted, status)

	// Anything still queued or running: not terminal.
	_, done = StatusFromTasks([]*GenerationTask{
		task(TaskCompleted, 0, 3, true),
		task(TaskQueued, 0, 3, true),
	})
	require.False(t, done)

	// Unrecoverable failure blocks completion.
	status, done = StatusFromTasks([]*GenerationTask{
		task(TaskCompleted, 0, 3, true),
		task(TaskFailed, 0, 3, false),
	})
	require.True(t, done)
	require.Equal(t, JobFailed, status)

	// Recoverable failure with budget left keeps the job actionable.
	_, done = StatusFromTasks([]*GenerationTask{
		task(TaskFailed, 1, 3, true),
	})
	require.False(t, done)
}

func TestTaskFinishedInvariants(t *testing.T) {
	require.False(t, TaskFinished(nil))
	require.True(t, TaskFinished(task(TaskCompleted, 0, 3, true)))
	require.True(t, TaskFinished(task(TaskSkipped, 0, 3, true)))
	require.False(t, TaskFinished(task(TaskRunning, 0, 3, true)))
	require.True(t, TaskFinished(task(TaskFailed, 3, 3, true)))
	require.True(t, TaskFinished(task(TaskFailed, 0, 3, false)))

	require.True(t, TaskRetryable(task(TaskFailed, 2, 3, true)))
	require.False(t, TaskRetryable(task(TaskFailed, 3, 3, true)), "budget-limit retry needs an override")
	require.False(t, TaskRetryable(task(TaskFailed, 0, 3, false)))
	require.False(t, TaskRetryable(task(TaskCompleted, 0, 3, true)))
}
