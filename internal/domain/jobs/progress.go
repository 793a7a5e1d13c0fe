package jobs

// ComputeProgress derives the job progress percentage from its tasks:
// finished / total. The caller persists it through a monotonic clamp, so the
// stored value never decreases while the job is processing.
func ComputeProgress(tasks []*GenerationTask) int {
	if len(tasks) == 0 {
		return 0
	}
	finished := 0
	for _, t := range tasks {
		if TaskFinished(t) {
			finished++
		}
	}
	return finished * 100 / len(tasks)
}

// StatusFromTasks derives the terminal job status once no task is actionable.
// The second return is false while work (or a recovery path) remains.
func StatusFromTasks(tasks []*GenerationTask) (string, bool) {
	if len(tasks) == 0 {
		return JobCompleted, true
	}
	blocked := false
	for _, t := range tasks {
		if TaskActionable(t) {
			return "", false
		}
		if t.Status == TaskFailed {
			blocked = true
		}
	}
	if blocked {
		return JobFailed, true
	}
	return JobCompleted, true
}

// FailedTasks returns the tasks a human would need to look at to choose
// retry vs. skip vs. cancel.
func FailedTasks(tasks []*GenerationTask) []*GenerationTask {
	var out []*GenerationTask
	for _, t := range tasks {
		if t != nil && t.Status == TaskFailed {
			out = append(out, t)
		}
	}
	return out
}
