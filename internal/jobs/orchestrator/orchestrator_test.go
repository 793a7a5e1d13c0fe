package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	jobrepos "github.com/studyforge/coursegen-backend/internal/data/repos/jobs"
	"github.com/studyforge/coursegen-backend/internal/data/repos/testutil"
	types "github.com/studyforge/coursegen-backend/internal/domain/jobs"
	"github.com/studyforge/coursegen-backend/internal/jobs/executor"
	"github.com/studyforge/coursegen-backend/internal/jobs/runner"
	jobrt "github.com/studyforge/coursegen-backend/internal/jobs/runtime"
	"github.com/studyforge/coursegen-backend/internal/pkg/dbctx"
	pkgerrors "github.com/studyforge/coursegen-backend/internal/pkg/errors"
)

type scriptedExecutor struct {
	mu    sync.Mutex
	seen  []executor.TaskSpec
	run   func(spec executor.TaskSpec, attempt int) (datatypes.JSON, error)
	tries map[uuid.UUID]int
}

func (s *scriptedExecutor) Execute(ctx context.Context, spec executor.TaskSpec) (datatypes.JSON, error) {
	s.mu.Lock()
	if s.tries == nil {
		s.tries = map[uuid.UUID]int{}
	}
	s.tries[spec.TaskID]++
	attempt := s.tries[spec.TaskID]
	s.seen = append(s.seen, spec)
	s.mu.Unlock()
	return s.run(spec, attempt)
}

func (s *scriptedExecutor) order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.seen))
	for _, spec := range s.seen {
		out = append(out, spec.TaskType)
	}
	return out
}

type recordingNotifier struct {
	mu       sync.Mutex
	progress []int
	done     int
	failed   int
	created  int
}

func (n *recordingNotifier) JobCreated(_ uuid.UUID, _ *types.GenerationJob) {
	n.mu.Lock()
	n.created++
	n.mu.Unlock()
}
func (n *recordingNotifier) JobProgress(_ uuid.UUID, _ *types.GenerationJob, _ string, pct int, _ string) {
	n.mu.Lock()
	n.progress = append(n.progress, pct)
	n.mu.Unlock()
}
func (n *recordingNotifier) JobFailed(_ uuid.UUID, _ *types.GenerationJob, _ string, _ string) {
	n.mu.Lock()
	n.failed++
	n.mu.Unlock()
}
func (n *recordingNotifier) JobDone(_ uuid.UUID, _ *types.GenerationJob) {
	n.mu.Lock()
	n.done++
	n.mu.Unlock()
}
func (n *recordingNotifier) JobCanceled(_ uuid.UUID, _ *types.GenerationJob) {}

type fixture struct {
	db     *gorm.DB
	jobs   jobrepos.JobRepo
	tasks  jobrepos.TaskRepo
	exec   *scriptedExecutor
	notify *recordingNotifier
	orch   *Orchestrator
}

func newFixture(t *testing.T, concurrency int, run func(spec executor.TaskSpec, attempt int) (datatypes.JSON, error)) *fixture {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	jobs := jobrepos.NewJobRepo(db, log)
	tasks := jobrepos.NewTaskRepo(db, log)
	exec := &scriptedExecutor{run: run}
	notify := &recordingNotifier{}
	r := runner.New(tasks, exec, runner.Config{
		BaseBackoff: 5 * time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
	}, log)
	orch := New(db, jobs, tasks, r, notify, Config{
		Concurrency:       concurrency,
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 15 * time.Millisecond,
	}, log)
	return &fixture{db: db, jobs: jobs, tasks: tasks, exec: exec, notify: notify, orch: orch}
}

func (f *fixture) createAndRun(t *testing.T, req CreateRequest) *types.GenerationJob {
	t.Helper()
	ctx := context.Background()
	job, _, err := f.orch.CreateJob(ctx, uuid.New(), req)
	require.NoError(t, err)

	claimed, err := f.jobs.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, job.ID, claimed.ID)

	jc := jobrt.NewContext(ctx, f.db, claimed, f.jobs, f.tasks, f.notify)
	require.NoError(t, f.orch.Run(jc))
	return claimed
}

func (f *fixture) jobRow(t *testing.T, id uuid.UUID) *types.GenerationJob {
	t.Helper()
	rows, err := f.jobs.GetByIDs(dbctx.Context{Ctx: context.Background()}, []uuid.UUID{id})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0]
}

func twoSectionRequest() CreateRequest {
	return CreateRequest{
		CourseID: uuid.New(),
		Title:    "Intro to Gardening",
		Sections: []SectionSpec{
			{Title: "Soil", WithAssessment: true},
			{Title: "Watering"},
		},
	}
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t, 1, func(executor.TaskSpec, int) (datatypes.JSON, error) { return nil, nil })

	_, _, err := f.orch.CreateJob(context.Background(), uuid.New(), CreateRequest{})
	require.ErrorIs(t, err, pkgerrors.ErrInvalidArgument)

	_, _, err = f.orch.CreateJob(context.Background(), uuid.New(), CreateRequest{
		CourseID: uuid.New(),
		Title:    "No sections",
	})
	require.ErrorIs(t, err, pkgerrors.ErrInvalidArgument)
}

func TestCreateJobPersistsJobAndTasksBeforeExecution(t *testing.T) {
	f := newFixture(t, 1, func(executor.TaskSpec, int) (datatypes.JSON, error) { return nil, nil })

	job, tasks, err := f.orch.CreateJob(context.Background(), uuid.New(), twoSectionRequest())
	require.NoError(t, err)
	require.Equal(t, types.JobQueued, job.Status)
	// outline + (soil content + assessment) + watering content
	require.Len(t, tasks, 4)
	require.Equal(t, 1, f.notify.created)

	stored, err := f.tasks.GetByJob(dbctx.Context{Ctx: context.Background()}, job.ID)
	require.NoError(t, err)
	require.Len(t, stored, 4)
	require.Equal(t, types.TaskTypeOutline, stored[0].TaskType)
	for i, task := range stored {
		require.Equal(t, i, task.Seq)
		require.Equal(t, types.TaskQueued, task.Status)
	}
	// Nothing executed yet.
	require.Empty(t, f.exec.order())
}

func TestRunCompletesJobWhenAllTasksSucceed(t *testing.T) {
	f := newFixture(t, 2, func(spec executor.TaskSpec, _ int) (datatypes.JSON, error) {
		return datatypes.JSON(`{"ok":true}`), nil
	})

	job := f.createAndRun(t, twoSectionRequest())

	row := f.jobRow(t, job.ID)
	require.Equal(t, types.JobCompleted, row.Status)
	require.Equal(t, 100, row.Progress)
	require.Equal(t, 1, f.notify.done)
	require.Zero(t, f.notify.failed)

	// progress events never decrease
	last := -1
	for _, pct := range f.notify.progress {
		require.GreaterOrEqual(t, pct, last)
		last = pct
	}
}

func TestRunRetriesTransientFailureThenCompletes(t *testing.T) {
	f := newFixture(t, 1, func(spec executor.TaskSpec, attempt int) (datatypes.JSON, error) {
		if spec.TaskType == types.TaskTypeSectionContent && attempt == 1 {
			return nil, executor.Transient("generate", errors.New("upstream 503"))
		}
		return datatypes.JSON(`{}`), nil
	})

	job := f.createAndRun(t, CreateRequest{
		CourseID: uuid.New(),
		Title:    "Single section",
		Sections: []SectionSpec{{Title: "Only"}},
	})

	row := f.jobRow(t, job.ID)
	require.Equal(t, types.JobCompleted, row.Status)

	stored, err := f.tasks.GetByJob(dbctx.Context{Ctx: context.Background()}, job.ID)
	require.NoError(t, err)
	for _, task := range stored {
		require.Equal(t, types.TaskCompleted, task.Status)
		if task.TaskType == types.TaskTypeSectionContent {
			require.Equal(t, 1, task.RetryCount)
		}
	}
}

func TestRunFailsJobWhenTaskExhaustsBudget(t *testing.T) {
	f := newFixture(t, 1, func(spec executor.TaskSpec, _ int) (datatypes.JSON, error) {
		if spec.TaskType == types.TaskTypeAssessment {
			return nil, executor.Transient("generate", errors.New("always down"))
		}
		return datatypes.JSON(`{}`), nil
	})

	job := f.createAndRun(t, CreateRequest{
		CourseID: uuid.New(),
		Title:    "Course",
		Sections: []SectionSpec{{Title: "Soil", WithAssessment: true}},
	})

	row := f.jobRow(t, job.ID)
	require.Equal(t, types.JobFailed, row.Status)
	require.Contains(t, row.Error, "Soil")
	require.Equal(t, 1, f.notify.failed)

	stored, err := f.tasks.GetByJob(dbctx.Context{Ctx: context.Background()}, job.ID)
	require.NoError(t, err)
	for _, task := range stored {
		if task.TaskType == types.TaskTypeAssessment {
			require.Equal(t, types.TaskFailed, task.Status)
			require.Equal(t, task.MaxRetryCount, task.RetryCount)
			require.True(t, task.Recoverable)
		} else {
			require.Equal(t, types.TaskCompleted, task.Status)
		}
	}
}

func TestRunFailsJobOnPermanentFailureWithoutRetry(t *testing.T) {
	f := newFixture(t, 1, func(spec executor.TaskSpec, _ int) (datatypes.JSON, error) {
		if spec.TaskType == types.TaskTypeSectionContent {
			return nil, executor.Permanent("generate", errors.New("payload rejected"))
		}
		return datatypes.JSON(`{}`), nil
	})

	job := f.createAndRun(t, CreateRequest{
		CourseID: uuid.New(),
		Title:    "Course",
		Sections: []SectionSpec{{Title: "Soil"}},
	})

	require.Equal(t, types.JobFailed, f.jobRow(t, job.ID).Status)

	stored, err := f.tasks.GetByJob(dbctx.Context{Ctx: context.Background()}, job.ID)
	require.NoError(t, err)
	for _, task := range stored {
		if task.TaskType == types.TaskTypeSectionContent {
			require.Equal(t, types.TaskFailed, task.Status)
			require.False(t, task.Recoverable)
			require.Equal(t, 0, task.RetryCount)
		}
	}
	// one outline attempt, one content attempt, no retries
	require.Len(t, f.exec.order(), 2)
}

func TestRunOutlineGateAndFIFO(t *testing.T) {
	f := newFixture(t, 1, func(executor.TaskSpec, int) (datatypes.JSON, error) {
		return datatypes.JSON(`{}`), nil
	})

	f.createAndRun(t, CreateRequest{
		CourseID: uuid.New(),
		Title:    "Ordered",
		Sections: []SectionSpec{{Title: "A"}, {Title: "B"}, {Title: "C"}},
	})

	order := f.exec.order()
	require.Equal(t, []string{
		types.TaskTypeOutline,
		types.TaskTypeSectionContent,
		types.TaskTypeSectionContent,
		types.TaskTypeSectionContent,
	}, order)
}

func TestRunStopsAtPauseBoundary(t *testing.T) {
	var f *fixture
	f = newFixture(t, 1, func(spec executor.TaskSpec, _ int) (datatypes.JSON, error) {
		if spec.TaskType == types.TaskTypeOutline {
			// A pause lands while the outline attempt is in flight.
			won, err := f.jobs.UpdateFieldsIfStatus(dbctx.Context{Ctx: context.Background()}, spec.JobID,
				[]string{types.JobProcessing}, map[string]interface{}{"status": types.JobPaused})
			if err != nil || !won {
				return nil, executor.Permanent("test", errors.New("pause setup failed"))
			}
		}
		return datatypes.JSON(`{}`), nil
	})

	job := f.createAndRun(t, CreateRequest{
		CourseID: uuid.New(),
		Title:    "Pausable",
		Sections: []SectionSpec{{Title: "A"}, {Title: "B"}},
	})

	row := f.jobRow(t, job.ID)
	require.Equal(t, types.JobPaused, row.Status)

	stored, err := f.tasks.GetByJob(dbctx.Context{Ctx: context.Background()}, job.ID)
	require.NoError(t, err)
	// The in-flight outline finished and persisted; nothing new started.
	require.Equal(t, types.TaskCompleted, stored[0].Status)
	for _, task := range stored[1:] {
		require.Equal(t, types.TaskQueued, task.Status)
	}
	require.Len(t, f.exec.order(), 1)
}

func TestRunPauseHaltsRestOfBatch(t *testing.T) {
	var f *fixture
	f = newFixture(t, 1, func(spec executor.TaskSpec, _ int) (datatypes.JSON, error) {
		if spec.TaskType == types.TaskTypeSectionContent {
			// A pause lands while the first section attempt is in flight.
			won, err := f.jobs.UpdateFieldsIfStatus(dbctx.Context{Ctx: context.Background()}, spec.JobID,
				[]string{types.JobProcessing}, map[string]interface{}{"status": types.JobPaused})
			if err != nil {
				return nil, executor.Permanent("test", err)
			}
			if !won {
				return nil, executor.Permanent("test", errors.New("attempt started on an already paused job"))
			}
		}
		return datatypes.JSON(`{}`), nil
	})

	job := f.createAndRun(t, CreateRequest{
		CourseID: uuid.New(),
		Title:    "Pausable batch",
		Sections: []SectionSpec{{Title: "A"}, {Title: "B"}},
	})

	require.Equal(t, types.JobPaused, f.jobRow(t, job.ID).Status)

	stored, err := f.tasks.GetByJob(dbctx.Context{Ctx: context.Background()}, job.ID)
	require.NoError(t, err)
	// seq order: outline, section A, section B. The in-flight section A
	// attempt finished and persisted; section B never started.
	require.Equal(t, types.TaskCompleted, stored[0].Status)
	require.Equal(t, types.TaskCompleted, stored[1].Status)
	require.Equal(t, types.TaskQueued, stored[2].Status)
	require.Equal(t, []string{types.TaskTypeOutline, types.TaskTypeSectionContent}, f.exec.order())
}

func TestRunFailsJobWhenExecutorPanics(t *testing.T) {
	f := newFixture(t, 1, func(spec executor.TaskSpec, _ int) (datatypes.JSON, error) {
		if spec.TaskType == types.TaskTypeOutline {
			panic("outline exploded")
		}
		return datatypes.JSON(`{}`), nil
	})
	ctx := context.Background()

	job, _, err := f.orch.CreateJob(ctx, uuid.New(), CreateRequest{
		CourseID: uuid.New(),
		Title:    "Panicky",
		Sections: []SectionSpec{{Title: "A"}},
	})
	require.NoError(t, err)

	claimed, err := f.jobs.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	jc := jobrt.NewContext(ctx, f.db, claimed, f.jobs, f.tasks, f.notify)
	err = f.orch.Run(jc)
	require.Error(t, err)
	require.Contains(t, err.Error(), "panicked")

	row := f.jobRow(t, job.ID)
	require.Equal(t, types.JobFailed, row.Status)
	require.Contains(t, row.Error, "outline exploded")

	stored, err := f.tasks.GetByJob(dbctx.Context{Ctx: ctx}, job.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskFailed, stored[0].Status)
	require.False(t, stored[0].Recoverable)
	require.Contains(t, stored[0].ErrorMessage, "outline exploded")
}

func TestRunHeartbeatsWhileAttemptRuns(t *testing.T) {
	var f *fixture
	f = newFixture(t, 1, func(spec executor.TaskSpec, _ int) (datatypes.JSON, error) {
		if spec.TaskType != types.TaskTypeOutline {
			return datatypes.JSON(`{}`), nil
		}
		load := func() (*time.Time, error) {
			rows, err := f.jobs.GetByIDs(dbctx.Context{Ctx: context.Background()}, []uuid.UUID{spec.JobID})
			if err != nil || len(rows) != 1 {
				return nil, executor.Permanent("test", errors.New("job row unreadable"))
			}
			return rows[0].HeartbeatAt, nil
		}
		start, err := load()
		if err != nil {
			return nil, err
		}
		// A slow attempt must still see the job heartbeat move.
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			cur, err := load()
			if err != nil {
				return nil, err
			}
			if cur != nil && (start == nil || cur.After(*start)) {
				return datatypes.JSON(`{}`), nil
			}
			time.Sleep(5 * time.Millisecond)
		}
		return nil, executor.Permanent("test", errors.New("heartbeat never advanced during attempt"))
	})

	job := f.createAndRun(t, CreateRequest{
		CourseID: uuid.New(),
		Title:    "Slow outline",
		Sections: []SectionSpec{{Title: "A"}},
	})

	require.Equal(t, types.JobCompleted, f.jobRow(t, job.ID).Status)
}

func TestRunObservesCancelAtBoundary(t *testing.T) {
	var f *fixture
	f = newFixture(t, 1, func(spec executor.TaskSpec, _ int) (datatypes.JSON, error) {
		if spec.TaskType == types.TaskTypeOutline {
			_, err := f.jobs.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: context.Background()}, spec.JobID,
				[]string{types.JobCompleted, types.JobFailed, types.JobCanceled},
				map[string]interface{}{"status": types.JobCanceled})
			if err != nil {
				return nil, executor.Permanent("test", errors.New("cancel setup failed"))
			}
		}
		return datatypes.JSON(`{}`), nil
	})

	job := f.createAndRun(t, CreateRequest{
		CourseID: uuid.New(),
		Title:    "Cancelable",
		Sections: []SectionSpec{{Title: "A"}},
	})

	require.Equal(t, types.JobCanceled, f.jobRow(t, job.ID).Status)
	require.Len(t, f.exec.order(), 1)
	require.Zero(t, f.notify.done)
	require.Zero(t, f.notify.failed)
}

func TestRunRequeuesOrphanedRunningTasks(t *testing.T) {
	f := newFixture(t, 1, func(executor.TaskSpec, int) (datatypes.JSON, error) {
		return datatypes.JSON(`{}`), nil
	})
	ctx := context.Background()

	job, tasks, err := f.orch.CreateJob(ctx, uuid.New(), CreateRequest{
		CourseID: uuid.New(),
		Title:    "Crashy",
		Sections: []SectionSpec{{Title: "A"}},
	})
	require.NoError(t, err)

	// Simulate a dead dispatcher: a task stuck in running.
	won, err := f.tasks.UpdateFieldsIfStatus(dbctx.Context{Ctx: ctx}, tasks[0].ID,
		[]string{types.TaskQueued}, map[string]interface{}{"status": types.TaskRunning})
	require.NoError(t, err)
	require.True(t, won)

	claimed, err := f.jobs.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	jc := jobrt.NewContext(ctx, f.db, claimed, f.jobs, f.tasks, f.notify)
	require.NoError(t, f.orch.Run(jc))

	require.Equal(t, types.JobCompleted, f.jobRow(t, job.ID).Status)
}
