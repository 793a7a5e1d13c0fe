package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	jobrepos "github.com/studyforge/coursegen-backend/internal/data/repos/jobs"
	"github.com/studyforge/coursegen-backend/internal/data/repos/testutil"
	types "github.com/studyforge/coursegen-backend/internal/domain/jobs"
	"github.com/studyforge/coursegen-backend/internal/jobs/executor"
	"github.com/studyforge/coursegen-backend/internal/jobs/orchestrator"
	"github.com/studyforge/coursegen-backend/internal/jobs/runner"
	"github.com/studyforge/coursegen-backend/internal/pkg/dbctx"
)

type okExecutor struct{}

func (okExecutor) Execute(ctx context.Context, spec executor.TaskSpec) (datatypes.JSON, error) {
	return datatypes.JSON(`{"ok":true}`), nil
}

type panicExecutor struct{}

func (panicExecutor) Execute(ctx context.Context, spec executor.TaskSpec) (datatypes.JSON, error) {
	panic("executor exploded")
}

type noopNotifier struct{}

func (noopNotifier) JobCreated(uuid.UUID, *types.GenerationJob)                       {}
func (noopNotifier) JobProgress(uuid.UUID, *types.GenerationJob, string, int, string) {}
func (noopNotifier) JobFailed(uuid.UUID, *types.GenerationJob, string, string)        {}
func (noopNotifier) JobDone(uuid.UUID, *types.GenerationJob)                          {}
func (noopNotifier) JobCanceled(uuid.UUID, *types.GenerationJob)                      {}

func setup(t *testing.T, exec executor.Executor) (*Worker, *orchestrator.Orchestrator, jobrepos.JobRepo) {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	jobs := jobrepos.NewJobRepo(db, log)
	tasks := jobrepos.NewTaskRepo(db, log)
	r := runner.New(tasks, exec, runner.Config{
		BaseBackoff: 5 * time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
	}, log)
	orch := orchestrator.New(db, jobs, tasks, r, noopNotifier{}, orchestrator.Config{
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
	}, log)
	w := New(db, jobs, tasks, orch, noopNotifier{}, Config{
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
	}, log)
	return w, orch, jobs
}

func waitForStatus(t *testing.T, jobs jobrepos.JobRepo, id uuid.UUID, want string) *types.GenerationJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rows, err := jobs.GetByIDs(dbctx.Context{Ctx: context.Background()}, []uuid.UUID{id})
		require.NoError(t, err)
		if len(rows) == 1 && rows[0].Status == want {
			return rows[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", id, want)
	return nil
}

func TestWorkerPicksUpQueuedJob(t *testing.T) {
	w, orch, jobs := setup(t, okExecutor{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, _, err := orch.CreateJob(ctx, uuid.New(), orchestrator.CreateRequest{
		CourseID: uuid.New(),
		Title:    "Worker course",
		Sections: []orchestrator.SectionSpec{{Title: "One"}},
	})
	require.NoError(t, err)

	w.Start(ctx)
	row := waitForStatus(t, jobs, job.ID, types.JobCompleted)
	require.Equal(t, 100, row.Progress)
}

func TestWorkerSurvivesExecutorPanic(t *testing.T) {
	w, orch, jobs := setup(t, panicExecutor{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, _, err := orch.CreateJob(ctx, uuid.New(), orchestrator.CreateRequest{
		CourseID: uuid.New(),
		Title:    "Panicky course",
		Sections: []orchestrator.SectionSpec{{Title: "One"}},
	})
	require.NoError(t, err)

	w.Start(ctx)
	row := waitForStatus(t, jobs, job.ID, types.JobFailed)
	// The panic value survives into the persisted job error.
	require.Contains(t, row.Error, "executor exploded")
}

func TestPanicErrorKeepsValue(t *testing.T) {
	require.Equal(t, "panic: boom", (&panicError{Val: "boom"}).Error())
}
