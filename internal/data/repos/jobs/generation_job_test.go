package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/studyforge/coursegen-backend/internal/data/repos/testutil"
	types "github.com/studyforge/coursegen-backend/internal/domain/jobs"
	"github.com/studyforge/coursegen-backend/internal/pkg/dbctx"
)

func newJob(owner uuid.UUID, status string) *types.GenerationJob {
	return &types.GenerationJob{
		ID:          uuid.New(),
		OwnerUserID: owner,
		CourseID:    uuid.New(),
		Status:      status,
		Stage:       "created",
	}
}

func TestJobRepoCreateAndGet(t *testing.T) {
	db := testutil.DB(t)
	repo := NewJobRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	owner := uuid.New()
	created, err := repo.Create(dbc, []*types.GenerationJob{newJob(owner, types.JobQueued)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("expected 1 created job, got %d", len(created))
	}

	got, err := repo.GetByIDs(dbc, []uuid.UUID{created[0].ID})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 || got[0].ID != created[0].ID {
		t.Fatalf("expected job %s back, got %+v", created[0].ID, got)
	}
	if got[0].Status != types.JobQueued {
		t.Fatalf("expected queued, got %s", got[0].Status)
	}
}

func TestJobRepoListActiveByOwner(t *testing.T) {
	db := testutil.DB(t)
	repo := NewJobRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	owner := uuid.New()
	other := uuid.New()
	jobs := []*types.GenerationJob{
		newJob(owner, types.JobQueued),
		newJob(owner, types.JobProcessing),
		newJob(owner, types.JobPaused),
		newJob(owner, types.JobCompleted),
		newJob(owner, types.JobCanceled),
		newJob(other, types.JobQueued),
	}
	if _, err := repo.Create(dbc, jobs); err != nil {
		t.Fatalf("create: %v", err)
	}

	active, err := repo.ListActiveByOwner(dbc, owner)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("expected 3 active jobs, got %d", len(active))
	}
	for _, j := range active {
		if j.OwnerUserID != owner {
			t.Fatalf("leaked job for wrong owner: %s", j.ID)
		}
		if types.JobTerminal(j.Status) {
			t.Fatalf("terminal job %s listed as active", j.ID)
		}
	}
}

func TestJobRepoClaimNextRunnable(t *testing.T) {
	db := testutil.DB(t)
	repo := NewJobRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	owner := uuid.New()
	first := newJob(owner, types.JobQueued)
	if _, err := repo.Create(dbc, []*types.GenerationJob{first}); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Ensure distinct created_at so FIFO ordering is deterministic.
	time.Sleep(5 * time.Millisecond)
	second := newJob(owner, types.JobQueued)
	if _, err := repo.Create(dbc, []*types.GenerationJob{second}); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := repo.ClaimNextRunnable(dbc, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != first.ID {
		t.Fatalf("expected oldest queued job %s, got %+v", first.ID, claimed)
	}
	if claimed.Status != types.JobProcessing || claimed.Attempts != 1 {
		t.Fatalf("claim did not mark processing/attempts: %+v", claimed)
	}
	if claimed.LockedAt == nil || claimed.HeartbeatAt == nil {
		t.Fatalf("claim did not stamp lock fields")
	}

	// The claimed job has a fresh heartbeat: it must not be claimed again.
	next, err := repo.ClaimNextRunnable(dbc, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if next == nil || next.ID != second.ID {
		t.Fatalf("expected second job, got %+v", next)
	}

	none, err := repo.ClaimNextRunnable(dbc, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if none != nil {
		t.Fatalf("expected no runnable job, got %+v", none)
	}
}

func TestJobRepoClaimReclaimsStaleProcessing(t *testing.T) {
	db := testutil.DB(t)
	repo := NewJobRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	stale := time.Now().Add(-10 * time.Minute)
	job := newJob(uuid.New(), types.JobProcessing)
	job.HeartbeatAt = &stale
	job.LockedAt = &stale
	job.Attempts = 1
	if _, err := repo.Create(dbc, []*types.GenerationJob{job}); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := repo.ClaimNextRunnable(dbc, 2*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("expected stale processing job reclaimed, got %+v", claimed)
	}
	if claimed.Attempts != 2 {
		t.Fatalf("expected attempts bumped to 2, got %d", claimed.Attempts)
	}
}

func TestJobRepoConditionalUpdates(t *testing.T) {
	db := testutil.DB(t)
	repo := NewJobRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	job := newJob(uuid.New(), types.JobProcessing)
	if _, err := repo.Create(dbc, []*types.GenerationJob{job}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// pause only applies while processing
	won, err := repo.UpdateFieldsIfStatus(dbc, job.ID, []string{types.JobProcessing},
		map[string]interface{}{"status": types.JobPaused})
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !won {
		t.Fatalf("expected pause to win on a processing job")
	}

	// a second pause loses: the row is no longer processing
	won, err = repo.UpdateFieldsIfStatus(dbc, job.ID, []string{types.JobProcessing},
		map[string]interface{}{"status": types.JobPaused})
	if err != nil {
		t.Fatalf("pause again: %v", err)
	}
	if won {
		t.Fatalf("second pause should have lost")
	}

	// cancel applies to any non-terminal state
	won, err = repo.UpdateFieldsUnlessStatus(dbc, job.ID,
		[]string{types.JobCompleted, types.JobFailed, types.JobCanceled},
		map[string]interface{}{"status": types.JobCanceled})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !won {
		t.Fatalf("expected cancel to win on a paused job")
	}

	// but never re-applies once terminal
	won, err = repo.UpdateFieldsUnlessStatus(dbc, job.ID,
		[]string{types.JobCompleted, types.JobFailed, types.JobCanceled},
		map[string]interface{}{"status": types.JobQueued})
	if err != nil {
		t.Fatalf("revive: %v", err)
	}
	if won {
		t.Fatalf("terminal job must not be revived by UnlessStatus")
	}

	got, err := repo.GetByIDs(dbc, []uuid.UUID{job.ID})
	if err != nil || len(got) != 1 {
		t.Fatalf("get: %v", err)
	}
	if got[0].Status != types.JobCanceled {
		t.Fatalf("expected canceled, got %s", got[0].Status)
	}
}

func TestJobRepoHeartbeat(t *testing.T) {
	db := testutil.DB(t)
	repo := NewJobRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	old := time.Now().Add(-5 * time.Minute)
	job := newJob(uuid.New(), types.JobProcessing)
	job.HeartbeatAt = &old
	if _, err := repo.Create(dbc, []*types.GenerationJob{job}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := repo.Heartbeat(dbc, job.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	got, err := repo.GetByIDs(dbc, []uuid.UUID{job.ID})
	if err != nil || len(got) != 1 {
		t.Fatalf("get: %v", err)
	}
	if got[0].HeartbeatAt == nil || !got[0].HeartbeatAt.After(old) {
		t.Fatalf("heartbeat not advanced: %+v", got[0].HeartbeatAt)
	}

	// Heartbeats on non-processing jobs are ignored.
	done := newJob(uuid.New(), types.JobCompleted)
	done.HeartbeatAt = &old
	if _, err := repo.Create(dbc, []*types.GenerationJob{done}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Heartbeat(dbc, done.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	got, err = repo.GetByIDs(dbc, []uuid.UUID{done.ID})
	if err != nil || len(got) != 1 {
		t.Fatalf("get: %v", err)
	}
	if !got[0].HeartbeatAt.Equal(old) {
		t.Fatalf("completed job heartbeat should not move")
	}
}
