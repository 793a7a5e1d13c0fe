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

func TestActionRecordAppendAndList(t *testing.T) {
	db := testutil.DB(t)
	repo := NewActionRecordRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	jobID := uuid.New()
	owner := uuid.New()

	first, err := repo.Append(dbc, &types.JobActionRecord{
		JobID:       jobID,
		OwnerUserID: owner,
		ActionType:  types.ActionPauseJob,
		Success:     true,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.ID == uuid.Nil {
		t.Fatalf("append did not assign an id")
	}

	time.Sleep(2 * time.Millisecond)

	// Failed actions are recorded too; the audit trail is unconditional.
	if _, err := repo.Append(dbc, &types.JobActionRecord{
		JobID:       jobID,
		OwnerUserID: owner,
		ActionType:  types.ActionRetryTask,
		Success:     false,
		Message:     "task not in a retryable state",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	records, err := repo.ListByJob(dbc, jobID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ActionType != types.ActionPauseJob || records[1].ActionType != types.ActionRetryTask {
		t.Fatalf("unexpected order: %s, %s", records[0].ActionType, records[1].ActionType)
	}
	if records[1].Success {
		t.Fatalf("failed action stored as success")
	}
}
