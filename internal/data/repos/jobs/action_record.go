package jobs

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/studyforge/coursegen-backend/internal/domain/jobs"
	"github.com/studyforge/coursegen-backend/internal/pkg/dbctx"
	"github.com/studyforge/coursegen-backend/internal/platform/logger"
)

// ActionRecordRepo is append-only: records are written once and never updated.
type ActionRecordRepo interface {
	Append(dbc dbctx.Context, rec *types.JobActionRecord) (*types.JobActionRecord, error)
	ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*types.JobActionRecord, error)
}

type actionRecordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewActionRecordRepo(db *gorm.DB, baseLog *logger.Logger) ActionRecordRepo {
	return &actionRecordRepo{
		db:  db,
		log: baseLog.With("repo", "ActionRecordRepo"),
	}
}

func (r *actionRecordRepo) conn(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *actionRecordRepo) Append(dbc dbctx.Context, rec *types.JobActionRecord) (*types.JobActionRecord, error) {
	if rec == nil {
		return nil, nil
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).Create(rec).Error; err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *actionRecordRepo) ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*types.JobActionRecord, error) {
	var out []*types.JobActionRecord
	if jobID == uuid.Nil {
		return out, nil
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
