package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/studyforge/coursegen-backend/internal/domain/jobs"
	"github.com/studyforge/coursegen-backend/internal/pkg/dbctx"
	"github.com/studyforge/coursegen-backend/internal/platform/logger"
)

type TaskRepo interface {
	CreateBatch(dbc dbctx.Context, tasks []*types.GenerationTask) ([]*types.GenerationTask, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.GenerationTask, error)
	GetByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*types.GenerationTask, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsIfStatus(dbc dbctx.Context, id uuid.UUID, allowedStatuses []string, updates map[string]interface{}) (bool, error)
	CountsByStatus(dbc dbctx.Context, jobID uuid.UUID) (map[string]int64, error)
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{
		db:  db,
		log: baseLog.With("repo", "TaskRepo"),
	}
}

func (r *taskRepo) conn(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *taskRepo) CreateBatch(dbc dbctx.Context, tasks []*types.GenerationTask) ([]*types.GenerationTask, error) {
	if len(tasks) == 0 {
		return []*types.GenerationTask{}, nil
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).Create(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *taskRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.GenerationTask, error) {
	var out []*types.GenerationTask
	if len(ids) == 0 {
		return out, nil
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("id IN ?", ids).
		Order("seq ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) GetByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*types.GenerationTask, error) {
	var out []*types.GenerationTask
	if jobID == uuid.Nil {
		return out, nil
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Order("seq ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.GenerationTask{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// UpdateFieldsIfStatus is the guarded task transition: the write only lands
// while the row's status is in allowedStatuses, so two concurrent actors can
// never both move the same task out of a state. First valid transition wins.
func (r *taskRepo) UpdateFieldsIfStatus(dbc dbctx.Context, id uuid.UUID, allowedStatuses []string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil || len(allowedStatuses) == 0 {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.GenerationTask{}).
		Where("id = ? AND status IN ?", id, allowedStatuses).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *taskRepo) CountsByStatus(dbc dbctx.Context, jobID uuid.UUID) (map[string]int64, error) {
	out := map[string]int64{}
	if jobID == uuid.Nil {
		return out, nil
	}
	var rows []struct {
		Status string
		N      int64
	}
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.GenerationTask{}).
		Select("status, COUNT(*) AS n").
		Where("job_id = ?", jobID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.Status] = row.N
	}
	return out, nil
}
