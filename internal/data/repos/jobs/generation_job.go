package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/studyforge/coursegen-backend/internal/domain/jobs"
	"github.com/studyforge/coursegen-backend/internal/pkg/dbctx"
	"github.com/studyforge/coursegen-backend/internal/platform/logger"
)

type JobRepo interface {
	Create(dbc dbctx.Context, jobs []*types.GenerationJob) ([]*types.GenerationJob, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.GenerationJob, error)
	ListActiveByOwner(dbc dbctx.Context, ownerUserID uuid.UUID) ([]*types.GenerationJob, error)
	ListByStatus(dbc dbctx.Context, statuses []string, limit int) ([]*types.GenerationJob, error)
	ClaimNextRunnable(dbc dbctx.Context, staleRunning time.Duration) (*types.GenerationJob, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsIfStatus(dbc dbctx.Context, id uuid.UUID, allowedStatuses []string, updates map[string]interface{}) (bool, error)
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
	}
}

func (r *jobRepo) conn(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *jobRepo) Create(dbc dbctx.Context, jobs []*types.GenerationJob) ([]*types.GenerationJob, error) {
	if len(jobs) == 0 {
		return []*types.GenerationJob{}, nil
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).Create(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *jobRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.GenerationJob, error) {
	var out []*types.GenerationJob
	if len(ids) == 0 {
		return out, nil
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("id IN ?", ids).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) ListActiveByOwner(dbc dbctx.Context, ownerUserID uuid.UUID) ([]*types.GenerationJob, error) {
	var out []*types.GenerationJob
	if ownerUserID == uuid.Nil {
		return out, nil
	}
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("owner_user_id = ? AND status IN ?", ownerUserID,
			[]string{types.JobQueued, types.JobProcessing, types.JobPaused}).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) ListByStatus(dbc dbctx.Context, statuses []string, limit int) ([]*types.GenerationJob, error) {
	var out []*types.GenerationJob
	if len(statuses) == 0 {
		return out, nil
	}
	q := r.conn(dbc).WithContext(dbc.Ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimNextRunnable picks the oldest dispatchable job and marks it processing.
// Runnable means queued, or processing with a heartbeat older than
// staleRunning (the previous worker died mid-run). Failed jobs are not
// reclaimed here; reviving them is the recovery controller's job.
func (r *jobRepo) ClaimNextRunnable(dbc dbctx.Context, staleRunning time.Duration) (*types.GenerationJob, error) {
	now := time.Now()
	staleCutoff := now.Add(-staleRunning)
	var claimed *types.GenerationJob
	err := r.conn(dbc).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var job types.GenerationJob
		q := txx.Where(`
        (
          status = ?
          OR (
            status = ?
            AND heartbeat_at IS NOT NULL
            AND heartbeat_at < ?
          )
        )
      `, types.JobQueued, types.JobProcessing, staleCutoff).
			Order("created_at ASC")
		// sqlite (tests) has no row locking; the single writer there is fine.
		if txx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		qErr := q.First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&types.GenerationJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":       types.JobProcessing,
				"attempts":     gorm.Expr("attempts + 1"),
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		job.Status = types.JobProcessing
		job.Attempts++
		job.LockedAt = &now
		job.HeartbeatAt = &now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *jobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.GenerationJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// UpdateFieldsIfStatus applies updates only while the row's current status is
// in allowedStatuses. The bool reports whether the write won; a false return
// means another actor transitioned the row first.
func (r *jobRepo) UpdateFieldsIfStatus(dbc dbctx.Context, id uuid.UUID, allowedStatuses []string, updates map[string]interface{}) (bool, error) {
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
		Model(&types.GenerationJob{}).
		Where("id = ? AND status IN ?", id, allowedStatuses).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	q := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.GenerationJob{}).
		Where("id = ?", id)
	if len(disallowedStatuses) == 1 {
		q = q.Where("status <> ?", disallowedStatuses[0])
	} else if len(disallowedStatuses) > 1 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.GenerationJob{}).
		Where("id = ? AND status = ?", id, types.JobProcessing).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}
