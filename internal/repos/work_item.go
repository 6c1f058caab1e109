package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atmoworks/prism-backend/internal/logger"
	"github.com/atmoworks/prism-backend/internal/types"
)

type WorkItemRepo interface {
	CreateAll(ctx context.Context, tx *gorm.DB, items []*types.WorkItem) error
	GetByID(ctx context.Context, tx *gorm.DB, id uint) (*types.WorkItem, error)
	ClaimNextReady(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, serviceID string) (*types.WorkItem, error)
	UpdateStatus(ctx context.Context, tx *gorm.DB, id uint, status types.WorkItemStatus) error
	Requeue(ctx context.Context, tx *gorm.DB, id uint) error
	CountByJobServiceAndStatus(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, serviceID string, statuses []types.WorkItemStatus) (int, error)
	CountByJobAndStatus(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, statuses []types.WorkItemStatus) (int, error)
	IDsForReapableJobs(ctx context.Context, tx *gorm.DB, olderThan time.Time) ([]uint, error)
	DeleteByIDs(ctx context.Context, tx *gorm.DB, ids []uint) (int64, error)
}

type workItemRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWorkItemRepo(db *gorm.DB, baseLog *logger.Logger) WorkItemRepo {
	return &workItemRepo{
		db:  db,
		log: baseLog.With("repo", "WorkItemRepo"),
	}
}

func (r *workItemRepo) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *workItemRepo) CreateAll(ctx context.Context, tx *gorm.DB, items []*types.WorkItem) error {
	transaction := r.handle(tx)
	if len(items) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).Create(&items).Error
}

func (r *workItemRepo) GetByID(ctx context.Context, tx *gorm.DB, id uint) (*types.WorkItem, error) {
	transaction := r.handle(tx)
	var item types.WorkItem
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ClaimNextReady locks and flips the oldest ready item for the pair
// to running. Concurrent dispatchers skip rows another claim holds.
func (r *workItemRepo) ClaimNextReady(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, serviceID string) (*types.WorkItem, error) {
	transaction := r.handle(tx)
	var claimed *types.WorkItem
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var item types.WorkItem
		q := rowLockSkipLocked(txx).
			Where("job_id = ? AND service_id = ? AND status = ?", jobID, serviceID, types.WorkItemStatusReady).
			Order("id ASC")
		qErr := q.First(&item).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		now := time.Now()
		uErr := txx.Model(&types.WorkItem{}).
			Where("id = ?", item.ID).
			Updates(map[string]interface{}{
				"status":     types.WorkItemStatusRunning,
				"started_at": now,
				"updated_at": now,
			}).Error
		if uErr != nil {
			return uErr
		}
		item.Status = types.WorkItemStatusRunning
		item.StartedAt = &now
		claimed = &item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *workItemRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, id uint, status types.WorkItemStatus) error {
	transaction := r.handle(tx)
	now := time.Now()
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": now,
	}
	if status == types.WorkItemStatusSuccessful || status == types.WorkItemStatusFailed || status == types.WorkItemStatusCanceled {
		updates["completed_at"] = now
	}
	return transaction.WithContext(ctx).
		Model(&types.WorkItem{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// Requeue puts a failed item back in the ready pool and counts the
// attempt.
func (r *workItemRepo) Requeue(ctx context.Context, tx *gorm.DB, id uint) error {
	transaction := r.handle(tx)
	return transaction.WithContext(ctx).
		Model(&types.WorkItem{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      types.WorkItemStatusReady,
			"retry_count": gorm.Expr("retry_count + 1"),
			"started_at":  nil,
			"updated_at":  time.Now(),
		}).Error
}

func (r *workItemRepo) CountByJobServiceAndStatus(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, serviceID string, statuses []types.WorkItemStatus) (int, error) {
	transaction := r.handle(tx)
	var count int64
	err := transaction.WithContext(ctx).
		Model(&types.WorkItem{}).
		Where("job_id = ? AND service_id = ? AND status IN ?", jobID, serviceID, statuses).
		Count(&count).Error
	return int(count), err
}

func (r *workItemRepo) CountByJobAndStatus(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, statuses []types.WorkItemStatus) (int, error) {
	transaction := r.handle(tx)
	var count int64
	err := transaction.WithContext(ctx).
		Model(&types.WorkItem{}).
		Where("job_id = ? AND status IN ?", jobID, statuses).
		Count(&count).Error
	return int(count), err
}

// IDsForReapableJobs selects items whose parent job is terminal and
// idle past the threshold.
func (r *workItemRepo) IDsForReapableJobs(ctx context.Context, tx *gorm.DB, olderThan time.Time) ([]uint, error) {
	transaction := r.handle(tx)
	var ids []uint
	err := transaction.WithContext(ctx).
		Model(&types.WorkItem{}).
		Where("job_id IN (?)", reapableJobIDs(transaction, olderThan)).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *workItemRepo) DeleteByIDs(ctx context.Context, tx *gorm.DB, ids []uint) (int64, error) {
	transaction := r.handle(tx)
	if len(ids) == 0 {
		return 0, nil
	}
	res := transaction.WithContext(ctx).
		Where("id IN ?", ids).
		Delete(&types.WorkItem{})
	return res.RowsAffected, res.Error
}
