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

type WorkflowStepRepo interface {
	CreateAll(ctx context.Context, tx *gorm.DB, steps []*types.WorkflowStep) error
	GetStepsForJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.WorkflowStep, error)
	GetByJobAndService(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, serviceID string) (*types.WorkflowStep, error)
	IncrementCompletedCount(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, serviceID string) error
	IncrementWorkItemCount(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, serviceID string, n int) error
	SaveProgress(ctx context.Context, tx *gorm.DB, step *types.WorkflowStep) error
	IDsForReapableJobs(ctx context.Context, tx *gorm.DB, olderThan time.Time) ([]uint, error)
	DeleteByIDs(ctx context.Context, tx *gorm.DB, ids []uint) (int64, error)
}

type workflowStepRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWorkflowStepRepo(db *gorm.DB, baseLog *logger.Logger) WorkflowStepRepo {
	return &workflowStepRepo{
		db:  db,
		log: baseLog.With("repo", "WorkflowStepRepo"),
	}
}

func (r *workflowStepRepo) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *workflowStepRepo) CreateAll(ctx context.Context, tx *gorm.DB, steps []*types.WorkflowStep) error {
	transaction := r.handle(tx)
	if len(steps) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).Create(&steps).Error
}

func (r *workflowStepRepo) GetStepsForJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.WorkflowStep, error) {
	transaction := r.handle(tx)
	var steps []*types.WorkflowStep
	if err := transaction.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("step_index ASC").
		Find(&steps).Error; err != nil {
		return nil, err
	}
	return steps, nil
}

func (r *workflowStepRepo) GetByJobAndService(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, serviceID string) (*types.WorkflowStep, error) {
	transaction := r.handle(tx)
	var step types.WorkflowStep
	err := transaction.WithContext(ctx).
		Where("job_id = ? AND service_id = ?", jobID, serviceID).
		First(&step).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &step, nil
}

func (r *workflowStepRepo) IncrementCompletedCount(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, serviceID string) error {
	transaction := r.handle(tx)
	return transaction.WithContext(ctx).
		Model(&types.WorkflowStep{}).
		Where("job_id = ? AND service_id = ?", jobID, serviceID).
		Updates(map[string]interface{}{
			"completed_work_item_count": gorm.Expr("completed_work_item_count + 1"),
			"updated_at":                time.Now(),
		}).Error
}

func (r *workflowStepRepo) IncrementWorkItemCount(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, serviceID string, n int) error {
	transaction := r.handle(tx)
	return transaction.WithContext(ctx).
		Model(&types.WorkflowStep{}).
		Where("job_id = ? AND service_id = ?", jobID, serviceID).
		Updates(map[string]interface{}{
			"work_item_count": gorm.Expr("work_item_count + ?", n),
			"updated_at":      time.Now(),
		}).Error
}

func (r *workflowStepRepo) SaveProgress(ctx context.Context, tx *gorm.DB, step *types.WorkflowStep) error {
	transaction := r.handle(tx)
	return transaction.WithContext(ctx).
		Model(&types.WorkflowStep{}).
		Where("id = ?", step.ID).
		Updates(map[string]interface{}{
			"progress":   step.Progress,
			"updated_at": time.Now(),
		}).Error
}

// IDsForReapableJobs selects steps whose parent job is terminal and
// has not been touched since olderThan.
func (r *workflowStepRepo) IDsForReapableJobs(ctx context.Context, tx *gorm.DB, olderThan time.Time) ([]uint, error) {
	transaction := r.handle(tx)
	var ids []uint
	err := transaction.WithContext(ctx).
		Model(&types.WorkflowStep{}).
		Where("job_id IN (?)", reapableJobIDs(transaction, olderThan)).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *workflowStepRepo) DeleteByIDs(ctx context.Context, tx *gorm.DB, ids []uint) (int64, error) {
	transaction := r.handle(tx)
	if len(ids) == 0 {
		return 0, nil
	}
	res := transaction.WithContext(ctx).
		Where("id IN ?", ids).
		Delete(&types.WorkflowStep{})
	return res.RowsAffected, res.Error
}

// reapableJobIDs is the shared subquery for reaping: terminal jobs
// idle past the threshold. complete_with_errors is deliberately not
// reaped here; those jobs keep their errors browsable.
func reapableJobIDs(tx *gorm.DB, olderThan time.Time) *gorm.DB {
	return tx.Session(&gorm.Session{NewDB: true}).
		Model(&types.Job{}).
		Select("job_id").
		Where("status IN ?", []types.JobStatus{
			types.JobStatusFailed,
			types.JobStatusSuccessful,
			types.JobStatusCanceled,
		}).
		Where("updated_at < ?", olderThan)
}
