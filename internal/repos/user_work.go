package repos

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atmoworks/prism-backend/internal/logger"
	"github.com/atmoworks/prism-backend/internal/types"
)

// UserWorkRepo maintains the per (job, service) fairness counters.
// Counter updates are arithmetic against existing rows; the store's
// row-level concurrency control prevents lost updates.
type UserWorkRepo interface {
	CreateRow(ctx context.Context, tx *gorm.DB, row *types.UserWork) error
	EnsureRow(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, serviceID, username string) error
	GetRowsForJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.UserWork, error)
	IncrementReadyCount(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, serviceID string, n int) error
	IncrementRunningAndDecrementReady(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, serviceID string) error
	IncrementReadyAndDecrementRunning(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, serviceID string) error
	DecrementRunningCount(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, serviceID string) error
	SetReadyCountToZero(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) error
	DeleteUserWorkForJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) error
	DeleteUserWorkForJobAndService(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, serviceID string) error
	DeleteOrphanedRows(ctx context.Context, tx *gorm.DB) (int64, error)
	GetQueuedAndRunningCountForService(ctx context.Context, tx *gorm.DB, serviceID string) (int, error)
	GetNextUsername(ctx context.Context, tx *gorm.DB, serviceID string) (string, error)
	GetNextJobID(ctx context.Context, tx *gorm.DB, username, serviceID string) (uuid.UUID, error)
	RecalculateReadyCount(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) error
	PopulateFromWorkItems(ctx context.Context, tx *gorm.DB) error
}

type userWorkRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewUserWorkRepo(db *gorm.DB, baseLog *logger.Logger) UserWorkRepo {
	return &userWorkRepo{
		db:  db,
		log: baseLog.With("repo", "UserWorkRepo"),
	}
}

func (r *userWorkRepo) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *userWorkRepo) CreateRow(ctx context.Context, tx *gorm.DB, row *types.UserWork) error {
	transaction := r.handle(tx)
	if row.LastWorked.IsZero() {
		row.LastWorked = time.Now()
	}
	return transaction.WithContext(ctx).Create(row).Error
}

// EnsureRow creates the counter row for a pair when it does not
// exist yet; counters start at zero.
func (r *userWorkRepo) EnsureRow(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, serviceID, username string) error {
	transaction := r.handle(tx)
	var row types.UserWork
	err := transaction.WithContext(ctx).
		Where("job_id = ? AND service_id = ?", jobID, serviceID).
		First(&row).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return r.CreateRow(ctx, transaction, &types.UserWork{
		JobID:     jobID,
		ServiceID: serviceID,
		Username:  username,
	})
}

func (r *userWorkRepo) GetRowsForJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.UserWork, error) {
	transaction := r.handle(tx)
	var rows []*types.UserWork
	if err := transaction.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("service_id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *userWorkRepo) IncrementReadyCount(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, serviceID string, n int) error {
	transaction := r.handle(tx)
	if n == 0 {
		n = 1
	}
	return transaction.WithContext(ctx).
		Model(&types.UserWork{}).
		Where("job_id = ? AND service_id = ?", jobID, serviceID).
		Updates(map[string]interface{}{
			"ready_count": gorm.Expr("ready_count + ?", n),
			"updated_at":  time.Now(),
		}).Error
}

// IncrementRunningAndDecrementReady moves one item from ready to
// running and stamps last_worked; the stamp is what rotates fairness
// away from recently served pairs.
func (r *userWorkRepo) IncrementRunningAndDecrementReady(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, serviceID string) error {
	transaction := r.handle(tx)
	now := time.Now()
	return transaction.WithContext(ctx).
		Model(&types.UserWork{}).
		Where("job_id = ? AND service_id = ?", jobID, serviceID).
		Updates(map[string]interface{}{
			"running_count": gorm.Expr("running_count + 1"),
			"ready_count":   gorm.Expr("ready_count - 1"),
			"last_worked":   now,
			"updated_at":    now,
		}).Error
}

func (r *userWorkRepo) IncrementReadyAndDecrementRunning(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, serviceID string) error {
	transaction := r.handle(tx)
	return transaction.WithContext(ctx).
		Model(&types.UserWork{}).
		Where("job_id = ? AND service_id = ?", jobID, serviceID).
		Updates(map[string]interface{}{
			"ready_count":   gorm.Expr("ready_count + 1"),
			"running_count": gorm.Expr("running_count - 1"),
			"updated_at":    time.Now(),
		}).Error
}

func (r *userWorkRepo) DecrementRunningCount(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, serviceID string) error {
	transaction := r.handle(tx)
	return transaction.WithContext(ctx).
		Model(&types.UserWork{}).
		Where("job_id = ? AND service_id = ?", jobID, serviceID).
		Updates(map[string]interface{}{
			"running_count": gorm.Expr("running_count - 1"),
			"updated_at":    time.Now(),
		}).Error
}

// SetReadyCountToZero clears ready counts across every service row
// for the job; invoked on pause so nothing further gets dispatched.
func (r *userWorkRepo) SetReadyCountToZero(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) error {
	transaction := r.handle(tx)
	return transaction.WithContext(ctx).
		Model(&types.UserWork{}).
		Where("job_id = ?", jobID).
		Updates(map[string]interface{}{
			"ready_count": 0,
			"updated_at":  time.Now(),
		}).Error
}

func (r *userWorkRepo) DeleteUserWorkForJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) error {
	transaction := r.handle(tx)
	return transaction.WithContext(ctx).
		Where("job_id = ?", jobID).
		Delete(&types.UserWork{}).Error
}

func (r *userWorkRepo) DeleteUserWorkForJobAndService(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, serviceID string) error {
	transaction := r.handle(tx)
	return transaction.WithContext(ctx).
		Where("job_id = ? AND service_id = ?", jobID, serviceID).
		Delete(&types.UserWork{}).Error
}

// DeleteOrphanedRows removes rows where both counters are zero.
func (r *userWorkRepo) DeleteOrphanedRows(ctx context.Context, tx *gorm.DB) (int64, error) {
	transaction := r.handle(tx)
	res := transaction.WithContext(ctx).
		Where("ready_count = 0 AND running_count = 0").
		Delete(&types.UserWork{})
	return res.RowsAffected, res.Error
}

func (r *userWorkRepo) GetQueuedAndRunningCountForService(ctx context.Context, tx *gorm.DB, serviceID string) (int, error) {
	transaction := r.handle(tx)
	var total sql.NullInt64
	err := transaction.WithContext(ctx).
		Model(&types.UserWork{}).
		Select("SUM(ready_count) + SUM(running_count)").
		Where("service_id = ?", serviceID).
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	if !total.Valid {
		return 0, nil
	}
	return int(total.Int64), nil
}

// GetNextUsername picks the user to serve next for a service: among
// users with ready work, the least running work wins and the longest
// unserved user breaks ties.
func (r *userWorkRepo) GetNextUsername(ctx context.Context, tx *gorm.DB, serviceID string) (string, error) {
	transaction := r.handle(tx)
	var usernames []string
	err := transaction.WithContext(ctx).
		Model(&types.UserWork{}).
		Select("username").
		Where("service_id = ?", serviceID).
		Group("username").
		Having("SUM(ready_count) > 0").
		Order("SUM(running_count) ASC, MAX(last_worked) ASC").
		Limit(1).
		Scan(&usernames).Error
	if err != nil {
		return "", err
	}
	if len(usernames) == 0 {
		return "", nil
	}
	return usernames[0], nil
}

// GetNextJobID picks the user's job to serve next for a service: the
// ready row worked longest ago.
func (r *userWorkRepo) GetNextJobID(ctx context.Context, tx *gorm.DB, username, serviceID string) (uuid.UUID, error) {
	transaction := r.handle(tx)
	var rows []*types.UserWork
	err := transaction.WithContext(ctx).
		Where("service_id = ? AND username = ? AND ready_count > 0", serviceID, username).
		Order("last_worked ASC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return uuid.Nil, err
	}
	if len(rows) == 0 {
		return uuid.Nil, nil
	}
	return rows[0].JobID, nil
}

// RecalculateReadyCount resets each service row's ready count to the
// actual number of ready work items for the pair. Used after
// partial-failure recovery.
func (r *userWorkRepo) RecalculateReadyCount(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) error {
	transaction := r.handle(tx)
	rows, err := r.GetRowsForJob(ctx, transaction, jobID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		var count int64
		if err := transaction.WithContext(ctx).
			Model(&types.WorkItem{}).
			Where("job_id = ? AND service_id = ? AND status = ?", jobID, row.ServiceID, types.WorkItemStatusReady).
			Count(&count).Error; err != nil {
			return err
		}
		if err := transaction.WithContext(ctx).
			Model(&types.UserWork{}).
			Where("id = ?", row.ID).
			Updates(map[string]interface{}{
				"ready_count": count,
				"updated_at":  time.Now(),
			}).Error; err != nil {
			return err
		}
	}
	return nil
}

type userWorkAggregate struct {
	JobID     uuid.UUID
	ServiceID string
	Username  string
	Ready     int
	Running   int
}

// PopulateFromWorkItems rebuilds the whole table from the work items
// table. Jobs sitting in paused or previewing are excluded so nothing
// gets dispatched for them.
func (r *userWorkRepo) PopulateFromWorkItems(ctx context.Context, tx *gorm.DB) error {
	transaction := r.handle(tx)
	if err := transaction.WithContext(ctx).
		Where("1 = 1").
		Delete(&types.UserWork{}).Error; err != nil {
		return err
	}
	var aggregates []userWorkAggregate
	err := transaction.WithContext(ctx).
		Table("work_items").
		Select(`work_items.job_id AS job_id,
			work_items.service_id AS service_id,
			jobs.username AS username,
			SUM(CASE WHEN work_items.status = ? THEN 1 ELSE 0 END) AS ready,
			SUM(CASE WHEN work_items.status = ? THEN 1 ELSE 0 END) AS running`,
			types.WorkItemStatusReady, types.WorkItemStatusRunning).
		Joins("JOIN jobs ON jobs.job_id = work_items.job_id").
		Where("work_items.status IN ?", []types.WorkItemStatus{types.WorkItemStatusReady, types.WorkItemStatusRunning}).
		Where("jobs.status NOT IN ?", []types.JobStatus{types.JobStatusPaused, types.JobStatusPreviewing}).
		Group("work_items.job_id, work_items.service_id, jobs.username").
		Scan(&aggregates).Error
	if err != nil {
		return err
	}
	now := time.Now()
	for _, agg := range aggregates {
		row := types.UserWork{
			JobID:        agg.JobID,
			ServiceID:    agg.ServiceID,
			Username:     agg.Username,
			ReadyCount:   agg.Ready,
			RunningCount: agg.Running,
			LastWorked:   now,
		}
		if err := transaction.WithContext(ctx).Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}
