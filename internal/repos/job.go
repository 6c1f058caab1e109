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

// JobQueryOptions control what GetByJobID loads alongside the row.
// Lock acquires a row-level exclusive lock inside the caller's
// transaction; mutators that read-then-write must set it.
type JobQueryOptions struct {
	IncludeLinks  bool
	IncludeLabels bool
	Lock          bool
}

type JobRepo interface {
	Create(ctx context.Context, tx *gorm.DB, job *types.Job) error
	GetByJobID(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, opts JobQueryOptions) (*types.Job, error)
	GetByUsernameAndJobID(ctx context.Context, tx *gorm.DB, username string, jobID uuid.UUID, opts JobQueryOptions) (*types.Job, error)
	ForUser(ctx context.Context, tx *gorm.DB, username string, page, perPage int) ([]*types.Job, Pagination, error)
	QueryAll(ctx context.Context, tx *gorm.DB, constraints *JobConstraints, page, perPage int, includeLabels bool) ([]*types.Job, Pagination, error)
	Save(ctx context.Context, tx *gorm.DB, job *types.Job) error
	GetNumInputGranules(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (int, error)
	HasLinks(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, rel string, requireSpatioTemporal bool) (bool, error)
	AddError(ctx context.Context, tx *gorm.DB, jobErr *types.JobError) error
	GetErrors(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.JobError, error)
	DistinctProviderIDs(ctx context.Context, tx *gorm.DB) ([]string, error)
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

func (r *jobRepo) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *jobRepo) Create(ctx context.Context, tx *gorm.DB, job *types.Job) error {
	transaction := r.handle(tx)
	if err := job.PrepareForSave(); err != nil {
		return err
	}
	if err := transaction.WithContext(ctx).Omit("Links", "Errors").Create(job).Error; err != nil {
		return err
	}
	if err := r.insertNewLinks(ctx, transaction, job); err != nil {
		return err
	}
	if err := r.reconcileLabels(ctx, transaction, job); err != nil {
		return err
	}
	job.MarkStored()
	return nil
}

func (r *jobRepo) GetByJobID(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, opts JobQueryOptions) (*types.Job, error) {
	transaction := r.handle(tx)
	q := transaction.WithContext(ctx).Where("job_id = ?", jobID)
	if opts.Lock {
		q = rowLock(q)
	}
	var job types.Job
	err := q.First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadAssociations(ctx, transaction, &job, opts); err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) GetByUsernameAndJobID(ctx context.Context, tx *gorm.DB, username string, jobID uuid.UUID, opts JobQueryOptions) (*types.Job, error) {
	transaction := r.handle(tx)
	q := transaction.WithContext(ctx).Where("job_id = ? AND username = ?", jobID, username)
	if opts.Lock {
		q = rowLock(q)
	}
	var job types.Job
	err := q.First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadAssociations(ctx, transaction, &job, opts); err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) loadAssociations(ctx context.Context, tx *gorm.DB, job *types.Job, opts JobQueryOptions) error {
	if opts.IncludeLinks {
		if err := tx.WithContext(ctx).
			Where("job_id = ?", job.JobID).
			Order("id ASC").
			Find(&job.Links).Error; err != nil {
			return err
		}
	}
	if opts.IncludeLabels {
		labels, err := r.labelsForJob(ctx, tx, job.JobID)
		if err != nil {
			return err
		}
		job.Labels = labels
	}
	return nil
}

func (r *jobRepo) ForUser(ctx context.Context, tx *gorm.DB, username string, page, perPage int) ([]*types.Job, Pagination, error) {
	constraints := &JobConstraints{Exact: map[string]interface{}{"username": username}}
	return r.QueryAll(ctx, tx, constraints, page, perPage, false)
}

func (r *jobRepo) QueryAll(ctx context.Context, tx *gorm.DB, constraints *JobConstraints, page, perPage int, includeLabels bool) ([]*types.Job, Pagination, error) {
	transaction := r.handle(tx)
	base := transaction.WithContext(ctx).Model(&types.Job{})
	q, err := constraints.apply(base)
	if err != nil {
		return nil, Pagination{}, err
	}
	q, meta, err := paginate(q, page, perPage)
	if err != nil {
		return nil, Pagination{}, err
	}
	var jobs []*types.Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, Pagination{}, err
	}
	if includeLabels {
		for _, job := range jobs {
			labels, err := r.labelsForJob(ctx, transaction, job.JobID)
			if err != nil {
				return nil, Pagination{}, err
			}
			job.Labels = labels
		}
	}
	return jobs, meta, nil
}

// Save writes the job's record fields, inserts links that have no id
// yet and reconciles the label set. Existing links are never updated.
func (r *jobRepo) Save(ctx context.Context, tx *gorm.DB, job *types.Job) error {
	transaction := r.handle(tx)
	if err := job.PrepareForSave(); err != nil {
		return err
	}
	now := time.Now()
	updates := map[string]interface{}{
		"request_id":         job.RequestID,
		"status":             job.Status,
		"message":            job.Message,
		"progress":           job.Progress,
		"batches_completed":  job.BatchesCompleted,
		"request":            job.Request,
		"is_async":           job.IsAsync,
		"ignore_errors":      job.IgnoreErrors,
		"num_input_granules": job.NumInputGranules,
		"collection_ids":     job.CollectionIDs,
		"provider_id":        job.ProviderID,
		"destination_url":    job.DestinationURL,
		"service_name":       job.ServiceName,
		"updated_at":         now,
	}
	if err := transaction.WithContext(ctx).
		Model(&types.Job{}).
		Where("job_id = ?", job.JobID).
		Updates(updates).Error; err != nil {
		return err
	}
	job.UpdatedAt = now
	if err := r.insertNewLinks(ctx, transaction, job); err != nil {
		return err
	}
	if err := r.reconcileLabels(ctx, transaction, job); err != nil {
		return err
	}
	job.MarkStored()
	return nil
}

func (r *jobRepo) insertNewLinks(ctx context.Context, tx *gorm.DB, job *types.Job) error {
	for i := range job.Links {
		link := &job.Links[i]
		if link.ID != 0 {
			continue
		}
		link.JobID = job.JobID
		if err := tx.WithContext(ctx).Create(link).Error; err != nil {
			return err
		}
	}
	return nil
}

// reconcileLabels deduplicates the in-memory label set, inserts any
// label values missing from the labels table, and rewrites the join
// rows for the job.
func (r *jobRepo) reconcileLabels(ctx context.Context, tx *gorm.DB, job *types.Job) error {
	if job.Labels == nil {
		return nil
	}
	seen := map[string]bool{}
	var values []string
	for _, v := range job.Labels {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		values = append(values, v)
	}
	job.Labels = values

	var labelIDs []uint
	for _, v := range values {
		var label types.Label
		err := tx.WithContext(ctx).Where("value = ?", v).First(&label).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			label = types.Label{Value: v}
			if err := tx.WithContext(ctx).Create(&label).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		labelIDs = append(labelIDs, label.ID)
	}

	if err := tx.WithContext(ctx).
		Where("job_id = ?", job.JobID).
		Delete(&types.JobsLabel{}).Error; err != nil {
		return err
	}
	for _, id := range labelIDs {
		join := types.JobsLabel{JobID: job.JobID, LabelID: id}
		if err := tx.WithContext(ctx).Create(&join).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *jobRepo) labelsForJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]string, error) {
	var values []string
	err := tx.WithContext(ctx).
		Table("labels").
		Select("labels.value").
		Joins("JOIN jobs_labels ON jobs_labels.label_id = labels.id").
		Where("jobs_labels.job_id = ?", jobID).
		Order("labels.value ASC").
		Scan(&values).Error
	if err != nil {
		return nil, err
	}
	return values, nil
}

// GetNumInputGranules requires the job to exist; callers must check
// existence first or handle the not-found error.
func (r *jobRepo) GetNumInputGranules(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (int, error) {
	transaction := r.handle(tx)
	var job types.Job
	if err := transaction.WithContext(ctx).
		Select("num_input_granules").
		Where("job_id = ?", jobID).
		First(&job).Error; err != nil {
		return 0, err
	}
	return job.NumInputGranules, nil
}

func (r *jobRepo) HasLinks(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, rel string, requireSpatioTemporal bool) (bool, error) {
	transaction := r.handle(tx)
	q := transaction.WithContext(ctx).Model(&types.JobLink{}).Where("job_id = ?", jobID)
	if rel != "" {
		q = q.Where("rel = ?", rel)
	}
	if requireSpatioTemporal {
		q = q.Where("(bbox IS NOT NULL AND bbox != '') OR temporal_start IS NOT NULL OR temporal_end IS NOT NULL")
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *jobRepo) AddError(ctx context.Context, tx *gorm.DB, jobErr *types.JobError) error {
	transaction := r.handle(tx)
	return transaction.WithContext(ctx).Create(jobErr).Error
}

func (r *jobRepo) GetErrors(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.JobError, error) {
	transaction := r.handle(tx)
	var out []*types.JobError
	if err := transaction.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) DistinctProviderIDs(ctx context.Context, tx *gorm.DB) ([]string, error) {
	transaction := r.handle(tx)
	var ids []string
	err := transaction.WithContext(ctx).
		Model(&types.Job{}).
		Distinct("provider_id").
		Where("provider_id != ''").
		Order("provider_id ASC").
		Pluck("provider_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
