package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atmoworks/prism-backend/internal/apierr"
	"github.com/atmoworks/prism-backend/internal/logger"
	"github.com/atmoworks/prism-backend/internal/repos"
	"github.com/atmoworks/prism-backend/internal/types"
	"github.com/atmoworks/prism-backend/internal/utils"
)

// ChainStep describes one service in a job's transformation chain.
type ChainStep struct {
	ServiceID      string
	ProgressWeight float64
}

// CreateJobInput is everything needed to accept a new request.
type CreateJobInput struct {
	Username         string
	Request          string
	NumInputGranules int
	CollectionIDs    []string
	Labels           []string
	IsAsync          bool
	IgnoreErrors     bool
	DestinationURL   string
	ServiceName      string
	ProviderID       string
	Chain            []ChainStep
	WithPreview      bool
}

type JobService interface {
	Create(ctx context.Context, input CreateJobInput) (*types.Job, error)
	GetByJobID(ctx context.Context, username string, isAdmin bool, jobID uuid.UUID) (*types.Job, error)
	ListForUser(ctx context.Context, username string, page, perPage int) ([]*types.Job, repos.Pagination, error)
	List(ctx context.Context, constraints *repos.JobConstraints, page, perPage int) ([]*types.Job, repos.Pagination, error)
	Pause(ctx context.Context, username string, isAdmin bool, jobID uuid.UUID) (*types.Job, error)
	PauseAndSave(ctx context.Context, tx *gorm.DB, job *types.Job) error
	Resume(ctx context.Context, username string, isAdmin bool, jobID uuid.UUID) (*types.Job, error)
	SkipPreview(ctx context.Context, username string, isAdmin bool, jobID uuid.UUID) (*types.Job, error)
	Cancel(ctx context.Context, username string, isAdmin bool, jobID uuid.UUID, message string) (*types.Job, error)
	Fail(ctx context.Context, jobID uuid.UUID, message string) (*types.Job, error)
	UpdateProgress(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (int, error)
	CompleteWorkItem(ctx context.Context, itemID uint, succeeded bool, message string, results []types.JobLink) error
	HasStacResults(ctx context.Context, username string, isAdmin bool, jobID uuid.UUID) (bool, error)
	ProviderJobIDs(ctx context.Context, providerID string) ([]uuid.UUID, error)
}

type jobService struct {
	db            *gorm.DB
	log           *logger.Logger
	jobs          repos.JobRepo
	userWork      repos.UserWorkRepo
	steps         repos.WorkflowStepRepo
	items         repos.WorkItemRepo
	retryLimit    int
	stagingBucket string
}

func NewJobService(db *gorm.DB, baseLog *logger.Logger, jobs repos.JobRepo, userWork repos.UserWorkRepo, steps repos.WorkflowStepRepo, items repos.WorkItemRepo) JobService {
	log := baseLog.With("service", "JobService")
	return &jobService{
		db:            db,
		log:           log,
		jobs:          jobs,
		userWork:      userWork,
		steps:         steps,
		items:         items,
		retryLimit:    utils.GetEnvAsInt("WORK_ITEM_RETRY_LIMIT", 3, log),
		stagingBucket: utils.GetEnv("STAGING_BUCKET", "", log),
	}
}

// Create accepts a request: persists the job, its workflow steps, the
// first step's work items and the fairness counters, then starts it.
func (s *jobService) Create(ctx context.Context, input CreateJobInput) (*types.Job, error) {
	job := types.NewJob(input.Username, input.Request, input.NumInputGranules, input.CollectionIDs)
	job.Labels = input.Labels
	job.IsAsync = input.IsAsync
	job.IgnoreErrors = input.IgnoreErrors
	job.DestinationURL = input.DestinationURL
	job.ServiceName = input.ServiceName
	job.ProviderID = input.ProviderID

	if problems := job.Validate(); len(problems) > 0 {
		return nil, apierr.Validation(problems)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.jobs.Create(ctx, tx, job); err != nil {
			return err
		}
		if len(input.Chain) == 0 {
			return nil
		}
		steps := make([]*types.WorkflowStep, 0, len(input.Chain))
		for i, chainStep := range input.Chain {
			weight := chainStep.ProgressWeight
			if weight <= 0 {
				weight = 1
			}
			count := 0
			if i == 0 {
				count = input.NumInputGranules
			}
			steps = append(steps, &types.WorkflowStep{
				JobID:          job.JobID,
				ServiceID:      chainStep.ServiceID,
				StepIndex:      i + 1,
				WorkItemCount:  count,
				ProgressWeight: weight,
			})
		}
		if err := s.steps.CreateAll(ctx, tx, steps); err != nil {
			return err
		}

		first := input.Chain[0]
		items := make([]*types.WorkItem, 0, input.NumInputGranules)
		for i := 0; i < input.NumInputGranules; i++ {
			items = append(items, &types.WorkItem{
				JobID:     job.JobID,
				ServiceID: first.ServiceID,
				StepIndex: 1,
				Status:    types.WorkItemStatusReady,
			})
		}
		if err := s.items.CreateAll(ctx, tx, items); err != nil {
			return err
		}
		if err := s.userWork.EnsureRow(ctx, tx, job.JobID, first.ServiceID, job.Username); err != nil {
			return err
		}
		if len(items) > 0 {
			if err := s.userWork.IncrementReadyCount(ctx, tx, job.JobID, first.ServiceID, len(items)); err != nil {
				return err
			}
		}
		if err := job.Start(input.WithPreview); err != nil {
			return err
		}
		return s.jobs.Save(ctx, tx, job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *jobService) GetByJobID(ctx context.Context, username string, isAdmin bool, jobID uuid.UUID) (*types.Job, error) {
	job, err := s.jobs.GetByJobID(ctx, nil, jobID, repos.JobQueryOptions{IncludeLinks: true, IncludeLabels: true})
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apierr.NotFound("job")
	}
	if !job.BelongsToOrIsAdmin(username, isAdmin) && !job.IsShareable(username) {
		return nil, apierr.NotFound("job")
	}
	return job, nil
}

func (s *jobService) ListForUser(ctx context.Context, username string, page, perPage int) ([]*types.Job, repos.Pagination, error) {
	return s.jobs.ForUser(ctx, nil, username, page, perPage)
}

func (s *jobService) List(ctx context.Context, constraints *repos.JobConstraints, page, perPage int) ([]*types.Job, repos.Pagination, error) {
	return s.jobs.QueryAll(ctx, nil, constraints, page, perPage, true)
}

// mutate runs apply against a row-locked job and saves it in one
// transaction; conflicting mutators on the same job serialize on the
// row lock.
func (s *jobService) mutate(ctx context.Context, username string, isAdmin bool, jobID uuid.UUID, apply func(tx *gorm.DB, job *types.Job) error) (*types.Job, error) {
	var out *types.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := s.jobs.GetByJobID(ctx, tx, jobID, repos.JobQueryOptions{Lock: true})
		if err != nil {
			return err
		}
		if job == nil {
			return apierr.NotFound("job")
		}
		if username != "" && !job.BelongsToOrIsAdmin(username, isAdmin) {
			return apierr.NotFound("job")
		}
		if err := apply(tx, job); err != nil {
			return err
		}
		if err := s.jobs.Save(ctx, tx, job); err != nil {
			return err
		}
		out = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *jobService) Pause(ctx context.Context, username string, isAdmin bool, jobID uuid.UUID) (*types.Job, error) {
	return s.mutate(ctx, username, isAdmin, jobID, func(tx *gorm.DB, job *types.Job) error {
		if err := job.Pause(); err != nil {
			return err
		}
		return s.userWork.SetReadyCountToZero(ctx, tx, job.JobID)
	})
}

// PauseAndSave pauses an already-loaded job inside the caller's
// transaction.
func (s *jobService) PauseAndSave(ctx context.Context, tx *gorm.DB, job *types.Job) error {
	if err := job.Pause(); err != nil {
		return err
	}
	if err := s.userWork.SetReadyCountToZero(ctx, tx, job.JobID); err != nil {
		return err
	}
	return s.jobs.Save(ctx, tx, job)
}

func (s *jobService) Resume(ctx context.Context, username string, isAdmin bool, jobID uuid.UUID) (*types.Job, error) {
	return s.mutate(ctx, username, isAdmin, jobID, func(tx *gorm.DB, job *types.Job) error {
		if err := job.Resume(); err != nil {
			return err
		}
		return s.userWork.RecalculateReadyCount(ctx, tx, job.JobID)
	})
}

func (s *jobService) SkipPreview(ctx context.Context, username string, isAdmin bool, jobID uuid.UUID) (*types.Job, error) {
	return s.mutate(ctx, username, isAdmin, jobID, func(tx *gorm.DB, job *types.Job) error {
		if err := job.SkipPreview(); err != nil {
			return err
		}
		return s.userWork.RecalculateReadyCount(ctx, tx, job.JobID)
	})
}

func (s *jobService) Cancel(ctx context.Context, username string, isAdmin bool, jobID uuid.UUID, message string) (*types.Job, error) {
	return s.mutate(ctx, username, isAdmin, jobID, func(tx *gorm.DB, job *types.Job) error {
		if err := job.Cancel(message); err != nil {
			return err
		}
		return s.userWork.DeleteUserWorkForJob(ctx, tx, job.JobID)
	})
}

// Fail is invoked by internal machinery, not end users, so it takes
// no requester.
func (s *jobService) Fail(ctx context.Context, jobID uuid.UUID, message string) (*types.Job, error) {
	return s.mutate(ctx, "", false, jobID, func(tx *gorm.DB, job *types.Job) error {
		if err := job.Fail(message); err != nil {
			return err
		}
		return s.userWork.DeleteUserWorkForJob(ctx, tx, job.JobID)
	})
}

// UpdateProgress recomputes step percentages in chain order and rolls
// them up into the job progress, returning the rollup value. The
// rollup is capped at 99 and the SQL guard keeps progress monotone
// under racing updates; only terminal success ever writes 100.
func (s *jobService) UpdateProgress(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (int, error) {
	transaction := tx
	if transaction == nil {
		transaction = s.db
	}
	steps, err := s.steps.GetStepsForJob(ctx, transaction, jobID)
	if err != nil {
		return 0, err
	}
	if len(steps) == 0 {
		return 0, nil
	}
	var prev *types.WorkflowStep
	var weighted, total float64
	for _, step := range steps {
		step.UpdateProgress(prev)
		if err := s.steps.SaveProgress(ctx, transaction, step); err != nil {
			return 0, err
		}
		weighted += step.ProgressWeight * step.Progress
		total += step.ProgressWeight
		prev = step
	}
	if total < 1 {
		total = 1
	}
	candidate := int(math.Floor(weighted / total))
	if candidate < 0 {
		candidate = 0
	}
	if candidate > 99 {
		candidate = 99
	}
	err = transaction.WithContext(ctx).
		Model(&types.Job{}).
		Where("job_id = ? AND progress < ?", jobID, candidate).
		Where("status NOT IN ?", []types.JobStatus{
			types.JobStatusSuccessful,
			types.JobStatusFailed,
			types.JobStatusCanceled,
			types.JobStatusCompleteWithErrors,
		}).
		Updates(map[string]interface{}{
			"progress":   candidate,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return 0, err
	}
	return candidate, nil
}

// CompleteWorkItem records the outcome of one work item and advances
// the job: counters, next-step fan-out, result links, error
// bookkeeping, progress rollup and the final status transition. A
// failed item is requeued until its retry budget runs out. Completion
// is idempotent so at-least-once delivery from workers is safe.
func (s *jobService) CompleteWorkItem(ctx context.Context, itemID uint, succeeded bool, message string, results []types.JobLink) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := s.items.GetByID(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if item == nil {
			return apierr.NotFound("work item")
		}
		if item.Status != types.WorkItemStatusRunning {
			// Duplicate completion report; the first one already won.
			return nil
		}
		job, err := s.jobs.GetByJobID(ctx, tx, item.JobID, repos.JobQueryOptions{Lock: true})
		if err != nil {
			return err
		}
		if job == nil {
			return apierr.NotFound("job")
		}
		if job.HasTerminalStatus() {
			// Job finalized while the item was in flight; just settle
			// the item row.
			return s.items.UpdateStatus(ctx, tx, item.ID, types.WorkItemStatusCanceled)
		}

		if !succeeded && item.RetryCount < s.retryLimit {
			s.log.Warn("requeueing failed work item",
				"work_item_id", item.ID, "retry_count", item.RetryCount+1, "message", message)
			if err := s.items.Requeue(ctx, tx, item.ID); err != nil {
				return err
			}
			return s.userWork.IncrementReadyAndDecrementRunning(ctx, tx, job.JobID, item.ServiceID)
		}

		status := types.WorkItemStatusSuccessful
		if !succeeded {
			status = types.WorkItemStatusFailed
		}
		if err := s.items.UpdateStatus(ctx, tx, item.ID, status); err != nil {
			return err
		}
		if err := s.userWork.DecrementRunningCount(ctx, tx, job.JobID, item.ServiceID); err != nil {
			return err
		}

		if succeeded {
			for _, link := range results {
				job.AddLink(link)
			}
			if len(results) > 0 {
				job.CompleteBatch()
			}
			if err := s.steps.IncrementCompletedCount(ctx, tx, job.JobID, item.ServiceID); err != nil {
				return err
			}
			if err := s.fanOutToNextStep(ctx, tx, job, item); err != nil {
				return err
			}
			if err := s.cleanUpDrainedPair(ctx, tx, job, item); err != nil {
				return err
			}
		} else {
			if err := s.jobs.AddError(ctx, tx, &types.JobError{
				JobID:   job.JobID,
				Message: message,
			}); err != nil {
				return err
			}
			if !job.IgnoreErrors {
				if err := job.Fail(message); err != nil {
					return err
				}
				if err := s.userWork.DeleteUserWorkForJob(ctx, tx, job.JobID); err != nil {
					return err
				}
				return s.jobs.Save(ctx, tx, job)
			}
			job.MarkRunningWithErrors()
		}

		rollup, err := s.UpdateProgress(ctx, tx, job.JobID)
		if err != nil {
			return err
		}
		if rollup > job.Progress {
			job.Progress = rollup
		}
		if err := s.finishIfDone(ctx, tx, job); err != nil {
			return err
		}
		return s.jobs.Save(ctx, tx, job)
	})
}

// cleanUpDrainedPair drops the fairness row for a (job, service) pair
// once the pair has nothing left to do, so dispatch queries stop
// scanning it.
func (s *jobService) cleanUpDrainedPair(ctx context.Context, tx *gorm.DB, job *types.Job, item *types.WorkItem) error {
	remaining, err := s.items.CountByJobServiceAndStatus(ctx, tx, job.JobID, item.ServiceID, []types.WorkItemStatus{
		types.WorkItemStatusReady,
		types.WorkItemStatusRunning,
	})
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	return s.userWork.DeleteUserWorkForJobAndService(ctx, tx, job.JobID, item.ServiceID)
}

// HasStacResults reports whether the job produced spatio-temporal
// output links, i.e. whether a STAC catalog can be built for it.
func (s *jobService) HasStacResults(ctx context.Context, username string, isAdmin bool, jobID uuid.UUID) (bool, error) {
	job, err := s.jobs.GetByJobID(ctx, nil, jobID, repos.JobQueryOptions{})
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, apierr.NotFound("job")
	}
	if !job.BelongsToOrIsAdmin(username, isAdmin) && !job.IsShareable(username) {
		return false, apierr.NotFound("job")
	}
	return s.jobs.HasLinks(ctx, nil, jobID, "data", true)
}

// fanOutToNextStep materializes the downstream work item produced by
// a successful completion, keeping step and fairness counters in
// sync.
func (s *jobService) fanOutToNextStep(ctx context.Context, tx *gorm.DB, job *types.Job, item *types.WorkItem) error {
	steps, err := s.steps.GetStepsForJob(ctx, tx, job.JobID)
	if err != nil {
		return err
	}
	var next *types.WorkflowStep
	for _, step := range steps {
		if step.StepIndex == item.StepIndex+1 {
			next = step
			break
		}
	}
	if next == nil {
		return nil
	}
	if err := s.items.CreateAll(ctx, tx, []*types.WorkItem{{
		JobID:     job.JobID,
		ServiceID: next.ServiceID,
		StepIndex: next.StepIndex,
		Status:    types.WorkItemStatusReady,
	}}); err != nil {
		return err
	}
	if err := s.steps.IncrementWorkItemCount(ctx, tx, job.JobID, next.ServiceID, 1); err != nil {
		return err
	}
	if err := s.userWork.EnsureRow(ctx, tx, job.JobID, next.ServiceID, job.Username); err != nil {
		return err
	}
	return s.userWork.IncrementReadyCount(ctx, tx, job.JobID, next.ServiceID, 1)
}

// finishIfDone transitions the job once no ready or running work
// remains. A previewing job auto-pauses after its first result so the
// user can inspect it. A degraded run completes with errors; a clean
// one succeeds.
func (s *jobService) finishIfDone(ctx context.Context, tx *gorm.DB, job *types.Job) error {
	if job.HasTerminalStatus() || job.IsPaused() {
		return nil
	}
	remaining, err := s.items.CountByJobAndStatus(ctx, tx, job.JobID, []types.WorkItemStatus{
		types.WorkItemStatusReady,
		types.WorkItemStatusRunning,
	})
	if err != nil {
		return err
	}
	if job.Status == types.JobStatusPreviewing {
		if remaining > 0 {
			// The preview result is in; hold the rest until the user
			// resumes or skips ahead.
			if err := job.Pause(); err != nil {
				return err
			}
			return s.userWork.SetReadyCountToZero(ctx, tx, job.JobID)
		}
		// Nothing left beyond the preview; run it to completion.
		if err := job.SkipPreview(); err != nil {
			return err
		}
	}
	if remaining > 0 {
		return nil
	}
	if s.stagingBucket != "" {
		job.AddStagingBucketLink(fmt.Sprintf("s3://%s/public/%s/%s/", s.stagingBucket, job.Username, job.JobID))
	}
	if job.Status == types.JobStatusRunningWithErrors {
		return job.CompleteWithErrors("")
	}
	return job.Succeed("")
}

// ProviderJobIDs lists job ids for a provider from the listing query.
// The paging loop stops after the first page regardless of maxPages;
// kept as-is until the pagination design is revisited.
func (s *jobService) ProviderJobIDs(ctx context.Context, providerID string) ([]uuid.UUID, error) {
	constraints := &repos.JobConstraints{
		Exact: map[string]interface{}{"provider_id": providerID},
	}
	const maxPages = 10
	var ids []uuid.UUID
	page := 1
	done := false
	for !done {
		jobs, _, err := s.jobs.QueryAll(ctx, nil, constraints, page, 100, false)
		if err != nil {
			return nil, err
		}
		for _, job := range jobs {
			ids = append(ids, job.JobID)
		}
		page++
		done = page < maxPages || true
	}
	return ids, nil
}
