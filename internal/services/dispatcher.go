package services

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atmoworks/prism-backend/internal/logger"
	"github.com/atmoworks/prism-backend/internal/repos"
	"github.com/atmoworks/prism-backend/internal/types"
)

// Dispatcher hands work items to backend services with two-phase
// fairness: pick the least-loaded user with ready work, then that
// user's least-recently-worked job.
type Dispatcher interface {
	NextWorkItem(ctx context.Context, serviceID string) (*types.WorkItem, error)
	NumInputGranules(ctx context.Context, jobID uuid.UUID) (int, error)
	GetNextUsernameForWork(ctx context.Context, serviceID string) (string, error)
	GetNextJobIDForUsernameAndService(ctx context.Context, username, serviceID string) (uuid.UUID, error)
	GetQueuedAndRunningCountForService(ctx context.Context, serviceID string) (int, error)
}

type dispatcher struct {
	db       *gorm.DB
	log      *logger.Logger
	jobs     repos.JobRepo
	userWork repos.UserWorkRepo
	items    repos.WorkItemRepo
}

func NewDispatcher(db *gorm.DB, baseLog *logger.Logger, jobs repos.JobRepo, userWork repos.UserWorkRepo, items repos.WorkItemRepo) Dispatcher {
	return &dispatcher{
		db:       db,
		log:      baseLog.With("service", "Dispatcher"),
		jobs:     jobs,
		userWork: userWork,
		items:    items,
	}
}

// NextWorkItem claims the next item for serviceID, or returns nil when
// no user has ready work. The claim and the counter swap happen in one
// transaction so fairness state never drifts from item state.
func (d *dispatcher) NextWorkItem(ctx context.Context, serviceID string) (*types.WorkItem, error) {
	var claimed *types.WorkItem
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		username, err := d.userWork.GetNextUsername(ctx, tx, serviceID)
		if err != nil {
			return err
		}
		if username == "" {
			return nil
		}
		jobID, err := d.userWork.GetNextJobID(ctx, tx, username, serviceID)
		if err != nil {
			return err
		}
		if jobID == uuid.Nil {
			return nil
		}
		item, err := d.items.ClaimNextReady(ctx, tx, jobID, serviceID)
		if err != nil {
			return err
		}
		if item == nil {
			// Counter says ready but no row was claimable; reconcile
			// so the pair stops winning selection.
			return d.userWork.RecalculateReadyCount(ctx, tx, jobID)
		}
		if err := d.userWork.IncrementRunningAndDecrementReady(ctx, tx, jobID, serviceID); err != nil {
			return err
		}
		claimed = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// NumInputGranules exposes the job's input size to workers so they
// can size their batches.
func (d *dispatcher) NumInputGranules(ctx context.Context, jobID uuid.UUID) (int, error) {
	return d.jobs.GetNumInputGranules(ctx, nil, jobID)
}

func (d *dispatcher) GetNextUsernameForWork(ctx context.Context, serviceID string) (string, error) {
	return d.userWork.GetNextUsername(ctx, nil, serviceID)
}

func (d *dispatcher) GetNextJobIDForUsernameAndService(ctx context.Context, username, serviceID string) (uuid.UUID, error) {
	return d.userWork.GetNextJobID(ctx, nil, username, serviceID)
}

func (d *dispatcher) GetQueuedAndRunningCountForService(ctx context.Context, serviceID string) (int, error) {
	return d.userWork.GetQueuedAndRunningCountForService(ctx, nil, serviceID)
}
