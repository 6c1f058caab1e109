package reaper

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/atmoworks/prism-backend/internal/logger"
	"github.com/atmoworks/prism-backend/internal/repos"
	"github.com/atmoworks/prism-backend/internal/utils"
)

// Reaper periodically deletes workflow state that belongs to jobs
// which have been terminal for longer than the configured age. Job
// records themselves are retained; only steps, work items and orphaned
// fairness rows are removed.
type Reaper struct {
	db       *gorm.DB
	log      *logger.Logger
	steps    repos.WorkflowStepRepo
	items    repos.WorkItemRepo
	userWork repos.UserWorkRepo

	period    time.Duration
	minAge    time.Duration
	batchSize int

	mu        sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(db *gorm.DB, baseLog *logger.Logger, steps repos.WorkflowStepRepo, items repos.WorkItemRepo, userWork repos.UserWorkRepo) *Reaper {
	log := baseLog.With("component", "Reaper")
	periodSec := utils.GetEnvAsInt("WORK_REAPER_PERIOD_SEC", 360, log)
	ageMinutes := utils.GetEnvAsInt("REAPABLE_WORK_AGE_MINUTES", 2880, log)
	batchSize := utils.GetEnvAsInt("WORK_REAPER_BATCH_SIZE", 2000, log)
	return &Reaper{
		db:        db,
		log:       log,
		steps:     steps,
		items:     items,
		userWork:  userWork,
		period:    time.Duration(periodSec) * time.Second,
		minAge:    time.Duration(ageMinutes) * time.Minute,
		batchSize: batchSize,
	}
}

// Start launches the reap loop. Calling Start on a running reaper is
// a no-op.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isRunning {
		return
	}
	r.isRunning = true
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(loopCtx)
	r.log.Info("work reaper started", "period", r.period.String(), "min_age", r.minAge.String())
}

// Stop cancels the loop and waits for the in-flight pass to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return
	}
	r.isRunning = false
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	cancel()
	<-done
	r.log.Info("work reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ReapOnce(ctx); err != nil {
				// Failed passes are retried on the next tick.
				r.log.Error("work reap pass failed", "error", err)
			}
		}
	}
}

// ReapOnce runs a single reap pass: work items first, then workflow
// steps, then fairness rows left with zeroed counters.
func (r *Reaper) ReapOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-r.minAge)

	itemIDs, err := r.items.IDsForReapableJobs(ctx, r.db, cutoff)
	if err != nil {
		return err
	}
	itemsDeleted, err := r.deleteInBatches(ctx, itemIDs, func(batch []uint) (int64, error) {
		return r.items.DeleteByIDs(ctx, r.db, batch)
	})
	if err != nil {
		return err
	}

	stepIDs, err := r.steps.IDsForReapableJobs(ctx, r.db, cutoff)
	if err != nil {
		return err
	}
	stepsDeleted, err := r.deleteInBatches(ctx, stepIDs, func(batch []uint) (int64, error) {
		return r.steps.DeleteByIDs(ctx, r.db, batch)
	})
	if err != nil {
		return err
	}

	orphansDeleted, err := r.userWork.DeleteOrphanedRows(ctx, r.db)
	if err != nil {
		return err
	}

	if itemsDeleted > 0 || stepsDeleted > 0 || orphansDeleted > 0 {
		r.log.Info("reaped terminal job work",
			"work_items", itemsDeleted,
			"workflow_steps", stepsDeleted,
			"user_work_rows", orphansDeleted,
			"older_than", cutoff.Format(time.RFC3339))
	}
	return nil
}

func (r *Reaper) deleteInBatches(ctx context.Context, ids []uint, del func(batch []uint) (int64, error)) (int64, error) {
	var total int64
	for start := 0; start < len(ids); start += r.batchSize {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		end := start + r.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		n, err := del(ids[start:end])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
