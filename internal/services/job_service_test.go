package services

import (
	"context"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/atmoworks/prism-backend/internal/apierr"
	"github.com/atmoworks/prism-backend/internal/types"
)

func createTestJob(t *testing.T, env *testEnv, username string, granules int, ignoreErrors bool, chain ...ChainStep) *types.Job {
	t.Helper()
	if len(chain) == 0 {
		chain = []ChainStep{{ServiceID: "svc", ProgressWeight: 1}}
	}
	job, err := env.jobService.Create(context.Background(), CreateJobInput{
		Username:         username,
		Request:          "https://example.com/req",
		NumInputGranules: granules,
		IgnoreErrors:     ignoreErrors,
		Chain:            chain,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestCreateSeedsWorkflow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := createTestJob(t, env, "alice", 2, false,
		ChainStep{ServiceID: "svc-a", ProgressWeight: 1},
		ChainStep{ServiceID: "svc-b", ProgressWeight: 3},
	)

	if job.Status != types.JobStatusRunning {
		t.Errorf("status = %s, want running", job.Status)
	}
	steps, err := env.steps.GetStepsForJob(ctx, nil, job.JobID)
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("steps = %d", len(steps))
	}
	if steps[0].WorkItemCount != 2 || steps[1].WorkItemCount != 0 {
		t.Errorf("item counts = %d, %d", steps[0].WorkItemCount, steps[1].WorkItemCount)
	}
	ready, err := env.items.CountByJobServiceAndStatus(ctx, nil, job.JobID, "svc-a", []types.WorkItemStatus{types.WorkItemStatusReady})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if ready != 2 {
		t.Errorf("ready items = %d", ready)
	}
	rows, err := env.userWork.GetRowsForJob(ctx, nil, job.JobID)
	if err != nil {
		t.Fatalf("user work: %v", err)
	}
	if len(rows) != 1 || rows[0].ReadyCount != 2 || rows[0].Username != "alice" {
		t.Errorf("user work rows = %+v", rows)
	}
}

func TestCreateRejectsBadRequestURL(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.jobService.Create(context.Background(), CreateJobInput{
		Username: "alice",
		Request:  "not a url",
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if apierr.StatusOf(err) != 400 {
		t.Errorf("status = %d, want 400", apierr.StatusOf(err))
	}
}

func TestDispatchAndCompleteChain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := createTestJob(t, env, "alice", 1, false,
		ChainStep{ServiceID: "svc-a", ProgressWeight: 1},
		ChainStep{ServiceID: "svc-b", ProgressWeight: 1},
	)

	item, err := env.dispatcher.NextWorkItem(ctx, "svc-a")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if item == nil || item.JobID != job.JobID {
		t.Fatalf("item = %+v", item)
	}
	if err := env.jobService.CompleteWorkItem(ctx, item.ID, true, "", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Success fans out one item to the next service in the chain.
	next, err := env.dispatcher.NextWorkItem(ctx, "svc-b")
	if err != nil {
		t.Fatalf("dispatch next: %v", err)
	}
	if next == nil || next.StepIndex != 2 {
		t.Fatalf("next item = %+v", next)
	}

	mid, err := env.jobs.GetByJobID(ctx, nil, job.JobID, jobQueryOptionsNone())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if mid.HasTerminalStatus() {
		t.Fatalf("job finished early: %s", mid.Status)
	}
	if mid.Progress < 50 || mid.Progress > 99 {
		t.Errorf("mid-chain progress = %d", mid.Progress)
	}

	if err := env.jobService.CompleteWorkItem(ctx, next.ID, true, "", nil); err != nil {
		t.Fatalf("complete final: %v", err)
	}
	done, err := env.jobs.GetByJobID(ctx, nil, job.JobID, jobQueryOptionsNone())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if done.Status != types.JobStatusSuccessful {
		t.Errorf("status = %s, want successful", done.Status)
	}
	if done.Progress != 100 {
		t.Errorf("progress = %d, want 100", done.Progress)
	}
}

func TestCompleteWorkItemFailureFailsJob(t *testing.T) {
	t.Setenv("WORK_ITEM_RETRY_LIMIT", "0")
	env := newTestEnv(t)
	ctx := context.Background()
	job := createTestJob(t, env, "alice", 1, false)

	item, err := env.dispatcher.NextWorkItem(ctx, "svc")
	if err != nil || item == nil {
		t.Fatalf("dispatch: item=%v err=%v", item, err)
	}
	if err := env.jobService.CompleteWorkItem(ctx, item.ID, false, "granule exploded", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := env.jobs.GetByJobID(ctx, nil, job.JobID, jobQueryOptionsNone())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.JobStatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.CurrentMessage() != "granule exploded" {
		t.Errorf("message = %q", got.CurrentMessage())
	}
	errs, err := env.jobs.GetErrors(ctx, nil, job.JobID)
	if err != nil {
		t.Fatalf("errors: %v", err)
	}
	if len(errs) != 1 {
		t.Errorf("errors = %d, want 1", len(errs))
	}
	rows, err := env.userWork.GetRowsForJob(ctx, nil, job.JobID)
	if err != nil {
		t.Fatalf("user work: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("fairness rows must be deleted on failure, got %+v", rows)
	}
}

func TestCompleteWorkItemIgnoreErrors(t *testing.T) {
	t.Setenv("WORK_ITEM_RETRY_LIMIT", "0")
	env := newTestEnv(t)
	ctx := context.Background()
	job := createTestJob(t, env, "alice", 2, true)

	first, err := env.dispatcher.NextWorkItem(ctx, "svc")
	if err != nil || first == nil {
		t.Fatalf("dispatch: item=%v err=%v", first, err)
	}
	if err := env.jobService.CompleteWorkItem(ctx, first.ID, false, "granule 1 failed", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	mid, err := env.jobs.GetByJobID(ctx, nil, job.JobID, jobQueryOptionsNone())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if mid.Status != types.JobStatusRunningWithErrors {
		t.Errorf("status = %s, want running_with_errors", mid.Status)
	}

	second, err := env.dispatcher.NextWorkItem(ctx, "svc")
	if err != nil || second == nil {
		t.Fatalf("dispatch: item=%v err=%v", second, err)
	}
	if err := env.jobService.CompleteWorkItem(ctx, second.ID, true, "", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	done, err := env.jobs.GetByJobID(ctx, nil, job.JobID, jobQueryOptionsNone())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if done.Status != types.JobStatusCompleteWithErrors {
		t.Errorf("status = %s, want complete_with_errors", done.Status)
	}
	if done.Progress != 100 {
		t.Errorf("progress = %d, want 100", done.Progress)
	}
}

func TestFailedWorkItemIsRequeuedUntilRetriesExhaust(t *testing.T) {
	t.Setenv("WORK_ITEM_RETRY_LIMIT", "1")
	env := newTestEnv(t)
	ctx := context.Background()
	job := createTestJob(t, env, "alice", 1, false)

	item, err := env.dispatcher.NextWorkItem(ctx, "svc")
	if err != nil || item == nil {
		t.Fatalf("dispatch: item=%v err=%v", item, err)
	}
	if err := env.jobService.CompleteWorkItem(ctx, item.ID, false, "transient failure", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// First failure goes back in the pool instead of failing the job.
	requeued, err := env.items.GetByID(ctx, nil, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if requeued.Status != types.WorkItemStatusReady || requeued.RetryCount != 1 {
		t.Fatalf("item = %+v, want ready with retry_count 1", requeued)
	}
	mid, err := env.jobs.GetByJobID(ctx, nil, job.JobID, jobQueryOptionsNone())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if mid.Status != types.JobStatusRunning {
		t.Errorf("status = %s, want running", mid.Status)
	}

	again, err := env.dispatcher.NextWorkItem(ctx, "svc")
	if err != nil || again == nil {
		t.Fatalf("redispatch: item=%v err=%v", again, err)
	}
	if again.ID != item.ID {
		t.Fatalf("redispatched item %d, want %d", again.ID, item.ID)
	}
	if err := env.jobService.CompleteWorkItem(ctx, again.ID, false, "permanent failure", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	done, err := env.jobs.GetByJobID(ctx, nil, job.JobID, jobQueryOptionsNone())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if done.Status != types.JobStatusFailed {
		t.Errorf("status = %s, want failed once retries are spent", done.Status)
	}
}

func TestCompleteWorkItemRecordsResultLinks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := createTestJob(t, env, "alice", 1, false)

	item, err := env.dispatcher.NextWorkItem(ctx, "svc")
	if err != nil || item == nil {
		t.Fatalf("dispatch: item=%v err=%v", item, err)
	}
	err = env.jobService.CompleteWorkItem(ctx, item.ID, true, "", []types.JobLink{
		{Href: "s3://staging/out/item1.nc", Rel: "data"},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := env.jobs.GetByJobID(ctx, nil, job.JobID, repoOptsWithLinks())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Links) != 1 || got.Links[0].Href != "s3://staging/out/item1.nc" {
		t.Errorf("links = %+v", got.Links)
	}
	if got.BatchesCompleted != 1 {
		t.Errorf("batches completed = %d, want 1", got.BatchesCompleted)
	}
}

func TestPauseAndSaveInsideTransaction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := createTestJob(t, env, "alice", 1, false)

	err := env.db.Transaction(func(tx *gorm.DB) error {
		locked, err := env.jobs.GetByJobID(ctx, tx, job.JobID, repoOptsLocked())
		if err != nil {
			return err
		}
		return env.jobService.PauseAndSave(ctx, tx, locked)
	})
	if err != nil {
		t.Fatalf("pause and save: %v", err)
	}
	got, err := env.jobs.GetByJobID(ctx, nil, job.JobID, jobQueryOptionsNone())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.JobStatusPaused {
		t.Errorf("status = %s, want paused", got.Status)
	}
	if item, err := env.dispatcher.NextWorkItem(ctx, "svc"); err != nil || item != nil {
		t.Fatalf("paused job must not dispatch: item=%v err=%v", item, err)
	}
}

func TestSuccessfulJobGetsStagingBucketLink(t *testing.T) {
	t.Setenv("STAGING_BUCKET", "prism-staging")
	env := newTestEnv(t)
	ctx := context.Background()
	job := createTestJob(t, env, "alice", 1, false)

	item, err := env.dispatcher.NextWorkItem(ctx, "svc")
	if err != nil || item == nil {
		t.Fatalf("dispatch: item=%v err=%v", item, err)
	}
	if err := env.jobService.CompleteWorkItem(ctx, item.ID, true, "", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := env.jobs.GetByJobID(ctx, nil, job.JobID, repoOptsWithLinks())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var staging *types.JobLink
	for i := range got.Links {
		if got.Links[i].Rel == "s3-access" {
			staging = &got.Links[i]
		}
	}
	if staging == nil {
		t.Fatalf("no staging link among %+v", got.Links)
	}
	want := "s3://prism-staging/public/alice/" + job.JobID.String() + "/"
	if staging.Href != want {
		t.Errorf("href = %q, want %q", staging.Href, want)
	}
}

func TestHasStacResults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := createTestJob(t, env, "alice", 1, false)

	ok, err := env.jobService.HasStacResults(ctx, "alice", false, job.JobID)
	if err != nil {
		t.Fatalf("stac: %v", err)
	}
	if ok {
		t.Error("job without links has no STAC results")
	}

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	job.AddLink(types.JobLink{Href: "s3://staging/out/item1.nc", Rel: "data", TemporalStart: &start})
	if err := env.jobs.Save(ctx, nil, job); err != nil {
		t.Fatalf("save: %v", err)
	}
	ok, err = env.jobService.HasStacResults(ctx, "alice", false, job.JobID)
	if err != nil {
		t.Fatalf("stac: %v", err)
	}
	if !ok {
		t.Error("spatio-temporal data link should enable STAC")
	}
}

func TestDrainedPairRowIsRemoved(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := createTestJob(t, env, "alice", 1, false,
		ChainStep{ServiceID: "svc-a", ProgressWeight: 1},
		ChainStep{ServiceID: "svc-b", ProgressWeight: 1},
	)

	item, err := env.dispatcher.NextWorkItem(ctx, "svc-a")
	if err != nil || item == nil {
		t.Fatalf("dispatch: item=%v err=%v", item, err)
	}
	if err := env.jobService.CompleteWorkItem(ctx, item.ID, true, "", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	rows, err := env.userWork.GetRowsForJob(ctx, nil, job.JobID)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 1 || rows[0].ServiceID != "svc-b" {
		t.Errorf("drained svc-a row must be gone, rows = %+v", rows)
	}
}

func createPreviewJob(t *testing.T, env *testEnv, granules int) *types.Job {
	t.Helper()
	job, err := env.jobService.Create(context.Background(), CreateJobInput{
		Username:         "alice",
		Request:          "https://example.com/req",
		NumInputGranules: granules,
		Chain:            []ChainStep{{ServiceID: "svc", ProgressWeight: 1}},
		WithPreview:      true,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestPreviewJobAutoPausesAfterFirstResult(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := createPreviewJob(t, env, 2)

	if job.Status != types.JobStatusPreviewing {
		t.Fatalf("status = %s, want previewing", job.Status)
	}
	item, err := env.dispatcher.NextWorkItem(ctx, "svc")
	if err != nil || item == nil {
		t.Fatalf("previewing jobs must dispatch: item=%v err=%v", item, err)
	}
	if err := env.jobService.CompleteWorkItem(ctx, item.ID, true, "", nil); err != nil {
		t.Fatalf("complete preview: %v", err)
	}

	paused, err := env.jobs.GetByJobID(ctx, nil, job.JobID, jobQueryOptionsNone())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if paused.Status != types.JobStatusPaused {
		t.Fatalf("status = %s, want paused after the preview result", paused.Status)
	}
	if held, err := env.dispatcher.NextWorkItem(ctx, "svc"); err != nil || held != nil {
		t.Fatalf("auto-paused job must not dispatch: item=%v err=%v", held, err)
	}

	if _, err := env.jobService.Resume(ctx, "alice", false, job.JobID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	rest, err := env.dispatcher.NextWorkItem(ctx, "svc")
	if err != nil || rest == nil {
		t.Fatalf("resume must restore dispatch: item=%v err=%v", rest, err)
	}
	if err := env.jobService.CompleteWorkItem(ctx, rest.ID, true, "", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	done, err := env.jobs.GetByJobID(ctx, nil, job.JobID, jobQueryOptionsNone())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if done.Status != types.JobStatusSuccessful || done.Progress != 100 {
		t.Errorf("job = %s/%d, want successful/100", done.Status, done.Progress)
	}
}

func TestPreviewJobWithSingleGranuleCompletes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := createPreviewJob(t, env, 1)

	item, err := env.dispatcher.NextWorkItem(ctx, "svc")
	if err != nil || item == nil {
		t.Fatalf("dispatch: item=%v err=%v", item, err)
	}
	if err := env.jobService.CompleteWorkItem(ctx, item.ID, true, "", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	done, err := env.jobs.GetByJobID(ctx, nil, job.JobID, jobQueryOptionsNone())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if done.Status != types.JobStatusSuccessful || done.Progress != 100 {
		t.Errorf("job = %s/%d, want successful/100", done.Status, done.Progress)
	}
	settled, err := env.items.GetByID(ctx, nil, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if settled.Status != types.WorkItemStatusSuccessful {
		t.Errorf("item status = %s, want successful", settled.Status)
	}
}

func TestCompleteWorkItemIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := createTestJob(t, env, "alice", 2, false)

	item, err := env.dispatcher.NextWorkItem(ctx, "svc")
	if err != nil || item == nil {
		t.Fatalf("dispatch: item=%v err=%v", item, err)
	}
	if err := env.jobService.CompleteWorkItem(ctx, item.ID, true, "", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// A duplicate report must change nothing.
	if err := env.jobService.CompleteWorkItem(ctx, item.ID, true, "", nil); err != nil {
		t.Fatalf("duplicate complete: %v", err)
	}
	steps, err := env.steps.GetStepsForJob(ctx, nil, job.JobID)
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	if steps[0].CompletedWorkItemCount != 1 {
		t.Errorf("completed count = %d, want 1", steps[0].CompletedWorkItemCount)
	}
}

func TestPauseStopsDispatchResumeRestores(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := createTestJob(t, env, "alice", 2, false)

	paused, err := env.jobService.Pause(ctx, "alice", false, job.JobID)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.Status != types.JobStatusPaused {
		t.Errorf("status = %s", paused.Status)
	}
	if item, err := env.dispatcher.NextWorkItem(ctx, "svc"); err != nil || item != nil {
		t.Fatalf("paused job must not dispatch: item=%v err=%v", item, err)
	}

	resumed, err := env.jobService.Resume(ctx, "alice", false, job.JobID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != types.JobStatusRunning {
		t.Errorf("status = %s", resumed.Status)
	}
	item, err := env.dispatcher.NextWorkItem(ctx, "svc")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if item == nil {
		t.Fatal("resume must restore dispatchability")
	}
}

func TestResumeRunningJobConflicts(t *testing.T) {
	env := newTestEnv(t)
	job := createTestJob(t, env, "alice", 1, false)
	_, err := env.jobService.Resume(context.Background(), "alice", false, job.JobID)
	if err == nil {
		t.Fatal("expected conflict")
	}
	if !apierr.IsConflict(err) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestCancelDeletesFairnessRows(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := createTestJob(t, env, "alice", 2, false)

	canceled, err := env.jobService.Cancel(ctx, "alice", false, job.JobID, "Canceled by user.")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != types.JobStatusCanceled {
		t.Errorf("status = %s", canceled.Status)
	}
	rows, err := env.userWork.GetRowsForJob(ctx, nil, job.JobID)
	if err != nil {
		t.Fatalf("user work: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("rows = %+v, want none", rows)
	}
}

func TestAccessControl(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := createTestJob(t, env, "alice", 1, false)

	if _, err := env.jobService.GetByJobID(ctx, "mallory", false, job.JobID); err == nil {
		t.Error("stranger must not see a private job")
	}
	if _, err := env.jobService.GetByJobID(ctx, "mallory", true, job.JobID); err != nil {
		t.Errorf("admin access: %v", err)
	}
	if _, err := env.jobService.Pause(ctx, "mallory", false, job.JobID); err == nil {
		t.Error("stranger must not mutate a job")
	}
}

func TestUpdateProgressRollup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := createTestJob(t, env, "alice", 4, false,
		ChainStep{ServiceID: "svc-a", ProgressWeight: 1},
		ChainStep{ServiceID: "svc-b", ProgressWeight: 1},
	)

	// Finish the whole first step out of band.
	if err := env.db.Model(&types.WorkflowStep{}).
		Where("job_id = ? AND service_id = ?", job.JobID, "svc-a").
		Update("completed_work_item_count", 4).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	got, err := env.jobService.UpdateProgress(ctx, nil, job.JobID)
	if err != nil {
		t.Fatalf("update progress: %v", err)
	}
	// First step fully done, second untouched: 50% weighted.
	if got != 50 {
		t.Errorf("rollup = %d, want 50", got)
	}

	reloaded, err := env.jobs.GetByJobID(ctx, nil, job.JobID, jobQueryOptionsNone())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reloaded.Progress != 50 {
		t.Errorf("persisted progress = %d", reloaded.Progress)
	}
}

func TestUpdateProgressNeverReaches100(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := createTestJob(t, env, "alice", 4, false)

	if err := env.db.Model(&types.WorkflowStep{}).
		Where("job_id = ?", job.JobID).
		Update("completed_work_item_count", 4).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	got, err := env.jobService.UpdateProgress(ctx, nil, job.JobID)
	if err != nil {
		t.Fatalf("update progress: %v", err)
	}
	if got != 99 {
		t.Errorf("rollup = %d, want cap at 99", got)
	}
}

func TestUpdateProgressTinyFractionFloorsToZero(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := createTestJob(t, env, "alice", 0, false)

	// A step reporting half a percent must not round up.
	if err := env.db.Model(&types.WorkflowStep{}).
		Where("job_id = ?", job.JobID).
		Updates(map[string]interface{}{"work_item_count": 200, "completed_work_item_count": 1}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	got, err := env.jobService.UpdateProgress(ctx, nil, job.JobID)
	if err != nil {
		t.Fatalf("update progress: %v", err)
	}
	if got != 0 {
		t.Errorf("rollup = %d, want 0", got)
	}
}

func TestUpdateProgressIsMonotone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := createTestJob(t, env, "alice", 4, false)

	if err := env.db.Model(&types.Job{}).
		Where("job_id = ?", job.JobID).
		Update("progress", 80).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := env.db.Model(&types.WorkflowStep{}).
		Where("job_id = ?", job.JobID).
		Update("completed_work_item_count", 1).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := env.jobService.UpdateProgress(ctx, nil, job.JobID); err != nil {
		t.Fatalf("update progress: %v", err)
	}
	got, err := env.jobs.GetByJobID(ctx, nil, job.JobID, jobQueryOptionsNone())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Progress != 80 {
		t.Errorf("progress regressed to %d", got.Progress)
	}
}
