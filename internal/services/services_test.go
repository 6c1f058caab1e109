package services

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/atmoworks/prism-backend/internal/logger"
	"github.com/atmoworks/prism-backend/internal/repos"
	"github.com/atmoworks/prism-backend/internal/types"
)

type testEnv struct {
	db         *gorm.DB
	jobs       repos.JobRepo
	userWork   repos.UserWorkRepo
	steps      repos.WorkflowStepRepo
	items      repos.WorkItemRepo
	jobService JobService
	dispatcher Dispatcher
}

func jobQueryOptionsNone() repos.JobQueryOptions { return repos.JobQueryOptions{} }

func repoOptsWithLinks() repos.JobQueryOptions { return repos.JobQueryOptions{IncludeLinks: true} }

func repoOptsLocked() repos.JobQueryOptions { return repos.JobQueryOptions{Lock: true} }

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&types.Job{},
		&types.JobLink{},
		&types.JobError{},
		&types.Label{},
		&types.JobsLabel{},
		&types.WorkflowStep{},
		&types.WorkItem{},
		&types.UserWork{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	jobs := repos.NewJobRepo(db, log)
	userWork := repos.NewUserWorkRepo(db, log)
	steps := repos.NewWorkflowStepRepo(db, log)
	items := repos.NewWorkItemRepo(db, log)
	return &testEnv{
		db:         db,
		jobs:       jobs,
		userWork:   userWork,
		steps:      steps,
		items:      items,
		jobService: NewJobService(db, log, jobs, userWork, steps, items),
		dispatcher: NewDispatcher(db, log, jobs, userWork, items),
	}
}
