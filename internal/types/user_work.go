package types

import (
	"time"

	"github.com/google/uuid"
)

// UserWork is the fairness row for one (job, service) pair: how many
// work items are ready or running, and when the pair last got worker
// attention. The username is copied from the job so per-user
// aggregates never join back to jobs.
type UserWork struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	JobID        uuid.UUID `gorm:"column:job_id;type:uuid;not null;index:idx_user_work_job_service,unique" json:"job_id"`
	ServiceID    string    `gorm:"column:service_id;not null;index:idx_user_work_job_service,unique;index" json:"service_id"`
	Username     string    `gorm:"not null;index" json:"username"`
	ReadyCount   int       `gorm:"not null;default:0" json:"ready_count"`
	RunningCount int       `gorm:"not null;default:0" json:"running_count"`
	LastWorked   time.Time `gorm:"not null" json:"last_worked"`
	CreatedAt    time.Time `gorm:"not null" json:"-"`
	UpdatedAt    time.Time `gorm:"not null" json:"-"`
}

func (UserWork) TableName() string { return "user_work" }
