package types

import (
	"time"

	"github.com/google/uuid"
)

// JobError records one work-item failure against a job. Append-only
// and outside the status transition machine.
type JobError struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	JobID     uuid.UUID `gorm:"type:uuid;not null;index" json:"-"`
	URL       string    `gorm:"type:varchar(4096)" json:"url,omitempty"`
	Message   string    `gorm:"type:text" json:"message"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"-"`
}

func (JobError) TableName() string { return "job_errors" }
