package types

import (
	"time"

	"github.com/google/uuid"
)

// Label is a user-visible tag. Jobs reference labels through the
// jobs_labels join table; the label set on a job is deduplicated on
// save.
type Label struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	Value     string    `gorm:"uniqueIndex;not null" json:"value"`
	CreatedAt time.Time `gorm:"not null" json:"-"`
	UpdatedAt time.Time `gorm:"not null" json:"-"`
}

func (Label) TableName() string { return "labels" }

type JobsLabel struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	JobID     uuid.UUID `gorm:"type:uuid;not null;index:idx_jobs_labels,unique" json:"-"`
	LabelID   uint      `gorm:"not null;index:idx_jobs_labels,unique" json:"-"`
	CreatedAt time.Time `gorm:"not null" json:"-"`
}

func (JobsLabel) TableName() string { return "jobs_labels" }
