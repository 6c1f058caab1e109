package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type WorkItemStatus string

const (
	WorkItemStatusReady      WorkItemStatus = "ready"
	WorkItemStatusRunning    WorkItemStatus = "running"
	WorkItemStatusSuccessful WorkItemStatus = "successful"
	WorkItemStatusFailed     WorkItemStatus = "failed"
	WorkItemStatusCanceled   WorkItemStatus = "canceled"
)

// WorkItem is a single unit of work for one service within a job.
// Its status changes drive the UserWork counters: ready+running rows
// here must always equal the counters for the (job, service) pair.
type WorkItem struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	JobID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"job_id"`
	ServiceID   string         `gorm:"not null;index" json:"service_id"`
	StepIndex   int            `gorm:"not null;default:1" json:"step_index"`
	Status      WorkItemStatus `gorm:"not null;index;default:ready" json:"status"`
	Operation   datatypes.JSON `gorm:"type:json" json:"operation,omitempty"`
	RetryCount  int            `gorm:"not null;default:0" json:"retry_count"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;index" json:"updated_at"`
}

func (WorkItem) TableName() string { return "work_items" }
