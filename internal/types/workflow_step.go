package types

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowStep is the per-service aggregate for one position in a
// job's service chain. Progress is a percentage in [0,100] derived
// from the item counts; ProgressWeight scales the step's share of the
// job-level rollup.
type WorkflowStep struct {
	ID                     uint      `gorm:"primaryKey" json:"-"`
	JobID                  uuid.UUID `gorm:"type:uuid;not null;index:idx_workflow_steps_job_step,unique" json:"job_id"`
	ServiceID              string    `gorm:"not null;index" json:"service_id"`
	StepIndex              int       `gorm:"not null;index:idx_workflow_steps_job_step,unique" json:"step_index"`
	WorkItemCount          int       `gorm:"not null;default:0" json:"work_item_count"`
	CompletedWorkItemCount int       `gorm:"not null;default:0" json:"completed_work_item_count"`
	ProgressWeight         float64   `gorm:"not null;default:1" json:"progress_weight"`
	Progress               float64   `gorm:"not null;default:0" json:"progress"`
	CreatedAt              time.Time `gorm:"not null" json:"-"`
	UpdatedAt              time.Time `gorm:"not null" json:"-"`
}

func (WorkflowStep) TableName() string { return "workflow_steps" }

// UpdateProgress recomputes the step's percentage. A step's item
// count grows while the previous step is still producing outputs, so
// the completed fraction is scaled by how far the previous step has
// gotten; the first step sees its full count up front.
func (s *WorkflowStep) UpdateProgress(prev *WorkflowStep) float64 {
	prevFraction := 1.0
	if prev != nil {
		prevFraction = prev.Progress / 100.0
	}
	count := s.WorkItemCount
	if count < 1 {
		count = 1
	}
	fraction := prevFraction * float64(s.CompletedWorkItemCount) / float64(count)
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	s.Progress = fraction * 100.0
	return s.Progress
}
