package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// JobLink is a per-job output link. Append-only: rows that already
// have an id are never updated by JobRepo.Save.
type JobLink struct {
	ID            uint           `gorm:"primaryKey" json:"-"`
	JobID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"-"`
	Href          string         `gorm:"type:varchar(4096);not null" json:"href"`
	Title         string         `json:"title,omitempty"`
	Type          string         `json:"type,omitempty"`
	Rel           string         `gorm:"index" json:"rel,omitempty"`
	Bbox          datatypes.JSON `gorm:"type:json" json:"bbox,omitempty"`
	TemporalStart *time.Time     `json:"temporal_start,omitempty"`
	TemporalEnd   *time.Time     `json:"temporal_end,omitempty"`
	CreatedAt     time.Time      `gorm:"not null" json:"-"`
	UpdatedAt     time.Time      `gorm:"not null" json:"-"`
}

func (JobLink) TableName() string { return "job_links" }

// HasSpatioTemporal reports whether the link carries bbox or temporal
// metadata.
func (l *JobLink) HasSpatioTemporal() bool {
	return len(l.Bbox) > 0 || l.TemporalStart != nil || l.TemporalEnd != nil
}
