package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atmoworks/prism-backend/internal/apierr"
)

const (
	// MaxRequestLength caps the persisted request URL.
	MaxRequestLength = 4096
	// MaxMessageBlobLength caps the serialized status message blob.
	MaxMessageBlobLength = 4096
	// reservedMessageLength is held back for non-failure statuses, so
	// the failure message gets whatever remains.
	reservedMessageLength = 1000

	// DataRetentionDays is how long staged results stay downloadable
	// when the job has no caller-owned destination.
	DataRetentionDays = 30
)

var requestURLPattern = regexp.MustCompile(`^https?://.+`)

// Job is one end-to-end transformation request tracked through the
// status state machine. Status is only ever written through
// UpdateStatus (via the event mutators); everything else is plain
// data persisted by JobRepo.
type Job struct {
	ID               uint      `gorm:"primaryKey" json:"-"`
	JobID            uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"job_id"`
	RequestID        uuid.UUID `gorm:"type:uuid;not null" json:"request_id"`
	Username         string    `gorm:"not null;index" json:"username"`
	Status           JobStatus `gorm:"not null;index;default:accepted" json:"status"`
	Message          string    `gorm:"type:text" json:"-"` // serialized status->message map, or a legacy plain string
	Progress         int       `gorm:"not null;default:0" json:"progress"`
	BatchesCompleted int       `gorm:"not null;default:0" json:"batches_completed"`
	Request          string    `gorm:"type:varchar(4096)" json:"request"`
	IsAsync          bool      `gorm:"not null;default:false" json:"is_async"`
	IgnoreErrors     bool      `gorm:"not null;default:false" json:"ignore_errors"`
	NumInputGranules int       `gorm:"not null;default:0" json:"num_input_granules"`
	CollectionIDs    string    `gorm:"type:text" json:"-"` // serialized list, immutable after creation
	ProviderID       string    `gorm:"index" json:"provider_id,omitempty"`
	DestinationURL   string    `json:"destination_url,omitempty"`
	ServiceName      string    `gorm:"index" json:"service_name,omitempty"`
	CreatedAt        time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt        time.Time `gorm:"not null;index" json:"updated_at"`

	Links  []JobLink  `gorm:"foreignKey:JobID;references:JobID" json:"links,omitempty"`
	Errors []JobError `gorm:"foreignKey:JobID;references:JobID" json:"errors,omitempty"`
	Labels []string   `gorm:"-" json:"labels,omitempty"`

	statusMessages map[JobStatus]string
	collectionIDs  []string
	originalStatus JobStatus
}

func (Job) TableName() string { return "jobs" }

// NewJob builds an accepted job with a fresh jobID. The request id
// starts out equal to the job id; collection ids are fixed for life.
func NewJob(username, request string, numInputGranules int, collectionIDs []string) *Job {
	id := uuid.New()
	j := &Job{
		JobID:            id,
		RequestID:        id,
		Username:         username,
		Status:           JobStatusAccepted,
		Progress:         0,
		Request:          request,
		NumInputGranules: numInputGranules,
		statusMessages:   map[JobStatus]string{},
		collectionIDs:    append([]string(nil), collectionIDs...),
	}
	return j
}

// AfterFind restores the transient view of the serialized columns and
// remembers the stored status for the terminal write barrier.
func (j *Job) AfterFind(_ *gorm.DB) error {
	j.originalStatus = j.Status
	if err := j.decodeMessages(); err != nil {
		return err
	}
	return j.decodeCollections()
}

func (j *Job) decodeMessages() error {
	j.statusMessages = map[JobStatus]string{}
	raw := strings.TrimSpace(j.Message)
	if raw == "" {
		return nil
	}
	err := json.Unmarshal([]byte(raw), &j.statusMessages)
	if err == nil {
		return nil
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		// Legacy rows stored a single plain string for whatever
		// status the job was in at the time.
		j.statusMessages = map[JobStatus]string{j.Status: j.Message}
		return nil
	}
	return fmt.Errorf("decode job message blob: %w", err)
}

func (j *Job) decodeCollections() error {
	j.collectionIDs = nil
	raw := strings.TrimSpace(j.CollectionIDs)
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &j.collectionIDs); err != nil {
		return fmt.Errorf("decode job collection ids: %w", err)
	}
	return nil
}

// Collections returns the collection ids the job was created with.
func (j *Job) Collections() []string {
	return append([]string(nil), j.collectionIDs...)
}

// OriginalStatus is the status the job held when loaded from the
// store; zero for jobs that were never persisted.
func (j *Job) OriginalStatus() JobStatus { return j.originalStatus }

// MarkStored records that the current state is what the store now
// holds. Called by JobRepo after create/save.
func (j *Job) MarkStored() { j.originalStatus = j.Status }

// StatusMessage returns the message for the given status, falling
// back to the per-status default.
func (j *Job) StatusMessage(status JobStatus) string {
	if msg, ok := j.statusMessages[status]; ok && msg != "" {
		return msg
	}
	return DefaultStatusMessage(status)
}

// CurrentMessage is the message for the job's active status.
func (j *Job) CurrentMessage() string { return j.StatusMessage(j.Status) }

// SetStatusMessage stores the message shown for the given status.
func (j *Job) SetStatusMessage(status JobStatus, msg string) {
	if j.statusMessages == nil {
		j.statusMessages = map[JobStatus]string{}
	}
	j.statusMessages[status] = msg
}

// UpdateStatus is the single place job status gets assigned. The
// event mutators validate against the state machine before calling
// it. Terminal success forces progress to 100.
func (j *Job) UpdateStatus(status JobStatus, message string) {
	if message != "" {
		j.SetStatusMessage(status, message)
	}
	j.Status = status
	if status == JobStatusSuccessful || status == JobStatusCompleteWithErrors {
		j.Progress = 100
	}
}

func (j *Job) transition(event JobEvent, desired JobStatus, message string) error {
	if err := ValidateTransition(j.Status, desired, event); err != nil {
		return err
	}
	j.UpdateStatus(desired, message)
	return nil
}

// Start moves an accepted job into processing, or into preview when
// the request asked for one.
func (j *Job) Start(withPreview bool) error {
	if withPreview {
		return j.transition(EventStartWithPreview, JobStatusPreviewing, "")
	}
	return j.transition(EventStart, JobStatusRunning, "")
}

func (j *Job) Pause() error {
	return j.transition(EventPause, JobStatusPaused, "")
}

func (j *Job) Resume() error {
	return j.transition(EventResume, JobStatusRunning, "")
}

func (j *Job) SkipPreview() error {
	return j.transition(EventSkipPreview, JobStatusRunning, "")
}

func (j *Job) Cancel(message string) error {
	return j.transition(EventCancel, JobStatusCanceled, message)
}

func (j *Job) Fail(message string) error {
	return j.transition(EventFail, JobStatusFailed, message)
}

func (j *Job) Succeed(message string) error {
	return j.transition(EventComplete, JobStatusSuccessful, message)
}

func (j *Job) CompleteWithErrors(message string) error {
	return j.transition(EventCompleteWithErrors, JobStatusCompleteWithErrors, message)
}

// MarkRunningWithErrors flips a running job into the degraded running
// state once a work item has failed but the job keeps going. Not an
// FSM event: both statuses accept the same event set.
func (j *Job) MarkRunningWithErrors() {
	if j.Status == JobStatusRunning {
		j.Status = JobStatusRunningWithErrors
	}
}

// ValidateStatus is the terminal write barrier: once the stored
// status is terminal the row must not change again, except for the
// idempotent failed -> failed case.
func (j *Job) ValidateStatus() error {
	if !IsTerminalStatus(j.originalStatus) {
		return nil
	}
	if j.originalStatus == JobStatusFailed && j.Status == JobStatusFailed {
		return nil
	}
	return apierr.Conflict("job status cannot be updated from %s to %s", j.originalStatus, j.Status)
}

// Validate reports field-level problems as a list of strings; the
// caller decides how to surface them.
func (j *Job) Validate() []string {
	var problems []string
	if j.Progress < 0 || j.Progress > 100 {
		problems = append(problems, fmt.Sprintf("Invalid progress %d. Job progress must be between 0 and 100.", j.Progress))
	}
	if j.BatchesCompleted < 0 {
		problems = append(problems, fmt.Sprintf("Invalid batchesCompleted %d. Job batchesCompleted must be greater than or equal to 0.", j.BatchesCompleted))
	}
	if j.Request != "" && !requestURLPattern.MatchString(j.Request) {
		problems = append(problems, fmt.Sprintf("Invalid request %s. Job request must be a valid URL starting with http or https.", j.Request))
	}
	return problems
}

// PrepareForSave enforces the write barrier, truncates oversized
// fields and rebuilds the serialized columns. JobRepo calls it at the
// top of Save.
func (j *Job) PrepareForSave() error {
	if err := j.ValidateStatus(); err != nil {
		return err
	}
	j.Request = truncate(j.Request, MaxRequestLength)
	if msg, ok := j.statusMessages[JobStatusFailed]; ok {
		j.statusMessages[JobStatusFailed] = truncate(msg, MaxMessageBlobLength-reservedMessageLength)
	}
	if len(j.statusMessages) > 0 {
		blob, err := json.Marshal(j.statusMessages)
		if err != nil {
			return fmt.Errorf("serialize job messages: %w", err)
		}
		j.Message = string(blob)
	}
	if j.collectionIDs != nil {
		blob, err := json.Marshal(j.collectionIDs)
		if err != nil {
			return fmt.Errorf("serialize job collection ids: %w", err)
		}
		j.CollectionIDs = string(blob)
	}
	return nil
}

// CompleteBatch counts a finished batch. Retained for telemetry.
func (j *Job) CompleteBatch() { j.BatchesCompleted++ }

// AddLink appends an output link. Links that already carry an id are
// never updated on save.
func (j *Job) AddLink(link JobLink) {
	link.JobID = j.JobID
	j.Links = append(j.Links, link)
}

// AddStagingBucketLink points the caller at the staging area holding
// intermediate results. Skipped when the job stages to a
// caller-owned destination.
func (j *Job) AddStagingBucketLink(stagingLocation string) {
	if stagingLocation == "" || j.DestinationURL != "" {
		return
	}
	j.AddLink(JobLink{
		Href:  stagingLocation,
		Title: "Results in the staging bucket",
		Type:  "text/plain",
		Rel:   "s3-access",
	})
}

func (j *Job) HasTerminalStatus() bool { return IsTerminalStatus(j.Status) }

func (j *Job) IsPaused() bool { return j.Status == JobStatusPaused }

// BelongsToOrIsAdmin gates access: the owner or an admin may see the
// job.
func (j *Job) BelongsToOrIsAdmin(username string, isAdmin bool) bool {
	return isAdmin || j.Username == username
}

// IsShareable reports whether a user other than the owner may view
// the job. Jobs over cataloged collections are shareable; jobs with
// no collection ids may carry private data and are not.
func (j *Job) IsShareable(requester string) bool {
	if j.Username == requester {
		return true
	}
	return len(j.collectionIDs) > 0
}

// DataExpiration is when staged outputs get cleaned up: creation plus
// the retention window, or never when results went to a caller-owned
// destination.
func (j *Job) DataExpiration() *time.Time {
	if j.DestinationURL != "" {
		return nil
	}
	t := j.CreatedAt.AddDate(0, 0, DataRetentionDays)
	return &t
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
