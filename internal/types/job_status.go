package types

import (
	"github.com/atmoworks/prism-backend/internal/apierr"
)

type JobStatus string

const (
	JobStatusAccepted           JobStatus = "accepted"
	JobStatusRunning            JobStatus = "running"
	JobStatusRunningWithErrors  JobStatus = "running_with_errors"
	JobStatusSuccessful         JobStatus = "successful"
	JobStatusFailed             JobStatus = "failed"
	JobStatusCanceled           JobStatus = "canceled"
	JobStatusPaused             JobStatus = "paused"
	JobStatusPreviewing         JobStatus = "previewing"
	JobStatusCompleteWithErrors JobStatus = "complete_with_errors"
)

type JobEvent string

const (
	EventStart              JobEvent = "START"
	EventStartWithPreview   JobEvent = "START_WITH_PREVIEW"
	EventSkipPreview        JobEvent = "SKIP_PREVIEW"
	EventPause              JobEvent = "PAUSE"
	EventResume             JobEvent = "RESUME"
	EventComplete           JobEvent = "COMPLETE"
	EventCompleteWithErrors JobEvent = "COMPLETE_WITH_ERRORS"
	EventCancel             JobEvent = "CANCEL"
	EventFail               JobEvent = "FAIL"
)

// statusTransitions is the whole state machine: for each status, the
// events it accepts and the status each event produces. Anything not
// in this table is a forbidden transition.
var statusTransitions = map[JobStatus]map[JobEvent]JobStatus{
	JobStatusAccepted: {
		EventStart:            JobStatusRunning,
		EventStartWithPreview: JobStatusPreviewing,
	},
	JobStatusRunning: {
		EventComplete:           JobStatusSuccessful,
		EventCompleteWithErrors: JobStatusCompleteWithErrors,
		EventCancel:             JobStatusCanceled,
		EventFail:               JobStatusFailed,
		EventPause:              JobStatusPaused,
	},
	JobStatusRunningWithErrors: {
		EventComplete:           JobStatusSuccessful,
		EventCompleteWithErrors: JobStatusCompleteWithErrors,
		EventCancel:             JobStatusCanceled,
		EventFail:               JobStatusFailed,
		EventPause:              JobStatusPaused,
	},
	JobStatusPreviewing: {
		EventSkipPreview: JobStatusRunning,
		EventCancel:      JobStatusCanceled,
		EventFail:        JobStatusFailed,
		EventPause:       JobStatusPaused,
	},
	JobStatusPaused: {
		EventSkipPreview: JobStatusRunning,
		EventResume:      JobStatusRunning,
		EventCancel:      JobStatusCanceled,
		EventFail:        JobStatusFailed,
	},
	JobStatusSuccessful:         {},
	JobStatusCompleteWithErrors: {},
	JobStatusCanceled:           {},
	JobStatusFailed: {
		// Re-failing a failed job is allowed so racing failure
		// reporters stay idempotent.
		EventFail: JobStatusFailed,
	},
}

var terminalStatuses = map[JobStatus]bool{
	JobStatusSuccessful:         true,
	JobStatusFailed:             true,
	JobStatusCanceled:           true,
	JobStatusCompleteWithErrors: true,
}

var activeStatuses = map[JobStatus]bool{
	JobStatusAccepted:          true,
	JobStatusRunning:           true,
	JobStatusRunningWithErrors: true,
	JobStatusPreviewing:        true,
}

func IsTerminalStatus(s JobStatus) bool { return terminalStatuses[s] }

func IsActiveStatus(s JobStatus) bool { return activeStatuses[s] }

// CanTransition reports whether feeding event to the machine in the
// current status lands on the desired status.
func CanTransition(current, desired JobStatus, event JobEvent) bool {
	events, ok := statusTransitions[current]
	if !ok {
		return false
	}
	target, ok := events[event]
	return ok && target == desired
}

// ValidateTransition returns a conflict error naming the offending
// statuses when the transition is not permitted.
func ValidateTransition(current, desired JobStatus, event JobEvent) error {
	if CanTransition(current, desired, event) {
		return nil
	}
	return apierr.Conflict("job status cannot be updated from %s to %s", current, desired)
}

var defaultStatusMessages = map[JobStatus]string{
	JobStatusAccepted:           "The job has been submitted and is pending processing",
	JobStatusRunning:            "The job is being processed",
	JobStatusRunningWithErrors:  "The job is being processed with errors",
	JobStatusSuccessful:         "The job has completed successfully",
	JobStatusFailed:             "The job failed with an unknown error",
	JobStatusCanceled:           "The job was canceled",
	JobStatusPaused:             "The job is paused and may be resumed using the provided link",
	JobStatusPreviewing:         "The job is generating a preview before auto-pausing",
	JobStatusCompleteWithErrors: "The job completed with errors. See the errors field for more details",
}

// DefaultStatusMessage is the human readable fallback for a status
// with no stored message.
func DefaultStatusMessage(s JobStatus) string {
	return defaultStatusMessages[s]
}
