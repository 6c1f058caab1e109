package types

import (
	"testing"

	"github.com/atmoworks/prism-backend/internal/apierr"
)

func TestAllowedTransitions(t *testing.T) {
	cases := []struct {
		current JobStatus
		event   JobEvent
		desired JobStatus
	}{
		{JobStatusAccepted, EventStart, JobStatusRunning},
		{JobStatusAccepted, EventStartWithPreview, JobStatusPreviewing},
		{JobStatusRunning, EventComplete, JobStatusSuccessful},
		{JobStatusRunning, EventCompleteWithErrors, JobStatusCompleteWithErrors},
		{JobStatusRunning, EventCancel, JobStatusCanceled},
		{JobStatusRunning, EventFail, JobStatusFailed},
		{JobStatusRunning, EventPause, JobStatusPaused},
		{JobStatusRunningWithErrors, EventComplete, JobStatusSuccessful},
		{JobStatusRunningWithErrors, EventCompleteWithErrors, JobStatusCompleteWithErrors},
		{JobStatusRunningWithErrors, EventPause, JobStatusPaused},
		{JobStatusPreviewing, EventSkipPreview, JobStatusRunning},
		{JobStatusPreviewing, EventCancel, JobStatusCanceled},
		{JobStatusPreviewing, EventPause, JobStatusPaused},
		{JobStatusPaused, EventResume, JobStatusRunning},
		{JobStatusPaused, EventSkipPreview, JobStatusRunning},
		{JobStatusPaused, EventCancel, JobStatusCanceled},
		{JobStatusPaused, EventFail, JobStatusFailed},
		{JobStatusFailed, EventFail, JobStatusFailed},
	}
	for _, tc := range cases {
		if !CanTransition(tc.current, tc.desired, tc.event) {
			t.Errorf("expected %s --%s--> %s to be allowed", tc.current, tc.event, tc.desired)
		}
	}
}

func TestForbiddenTransitions(t *testing.T) {
	cases := []struct {
		current JobStatus
		event   JobEvent
		desired JobStatus
	}{
		{JobStatusRunning, EventResume, JobStatusRunning},
		{JobStatusRunning, EventStart, JobStatusRunning},
		{JobStatusAccepted, EventComplete, JobStatusSuccessful},
		{JobStatusSuccessful, EventFail, JobStatusFailed},
		{JobStatusSuccessful, EventCancel, JobStatusCanceled},
		{JobStatusCanceled, EventResume, JobStatusRunning},
		{JobStatusCompleteWithErrors, EventComplete, JobStatusSuccessful},
		{JobStatusFailed, EventCancel, JobStatusCanceled},
		{JobStatusPreviewing, EventResume, JobStatusRunning},
	}
	for _, tc := range cases {
		if CanTransition(tc.current, tc.desired, tc.event) {
			t.Errorf("expected %s --%s--> %s to be forbidden", tc.current, tc.event, tc.desired)
		}
		err := ValidateTransition(tc.current, tc.desired, tc.event)
		if err == nil {
			t.Fatalf("expected conflict error for %s --%s--> %s", tc.current, tc.event, tc.desired)
		}
		if !apierr.IsConflict(err) {
			t.Errorf("expected conflict error, got %v", err)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := []JobStatus{JobStatusSuccessful, JobStatusFailed, JobStatusCanceled, JobStatusCompleteWithErrors}
	for _, s := range terminal {
		if !IsTerminalStatus(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	nonTerminal := []JobStatus{JobStatusAccepted, JobStatusRunning, JobStatusRunningWithErrors, JobStatusPaused, JobStatusPreviewing}
	for _, s := range nonTerminal {
		if IsTerminalStatus(s) {
			t.Errorf("expected %s not to be terminal", s)
		}
	}
}

func TestDefaultStatusMessages(t *testing.T) {
	if got := DefaultStatusMessage(JobStatusSuccessful); got != "The job has completed successfully" {
		t.Errorf("unexpected successful message: %q", got)
	}
	for _, s := range []JobStatus{
		JobStatusAccepted, JobStatusRunning, JobStatusRunningWithErrors,
		JobStatusSuccessful, JobStatusFailed, JobStatusCanceled,
		JobStatusPaused, JobStatusPreviewing, JobStatusCompleteWithErrors,
	} {
		if DefaultStatusMessage(s) == "" {
			t.Errorf("missing default message for %s", s)
		}
	}
}
