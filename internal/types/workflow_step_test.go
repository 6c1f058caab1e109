package types

import (
	"math"
	"testing"
)

func TestStepProgressFirstStep(t *testing.T) {
	step := &WorkflowStep{WorkItemCount: 4, CompletedWorkItemCount: 1}
	if got := step.UpdateProgress(nil); got != 25 {
		t.Errorf("progress = %v, want 25", got)
	}
	step.CompletedWorkItemCount = 4
	if got := step.UpdateProgress(nil); got != 100 {
		t.Errorf("progress = %v, want 100", got)
	}
}

func TestStepProgressScaledByPrevious(t *testing.T) {
	prev := &WorkflowStep{Progress: 50}
	step := &WorkflowStep{WorkItemCount: 2, CompletedWorkItemCount: 1}
	if got := step.UpdateProgress(prev); got != 25 {
		t.Errorf("progress = %v, want 25", got)
	}
}

func TestStepProgressZeroCount(t *testing.T) {
	step := &WorkflowStep{WorkItemCount: 0, CompletedWorkItemCount: 0}
	if got := step.UpdateProgress(nil); got != 0 {
		t.Errorf("progress = %v, want 0", got)
	}
}

func TestStepProgressClamped(t *testing.T) {
	// More completions than the recorded count can happen transiently
	// while the previous step is still fanning out.
	step := &WorkflowStep{WorkItemCount: 2, CompletedWorkItemCount: 5}
	if got := step.UpdateProgress(nil); got != 100 {
		t.Errorf("progress = %v, want clamp at 100", got)
	}
}

func TestStepProgressFractionalStaysLow(t *testing.T) {
	prev := &WorkflowStep{Progress: 0.5}
	step := &WorkflowStep{WorkItemCount: 1, CompletedWorkItemCount: 1}
	got := step.UpdateProgress(prev)
	if math.Abs(got-0.5) > 1e-9 {
		t.Errorf("progress = %v, want 0.5", got)
	}
}
