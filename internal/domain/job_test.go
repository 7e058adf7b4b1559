package domain

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusPending, JobStatusProcessing, true},
		{JobStatusPending, JobStatusCompleted, false},
		{JobStatusPending, JobStatusFailed, false},
		{JobStatusProcessing, JobStatusCompleted, true},
		{JobStatusProcessing, JobStatusFailed, true},
		{JobStatusProcessing, JobStatusPending, false},
		{JobStatusCompleted, JobStatusFailed, false},
		{JobStatusCompleted, JobStatusProcessing, false},
		{JobStatusFailed, JobStatusCompleted, false},
		{JobStatusFailed, JobStatusPending, false},
	}
	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestJobStatusTerminal(t *testing.T) {
	if JobStatusPending.IsTerminal() || JobStatusProcessing.IsTerminal() {
		t.Fatal("live statuses must not be terminal")
	}
	if !JobStatusCompleted.IsTerminal() || !JobStatusFailed.IsTerminal() {
		t.Fatal("completed and failed must be terminal")
	}
	if JobStatus("cancelled").Valid() {
		t.Fatal("unknown status must be invalid")
	}
}

func TestJobProgress(t *testing.T) {
	job := &Job{TotalUnits: 8, CompletedUnits: 2}
	if got := job.Progress(); got != 0.25 {
		t.Fatalf("Progress = %v, want 0.25", got)
	}
	if got := job.RemainingUnits(); got != 6 {
		t.Fatalf("RemainingUnits = %d, want 6", got)
	}
	var nilJob *Job
	if nilJob.Progress() != 0 || nilJob.RemainingUnits() != 0 {
		t.Fatal("nil job must report zero progress")
	}
}

func TestLedgerSummarySettled(t *testing.T) {
	if (LedgerSummary{Total: 3, Completed: 2, Failed: 1}).Settled(3) != true {
		t.Fatal("all terminal rows should settle")
	}
	if (LedgerSummary{Total: 3, Pending: 1, Completed: 2}).Settled(3) {
		t.Fatal("pending rows must block settlement")
	}
	if (LedgerSummary{Total: 2, Completed: 2}).Settled(3) {
		t.Fatal("missing rows must block settlement")
	}
}
