package domain

import (
	"encoding/json"
	"time"
)

// LedgerStatus is the per-unit state of a provider task.
type LedgerStatus string

const (
	LedgerStatusPending   LedgerStatus = "pending"
	LedgerStatusCompleted LedgerStatus = "completed"
	LedgerStatusFailed    LedgerStatus = "failed"
)

// IsTerminal reports whether the ledger row can no longer change.
func (s LedgerStatus) IsTerminal() bool {
	return s == LedgerStatusCompleted || s == LedgerStatusFailed
}

// LedgerEntry records one unit of work. (JobID, UnitIndex) is unique and is
// the idempotency anchor for chunk redelivery.
type LedgerEntry struct {
	JobID          string
	UnitIndex      int
	ExternalTaskID *string
	PromptSnapshot json.RawMessage
	Status         LedgerStatus
	ErrorMessage   *string
	ResultRef      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LedgerSummary aggregates ledger rows of a single job.
type LedgerSummary struct {
	Total     int
	Pending   int
	Completed int
	Failed    int
}

// Settled reports whether every unit of a job with totalUnits has a terminal row.
func (s LedgerSummary) Settled(totalUnits int) bool {
	return s.Total >= totalUnits && s.Pending == 0
}

// PromptSnapshot is the exact unit-of-work captured at task creation time.
type PromptSnapshot struct {
	Prompt          string          `json:"prompt"`
	NegativePrompt  string          `json:"negative_prompt,omitempty"`
	StyleID         string          `json:"style_id"`
	SubjectRef      string          `json:"subject_ref"`
	Seed            int             `json:"seed"`
	Source          string          `json:"source"`
	ReferenceInputs json.RawMessage `json:"reference_inputs,omitempty"`
}

// Snapshot sources.
const (
	SnapshotSourceExplicit = "explicit"
	SnapshotSourceCatalog  = "catalog"
)
