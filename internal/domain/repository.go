package domain

import "context"

// DispatchJobRepository is the dispatcher's view of the job table. It can only
// claim a pending job, annotate errors and advance the continuation cursor.
type DispatchJobRepository interface {
	GetByID(ctx context.Context, jobID string) (*Job, error)
	// ClaimPending flips pending->processing and records claimToken. It reports
	// whether this call performed the transition.
	ClaimPending(ctx context.Context, jobID, claimToken string) (bool, error)
	// AnnotateError records a non-terminal error message on a live job.
	AnnotateError(ctx context.Context, jobID, message string) error
	// AdvanceCursor raises DispatchCursor to next if it is lower.
	AdvanceCursor(ctx context.Context, jobID string, next int) (bool, error)
}

// PollerJobRepository is the completion poller's view of the job table.
type PollerJobRepository interface {
	GetByID(ctx context.Context, jobID string) (*Job, error)
	// ListSettled returns processing jobs whose every unit has a terminal
	// ledger row, least recently touched first.
	ListSettled(ctx context.Context, limit int) ([]Job, error)
	// IncrementCompleted adds one completed unit, never exceeding TotalUnits.
	IncrementCompleted(ctx context.Context, jobID string) (bool, error)
	// Finalize moves a processing job to a terminal status.
	Finalize(ctx context.Context, jobID string, status JobStatus, errMsg *string) (bool, error)
}

// TriggerJobRepository creates new jobs in the pending state.
type TriggerJobRepository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, jobID string) (*Job, error)
}

// LedgerRepository persists per-unit task ledger rows.
type LedgerRepository interface {
	Exists(ctx context.Context, jobID string, unitIndex int) (bool, error)
	// Insert creates the row unless (JobID, UnitIndex) already exists. It
	// reports whether a row was created.
	Insert(ctx context.Context, entry *LedgerEntry) (bool, error)
	ListByJob(ctx context.Context, jobID string) ([]LedgerEntry, error)
	// ListPending returns pending rows of live jobs, rows never polled first,
	// then the least recently polled.
	ListPending(ctx context.Context, limit int) ([]LedgerEntry, error)
	// MarkPolled records that a pending row was checked without settling.
	MarkPolled(ctx context.Context, jobID string, unitIndex int) error
	// Resolve moves a pending row to a terminal status and reports whether
	// this call performed the transition.
	Resolve(ctx context.Context, jobID string, unitIndex int, status LedgerStatus, resultRef, errMsg *string) (bool, error)
	Summarize(ctx context.Context, jobID string) (LedgerSummary, error)
}
