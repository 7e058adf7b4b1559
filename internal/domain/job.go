package domain

import "time"

// JobStatus enumerates generation job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transition may leave s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether the job state machine allows from -> to.
// pending -> processing -> {completed, failed}; nothing leaves a terminal state.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusFailed
	default:
		return false
	}
}

// Job is one batch generation request. The row is shared by two writers under
// a strict column split: the dispatcher owns the pending->processing claim,
// ClaimToken, DispatchCursor and ErrorMessage annotations; the poller owns
// CompletedUnits and the terminal status.
type Job struct {
	ID             string
	OwnerRef       string
	SubjectRef     string
	StyleID        string
	TotalUnits     int
	CompletedUnits int
	Status         JobStatus
	ErrorMessage   *string
	ClaimToken     string
	DispatchCursor int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RemainingUnits returns how many units have not completed yet.
func (j *Job) RemainingUnits() int {
	if j == nil {
		return 0
	}
	if rem := j.TotalUnits - j.CompletedUnits; rem > 0 {
		return rem
	}
	return 0
}

// Progress returns the completed fraction in [0, 1].
func (j *Job) Progress() float64 {
	if j == nil || j.TotalUnits <= 0 {
		return 0
	}
	return float64(j.CompletedUnits) / float64(j.TotalUnits)
}
