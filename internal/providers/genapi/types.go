// Package genapi talks to the asynchronous image generation provider. Task
// creation is fire-and-forget; results are observed later through TaskStatus.
package genapi

import (
	"context"
	"encoding/json"
	"fmt"
)

// UnitRequest is one unit of work submitted to the provider.
type UnitRequest struct {
	JobID           string
	UnitIndex       int
	Prompt          string
	NegativePrompt  string
	Seed            int
	StyleID         string
	SubjectRef      string
	ReferenceInputs json.RawMessage
}

// IdempotencyKey identifies the unit across retries.
func (r UnitRequest) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", r.JobID, r.UnitIndex)
}

// TaskState is the provider-side lifecycle of a task.
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// IsTerminal reports whether the task reached a final state.
func (s TaskState) IsTerminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// TaskStatus is the provider's view of a task.
type TaskStatus struct {
	ID        string
	State     TaskState
	ResultURL string
	Error     string
}

// Provider creates tasks and reports their status.
type Provider interface {
	CreateTask(ctx context.Context, req UnitRequest) (string, error)
	TaskStatus(ctx context.Context, taskID string) (TaskStatus, error)
}

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("genapi: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("genapi: status %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the call could succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
