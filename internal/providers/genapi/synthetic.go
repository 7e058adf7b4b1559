package genapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const syntheticPrefix = "syn_"

// Synthetic is an offline provider used when no API key is configured. Task
// ids are derived from the idempotency key, so retries map to the same task.
type Synthetic struct{}

// NewSynthetic returns the offline provider.
func NewSynthetic() *Synthetic {
	return &Synthetic{}
}

func (Synthetic) CreateTask(ctx context.Context, req UnitRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(req.IdempotencyKey()))
	return syntheticPrefix + hex.EncodeToString(sum[:12]), nil
}

func (Synthetic) TaskStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	if err := ctx.Err(); err != nil {
		return TaskStatus{}, err
	}
	if !strings.HasPrefix(taskID, syntheticPrefix) {
		return TaskStatus{ID: taskID, State: TaskFailed, Error: "unknown task"}, nil
	}
	return TaskStatus{
		ID:        taskID,
		State:     TaskSucceeded,
		ResultURL: "synthetic://" + taskID + ".png",
	}, nil
}
