package genapi

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"avatarbatch/internal/infra"
)

// BreakerOptions configures BreakerClient.
type BreakerOptions struct {
	Name        string
	MaxFailures uint32
	OpenTimeout time.Duration
	Logger      *infra.Logger
}

// BreakerClient guards CreateTask with a circuit breaker. While the breaker is
// open calls fail fast with gobreaker.ErrOpenState.
type BreakerClient struct {
	next Provider
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerClient wraps next.
func NewBreakerClient(next Provider, opts BreakerOptions) *BreakerClient {
	maxFailures := opts.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	openTimeout := opts.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	name := opts.Name
	if name == "" {
		name = "genapi"
	}
	logger := opts.Logger
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			// Client-side rejections say nothing about provider health.
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return !apiErr.Temporary()
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("genapi: breaker state change")
		},
	})
	return &BreakerClient{next: next, cb: cb}
}

func (b *BreakerClient) CreateTask(ctx context.Context, req UnitRequest) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.CreateTask(ctx, req)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// TaskStatus is not guarded; the poller retries on its own cadence.
func (b *BreakerClient) TaskStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	return b.next.TaskStatus(ctx, taskID)
}

// State exposes the breaker state for health reporting.
func (b *BreakerClient) State() gobreaker.State {
	return b.cb.State()
}

var (
	_ Provider = (*Client)(nil)
	_ Provider = Synthetic{}
	_ Provider = (*BreakerClient)(nil)
)
