package dispatch

import (
	"errors"
	"net/http"

	"avatarbatch/internal/domain"
	"avatarbatch/internal/queue"
)

// Outcome is the three-way idempotency decision of one delivery, plus the
// non-retryable rejection.
type Outcome int

const (
	// Processed means the window was handled and any continuation published.
	Processed Outcome = iota
	// Skipped means the delivery was a duplicate or the job is already terminal.
	Skipped
	// Retry means the same delivery should be redelivered later.
	Retry
	// Rejected means the delivery can never succeed.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Processed:
		return "processed"
	case Skipped:
		return "skipped"
	case Retry:
		return "retry"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Result describes what a delivery did.
type Result struct {
	Outcome Outcome
	Reason  string
	Err     error
	Window  domain.Window
	// Created counts ledger rows inserted as pending, Failed those inserted as
	// failed and Existing the units skipped because a row was already present.
	Created   int
	Failed    int
	Existing  int
	Continued bool
}

// HTTPStatus maps the result to a push-queue response code. 2xx settles the
// delivery, 5xx asks for redelivery.
func (r Result) HTTPStatus() int {
	switch r.Outcome {
	case Processed, Skipped:
		return http.StatusOK
	case Retry:
		return http.StatusServiceUnavailable
	}
	switch {
	case errors.Is(r.Err, domain.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(r.Err, domain.ErrJobNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

// Retryable reports whether the transport should redeliver.
func (r Result) Retryable() bool {
	return r.Outcome == Retry
}

// Decision maps the result to a broker acknowledgement.
func (r Result) Decision() queue.Decision {
	switch r.Outcome {
	case Processed, Skipped:
		return queue.Ack
	case Retry:
		return queue.Requeue
	default:
		return queue.Drop
	}
}
