// Package dispatch runs one chunk of a generation job per queue delivery and
// chains the next chunk. Every mutation is guarded either by the job claim
// compare-and-swap or by the ledger's (job, unit) key, so any delivery can be
// replayed safely.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"avatarbatch/internal/catalog"
	"avatarbatch/internal/domain"
	"avatarbatch/internal/infra"
	"avatarbatch/internal/providers/genapi"
	"avatarbatch/internal/queue"
)

// Verifier checks a transport signature over a raw body.
type Verifier interface {
	Verify(signature string, body []byte) error
}

// Deps wires a Dispatcher.
type Deps struct {
	Jobs      domain.DispatchJobRepository
	Ledger    domain.LedgerRepository
	Provider  genapi.Provider
	Publisher queue.Publisher
	Verifier  Verifier
	Logger    *infra.Logger
	// Timeout bounds one invocation. Zero means no bound beyond the caller's.
	Timeout time.Duration
}

// Dispatcher processes chunk deliveries.
type Dispatcher struct {
	jobs      domain.DispatchJobRepository
	ledger    domain.LedgerRepository
	provider  genapi.Provider
	publisher queue.Publisher
	verifier  Verifier
	logger    *infra.Logger
	timeout   time.Duration
}

// New builds a Dispatcher.
func New(d Deps) *Dispatcher {
	logger := d.Logger
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	return &Dispatcher{
		jobs:      d.Jobs,
		ledger:    d.Ledger,
		provider:  d.Provider,
		publisher: d.Publisher,
		verifier:  d.Verifier,
		logger:    logger,
		timeout:   d.Timeout,
	}
}

// Handle processes one delivery and reports how the transport should settle it.
func (d *Dispatcher) Handle(ctx context.Context, delivery queue.Delivery) Result {
	res := d.handle(ctx, delivery)
	ev := d.logger.Info()
	if res.Outcome == Retry || res.Outcome == Rejected {
		ev = d.logger.Warn().Err(res.Err)
	}
	ev.Str("message_id", delivery.MessageID).
		Int("attempt", delivery.Attempt).
		Str("outcome", res.Outcome.String()).
		Str("reason", res.Reason).
		Str("window", res.Window.String()).
		Int("created", res.Created).
		Int("failed", res.Failed).
		Int("existing", res.Existing).
		Bool("continued", res.Continued).
		Msg("dispatch: delivery handled")
	return res
}

func (d *Dispatcher) handle(ctx context.Context, delivery queue.Delivery) Result {
	if err := d.verifier.Verify(delivery.Signature, delivery.Body); err != nil {
		return Result{Outcome: Rejected, Reason: "signature", Err: err}
	}
	msg, err := domain.ParseChunkMessage(delivery.Body)
	if err != nil {
		return Result{Outcome: Rejected, Reason: "payload", Err: err}
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	window := msg.Window()
	log := d.logger.With().Str("job_id", msg.JobID).Int("start_index", msg.StartIndex).Logger()

	job, res, ok := d.admit(ctx, msg, delivery.MessageID, &log)
	if !ok {
		res.Window = window
		return res
	}
	if job.TotalUnits != msg.TotalUnits {
		return Result{
			Outcome: Rejected,
			Reason:  "payload",
			Window:  window,
			Err:     fmt.Errorf("%w: message totalUnits %d, job has %d", domain.ErrMalformedPayload, msg.TotalUnits, job.TotalUnits),
		}
	}

	res = Result{Outcome: Processed, Window: window}
	for idx := window.Start; idx < window.End; idx++ {
		if err := ctx.Err(); err != nil {
			return d.retry(ctx, msg, res, "invocation budget exhausted", err)
		}
		outcome, err := d.processUnit(ctx, msg, idx, &log)
		if err != nil {
			if ctx.Err() != nil {
				return d.retry(ctx, msg, res, "invocation budget exhausted", err)
			}
			return d.retry(ctx, msg, res, "ledger unavailable", err)
		}
		switch outcome {
		case unitCreated:
			res.Created++
		case unitFailed:
			res.Failed++
		case unitExisting:
			res.Existing++
		}
	}

	next, more := msg.Continuation()
	if !more {
		return res
	}
	if job.DispatchCursor >= next.StartIndex {
		log.Debug().Int("cursor", job.DispatchCursor).Msg("dispatch: continuation already published")
		return res
	}
	if err := d.publish(ctx, next); err != nil {
		return d.retry(ctx, msg, res, "continuation publish failed", err)
	}
	res.Continued = true
	if _, err := d.jobs.AdvanceCursor(ctx, msg.JobID, next.StartIndex); err != nil {
		// The continuation is out; a redelivery would only republish it.
		log.Warn().Err(err).Int("next_start", next.StartIndex).Msg("dispatch: advance cursor")
	}
	return res
}

// admit claims or validates the job. ok is false when the delivery must stop
// with res.
func (d *Dispatcher) admit(ctx context.Context, msg domain.ChunkMessage, token string, log *zerolog.Logger) (*domain.Job, Result, bool) {
	if msg.IsFirst() {
		won, err := d.jobs.ClaimPending(ctx, msg.JobID, token)
		if err != nil {
			return nil, d.retry(ctx, msg, Result{}, "claim failed", err), false
		}
		job, err := d.jobs.GetByID(ctx, msg.JobID)
		if err != nil {
			return nil, d.readFailure(ctx, msg, err), false
		}
		if won {
			log.Info().Msg("dispatch: job claimed")
			return job, Result{}, true
		}
		switch {
		case job.Status.IsTerminal():
			return nil, Result{Outcome: Skipped, Reason: "job terminal"}, false
		// A concurrent duplicate carrying the same token also resumes; its
		// provider calls collapse on the per-unit idempotency key.
		case job.Status == domain.JobStatusProcessing && token != "" && job.ClaimToken == token:
			log.Info().Msg("dispatch: resuming own claim")
			return job, Result{}, true
		case job.Status == domain.JobStatusProcessing:
			return nil, Result{Outcome: Skipped, Reason: "already claimed"}, false
		default:
			return nil, d.retry(ctx, msg, Result{}, "claim lost", fmt.Errorf("%w: job still %s after claim", domain.ErrTransientInfrastructure, job.Status)), false
		}
	}

	job, err := d.jobs.GetByID(ctx, msg.JobID)
	if err != nil {
		return nil, d.readFailure(ctx, msg, err), false
	}
	if job.Status.IsTerminal() {
		return nil, Result{Outcome: Skipped, Reason: "job terminal"}, false
	}
	return job, Result{}, true
}

func (d *Dispatcher) readFailure(ctx context.Context, msg domain.ChunkMessage, err error) Result {
	if errors.Is(err, domain.ErrNotFound) {
		return Result{Outcome: Rejected, Reason: "job not found", Err: fmt.Errorf("%w: %s", domain.ErrJobNotFound, msg.JobID)}
	}
	return d.retry(ctx, msg, Result{}, "job read failed", err)
}

type unitOutcome int

const (
	unitCreated unitOutcome = iota
	unitFailed
	unitExisting
)

// processUnit creates the provider task and ledger row for idx. Provider
// failures are recorded on the row; only ledger errors and context expiry are
// returned.
func (d *Dispatcher) processUnit(ctx context.Context, msg domain.ChunkMessage, idx int, log *zerolog.Logger) (unitOutcome, error) {
	exists, err := d.ledger.Exists(ctx, msg.JobID, idx)
	if err != nil {
		return 0, err
	}
	if exists {
		return unitExisting, nil
	}

	entry := &domain.LedgerEntry{JobID: msg.JobID, UnitIndex: idx}
	snap, err := catalog.Resolve(msg, idx)
	if err == nil {
		entry.PromptSnapshot, err = catalog.Marshal(snap)
	}
	if err != nil {
		return d.recordFailure(ctx, entry, err, log)
	}

	taskID, err := d.provider.CreateTask(ctx, genapi.UnitRequest{
		JobID:           msg.JobID,
		UnitIndex:       idx,
		Prompt:          snap.Prompt,
		NegativePrompt:  snap.NegativePrompt,
		Seed:            snap.Seed,
		StyleID:         snap.StyleID,
		SubjectRef:      snap.SubjectRef,
		ReferenceInputs: snap.ReferenceInputs,
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return d.recordFailure(ctx, entry, fmt.Errorf("%w: %v", domain.ErrProviderTaskCreation, err), log)
	}

	entry.ExternalTaskID = &taskID
	entry.Status = domain.LedgerStatusPending
	inserted, err := d.ledger.Insert(ctx, entry)
	if err != nil {
		return 0, err
	}
	if !inserted {
		log.Warn().Int("unit_index", idx).Str("task_id", taskID).Msg("dispatch: concurrent delivery recorded unit first")
		return unitExisting, nil
	}
	log.Debug().Int("unit_index", idx).Str("task_id", taskID).Msg("dispatch: task created")
	return unitCreated, nil
}

func (d *Dispatcher) recordFailure(ctx context.Context, entry *domain.LedgerEntry, cause error, log *zerolog.Logger) (unitOutcome, error) {
	msg := cause.Error()
	entry.Status = domain.LedgerStatusFailed
	entry.ErrorMessage = &msg
	inserted, err := d.ledger.Insert(ctx, entry)
	if err != nil {
		return 0, err
	}
	log.Warn().Err(cause).Int("unit_index", entry.UnitIndex).Msg("dispatch: unit failed")
	if !inserted {
		return unitExisting, nil
	}
	return unitFailed, nil
}

func (d *Dispatcher) publish(ctx context.Context, next domain.ChunkMessage) error {
	body, err := next.Marshal()
	if err != nil {
		return err
	}
	receipt, err := d.publisher.Publish(ctx, queue.Message{
		Body:            body,
		DeduplicationID: fmt.Sprintf("%s:%d", next.JobID, next.StartIndex),
	})
	if err != nil {
		return err
	}
	d.logger.Info().
		Str("job_id", next.JobID).
		Int("start_index", next.StartIndex).
		Str("message_id", receipt.MessageID).
		Msg("dispatch: continuation published")
	return nil
}

// retry annotates the job with a non-terminal error and asks for redelivery.
func (d *Dispatcher) retry(ctx context.Context, msg domain.ChunkMessage, res Result, reason string, cause error) Result {
	res.Outcome = Retry
	res.Reason = reason
	res.Err = fmt.Errorf("%w: %s: %v", domain.ErrTransientInfrastructure, reason, cause)

	// The invocation context may already be expired.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	note := fmt.Sprintf("chunk %s: %s, retrying", msg.Window(), reason)
	if err := d.jobs.AnnotateError(actx, msg.JobID, note); err != nil {
		d.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("dispatch: annotate job error")
	}
	return res
}
