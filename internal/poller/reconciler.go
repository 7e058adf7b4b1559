// Package poller reconciles pending ledger rows with the provider and settles
// jobs once every unit is terminal.
package poller

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"avatarbatch/internal/domain"
	"avatarbatch/internal/infra"
	"avatarbatch/internal/providers/genapi"
)

// Options configures a Reconciler.
type Options struct {
	// Threshold is the minimum completed fraction for a job to succeed.
	Threshold float64
	BatchSize int
	Logger    *infra.Logger
}

// Reconciler is the completion poller. It writes only ledger terminal fields,
// job completed_units and the job's terminal status.
type Reconciler struct {
	jobs      domain.PollerJobRepository
	ledger    domain.LedgerRepository
	provider  genapi.Provider
	threshold float64
	batch     int
	logger    *infra.Logger
}

// Stats summarizes one pass.
type Stats struct {
	Checked   int
	Running   int
	Completed int
	Failed    int
	Errors    int
	Finalized int
}

// New builds a Reconciler.
func New(jobs domain.PollerJobRepository, ledger domain.LedgerRepository, provider genapi.Provider, opts Options) *Reconciler {
	threshold := opts.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.5
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 50
	}
	logger := opts.Logger
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	return &Reconciler{jobs: jobs, ledger: ledger, provider: provider, threshold: threshold, batch: batch, logger: logger}
}

// RunOnce polls one batch of pending tasks, then finalizes settled jobs.
// Tasks that stay unsettled are marked polled so the next pass reaches rows
// behind them.
func (r *Reconciler) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	entries, err := r.ledger.ListPending(ctx, r.batch)
	if err != nil {
		return stats, fmt.Errorf("list pending ledger: %w", err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		r.poll(ctx, e, &stats)
	}

	jobs, err := r.jobs.ListSettled(ctx, r.batch)
	if err != nil {
		return stats, fmt.Errorf("list settled jobs: %w", err)
	}
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		finalized, err := r.finalize(ctx, job)
		if err != nil {
			stats.Errors++
			r.logger.Error().Err(err).Str("job_id", job.ID).Msg("poller: finalize")
			continue
		}
		if finalized {
			stats.Finalized++
		}
	}
	return stats, nil
}

func (r *Reconciler) poll(ctx context.Context, e domain.LedgerEntry, stats *Stats) {
	stats.Checked++
	if e.ExternalTaskID == nil {
		return
	}
	taskID := *e.ExternalTaskID
	log := r.logger.With().Str("job_id", e.JobID).Int("unit_index", e.UnitIndex).Str("task_id", taskID).Logger()

	st, err := r.provider.TaskStatus(ctx, taskID)
	if err != nil {
		stats.Errors++
		log.Warn().Err(err).Msg("poller: task status")
		r.markPolled(ctx, e, log)
		return
	}
	if !st.State.IsTerminal() {
		stats.Running++
		r.markPolled(ctx, e, log)
		return
	}

	if st.State == genapi.TaskSucceeded {
		ref := st.ResultURL
		won, err := r.ledger.Resolve(ctx, e.JobID, e.UnitIndex, domain.LedgerStatusCompleted, &ref, nil)
		if err != nil {
			stats.Errors++
			log.Error().Err(err).Msg("poller: resolve ledger")
			return
		}
		if !won {
			return
		}
		stats.Completed++
		if _, err := r.jobs.IncrementCompleted(ctx, e.JobID); err != nil {
			stats.Errors++
			log.Error().Err(err).Msg("poller: increment completed")
		}
		return
	}

	reason := st.Error
	if reason == "" {
		reason = "provider reported failure"
	}
	won, err := r.ledger.Resolve(ctx, e.JobID, e.UnitIndex, domain.LedgerStatusFailed, nil, &reason)
	if err != nil {
		stats.Errors++
		log.Error().Err(err).Msg("poller: resolve ledger")
		return
	}
	if won {
		stats.Failed++
		log.Info().Str("reason", reason).Msg("poller: unit failed")
	}
}

func (r *Reconciler) markPolled(ctx context.Context, e domain.LedgerEntry, log zerolog.Logger) {
	if err := r.ledger.MarkPolled(ctx, e.JobID, e.UnitIndex); err != nil {
		log.Warn().Err(err).Msg("poller: mark polled")
	}
}

// finalize settles job when every unit has a terminal ledger row.
func (r *Reconciler) finalize(ctx context.Context, job domain.Job) (bool, error) {
	sum, err := r.ledger.Summarize(ctx, job.ID)
	if err != nil {
		return false, err
	}
	if !sum.Settled(job.TotalUnits) {
		return false, nil
	}
	status, msg := Decide(sum.Completed, job.TotalUnits, r.threshold)
	won, err := r.jobs.Finalize(ctx, job.ID, status, msg)
	if err != nil {
		return false, err
	}
	if won {
		r.logger.Info().
			Str("job_id", job.ID).
			Str("status", string(status)).
			Int("completed", sum.Completed).
			Int("total_units", job.TotalUnits).
			Msg("poller: job finalized")
	}
	return won, nil
}

// Decide applies the completion threshold. The failure message is generic.
func Decide(completed, total int, threshold float64) (domain.JobStatus, *string) {
	if total > 0 {
		need := int(math.Ceil(threshold*float64(total) - 1e-9))
		if completed >= need && completed > 0 {
			return domain.JobStatusCompleted, nil
		}
	}
	msg := fmt.Sprintf("generation failed: %d of %d images completed", completed, total)
	return domain.JobStatusFailed, &msg
}
