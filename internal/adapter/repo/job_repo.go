package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"avatarbatch/internal/domain"
	"avatarbatch/internal/infra"
	"avatarbatch/internal/sqlinline"
)

// JobRepositoryPG implements the dispatcher, poller and trigger views of the
// generation_jobs table. Each role only reaches its own statements.
type JobRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(sql infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{sql: sql}
}

// Create inserts a new pending job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	_, err := r.sql.Exec(ctx, sqlinline.QInsertJob,
		job.ID,
		job.OwnerRef,
		job.SubjectRef,
		job.StyleID,
		job.TotalUnits,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	job.Status = domain.JobStatusPending
	return nil
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := scanJob(r.sql.QueryRow(ctx, sqlinline.QSelectJob, jobID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// ClaimPending performs the atomic pending -> processing transition.
func (r *JobRepositoryPG) ClaimPending(ctx context.Context, jobID, claimToken string) (bool, error) {
	tag, err := r.sql.Exec(ctx, sqlinline.QClaimPendingJob, jobID, claimToken)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AnnotateError records a non-terminal error on a live job.
func (r *JobRepositoryPG) AnnotateError(ctx context.Context, jobID, message string) error {
	_, err := r.sql.Exec(ctx, sqlinline.QAnnotateJobError, jobID, message)
	return err
}

// AdvanceCursor raises the continuation cursor monotonically.
func (r *JobRepositoryPG) AdvanceCursor(ctx context.Context, jobID string, next int) (bool, error) {
	tag, err := r.sql.Exec(ctx, sqlinline.QAdvanceDispatchCursor, jobID, next)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListSettled returns processing jobs with no pending units left.
func (r *JobRepositoryPG) ListSettled(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QListSettledJobs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// IncrementCompleted bumps completed_units by one, bounded by total_units.
func (r *JobRepositoryPG) IncrementCompleted(ctx context.Context, jobID string) (bool, error) {
	tag, err := r.sql.Exec(ctx, sqlinline.QIncrementCompletedUnits, jobID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Finalize moves a processing job to completed or failed.
func (r *JobRepositoryPG) Finalize(ctx context.Context, jobID string, status domain.JobStatus, errMsg *string) (bool, error) {
	if !domain.CanTransition(domain.JobStatusProcessing, status) {
		return false, fmt.Errorf("%w: processing -> %s", domain.ErrInvalidTransition, status)
	}
	tag, err := r.sql.Exec(ctx, sqlinline.QFinalizeJob, jobID, string(status), errMsg)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var status string
	if err := row.Scan(
		&job.ID,
		&job.OwnerRef,
		&job.SubjectRef,
		&job.StyleID,
		&job.TotalUnits,
		&job.CompletedUnits,
		&status,
		&job.ErrorMessage,
		&job.ClaimToken,
		&job.DispatchCursor,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	return &job, nil
}

var (
	_ domain.DispatchJobRepository = (*JobRepositoryPG)(nil)
	_ domain.PollerJobRepository   = (*JobRepositoryPG)(nil)
	_ domain.TriggerJobRepository  = (*JobRepositoryPG)(nil)
)
