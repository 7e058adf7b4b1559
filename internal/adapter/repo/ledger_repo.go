package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"avatarbatch/internal/domain"
	"avatarbatch/internal/infra"
	"avatarbatch/internal/sqlinline"
)

// LedgerRepositoryPG implements domain.LedgerRepository.
type LedgerRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewLedgerRepository creates a ledger repository backed by PostgreSQL.
func NewLedgerRepository(sql infra.SQLExecutor) *LedgerRepositoryPG {
	return &LedgerRepositoryPG{sql: sql}
}

// Exists reports whether a row for (jobID, unitIndex) is present.
func (r *LedgerRepositoryPG) Exists(ctx context.Context, jobID string, unitIndex int) (bool, error) {
	var exists bool
	if err := r.sql.QueryRow(ctx, sqlinline.QLedgerEntryExists, jobID, unitIndex).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// Insert creates the row unless the key is already taken.
func (r *LedgerRepositoryPG) Insert(ctx context.Context, entry *domain.LedgerEntry) (bool, error) {
	if entry == nil {
		return false, fmt.Errorf("ledger entry is required")
	}
	snapshot := entry.PromptSnapshot
	if len(snapshot) == 0 {
		snapshot = []byte("{}")
	}
	tag, err := r.sql.Exec(ctx, sqlinline.QInsertLedgerEntry,
		entry.JobID,
		entry.UnitIndex,
		entry.ExternalTaskID,
		[]byte(snapshot),
		string(entry.Status),
		entry.ErrorMessage,
	)
	if err != nil {
		if infra.IsUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListByJob returns every ledger row of a job ordered by unit index.
func (r *LedgerRepositoryPG) ListByJob(ctx context.Context, jobID string) ([]domain.LedgerEntry, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QListLedgerByJob, jobID)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// ListPending returns pending rows with a provider task id for live jobs.
func (r *LedgerRepositoryPG) ListPending(ctx context.Context, limit int) ([]domain.LedgerEntry, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QListPendingLedger, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// MarkPolled stamps polled_at on a row that is still pending.
func (r *LedgerRepositoryPG) MarkPolled(ctx context.Context, jobID string, unitIndex int) error {
	_, err := r.sql.Exec(ctx, sqlinline.QMarkLedgerPolled, jobID, unitIndex)
	return err
}

// Resolve terminalizes a pending row. Only the first caller wins.
func (r *LedgerRepositoryPG) Resolve(ctx context.Context, jobID string, unitIndex int, status domain.LedgerStatus, resultRef, errMsg *string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: pending -> %s", domain.ErrInvalidTransition, status)
	}
	tag, err := r.sql.Exec(ctx, sqlinline.QResolveLedgerEntry, jobID, unitIndex, string(status), resultRef, errMsg)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Summarize counts ledger rows per status for one job.
func (r *LedgerRepositoryPG) Summarize(ctx context.Context, jobID string) (domain.LedgerSummary, error) {
	var s domain.LedgerSummary
	err := r.sql.QueryRow(ctx, sqlinline.QSummarizeLedger, jobID).Scan(&s.Total, &s.Pending, &s.Completed, &s.Failed)
	return s, err
}

func collectEntries(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	defer rows.Close()
	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var status string
		var snapshot []byte
		if err := rows.Scan(
			&e.JobID,
			&e.UnitIndex,
			&e.ExternalTaskID,
			&snapshot,
			&status,
			&e.ErrorMessage,
			&e.ResultRef,
			&e.CreatedAt,
			&e.UpdatedAt,
		); err != nil {
			return nil, err
		}
		e.Status = domain.LedgerStatus(status)
		e.PromptSnapshot = append([]byte(nil), snapshot...)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ domain.LedgerRepository = (*LedgerRepositoryPG)(nil)
