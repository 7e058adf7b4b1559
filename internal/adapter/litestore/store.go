// Package litestore keeps jobs and the task ledger in a SQLite file. It backs
// local runs (DATABASE_URL=sqlite:...) and exercises the same unique-key and
// compare-and-swap rules as the Postgres repositories.
package litestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"avatarbatch/internal/db"
	"avatarbatch/internal/domain"
)

// Store implements every job role and the ledger repository.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the SQLite database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "avatarbatch.db"
	}
	conn, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers the way row locks do on Postgres.
	conn.SetMaxOpenConns(1)
	s := &Store{db: conn}
	if err := s.migrate(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("litestore: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(db.SQLiteSchema)
	return err
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const jobColumns = `id, owner_ref, subject_ref, style_id, total_units, completed_units, status,
	error_message, coalesce(claim_token, ''), dispatch_cursor, created_at, updated_at`

func (s *Store) Create(ctx context.Context, job *domain.Job) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO generation_jobs (id, owner_ref, subject_ref, style_id, total_units, status)
		VALUES (?, ?, ?, ?, ?, 'pending')`,
		job.ID, job.OwnerRef, job.SubjectRef, job.StyleID, job.TotalUnits)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	job.Status = domain.JobStatusPending
	return nil
}

func (s *Store) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (s *Store) ClaimPending(ctx context.Context, jobID, claimToken string) (bool, error) {
	return s.execAffected(ctx, `UPDATE generation_jobs
		SET status = 'processing', claim_token = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'pending'`, claimToken, jobID)
}

func (s *Store) AnnotateError(ctx context.Context, jobID, message string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE generation_jobs
		SET error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN ('pending', 'processing')`, message, jobID)
	return err
}

func (s *Store) AdvanceCursor(ctx context.Context, jobID string, next int) (bool, error) {
	return s.execAffected(ctx, `UPDATE generation_jobs
		SET dispatch_cursor = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND dispatch_cursor < ?`, next, jobID, next)
}

func (s *Store) ListSettled(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM generation_jobs j
		WHERE j.status = 'processing'
		AND (SELECT count(*) FROM task_ledger l WHERE l.job_id = j.id) >= j.total_units
		AND NOT EXISTS (SELECT 1 FROM task_ledger l WHERE l.job_id = j.id AND l.status = 'pending')
		ORDER BY j.updated_at ASC LIMIT ?`, limit)
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

func (s *Store) IncrementCompleted(ctx context.Context, jobID string) (bool, error) {
	return s.execAffected(ctx, `UPDATE generation_jobs
		SET completed_units = completed_units + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'processing' AND completed_units < total_units`, jobID)
}

func (s *Store) Finalize(ctx context.Context, jobID string, status domain.JobStatus, errMsg *string) (bool, error) {
	if !domain.CanTransition(domain.JobStatusProcessing, status) {
		return false, fmt.Errorf("%w: processing -> %s", domain.ErrInvalidTransition, status)
	}
	return s.execAffected(ctx, `UPDATE generation_jobs
		SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'processing'`, string(status), errMsg, jobID)
}

func (s *Store) Exists(ctx context.Context, jobID string, unitIndex int) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (
		SELECT 1 FROM task_ledger WHERE job_id = ? AND unit_index = ?)`, jobID, unitIndex).Scan(&exists)
	return exists, err
}

func (s *Store) Insert(ctx context.Context, entry *domain.LedgerEntry) (bool, error) {
	if entry == nil {
		return false, fmt.Errorf("ledger entry is required")
	}
	snapshot := string(entry.PromptSnapshot)
	if snapshot == "" {
		snapshot = "{}"
	}
	return s.execAffected(ctx, `INSERT INTO task_ledger
		(job_id, unit_index, external_task_id, prompt_snapshot, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, unit_index) DO NOTHING`,
		entry.JobID, entry.UnitIndex, entry.ExternalTaskID, snapshot, string(entry.Status), entry.ErrorMessage)
}

const ledgerColumns = `l.job_id, l.unit_index, l.external_task_id, l.prompt_snapshot, l.status,
	l.error_message, l.result_ref, l.created_at, l.updated_at`

func (s *Store) ListByJob(ctx context.Context, jobID string) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ledgerColumns+` FROM task_ledger l
		WHERE l.job_id = ? ORDER BY l.unit_index ASC`, jobID)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (s *Store) ListPending(ctx context.Context, limit int) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ledgerColumns+` FROM task_ledger l
		JOIN generation_jobs j ON j.id = l.job_id
		WHERE l.status = 'pending' AND l.external_task_id IS NOT NULL AND j.status = 'processing'
		ORDER BY l.polled_at ASC NULLS FIRST, l.created_at ASC, l.unit_index ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (s *Store) MarkPolled(ctx context.Context, jobID string, unitIndex int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE task_ledger
		SET polled_at = strftime('%Y-%m-%d %H:%M:%f', 'now')
		WHERE job_id = ? AND unit_index = ? AND status = 'pending'`, jobID, unitIndex)
	return err
}

func (s *Store) Resolve(ctx context.Context, jobID string, unitIndex int, status domain.LedgerStatus, resultRef, errMsg *string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: pending -> %s", domain.ErrInvalidTransition, status)
	}
	return s.execAffected(ctx, `UPDATE task_ledger
		SET status = ?, result_ref = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE job_id = ? AND unit_index = ? AND status = 'pending'`,
		string(status), resultRef, errMsg, jobID, unitIndex)
}

func (s *Store) Summarize(ctx context.Context, jobID string) (domain.LedgerSummary, error) {
	var sum domain.LedgerSummary
	err := s.db.QueryRowContext(ctx, `SELECT count(*),
		coalesce(sum(status = 'pending'), 0),
		coalesce(sum(status = 'completed'), 0),
		coalesce(sum(status = 'failed'), 0)
		FROM task_ledger WHERE job_id = ?`, jobID).Scan(&sum.Total, &sum.Pending, &sum.Completed, &sum.Failed)
	return sum, err
}

func (s *Store) execAffected(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		job       domain.Job
		status    string
		errMsg    sql.NullString
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(
		&job.ID,
		&job.OwnerRef,
		&job.SubjectRef,
		&job.StyleID,
		&job.TotalUnits,
		&job.CompletedUnits,
		&status,
		&errMsg,
		&job.ClaimToken,
		&job.DispatchCursor,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	if errMsg.Valid {
		job.ErrorMessage = &errMsg.String
	}
	job.CreatedAt = createdAt
	job.UpdatedAt = updatedAt
	return &job, nil
}

func collectEntries(rows *sql.Rows) ([]domain.LedgerEntry, error) {
	defer rows.Close()
	var entries []domain.LedgerEntry
	for rows.Next() {
		var (
			e        domain.LedgerEntry
			taskID   sql.NullString
			snapshot string
			status   string
			errMsg   sql.NullString
			result   sql.NullString
		)
		if err := rows.Scan(&e.JobID, &e.UnitIndex, &taskID, &snapshot, &status, &errMsg, &result, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Status = domain.LedgerStatus(status)
		e.PromptSnapshot = []byte(snapshot)
		e.ExternalTaskID = nullableString(taskID)
		e.ErrorMessage = nullableString(errMsg)
		e.ResultRef = nullableString(result)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Token returns the stored provider key, or "" when none is stored.
func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `SELECT token FROM provider_credentials WHERE provider = ?`, provider).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(token), nil
}

// SetToken stores or replaces the key for provider.
func (s *Store) SetToken(ctx context.Context, provider, token string, props map[string]any) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("litestore: token is required")
	}
	if props == nil {
		props = map[string]any{}
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO provider_credentials (provider, token, properties, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (provider) DO UPDATE SET token = excluded.token, properties = excluded.properties, updated_at = CURRENT_TIMESTAMP`,
		provider, token, string(raw))
	return err
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

var (
	_ domain.DispatchJobRepository = (*Store)(nil)
	_ domain.PollerJobRepository   = (*Store)(nil)
	_ domain.TriggerJobRepository  = (*Store)(nil)
	_ domain.LedgerRepository      = (*Store)(nil)
)
