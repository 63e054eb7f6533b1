package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// CreateJob inserts a job in status scheduled.
func (s *Store) CreateJob(ctx context.Context, in NewJob) (Job, error) {
	in.Type = strings.TrimSpace(in.Type)
	if in.Type == "" {
		return Job{}, fmt.Errorf("%w: job type is required", ErrInvalid)
	}
	if !in.ScheduleType.Valid() {
		return Job{}, fmt.Errorf("%w: unknown schedule type %q", ErrInvalid, in.ScheduleType)
	}
	if in.ScheduledFor.IsZero() {
		return Job{}, fmt.Errorf("%w: scheduled_for is required", ErrInvalid)
	}
	if in.ID == "" {
		in.ID = s.newID()
	}
	payload := "{}"
	if len(in.Payload) > 0 {
		payload = string(in.Payload)
	}
	now := millis(s.now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs(id, type, name, schedule_type, schedule_expr, payload_json, status,
			scheduled_for, model_ref, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, 'scheduled', ?, ?, ?, ?)`,
		in.ID, in.Type, in.Name, string(in.ScheduleType), in.Schedule, payload,
		millis(in.ScheduledFor), nullStr(in.ModelRef), now, now,
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique constraint") {
			return Job{}, fmt.Errorf("create job %s: %w: id exists", in.ID, ErrStateConflict)
		}
		return Job{}, wrap("create job", err)
	}
	return s.GetJob(ctx, in.ID)
}

func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	return getJob(ctx, s.db, id)
}

func getJob(ctx context.Context, q sqlx.QueryerContext, id string) (Job, error) {
	var row jobRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Job{}, wrap("get job", err)
	}
	return row.toJob(), nil
}

// ListEligibleJobs returns up to limit jobs that are due and unleased at now,
// oldest scheduled_for first.
func (s *Store) ListEligibleJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	ms := millis(now)
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'scheduled'
		  AND scheduled_for <= ?
		  AND (lock_owner IS NULL OR lock_expires_at < ?)
		ORDER BY scheduled_for ASC, id ASC
		LIMIT ?`, ms, ms, limit)
	if err != nil {
		return nil, wrap("list eligible jobs", err)
	}
	out := make([]Job, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toJob())
	}
	return out, nil
}

// ListJobs returns jobs newest first, optionally filtered by stored status.
func (s *Store) ListJobs(ctx context.Context, status JobStatus, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []jobRow
	var err error
	if status == "" {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id LIMIT ?`, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at DESC, id LIMIT ?`,
			string(status), limit)
	}
	if err != nil {
		return nil, wrap("list jobs", err)
	}
	out := make([]Job, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toJob())
	}
	return out, nil
}

// ClaimLease takes the lease on jobID for owner until expiresAt. It is one
// conditional UPDATE; the affected-row count is the only claim signal, so
// of N concurrent callers exactly one sees true.
func (s *Store) ClaimLease(ctx context.Context, jobID, owner string, now, expiresAt time.Time) (bool, error) {
	if owner == "" {
		return false, fmt.Errorf("%w: lease owner is required", ErrInvalid)
	}
	ms := millis(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET lock_owner = ?, lock_expires_at = ?, updated_at = ?
		WHERE id = ?
		  AND status = 'scheduled'
		  AND scheduled_for <= ?
		  AND (lock_owner IS NULL OR lock_expires_at < ?)`,
		owner, millis(expiresAt), ms, jobID, ms, ms,
	)
	if err != nil {
		return false, wrap("claim lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("claim lease", err)
	}
	return n == 1, nil
}

// ReleaseLease clears the lease if owner still holds it. It reports whether
// a lease was cleared.
func (s *Store) ReleaseLease(ctx context.Context, jobID, owner string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lock_owner = NULL, lock_expires_at = NULL, updated_at = ?
		WHERE id = ? AND lock_owner = ?`,
		millis(s.now()), jobID, owner,
	)
	if err != nil {
		return false, wrap("release lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("release lease", err)
	}
	return n == 1, nil
}

// MarkJobTerminal moves a job to done, failed or cancelled and drops any
// lease. A cancelled job cannot be moved to another terminal state.
func (s *Store) MarkJobTerminal(ctx context.Context, jobID string, state JobStatus) (Job, error) {
	if !state.Terminal() {
		return Job{}, fmt.Errorf("%w: %q is not a terminal state", ErrInvalid, state)
	}
	var out Job
	err := s.inTx(ctx, "mark job terminal", func(tx *sqlx.Tx) error {
		job, err := getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status == JobCancelled && state != JobCancelled {
			return fmt.Errorf("job %s is cancelled: %w", jobID, ErrStateConflict)
		}
		now := millis(s.now())
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, lock_owner = NULL, lock_expires_at = NULL, updated_at = ?
			WHERE id = ?`, string(state), now, jobID); err != nil {
			return err
		}
		out, err = getJob(ctx, tx, jobID)
		return err
	})
	return out, err
}

// ScheduleRunNow makes a job eligible immediately. It refuses with
// ErrStateConflict while a live lease is held (running work is never
// preempted) and for cancelled jobs; done and failed jobs are re-armed.
func (s *Store) ScheduleRunNow(ctx context.Context, jobID string) (RunNowResult, error) {
	now := s.now()
	ms := millis(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'scheduled', scheduled_for = ?, lock_owner = NULL, lock_expires_at = NULL, updated_at = ?
		WHERE id = ?
		  AND status <> 'cancelled'
		  AND (lock_owner IS NULL OR lock_expires_at < ?)`,
		ms, ms, jobID, ms,
	)
	if err != nil {
		return RunNowResult{}, wrap("schedule run now", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return RunNowResult{}, wrap("schedule run now", err)
	}
	if n == 0 {
		job, err := s.GetJob(ctx, jobID)
		if err != nil {
			return RunNowResult{}, err
		}
		if job.Status == JobCancelled {
			return RunNowResult{}, fmt.Errorf("job %s is cancelled: %w", jobID, ErrStateConflict)
		}
		return RunNowResult{}, fmt.Errorf("job %s is running (lease held by %s): %w", jobID, job.LockOwner, ErrStateConflict)
	}
	return RunNowResult{ID: jobID, Status: RunNowScheduled, ScheduledFor: fromMillis(ms)}, nil
}
