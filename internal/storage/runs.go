package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// StartRun records a running JobRun for a job whose lease owner still holds.
// The lease check and the insert share one transaction, so a worker whose
// lease expired and was re-claimed cannot open a second run.
func (s *Store) StartRun(ctx context.Context, jobID, owner string) (JobRun, error) {
	var out JobRun
	err := s.inTx(ctx, "start run", func(tx *sqlx.Tx) error {
		job, err := getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		now := s.now()
		if job.LockOwner != owner || !job.LeaseLive(now) {
			return fmt.Errorf("job %s: lease not held by %s: %w", jobID, owner, ErrStateConflict)
		}
		out = JobRun{
			ID:           s.newID(),
			JobID:        jobID,
			ScheduledFor: job.ScheduledFor,
			StartedAt:    fromMillis(millis(now)),
			Status:       RunRunning,
			CreatedAt:    fromMillis(millis(now)),
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO job_runs(id, job_id, scheduled_for, started_at, status, created_at)
			VALUES(?, ?, ?, ?, 'running', ?)`,
			out.ID, jobID, millis(job.ScheduledFor), millis(now), millis(now),
		)
		return err
	})
	if err != nil {
		return JobRun{}, err
	}
	return out, nil
}

// FinishRun closes a running run with outcome and, in the same transaction,
// writes next onto the job and drops owner's lease. If owner no longer holds
// the lease the run is still closed but the job is left alone; advanced
// reports which case happened. Finishing a closed run is ErrStateConflict.
func (s *Store) FinishRun(ctx context.Context, runID, owner string, outcome RunOutcome, next JobAdvance) (advanced bool, err error) {
	if outcome.Status != RunSuccess && outcome.Status != RunFailure {
		return false, fmt.Errorf("%w: run outcome must be success or failure, got %q", ErrInvalid, outcome.Status)
	}
	if next.Status != JobScheduled && next.Status != JobDone && next.Status != JobFailed {
		return false, fmt.Errorf("%w: cannot advance job to %q", ErrInvalid, next.Status)
	}
	err = s.inTx(ctx, "finish run", func(tx *sqlx.Tx) error {
		var row runRow
		err := tx.GetContext(ctx, &row, `SELECT `+runColumns+` FROM job_runs WHERE id = ?`, runID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if row.FinishedAt.Valid {
			return fmt.Errorf("run %s already finished: %w", runID, ErrStateConflict)
		}

		now := millis(s.now())
		if _, err := tx.ExecContext(ctx, `
			UPDATE job_runs
			SET finished_at = ?, status = ?, error_code = ?, error_message = ?, result_json = ?, prompt_provenance = ?
			WHERE id = ? AND finished_at IS NULL`,
			now, string(outcome.Status), nullStr(outcome.ErrorCode), nullStr(outcome.ErrorMessage),
			nullJSON(outcome.Result), nullStr(outcome.PromptProvenance), runID,
		); err != nil {
			return err
		}

		scheduledFor := next.ScheduledFor
		if scheduledFor.IsZero() {
			scheduledFor = fromMillis(row.ScheduledFor)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, scheduled_for = ?, last_run_at = ?, lock_owner = NULL, lock_expires_at = NULL, updated_at = ?
			WHERE id = ? AND lock_owner = ? AND status = 'scheduled'`,
			string(next.Status), millis(scheduledFor), now, now, row.JobID, owner,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		advanced = n == 1
		return nil
	})
	return advanced, err
}

func (s *Store) GetRun(ctx context.Context, runID string) (JobRun, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT `+runColumns+` FROM job_runs WHERE id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRun{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return JobRun{}, wrap("get run", err)
	}
	return row.toRun(), nil
}

// ListRuns returns a job's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, jobID string, limit int) ([]JobRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+runColumns+` FROM job_runs
		WHERE job_id = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, wrap("list runs", err)
	}
	out := make([]JobRun, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRun())
	}
	return out, nil
}
