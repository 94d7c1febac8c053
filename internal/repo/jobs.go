package repo

import (
	"context"
	"database/sql"

	"forgeline/internal/domain"
)

// EnqueueJobTx schedules a unit of work. run_at in the future is how backoff
// delays are expressed; no worker ever sleeps on a retry.
func (r Repo) EnqueueJobTx(ctx context.Context, tx *sql.Tx, kind, runID, stepID, runAt, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(kind,run_id,step_id,run_at,status,created_at) VALUES (?,?,?,?,'queued',?)`,
		kind, runID, nullable(stepID), runAt, now)
	return err
}

// ClaimJob atomically claims the oldest due job for a worker. Returns
// ErrNotFound when nothing is due.
func (r Repo) ClaimJob(ctx context.Context, workerID, now string) (domain.Job, error) {
	var j domain.Job
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return j, err
	}
	defer tx.Rollback()

	var stepID sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT id,kind,run_id,step_id,run_at,status,attempts,created_at FROM jobs WHERE status='queued' AND run_at<=? ORDER BY run_at ASC, id ASC LIMIT 1`, now).
		Scan(&j.ID, &j.Kind, &j.RunID, &stepID, &j.RunAt, &j.Status, &j.Attempts, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if stepID.Valid {
		j.StepID = stepID.String
	}
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status='claimed', claimed_by=?, claimed_at=?, attempts=attempts+1 WHERE id=? AND status='queued'`, workerID, now, j.ID)
	if err != nil {
		return j, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return j, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return j, err
	}
	j.Status = "claimed"
	j.ClaimedBy = workerID
	j.Attempts++
	return j, nil
}

func (r Repo) FinishJob(ctx context.Context, id int64, status string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status=? WHERE id=?`, status, id)
	return err
}

// CountPendingJobs reports queued or claimed jobs for a run.
func (r Repo) CountPendingJobs(ctx context.Context, runID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE run_id=? AND status IN ('queued','claimed')`, runID).Scan(&n)
	return n, err
}
