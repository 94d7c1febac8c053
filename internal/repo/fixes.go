package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"forgeline/internal/domain"
)

// ErrVersionConflict signals a lost optimistic-concurrency race on RetryState.
var ErrVersionConflict = errors.New("retry state version conflict")

// Approval gates

const gateCols = `id,run_id,iteration,required,status,COALESCE(reason,'') AS reason,COALESCE(payload_json,'') AS payload_json,requested_by,reviewer_id,COALESCE(notes,'') AS notes,created_at,resolved_at`

func scanGate(row *sql.Row) (domain.ApprovalGate, error) {
	var g domain.ApprovalGate
	var required int
	var reviewer, resolved sql.NullString
	err := row.Scan(&g.ID, &g.RunID, &g.Iteration, &required, &g.Status, &g.Reason, &g.PayloadJSON, &g.RequestedBy, &reviewer, &g.Notes, &g.CreatedAt, &resolved)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	g.Required = required != 0
	if reviewer.Valid {
		g.ReviewerID = &reviewer.String
	}
	if resolved.Valid {
		g.ResolvedAt = &resolved.String
	}
	return g, err
}

// InsertGateTx creates the gate for (run, iteration). The unique constraint
// keeps at most one gate per iteration.
func (r Repo) InsertGateTx(ctx context.Context, tx *sql.Tx, g domain.ApprovalGate) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_gates(id,run_id,iteration,required,status,reason,payload_json,requested_by,reviewer_id,notes,created_at,resolved_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.RunID, g.Iteration, boolToInt(g.Required), g.Status, nullable(g.Reason), nullable(g.PayloadJSON), g.RequestedBy, nullableP(g.ReviewerID), nullable(g.Notes), g.CreatedAt, nullableP(g.ResolvedAt))
	return err
}

func (r Repo) GetGate(ctx context.Context, id string) (domain.ApprovalGate, error) {
	return scanGate(r.DB.QueryRowContext(ctx, `SELECT `+gateCols+` FROM approval_gates WHERE id=?`, id))
}

func (r Repo) GetGateTx(ctx context.Context, tx *sql.Tx, id string) (domain.ApprovalGate, error) {
	return scanGate(tx.QueryRowContext(ctx, `SELECT `+gateCols+` FROM approval_gates WHERE id=?`, id))
}

func (r Repo) GetGateByIterationTx(ctx context.Context, tx *sql.Tx, runID string, iteration int) (domain.ApprovalGate, error) {
	return scanGate(tx.QueryRowContext(ctx, `SELECT `+gateCols+` FROM approval_gates WHERE run_id=? AND iteration=?`, runID, iteration))
}

func (r Repo) ListGates(ctx context.Context, runID string) ([]domain.ApprovalGate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+gateCols+` FROM approval_gates WHERE run_id=? ORDER BY iteration ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalGate
	for rows.Next() {
		var g domain.ApprovalGate
		var required int
		var reviewer, resolved sql.NullString
		if err := rows.Scan(&g.ID, &g.RunID, &g.Iteration, &required, &g.Status, &g.Reason, &g.PayloadJSON, &g.RequestedBy, &reviewer, &g.Notes, &g.CreatedAt, &resolved); err != nil {
			return nil, err
		}
		g.Required = required != 0
		if reviewer.Valid {
			g.ReviewerID = &reviewer.String
		}
		if resolved.Valid {
			g.ResolvedAt = &resolved.String
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// ListEscalationGates returns the gates raised by the auto-fix escalation
// path, identified by their reason prefix.
func (r Repo) ListEscalationGates(ctx context.Context, runID string) ([]domain.ApprovalGate, error) {
	all, err := r.ListGates(ctx, runID)
	if err != nil {
		return nil, err
	}
	var res []domain.ApprovalGate
	for _, g := range all {
		if strings.HasPrefix(g.Reason, "escalation:") {
			res = append(res, g)
		}
	}
	return res, nil
}

// ResolveGateTx moves a pending gate to approved or rejected exactly once.
// A gate already resolved stays untouched and the caller gets a conflict.
func (r Repo) ResolveGateTx(ctx context.Context, tx *sql.Tx, id, status, reviewerID, notes, resolvedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE approval_gates SET status=?, reviewer_id=?, notes=?, resolved_at=? WHERE id=? AND status='pending'`,
		status, reviewerID, nullable(notes), resolvedAt, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("gate %s is not pending", id)
	}
	return nil
}

// Auto-fix runs (append-only)

func (r Repo) InsertAutoFixRunTx(ctx context.Context, tx *sql.Tx, a domain.AutoFixRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO autofix_runs(id,run_id,step_id,signal_type,severity,strategy,outcome,attempt,backoff_ms,evidence_json,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.RunID, a.StepID, a.SignalType, a.Severity, a.Strategy, a.Outcome, a.Attempt, a.BackoffMS, nullable(a.EvidenceJSON), a.CreatedAt)
	return err
}

func (r Repo) ListAutoFixRuns(ctx context.Context, runID string) ([]domain.AutoFixRun, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,step_id,signal_type,severity,strategy,outcome,attempt,backoff_ms,COALESCE(evidence_json,'') AS evidence_json,created_at FROM autofix_runs WHERE run_id=? ORDER BY created_at ASC, rowid ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AutoFixRun
	for rows.Next() {
		var a domain.AutoFixRun
		if err := rows.Scan(&a.ID, &a.RunID, &a.StepID, &a.SignalType, &a.Severity, &a.Strategy, &a.Outcome, &a.Attempt, &a.BackoffMS, &a.EvidenceJSON, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) ListAutoFixRunsTx(ctx context.Context, tx *sql.Tx, runID string) ([]domain.AutoFixRun, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id,run_id,step_id,signal_type,severity,strategy,outcome,attempt,backoff_ms,COALESCE(evidence_json,'') AS evidence_json,created_at FROM autofix_runs WHERE run_id=? ORDER BY created_at ASC, rowid ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AutoFixRun
	for rows.Next() {
		var a domain.AutoFixRun
		if err := rows.Scan(&a.ID, &a.RunID, &a.StepID, &a.SignalType, &a.Severity, &a.Strategy, &a.Outcome, &a.Attempt, &a.BackoffMS, &a.EvidenceJSON, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// Plan deltas

func (r Repo) InsertPlanDeltaTx(ctx context.Context, tx *sql.Tx, d domain.PlanDelta) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO plan_deltas(id,original_plan_id,new_plan_id,run_id,delta_json,triggered_by,created_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.OriginalPlanID, d.NewPlanID, d.RunID, nullable(d.DeltaJSON), d.TriggeredBy, d.CreatedAt)
	return err
}

func (r Repo) ListPlanDeltas(ctx context.Context, runID string) ([]domain.PlanDelta, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,original_plan_id,new_plan_id,run_id,COALESCE(delta_json,'') AS delta_json,triggered_by,created_at FROM plan_deltas WHERE run_id=? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PlanDelta
	for rows.Next() {
		var d domain.PlanDelta
		if err := rows.Scan(&d.ID, &d.OriginalPlanID, &d.NewPlanID, &d.RunID, &d.DeltaJSON, &d.TriggeredBy, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// Retry state

func (r Repo) InsertRetryStateTx(ctx context.Context, tx *sql.Tx, runID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO retry_states(run_id,total_attempts,per_step_json,last_backoff_ms,version,updated_at) VALUES (?,0,'{}',0,0,?)`, runID, now)
	return err
}

func scanRetryState(row *sql.Row) (domain.RetryState, error) {
	var s domain.RetryState
	var perStep string
	err := row.Scan(&s.RunID, &s.TotalAttempts, &perStep, &s.LastBackoffMS, &s.Version, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(perStep), &s.PerStep); err != nil {
		return s, fmt.Errorf("retry state per-step map: %w", err)
	}
	if s.PerStep == nil {
		s.PerStep = map[string]int{}
	}
	return s, nil
}

func (r Repo) GetRetryState(ctx context.Context, runID string) (domain.RetryState, error) {
	return scanRetryState(r.DB.QueryRowContext(ctx, `SELECT run_id,total_attempts,per_step_json,last_backoff_ms,version,updated_at FROM retry_states WHERE run_id=?`, runID))
}

func (r Repo) GetRetryStateTx(ctx context.Context, tx *sql.Tx, runID string) (domain.RetryState, error) {
	return scanRetryState(tx.QueryRowContext(ctx, `SELECT run_id,total_attempts,per_step_json,last_backoff_ms,version,updated_at FROM retry_states WHERE run_id=?`, runID))
}

// UpdateRetryStateTx writes the mutated state back, guarded by the version the
// caller read. Losing the race returns ErrVersionConflict; the caller must
// re-read and re-decide rather than blindly retry the write.
func (r Repo) UpdateRetryStateTx(ctx context.Context, tx *sql.Tx, s domain.RetryState, now string) error {
	perStep, err := json.Marshal(s.PerStep)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE retry_states SET total_attempts=?, per_step_json=?, last_backoff_ms=?, version=version+1, updated_at=? WHERE run_id=? AND version=?`,
		s.TotalAttempts, string(perStep), s.LastBackoffMS, now, s.RunID, s.Version)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrVersionConflict
	}
	return nil
}
