package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"forgeline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableP(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

// Tenants

func (r Repo) InsertTenant(ctx context.Context, t domain.Tenant) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tenants(id,name,created_at) VALUES (?,?,?)`, t.ID, t.Name, t.CreatedAt)
	return err
}

func (r Repo) EnsureTenant(ctx context.Context, tx *sql.Tx, id, name, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tenants(id,name,created_at) VALUES (?,?,?)`, id, name, now)
	return err
}

func (r Repo) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var t domain.Tenant
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM tenants WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// Scaffold specs

func scanSpec(row *sql.Row) (domain.ScaffoldSpec, error) {
	var s domain.ScaffoldSpec
	var shape sql.NullString
	err := row.Scan(&s.ID, &s.TenantID, &s.Name, &s.Mode, &s.Status, &s.Brief, &shape, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if shape.Valid {
		s.ShapeJSON = shape.String
	}
	return s, err
}

const specCols = `id,tenant_id,name,mode,status,brief,COALESCE(shape_json,'') AS shape_json,created_at,updated_at`

func (r Repo) InsertSpec(ctx context.Context, s domain.ScaffoldSpec) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO scaffold_specs(id,tenant_id,name,mode,status,brief,shape_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.TenantID, s.Name, s.Mode, s.Status, s.Brief, nullable(s.ShapeJSON), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) InsertSpecTx(ctx context.Context, tx *sql.Tx, s domain.ScaffoldSpec) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO scaffold_specs(id,tenant_id,name,mode,status,brief,shape_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.TenantID, s.Name, s.Mode, s.Status, s.Brief, nullable(s.ShapeJSON), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSpec(ctx context.Context, id string) (domain.ScaffoldSpec, error) {
	return scanSpec(r.DB.QueryRowContext(ctx, `SELECT `+specCols+` FROM scaffold_specs WHERE id=?`, id))
}

func (r Repo) ListSpecs(ctx context.Context, tenantID string) ([]domain.ScaffoldSpec, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+specCols+` FROM scaffold_specs WHERE tenant_id=? ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScaffoldSpec
	for rows.Next() {
		var s domain.ScaffoldSpec
		if err := rows.Scan(&s.ID, &s.TenantID, &s.Name, &s.Mode, &s.Status, &s.Brief, &s.ShapeJSON, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateSpecStatusTx enforces the monotonic draft -> planned -> approved
// transition; archived is reachable from any state.
func (r Repo) UpdateSpecStatusTx(ctx context.Context, tx *sql.Tx, id, from, to, updatedAt string) error {
	if !validSpecTransition(from, to) {
		return fmt.Errorf("invalid spec status transition %s -> %s", from, to)
	}
	res, err := tx.ExecContext(ctx, `UPDATE scaffold_specs SET status=?, updated_at=? WHERE id=? AND status=?`, to, updatedAt, id, from)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("spec %s no longer in status %s", id, from)
	}
	return nil
}

func validSpecTransition(from, to string) bool {
	if to == "archived" {
		return true
	}
	switch from {
	case "draft":
		return to == "planned"
	case "planned":
		return to == "approved"
	}
	return false
}

// Scaffold plans

func scanPlan(row *sql.Row) (domain.ScaffoldPlan, error) {
	var p domain.ScaffoldPlan
	err := row.Scan(&p.ID, &p.SpecID, &p.Version, &p.RiskScore, &p.GraphJSON, &p.AgentsJSON, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

const planCols = `id,spec_id,version,risk_score,graph_json,COALESCE(agents_json,'') AS agents_json,created_at`

func (r Repo) InsertPlanTx(ctx context.Context, tx *sql.Tx, p domain.ScaffoldPlan) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO scaffold_plans(id,spec_id,version,risk_score,graph_json,agents_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.SpecID, p.Version, p.RiskScore, p.GraphJSON, nullable(p.AgentsJSON), p.CreatedAt)
	return err
}

func (r Repo) GetPlan(ctx context.Context, id string) (domain.ScaffoldPlan, error) {
	return scanPlan(r.DB.QueryRowContext(ctx, `SELECT `+planCols+` FROM scaffold_plans WHERE id=?`, id))
}

func (r Repo) LatestPlanVersionTx(ctx context.Context, tx *sql.Tx, specID string) (int, error) {
	var v sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM scaffold_plans WHERE spec_id=?`, specID).Scan(&v)
	if err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

func (r Repo) ListPlans(ctx context.Context, specID string) ([]domain.ScaffoldPlan, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+planCols+` FROM scaffold_plans WHERE spec_id=? ORDER BY version ASC`, specID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScaffoldPlan
	for rows.Next() {
		var p domain.ScaffoldPlan
		if err := rows.Scan(&p.ID, &p.SpecID, &p.Version, &p.RiskScore, &p.GraphJSON, &p.AgentsJSON, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// Build runs

const runCols = `id,plan_id,tenant_id,status,iteration,max_iterations,successor_id,elapsed_ms,COALESCE(metrics_json,'') AS metrics_json,created_at,updated_at`

func scanRun(row *sql.Row) (domain.BuildRun, error) {
	var b domain.BuildRun
	var successor sql.NullString
	err := row.Scan(&b.ID, &b.PlanID, &b.TenantID, &b.Status, &b.Iteration, &b.MaxIterations, &successor, &b.ElapsedMS, &b.MetricsJSON, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if successor.Valid {
		b.SuccessorID = &successor.String
	}
	return b, err
}

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, b domain.BuildRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO build_runs(id,plan_id,tenant_id,status,iteration,max_iterations,successor_id,elapsed_ms,metrics_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.PlanID, b.TenantID, b.Status, b.Iteration, b.MaxIterations, nullableP(b.SuccessorID), b.ElapsedMS, nullable(b.MetricsJSON), b.CreatedAt, b.UpdatedAt)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.BuildRun, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runCols+` FROM build_runs WHERE id=?`, id))
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.BuildRun, error) {
	return scanRun(tx.QueryRowContext(ctx, `SELECT `+runCols+` FROM build_runs WHERE id=?`, id))
}

func (r Repo) ListRuns(ctx context.Context, tenantID string) ([]domain.BuildRun, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runCols+` FROM build_runs WHERE tenant_id=? ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BuildRun
	for rows.Next() {
		var b domain.BuildRun
		var successor sql.NullString
		if err := rows.Scan(&b.ID, &b.PlanID, &b.TenantID, &b.Status, &b.Iteration, &b.MaxIterations, &successor, &b.ElapsedMS, &b.MetricsJSON, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		if successor.Valid {
			b.SuccessorID = &successor.String
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// UpdateRunStatusTx moves a run between states. A run already in a terminal
// state is never moved again; callers get a conflict.
func (r Repo) UpdateRunStatusTx(ctx context.Context, tx *sql.Tx, id, from, to, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE build_runs SET status=?, updated_at=? WHERE id=? AND status=?`, to, updatedAt, id, from)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("run %s no longer in status %s", id, from)
	}
	return nil
}

// BumpRunIterationTx advances the run's fix-loop iteration counter.
func (r Repo) BumpRunIterationTx(ctx context.Context, tx *sql.Tx, id, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE build_runs SET iteration=iteration+1, updated_at=? WHERE id=?`, updatedAt, id)
	return err
}

func (r Repo) SetRunSuccessorTx(ctx context.Context, tx *sql.Tx, id, successorID, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE build_runs SET successor_id=?, updated_at=? WHERE id=?`, successorID, updatedAt, id)
	return err
}

func (r Repo) AddRunElapsedTx(ctx context.Context, tx *sql.Tx, id string, deltaMS int64, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE build_runs SET elapsed_ms=elapsed_ms+?, updated_at=? WHERE id=?`, deltaMS, updatedAt, id)
	return err
}

func (r Repo) SetRunMetricsTx(ctx context.Context, tx *sql.Tx, id, metricsJSON, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE build_runs SET metrics_json=?, updated_at=? WHERE id=?`, nullable(metricsJSON), updatedAt, id)
	return err
}

// Build steps

const stepCols = `id,run_id,name,status,attempt,COALESCE(input_json,'') AS input_json,COALESCE(output_json,'') AS output_json,COALESCE(error,'') AS error,started_at,finished_at,created_at`

func scanStep(row *sql.Row) (domain.BuildStep, error) {
	var s domain.BuildStep
	var started, finished sql.NullString
	err := row.Scan(&s.ID, &s.RunID, &s.Name, &s.Status, &s.Attempt, &s.InputJSON, &s.OutputJSON, &s.Error, &started, &finished, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if started.Valid {
		s.StartedAt = &started.String
	}
	if finished.Valid {
		s.FinishedAt = &finished.String
	}
	return s, err
}

func (r Repo) InsertStepTx(ctx context.Context, tx *sql.Tx, s domain.BuildStep) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO build_steps(id,run_id,name,status,attempt,input_json,output_json,error,started_at,finished_at,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.RunID, s.Name, s.Status, s.Attempt, nullable(s.InputJSON), nullable(s.OutputJSON), nullable(s.Error), nullableP(s.StartedAt), nullableP(s.FinishedAt), s.CreatedAt)
	return err
}

func (r Repo) GetStep(ctx context.Context, id string) (domain.BuildStep, error) {
	return scanStep(r.DB.QueryRowContext(ctx, `SELECT `+stepCols+` FROM build_steps WHERE id=?`, id))
}

func (r Repo) GetStepTx(ctx context.Context, tx *sql.Tx, id string) (domain.BuildStep, error) {
	return scanStep(tx.QueryRowContext(ctx, `SELECT `+stepCols+` FROM build_steps WHERE id=?`, id))
}

func (r Repo) ListSteps(ctx context.Context, runID string) ([]domain.BuildStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepCols+` FROM build_steps WHERE run_id=? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BuildStep
	for rows.Next() {
		var s domain.BuildStep
		var started, finished sql.NullString
		if err := rows.Scan(&s.ID, &s.RunID, &s.Name, &s.Status, &s.Attempt, &s.InputJSON, &s.OutputJSON, &s.Error, &started, &finished, &s.CreatedAt); err != nil {
			return nil, err
		}
		if started.Valid {
			s.StartedAt = &started.String
		}
		if finished.Valid {
			s.FinishedAt = &finished.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// MarkStepRunningTx transitions pending -> running; any other starting state
// is a conflict, preserving write-once step terminality.
func (r Repo) MarkStepRunningTx(ctx context.Context, tx *sql.Tx, id, startedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE build_steps SET status='running', started_at=? WHERE id=? AND status='pending'`, startedAt, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("step %s is not pending", id)
	}
	return nil
}

// FinishStepTx transitions running -> terminal exactly once.
func (r Repo) FinishStepTx(ctx context.Context, tx *sql.Tx, id, status, outputJSON, errText, finishedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE build_steps SET status=?, output_json=?, error=?, finished_at=? WHERE id=? AND status='running'`,
		status, nullable(outputJSON), nullable(errText), finishedAt, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("step %s is not running", id)
	}
	return nil
}

// RunningStepTx returns the currently running attempt of the named step, if
// any.
func (r Repo) RunningStepTx(ctx context.Context, tx *sql.Tx, runID, name string) (domain.BuildStep, error) {
	return scanStep(tx.QueryRowContext(ctx, `SELECT `+stepCols+` FROM build_steps WHERE run_id=? AND name=? AND status='running' ORDER BY created_at DESC, id DESC LIMIT 1`, runID, name))
}

// MaxStepAttemptTx returns the highest attempt number recorded for a step name
// within a run.
func (r Repo) MaxStepAttemptTx(ctx context.Context, tx *sql.Tx, runID, name string) (int, error) {
	var v sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(attempt) FROM build_steps WHERE run_id=? AND name=?`, runID, name).Scan(&v)
	if err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}
