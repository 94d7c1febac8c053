package repo

import (
	"context"
	"database/sql"

	"forgeline/internal/domain"
)

// Diff artifacts

const diffCols = `id,run_id,iteration,files_changed,risk,diff,created_at`

// UpsertDiffArtifactTx keeps the (run, iteration) uniqueness invariant: a
// targeted patch within an iteration replaces that iteration's diff.
func (r Repo) UpsertDiffArtifactTx(ctx context.Context, tx *sql.Tx, d domain.DiffArtifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO diff_artifacts(id,run_id,iteration,files_changed,risk,diff,created_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(run_id,iteration) DO UPDATE SET files_changed=excluded.files_changed, risk=excluded.risk, diff=excluded.diff`,
		d.ID, d.RunID, d.Iteration, d.FilesChanged, d.Risk, d.Diff, d.CreatedAt)
	return err
}

func (r Repo) GetDiffArtifact(ctx context.Context, runID string, iteration int) (domain.DiffArtifact, error) {
	var d domain.DiffArtifact
	err := r.DB.QueryRowContext(ctx, `SELECT `+diffCols+` FROM diff_artifacts WHERE run_id=? AND iteration=?`, runID, iteration).
		Scan(&d.ID, &d.RunID, &d.Iteration, &d.FilesChanged, &d.Risk, &d.Diff, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) GetDiffArtifactTx(ctx context.Context, tx *sql.Tx, runID string, iteration int) (domain.DiffArtifact, error) {
	var d domain.DiffArtifact
	err := tx.QueryRowContext(ctx, `SELECT `+diffCols+` FROM diff_artifacts WHERE run_id=? AND iteration=?`, runID, iteration).
		Scan(&d.ID, &d.RunID, &d.Iteration, &d.FilesChanged, &d.Risk, &d.Diff, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

// Eval reports

const evalCols = `id,run_id,iteration,unit_score,smoke_score,golden_score,quality_score,score,pass_rate,passed,COALESCE(failed_cases_json,'') AS failed_cases_json,created_at`

func (r Repo) UpsertEvalReportTx(ctx context.Context, tx *sql.Tx, e domain.EvalReport) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO eval_reports(id,run_id,iteration,unit_score,smoke_score,golden_score,quality_score,score,pass_rate,passed,failed_cases_json,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(run_id,iteration) DO UPDATE SET unit_score=excluded.unit_score, smoke_score=excluded.smoke_score, golden_score=excluded.golden_score, quality_score=excluded.quality_score, score=excluded.score, pass_rate=excluded.pass_rate, passed=excluded.passed, failed_cases_json=excluded.failed_cases_json`,
		e.ID, e.RunID, e.Iteration, e.UnitScore, e.SmokeScore, e.GoldenScore, e.QualityScore, e.Score, e.PassRate, boolToInt(e.Passed), nullable(e.FailedCasesJSON), e.CreatedAt)
	return err
}

func scanEvalReport(row *sql.Row) (domain.EvalReport, error) {
	var e domain.EvalReport
	var passed int
	err := row.Scan(&e.ID, &e.RunID, &e.Iteration, &e.UnitScore, &e.SmokeScore, &e.GoldenScore, &e.QualityScore, &e.Score, &e.PassRate, &passed, &e.FailedCasesJSON, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	e.Passed = passed != 0
	return e, err
}

func (r Repo) GetEvalReport(ctx context.Context, runID string, iteration int) (domain.EvalReport, error) {
	return scanEvalReport(r.DB.QueryRowContext(ctx, `SELECT `+evalCols+` FROM eval_reports WHERE run_id=? AND iteration=?`, runID, iteration))
}

func (r Repo) GetEvalReportTx(ctx context.Context, tx *sql.Tx, runID string, iteration int) (domain.EvalReport, error) {
	return scanEvalReport(tx.QueryRowContext(ctx, `SELECT `+evalCols+` FROM eval_reports WHERE run_id=? AND iteration=?`, runID, iteration))
}

// Build artifacts

func (r Repo) InsertBuildArtifactTx(ctx context.Context, tx *sql.Tx, a domain.BuildArtifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO build_artifacts(id,run_id,iteration,kind,path,content,size_bytes,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.RunID, a.Iteration, a.Kind, a.Path, nullable(a.Content), a.SizeBytes, a.CreatedAt)
	return err
}

func (r Repo) ListBuildArtifacts(ctx context.Context, runID string) ([]domain.BuildArtifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,iteration,kind,path,COALESCE(content,'') AS content,size_bytes,created_at FROM build_artifacts WHERE run_id=? ORDER BY path ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BuildArtifact
	for rows.Next() {
		var a domain.BuildArtifact
		if err := rows.Scan(&a.ID, &a.RunID, &a.Iteration, &a.Kind, &a.Path, &a.Content, &a.SizeBytes, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
