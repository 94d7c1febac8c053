package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"forgeline/internal/agent"
	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/repo"
)

const escalationPrefix = "escalation:"

// reviewForGate evaluates the gate policy for the run's current iteration and
// asks the reviewer agent for the human-facing payload.
func (e Engine) reviewForGate(ctx context.Context, actx agent.Context, run domain.BuildRun, plan domain.ScaffoldPlan, spec domain.ScaffoldSpec) (agent.Outputs, error) {
	var reasons []string

	if plan.RiskScore >= e.Config.Approval.RiskThreshold {
		reasons = append(reasons, "plan risk score at or above threshold")
	}

	report, err := e.latestEvalReport(ctx, run)
	score := 0.0
	passRate := 1.0
	if err == nil {
		score = report.Score
		passRate = report.PassRate
		if report.PassRate < e.Config.Approval.PassRateThreshold {
			reasons = append(reasons, "evaluation pass rate below threshold")
		}
	} else if err != repo.ErrNotFound {
		return nil, err
	}

	filesChanged := 0
	if diff, derr := e.latestDiffArtifact(ctx, run); derr == nil {
		filesChanged = diff.FilesChanged
		if diff.FilesChanged > e.Config.Approval.MaxFilesChanged {
			reasons = append(reasons, "change set larger than the files-changed limit")
		}
	} else if derr != repo.ErrNotFound {
		return nil, derr
	}

	prior, err := e.Repo.ListAutoFixRuns(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	for _, p := range prior {
		if p.SignalType == "security" || p.SignalType == "policy" {
			reasons = append(reasons, "run recorded a "+p.SignalType+" failure")
			break
		}
	}

	shape, err := domain.ParseSpecShape(spec.ShapeJSON)
	if err == nil && shape.SecuritySensitive {
		reasons = append(reasons, "spec is marked security sensitive")
	}

	reviewer, err := e.Agents.Get(agent.RoleReviewer)
	if err != nil {
		return nil, err
	}
	out, err := reviewer.Execute(ctx, actx, "review", agent.Inputs{
		"risk_score":    plan.RiskScore,
		"files_changed": filesChanged,
		"score":         score,
		"pass_rate":     passRate,
		"reasons":       reasons,
	})
	if err != nil {
		return nil, err
	}
	out["gate_required"] = len(reasons) > 0
	out["gate_reason"] = strings.Join(reasons, "; ")
	return out, nil
}

func (e Engine) latestEvalReport(ctx context.Context, run domain.BuildRun) (domain.EvalReport, error) {
	for it := run.Iteration; it >= 1; it-- {
		r, err := e.Repo.GetEvalReport(ctx, run.ID, it)
		if err == nil {
			return r, nil
		}
		if err != repo.ErrNotFound {
			return domain.EvalReport{}, err
		}
	}
	return domain.EvalReport{}, repo.ErrNotFound
}

func (e Engine) latestDiffArtifact(ctx context.Context, run domain.BuildRun) (domain.DiffArtifact, error) {
	for it := run.Iteration; it >= 1; it-- {
		d, err := e.Repo.GetDiffArtifact(ctx, run.ID, it)
		if err == nil {
			return d, nil
		}
		if err != repo.ErrNotFound {
			return domain.DiffArtifact{}, err
		}
	}
	return domain.DiffArtifact{}, repo.ErrNotFound
}

// completeApprovalStep either passes the run through (recording a skipped
// gate) or parks it behind a pending gate. A gated step stays running until
// ResolveGate finishes it.
func (e Engine) completeApprovalStep(ctx context.Context, tx *sql.Tx, run domain.BuildRun, step domain.BuildStep, outputs agent.Outputs, elapsed time.Duration, now string) error {
	if err := e.Repo.AddRunElapsedTx(ctx, tx, run.ID, elapsed.Milliseconds(), now); err != nil {
		return err
	}

	existing, err := e.Repo.GetGateByIterationTx(ctx, tx, run.ID, run.Iteration)
	if err != nil && err != repo.ErrNotFound {
		return err
	}
	if err == nil {
		switch existing.Status {
		case "approved", "skipped":
			// An earlier gate for this iteration already cleared the run.
			if err := e.Repo.FinishStepTx(ctx, tx, step.ID, "succeeded", outputsJSON(outputs), "", now); err != nil {
				return err
			}
			if err := e.scheduleNextStepTx(ctx, tx, run, "finalize", now); err != nil {
				return err
			}
			return tx.Commit()
		case "rejected":
			if err := e.Repo.FinishStepTx(ctx, tx, step.ID, "failed", outputsJSON(outputs), "gate for this iteration was rejected", now); err != nil {
				return err
			}
			if err := e.Repo.UpdateRunStatusTx(ctx, tx, run.ID, run.Status, "failed", now); err != nil {
				return ConflictError{Message: err.Error()}
			}
			return tx.Commit()
		default:
			// Pending gate from a previous attempt; park again.
			if run.Status != "needs_approval" {
				if err := e.Repo.UpdateRunStatusTx(ctx, tx, run.ID, run.Status, "needs_approval", now); err != nil {
					return ConflictError{Message: err.Error()}
				}
			}
			return tx.Commit()
		}
	}

	required, _ := outputs["gate_required"].(bool)
	payload, _ := outputs["payload_json"].(string)
	reason, _ := outputs["gate_reason"].(string)

	if !required {
		gate := domain.ApprovalGate{
			ID:          newID(),
			RunID:       run.ID,
			Iteration:   run.Iteration,
			Required:    false,
			Status:      "skipped",
			Reason:      "no gate policy triggered",
			PayloadJSON: payload,
			RequestedBy: "system",
			CreatedAt:   now,
		}
		if err := e.Repo.InsertGateTx(ctx, tx, gate); err != nil {
			return err
		}
		if err := e.Repo.FinishStepTx(ctx, tx, step.ID, "succeeded", outputsJSON(outputs), "", now); err != nil {
			return err
		}
		if err := e.scheduleNextStepTx(ctx, tx, run, "finalize", now); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "gate.skipped", run.TenantID, run.ID, "gate", gate.ID, "system", nil); err != nil {
			return err
		}
		return tx.Commit()
	}

	gate := domain.ApprovalGate{
		ID:          newID(),
		RunID:       run.ID,
		Iteration:   run.Iteration,
		Required:    true,
		Status:      "pending",
		Reason:      reason,
		PayloadJSON: payload,
		RequestedBy: "system",
		CreatedAt:   now,
	}
	if err := e.Repo.InsertGateTx(ctx, tx, gate); err != nil {
		return err
	}
	if err := e.Repo.UpdateRunStatusTx(ctx, tx, run.ID, run.Status, "needs_approval", now); err != nil {
		return ConflictError{Message: err.Error()}
	}
	if err := e.Events.Append(ctx, tx, "gate.created", run.TenantID, run.ID, "gate", gate.ID, "system", events.EventPayload{
		"reason": reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ResolveGate records a human decision on a pending gate exactly once and
// resumes or fails the parked run accordingly.
func (e Engine) ResolveGate(ctx context.Context, gateID string, approve bool, reviewerID, notes string) (domain.ApprovalGate, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalGate{}, err
	}
	defer tx.Rollback()

	gate, err := e.Repo.GetGateTx(ctx, tx, gateID)
	if err != nil {
		return domain.ApprovalGate{}, err
	}
	if gate.Status != "pending" {
		return gate, ConflictError{Message: "gate already " + gate.Status}
	}

	now := e.nowRFC()
	status := "rejected"
	if approve {
		status = "approved"
	}
	if err := e.Repo.ResolveGateTx(ctx, tx, gate.ID, status, reviewerID, notes, now); err != nil {
		return domain.ApprovalGate{}, ConflictError{Message: err.Error()}
	}

	run, err := e.Repo.GetRunTx(ctx, tx, gate.RunID)
	if err != nil {
		return domain.ApprovalGate{}, err
	}

	if !isTerminalRunStatus(run.Status) {
		if strings.HasPrefix(gate.Reason, escalationPrefix) {
			if err := e.resolveEscalationTx(ctx, tx, run, gate, approve, now); err != nil {
				return domain.ApprovalGate{}, err
			}
		} else {
			if err := e.resolveApprovalStepTx(ctx, tx, run, approve, now); err != nil {
				return domain.ApprovalGate{}, err
			}
		}
	}

	if err := e.Events.Append(ctx, tx, "gate."+status, run.TenantID, run.ID, "gate", gate.ID, reviewerID, events.EventPayload{
		"notes": notes,
	}); err != nil {
		return domain.ApprovalGate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalGate{}, err
	}

	gate.Status = status
	gate.ReviewerID = &reviewerID
	gate.Notes = notes
	gate.ResolvedAt = &now
	return gate, nil
}

// resolveEscalationTx resumes the step an escalation gate was raised for, or
// fails the run on rejection.
func (e Engine) resolveEscalationTx(ctx context.Context, tx *sql.Tx, run domain.BuildRun, gate domain.ApprovalGate, approve bool, now string) error {
	if !approve {
		return e.failParkedRunTx(ctx, tx, run, now)
	}
	var payload struct {
		Step string `json:"step"`
	}
	_ = json.Unmarshal([]byte(gate.PayloadJSON), &payload)
	if payload.Step == "" {
		payload.Step = "codegen"
	}
	if _, err := e.scheduleStepRetryAtTx(ctx, tx, run, payload.Step, "", now, now); err != nil {
		return err
	}
	return e.Repo.UpdateRunStatusTx(ctx, tx, run.ID, run.Status, "running", now)
}

// resolveApprovalStepTx finishes the parked approval step and either proceeds
// to finalize or fails the run.
func (e Engine) resolveApprovalStepTx(ctx context.Context, tx *sql.Tx, run domain.BuildRun, approve bool, now string) error {
	step, err := e.Repo.RunningStepTx(ctx, tx, run.ID, "approval")
	if err != nil {
		return err
	}
	if approve {
		if err := e.Repo.FinishStepTx(ctx, tx, step.ID, "succeeded", step.OutputJSON, "", now); err != nil {
			return err
		}
		if err := e.scheduleNextStepTx(ctx, tx, run, "finalize", now); err != nil {
			return err
		}
		return e.Repo.UpdateRunStatusTx(ctx, tx, run.ID, run.Status, "running", now)
	}
	if err := e.Repo.FinishStepTx(ctx, tx, step.ID, "failed", step.OutputJSON, "rejected by reviewer", now); err != nil {
		return err
	}
	return e.failParkedRunTx(ctx, tx, run, now)
}

func (e Engine) failParkedRunTx(ctx context.Context, tx *sql.Tx, run domain.BuildRun, now string) error {
	if err := e.Repo.UpdateRunStatusTx(ctx, tx, run.ID, run.Status, "failed", now); err != nil {
		return ConflictError{Message: err.Error()}
	}
	return e.Events.Append(ctx, tx, "run.failed", run.TenantID, run.ID, "run", run.ID, "system", events.EventPayload{
		"reason": "gate rejected",
	})
}
