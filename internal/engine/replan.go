package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"forgeline/internal/agent"
	"forgeline/internal/domain"
	"forgeline/internal/events"
)

// ExecuteReplan produces a new plan version from the failed run's evidence and
// starts a successor run bound to it. The failed run keeps its history; the
// successor link is the only mutation it receives.
func (e Engine) ExecuteReplan(ctx context.Context, runID string) error {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.SuccessorID != nil {
		// Replan already happened; a redelivered job must not fork again.
		return nil
	}
	plan, err := e.Repo.GetPlan(ctx, run.PlanID)
	if err != nil {
		return err
	}
	spec, err := e.Repo.GetSpec(ctx, plan.SpecID)
	if err != nil {
		return err
	}

	evidence, err := e.replanEvidence(ctx, run)
	if err != nil {
		return err
	}

	planner, err := e.Agents.Get(agent.RolePlanner)
	if err != nil {
		return err
	}
	outputs, err := planner.Execute(ctx, e.agentContext(run.TenantID, run.ID, run.Iteration), "replan", agent.Inputs{
		"mode":             spec.Mode,
		"brief":            spec.Brief,
		"shape_json":       spec.ShapeJSON,
		"failure_evidence": evidence,
	})
	if err != nil {
		return fmt.Errorf("planner replan: %w", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.nowRFC()
	newPlan, err := e.insertPlanVersionTx(ctx, tx, spec, outputs, "system")
	if err != nil {
		return err
	}

	deltaJSON, _ := json.Marshal(map[string]any{
		"from_version": plan.Version,
		"to_version":   newPlan.Version,
		"risk_from":    plan.RiskScore,
		"risk_to":      newPlan.RiskScore,
		"evidence":     truncate(evidence, 2000),
	})
	delta := domain.PlanDelta{
		ID:             newID(),
		OriginalPlanID: plan.ID,
		NewPlanID:      newPlan.ID,
		RunID:          run.ID,
		DeltaJSON:      string(deltaJSON),
		TriggeredBy:    "autofix",
		CreatedAt:      now,
	}
	if err := e.Repo.InsertPlanDeltaTx(ctx, tx, delta); err != nil {
		return err
	}

	// The successor continues the fix loop where the failed run left off.
	successor := domain.BuildRun{
		ID:            newID(),
		PlanID:        newPlan.ID,
		TenantID:      run.TenantID,
		Status:        "pending",
		Iteration:     run.Iteration + 1,
		MaxIterations: e.Config.Runs.MaxIterations,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.Repo.InsertRunTx(ctx, tx, successor); err != nil {
		return err
	}
	if err := e.Repo.InsertRetryStateTx(ctx, tx, successor.ID, now); err != nil {
		return err
	}
	step := domain.BuildStep{
		ID:        newID(),
		RunID:     successor.ID,
		Name:      "plan",
		Status:    "pending",
		Attempt:   1,
		CreatedAt: now,
	}
	if err := e.Repo.InsertStepTx(ctx, tx, step); err != nil {
		return err
	}
	if err := e.Repo.EnqueueJobTx(ctx, tx, "step", successor.ID, step.ID, now, now); err != nil {
		return err
	}
	if err := e.Repo.SetRunSuccessorTx(ctx, tx, run.ID, successor.ID, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "plan.replanned", run.TenantID, run.ID, "plan", newPlan.ID, "system", events.EventPayload{
		"from_version": plan.Version,
		"to_version":   newPlan.Version,
		"successor_id": successor.ID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// replanEvidence collects what the planner should know about why the old plan
// failed: the last auto-fix signal and the latest evaluation failures.
func (e Engine) replanEvidence(ctx context.Context, run domain.BuildRun) (string, error) {
	var parts []string

	fixes, err := e.Repo.ListAutoFixRuns(ctx, run.ID)
	if err != nil {
		return "", err
	}
	if len(fixes) > 0 {
		last := fixes[len(fixes)-1]
		parts = append(parts, "last failure: "+last.SignalType+" ("+last.Severity+")")
		if last.EvidenceJSON != "" {
			parts = append(parts, last.EvidenceJSON)
		}
	}
	if report, rerr := e.latestEvalReport(ctx, run); rerr == nil && report.FailedCasesJSON != "" {
		parts = append(parts, "failed cases: "+report.FailedCasesJSON)
	}

	evidence := ""
	for i, p := range parts {
		if i > 0 {
			evidence += "\n"
		}
		evidence += p
	}
	return evidence, nil
}
