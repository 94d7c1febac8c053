package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"forgeline/internal/agent"
	"forgeline/internal/autofix"
	"forgeline/internal/classify"
	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/repo"
)

// autofixInput is the persisted instruction for an autofix step: which
// strategy to run and which step to re-verify afterwards.
type autofixInput struct {
	Strategy string `json:"strategy"`
	Issue    string `json:"issue"`
	Resume   string `json:"resume"`
}

// ExecuteJob is the worker entrypoint: dispatch on job kind.
func (e Engine) ExecuteJob(ctx context.Context, job domain.Job) error {
	var err error
	switch job.Kind {
	case "step":
		err = e.ExecuteStep(ctx, job.StepID)
	case "replan":
		err = e.ExecuteReplan(ctx, job.RunID)
	default:
		err = fmt.Errorf("unknown job kind %s", job.Kind)
	}
	status := "done"
	if err != nil {
		status = "failed"
	}
	if ferr := e.Repo.FinishJob(ctx, job.ID, status); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

// ExecuteStep runs one build step attempt to a terminal state (or, for a
// gated approval step, to a parked running state awaiting a human).
func (e Engine) ExecuteStep(ctx context.Context, stepID string) error {
	step, err := e.Repo.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	run, err := e.Repo.GetRun(ctx, step.RunID)
	if err != nil {
		return err
	}
	if isTerminalRunStatus(run.Status) {
		// A step claimed after its run ended is simply dropped.
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

	if err := e.beginStep(ctx, run, step); err != nil {
		// Someone else already moved this step; nothing to do.
		return nil
	}

	timeout := time.Duration(e.Config.Runs.StepTimeoutSeconds) * time.Second
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := e.now()
	outputs, stepErr := e.runStepAction(stepCtx, run, plan, spec, step)
	elapsed := e.now().Sub(started)

	// A below-threshold evaluation is a failure even though the agent call
	// itself succeeded; the report is still persisted on the failure path.
	if stepErr == nil && step.Name == "evaluate" {
		if passed, ok := outputs["passed"].(bool); ok && !passed {
			stepErr = fmt.Errorf("evaluation failed: %s", failedCaseSummary(outputs))
		}
	}

	if stepErr != nil {
		return e.handleStepFailure(ctx, run, plan, spec, step, outputs, stepErr, elapsed)
	}
	return e.completeStep(ctx, run, plan, spec, step, outputs, elapsed)
}

// beginStep transitions the step to running and the run out of pending.
func (e Engine) beginStep(ctx context.Context, run domain.BuildRun, step domain.BuildStep) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.nowRFC()
	if err := e.Repo.MarkStepRunningTx(ctx, tx, step.ID, now); err != nil {
		return err
	}
	if run.Status == "pending" {
		if err := e.Repo.UpdateRunStatusTx(ctx, tx, run.ID, "pending", "running", now); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, "step.started", run.TenantID, run.ID, "step", step.ID, "system", events.EventPayload{
		"name":    step.Name,
		"attempt": step.Attempt,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// runStepAction dispatches the step to its agent and returns the raw outputs.
func (e Engine) runStepAction(ctx context.Context, run domain.BuildRun, plan domain.ScaffoldPlan, spec domain.ScaffoldSpec, step domain.BuildStep) (agent.Outputs, error) {
	actx := e.agentContext(run.TenantID, run.ID, run.Iteration)

	switch step.Name {
	case "plan":
		if _, err := domain.ParsePlanGraph(plan.GraphJSON); err != nil {
			return nil, fmt.Errorf("plan graph invalid: %w", err)
		}
		return agent.Outputs{"graph_json": plan.GraphJSON, "risk_score": plan.RiskScore}, nil

	case "codegen":
		a, err := e.Agents.Get(agent.RoleCodegen)
		if err != nil {
			return nil, err
		}
		out, err := a.Execute(ctx, actx, "generate", agent.Inputs{"graph_json": plan.GraphJSON})
		if err != nil {
			return nil, err
		}
		if err := e.checkDiffAllowlist(out); err != nil {
			return out, err
		}
		return out, nil

	case "test":
		diff, err := e.currentDiff(ctx, run)
		if err != nil {
			return nil, err
		}
		a, err := e.Agents.Get(agent.RoleQA)
		if err != nil {
			return nil, err
		}
		return a.Execute(ctx, actx, "test", agent.Inputs{"diff": diff, "shape_json": spec.ShapeJSON})

	case "evaluate":
		diff, err := e.currentDiff(ctx, run)
		if err != nil {
			return nil, err
		}
		a, err := e.Agents.Get(agent.RoleQA)
		if err != nil {
			return nil, err
		}
		return a.Execute(ctx, actx, "evaluate", agent.Inputs{"diff": diff, "shape_json": spec.ShapeJSON})

	case "autofix":
		var in autofixInput
		if err := json.Unmarshal([]byte(step.InputJSON), &in); err != nil {
			return nil, fmt.Errorf("autofix input: %w", err)
		}
		a, err := e.Agents.Get(agent.RoleCodegen)
		if err != nil {
			return nil, err
		}
		action := "patch"
		if in.Strategy == string(autofix.StrategyRegenerateCode) {
			action = "regenerate"
		}
		out, err := a.Execute(ctx, actx, action, agent.Inputs{"graph_json": plan.GraphJSON, "issue": in.Issue})
		if err != nil {
			return nil, err
		}
		if err := e.checkDiffAllowlist(out); err != nil {
			return out, err
		}
		out["resume"] = in.Resume
		return out, nil

	case "approval":
		return e.reviewForGate(ctx, actx, run, plan, spec)

	case "finalize":
		diff, err := e.currentDiff(ctx, run)
		if err != nil {
			return nil, err
		}
		a, err := e.Agents.Get(agent.RoleDevOps)
		if err != nil {
			return nil, err
		}
		return a.Execute(ctx, actx, "package", agent.Inputs{"diff": diff})

	default:
		return nil, fmt.Errorf("unknown step %s", step.Name)
	}
}

// checkDiffAllowlist rejects generated changes that touch paths outside the
// tenant's autofix allowlist.
func (e Engine) checkDiffAllowlist(outputs agent.Outputs) error {
	diff, _ := outputs["diff"].(string)
	for _, line := range strings.Split(diff, "\n") {
		if !strings.HasPrefix(line, "+++ b/") {
			continue
		}
		path := strings.TrimPrefix(line, "+++ b/")
		if !e.Config.PathAllowed(path) {
			return fmt.Errorf("policy violation: path not allowed: %s", path)
		}
	}
	return nil
}

// currentDiff loads the diff produced for the run's current iteration. An
// earlier iteration's diff is used when the current one has not produced a
// replacement yet.
func (e Engine) currentDiff(ctx context.Context, run domain.BuildRun) (string, error) {
	for it := run.Iteration; it >= 1; it-- {
		d, err := e.Repo.GetDiffArtifact(ctx, run.ID, it)
		if err == nil {
			return d.Diff, nil
		}
		if err != repo.ErrNotFound {
			return "", err
		}
	}
	return "", fmt.Errorf("run %s has no diff artifact", run.ID)
}

// completeStep commits the successful step result and schedules what comes
// next. The run is re-read inside the transaction so a concurrent cancel wins.
func (e Engine) completeStep(ctx context.Context, run domain.BuildRun, plan domain.ScaffoldPlan, spec domain.ScaffoldSpec, step domain.BuildStep, outputs agent.Outputs, elapsed time.Duration) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.nowRFC()
	current, err := e.Repo.GetRunTx(ctx, tx, run.ID)
	if err != nil {
		return err
	}
	if isTerminalRunStatus(current.Status) {
		if err := e.Repo.FinishStepTx(ctx, tx, step.ID, "canceled", "", "run "+current.Status+" before step completed", now); err != nil {
			return err
		}
		return tx.Commit()
	}

	if step.Name == "approval" {
		return e.completeApprovalStep(ctx, tx, current, step, outputs, elapsed, now)
	}

	if err := e.Repo.FinishStepTx(ctx, tx, step.ID, "succeeded", outputsJSON(outputs), "", now); err != nil {
		return err
	}
	if err := e.persistStepArtifacts(ctx, tx, current, plan, step, outputs, now); err != nil {
		return err
	}
	if err := e.Repo.AddRunElapsedTx(ctx, tx, current.ID, elapsed.Milliseconds(), now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "step.succeeded", current.TenantID, current.ID, "step", step.ID, "system", events.EventPayload{
		"name":    step.Name,
		"attempt": step.Attempt,
	}); err != nil {
		return err
	}

	switch step.Name {
	case "autofix":
		// Re-verify whatever the fix targeted.
		resume, _ := outputs["resume"].(string)
		if resume == "" || resume == "autofix" {
			resume = "test"
		}
		if _, err := e.scheduleStepRetryAtTx(ctx, tx, current, resume, "", now, now); err != nil {
			return err
		}
	case "finalize":
		if err := e.finishRunTx(ctx, tx, current, outputs, now); err != nil {
			return err
		}
	default:
		next := nextStepName(step.Name)
		if next == "" {
			return fmt.Errorf("step %s has no successor", step.Name)
		}
		if err := e.scheduleNextStepTx(ctx, tx, current, next, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (e Engine) scheduleNextStepTx(ctx context.Context, tx *sql.Tx, run domain.BuildRun, name, now string) error {
	maxAttempt, err := e.Repo.MaxStepAttemptTx(ctx, tx, run.ID, name)
	if err != nil {
		return err
	}
	next := domain.BuildStep{
		ID:        newID(),
		RunID:     run.ID,
		Name:      name,
		Status:    "pending",
		Attempt:   maxAttempt + 1,
		CreatedAt: now,
	}
	if err := e.Repo.InsertStepTx(ctx, tx, next); err != nil {
		return err
	}
	return e.Repo.EnqueueJobTx(ctx, tx, "step", run.ID, next.ID, now, now)
}

// persistStepArtifacts writes the durable artifacts a step's outputs imply.
func (e Engine) persistStepArtifacts(ctx context.Context, tx *sql.Tx, run domain.BuildRun, plan domain.ScaffoldPlan, step domain.BuildStep, outputs agent.Outputs, now string) error {
	switch step.Name {
	case "codegen", "autofix":
		diff, _ := outputs["diff"].(string)
		filesChanged := intOutput(outputs, "files_changed")
		return e.Repo.UpsertDiffArtifactTx(ctx, tx, domain.DiffArtifact{
			ID:           newID(),
			RunID:        run.ID,
			Iteration:    run.Iteration,
			FilesChanged: filesChanged,
			Risk:         plan.RiskScore,
			Diff:         diff,
			CreatedAt:    now,
		})
	case "evaluate":
		return e.upsertEvalReportTx(ctx, tx, run, outputs, now)
	}
	return nil
}

func (e Engine) upsertEvalReportTx(ctx context.Context, tx *sql.Tx, run domain.BuildRun, outputs agent.Outputs, now string) error {
	failedCases, _ := outputs["failed_cases_json"].(string)
	passed, _ := outputs["passed"].(bool)
	return e.Repo.UpsertEvalReportTx(ctx, tx, domain.EvalReport{
		ID:              newID(),
		RunID:           run.ID,
		Iteration:       run.Iteration,
		UnitScore:       floatOutput(outputs, "unit_score"),
		SmokeScore:      floatOutput(outputs, "smoke_score"),
		GoldenScore:     floatOutput(outputs, "golden_score"),
		QualityScore:    floatOutput(outputs, "quality_score"),
		Score:           floatOutput(outputs, "score"),
		PassRate:        floatOutput(outputs, "pass_rate"),
		Passed:          passed,
		FailedCasesJSON: failedCases,
		CreatedAt:       now,
	})
}

// finishRunTx records the packaged artifacts and marks the run succeeded.
func (e Engine) finishRunTx(ctx context.Context, tx *sql.Tx, run domain.BuildRun, outputs agent.Outputs, now string) error {
	manifest, _ := outputs["manifest_json"].(string)
	if manifest != "" {
		if err := e.Repo.InsertBuildArtifactTx(ctx, tx, domain.BuildArtifact{
			ID:        newID(),
			RunID:     run.ID,
			Iteration: run.Iteration,
			Kind:      "manifest",
			Path:      "manifest.json",
			Content:   manifest,
			SizeBytes: int64(len(manifest)),
			CreatedAt: now,
		}); err != nil {
			return err
		}
	}
	state, err := e.Repo.GetRetryStateTx(ctx, tx, run.ID)
	if err != nil {
		return err
	}
	metrics, _ := json.Marshal(map[string]any{
		"iterations":     run.Iteration,
		"total_attempts": state.TotalAttempts,
		"elapsed_ms":     run.ElapsedMS,
	})
	if err := e.Repo.SetRunMetricsTx(ctx, tx, run.ID, string(metrics), now); err != nil {
		return err
	}
	if err := e.Repo.UpdateRunStatusTx(ctx, tx, run.ID, run.Status, "succeeded", now); err != nil {
		return ConflictError{Message: err.Error()}
	}
	return e.Events.Append(ctx, tx, "run.succeeded", run.TenantID, run.ID, "run", run.ID, "system", events.EventPayload{
		"iterations": run.Iteration,
	})
}

// handleStepFailure classifies the failure, asks the fixer for a decision,
// records it, and carries it out. All of it commits atomically with the step's
// terminal write.
func (e Engine) handleStepFailure(ctx context.Context, run domain.BuildRun, plan domain.ScaffoldPlan, spec domain.ScaffoldSpec, step domain.BuildStep, outputs agent.Outputs, stepErr error, elapsed time.Duration) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.nowRFC()
	current, err := e.Repo.GetRunTx(ctx, tx, run.ID)
	if err != nil {
		return err
	}
	if isTerminalRunStatus(current.Status) {
		if err := e.Repo.FinishStepTx(ctx, tx, step.ID, "canceled", "", "run "+current.Status+" before step completed", now); err != nil {
			return err
		}
		return tx.Commit()
	}

	if err := e.Repo.FinishStepTx(ctx, tx, step.ID, "failed", outputsJSON(outputs), stepErr.Error(), now); err != nil {
		return err
	}
	if step.Name == "evaluate" && outputs != nil {
		if err := e.upsertEvalReportTx(ctx, tx, current, outputs, now); err != nil {
			return err
		}
	}
	if err := e.Repo.AddRunElapsedTx(ctx, tx, current.ID, elapsed.Milliseconds(), now); err != nil {
		return err
	}

	// Remediation accrues against the step being remediated: when an autofix
	// attempt fails, the attempt counts toward the step it was patching, so
	// repeated failures on one step actually reach the escalation threshold.
	targetStep := step.Name
	if step.Name == "autofix" {
		var in autofixInput
		if json.Unmarshal([]byte(step.InputJSON), &in) == nil && in.Resume != "" {
			targetStep = in.Resume
		}
	}

	prior, err := e.Repo.ListAutoFixRunsTx(ctx, tx, current.ID)
	if err != nil {
		return err
	}
	sig := classify.Classify(classify.Input{
		StepName: targetStep,
		Logs:     stepErr.Error(),
		History:  signalHistory(prior, targetStep),
	})

	state, err := e.Repo.GetRetryStateTx(ctx, tx, current.ID)
	if err != nil {
		return err
	}
	failureCount := intOutput(outputs, "failed_count")
	if failureCount == 0 {
		failureCount = 1
	}
	decision := e.Fixer.Decide(sig, state, targetStep, failureCount)

	// A patch cycle past the iteration cap has nowhere left to go.
	if decision.Outcome == autofix.OutcomePatchApplied && current.Iteration >= current.MaxIterations {
		decision = autofix.Decision{
			Outcome:  autofix.OutcomeGaveUp,
			Strategy: decision.Strategy,
			Reason:   "iteration cap reached",
		}
	}

	evidence, _ := json.Marshal(sig.Evidence)
	record := domain.AutoFixRun{
		ID:           newID(),
		RunID:        current.ID,
		StepID:       step.ID,
		SignalType:   string(sig.Category),
		Severity:     string(sig.Severity),
		Strategy:     string(decision.Strategy),
		Outcome:      string(decision.Outcome),
		Attempt:      step.Attempt,
		BackoffMS:    decision.Delay.Milliseconds(),
		EvidenceJSON: string(evidence),
		CreatedAt:    now,
	}
	if err := e.Repo.InsertAutoFixRunTx(ctx, tx, record); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "autofix."+string(decision.Outcome), current.TenantID, current.ID, "step", step.ID, "system", events.EventPayload{
		"category": string(sig.Category),
		"strategy": string(decision.Strategy),
		"reason":   decision.Reason,
	}); err != nil {
		return err
	}

	if err := e.applyDecisionTx(ctx, tx, current, step, targetStep, sig, state, decision, stepErr, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) applyDecisionTx(ctx context.Context, tx *sql.Tx, run domain.BuildRun, step domain.BuildStep, targetStep string, sig classify.Signal, state domain.RetryState, decision autofix.Decision, stepErr error, now string) error {
	switch decision.Outcome {
	case autofix.OutcomeRetried:
		state.TotalAttempts++
		state.PerStep[targetStep]++
		state.LastBackoffMS = decision.Delay.Milliseconds()
		if err := e.Repo.UpdateRetryStateTx(ctx, tx, state, now); err != nil {
			return err
		}
		runAt := e.now().Add(decision.Delay).UTC().Format(time.RFC3339)
		_, err := e.scheduleStepRetryAtTx(ctx, tx, run, step.Name, step.InputJSON, runAt, now)
		return err

	case autofix.OutcomePatchApplied:
		state.TotalAttempts++
		state.PerStep[targetStep]++
		if err := e.Repo.UpdateRetryStateTx(ctx, tx, state, now); err != nil {
			return err
		}
		if err := e.Repo.BumpRunIterationTx(ctx, tx, run.ID, now); err != nil {
			return err
		}
		input, _ := json.Marshal(autofixInput{
			Strategy: string(decision.Strategy),
			Issue:    truncate(stepErr.Error(), 2000),
			Resume:   targetStep,
		})
		maxAttempt, err := e.Repo.MaxStepAttemptTx(ctx, tx, run.ID, "autofix")
		if err != nil {
			return err
		}
		fix := domain.BuildStep{
			ID:        newID(),
			RunID:     run.ID,
			Name:      "autofix",
			Status:    "pending",
			Attempt:   maxAttempt + 1,
			InputJSON: string(input),
			CreatedAt: now,
		}
		if err := e.Repo.InsertStepTx(ctx, tx, fix); err != nil {
			return err
		}
		return e.Repo.EnqueueJobTx(ctx, tx, "step", run.ID, fix.ID, now, now)

	case autofix.OutcomeReplanned:
		if err := e.Repo.UpdateRunStatusTx(ctx, tx, run.ID, run.Status, "failed", now); err != nil {
			return ConflictError{Message: err.Error()}
		}
		return e.Repo.EnqueueJobTx(ctx, tx, "replan", run.ID, "", now, now)

	case autofix.OutcomeEscalated:
		iteration := run.Iteration
		existing, gerr := e.Repo.GetGateByIterationTx(ctx, tx, run.ID, iteration)
		switch {
		case gerr == nil && existing.Status == "pending":
			// A gate is already waiting on this iteration; park the run on it.
			if err := e.Repo.UpdateRunStatusTx(ctx, tx, run.ID, run.Status, "needs_approval", now); err != nil {
				return ConflictError{Message: err.Error()}
			}
			return nil
		case gerr == nil:
			// This iteration's gate was already resolved; the new failure
			// opens a fresh review round.
			if err := e.Repo.BumpRunIterationTx(ctx, tx, run.ID, now); err != nil {
				return err
			}
			iteration++
		case gerr != repo.ErrNotFound:
			return gerr
		}
		payload, _ := json.Marshal(map[string]any{
			"step":     targetStep,
			"category": string(sig.Category),
			"error":    truncate(stepErr.Error(), 2000),
		})
		gate := domain.ApprovalGate{
			ID:          newID(),
			RunID:       run.ID,
			Iteration:   iteration,
			Required:    true,
			Status:      "pending",
			Reason:      "escalation: " + string(sig.Category) + " failure in " + targetStep,
			PayloadJSON: string(payload),
			RequestedBy: "system",
			CreatedAt:   now,
		}
		if err := e.Repo.InsertGateTx(ctx, tx, gate); err != nil {
			return err
		}
		if err := e.Repo.UpdateRunStatusTx(ctx, tx, run.ID, run.Status, "needs_approval", now); err != nil {
			return ConflictError{Message: err.Error()}
		}
		return e.Events.Append(ctx, tx, "gate.created", run.TenantID, run.ID, "gate", gate.ID, "system", events.EventPayload{
			"reason": gate.Reason,
		})

	case autofix.OutcomeGaveUp:
		if err := e.Repo.UpdateRunStatusTx(ctx, tx, run.ID, run.Status, "failed", now); err != nil {
			return ConflictError{Message: err.Error()}
		}
		return e.Events.Append(ctx, tx, "run.failed", run.TenantID, run.ID, "run", run.ID, "system", events.EventPayload{
			"reason": decision.Reason,
		})
	}
	return fmt.Errorf("unknown autofix outcome %s", decision.Outcome)
}

// scheduleStepRetryAtTx inserts a fresh attempt scheduled for runAt. The
// input carries over so a retried autofix step keeps its instruction.
func (e Engine) scheduleStepRetryAtTx(ctx context.Context, tx *sql.Tx, run domain.BuildRun, name, input, runAt, now string) (domain.BuildStep, error) {
	maxAttempt, err := e.Repo.MaxStepAttemptTx(ctx, tx, run.ID, name)
	if err != nil {
		return domain.BuildStep{}, err
	}
	step := domain.BuildStep{
		ID:        newID(),
		RunID:     run.ID,
		Name:      name,
		Status:    "pending",
		Attempt:   maxAttempt + 1,
		InputJSON: input,
		CreatedAt: now,
	}
	if err := e.Repo.InsertStepTx(ctx, tx, step); err != nil {
		return domain.BuildStep{}, err
	}
	if err := e.Repo.EnqueueJobTx(ctx, tx, "step", run.ID, step.ID, runAt, now); err != nil {
		return domain.BuildStep{}, err
	}
	return step, nil
}

// signalHistory reconstructs classifier history for a step from recorded
// auto-fix runs.
func signalHistory(prior []domain.AutoFixRun, stepName string) []classify.Signal {
	var history []classify.Signal
	for _, p := range prior {
		history = append(history, classify.Signal{
			Category: classify.Category(p.SignalType),
			Severity: classify.Severity(p.Severity),
			StepName: stepName,
		})
	}
	return history
}

func failedCaseSummary(outputs agent.Outputs) string {
	raw, _ := outputs["failed_cases_json"].(string)
	var cases []string
	if err := json.Unmarshal([]byte(raw), &cases); err != nil || len(cases) == 0 {
		return "score below pass threshold"
	}
	if len(cases) > 5 {
		cases = cases[:5]
	}
	return strings.Join(cases, "; ")
}

func outputsJSON(outputs agent.Outputs) string {
	if len(outputs) == 0 {
		return ""
	}
	data, err := json.Marshal(outputs)
	if err != nil {
		return ""
	}
	return string(data)
}

func intOutput(outputs agent.Outputs, key string) int {
	switch v := outputs[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func floatOutput(outputs agent.Outputs, key string) float64 {
	switch v := outputs[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
