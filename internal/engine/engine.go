package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"forgeline/internal/agent"
	"forgeline/internal/autofix"
	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/repo"
	"forgeline/internal/retrypolicy"
)

// Step order for a run. Autofix steps are interleaved by the failure handler;
// they are never part of the base sequence.
var stepSequence = []string{"plan", "codegen", "test", "evaluate", "approval", "finalize"}

// ConflictError reports an operation against already-terminal state.
type ConflictError struct {
	Message string
}

func (e ConflictError) Error() string { return e.Message }

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Agents   *agent.Registry
	Provider agent.Provider
	Config   *config.Config
	Policy   retrypolicy.Policy
	Fixer    autofix.Fixer
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, provider agent.Provider) Engine {
	policy := retrypolicy.FromConfig(cfg)
	fixer := autofix.New(policy)
	if cfg.AutoFix.RegenerateFailureVolume > 0 {
		fixer.RegenerateFailureVolume = cfg.AutoFix.RegenerateFailureVolume
	}
	if cfg.AutoFix.EscalateAfterAttempts > 0 {
		fixer.EscalateAfterAttempts = cfg.AutoFix.EscalateAfterAttempts
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Agents:   agent.NewRegistry(),
		Provider: provider,
		Config:   cfg,
		Policy:   policy,
		Fixer:    fixer,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC() string {
	return e.now().UTC().Format(time.RFC3339)
}

func newID() string {
	return uuid.NewString()
}

// InitTenant ensures the tenant and its config exist.
func (e Engine) InitTenant(ctx context.Context, tenantID, name, actorID string) (domain.Tenant, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tenant{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC()
	t := domain.Tenant{ID: tenantID, Name: name, CreatedAt: now}
	if t.Name == "" {
		t.Name = tenantID
	}
	if err := e.Repo.EnsureTenant(ctx, tx, t.ID, t.Name, now); err != nil {
		return domain.Tenant{}, fmt.Errorf("ensure tenant: %w", err)
	}
	if err := e.Repo.UpsertTenantConfigTx(ctx, tx, t.ID, config.Default(t.ID)); err != nil {
		return domain.Tenant{}, fmt.Errorf("seed tenant config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "tenant.init", t.ID, "", "tenant", t.ID, actorID, events.EventPayload{"name": t.Name}); err != nil {
		return domain.Tenant{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Tenant{}, err
	}
	return t, nil
}

// SpecCreateOptions are parameters for creating a scaffold spec.
type SpecCreateOptions struct {
	ID        string
	TenantID  string
	Name      string
	Mode      string
	Brief     string
	ShapeJSON string
	ActorID   string
}

func (e Engine) CreateSpec(ctx context.Context, opts SpecCreateOptions) (domain.ScaffoldSpec, error) {
	if opts.TenantID == "" {
		return domain.ScaffoldSpec{}, errors.New("tenant is required")
	}
	if opts.Name == "" {
		return domain.ScaffoldSpec{}, errors.New("name is required")
	}
	if opts.Mode == "" {
		opts.Mode = "freeform"
	}
	if opts.Mode != "guided" && opts.Mode != "freeform" {
		return domain.ScaffoldSpec{}, fmt.Errorf("invalid spec mode %s", opts.Mode)
	}
	if opts.Mode == "guided" {
		if _, err := domain.ParseSpecShape(opts.ShapeJSON); err != nil {
			return domain.ScaffoldSpec{}, fmt.Errorf("invalid shape: %w", err)
		}
	}
	if _, err := e.Repo.GetTenant(ctx, opts.TenantID); err != nil {
		return domain.ScaffoldSpec{}, err
	}

	now := e.nowRFC()
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.TenantID+"|"+opts.Name+"|"+now)).String()
	}
	s := domain.ScaffoldSpec{
		ID:        id,
		TenantID:  opts.TenantID,
		Name:      opts.Name,
		Mode:      opts.Mode,
		Status:    "draft",
		Brief:     opts.Brief,
		ShapeJSON: opts.ShapeJSON,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ScaffoldSpec{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSpecTx(ctx, tx, s); err != nil {
		return domain.ScaffoldSpec{}, fmt.Errorf("insert spec: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "spec.created", s.TenantID, "", "spec", s.ID, opts.ActorID, events.EventPayload{"name": s.Name, "mode": s.Mode}); err != nil {
		return domain.ScaffoldSpec{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ScaffoldSpec{}, err
	}
	return s, nil
}

// PlanSpec runs the planner and persists a new plan version for the spec.
// The first plan moves the spec draft -> planned; later calls append versions.
func (e Engine) PlanSpec(ctx context.Context, specID, actorID string) (domain.ScaffoldPlan, error) {
	spec, err := e.Repo.GetSpec(ctx, specID)
	if err != nil {
		return domain.ScaffoldPlan{}, err
	}
	if spec.Status == "archived" {
		return domain.ScaffoldPlan{}, ConflictError{Message: "spec is archived"}
	}

	actx := e.agentContext(spec.TenantID, "", 0)
	planner, err := e.Agents.Get(agent.RolePlanner)
	if err != nil {
		return domain.ScaffoldPlan{}, err
	}
	outputs, err := planner.Execute(ctx, actx, "plan", agent.Inputs{
		"mode":       spec.Mode,
		"brief":      spec.Brief,
		"shape_json": spec.ShapeJSON,
	})
	if err != nil {
		return domain.ScaffoldPlan{}, fmt.Errorf("planner: %w", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ScaffoldPlan{}, err
	}
	defer tx.Rollback()

	plan, err := e.insertPlanVersionTx(ctx, tx, spec, outputs, actorID)
	if err != nil {
		return domain.ScaffoldPlan{}, err
	}
	if spec.Status == "draft" {
		if err := e.Repo.UpdateSpecStatusTx(ctx, tx, spec.ID, "draft", "planned", e.nowRFC()); err != nil {
			return domain.ScaffoldPlan{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ScaffoldPlan{}, err
	}
	return plan, nil
}

// insertPlanVersionTx appends a new immutable plan version from planner
// outputs. Plans are never edited in place.
func (e Engine) insertPlanVersionTx(ctx context.Context, tx *sql.Tx, spec domain.ScaffoldSpec, outputs agent.Outputs, actorID string) (domain.ScaffoldPlan, error) {
	graphJSON, _ := outputs["graph_json"].(string)
	if graphJSON == "" {
		return domain.ScaffoldPlan{}, errors.New("planner produced no graph")
	}
	risk := 0
	switch v := outputs["risk_score"].(type) {
	case int:
		risk = v
	case float64:
		risk = int(v)
	}
	latest, err := e.Repo.LatestPlanVersionTx(ctx, tx, spec.ID)
	if err != nil {
		return domain.ScaffoldPlan{}, err
	}
	agents, _ := json.Marshal([]string{agent.RolePlanner})
	plan := domain.ScaffoldPlan{
		ID:         newID(),
		SpecID:     spec.ID,
		Version:    latest + 1,
		RiskScore:  risk,
		GraphJSON:  graphJSON,
		AgentsJSON: string(agents),
		CreatedAt:  e.nowRFC(),
	}
	if err := e.Repo.InsertPlanTx(ctx, tx, plan); err != nil {
		return domain.ScaffoldPlan{}, fmt.Errorf("insert plan: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "plan.created", spec.TenantID, "", "plan", plan.ID, actorID, events.EventPayload{
		"spec_id": spec.ID,
		"version": plan.Version,
		"risk":    plan.RiskScore,
	}); err != nil {
		return domain.ScaffoldPlan{}, err
	}
	return plan, nil
}

// ApproveSpec moves a planned spec to approved. Any other state is a
// conflict: a draft has nothing reviewed to approve yet.
func (e Engine) ApproveSpec(ctx context.Context, specID, actorID string) (domain.ScaffoldSpec, error) {
	spec, err := e.Repo.GetSpec(ctx, specID)
	if err != nil {
		return domain.ScaffoldSpec{}, err
	}
	if spec.Status == "approved" {
		return spec, ConflictError{Message: "spec already approved"}
	}
	if spec.Status != "planned" {
		return spec, ConflictError{Message: "spec is " + spec.Status + ", not planned"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ScaffoldSpec{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSpecStatusTx(ctx, tx, spec.ID, spec.Status, "approved", e.nowRFC()); err != nil {
		return domain.ScaffoldSpec{}, err
	}
	if err := e.Events.Append(ctx, tx, "spec.approved", spec.TenantID, "", "spec", spec.ID, actorID, nil); err != nil {
		return domain.ScaffoldSpec{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ScaffoldSpec{}, err
	}
	spec.Status = "approved"
	return spec, nil
}

// ArchiveSpec retires a spec from any state. Archived specs keep their plans
// and run history but accept no new work.
func (e Engine) ArchiveSpec(ctx context.Context, specID, actorID string) (domain.ScaffoldSpec, error) {
	spec, err := e.Repo.GetSpec(ctx, specID)
	if err != nil {
		return domain.ScaffoldSpec{}, err
	}
	if spec.Status == "archived" {
		return spec, ConflictError{Message: "spec already archived"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ScaffoldSpec{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSpecStatusTx(ctx, tx, spec.ID, spec.Status, "archived", e.nowRFC()); err != nil {
		return domain.ScaffoldSpec{}, err
	}
	if err := e.Events.Append(ctx, tx, "spec.archived", spec.TenantID, "", "spec", spec.ID, actorID, nil); err != nil {
		return domain.ScaffoldSpec{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ScaffoldSpec{}, err
	}
	spec.Status = "archived"
	return spec, nil
}

// RunStartOptions binds a run to a plan. When only the spec is given, the
// latest plan version is used, planning first if none exists.
type RunStartOptions struct {
	SpecID    string
	PlanID    string
	Iteration int
	ActorID   string
}

func (e Engine) StartRun(ctx context.Context, opts RunStartOptions) (domain.BuildRun, error) {
	var plan domain.ScaffoldPlan
	var err error
	if opts.PlanID != "" {
		plan, err = e.Repo.GetPlan(ctx, opts.PlanID)
		if err != nil {
			return domain.BuildRun{}, err
		}
	} else {
		if opts.SpecID == "" {
			return domain.BuildRun{}, errors.New("spec or plan is required")
		}
		plans, err := e.Repo.ListPlans(ctx, opts.SpecID)
		if err != nil {
			return domain.BuildRun{}, err
		}
		if len(plans) == 0 {
			plan, err = e.PlanSpec(ctx, opts.SpecID, opts.ActorID)
			if err != nil {
				return domain.BuildRun{}, err
			}
		} else {
			plan = plans[len(plans)-1]
		}
	}
	spec, err := e.Repo.GetSpec(ctx, plan.SpecID)
	if err != nil {
		return domain.BuildRun{}, err
	}

	iteration := opts.Iteration
	if iteration <= 0 {
		iteration = 1
	}
	now := e.nowRFC()
	run := domain.BuildRun{
		ID:            newID(),
		PlanID:        plan.ID,
		TenantID:      spec.TenantID,
		Status:        "pending",
		Iteration:     iteration,
		MaxIterations: e.Config.Runs.MaxIterations,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.BuildRun{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRunTx(ctx, tx, run); err != nil {
		return domain.BuildRun{}, fmt.Errorf("insert run: %w", err)
	}
	if err := e.Repo.InsertRetryStateTx(ctx, tx, run.ID, now); err != nil {
		return domain.BuildRun{}, fmt.Errorf("insert retry state: %w", err)
	}
	step := domain.BuildStep{
		ID:        newID(),
		RunID:     run.ID,
		Name:      "plan",
		Status:    "pending",
		Attempt:   1,
		CreatedAt: now,
	}
	if err := e.Repo.InsertStepTx(ctx, tx, step); err != nil {
		return domain.BuildRun{}, fmt.Errorf("insert step: %w", err)
	}
	if err := e.Repo.EnqueueJobTx(ctx, tx, "step", run.ID, step.ID, now, now); err != nil {
		return domain.BuildRun{}, fmt.Errorf("enqueue step: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "run.created", run.TenantID, run.ID, "run", run.ID, opts.ActorID, events.EventPayload{
		"plan_id":   plan.ID,
		"iteration": run.Iteration,
	}); err != nil {
		return domain.BuildRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BuildRun{}, err
	}
	return run, nil
}

// CancelRun aborts a run at any non-terminal state. In-flight step results are
// discarded when they try to commit against the canceled run.
func (e Engine) CancelRun(ctx context.Context, runID, actorID string) (domain.BuildRun, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.BuildRun{}, err
	}
	if isTerminalRunStatus(run.Status) {
		return run, ConflictError{Message: "run already " + run.Status}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.BuildRun{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRunStatusTx(ctx, tx, run.ID, run.Status, "canceled", e.nowRFC()); err != nil {
		return domain.BuildRun{}, ConflictError{Message: err.Error()}
	}
	if err := e.Events.Append(ctx, tx, "run.canceled", run.TenantID, run.ID, "run", run.ID, actorID, nil); err != nil {
		return domain.BuildRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BuildRun{}, err
	}
	run.Status = "canceled"
	return run, nil
}

// RetryRun re-enters the most recent failed step as a new attempt. force
// bypasses the retry caps but still respects terminal-once semantics for
// succeeded and canceled runs.
func (e Engine) RetryRun(ctx context.Context, runID, actorID string, force bool) (domain.BuildRun, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.BuildRun{}, err
	}
	if run.Status == "succeeded" || run.Status == "canceled" {
		return run, ConflictError{Message: "run already " + run.Status}
	}
	if run.Status != "failed" {
		return run, ConflictError{Message: "run is not failed"}
	}

	steps, err := e.Repo.ListSteps(ctx, runID)
	if err != nil {
		return domain.BuildRun{}, err
	}
	var failed *domain.BuildStep
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Status == "failed" {
			failed = &steps[i]
			break
		}
	}
	if failed == nil {
		return run, ConflictError{Message: "run has no failed step to retry"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.BuildRun{}, err
	}
	defer tx.Rollback()

	state, err := e.Repo.GetRetryStateTx(ctx, tx, runID)
	if err != nil {
		return domain.BuildRun{}, err
	}
	if !force && state.TotalAttempts >= e.Policy.MaxTotalAttempts {
		return run, ConflictError{Message: "run-wide attempt cap reached; use force to override"}
	}
	now := e.nowRFC()
	state.TotalAttempts++
	state.PerStep[failed.Name]++
	if err := e.Repo.UpdateRetryStateTx(ctx, tx, state, now); err != nil {
		return domain.BuildRun{}, err
	}
	if _, err := e.scheduleStepRetryAtTx(ctx, tx, run, failed.Name, failed.InputJSON, now, now); err != nil {
		return domain.BuildRun{}, err
	}
	if err := e.Repo.UpdateRunStatusTx(ctx, tx, run.ID, "failed", "running", now); err != nil {
		return domain.BuildRun{}, ConflictError{Message: err.Error()}
	}
	if err := e.Events.Append(ctx, tx, "run.retried", run.TenantID, run.ID, "run", run.ID, actorID, events.EventPayload{
		"step":  failed.Name,
		"force": force,
	}); err != nil {
		return domain.BuildRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BuildRun{}, err
	}
	run.Status = "running"
	return run, nil
}

func (e Engine) agentContext(tenantID, runID string, iteration int) agent.Context {
	return agent.Context{
		TenantID:  tenantID,
		RunID:     runID,
		Iteration: iteration,
		Provider:  e.Provider,
		Config:    e.Config,
		Now:       e.Now,
	}
}

func isTerminalRunStatus(status string) bool {
	switch status {
	case "succeeded", "failed", "canceled":
		return true
	}
	return false
}

func nextStepName(name string) string {
	for i, n := range stepSequence {
		if n == name && i+1 < len(stepSequence) {
			return stepSequence[i+1]
		}
	}
	return ""
}
