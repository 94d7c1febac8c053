package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"forgeline/internal/agent"
	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/migrate"
	"forgeline/internal/queue"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  time.Time
}

func newTestEnv(t *testing.T, provider agent.Provider) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("acme")
	eng := engine.New(conn, cfg, provider)
	env := &testEnv{Ctx: context.Background(), clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng.Now = func() time.Time { return env.clock }
	env.Engine = eng
	if _, err := eng.InitTenant(env.Ctx, "acme", "Acme", "tester"); err != nil {
		t.Fatalf("init tenant: %v", err)
	}
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.clock = env.clock.Add(d)
}

func (env *testEnv) drain(t *testing.T) int {
	t.Helper()
	n, err := queue.Drain(env.Ctx, env.Engine, 0)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	return n
}

func (env *testEnv) createSpec(t *testing.T, brief string) domain.ScaffoldSpec {
	t.Helper()
	spec, err := env.Engine.CreateSpec(env.Ctx, engine.SpecCreateOptions{
		TenantID: "acme",
		Name:     "notes",
		Brief:    brief,
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("create spec: %v", err)
	}
	return spec
}

// okScaffold is provider output that passes every QA tier.
const okScaffold = "```js file=src/main.js\n" +
	"const express = require('express');\n" +
	"const app = express();\n" +
	"app.use('/notes', require('./routes/note'));\n" +
	"app.get('/health', (req, res) => res.json({status: 'ok'}));\n" +
	"app.listen(3000);\n" +
	"```\n" +
	"```js file=src/routes/note.js\n" +
	"const { Router } = require('express');\n" +
	"const router = Router();\n" +
	"router.get('/', (req, res) => res.json([]));\n" +
	"router.post('/', (req, res) => res.status(201).json({}));\n" +
	"router.get('/:id', (req, res) => res.sendStatus(404));\n" +
	"router.delete('/:id', (req, res) => res.sendStatus(204));\n" +
	"module.exports = router;\n" +
	"```\n"

func TestSpecLifecycle(t *testing.T) {
	env := newTestEnv(t, agent.LocalProvider{})
	spec := env.createSpec(t, "Team Notes")
	if spec.Status != "draft" {
		t.Fatalf("status = %s, want draft", spec.Status)
	}

	// A draft has nothing reviewed to approve yet.
	var conflict engine.ConflictError
	if _, err := env.Engine.ApproveSpec(env.Ctx, spec.ID, "tester"); !errors.As(err, &conflict) {
		t.Fatalf("approve draft: %v, want conflict", err)
	}

	plan, err := env.Engine.PlanSpec(env.Ctx, spec.ID, "tester")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Version != 1 {
		t.Fatalf("version = %d, want 1", plan.Version)
	}
	spec, _ = env.Engine.Repo.GetSpec(env.Ctx, spec.ID)
	if spec.Status != "planned" {
		t.Fatalf("status = %s, want planned", spec.Status)
	}

	// Plans are versioned, never edited.
	plan2, err := env.Engine.PlanSpec(env.Ctx, spec.ID, "tester")
	if err != nil || plan2.Version != 2 {
		t.Fatalf("second plan: %v version %d", err, plan2.Version)
	}

	if _, err := env.Engine.ApproveSpec(env.Ctx, spec.ID, "tester"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.Engine.ArchiveSpec(env.Ctx, spec.ID, "tester"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := env.Engine.PlanSpec(env.Ctx, spec.ID, "tester"); err == nil {
		t.Fatal("planning an archived spec must conflict")
	}
	if _, err := env.Engine.ArchiveSpec(env.Ctx, spec.ID, "tester"); !errors.As(err, &conflict) {
		t.Fatalf("double archive: %v", err)
	}
}

func TestCreateSpecValidation(t *testing.T) {
	env := newTestEnv(t, agent.LocalProvider{})
	if _, err := env.Engine.CreateSpec(env.Ctx, engine.SpecCreateOptions{TenantID: "acme", Name: "x", Mode: "psychic"}); err == nil {
		t.Fatal("expected invalid mode error")
	}
	if _, err := env.Engine.CreateSpec(env.Ctx, engine.SpecCreateOptions{TenantID: "acme", Name: "x", Mode: "guided", ShapeJSON: "{not json"}); err == nil {
		t.Fatal("expected invalid shape error")
	}
	if _, err := env.Engine.CreateSpec(env.Ctx, engine.SpecCreateOptions{TenantID: "ghost", Name: "x"}); err == nil {
		t.Fatal("expected unknown tenant error")
	}
}

func TestRunSucceedsEndToEnd(t *testing.T) {
	env := newTestEnv(t, agent.LocalProvider{})
	spec := env.createSpec(t, "Team Notes")
	run, err := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{SpecID: spec.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if run.Status != "pending" {
		t.Fatalf("status = %s, want pending", run.Status)
	}
	env.drain(t)

	run, _ = env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if run.Status != "succeeded" {
		t.Fatalf("status = %s, want succeeded", run.Status)
	}
	if run.MetricsJSON == "" {
		t.Fatal("metrics missing on finished run")
	}

	steps, _ := env.Engine.Repo.ListSteps(env.Ctx, run.ID)
	byName := map[string]int{}
	for _, s := range steps {
		if s.Status != "succeeded" {
			t.Fatalf("step %s status = %s", s.Name, s.Status)
		}
		byName[s.Name]++
	}
	for _, want := range []string{"plan", "codegen", "test", "evaluate", "approval", "finalize"} {
		if byName[want] != 1 {
			t.Fatalf("step %s ran %d times: %v", want, byName[want], byName)
		}
	}
	if len(steps) != 6 {
		t.Fatalf("steps = %d, want 6", len(steps))
	}

	if _, err := env.Engine.Repo.GetDiffArtifact(env.Ctx, run.ID, 1); err != nil {
		t.Fatalf("diff artifact: %v", err)
	}
	report, err := env.Engine.Repo.GetEvalReport(env.Ctx, run.ID, 1)
	if err != nil || !report.Passed {
		t.Fatalf("eval report: %v passed=%v", err, report.Passed)
	}
	gates, _ := env.Engine.Repo.ListGates(env.Ctx, run.ID)
	if len(gates) != 1 || gates[0].Status != "skipped" {
		t.Fatalf("gates = %+v, want one skipped", gates)
	}
	artifacts, _ := env.Engine.Repo.ListBuildArtifacts(env.Ctx, run.ID)
	if len(artifacts) == 0 || artifacts[0].Kind != "manifest" {
		t.Fatalf("artifacts = %+v, want manifest", artifacts)
	}
}

func TestTransientFailureRetriesWithBackoff(t *testing.T) {
	provider := &agent.ScriptedProvider{
		Responses: []agent.GenerateResponse{{}, {}, {}},
		Errors:    []error{nil, errors.New("dial tcp 10.0.0.1:443: connection refused"), nil},
	}
	env := newTestEnv(t, provider)
	spec := env.createSpec(t, "Team Notes")
	run, err := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{SpecID: spec.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	env.drain(t)

	// The retry is parked in the future; nothing more is due yet.
	run, _ = env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if run.Status != "running" {
		t.Fatalf("status = %s, want running while backing off", run.Status)
	}
	if n := env.drain(t); n != 0 {
		t.Fatalf("drained %d jobs before backoff elapsed", n)
	}
	state, err := env.Engine.Repo.GetRetryState(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("retry state: %v", err)
	}
	if state.TotalAttempts != 1 || state.PerStep["codegen"] != 1 {
		t.Fatalf("state = %+v", state)
	}
	fixes, _ := env.Engine.Repo.ListAutoFixRuns(env.Ctx, run.ID)
	if len(fixes) != 1 || fixes[0].Outcome != "retried" || fixes[0].SignalType != "infra" {
		t.Fatalf("fixes = %+v", fixes)
	}
	if fixes[0].BackoffMS != 2000 {
		t.Fatalf("backoff_ms = %d, want 2000", fixes[0].BackoffMS)
	}

	env.advance(3 * time.Second)
	env.drain(t)
	run, _ = env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if run.Status != "succeeded" {
		t.Fatalf("status = %s, want succeeded after retry", run.Status)
	}
	steps, _ := env.Engine.Repo.ListSteps(env.Ctx, run.ID)
	attempts := map[int]string{}
	for _, s := range steps {
		if s.Name == "codegen" {
			attempts[s.Attempt] = s.Status
		}
	}
	if attempts[1] != "failed" || attempts[2] != "succeeded" {
		t.Fatalf("codegen attempts = %+v", attempts)
	}
}

func TestTestFailureGetsPatched(t *testing.T) {
	bad := "```js file=src/main.js\n// assertion failed marker from generated tests\napp.listen(3000);\n```\n"
	provider := &agent.ScriptedProvider{
		Responses: []agent.GenerateResponse{{}, {Content: bad}, {Content: okScaffold}},
	}
	env := newTestEnv(t, provider)
	spec := env.createSpec(t, "Team Notes")
	run, err := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{SpecID: spec.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	env.drain(t)

	run, _ = env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if run.Status != "succeeded" {
		t.Fatalf("status = %s, want succeeded after patch", run.Status)
	}
	if run.Iteration != 2 {
		t.Fatalf("iteration = %d, want 2 after one patch cycle", run.Iteration)
	}
	fixes, _ := env.Engine.Repo.ListAutoFixRuns(env.Ctx, run.ID)
	if len(fixes) != 1 || fixes[0].Outcome != "patch_applied" || fixes[0].Strategy != "fix_specific_issue" {
		t.Fatalf("fixes = %+v", fixes)
	}
	if fixes[0].SignalType != "test_assert" {
		t.Fatalf("signal = %s, want test_assert", fixes[0].SignalType)
	}
	// Each iteration keeps its own diff.
	if _, err := env.Engine.Repo.GetDiffArtifact(env.Ctx, run.ID, 1); err != nil {
		t.Fatalf("iteration 1 diff: %v", err)
	}
	d2, err := env.Engine.Repo.GetDiffArtifact(env.Ctx, run.ID, 2)
	if err != nil {
		t.Fatalf("iteration 2 diff: %v", err)
	}
	if !strings.Contains(d2.Diff, "src/routes/note.js") {
		t.Fatal("iteration 2 diff missing patched file")
	}
	steps, _ := env.Engine.Repo.ListSteps(env.Ctx, run.ID)
	testAttempts := 0
	for _, s := range steps {
		if s.Name == "test" {
			testAttempts++
		}
	}
	if testAttempts != 2 {
		t.Fatalf("test attempts = %d, want 2", testAttempts)
	}
}

func TestSecurityEscalationGate(t *testing.T) {
	provider := &agent.ScriptedProvider{
		Responses: []agent.GenerateResponse{{}, {}, {}},
		Errors:    []error{nil, errors.New("push rejected: permission denied for repository"), nil},
	}
	env := newTestEnv(t, provider)
	env.Engine.Fixer.EscalateAfterAttempts = 0
	spec := env.createSpec(t, "Team Notes")
	run, err := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{SpecID: spec.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	env.drain(t)

	run, _ = env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if run.Status != "needs_approval" {
		t.Fatalf("status = %s, want needs_approval", run.Status)
	}
	gates, _ := env.Engine.Repo.ListGates(env.Ctx, run.ID)
	if len(gates) != 1 || gates[0].Status != "pending" {
		t.Fatalf("gates = %+v", gates)
	}
	if !strings.HasPrefix(gates[0].Reason, "escalation:") {
		t.Fatalf("reason = %q", gates[0].Reason)
	}

	gate, err := env.Engine.ResolveGate(env.Ctx, gates[0].ID, true, "rev-1", "checked, false positive")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if gate.Status != "approved" {
		t.Fatalf("gate = %s, want approved", gate.Status)
	}
	// Gates resolve exactly once.
	var conflict engine.ConflictError
	if _, err := env.Engine.ResolveGate(env.Ctx, gates[0].ID, false, "rev-2", ""); !errors.As(err, &conflict) {
		t.Fatalf("double resolve: %v", err)
	}

	env.drain(t)
	run, _ = env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if run.Status != "succeeded" {
		t.Fatalf("status = %s, want succeeded after approval", run.Status)
	}
}

func TestRepeatedSecurityFailureEscalates(t *testing.T) {
	// Every remediation attempt hits the same security wall; after the
	// configured attempt threshold the run must reach a human instead of
	// giving up silently.
	provider := &agent.ScriptedProvider{
		Responses: make([]agent.GenerateResponse, 4),
		Errors: []error{
			nil,
			errors.New("audit: unauthorized access to signing key"),
			errors.New("audit: unauthorized access to signing key"),
			errors.New("audit: unauthorized access to signing key"),
		},
	}
	env := newTestEnv(t, provider)
	spec := env.createSpec(t, "Team Notes")
	run, err := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{SpecID: spec.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	env.drain(t)

	run, _ = env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if run.Status != "needs_approval" {
		t.Fatalf("status = %s, want needs_approval", run.Status)
	}
	fixes, _ := env.Engine.Repo.ListAutoFixRuns(env.Ctx, run.ID)
	var outcomes []string
	for _, f := range fixes {
		if f.SignalType != "security" {
			t.Fatalf("signal = %s, want security", f.SignalType)
		}
		outcomes = append(outcomes, f.Outcome)
	}
	want := []string{"patch_applied", "patch_applied", "escalated"}
	if strings.Join(outcomes, ",") != strings.Join(want, ",") {
		t.Fatalf("outcomes = %v, want %v", outcomes, want)
	}
	state, _ := env.Engine.Repo.GetRetryState(env.Ctx, run.ID)
	if state.PerStep["codegen"] != 2 {
		t.Fatalf("codegen attempts = %d, want 2", state.PerStep["codegen"])
	}

	escalations, err := env.Engine.Repo.ListEscalationGates(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("escalations: %v", err)
	}
	if len(escalations) != 1 || escalations[0].Status != "pending" {
		t.Fatalf("escalations = %+v, want one pending", escalations)
	}
	if !strings.HasPrefix(escalations[0].Reason, "escalation:") {
		t.Fatalf("reason = %q", escalations[0].Reason)
	}
}

func TestEscalationAfterResolvedGateOpensNewRound(t *testing.T) {
	// A second escalation on an iteration whose gate is already resolved must
	// open a new review round, not collide with the resolved gate.
	provider := &agent.ScriptedProvider{
		Responses: make([]agent.GenerateResponse, 3),
		Errors: []error{
			nil,
			errors.New("push rejected: permission denied for repository"),
			errors.New("push rejected: permission denied for repository"),
		},
	}
	env := newTestEnv(t, provider)
	env.Engine.Fixer.EscalateAfterAttempts = 0
	spec := env.createSpec(t, "Team Notes")
	run, err := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{SpecID: spec.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	env.drain(t)

	gates, _ := env.Engine.Repo.ListGates(env.Ctx, run.ID)
	if len(gates) != 1 || gates[0].Status != "pending" {
		t.Fatalf("gates = %+v, want one pending", gates)
	}
	if _, err := env.Engine.ResolveGate(env.Ctx, gates[0].ID, true, "rev-1", "retry it"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	env.drain(t)

	run, _ = env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if run.Status != "needs_approval" {
		t.Fatalf("status = %s, want needs_approval after second escalation", run.Status)
	}
	if run.Iteration != 2 {
		t.Fatalf("iteration = %d, want 2", run.Iteration)
	}
	gates, _ = env.Engine.Repo.ListGates(env.Ctx, run.ID)
	if len(gates) != 2 {
		t.Fatalf("gates = %+v, want two", gates)
	}
	if gates[0].Iteration != 1 || gates[0].Status != "approved" {
		t.Fatalf("first gate = %+v", gates[0])
	}
	if gates[1].Iteration != 2 || gates[1].Status != "pending" {
		t.Fatalf("second gate = %+v", gates[1])
	}
}

func TestDisallowedPathEscalates(t *testing.T) {
	// Generated changes outside the tenant allowlist are policy failures; a
	// provider that keeps emitting them ends at a human gate.
	rogue := "```js file=secrets/key.js\nmodule.exports = 'k';\n```\n"
	provider := &agent.ScriptedProvider{
		Responses: []agent.GenerateResponse{{}, {Content: rogue}, {Content: rogue}, {Content: rogue}},
	}
	env := newTestEnv(t, provider)
	spec := env.createSpec(t, "Team Notes")
	run, err := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{SpecID: spec.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	env.drain(t)

	steps, _ := env.Engine.Repo.ListSteps(env.Ctx, run.ID)
	var codegen *domain.BuildStep
	for i := range steps {
		if steps[i].Name == "codegen" {
			codegen = &steps[i]
		}
	}
	if codegen == nil || codegen.Status != "failed" {
		t.Fatalf("codegen step = %+v, want failed", codegen)
	}
	if !strings.Contains(codegen.Error, "path not allowed") {
		t.Fatalf("error = %q", codegen.Error)
	}
	fixes, _ := env.Engine.Repo.ListAutoFixRuns(env.Ctx, run.ID)
	if len(fixes) == 0 || fixes[0].SignalType != "policy" {
		t.Fatalf("fixes = %+v, want policy signal", fixes)
	}
	run, _ = env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if run.Status != "needs_approval" {
		t.Fatalf("status = %s, want needs_approval", run.Status)
	}
}

// stallProvider answers planning immediately and then hangs until the step
// context expires, simulating a hung backend call.
type stallProvider struct{}

func (stallProvider) Generate(ctx context.Context, req agent.GenerateRequest) (agent.GenerateResponse, error) {
	if req.Action == "plan" {
		return agent.GenerateResponse{}, nil
	}
	<-ctx.Done()
	return agent.GenerateResponse{}, ctx.Err()
}

func TestStepTimeoutRetriesAsTransient(t *testing.T) {
	env := newTestEnv(t, stallProvider{})
	env.Engine.Config.Runs.StepTimeoutSeconds = 1
	spec := env.createSpec(t, "Team Notes")
	run, err := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{SpecID: spec.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	env.drain(t)

	run, _ = env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if run.Status != "running" {
		t.Fatalf("status = %s, want running while backing off", run.Status)
	}
	steps, _ := env.Engine.Repo.ListSteps(env.Ctx, run.ID)
	found := false
	for _, s := range steps {
		if s.Name == "codegen" && s.Attempt == 1 {
			found = true
			if s.Status != "failed" || !strings.Contains(s.Error, "deadline exceeded") {
				t.Fatalf("codegen attempt 1 = %+v", s)
			}
		}
	}
	if !found {
		t.Fatal("codegen attempt 1 missing")
	}
	fixes, _ := env.Engine.Repo.ListAutoFixRuns(env.Ctx, run.ID)
	if len(fixes) != 1 || fixes[0].Outcome != "retried" || fixes[0].SignalType != "transient" {
		t.Fatalf("fixes = %+v, want one transient retry", fixes)
	}
}

func TestApprovalGateApproveAndReject(t *testing.T) {
	shape := `{"entities":[{"name":"Record"}],"security_sensitive":true}`
	newRun := func(t *testing.T, env *testEnv) domain.BuildRun {
		spec, err := env.Engine.CreateSpec(env.Ctx, engine.SpecCreateOptions{
			TenantID: "acme", Name: "records", Mode: "guided", ShapeJSON: shape, ActorID: "tester",
		})
		if err != nil {
			t.Fatalf("create spec: %v", err)
		}
		run, err := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{SpecID: spec.ID, ActorID: "tester"})
		if err != nil {
			t.Fatalf("start run: %v", err)
		}
		env.drain(t)
		run, _ = env.Engine.Repo.GetRun(env.Ctx, run.ID)
		if run.Status != "needs_approval" {
			t.Fatalf("status = %s, want needs_approval for sensitive spec", run.Status)
		}
		return run
	}

	t.Run("approve resumes to finalize", func(t *testing.T) {
		env := newTestEnv(t, agent.LocalProvider{})
		run := newRun(t, env)
		gates, _ := env.Engine.Repo.ListGates(env.Ctx, run.ID)
		if _, err := env.Engine.ResolveGate(env.Ctx, gates[0].ID, true, "rev-1", "lgtm"); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		env.drain(t)
		run, _ = env.Engine.Repo.GetRun(env.Ctx, run.ID)
		if run.Status != "succeeded" {
			t.Fatalf("status = %s, want succeeded", run.Status)
		}
	})

	t.Run("reject fails the run", func(t *testing.T) {
		env := newTestEnv(t, agent.LocalProvider{})
		run := newRun(t, env)
		gates, _ := env.Engine.Repo.ListGates(env.Ctx, run.ID)
		if _, err := env.Engine.ResolveGate(env.Ctx, gates[0].ID, false, "rev-1", "too risky"); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		run, _ = env.Engine.Repo.GetRun(env.Ctx, run.ID)
		if run.Status != "failed" {
			t.Fatalf("status = %s, want failed", run.Status)
		}
		steps, _ := env.Engine.Repo.ListSteps(env.Ctx, run.ID)
		for _, s := range steps {
			if s.Name == "approval" && s.Status != "failed" {
				t.Fatalf("approval step = %s, want failed", s.Status)
			}
		}
	})
}

func TestReplanCreatesSuccessorRun(t *testing.T) {
	provider := &agent.ScriptedProvider{
		Responses: []agent.GenerateResponse{{}, {}, {}, {}},
		Errors:    []error{nil, errors.New("bundler error: import cycle between notes and tags"), nil, nil},
	}
	env := newTestEnv(t, provider)
	spec := env.createSpec(t, "Team Notes")
	run, err := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{SpecID: spec.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	env.drain(t)

	run, _ = env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if run.Status != "failed" {
		t.Fatalf("status = %s, want failed after replan trigger", run.Status)
	}
	if run.SuccessorID == nil {
		t.Fatal("successor missing")
	}
	successor, err := env.Engine.Repo.GetRun(env.Ctx, *run.SuccessorID)
	if err != nil {
		t.Fatalf("successor: %v", err)
	}
	if successor.Status != "succeeded" {
		t.Fatalf("successor status = %s, want succeeded", successor.Status)
	}
	if successor.Iteration != run.Iteration+1 {
		t.Fatalf("successor iteration = %d, want %d", successor.Iteration, run.Iteration+1)
	}

	plans, _ := env.Engine.Repo.ListPlans(env.Ctx, spec.ID)
	if len(plans) != 2 {
		t.Fatalf("plans = %d, want a second version", len(plans))
	}
	deltas, _ := env.Engine.Repo.ListPlanDeltas(env.Ctx, run.ID)
	if len(deltas) != 1 || deltas[0].TriggeredBy != "autofix" {
		t.Fatalf("deltas = %+v", deltas)
	}
	fixes, _ := env.Engine.Repo.ListAutoFixRuns(env.Ctx, run.ID)
	if len(fixes) != 1 || fixes[0].Outcome != "replanned" {
		t.Fatalf("fixes = %+v", fixes)
	}
}

func TestCancelRun(t *testing.T) {
	env := newTestEnv(t, agent.LocalProvider{})
	spec := env.createSpec(t, "Team Notes")
	run, err := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{SpecID: spec.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	run, err = env.Engine.CancelRun(env.Ctx, run.ID, "tester")
	if err != nil || run.Status != "canceled" {
		t.Fatalf("cancel: %v status=%s", err, run.Status)
	}
	var conflict engine.ConflictError
	if _, err := env.Engine.CancelRun(env.Ctx, run.ID, "tester"); !errors.As(err, &conflict) {
		t.Fatalf("double cancel: %v", err)
	}
	// Queued work for a canceled run is dropped, not executed.
	env.drain(t)
	steps, _ := env.Engine.Repo.ListSteps(env.Ctx, run.ID)
	for _, s := range steps {
		if s.Status == "succeeded" {
			t.Fatalf("step %s ran after cancel", s.Name)
		}
	}
}

func TestRetryRunAfterGaveUp(t *testing.T) {
	// Script: plan ok; codegen fails with an unknown one-retry error twice, then
	// the run gives up; a manual retry with a working provider recovers it.
	provider := &agent.ScriptedProvider{
		Responses: []agent.GenerateResponse{{}, {}, {}, {Content: okScaffold}},
		Errors: []error{
			nil,
			errors.New("mysterious generator fault"),
			errors.New("mysterious generator fault"),
			nil,
		},
	}
	env := newTestEnv(t, provider)
	spec := env.createSpec(t, "Team Notes")
	run, err := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{SpecID: spec.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	env.drain(t)
	env.advance(time.Minute)
	env.drain(t)

	run, _ = env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if run.Status != "failed" {
		t.Fatalf("status = %s, want failed after retries exhausted", run.Status)
	}

	run, err = env.Engine.RetryRun(env.Ctx, run.ID, "tester", false)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if run.Status != "running" {
		t.Fatalf("status = %s, want running", run.Status)
	}
	env.drain(t)
	run, _ = env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if run.Status != "succeeded" {
		t.Fatalf("status = %s, want succeeded after manual retry", run.Status)
	}
	state, _ := env.Engine.Repo.GetRetryState(env.Ctx, run.ID)
	if state.TotalAttempts != 2 {
		t.Fatalf("total attempts = %d, want 2", state.TotalAttempts)
	}
}

func TestRetryRunRejectsNonFailed(t *testing.T) {
	env := newTestEnv(t, agent.LocalProvider{})
	spec := env.createSpec(t, "Team Notes")
	run, _ := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{SpecID: spec.ID, ActorID: "tester"})
	var conflict engine.ConflictError
	if _, err := env.Engine.RetryRun(env.Ctx, run.ID, "tester", false); !errors.As(err, &conflict) {
		t.Fatalf("retry pending run: %v", err)
	}
	env.drain(t)
	if _, err := env.Engine.RetryRun(env.Ctx, run.ID, "tester", true); !errors.As(err, &conflict) {
		t.Fatalf("retry succeeded run: %v", err)
	}
}

func TestEventsRecorded(t *testing.T) {
	env := newTestEnv(t, agent.LocalProvider{})
	spec := env.createSpec(t, "Team Notes")
	run, _ := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{SpecID: spec.ID, ActorID: "tester"})
	env.drain(t)
	events, err := env.Engine.Repo.RunEvents(env.Ctx, run.ID, 100)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	seen := map[string]bool{}
	for _, ev := range events {
		seen[ev.Type] = true
	}
	for _, want := range []string{"run.created", "step.started", "step.succeeded", "run.succeeded"} {
		if !seen[want] {
			t.Fatalf("missing event %s in %v", want, seen)
		}
	}
}
