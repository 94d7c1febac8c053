package queue_test

import (
	"context"
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

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("acme"), agent.LocalProvider{})
	if _, err := e.InitTenant(context.Background(), "acme", "", "tester"); err != nil {
		t.Fatalf("init tenant: %v", err)
	}
	return e
}

func startRun(t *testing.T, e engine.Engine) domain.BuildRun {
	t.Helper()
	ctx := context.Background()
	spec, err := e.CreateSpec(ctx, engine.SpecCreateOptions{
		TenantID: "acme",
		Name:     "notes",
		Mode:     "freeform",
		Brief:    "Build a service for Team Notes",
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("create spec: %v", err)
	}
	if _, err := e.PlanSpec(ctx, spec.ID, "tester"); err != nil {
		t.Fatalf("plan spec: %v", err)
	}
	if _, err := e.ApproveSpec(ctx, spec.ID, "tester"); err != nil {
		t.Fatalf("approve spec: %v", err)
	}
	run, err := e.StartRun(ctx, engine.RunStartOptions{SpecID: spec.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	return run
}

func TestDrainExecutesDueJobs(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	run := startRun(t, e)

	executed, err := queue.Drain(ctx, e, 0)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if executed == 0 {
		t.Fatal("expected jobs to execute")
	}
	got, err := e.Repo.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != "succeeded" {
		t.Fatalf("run status = %s, want succeeded", got.Status)
	}
	pending, err := e.Repo.CountPendingJobs(ctx, run.ID)
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 0 {
		t.Fatalf("pending jobs = %d after drain", pending)
	}
}

func TestDrainLeavesFutureJobs(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e.Now = func() time.Time { return clock }

	tx, err := e.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	runAt := clock.Add(time.Hour).Format(time.RFC3339)
	now := clock.Format(time.RFC3339)
	if err := e.Repo.EnqueueJobTx(ctx, tx, "step", "run-later", "", runAt, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	executed, err := queue.Drain(ctx, e, 0)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if executed != 0 {
		t.Fatalf("executed = %d, want 0 for a future job", executed)
	}
	pending, err := e.Repo.CountPendingJobs(ctx, "run-later")
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 1 {
		t.Fatalf("pending = %d, want the future job kept", pending)
	}
}

func TestDrainRespectsMax(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	run := startRun(t, e)

	executed, err := queue.Drain(ctx, e, 1)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if executed != 1 {
		t.Fatalf("executed = %d, want 1", executed)
	}
	got, err := e.Repo.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status == "succeeded" {
		t.Fatal("run finished after a single job")
	}
	pending, err := e.Repo.CountPendingJobs(ctx, run.ID)
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending == 0 {
		t.Fatal("expected follow-up jobs still queued")
	}
}

func TestPoolProcessesRunAndStopsOnCancel(t *testing.T) {
	e := newEngine(t)
	run := startRun(t, e)

	pool := queue.NewPool(e, 2)
	pool.PollInterval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(10 * time.Second)
	for {
		got, err := e.Repo.GetRun(context.Background(), run.ID)
		if err != nil {
			cancel()
			t.Fatalf("get run: %v", err)
		}
		if got.Status == "succeeded" {
			break
		}
		if got.Status == "failed" {
			cancel()
			t.Fatalf("run failed: %s", got.MetricsJSON)
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("run did not finish, status %s", got.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}
