package app_test

import (
	"context"
	"os"
	"testing"

	"forgeline/internal/app"
	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/migrate"
	"forgeline/internal/repo"
)

func newRepo(t *testing.T) (repo.Repo, string) {
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
	return repo.Repo{DB: conn}, workspace
}

func TestResolveSeedsDefaultTenant(t *testing.T) {
	r, workspace := newRepo(t)
	ctx := context.Background()

	tenantID, cfg, err := app.ResolveTenantAndConfig(ctx, workspace, "", "tester", r)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if tenantID != "default" {
		t.Fatalf("tenant = %s, want default", tenantID)
	}
	if cfg == nil || cfg.Tenant.ID != "default" {
		t.Fatalf("config tenant = %+v", cfg)
	}
	if _, err := r.GetTenant(ctx, "default"); err != nil {
		t.Fatalf("tenant not seeded: %v", err)
	}
	if _, err := r.GetTenantConfig(ctx, "default"); err != nil {
		t.Fatalf("config not seeded: %v", err)
	}
}

func TestResolveOverrideBeatsConfigFile(t *testing.T) {
	r, workspace := newRepo(t)
	ctx := context.Background()
	if err := os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault("from-file")), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	tenantID, _, err := app.ResolveTenantAndConfig(ctx, workspace, "from-flag", "tester", r)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if tenantID != "from-flag" {
		t.Fatalf("tenant = %s, want from-flag", tenantID)
	}
}

func TestResolveReadsWorkspaceConfig(t *testing.T) {
	r, workspace := newRepo(t)
	ctx := context.Background()
	if err := os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault("from-file")), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	tenantID, cfg, err := app.ResolveTenantAndConfig(ctx, workspace, "", "tester", r)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if tenantID != "from-file" {
		t.Fatalf("tenant = %s, want from-file", tenantID)
	}
	if cfg.Retry.MaxTotalAttempts == 0 {
		t.Fatal("config not loaded from file")
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	r, workspace := newRepo(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, _, err := app.ResolveTenantAndConfig(ctx, workspace, "acme", "tester", r); err != nil {
			t.Fatalf("resolve #%d: %v", i+1, err)
		}
	}
}
