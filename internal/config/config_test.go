package config_test

import (
	"testing"

	"forgeline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default("acme")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Tenant.ID != "acme" {
		t.Fatalf("tenant id = %s", cfg.Tenant.ID)
	}
	if cfg.Retry.MaxTotalAttempts <= 0 || cfg.Runs.MaxIterations <= 0 {
		t.Fatal("default caps missing")
	}
	if cfg.Retry.Categories["transient"].MaxRetries == 0 {
		t.Fatal("transient must be retryable by default")
	}
	if cfg.Retry.Categories["security"].MaxRetries != 0 {
		t.Fatal("security must not be retryable by default")
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("acme")))
	if err != nil {
		t.Fatalf("parse generated default: %v", err)
	}
	if cfg.Tenant.ID != "acme" {
		t.Fatalf("tenant id = %s", cfg.Tenant.ID)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"missing tenant", func(c *config.Config) { c.Tenant.ID = "" }},
		{"zero base delay", func(c *config.Config) { c.Retry.BaseDelaySeconds = 0 }},
		{"cap below base", func(c *config.Config) { c.Retry.DelayCapSeconds = 1 }},
		{"zero total attempts", func(c *config.Config) { c.Retry.MaxTotalAttempts = 0 }},
		{"bad risk threshold", func(c *config.Config) { c.Approval.RiskThreshold = 101 }},
		{"bad pass rate", func(c *config.Config) { c.Approval.PassRateThreshold = 1.5 }},
		{"weights off", func(c *config.Config) { c.QA.UnitWeight = 0.9 }},
		{"zero iterations", func(c *config.Config) { c.Runs.MaxIterations = 0 }},
		{"retryable without multiplier", func(c *config.Config) {
			c.Retry.Categories["transient"] = config.CategoryRule{MaxRetries: 2, Multiplier: 0}
		}},
		{"rbac without reviewer", func(c *config.Config) {
			c.RBAC.Roles = map[string]config.RBACRole{"owner": {Permissions: []string{"run.read"}}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default("acme")
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestPathAllowed(t *testing.T) {
	cfg := config.Default("acme")
	for path, want := range map[string]bool{
		"src/main.js":           true,
		"web/pages/index.html":  true,
		"migrations/2_add.sql":  true,
		"secrets/key.js":        false,
		".env":                  false,
		"../outside/config.yml": false,
	} {
		if got := cfg.PathAllowed(path); got != want {
			t.Fatalf("PathAllowed(%q) = %v, want %v", path, got, want)
		}
	}

	// No allowlist means no restriction.
	cfg.AutoFix.PathAllowlist = nil
	if !cfg.PathAllowed("anything/at/all") {
		t.Fatal("empty allowlist must allow everything")
	}
}

func TestRolePermissions(t *testing.T) {
	cfg := config.Default("acme")
	perms := cfg.RolePermissions([]string{"reviewer"})
	found := false
	for _, p := range perms {
		if p == "gate.resolve" {
			found = true
		}
		if p == "spec.write" {
			t.Fatal("reviewer must not get spec.write")
		}
	}
	if !found {
		t.Fatal("reviewer missing gate.resolve")
	}

	// Unknown roles contribute nothing; duplicates collapse.
	perms = cfg.RolePermissions([]string{"owner", "owner", "ghost"})
	seen := map[string]int{}
	for _, p := range perms {
		seen[p]++
		if seen[p] > 1 {
			t.Fatalf("duplicate permission %s", p)
		}
	}
	if len(perms) == 0 {
		t.Fatal("owner permissions missing")
	}
}
