package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"forgeline/internal/config"
	"forgeline/internal/repo"
)

// ResolveTenantAndConfig picks the active tenant and ensures it and its config
// exist in the DB, seeding defaults if missing. Precedence: override flag,
// then forgeline.yml in the workspace, then "default".
func ResolveTenantAndConfig(ctx context.Context, workspace, tenantOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	tenantID := tenantOverride
	var fileCfg *config.Config
	if cfg, err := config.LoadOptional(workspace); err == nil && cfg != nil {
		fileCfg = cfg
		if tenantID == "" {
			tenantID = cfg.Tenant.ID
		}
	} else if err != nil {
		return "", nil, err
	}
	if tenantID == "" {
		tenantID = "default"
	}

	seedCfg := fileCfg
	if seedCfg == nil {
		seedCfg = config.Default(tenantID)
	}

	if _, err := r.GetTenant(ctx, tenantID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createTenant(ctx, r, tenantID, seedCfg); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetTenantConfig(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertTenantConfig(ctx, tenantID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed tenant config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Tenant.ID = tenantID
	return tenantID, cfg, nil
}

func createTenant(ctx context.Context, r repo.Repo, tenantID string, seedCfg *config.Config) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	name := seedCfg.Tenant.Name
	if name == "" {
		name = tenantID
	}
	if err := r.EnsureTenant(ctx, tx, tenantID, name, now); err != nil {
		return fmt.Errorf("ensure tenant: %w", err)
	}
	if err := r.UpsertTenantConfigTx(ctx, tx, tenantID, seedCfg); err != nil {
		return fmt.Errorf("insert tenant config: %w", err)
	}
	return tx.Commit()
}
