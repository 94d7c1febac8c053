package repo

import (
	"context"
	"database/sql"
	"time"

	"gopkg.in/yaml.v3"

	"forgeline/internal/config"
)

func marshalConfig(cfg *config.Config) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (r Repo) GetTenantConfig(ctx context.Context, tenantID string) (*config.Config, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM tenant_configs WHERE tenant_id=?`, tenantID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(raw))
}

func (r Repo) UpsertTenantConfig(ctx context.Context, tenantID string, cfg *config.Config) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertTenantConfigTx(ctx, tx, tenantID, cfg); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) UpsertTenantConfigTx(ctx context.Context, tx *sql.Tx, tenantID string, cfg *config.Config) error {
	raw := config.GenerateDefault(tenantID)
	if cfg != nil {
		if data, err := marshalConfig(cfg); err == nil {
			raw = data
		}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO tenant_configs(tenant_id,config_yaml,updated_at) VALUES (?,?,?)
ON CONFLICT(tenant_id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`,
		tenantID, raw, now)
	return err
}
