package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models forgeline.yml.
type Config struct {
	Tenant struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"tenant"`
	Retry struct {
		BaseDelaySeconds int                     `yaml:"base_delay_seconds"`
		DelayCapSeconds  int                     `yaml:"delay_cap_seconds"`
		MaxTotalAttempts int                     `yaml:"max_total_attempts"`
		MaxStepAttempts  int                     `yaml:"max_step_attempts"`
		Categories       map[string]CategoryRule `yaml:"categories"`
	} `yaml:"retry"`
	Approval struct {
		RiskThreshold     int     `yaml:"risk_threshold"`
		PassRateThreshold float64 `yaml:"pass_rate_threshold"`
		MaxFilesChanged   int     `yaml:"max_files_changed"`
	} `yaml:"approval"`
	AutoFix struct {
		RegenerateFailureVolume int      `yaml:"regenerate_failure_volume"`
		EscalateAfterAttempts   int      `yaml:"escalate_after_attempts"`
		PathAllowlist           []string `yaml:"path_allowlist"`
	} `yaml:"autofix"`
	QA struct {
		UnitWeight    float64 `yaml:"unit_weight"`
		SmokeWeight   float64 `yaml:"smoke_weight"`
		GoldenWeight  float64 `yaml:"golden_weight"`
		QualityWeight float64 `yaml:"quality_weight"`
		PassScore     float64 `yaml:"pass_score"`
	} `yaml:"qa"`
	Runs struct {
		MaxIterations      int `yaml:"max_iterations"`
		StepTimeoutSeconds int `yaml:"step_timeout_seconds"`
	} `yaml:"runs"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
}

type CategoryRule struct {
	MaxRetries int     `yaml:"max_retries"`
	Multiplier float64 `yaml:"multiplier"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with fl tenant config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tenant.ID == "" {
		return fmt.Errorf("config.tenant.id is required")
	}
	if c.Retry.BaseDelaySeconds <= 0 {
		return fmt.Errorf("config.retry.base_delay_seconds must be positive")
	}
	if c.Retry.DelayCapSeconds < c.Retry.BaseDelaySeconds {
		return fmt.Errorf("config.retry.delay_cap_seconds must be >= base delay")
	}
	if c.Retry.MaxTotalAttempts <= 0 {
		return fmt.Errorf("config.retry.max_total_attempts must be positive")
	}
	if c.Retry.MaxStepAttempts <= 0 {
		return fmt.Errorf("config.retry.max_step_attempts must be positive")
	}
	for name, rule := range c.Retry.Categories {
		if name == "" {
			return fmt.Errorf("config.retry.categories contains empty category")
		}
		if rule.MaxRetries < 0 {
			return fmt.Errorf("category %s has negative max_retries", name)
		}
		if rule.MaxRetries > 0 && rule.Multiplier < 1 {
			return fmt.Errorf("category %s has multiplier < 1", name)
		}
	}
	if c.Approval.RiskThreshold < 0 || c.Approval.RiskThreshold > 100 {
		return fmt.Errorf("config.approval.risk_threshold must be in 0..100")
	}
	if c.Approval.PassRateThreshold < 0 || c.Approval.PassRateThreshold > 1 {
		return fmt.Errorf("config.approval.pass_rate_threshold must be in 0..1")
	}
	weights := c.QA.UnitWeight + c.QA.SmokeWeight + c.QA.GoldenWeight + c.QA.QualityWeight
	if weights < 0.99 || weights > 1.01 {
		return fmt.Errorf("config.qa weights must sum to 1.0, got %.2f", weights)
	}
	if c.Runs.MaxIterations <= 0 {
		return fmt.Errorf("config.runs.max_iterations must be positive")
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["reviewer"]; !ok {
			return fmt.Errorf("config.rbac.roles must include reviewer")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	return nil
}

// PathAllowed reports whether a generated file path falls under one of the
// autofix allowlist prefixes. An empty allowlist allows everything.
func (c *Config) PathAllowed(path string) bool {
	if len(c.AutoFix.PathAllowlist) == 0 {
		return true
	}
	for _, prefix := range c.AutoFix.PathAllowlist {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// RolePermissions returns the permission set granted by the given roles.
func (c *Config) RolePermissions(roles []string) []string {
	seen := map[string]struct{}{}
	var perms []string
	for _, role := range roles {
		r, ok := c.RBAC.Roles[role]
		if !ok {
			continue
		}
		for _, p := range r.Permissions {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			perms = append(perms, p)
		}
	}
	return perms
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "forgeline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	cfg.Tenant.ID = tenantID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, tenantID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `tenant:
  id: %s
  name: Default Tenant

retry:
  base_delay_seconds: 2
  delay_cap_seconds: 60
  max_total_attempts: 6
  max_step_attempts: 3

  # Defect categories carry max_retries 0: they are fixed, not retried.
  categories:
    transient:
      max_retries: 3
      multiplier: 2
    infra:
      max_retries: 2
      multiplier: 2
    rate_limit:
      max_retries: 3
      multiplier: 2
    runtime:
      max_retries: 1
      multiplier: 2
    unknown:
      max_retries: 1
      multiplier: 2
    test_assert:
      max_retries: 0
      multiplier: 0
    lint:
      max_retries: 0
      multiplier: 0
    typecheck:
      max_retries: 0
      multiplier: 0
    schema_migration:
      max_retries: 0
      multiplier: 0
    security:
      max_retries: 0
      multiplier: 0
    policy:
      max_retries: 0
      multiplier: 0

approval:
  risk_threshold: 70
  pass_rate_threshold: 0.8
  max_files_changed: 40

autofix:
  regenerate_failure_volume: 10
  escalate_after_attempts: 2
  path_allowlist:
    - "src/"
    - "api/"
    - "migrations/"
    - "web/"

qa:
  unit_weight: 0.3
  smoke_weight: 0.2
  golden_weight: 0.3
  quality_weight: 0.2
  pass_score: 80

runs:
  max_iterations: 3
  step_timeout_seconds: 300

rbac:
  roles:
    owner:
      description: "Full control over tenant builds"
      permissions: [spec.write, run.write, run.read, gate.resolve, classify.run]
    reviewer:
      description: "May resolve approval gates"
      permissions: [run.read, gate.resolve]
    operator:
      description: "May start and retry runs"
      permissions: [spec.write, run.write, run.read, classify.run]
    viewer:
      description: "Read-only access"
      permissions: [run.read]
`
