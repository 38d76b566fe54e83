// Package config loads the YAML + environment configuration of §6.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// RepoOverride narrows global settings to one repository.
type RepoOverride struct {
	RiskThreshold          *int     `yaml:"risk_threshold,omitempty" validate:"omitempty,min=0,max=10"`
	Protected              *bool    `yaml:"protected,omitempty"`
	SeniorReviewers        []string `yaml:"senior_reviewers,omitempty"`
	AnyReviewers           []string `yaml:"any_reviewers,omitempty"`
	ApplicationSourceGlobs []string `yaml:"application_source_globs,omitempty"`
	DefaultBranch          string   `yaml:"default_branch,omitempty"`
	ReleaseBranches        []string `yaml:"release_branches,omitempty"`
}

// Config is the full process configuration, loaded from a YAML file and
// overridden by environment variables for secrets (§6).
type Config struct {
	RiskThreshold           int                      `yaml:"risk_threshold" validate:"min=0,max=10"`
	ProtectedRepositories   []string                 `yaml:"protected_repositories"`
	ApprovalTimeoutHours    int                      `yaml:"approval_timeout_hours" validate:"min=1"`
	PollingIntervalMinutes  int                      `yaml:"polling_interval_minutes" validate:"min=1"`
	SnapshotRetentionDays   int                      `yaml:"snapshot_retention_days" validate:"min=1"`
	HealthCheckDelayMinutes int                      `yaml:"health_check_delay_minutes" validate:"min=1"`
	CircuitFailureThreshold int                      `yaml:"circuit_failure_threshold" validate:"min=1"`
	CircuitAutoResetHours   int                      `yaml:"circuit_auto_reset_hours" validate:"min=1"`
	DryRun                  bool                     `yaml:"dry_run"`
	ApplicationSourceGlobs  []string                 `yaml:"application_source_globs"`
	DefaultBranch           string                   `yaml:"default_branch"`
	ReleaseBranches         []string                 `yaml:"release_branches"`
	Repositories            []string                 `yaml:"repositories" validate:"min=1"`
	RepoOverrides           map[string]RepoOverride  `yaml:"repo_overrides"`
	WorkerPoolSize          int                      `yaml:"worker_pool_size"`
	FixBranchPrefix         string                   `yaml:"fix_branch_prefix"`
	SeniorReviewers         []string                 `yaml:"senior_reviewers"`
	AnyReviewers            []string                 `yaml:"any_reviewers"`

	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`

	// Secrets, env-only per §6.
	VCSToken      string `yaml:"-"`
	LLMKey        string `yaml:"-"`
	NotifierToken string `yaml:"-"`
	StoreDSN      string `yaml:"-"`
	RedisURL      string `yaml:"-"`
}

type ServerConfig struct {
	DashboardPort string `yaml:"dashboard_port"`
	MetricsPort   string `yaml:"metrics_port"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// defaultApplicationSourceGlobs distinguishes developer-owned source from
// infra/config per the Open Question decision recorded in DESIGN.md.
var defaultApplicationSourceGlobs = []string{
	"**/*.go", "**/*.py", "**/*.ts", "**/*.tsx", "**/*.js",
	"src/**", "lib/**", "app/**",
}

func defaults() *Config {
	return &Config{
		RiskThreshold:           5,
		ApprovalTimeoutHours:    24,
		PollingIntervalMinutes:  5,
		SnapshotRetentionDays:   7,
		HealthCheckDelayMinutes: 5,
		CircuitFailureThreshold: 3,
		CircuitAutoResetHours:   24,
		ApplicationSourceGlobs:  append([]string(nil), defaultApplicationSourceGlobs...),
		DefaultBranch:           "main",
		WorkerPoolSize:          8,
		FixBranchPrefix:         "ci-remediator",
		Server: ServerConfig{
			DashboardPort: "8090",
			MetricsPort:   "9090",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads path as YAML over the built-in defaults, then applies
// environment overrides for secrets and a handful of operational knobs.
func Load(path string) (*Config, error) {
	cfg := defaults()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.VCSToken = os.Getenv("VCS_TOKEN")
	cfg.LLMKey = os.Getenv("LLM_API_KEY")
	cfg.NotifierToken = os.Getenv("NOTIFIER_TOKEN")
	cfg.StoreDSN = os.Getenv("STORE_DSN")
	cfg.RedisURL = os.Getenv("REDIS_URL")
	if v := os.Getenv("DRY_RUN"); v == "true" {
		cfg.DryRun = true
	}
}

// RiskThresholdFor resolves the per-repo risk threshold, falling back to
// the global default.
func (c *Config) RiskThresholdFor(repo string) int {
	if ov, ok := c.RepoOverrides[repo]; ok && ov.RiskThreshold != nil {
		return *ov.RiskThreshold
	}
	return c.RiskThreshold
}

// IsProtected reports whether repo is in the protected list, globally or
// via a per-repo override.
func (c *Config) IsProtected(repo string) bool {
	if ov, ok := c.RepoOverrides[repo]; ok && ov.Protected != nil {
		return *ov.Protected
	}
	for _, r := range c.ProtectedRepositories {
		if r == repo {
			return true
		}
	}
	return false
}

// ApplicationSourceGlobsFor resolves the per-repo application-source glob
// list, falling back to the global default.
func (c *Config) ApplicationSourceGlobsFor(repo string) []string {
	if ov, ok := c.RepoOverrides[repo]; ok && len(ov.ApplicationSourceGlobs) > 0 {
		return ov.ApplicationSourceGlobs
	}
	return c.ApplicationSourceGlobs
}

// DefaultBranchFor resolves the per-repo default branch name the
// blast-radius branch-criticality component compares against, falling
// back to the global default.
func (c *Config) DefaultBranchFor(repo string) string {
	if ov, ok := c.RepoOverrides[repo]; ok && ov.DefaultBranch != "" {
		return ov.DefaultBranch
	}
	return c.DefaultBranch
}

// ReleaseBranchesFor resolves the per-repo release branch glob patterns,
// falling back to the global list.
func (c *Config) ReleaseBranchesFor(repo string) []string {
	if ov, ok := c.RepoOverrides[repo]; ok && len(ov.ReleaseBranches) > 0 {
		return ov.ReleaseBranches
	}
	return c.ReleaseBranches
}

// SeniorReviewersFor resolves the per-repo senior reviewer pool, falling
// back to the global list.
func (c *Config) SeniorReviewersFor(repo string) []string {
	if ov, ok := c.RepoOverrides[repo]; ok && len(ov.SeniorReviewers) > 0 {
		return ov.SeniorReviewers
	}
	return c.SeniorReviewers
}

// AnyReviewersFor resolves the per-repo general reviewer pool, falling
// back to the global list.
func (c *Config) AnyReviewersFor(repo string) []string {
	if ov, ok := c.RepoOverrides[repo]; ok && len(ov.AnyReviewers) > 0 {
		return ov.AnyReviewers
	}
	return c.AnyReviewers
}

func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalMinutes) * time.Minute
}

func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutHours) * time.Hour
}

func (c *Config) SnapshotRetention() time.Duration {
	return time.Duration(c.SnapshotRetentionDays) * 24 * time.Hour
}

func (c *Config) HealthCheckDelay() time.Duration {
	return time.Duration(c.HealthCheckDelayMinutes) * time.Minute
}

func (c *Config) CircuitAutoReset() time.Duration {
	return time.Duration(c.CircuitAutoResetHours) * time.Hour
}
