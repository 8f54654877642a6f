// Package config loads and validates the .ambient.yml repository configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the per-repository config file name.
const FileName = ".ambient.yml"

// Config holds all ambient configuration.
type Config struct {
	Name string `yaml:"name"`

	Monitoring     MonitoringConfig     `yaml:"monitoring"`
	Generator      GeneratorConfig      `yaml:"generator"`
	Aggregator     AggregatorConfig     `yaml:"aggregator"`
	RiskPolicy     RiskPolicyConfig     `yaml:"risk_policy"`
	Approval       ApprovalConfig       `yaml:"approval"`
	Sandbox        SandboxConfig        `yaml:"sandbox"`
	Verification   VerificationConfig   `yaml:"verification"`
	ReviewWorktree ReviewWorktreeConfig `yaml:"review_worktree"`
	ControlPlane   ControlPlaneConfig   `yaml:"control_plane"`
	Git            GitConfig            `yaml:"git"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	Logging        LoggingConfig        `yaml:"logging"`
	Metrics        MetricsConfig        `yaml:"metrics"`
}

// MonitoringConfig configures the file-change event source.
type MonitoringConfig struct {
	Enabled        bool     `yaml:"enabled"`
	WatchPaths     []string `yaml:"watch_paths"`
	IgnorePatterns []string `yaml:"ignore_patterns"`
	Debounce       string   `yaml:"debounce"`
	CheckInterval  string   `yaml:"check_interval"`
	QueueSize      int      `yaml:"queue_size"`
}

// GeneratorConfig configures the external proposal generator boundary.
type GeneratorConfig struct {
	// Command is the argv of an executable that reads context JSON on stdin
	// and writes proposals JSON on stdout.
	Command        []string    `yaml:"command"`
	ProposalsFile  string      `yaml:"proposals_file"`
	Timeout        string      `yaml:"timeout"`
	MaxConcurrency int         `yaml:"max_concurrency"`
	Retry          RetryConfig `yaml:"retry"`
}

// RetryConfig is the exponential-backoff-with-jitter policy for external calls.
type RetryConfig struct {
	MaxAttempts int     `yaml:"max_attempts"`
	BaseDelay   string  `yaml:"base_delay"`
	MaxDelay    string  `yaml:"max_delay"`
	Jitter      float64 `yaml:"jitter"`
}

// AggregatorConfig configures cross-pollination.
type AggregatorConfig struct {
	AgentPriority       []string `yaml:"agent_priority"`
	SimilarityThreshold float64  `yaml:"similarity_threshold"`
	Refine              bool     `yaml:"refine"`
}

// RiskPolicyConfig maps risk levels to decisions and sets escalation ceilings.
type RiskPolicyConfig struct {
	AutoApply             []string `yaml:"auto_apply"`
	RequireApproval       []string `yaml:"require_approval"`
	Reject                []string `yaml:"reject"`
	FileChangeLimit       int      `yaml:"file_change_limit"`
	LOCChangeLimit        int      `yaml:"loc_change_limit"`
	SensitiveTags         []string `yaml:"sensitive_tags"`
	SensitiveFilePatterns []string `yaml:"sensitive_file_patterns"`
}

// ApprovalConfig selects how require_approval decisions are resolved.
type ApprovalConfig struct {
	Mode       string `yaml:"mode"` // reject, approve, interactive, webhook
	WebhookURL string `yaml:"webhook_url"`
	Timeout    string `yaml:"timeout"`
}

// VerificationConfig lists the checks run in each review worktree.
type VerificationConfig struct {
	Checks     []CheckConfig `yaml:"checks"`
	AutoDetect bool          `yaml:"auto_detect"`
	Timeout    string        `yaml:"timeout"`
}

// CheckConfig is one named verification command.
type CheckConfig struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
}

// ReviewWorktreeConfig configures per-proposal worktrees and their retention.
type ReviewWorktreeConfig struct {
	BaseDir       string `yaml:"base_dir"`
	BranchPrefix  string `yaml:"branch_prefix"`
	MaxParallel   int    `yaml:"max_parallel"`
	KeepWorktrees string `yaml:"keep_worktrees"` // none, failed, all
	ResetOnFail   bool   `yaml:"reset_on_fail"`
	MaxRetained   int    `yaml:"max_retained"`
	MaxAge        string `yaml:"max_age"`
}

// TelemetryConfig configures the telemetry sinks.
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	LogPath       string `yaml:"log_path"`
	DBPath        string `yaml:"db_path"`
	ArtifactsDir  string `yaml:"artifacts_dir"`
	IncludeDiffs  bool   `yaml:"include_diffs"`
	RetentionDays int    `yaml:"retention_days"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "ambient",

		Monitoring: MonitoringConfig{
			Enabled:        true,
			WatchPaths:     []string{"src/", "tests/"},
			IgnorePatterns: []string{"*.pyc", "__pycache__", ".git", "*.swp", "*~"},
			Debounce:       "5s",
			CheckInterval:  "300s",
			QueueSize:      64,
		},

		Generator: GeneratorConfig{
			Timeout:        "300s",
			MaxConcurrency: 4,
			Retry: RetryConfig{
				MaxAttempts: 6,
				BaseDelay:   "1s",
				MaxDelay:    "30s",
				Jitter:      0.5,
			},
		},

		Aggregator: AggregatorConfig{
			AgentPriority: []string{
				"SecurityGuardian", "TestEnhancer", "RefactorArchitect",
				"PerformanceOptimizer", "StyleEnforcer",
			},
			SimilarityThreshold: 0.98,
			Refine:              true,
		},

		RiskPolicy: RiskPolicyConfig{
			AutoApply:       []string{"low", "medium"},
			RequireApproval: []string{"high", "critical"},
			FileChangeLimit: 10,
			LOCChangeLimit:  500,
			SensitiveTags: []string{
				"security", "auth", "authentication", "payment", "billing",
				"database", "secrets",
			},
			SensitiveFilePatterns: []string{
				".env", "secret", "password", "credentials", "api_key",
				"private_key", "auth", "payment", "billing", "database",
				"config/production",
			},
		},

		Approval: ApprovalConfig{
			Mode:    "reject",
			Timeout: "30s",
		},

		Sandbox: DefaultSandboxConfig(),

		Verification: VerificationConfig{
			AutoDetect: true,
			Timeout:    "600s",
		},

		ReviewWorktree: ReviewWorktreeConfig{
			BaseDir:       ".ambient/reviews",
			BranchPrefix:  "ambient",
			MaxParallel:   2,
			KeepWorktrees: "failed",
			MaxRetained:   20,
			MaxAge:        "168h",
		},

		ControlPlane: DefaultControlPlaneConfig(),

		Git: GitConfig{
			CommitMessageTemplate: "ambient: {title} ({agent})",
			CommitAuthorName:      "ambient",
			CommitAuthorEmail:     "ambient@localhost",
		},

		Telemetry: TelemetryConfig{
			Enabled:       true,
			LogPath:       ".ambient/telemetry.jsonl",
			DBPath:        ".ambient/telemetry.db",
			ArtifactsDir:  ".ambient/artifacts",
			RetentionDays: 30,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// LoadFromRepo loads <repo>/.ambient.yml.
func LoadFromRepo(repo string) (*Config, error) {
	return Load(filepath.Join(repo, FileName))
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if image := os.Getenv("AMBIENT_SANDBOX_IMAGE"); image != "" {
		c.Sandbox.Image = image
	}
	if mode := os.Getenv("AMBIENT_SANDBOX_MODE"); mode != "" {
		c.Sandbox.Mode = mode
	}
	if network := os.Getenv("AMBIENT_SANDBOX_NETWORK"); network != "" {
		c.Sandbox.NetworkAllowed = network != "none"
	}
	if path := os.Getenv("AMBIENT_TELEMETRY_PATH"); path != "" {
		c.Telemetry.LogPath = path
	}
	if level := os.Getenv("AMBIENT_LOG_LEVEL"); level != "" {
		c.Logging.Level = strings.ToLower(level)
	}
	if v := os.Getenv("AMBIENT_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ReviewWorktree.MaxParallel = n
		}
	}
	if v := os.Getenv("AMBIENT_PAUSED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.ControlPlane.Paused = b
		}
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetDebounce returns the event debounce window.
func (c *Config) GetDebounce() time.Duration {
	return parseDuration(c.Monitoring.Debounce, 5*time.Second)
}

// GetCheckInterval returns the periodic scan interval.
func (c *Config) GetCheckInterval() time.Duration {
	return parseDuration(c.Monitoring.CheckInterval, 300*time.Second)
}

// GetGeneratorTimeout returns the per-call generator timeout.
func (c *Config) GetGeneratorTimeout() time.Duration {
	return parseDuration(c.Generator.Timeout, 300*time.Second)
}

// GetRetryBaseDelay returns the first backoff interval.
func (c *Config) GetRetryBaseDelay() time.Duration {
	return parseDuration(c.Generator.Retry.BaseDelay, time.Second)
}

// GetRetryMaxDelay returns the backoff interval cap.
func (c *Config) GetRetryMaxDelay() time.Duration {
	return parseDuration(c.Generator.Retry.MaxDelay, 30*time.Second)
}

// GetApprovalTimeout returns the webhook/interactive approval timeout.
func (c *Config) GetApprovalTimeout() time.Duration {
	return parseDuration(c.Approval.Timeout, 30*time.Second)
}

// GetVerificationTimeout returns the per-check timeout.
func (c *Config) GetVerificationTimeout() time.Duration {
	return parseDuration(c.Verification.Timeout, 600*time.Second)
}

// GetMaxAge returns the retention age limit for review worktrees.
func (c *Config) GetMaxAge() time.Duration {
	return parseDuration(c.ReviewWorktree.MaxAge, 7*24*time.Hour)
}

// ValidKeepModes lists the accepted review_worktree.keep_worktrees values.
var ValidKeepModes = []string{"none", "failed", "all"}

// ValidApprovalModes lists the accepted approval.mode values.
var ValidApprovalModes = []string{"reject", "approve", "interactive", "webhook"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Sandbox.Validate(); err != nil {
		return err
	}
	if err := c.ValidateLimits(); err != nil {
		return err
	}
	if !contains(ValidKeepModes, c.ReviewWorktree.KeepWorktrees) {
		return fmt.Errorf("invalid review_worktree.keep_worktrees: %q (valid: %v)", c.ReviewWorktree.KeepWorktrees, ValidKeepModes)
	}
	if !contains(ValidApprovalModes, c.Approval.Mode) {
		return fmt.Errorf("invalid approval.mode: %q (valid: %v)", c.Approval.Mode, ValidApprovalModes)
	}
	if c.Approval.Mode == "webhook" && c.Approval.WebhookURL == "" {
		return fmt.Errorf("approval.webhook_url is required for webhook mode")
	}
	for _, lists := range [][]string{c.RiskPolicy.AutoApply, c.RiskPolicy.RequireApproval, c.RiskPolicy.Reject} {
		for _, level := range lists {
			if !contains([]string{"low", "medium", "high", "critical"}, strings.ToLower(level)) {
				return fmt.Errorf("invalid risk level in risk_policy: %q", level)
			}
		}
	}
	for _, check := range c.Verification.Checks {
		if check.Name == "" || check.Command == "" {
			return fmt.Errorf("verification checks need both name and command")
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
