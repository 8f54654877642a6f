package config

import "time"

// ControlPlaneConfig holds the operational safety switches of the loop.
type ControlPlaneConfig struct {
	Paused                        bool    `yaml:"paused"`
	MaxProposalsPerHour           int     `yaml:"max_proposals_per_hour"`
	DisableAutoApplyOnFailureRate bool    `yaml:"disable_auto_apply_on_failure_rate"`
	FailureRateWindow             int     `yaml:"failure_rate_window"`
	FailureRateThreshold          float64 `yaml:"failure_rate_threshold"`
	MinFailuresBeforeDisable      int     `yaml:"min_failures_before_disable"`
	BackoffBase                   string  `yaml:"backoff_base"`
	BackoffMax                    string  `yaml:"backoff_max"`
}

// GitConfig controls commits made inside review worktrees.
type GitConfig struct {
	CommitOnSuccess       bool   `yaml:"commit_on_success"`
	CommitMessageTemplate string `yaml:"commit_message_template"`
	CommitAuthorName      string `yaml:"commit_author_name"`
	CommitAuthorEmail     string `yaml:"commit_author_email"`
}

// DefaultControlPlaneConfig returns conservative defaults.
func DefaultControlPlaneConfig() ControlPlaneConfig {
	return ControlPlaneConfig{
		MaxProposalsPerHour:           30,
		DisableAutoApplyOnFailureRate: true,
		FailureRateWindow:             20,
		FailureRateThreshold:          0.5,
		MinFailuresBeforeDisable:      3,
		BackoffBase:                   "30s",
		BackoffMax:                    "15m",
	}
}

// GetBackoffBase returns the first cycle backoff after an error.
func (c ControlPlaneConfig) GetBackoffBase() time.Duration {
	return parseDuration(c.BackoffBase, 30*time.Second)
}

// GetBackoffMax returns the cycle backoff cap.
func (c ControlPlaneConfig) GetBackoffMax() time.Duration {
	return parseDuration(c.BackoffMax, 15*time.Minute)
}
