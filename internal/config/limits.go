package config

import "fmt"

// ValidateLimits checks that concurrency ceilings and thresholds are within
// acceptable ranges.
func (c *Config) ValidateLimits() error {
	if c.ReviewWorktree.MaxParallel < 1 {
		return fmt.Errorf("review_worktree.max_parallel must be >= 1")
	}
	if c.Sandbox.MaxConcurrency < 1 {
		return fmt.Errorf("sandbox.max_concurrency must be >= 1")
	}
	if c.Generator.MaxConcurrency < 1 {
		return fmt.Errorf("generator.max_concurrency must be >= 1")
	}
	if c.Generator.Retry.MaxAttempts < 1 {
		return fmt.Errorf("generator.retry.max_attempts must be >= 1")
	}
	if c.Generator.Retry.Jitter < 0 || c.Generator.Retry.Jitter > 1 {
		return fmt.Errorf("generator.retry.jitter must be within [0, 1]")
	}
	if c.Monitoring.QueueSize < 1 {
		return fmt.Errorf("monitoring.queue_size must be >= 1")
	}
	if c.RiskPolicy.FileChangeLimit < 1 || c.RiskPolicy.LOCChangeLimit < 1 {
		return fmt.Errorf("risk_policy limits must be >= 1")
	}
	if c.Aggregator.SimilarityThreshold <= 0 || c.Aggregator.SimilarityThreshold > 1 {
		return fmt.Errorf("aggregator.similarity_threshold must be within (0, 1]")
	}
	cp := c.ControlPlane
	if cp.FailureRateThreshold < 0 || cp.FailureRateThreshold > 1 {
		return fmt.Errorf("control_plane.failure_rate_threshold must be within [0, 1]")
	}
	if cp.FailureRateWindow < 1 {
		return fmt.Errorf("control_plane.failure_rate_window must be >= 1")
	}
	if c.ReviewWorktree.MaxRetained < 0 {
		return fmt.Errorf("review_worktree.max_retained must be >= 0")
	}
	return nil
}
