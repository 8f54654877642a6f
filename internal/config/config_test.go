package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// =============================================================================
// UNIFIED CONFIG TESTS
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Name != "ambient" {
		t.Errorf("expected Name=ambient, got %s", cfg.Name)
	}
	if cfg.Sandbox.Mode != "docker" {
		t.Errorf("expected Sandbox.Mode=docker, got %s", cfg.Sandbox.Mode)
	}
	if cfg.Sandbox.NetworkAllowed {
		t.Errorf("expected network disabled by default")
	}
	if cfg.ReviewWorktree.MaxParallel != 2 {
		t.Errorf("expected MaxParallel=2, got %d", cfg.ReviewWorktree.MaxParallel)
	}
	if cfg.Aggregator.SimilarityThreshold != 0.98 {
		t.Errorf("expected SimilarityThreshold=0.98, got %v", cfg.Aggregator.SimilarityThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	t.Setenv("AMBIENT_SANDBOX_MODE", "")
	t.Setenv("AMBIENT_MAX_PARALLEL", "")

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, FileName)

	cfg := DefaultConfig()
	cfg.Sandbox.Mode = "namespace"
	cfg.Verification.Checks = []CheckConfig{{Name: "unit", Command: "go test ./..."}}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Sandbox.Mode != "namespace" {
		t.Errorf("expected Mode=namespace, got %s", loaded.Sandbox.Mode)
	}
	if len(loaded.Verification.Checks) != 1 || loaded.Verification.Checks[0].Command != "go test ./..." {
		t.Errorf("checks not round-tripped: %+v", loaded.Verification.Checks)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sandbox.Image != "ambient-sandbox:latest" {
		t.Errorf("expected default image, got %s", cfg.Sandbox.Image)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	data := []byte("risk_policy:\n  auto_apply: [low]\nreview_worktree:\n  keep_worktrees: all\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromRepo(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.RiskPolicy.AutoApply) != 1 {
		t.Errorf("expected auto_apply=[low], got %v", cfg.RiskPolicy.AutoApply)
	}
	if cfg.RiskPolicy.LOCChangeLimit != 500 {
		t.Errorf("expected default loc limit to survive, got %d", cfg.RiskPolicy.LOCChangeLimit)
	}
	if cfg.ReviewWorktree.KeepWorktrees != "all" {
		t.Errorf("expected keep_worktrees=all, got %s", cfg.ReviewWorktree.KeepWorktrees)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte("sandbox: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad sandbox mode", func(c *Config) { c.Sandbox.Mode = "vm" }},
		{"bad allow pattern", func(c *Config) { c.Sandbox.AllowedCommands = []string{"^(pytest"} }},
		{"bad memory", func(c *Config) { c.Sandbox.Resources.Memory = "lots" }},
		{"bad keep mode", func(c *Config) { c.ReviewWorktree.KeepWorktrees = "some" }},
		{"webhook without url", func(c *Config) { c.Approval.Mode = "webhook" }},
		{"bad risk level", func(c *Config) { c.RiskPolicy.Reject = []string{"severe"} }},
		{"zero parallel", func(c *Config) { c.ReviewWorktree.MaxParallel = 0 }},
		{"threshold out of range", func(c *Config) { c.Aggregator.SimilarityThreshold = 1.5 }},
		{"empty check", func(c *Config) { c.Verification.Checks = []CheckConfig{{Name: "x"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestDurationGetters(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.GetDebounce(); got != 5*time.Second {
		t.Errorf("GetDebounce = %v", got)
	}
	cfg.Monitoring.Debounce = "garbage"
	if got := cfg.GetDebounce(); got != 5*time.Second {
		t.Errorf("GetDebounce fallback = %v", got)
	}
	if got := cfg.GetMaxAge(); got != 168*time.Hour {
		t.Errorf("GetMaxAge = %v", got)
	}
	if got := cfg.ControlPlane.GetBackoffMax(); got != 15*time.Minute {
		t.Errorf("GetBackoffMax = %v", got)
	}
}

func TestParseByteSize(t *testing.T) {
	tests := map[string]int64{
		"":      0,
		"1024":  1024,
		"512m":  512 << 20,
		"2g":    2 << 30,
		"64k":   64 << 10,
		"256MB": 256 << 20,
	}
	for in, want := range tests {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Errorf("ParseByteSize(%q) error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", in, got, want)
		}
	}
	if _, err := ParseByteSize("-1g"); err == nil {
		t.Error("expected error for negative size")
	}
}

func TestLoggingConfig_IsCategoryEnabled(t *testing.T) {
	lc := LoggingConfig{Categories: map[string]bool{"patch": false}}
	if lc.IsCategoryEnabled("patch") {
		t.Error("patch should be disabled")
	}
	if !lc.IsCategoryEnabled("sandbox") {
		t.Error("unlisted categories default to enabled")
	}
}
