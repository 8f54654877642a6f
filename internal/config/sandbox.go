package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SandboxConfig configures isolated command execution.
type SandboxConfig struct {
	// Mode selects the isolation backend: docker, namespace (bubblewrap) or
	// host. Host mode provides no isolation and must be chosen explicitly.
	Mode           string          `yaml:"mode"`
	Image          string          `yaml:"image"`
	NetworkAllowed bool            `yaml:"network_allowed"`
	Resources      ResourcesConfig `yaml:"resources"`

	// AllowedCommands are regular expressions matched against the full
	// command line. A command must match at least one. Empty selects the
	// built-in baseline of test runners, linters and read-only git.
	AllowedCommands []string `yaml:"allowed_commands"`

	MaxConcurrency int    `yaml:"max_concurrency"`
	DefaultTimeout string `yaml:"default_timeout"`
	MaxOutputBytes int64  `yaml:"max_output_bytes"`
}

// ResourcesConfig bounds memory, CPU and process count inside the sandbox.
type ResourcesConfig struct {
	Memory    string `yaml:"memory"`
	CPUs      string `yaml:"cpus"`
	PidsLimit int    `yaml:"pids_limit"`
	NoFile    int    `yaml:"nofile"`
	TmpfsSize string `yaml:"tmpfs_size"`
}

// DefaultSandboxConfig returns the hardened defaults.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		Mode:  "docker",
		Image: "ambient-sandbox:latest",
		Resources: ResourcesConfig{
			Memory:    "2g",
			CPUs:      "2.0",
			PidsLimit: 100,
			NoFile:    1024,
			TmpfsSize: "256m",
		},
		MaxConcurrency: 4,
		DefaultTimeout: "300s",
		MaxOutputBytes: 4 * 1024 * 1024,
	}
}

// ValidSandboxModes lists the accepted sandbox.mode values.
var ValidSandboxModes = []string{"docker", "namespace", "host"}

// Validate checks mode, resources and allow-list patterns.
func (s SandboxConfig) Validate() error {
	if !contains(ValidSandboxModes, s.Mode) {
		return fmt.Errorf("invalid sandbox.mode: %q (valid: %v)", s.Mode, ValidSandboxModes)
	}
	if s.Mode == "docker" && s.Image == "" {
		return fmt.Errorf("sandbox.image is required in docker mode")
	}
	if _, err := ParseByteSize(s.Resources.Memory); err != nil {
		return fmt.Errorf("invalid sandbox.resources.memory: %w", err)
	}
	if s.Resources.CPUs != "" {
		if cpus, err := strconv.ParseFloat(s.Resources.CPUs, 64); err != nil || cpus <= 0 {
			return fmt.Errorf("invalid sandbox.resources.cpus: %q", s.Resources.CPUs)
		}
	}
	if s.Resources.PidsLimit < 0 {
		return fmt.Errorf("sandbox.resources.pids_limit must be >= 0")
	}
	for _, pattern := range s.AllowedCommands {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid sandbox.allowed_commands pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// GetDefaultTimeout returns the sandbox default per-command timeout.
func (s SandboxConfig) GetDefaultTimeout() time.Duration {
	return parseDuration(s.DefaultTimeout, 300*time.Second)
}

// MemoryBytes returns the memory limit in bytes (0 = unlimited).
func (s SandboxConfig) MemoryBytes() int64 {
	n, _ := ParseByteSize(s.Resources.Memory)
	return n
}

// ParseByteSize parses sizes such as "512m", "2g", "1024k" or plain bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, nil
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "g"), strings.HasSuffix(s, "gb"):
		mult = 1 << 30
	case strings.HasSuffix(s, "m"), strings.HasSuffix(s, "mb"):
		mult = 1 << 20
	case strings.HasSuffix(s, "k"), strings.HasSuffix(s, "kb"):
		mult = 1 << 10
	}
	digits := strings.TrimRight(s, "gmkb")
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}
