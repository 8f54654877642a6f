// Package types provides the shared data model used across ambient packages.
// This package exists to break import cycles between the patch engine, the
// worktree manager, the aggregator and the coordinator. Types in this package
// should be foundational data structures with no complex dependencies.
package types

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// RISK LEVELS
// =============================================================================

// RiskLevel is the ordered risk classification of a proposal.
// The zero value is unset and fails validation.
type RiskLevel int

const (
	RiskLow      RiskLevel = 1
	RiskMedium   RiskLevel = 2
	RiskHigh     RiskLevel = 3
	RiskCritical RiskLevel = 4
)

// AllRiskLevels lists every level in ascending order.
var AllRiskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}

// String returns the level name.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Valid reports whether r is one of the four defined levels.
func (r RiskLevel) Valid() bool {
	return r >= RiskLow && r <= RiskCritical
}

// ParseRiskLevel parses a level name (case-insensitive).
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "critical":
		return RiskCritical, nil
	default:
		return 0, fmt.Errorf("unknown risk level %q", s)
	}
}

// MaxRisk returns the stronger of two levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if a > b {
		return a
	}
	return b
}

// MarshalText implements encoding.TextMarshaler.
func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RiskLevel) UnmarshalText(text []byte) error {
	level, err := ParseRiskLevel(string(text))
	if err != nil {
		return err
	}
	*r = level
	return nil
}

// =============================================================================
// TRIGGERS
// =============================================================================

// TriggerKind identifies what started a cycle.
type TriggerKind string

const (
	TriggerFileChange   TriggerKind = "file_change"
	TriggerCIFailure    TriggerKind = "ci_failure"
	TriggerPeriodicScan TriggerKind = "periodic_scan"
	TriggerManual       TriggerKind = "manual_trigger"
)

// Trigger is one logical unit of work for the coordinator. Bursts of raw
// change events are coalesced into a single trigger with merged paths.
type Trigger struct {
	Kind    TriggerKind       `json:"kind"`
	Paths   []string          `json:"paths,omitempty"`
	At      time.Time         `json:"at"`
	Payload map[string]string `json:"payload,omitempty"`
}
