// Package telemetry records what every cycle did: JSONL for humans and
// tooling, SQLite for status queries.
package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"
)

// Event types, emitted in this order within one cycle.
const (
	EventCycleStarted        = "cycle_started"
	EventProposalsAggregated = "proposals_aggregated"
	EventRiskDecision        = "risk_decision"
	EventApplyResult         = "apply_result"
	EventVerifyResult        = "verify_result"
	EventCycleCompleted      = "cycle_completed"
)

// Event is one telemetry record.
type Event struct {
	Time       time.Time      `json:"timestamp"`
	CycleID    string         `json:"run_id"`
	Type       string         `json:"type"`
	ProposalID string         `json:"proposal_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Sink receives events. Implementations are safe for concurrent use and
// must be closed by their owner.
type Sink interface {
	Emit(ctx context.Context, e Event) error
	Close() error
}

// Nop discards events; used when telemetry is disabled.
type Nop struct{}

func (Nop) Emit(context.Context, Event) error { return nil }
func (Nop) Close() error                      { return nil }

// MultiSink fans events out to several sinks. One failing sink does not
// stop the others.
type MultiSink []Sink

// Emit implements Sink.
func (m MultiSink) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink.
func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

// Emit implements Sink.
func (m *MemorySink) Emit(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("telemetry sink closed")
	}
	m.events = append(m.events, e)
	return nil
}

// Close implements Sink.
func (m *MemorySink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Events returns a copy of everything emitted so far.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Types returns the emitted event types in order.
func (m *MemorySink) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

// sanitize redacts string payloads. Values under "diff" keys are replaced
// by their sha256, plus a redacted excerpt when includeDiffs is set.
func sanitize(e Event, includeDiffs bool) Event {
	out := e
	if out.Time.IsZero() {
		out.Time = time.Now()
	}
	out.Data = sanitizeMap(e.Data, includeDiffs)
	return out
}

func sanitizeMap(in map[string]any, includeDiffs bool) map[string]any {
	if in == nil {
		return nil
	}
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(in))
	for _, k := range keys {
		v := in[k]
		if k == "diff" {
			if s, ok := v.(string); ok {
				out["diff_sha256"] = DiffDigest(s)
				if includeDiffs {
					out["diff_excerpt"] = Redact(s, DefaultMaxLen)
				}
				continue
			}
		}
		out[k] = sanitizeValue(v, includeDiffs)
	}
	return out
}

func sanitizeValue(v any, includeDiffs bool) any {
	switch x := v.(type) {
	case string:
		return Redact(x, DefaultMaxLen)
	case map[string]any:
		return sanitizeMap(x, includeDiffs)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = sanitizeValue(x[i], includeDiffs)
		}
		return out
	case []string:
		out := make([]string, len(x))
		for i := range x {
			out[i] = Redact(x[i], DefaultMaxLen)
		}
		return out
	default:
		return v
	}
}

// DiffDigest is the hex sha256 of a diff.
func DiffDigest(diff string) string {
	sum := sha256.Sum256([]byte(diff))
	return hex.EncodeToString(sum[:])
}
