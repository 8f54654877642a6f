package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ambient/internal/logging"
)

// JSONLSink appends one JSON object per line to a file.
type JSONLSink struct {
	mu           sync.Mutex
	path         string
	f            *os.File
	includeDiffs bool
}

// NewJSONLSink opens (creating if needed) an append-only event log.
func NewJSONLSink(path string, includeDiffs bool) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry log: %w", err)
	}
	return &JSONLSink{path: path, f: f, includeDiffs: includeDiffs}, nil
}

// Path returns the log file path.
func (s *JSONLSink) Path() string {
	return s.path
}

// Emit implements Sink.
func (s *JSONLSink) Emit(_ context.Context, e Event) error {
	line, err := json.Marshal(sanitize(e, s.includeDiffs))
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", e.Type, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("telemetry sink closed")
	}
	_, err = s.f.Write(line)
	return err
}

// Close implements Sink.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Prune rewrites the log keeping only events at or after cutoff. Lines
// that do not parse are kept. It returns the number of dropped events.
func (s *JSONLSink) Prune(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return 0, err
	}

	var kept bytes.Buffer
	dropped := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e struct {
			Time time.Time `json:"timestamp"`
		}
		if err := json.Unmarshal(line, &e); err == nil && !e.Time.IsZero() && e.Time.Before(cutoff) {
			dropped++
			continue
		}
		kept.Write(line)
		kept.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	if dropped == 0 {
		return 0, nil
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, kept.Bytes(), 0o644); err != nil {
		return 0, err
	}
	if s.f != nil {
		s.f.Close()
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		s.f = nil
		return dropped, err
	}
	s.f = f
	logging.Get(logging.CategoryTelemetry).Info("pruned %d telemetry events older than %s", dropped, cutoff.Format(time.RFC3339))
	return dropped, nil
}

// ReadEvents loads every parseable event from a JSONL log.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			logging.TelemetryWarn("skipping malformed telemetry line: %v", err)
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
