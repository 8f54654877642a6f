package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink stores events in a SQLite database for status queries.
type SQLiteSink struct {
	mu           sync.Mutex
	db           *sql.DB
	path         string
	includeDiffs bool
	closed       bool
}

// CycleSummary is the status view of one completed cycle.
type CycleSummary struct {
	CycleID  string
	Time     time.Time
	Status   string
	Accepted int
	Applied  int
	Failed   int
	Deferred int
	Pending  int
	Rejected int
}

// NewSQLiteSink opens or creates the telemetry database.
func NewSQLiteSink(path string, includeDiffs bool) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteSink{db: db, path: path, includeDiffs: includeDiffs}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		cycle_id TEXT NOT NULL,
		type TEXT NOT NULL,
		proposal_id TEXT,
		data_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_cycle ON events(cycle_id);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file path.
func (s *SQLiteSink) Path() string {
	return s.path
}

// Emit implements Sink.
func (s *SQLiteSink) Emit(ctx context.Context, e Event) error {
	e = sanitize(e, s.includeDiffs)
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", e.Type, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("telemetry sink closed")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (ts, cycle_id, type, proposal_id, data_json) VALUES (?, ?, ?, ?, ?)`,
		e.Time.UnixNano(), e.CycleID, e.Type, e.ProposalID, string(data))
	return err
}

// Close implements Sink.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Prune deletes events older than cutoff.
func (s *SQLiteSink) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountByType returns how many events of each type are stored.
func (s *SQLiteSink) CountByType(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM events GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out[typ] = n
	}
	return out, rows.Err()
}

// RecentCycles returns the latest completed cycles, newest first.
func (s *SQLiteSink) RecentCycles(ctx context.Context, limit int) ([]CycleSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, cycle_id, data_json FROM events WHERE type = ? ORDER BY ts DESC, id DESC LIMIT ?`,
		EventCycleCompleted, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CycleSummary
	for rows.Next() {
		var ts int64
		var cycleID string
		var raw sql.NullString
		if err := rows.Scan(&ts, &cycleID, &raw); err != nil {
			return nil, err
		}
		summary := CycleSummary{CycleID: cycleID, Time: time.Unix(0, ts)}
		if raw.Valid && raw.String != "" {
			var data struct {
				Status   string `json:"status"`
				Accepted int    `json:"accepted"`
				Applied  int    `json:"applied"`
				Failed   int    `json:"failed"`
				Deferred int    `json:"deferred"`
				Pending  int    `json:"pending_approval"`
				Rejected int    `json:"rejected"`
			}
			if err := json.Unmarshal([]byte(raw.String), &data); err == nil {
				summary.Status = data.Status
				summary.Accepted = data.Accepted
				summary.Applied = data.Applied
				summary.Failed = data.Failed
				summary.Deferred = data.Deferred
				summary.Pending = data.Pending
				summary.Rejected = data.Rejected
			}
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}
