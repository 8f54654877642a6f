package telemetry

import (
	"context"
	"path/filepath"
	"time"

	"ambient/internal/config"
	"ambient/internal/logging"
)

// Open builds the sinks configured under telemetry and applies retention.
// Relative paths resolve against root. Disabled telemetry yields Nop.
func Open(ctx context.Context, root string, cfg config.TelemetryConfig) (Sink, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}

	var cutoff time.Time
	if cfg.RetentionDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -cfg.RetentionDays)
	}

	var sinks MultiSink
	if cfg.LogPath != "" {
		js, err := NewJSONLSink(resolve(root, cfg.LogPath), cfg.IncludeDiffs)
		if err != nil {
			return nil, err
		}
		if !cutoff.IsZero() {
			if _, err := js.Prune(cutoff); err != nil {
				logging.TelemetryWarn("pruning %s: %v", js.Path(), err)
			}
		}
		sinks = append(sinks, js)
	}
	if cfg.DBPath != "" {
		db, err := NewSQLiteSink(resolve(root, cfg.DBPath), cfg.IncludeDiffs)
		if err != nil {
			sinks.Close()
			return nil, err
		}
		if !cutoff.IsZero() {
			if _, err := db.Prune(ctx, cutoff); err != nil {
				logging.TelemetryWarn("pruning %s: %v", db.Path(), err)
			}
		}
		sinks = append(sinks, db)
	}
	if len(sinks) == 0 {
		return Nop{}, nil
	}
	return sinks, nil
}

func resolve(root, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}
