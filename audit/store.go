package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Store persists audit events and plugin lifecycle state to SQLite so a
// restarted manager can report what was running and what it refused.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the SQLite database at path and ensures the
// schema exists. Use ":memory:" for tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		plugin_id TEXT,
		detail TEXT,
		metadata TEXT
	)`)
	if err != nil {
		return fmt.Errorf("create audit_events table: %w", err)
	}
	_, err = s.db.Exec(`CREATE TABLE IF NOT EXISTS plugin_state (
		identity TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		version TEXT NOT NULL,
		state TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create plugin_state table: %w", err)
	}
	return nil
}

// InsertEvent appends an event row.
func (s *Store) InsertEvent(ctx context.Context, e Event) error {
	var meta []byte
	if e.Metadata != nil {
		var err error
		meta, err = json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (timestamp, type, severity, plugin_id, detail, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.Type, string(e.Severity), e.PluginID, e.Detail, string(meta),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events for a plugin, newest first. An
// empty pluginID returns events for all plugins.
func (s *Store) RecentEvents(ctx context.Context, pluginID string, limit int) ([]Event, error) {
	query := `SELECT timestamp, type, severity, plugin_id, detail, metadata
		FROM audit_events`
	args := []any{}
	if pluginID != "" {
		query += ` WHERE plugin_id = ?`
		args = append(args, pluginID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var ts, sev, meta string
		if err := rows.Scan(&ts, &e.Type, &sev, &e.PluginID, &e.Detail, &meta); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Severity = Severity(sev)
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, fmt.Errorf("parse audit metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertPluginState records a plugin's last observed lifecycle state.
func (s *Store) UpsertPluginState(ctx context.Context, identity, name, version, state string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plugin_state (identity, name, version, state, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at`,
		identity, name, version, state, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("persist plugin state: %w", err)
	}
	return nil
}

// PluginStates returns the last observed state per plugin identity.
func (s *Store) PluginStates(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identity, state FROM plugin_state`)
	if err != nil {
		return nil, fmt.Errorf("query plugin_state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var identity, state string
		if err := rows.Scan(&identity, &state); err != nil {
			return nil, fmt.Errorf("scan plugin_state row: %w", err)
		}
		out[identity] = state
	}
	return out, rows.Err()
}
