package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	-- Status transitions of the manager and its drivers
	CREATE TABLE IF NOT EXISTS link_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code INTEGER NOT NULL,
		status TEXT NOT NULL,
		context TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_link_events_timestamp ON link_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_link_events_context ON link_events(context);

	-- Peers entering and leaving the paired and connected sets
	CREATE TABLE IF NOT EXISTS peer_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		peer TEXT NOT NULL,
		event TEXT NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_peer_events_peer ON peer_events(peer);
	CREATE INDEX IF NOT EXISTS idx_peer_events_timestamp ON peer_events(timestamp);

	-- Driver telemetry samples
	CREATE TABLE IF NOT EXISTS telemetry_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		instance TEXT NOT NULL,
		payload TEXT NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_telemetry_instance ON telemetry_samples(instance);
	CREATE INDEX IF NOT EXISTS idx_telemetry_timestamp ON telemetry_samples(timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// --- Link Event Operations ---

// InsertLinkEvent stores one status transition
func (db *DB) InsertLinkEvent(ev *LinkEvent) (int64, error) {
	res, err := db.conn.Exec(`
		INSERT INTO link_events (code, status, context, timestamp)
		VALUES (?, ?, ?, ?)`,
		ev.Code, ev.Status, ev.Context, ev.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("failed to insert link event: %w", err)
	}
	return res.LastInsertId()
}

// RecentLinkEvents returns the newest link events, newest first
func (db *DB) RecentLinkEvents(limit int) ([]*LinkEvent, error) {
	rows, err := db.conn.Query(`
		SELECT id, code, status, context, timestamp
		FROM link_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query link events: %w", err)
	}
	defer rows.Close()

	var events []*LinkEvent
	for rows.Next() {
		ev := &LinkEvent{}
		var context sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Code, &ev.Status, &context, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan link event: %w", err)
		}
		ev.Context = context.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Peer Event Operations ---

// InsertPeerEvent stores one peer transition
func (db *DB) InsertPeerEvent(ev *PeerEvent) (int64, error) {
	res, err := db.conn.Exec(`
		INSERT INTO peer_events (peer, event, timestamp)
		VALUES (?, ?, ?)`,
		ev.Peer, ev.Event, ev.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("failed to insert peer event: %w", err)
	}
	return res.LastInsertId()
}

// RecentPeerEvents returns the newest peer events, newest first
func (db *DB) RecentPeerEvents(limit int) ([]*PeerEvent, error) {
	rows, err := db.conn.Query(`
		SELECT id, peer, event, timestamp
		FROM peer_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query peer events: %w", err)
	}
	defer rows.Close()

	var events []*PeerEvent
	for rows.Next() {
		ev := &PeerEvent{}
		if err := rows.Scan(&ev.ID, &ev.Peer, &ev.Event, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan peer event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Telemetry Operations ---

// InsertTelemetrySample stores one telemetry document
func (db *DB) InsertTelemetrySample(sample *TelemetrySample) (int64, error) {
	res, err := db.conn.Exec(`
		INSERT INTO telemetry_samples (instance, payload, timestamp)
		VALUES (?, ?, ?)`,
		sample.Instance, sample.Payload, sample.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("failed to insert telemetry sample: %w", err)
	}
	return res.LastInsertId()
}

// RecentTelemetry returns the newest telemetry samples for an instance,
// newest first. An empty instance matches all drivers.
func (db *DB) RecentTelemetry(instance string, limit int) ([]*TelemetrySample, error) {
	query := `
		SELECT id, instance, payload, timestamp
		FROM telemetry_samples`
	args := []any{}
	if instance != "" {
		query += ` WHERE instance = ?`
		args = append(args, instance)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry: %w", err)
	}
	defer rows.Close()

	var samples []*TelemetrySample
	for rows.Next() {
		s := &TelemetrySample{}
		if err := rows.Scan(&s.ID, &s.Instance, &s.Payload, &s.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan telemetry sample: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// PruneBefore deletes history rows older than the cutoff.
func (db *DB) PruneBefore(cutoff time.Time) error {
	for _, table := range []string{"link_events", "peer_events", "telemetry_samples"} {
		if _, err := db.conn.Exec(
			fmt.Sprintf("DELETE FROM %s WHERE timestamp < ?", table), cutoff); err != nil {
			return fmt.Errorf("failed to prune %s: %w", table, err)
		}
	}
	return nil
}
