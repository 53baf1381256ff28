package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	sqlStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:rffleet.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent ingestion.
	db.SetMaxOpenConns(1)
	return &sqliteStore{sqlStore{baseStore: baseStore{db: db}}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			serial_number TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 0,
			username TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT '',
			insecure_skip_verify INTEGER NOT NULL DEFAULT 0,
			active_preset_id TEXT NOT NULL DEFAULT '',
			auto_provisioned INTEGER NOT NULL DEFAULT 0,
			topics_json TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS read_points (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			device_serials_json TEXT NOT NULL DEFAULT '[]',
			timeout_seconds INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS device_seq (
			serial_number TEXT PRIMARY KEY,
			seq INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_serial TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			fields_json TEXT NOT NULL,
			UNIQUE (device_serial, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_lookup ON events(device_serial, event_type, seq)`,
		`CREATE TABLE IF NOT EXISTS tag_traces (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			epc TEXT NOT NULL,
			read_point_id INTEGER NOT NULL,
			arrived_at TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			departed_at TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_traces_open ON tag_traces(epc, read_point_id) WHERE departed_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS alert_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			device_serials_json TEXT NOT NULL DEFAULT '[]',
			conditions_json TEXT NOT NULL DEFAULT '[]',
			actions_json TEXT NOT NULL DEFAULT '[]',
			trigger_count INTEGER NOT NULL DEFAULT 0,
			last_triggered TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_id INTEGER NOT NULL,
			rule_name TEXT NOT NULL,
			device_serial TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_data_json TEXT NOT NULL,
			triggered_at TEXT NOT NULL,
			resolved INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_triggered ON alerts(triggered_at)`,
		`CREATE TABLE IF NOT EXISTS action_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			target TEXT NOT NULL,
			device_serial TEXT NOT NULL DEFAULT '',
			success INTEGER NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 1,
			retry INTEGER NOT NULL DEFAULT 0,
			ts TEXT NOT NULL,
			rule_id INTEGER NOT NULL DEFAULT 0,
			job_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS commands (
			command_id TEXT PRIMARY KEY,
			device_serial TEXT NOT NULL,
			command_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			state TEXT NOT NULL,
			response TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
