package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	sqlStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/rffleet?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{sqlStore{baseStore: baseStore{db: db}, pg: true}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			serial_number TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 0,
			username TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT '',
			insecure_skip_verify BOOLEAN NOT NULL DEFAULT FALSE,
			active_preset_id TEXT NOT NULL DEFAULT '',
			auto_provisioned BOOLEAN NOT NULL DEFAULT FALSE,
			topics_json TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS read_points (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			device_serials_json TEXT NOT NULL DEFAULT '[]',
			timeout_seconds INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS device_seq (
			serial_number TEXT PRIMARY KEY,
			seq BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			device_serial TEXT NOT NULL,
			seq BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			fields_json TEXT NOT NULL,
			UNIQUE (device_serial, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_lookup ON events(device_serial, event_type, seq)`,
		`CREATE TABLE IF NOT EXISTS tag_traces (
			id BIGSERIAL PRIMARY KEY,
			epc TEXT NOT NULL,
			read_point_id BIGINT NOT NULL,
			arrived_at TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			departed_at TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_traces_open ON tag_traces(epc, read_point_id) WHERE departed_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS alert_rules (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			device_serials_json TEXT NOT NULL DEFAULT '[]',
			conditions_json TEXT NOT NULL DEFAULT '[]',
			actions_json TEXT NOT NULL DEFAULT '[]',
			trigger_count BIGINT NOT NULL DEFAULT 0,
			last_triggered TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id BIGSERIAL PRIMARY KEY,
			rule_id BIGINT NOT NULL,
			rule_name TEXT NOT NULL,
			device_serial TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_data_json TEXT NOT NULL,
			triggered_at TEXT NOT NULL,
			resolved BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_triggered ON alerts(triggered_at)`,
		`CREATE TABLE IF NOT EXISTS action_results (
			id BIGSERIAL PRIMARY KEY,
			kind TEXT NOT NULL,
			target TEXT NOT NULL,
			device_serial TEXT NOT NULL DEFAULT '',
			success BOOLEAN NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 1,
			retry BOOLEAN NOT NULL DEFAULT FALSE,
			ts TEXT NOT NULL,
			rule_id BIGINT NOT NULL DEFAULT 0,
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
