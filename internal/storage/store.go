package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"rffleet/internal/config"
	"rffleet/internal/model"
)

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("not found")

// Store is the persistence boundary for the whole pipeline. Events are
// kept in one table keyed by a per-device monotonic sequence so the
// rule engine's previous-event fetch is read consistent without
// external locking.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	UpsertDevice(ctx context.Context, d model.Device) error
	GetDevice(ctx context.Context, serial string) (model.Device, error)
	ListDevices(ctx context.Context) ([]model.Device, error)

	UpsertReadPoint(ctx context.Context, rp model.ReadPoint) (model.ReadPoint, error)
	ListReadPoints(ctx context.Context) ([]model.ReadPoint, error)
	ReadPointsForDevice(ctx context.Context, serial string) ([]model.ReadPoint, error)

	// SaveEvent assigns and returns the device's next sequence number.
	SaveEvent(ctx context.Context, ev model.Event) (int64, error)
	// PreviousEvent returns the most recent stored event of the given
	// type for the device with sequence strictly below beforeSeq.
	PreviousEvent(ctx context.Context, serial string, et model.EventType, beforeSeq int64) (*model.EventRecord, error)
	RecentEvents(ctx context.Context, serial string, limit int) ([]model.EventRecord, error)

	OpenTrace(ctx context.Context, epc string, readPointID int64) (model.TagTrace, error)
	CreateTrace(ctx context.Context, tr model.TagTrace) (model.TagTrace, error)
	TouchTrace(ctx context.Context, id int64, lastSeen time.Time) error
	// CloseTrace records a departure. Closing an already closed trace
	// is a no-op so sweeps stay idempotent.
	CloseTrace(ctx context.Context, id int64, departedAt time.Time) error
	OpenTracesOlderThan(ctx context.Context, readPointID int64, cutoff time.Time) ([]model.TagTrace, error)
	ListOpenTraces(ctx context.Context) ([]model.TagTrace, error)

	UpsertRule(ctx context.Context, r model.AlertRule) (model.AlertRule, error)
	ListRules(ctx context.Context) ([]model.AlertRule, error)
	ActiveRulesForDevice(ctx context.Context, serial string) ([]model.AlertRule, error)
	RecordRuleTrigger(ctx context.Context, ruleID int64, at time.Time) error

	SaveAlert(ctx context.Context, a model.Alert) (model.Alert, error)
	SaveActionResult(ctx context.Context, r model.ActionResult) error

	SaveCommand(ctx context.Context, c model.Command) error
	UpdateCommand(ctx context.Context, commandID string, state model.CommandState, response string) error
	GetCommand(ctx context.Context, commandID string) (model.Command, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func decodeJSON[T any](raw string) T {
	var out T
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
