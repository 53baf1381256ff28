package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"rffleet/internal/model"
)

// sqlStore carries the queries shared by the sqlite and postgres
// drivers. Statements are written with ? placeholders and rebound to
// $n for postgres.
type sqlStore struct {
	baseStore
	pg bool
}

func (s *sqlStore) q(query string) string {
	if !s.pg {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func (s *sqlStore) UpsertDevice(ctx context.Context, d model.Device) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO devices (serial_number, name, address, port, username, password, insecure_skip_verify, active_preset_id, auto_provisioned, topics_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (serial_number) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			port = excluded.port,
			username = excluded.username,
			password = excluded.password,
			insecure_skip_verify = excluded.insecure_skip_verify,
			active_preset_id = excluded.active_preset_id,
			auto_provisioned = excluded.auto_provisioned,
			topics_json = excluded.topics_json`),
		d.SerialNumber, d.Name, d.Address, d.Port, d.Username, d.Password,
		d.InsecureSkipVerify, d.ActivePresetID, d.AutoProvisioned, encodeJSON(d.Topics),
	)
	return err
}

func (s *sqlStore) scanDevice(row interface{ Scan(...any) error }) (model.Device, error) {
	var d model.Device
	var topics string
	err := row.Scan(&d.SerialNumber, &d.Name, &d.Address, &d.Port, &d.Username,
		&d.Password, &d.InsecureSkipVerify, &d.ActivePresetID, &d.AutoProvisioned, &topics)
	if err != nil {
		return model.Device{}, err
	}
	d.Topics = decodeJSON[model.DeviceTopics](topics)
	return d, nil
}

const deviceCols = `serial_number, name, address, port, username, password, insecure_skip_verify, active_preset_id, auto_provisioned, topics_json`

func (s *sqlStore) GetDevice(ctx context.Context, serial string) (model.Device, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+deviceCols+` FROM devices WHERE serial_number = ?`), serial)
	d, err := s.scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Device{}, ErrNotFound
	}
	return d, err
}

func (s *sqlStore) ListDevices(ctx context.Context) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceCols+` FROM devices ORDER BY serial_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Device
	for rows.Next() {
		d, err := s.scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpsertReadPoint(ctx context.Context, rp model.ReadPoint) (model.ReadPoint, error) {
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO read_points (name, device_serials_json, timeout_seconds)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			device_serials_json = excluded.device_serials_json,
			timeout_seconds = excluded.timeout_seconds
		RETURNING id`),
		rp.Name, encodeJSON(rp.DeviceSerials), rp.TimeoutSeconds,
	).Scan(&rp.ID)
	return rp, err
}

func (s *sqlStore) readPoints(ctx context.Context, where string, args ...any) ([]model.ReadPoint, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, name, device_serials_json, timeout_seconds FROM read_points `+where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ReadPoint
	for rows.Next() {
		var rp model.ReadPoint
		var serials string
		if err := rows.Scan(&rp.ID, &rp.Name, &serials, &rp.TimeoutSeconds); err != nil {
			return nil, err
		}
		rp.DeviceSerials = decodeJSON[[]string](serials)
		out = append(out, rp)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListReadPoints(ctx context.Context) ([]model.ReadPoint, error) {
	return s.readPoints(ctx, `ORDER BY id`)
}

func (s *sqlStore) ReadPointsForDevice(ctx context.Context, serial string) ([]model.ReadPoint, error) {
	// Serial membership lives in a JSON array; filter in process to
	// keep the query portable across drivers.
	all, err := s.readPoints(ctx, `ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var out []model.ReadPoint
	for _, rp := range all {
		for _, sn := range rp.DeviceSerials {
			if sn == serial {
				out = append(out, rp)
				break
			}
		}
	}
	return out, nil
}

func (s *sqlStore) SaveEvent(ctx context.Context, ev model.Event) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	var seq int64
	err = tx.QueryRowContext(ctx, s.q(
		`INSERT INTO device_seq (serial_number, seq) VALUES (?, 1)
		ON CONFLICT (serial_number) DO UPDATE SET seq = device_seq.seq + 1
		RETURNING seq`), ev.DeviceSerial(),
	).Scan(&seq)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	_, err = tx.ExecContext(ctx, s.q(
		`INSERT INTO events (device_serial, seq, event_type, occurred_at, fields_json)
		VALUES (?, ?, ?, ?, ?)`),
		ev.DeviceSerial(), seq, string(ev.EventType()), fmtTime(ev.OccurredAt()), encodeJSON(ev.Data()),
	)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	return seq, tx.Commit()
}

func (s *sqlStore) scanEvent(row interface{ Scan(...any) error }) (model.EventRecord, error) {
	var rec model.EventRecord
	var et, at, fields string
	if err := row.Scan(&rec.Serial, &rec.Seq, &et, &at, &fields); err != nil {
		return model.EventRecord{}, err
	}
	rec.Type = model.EventType(et)
	rec.At = parseTime(at)
	rec.Fields = decodeJSON[map[string]string](fields)
	return rec, nil
}

func (s *sqlStore) PreviousEvent(ctx context.Context, serial string, et model.EventType, beforeSeq int64) (*model.EventRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT device_serial, seq, event_type, occurred_at, fields_json FROM events
		WHERE device_serial = ? AND event_type = ? AND seq < ?
		ORDER BY seq DESC LIMIT 1`),
		serial, string(et), beforeSeq)
	rec, err := s.scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *sqlStore) RecentEvents(ctx context.Context, serial string, limit int) ([]model.EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT device_serial, seq, event_type, occurred_at, fields_json FROM events `
	var args []any
	if serial != "" {
		query += `WHERE device_serial = ? `
		args = append(args, serial)
	}
	query += `ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EventRecord
	for rows.Next() {
		rec, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const traceCols = `id, epc, read_point_id, arrived_at, last_seen, departed_at`

func (s *sqlStore) scanTrace(row interface{ Scan(...any) error }) (model.TagTrace, error) {
	var tr model.TagTrace
	var arrived, lastSeen string
	var departed sql.NullString
	if err := row.Scan(&tr.ID, &tr.EPC, &tr.ReadPointID, &arrived, &lastSeen, &departed); err != nil {
		return model.TagTrace{}, err
	}
	tr.ArrivedAt = parseTime(arrived)
	tr.LastSeen = parseTime(lastSeen)
	tr.DepartedAt = parseTimePtr(departed)
	return tr, nil
}

func (s *sqlStore) OpenTrace(ctx context.Context, epc string, readPointID int64) (model.TagTrace, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+traceCols+` FROM tag_traces
		WHERE epc = ? AND read_point_id = ? AND departed_at IS NULL`),
		epc, readPointID)
	tr, err := s.scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TagTrace{}, ErrNotFound
	}
	return tr, err
}

func (s *sqlStore) CreateTrace(ctx context.Context, tr model.TagTrace) (model.TagTrace, error) {
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO tag_traces (epc, read_point_id, arrived_at, last_seen, departed_at)
		VALUES (?, ?, ?, ?, ?) RETURNING id`),
		tr.EPC, tr.ReadPointID, fmtTime(tr.ArrivedAt), fmtTime(tr.LastSeen), fmtTimePtr(tr.DepartedAt),
	).Scan(&tr.ID)
	return tr, err
}

func (s *sqlStore) TouchTrace(ctx context.Context, id int64, lastSeen time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE tag_traces SET last_seen = ? WHERE id = ? AND last_seen < ?`),
		fmtTime(lastSeen), id, fmtTime(lastSeen))
	return err
}

func (s *sqlStore) CloseTrace(ctx context.Context, id int64, departedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE tag_traces SET departed_at = ? WHERE id = ? AND departed_at IS NULL`),
		fmtTime(departedAt), id)
	return err
}

func (s *sqlStore) OpenTracesOlderThan(ctx context.Context, readPointID int64, cutoff time.Time) ([]model.TagTrace, error) {
	return s.traces(ctx,
		`WHERE read_point_id = ? AND departed_at IS NULL AND last_seen < ? ORDER BY id`,
		readPointID, fmtTime(cutoff))
}

func (s *sqlStore) ListOpenTraces(ctx context.Context) ([]model.TagTrace, error) {
	return s.traces(ctx, `WHERE departed_at IS NULL ORDER BY id`)
}

func (s *sqlStore) traces(ctx context.Context, where string, args ...any) ([]model.TagTrace, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+traceCols+` FROM tag_traces `+where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TagTrace
	for rows.Next() {
		tr, err := s.scanTrace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpsertRule(ctx context.Context, r model.AlertRule) (model.AlertRule, error) {
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO alert_rules (name, description, active, device_serials_json, conditions_json, actions_json, trigger_count, last_triggered)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			description = excluded.description,
			active = excluded.active,
			device_serials_json = excluded.device_serials_json,
			conditions_json = excluded.conditions_json,
			actions_json = excluded.actions_json
		RETURNING id`),
		r.Name, r.Description, r.Active, encodeJSON(r.DeviceSerials),
		encodeJSON(r.Conditions), encodeJSON(r.Actions), r.TriggerCount, fmtTimePtr(r.LastTriggered),
	).Scan(&r.ID)
	return r, err
}

func (s *sqlStore) rules(ctx context.Context, where string, args ...any) ([]model.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, name, description, active, device_serials_json, conditions_json, actions_json, trigger_count, last_triggered
		FROM alert_rules `+where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AlertRule
	for rows.Next() {
		var r model.AlertRule
		var serials, conds, acts string
		var last sql.NullString
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Active, &serials, &conds, &acts, &r.TriggerCount, &last); err != nil {
			return nil, err
		}
		r.DeviceSerials = decodeJSON[[]string](serials)
		r.Conditions = decodeJSON[[]model.AlertCondition](conds)
		r.Actions = decodeJSON[[]model.AlertAction](acts)
		r.LastTriggered = parseTimePtr(last)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListRules(ctx context.Context) ([]model.AlertRule, error) {
	return s.rules(ctx, `ORDER BY id`)
}

func (s *sqlStore) ActiveRulesForDevice(ctx context.Context, serial string) ([]model.AlertRule, error) {
	active, err := s.rules(ctx, `WHERE active = ? ORDER BY id`, true)
	if err != nil {
		return nil, err
	}
	var out []model.AlertRule
	for _, r := range active {
		if r.AppliesTo(serial) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *sqlStore) RecordRuleTrigger(ctx context.Context, ruleID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE alert_rules SET trigger_count = trigger_count + 1, last_triggered = ? WHERE id = ?`),
		fmtTime(at), ruleID)
	return err
}

func (s *sqlStore) SaveAlert(ctx context.Context, a model.Alert) (model.Alert, error) {
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO alerts (rule_id, rule_name, device_serial, event_type, event_data_json, triggered_at, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		a.RuleID, a.RuleName, a.DeviceSerial, string(a.EventType),
		encodeJSON(a.EventData), fmtTime(a.TriggeredAt), a.Resolved,
	).Scan(&a.ID)
	return a, err
}

func (s *sqlStore) SaveActionResult(ctx context.Context, r model.ActionResult) error {
	var jobID any
	if r.JobID != nil {
		jobID = r.JobID.String()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO action_results (kind, target, device_serial, success, message, attempt, retry, ts, rule_id, job_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.Kind, r.Target, r.DeviceSerial, r.Success, r.Message, r.Attempt, r.Retry,
		fmtTime(r.Timestamp), r.RuleID, jobID)
	return err
}

func (s *sqlStore) SaveCommand(ctx context.Context, c model.Command) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO commands (command_id, device_serial, command_type, payload, state, response, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (command_id) DO UPDATE SET
			state = excluded.state,
			response = excluded.response,
			updated_at = excluded.updated_at`),
		c.CommandID, c.DeviceSerial, c.CommandType, c.Payload, string(c.State),
		c.Response, fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt))
	return err
}

func (s *sqlStore) UpdateCommand(ctx context.Context, commandID string, state model.CommandState, response string) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE commands SET state = ?, response = CASE WHEN ? = '' THEN response ELSE ? END, updated_at = ?
		WHERE command_id = ?`),
		string(state), response, response, fmtTime(nowUTC()), commandID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) GetCommand(ctx context.Context, commandID string) (model.Command, error) {
	var c model.Command
	var state, created, updated string
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT command_id, device_serial, command_type, payload, state, response, created_at, updated_at
		FROM commands WHERE command_id = ?`), commandID,
	).Scan(&c.CommandID, &c.DeviceSerial, &c.CommandType, &c.Payload, &state, &c.Response, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Command{}, ErrNotFound
	}
	if err != nil {
		return model.Command{}, err
	}
	c.State = model.CommandState(state)
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return c, nil
}
