package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"rffleet/internal/model"
)

// memoryStore keeps everything in process. It is the default driver
// and the double the package tests run against.
type memoryStore struct {
	mu sync.Mutex

	devices    map[string]model.Device
	readPoints map[int64]model.ReadPoint
	events     []model.EventRecord
	traces     map[int64]model.TagTrace
	rules      map[int64]model.AlertRule
	alerts     []model.Alert
	results    []model.ActionResult
	commands   map[string]model.Command

	deviceSeq map[string]int64
	nextRP    int64
	nextTrace int64
	nextRule  int64
	nextAlert int64
	nextRes   int64
}

func NewMemory() Store {
	return &memoryStore{
		devices:    make(map[string]model.Device),
		readPoints: make(map[int64]model.ReadPoint),
		traces:     make(map[int64]model.TagTrace),
		rules:      make(map[int64]model.AlertRule),
		commands:   make(map[string]model.Command),
		deviceSeq:  make(map[string]int64),
	}
}

func (s *memoryStore) Init(ctx context.Context) error { return nil }
func (s *memoryStore) Close() error                   { return nil }

func (s *memoryStore) UpsertDevice(ctx context.Context, d model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.SerialNumber] = d
	return nil
}

func (s *memoryStore) GetDevice(ctx context.Context, serial string) (model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[serial]
	if !ok {
		return model.Device{}, ErrNotFound
	}
	return d, nil
}

func (s *memoryStore) ListDevices(ctx context.Context) ([]model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SerialNumber < out[j].SerialNumber })
	return out, nil
}

func (s *memoryStore) UpsertReadPoint(ctx context.Context, rp model.ReadPoint) (model.ReadPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rp.ID == 0 {
		for id, existing := range s.readPoints {
			if existing.Name == rp.Name {
				rp.ID = id
				break
			}
		}
	}
	if rp.ID == 0 {
		s.nextRP++
		rp.ID = s.nextRP
	} else if rp.ID > s.nextRP {
		s.nextRP = rp.ID
	}
	s.readPoints[rp.ID] = rp
	return rp, nil
}

func (s *memoryStore) ListReadPoints(ctx context.Context) ([]model.ReadPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ReadPoint, 0, len(s.readPoints))
	for _, rp := range s.readPoints {
		out = append(out, rp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) ReadPointsForDevice(ctx context.Context, serial string) ([]model.ReadPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ReadPoint
	for _, rp := range s.readPoints {
		for _, sn := range rp.DeviceSerials {
			if sn == serial {
				out = append(out, rp)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) SaveEvent(ctx context.Context, ev model.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	serial := ev.DeviceSerial()
	s.deviceSeq[serial]++
	seq := s.deviceSeq[serial]
	s.events = append(s.events, model.EventRecord{
		Meta:   model.Meta{Serial: serial, At: ev.OccurredAt(), Seq: seq},
		Type:   ev.EventType(),
		Fields: ev.Data(),
	})
	return seq, nil
}

func (s *memoryStore) PreviousEvent(ctx context.Context, serial string, et model.EventType, beforeSeq int64) (*model.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *model.EventRecord
	for i := range s.events {
		rec := &s.events[i]
		if rec.Serial != serial || rec.Type != et || rec.Seq >= beforeSeq {
			continue
		}
		if best == nil || rec.Seq > best.Seq {
			best = rec
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *memoryStore) RecentEvents(ctx context.Context, serial string, limit int) ([]model.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.EventRecord
	for i := len(s.events) - 1; i >= 0; i-- {
		if serial != "" && s.events[i].Serial != serial {
			continue
		}
		out = append(out, s.events[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memoryStore) OpenTrace(ctx context.Context, epc string, readPointID int64) (model.TagTrace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range s.traces {
		if tr.EPC == epc && tr.ReadPointID == readPointID && tr.Open() {
			return tr, nil
		}
	}
	return model.TagTrace{}, ErrNotFound
}

func (s *memoryStore) CreateTrace(ctx context.Context, tr model.TagTrace) (model.TagTrace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTrace++
	tr.ID = s.nextTrace
	s.traces[tr.ID] = tr
	return tr, nil
}

func (s *memoryStore) TouchTrace(ctx context.Context, id int64, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.traces[id]
	if !ok {
		return ErrNotFound
	}
	if lastSeen.After(tr.LastSeen) {
		tr.LastSeen = lastSeen
		s.traces[id] = tr
	}
	return nil
}

func (s *memoryStore) CloseTrace(ctx context.Context, id int64, departedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.traces[id]
	if !ok {
		return ErrNotFound
	}
	if tr.DepartedAt != nil {
		return nil
	}
	tr.DepartedAt = &departedAt
	s.traces[id] = tr
	return nil
}

func (s *memoryStore) OpenTracesOlderThan(ctx context.Context, readPointID int64, cutoff time.Time) ([]model.TagTrace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.TagTrace
	for _, tr := range s.traces {
		if tr.ReadPointID == readPointID && tr.Open() && tr.LastSeen.Before(cutoff) {
			out = append(out, tr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) ListOpenTraces(ctx context.Context) ([]model.TagTrace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.TagTrace
	for _, tr := range s.traces {
		if tr.Open() {
			out = append(out, tr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) UpsertRule(ctx context.Context, r model.AlertRule) (model.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		for id, existing := range s.rules {
			if existing.Name == r.Name {
				r.ID = id
				break
			}
		}
	}
	if r.ID == 0 {
		s.nextRule++
		r.ID = s.nextRule
	} else if r.ID > s.nextRule {
		s.nextRule = r.ID
	}
	s.rules[r.ID] = r
	return r, nil
}

func (s *memoryStore) ListRules(ctx context.Context) ([]model.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AlertRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) ActiveRulesForDevice(ctx context.Context, serial string) ([]model.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AlertRule
	for _, r := range s.rules {
		if r.Active && r.AppliesTo(serial) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) RecordRuleTrigger(ctx context.Context, ruleID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok {
		return ErrNotFound
	}
	r.TriggerCount++
	r.LastTriggered = &at
	s.rules[ruleID] = r
	return nil
}

func (s *memoryStore) SaveAlert(ctx context.Context, a model.Alert) (model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAlert++
	a.ID = s.nextAlert
	s.alerts = append(s.alerts, a)
	return a, nil
}

func (s *memoryStore) SaveActionResult(ctx context.Context, r model.ActionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRes++
	r.ID = s.nextRes
	s.results = append(s.results, r)
	return nil
}

func (s *memoryStore) SaveCommand(ctx context.Context, c model.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[c.CommandID] = c
	return nil
}

func (s *memoryStore) UpdateCommand(ctx context.Context, commandID string, state model.CommandState, response string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commands[commandID]
	if !ok {
		return ErrNotFound
	}
	c.State = state
	if response != "" {
		c.Response = response
	}
	c.UpdatedAt = nowUTC()
	s.commands[commandID] = c
	return nil
}

func (s *memoryStore) GetCommand(ctx context.Context, commandID string) (model.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commands[commandID]
	if !ok {
		return model.Command{}, ErrNotFound
	}
	return c, nil
}
