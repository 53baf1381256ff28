package presence

import (
	"sync"
	"time"

	"rffleet/internal/model"
)

// Snapshot is the per-read-point presence counters exposed by the ops
// API.
type Snapshot struct {
	ReadPointID int64     `json:"read_point_id"`
	Name        string    `json:"name"`
	Present     int64     `json:"present"`
	Arrivals    int64     `json:"arrivals"`
	Departures  int64     `json:"departures"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Stats keeps in-process presence counters per read point. Counters
// reset on restart; durable history lives in the tag trace table.
type Stats struct {
	mu    sync.RWMutex
	byRP  map[int64]*Snapshot
	limit int
}

func NewStats(limit int) *Stats {
	if limit <= 0 {
		limit = 5000
	}
	return &Stats{byRP: make(map[int64]*Snapshot), limit: limit}
}

func (s *Stats) snapshotFor(rp model.ReadPoint) *Snapshot {
	snap, ok := s.byRP[rp.ID]
	if !ok {
		if len(s.byRP) >= s.limit {
			s.evictOldest()
		}
		snap = &Snapshot{ReadPointID: rp.ID, Name: rp.Name}
		s.byRP[rp.ID] = snap
	}
	return snap
}

func (s *Stats) Arrived(rp model.ReadPoint) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshotFor(rp)
	snap.Present++
	snap.Arrivals++
	snap.UpdatedAt = time.Now().UTC()
}

func (s *Stats) Departed(rp model.ReadPoint) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshotFor(rp)
	if snap.Present > 0 {
		snap.Present--
	}
	snap.Departures++
	snap.UpdatedAt = time.Now().UTC()
}

func (s *Stats) Get(readPointID int64) (Snapshot, bool) {
	if s == nil {
		return Snapshot{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byRP[readPointID]
	if !ok {
		return Snapshot{}, false
	}
	return *snap, true
}

func (s *Stats) GetAll() []Snapshot {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.byRP))
	for _, snap := range s.byRP {
		out = append(out, *snap)
	}
	return out
}

func (s *Stats) evictOldest() {
	var oldestID int64
	var oldest time.Time
	first := true
	for id, snap := range s.byRP {
		if first || snap.UpdatedAt.Before(oldest) {
			oldestID = id
			oldest = snap.UpdatedAt
			first = false
		}
	}
	if !first {
		delete(s.byRP, oldestID)
	}
}

func (s *Stats) Clear() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byRP = make(map[int64]*Snapshot)
}
