package alerts

import (
	"sync"

	"rffleet/internal/model"
)

// ResultStore mirrors Store for dispatch and config-push outcomes.
type ResultStore struct {
	mu    sync.RWMutex
	buf   []model.ActionResult
	limit int
}

func NewResultStore(limit int) *ResultStore {
	if limit <= 0 {
		limit = 2000
	}
	return &ResultStore{limit: limit}
}

func (s *ResultStore) Add(r model.ActionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, r)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = r
}

func (s *ResultStore) List(limit int) []model.ActionResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.ActionResult, 0, limit)
	start := len(s.buf) - limit
	if start < 0 {
		start = 0
	}
	for i := start; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *ResultStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
