package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records and holds in process memory. Counts are lost on
// restart.
type MemoryStore struct {
	records map[string]Record
	holds   map[string]map[string]memoryHold
	mu      sync.RWMutex
}

type memoryHold struct {
	day     string
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		holds:   make(map[string]map[string]memoryHold),
	}
}

func (s *MemoryStore) Load(_ context.Context, key string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return rec, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, key string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) Increment(_ context.Context, key, day string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incrementLocked(key, day), nil
}

func (s *MemoryStore) Reserve(_ context.Context, h Hold) (Record, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[h.Key]
	if !ok || rec.Day != h.Day {
		rec = Record{Day: h.Day}
		s.records[h.Key] = rec
	}

	holds := s.holds[h.Key]
	for id, held := range holds {
		if held.day != h.Day || !held.expires.After(h.Now) {
			delete(holds, id)
		}
	}
	n := len(holds)

	if rec.Count+n < h.Limit {
		if holds == nil {
			holds = make(map[string]memoryHold)
			s.holds[h.Key] = holds
		}
		holds[h.ID] = memoryHold{day: h.Day, expires: h.Expires}
	} else if len(holds) == 0 {
		delete(s.holds, h.Key)
	}
	return rec, n, nil
}

func (s *MemoryStore) CommitHold(_ context.Context, key, id, day string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteHoldLocked(key, id)
	return s.incrementLocked(key, day), nil
}

func (s *MemoryStore) ReleaseHold(_ context.Context, key, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteHoldLocked(key, id)
	return nil
}

func (s *MemoryStore) incrementLocked(key, day string) Record {
	rec := s.records[key]
	if rec.Day != day {
		rec = Record{Day: day}
	}
	rec.Count++
	s.records[key] = rec
	return rec
}

func (s *MemoryStore) deleteHoldLocked(key, id string) {
	holds := s.holds[key]
	delete(holds, id)
	if len(holds) == 0 {
		delete(s.holds, key)
	}
}
