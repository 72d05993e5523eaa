package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps service records in a map. It is the default backend;
// counters reset with the process, which is acceptable for a cache-fronted
// ingestion tier.
type MemoryStore struct {
	mu       sync.RWMutex
	services map[string]*ServiceConfig
	now      func() time.Time
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		services: make(map[string]*ServiceConfig),
		now:      time.Now,
	}
}

func (s *MemoryStore) Seed(_ context.Context, defaults []ServiceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, def := range defaults {
		if existing, ok := s.services[def.ServiceName]; ok {
			existing.applySeed(def)
			continue
		}
		row := def
		s.services[def.ServiceName] = &row
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (ServiceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.services[name]
	if !ok {
		return ServiceConfig{}, ErrNotFound
	}
	return *row, nil
}

func (s *MemoryStore) List(_ context.Context) ([]ServiceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ServiceConfig, 0, len(s.services))
	for _, row := range s.services {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ServiceName < out[j].ServiceName
	})
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, name string, upd Update) (ServiceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.services[name]
	if !ok {
		return ServiceConfig{}, ErrNotFound
	}
	row.apply(upd)
	return *row, nil
}

func (s *MemoryStore) RecordRun(_ context.Context, name string, ok bool, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, found := s.services[name]
	if !found {
		return ErrNotFound
	}
	now := s.now()
	row.RunCount++
	row.LastRun = &now
	if ok {
		row.LastError = ""
		row.LastErrorAt = nil
		return nil
	}
	row.ErrorCount++
	row.LastError = errMsg
	row.LastErrorAt = &now
	return nil
}

func (s *MemoryStore) Close() error { return nil }
