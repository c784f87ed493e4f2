package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryWindow struct {
	start time.Time
	hits  int
}

// MemoryStore is a single-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*memoryWindow)}
}

func (s *MemoryStore) Increment(_ context.Context, clientKey, route string, windowStart time.Time, window time.Duration, ceiling int) (int, error) {
	key := route + "|" + clientKey

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !w.start.Equal(windowStart) {
		w = &memoryWindow{start: windowStart}
		s.windows[key] = w
		s.prune(windowStart.Add(-window))
	}
	if w.hits < ceiling {
		w.hits++
	}
	return w.hits, nil
}

func (s *MemoryStore) prune(before time.Time) {
	for key, w := range s.windows {
		if w.start.Before(before) {
			delete(s.windows, key)
		}
	}
}

// Hits returns the stored count for the window starting at windowStart.
func (s *MemoryStore) Hits(clientKey, route string, windowStart time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[route+"|"+clientKey]
	if !ok || !w.start.Equal(windowStart) {
		return 0
	}
	return w.hits
}
