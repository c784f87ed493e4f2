package otp

import (
	"context"
	"sync"
	"time"

	"school-backend/internal/db"
)

// MemoryStore keeps records in process. The executor argument is ignored.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Upsert(_ context.Context, _ db.Executor, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ConsumedAt = nil
	rec.FailedAttempts = 0
	s.records[rec.SubjectKey] = rec
	return nil
}

func (s *MemoryStore) GetForUpdate(_ context.Context, _ db.Executor, subjectKey string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[subjectKey]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.ConsumedAt != nil {
		at := *rec.ConsumedAt
		rec.ConsumedAt = &at
	}
	return rec, nil
}

func (s *MemoryStore) MarkConsumed(_ context.Context, _ db.Executor, subjectKey string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[subjectKey]
	if !ok || rec.ConsumedAt != nil {
		return ErrAlreadyConsumed
	}
	consumed := at.UTC()
	rec.ConsumedAt = &consumed
	s.records[subjectKey] = rec
	return nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, _ db.Executor, subjectKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[subjectKey]
	if !ok {
		return 0, ErrNotFound
	}
	rec.FailedAttempts++
	s.records[subjectKey] = rec
	return rec.FailedAttempts, nil
}

func (s *MemoryStore) DeleteStale(_ context.Context, _ db.Executor, cutoff time.Time, batchSize int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for key, rec := range s.records {
		if deleted >= int64(batchSize) {
			break
		}
		stale := rec.ExpiresAt.Before(cutoff) || (rec.ConsumedAt != nil && rec.ConsumedAt.Before(cutoff))
		if stale {
			delete(s.records, key)
			deleted++
		}
	}
	return deleted, nil
}

// Len is the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
