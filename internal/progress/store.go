package progress

import (
	"sync"

	"renderflow/internal/domain"
)

// Store is the in-memory map of job id to progress record. It hands out
// copies so callers can never mutate tracked state behind the tracker's back.
type Store struct {
	mu      sync.RWMutex
	records map[string]domain.ProgressRecord
}

// NewStore creates an empty progress store.
func NewStore() *Store {
	return &Store{records: make(map[string]domain.ProgressRecord)}
}

// Get returns a copy of the record for the job, if present.
func (s *Store) Get(jobID string) (domain.ProgressRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[jobID]
	return rec, ok
}

// Set stores the record, replacing any previous value.
func (s *Store) Set(rec domain.ProgressRecord) {
	s.mu.Lock()
	s.records[rec.JobID] = rec
	s.mu.Unlock()
}

// Delete removes the record for the job.
func (s *Store) Delete(jobID string) {
	s.mu.Lock()
	delete(s.records, jobID)
	s.mu.Unlock()
}

// Snapshot returns a copy of every tracked record.
func (s *Store) Snapshot() []domain.ProgressRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ProgressRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

// Len reports how many jobs are tracked.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
