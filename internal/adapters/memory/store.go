// Package memory is a process-local store, used for dry runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"libresync/internal/domain"
)

type Store struct {
	mu       sync.Mutex
	readings map[time.Time]domain.Reading
	syncLogs []domain.SyncLog
}

func NewStore() *Store {
	return &Store{readings: make(map[time.Time]domain.Reading)}
}

func (s *Store) Upsert(_ context.Context, reading domain.Reading, dedupKey time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.readings[dedupKey]; ok {
		return false, nil
	}
	s.readings[dedupKey] = reading
	return true, nil
}

func (s *Store) SaveSyncLog(_ context.Context, log domain.SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLogs = append(s.syncLogs, log)
	return nil
}

// LastSyncLog returns the sync log with the latest start, or nil when none was saved.
func (s *Store) LastSyncLog(_ context.Context) (*domain.SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last *domain.SyncLog
	for i := range s.syncLogs {
		if last == nil || !s.syncLogs[i].StartedAt.Before(last.StartedAt) {
			log := s.syncLogs[i]
			last = &log
		}
	}
	return last, nil
}

// Count returns the number of stored readings.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readings)
}

// Readings returns the stored readings, oldest first.
func (s *Store) Readings() []domain.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Reading, 0, len(s.readings))
	for _, r := range s.readings {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func (s *Store) SyncLogs() []domain.SyncLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SyncLog(nil), s.syncLogs...)
}
