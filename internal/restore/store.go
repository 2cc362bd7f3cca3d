// Package restore persists the user-facing state of water heaters (target
// temperature and operation mode) so it survives restarts.
package restore

import (
	"context"
	"sync"
	"time"
)

// Record is the persisted state of one water heater.
type Record struct {
	TargetTemperature *float64
	// Mode is stored as the raw mode string, so values written by older
	// versions (e.g. the legacy "on") can be remapped when loaded.
	Mode    string
	SavedAt time.Time
}

// MemoryStore keeps records in memory. It is used when no database path is
// configured and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Load(_ context.Context, uniqueID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[uniqueID]
	return rec, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, uniqueID string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now().UTC()
	}
	s.records[uniqueID] = rec
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
