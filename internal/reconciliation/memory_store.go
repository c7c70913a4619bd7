package reconciliation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*InconsistencyRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*InconsistencyRecord)}
}

func (s *MemoryStore) Record(ctx context.Context, record *InconsistencyRecord) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("invalid inconsistency record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.ID]; exists {
		return fmt.Errorf("inconsistency record %s already exists", record.ID)
	}
	cp := *record
	s.records[record.ID] = &cp
	return nil
}

func (s *MemoryStore) ListOpen(ctx context.Context, limit int) ([]*InconsistencyRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	open := make([]*InconsistencyRecord, 0, len(s.records))
	for _, r := range s.records {
		if r.IsOpen() {
			cp := *r
			open = append(open, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(open, func(i, j int) bool {
		return open[i].Timestamp.Before(open[j].Timestamp)
	})
	if len(open) > limit {
		open = open[:limit]
	}
	return open, nil
}

func (s *MemoryStore) Resolve(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.records[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if r.ResolvedAt == nil {
		now := time.Now().UTC()
		r.ResolvedAt = &now
	}
	return nil
}

// All returns every record, resolved or not
func (s *MemoryStore) All() []*InconsistencyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*InconsistencyRecord, 0, len(s.records))
	for _, r := range s.records {
		cp := *r
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	return all
}
