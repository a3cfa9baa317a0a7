// Package store provides storage backends for Postbox.
//
// It includes an in-memory job store for tests and DSN-less runs, alongside
// the SQLite and Postgres stores.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps job records in process memory. Nothing survives a
// restart unless the same instance is handed to the next coordinator.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]memRecord
	seq     int64
	items   map[string]string
}

type memRecord struct {
	rec JobRecord
	seq int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]memRecord), items: make(map[string]string)}
}

func (s *InMemoryStore) Insert(ctx context.Context, rec JobRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, rec.ID)
	}
	s.seq++
	rec.Data = append([]byte(nil), rec.Data...)
	s.records[rec.ID] = memRecord{rec: rec, seq: s.seq}
	return nil
}

func (s *InMemoryStore) LoadAll(ctx context.Context, queueType string) ([]JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	matched := make([]memRecord, 0, len(s.records))
	for _, r := range s.records {
		if r.rec.QueueType == queueType {
			matched = append(matched, r)
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].rec.Timestamp != matched[j].rec.Timestamp {
			return matched[i].rec.Timestamp < matched[j].rec.Timestamp
		}
		return matched[i].seq < matched[j].seq
	})
	out := make([]JobRecord, len(matched))
	for i, r := range matched {
		out[i] = r.rec
		out[i].Data = append([]byte(nil), r.rec.Data...)
	}
	return out, nil
}

func (s *InMemoryStore) Update(ctx context.Context, id string, attempts int, timestamp int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	r.rec.Attempts = attempts
	r.rec.Timestamp = timestamp
	s.records[id] = r
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// Len returns the number of stored records across all queue types.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *InMemoryStore) PutItem(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("put item: empty key")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

func (s *InMemoryStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	return v, ok, nil
}

func (s *InMemoryStore) RemoveItem(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
