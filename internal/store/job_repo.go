// Package store provides durable persistence for pending job records.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrDuplicateJob is returned by Insert when the ID already exists.
	ErrDuplicateJob = errors.New("job already exists")
	// ErrJobNotFound is returned by Update when no record has the ID.
	ErrJobNotFound = errors.New("job not found")
)

// JobRecord is the unit of persistence: one pending job of one queue type.
// Data is the queue-specific payload exactly as it was enqueued; it is
// validated again by the owning queue every time it is loaded.
type JobRecord struct {
	ID        string          `json:"id"`
	QueueType string          `json:"queueType"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // ms since epoch, original enqueue time
	Attempts  int             `json:"attempts"`
}

// Validate rejects records that must never reach the database half-formed.
func (r JobRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("job record: empty id")
	}
	if r.QueueType == "" {
		return fmt.Errorf("job record %s: empty queue type", r.ID)
	}
	if len(r.Data) == 0 || !json.Valid(r.Data) {
		return fmt.Errorf("job record %s: data is not valid JSON", r.ID)
	}
	if r.Attempts < 0 {
		return fmt.Errorf("job record %s: negative attempts", r.ID)
	}
	return nil
}

// JobStore defines durable job persistence. A record exists in the store if
// and only if its job has neither completed nor permanently given up.
// Implementations must be safe for concurrent use.
type JobStore interface {
	// Insert adds a new record. It fails with ErrDuplicateJob if the ID is
	// already present.
	Insert(ctx context.Context, rec JobRecord) error

	// LoadAll returns every record for queueType ordered by Timestamp
	// ascending, ties broken by insertion order.
	LoadAll(ctx context.Context, queueType string) ([]JobRecord, error)

	// Update rewrites the retry bookkeeping of an existing record without
	// touching its data. It fails with ErrJobNotFound if the ID is unknown.
	Update(ctx context.Context, id string, attempts int, timestamp int64) error

	// Delete removes a record. Deleting an unknown ID is not an error.
	Delete(ctx context.Context, id string) error
}

// ItemStore is the small key/value table for local settings and keys that
// jobs may need to clean up.
type ItemStore interface {
	PutItem(ctx context.Context, key, value string) error
	// GetItem reports ok=false when the key is absent.
	GetItem(ctx context.Context, key string) (value string, ok bool, err error)
	// RemoveItem deletes a key. Removing an absent key is not an error.
	RemoveItem(ctx context.Context, key string) error
}

// Store is a JobStore and ItemStore backed by a resource that must be
// released.
type Store interface {
	JobStore
	ItemStore
	Close() error
}
