// Package testutil provides fakes for the collaborators a job queue depends
// on, plus small assertion helpers shared across Postbox tests.
package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/Postbox/internal/sleeper"
	"github.com/BTreeMap/Postbox/internal/store"
)

// ErrOfflineTimeout is returned by FakeConnectivity.WaitForOnline when the
// timeout elapses first.
var ErrOfflineTimeout = errors.New("testutil: timed out waiting for connectivity")

// FakeConnectivity is a connectivity oracle whose state tests flip by hand.
type FakeConnectivity struct {
	mu     sync.Mutex
	online bool
	waiter chan struct{}
	waits  int
}

// NewFakeConnectivity creates an oracle in the given state.
func NewFakeConnectivity(online bool) *FakeConnectivity {
	return &FakeConnectivity{online: online, waiter: make(chan struct{})}
}

// SetOnline changes the state, waking pending waiters when going online.
func (c *FakeConnectivity) SetOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if online && !c.online {
		close(c.waiter)
		c.waiter = make(chan struct{})
	}
	c.online = online
}

// IsOnline implements the connectivity oracle.
func (c *FakeConnectivity) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// WaitForOnline implements the connectivity oracle.
func (c *FakeConnectivity) WaitForOnline(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	c.waits++
	if c.online {
		c.mu.Unlock()
		return nil
	}
	ch := c.waiter
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return ErrOfflineTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Waits returns how many times WaitForOnline was called.
func (c *FakeConnectivity) Waits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waits
}

// FakeLink is a link-state oracle.
type FakeLink struct {
	mu     sync.Mutex
	linked bool
}

// NewFakeLink creates a link oracle in the given state.
func NewFakeLink(linked bool) *FakeLink {
	return &FakeLink{linked: linked}
}

// SetLinked changes the state.
func (l *FakeLink) SetLinked(linked bool) {
	l.mu.Lock()
	l.linked = linked
	l.mu.Unlock()
}

// IsDeviceLinked implements the link oracle.
func (l *FakeLink) IsDeviceLinked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.linked
}

// RecordingSleeper returns immediately from Sleep and records what it was
// asked to wait for.
type RecordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
	// Err, if set, is returned from every Sleep.
	Err error
}

// Sleep implements the job queue sleeper.
func (s *RecordingSleeper) Sleep(ctx context.Context, d time.Duration, reason string, opts ...sleeper.SleepOption) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	err := s.Err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return ctx.Err()
}

// Sleeps returns a copy of the recorded durations.
func (s *RecordingSleeper) Sleeps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

// FlakyStore wraps a JobStore and fails selected operations on demand.
type FlakyStore struct {
	store.JobStore

	mu         sync.Mutex
	failInsert error
	failUpdate error
	failDelete error
	updates    int
	deletes    int
}

// NewFlakyStore wraps inner.
func NewFlakyStore(inner store.JobStore) *FlakyStore {
	return &FlakyStore{JobStore: inner}
}

// FailInsert makes subsequent inserts return err (nil restores them).
func (s *FlakyStore) FailInsert(err error) {
	s.mu.Lock()
	s.failInsert = err
	s.mu.Unlock()
}

// FailUpdate makes subsequent updates return err (nil restores them).
func (s *FlakyStore) FailUpdate(err error) {
	s.mu.Lock()
	s.failUpdate = err
	s.mu.Unlock()
}

// FailDelete makes subsequent deletes return err (nil restores them).
func (s *FlakyStore) FailDelete(err error) {
	s.mu.Lock()
	s.failDelete = err
	s.mu.Unlock()
}

// Insert implements store.JobStore.
func (s *FlakyStore) Insert(ctx context.Context, rec store.JobRecord) error {
	s.mu.Lock()
	err := s.failInsert
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.JobStore.Insert(ctx, rec)
}

// Update implements store.JobStore.
func (s *FlakyStore) Update(ctx context.Context, id string, attempts int, timestamp int64) error {
	s.mu.Lock()
	s.updates++
	err := s.failUpdate
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.JobStore.Update(ctx, id, attempts, timestamp)
}

// Delete implements store.JobStore.
func (s *FlakyStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	s.deletes++
	err := s.failDelete
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.JobStore.Delete(ctx, id)
}

// Counts returns how many updates and deletes were attempted.
func (s *FlakyStore) Counts() (updates, deletes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates, s.deletes
}

// AssertJobCount checks how many records of queueType are persisted.
func AssertJobCount(t *testing.T, st store.JobStore, queueType string, expected int) []store.JobRecord {
	t.Helper()
	recs, err := st.LoadAll(context.Background(), queueType)
	if err != nil {
		t.Fatalf("failed to load %s jobs: %v", queueType, err)
	}
	if len(recs) != expected {
		t.Errorf("expected %d %s job(s), got %d", expected, queueType, len(recs))
	}
	return recs
}

// MustMarshalJSON marshals an object to JSON and fails the test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}
