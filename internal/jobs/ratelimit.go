package jobs

import (
	"errors"
	"sync"
	"time"

	"github.com/BTreeMap/Postbox/internal/backoff"
)

// DefaultRetryAfter is how long a conversation is held when the server rate
// limits it without saying for how long.
const DefaultRetryAfter = time.Minute

// errRateLimited is reported to give-up hooks when a conversation stays
// rate limited past the job's retry budget.
var errRateLimited = errors.New("rate limited past the retry budget")

type rateLimitError struct {
	err        error
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string { return e.err.Error() }
func (e *rateLimitError) Unwrap() error { return e.err }

// RateLimited marks err as a server rate limit. Later jobs of the same
// conversation are held until retryAfter has passed. A zero retryAfter
// means DefaultRetryAfter.
func RateLimited(err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	return &rateLimitError{err: err, retryAfter: retryAfter}
}

// RetryAfter reports whether err was marked with RateLimited, and the delay
// it carried.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *rateLimitError
	if !errors.As(err, &rl) {
		return 0, false
	}
	if rl.retryAfter <= 0 {
		return DefaultRetryAfter, true
	}
	return rl.retryAfter, true
}

type conversationBlock struct {
	attempts int
	retryAt  time.Time
}

// conversationBlocks tracks rate-limited conversations. The zero value is
// ready to use.
type conversationBlocks struct {
	mu sync.Mutex
	m  map[string]*conversationBlock
}

// capture records a rate limit for id. Repeated limits back off on the
// Fibonacci table in minutes, and retryAt never moves earlier. created is
// true when id was not blocked before.
func (b *conversationBlocks) capture(id string, retryAfter time.Duration, now time.Time) (retryAt time.Time, created bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.m == nil {
		b.m = make(map[string]*conversationBlock)
	}
	cur, ok := b.m[id]
	if !ok {
		cur = &conversationBlock{attempts: 1, retryAt: now.Add(retryAfter)}
		b.m[id] = cur
		return cur.retryAt, true
	}

	cur.attempts++
	step := backoff.Fibonacci[min(cur.attempts, len(backoff.Fibonacci)-1)] * 60
	next := now.Add(max(step, retryAfter))
	if next.After(cur.retryAt) {
		cur.retryAt = next
	}
	return cur.retryAt, false
}

func (b *conversationBlocks) until(id string) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.m[id]
	if !ok {
		return time.Time{}, false
	}
	return cur.retryAt, true
}

func (b *conversationBlocks) clear(id string) {
	b.mu.Lock()
	delete(b.m, id)
	b.mu.Unlock()
}

// clearIfUnchanged drops the block for id unless it was extended past
// retryAt in the meantime.
func (b *conversationBlocks) clearIfUnchanged(id string, retryAt time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.m[id]
	if !ok {
		return true
	}
	if cur.retryAt.After(retryAt) {
		return false
	}
	delete(b.m, id)
	return true
}
