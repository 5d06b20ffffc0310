package mirror

import (
	"sync"
	"time"
)

// connState tracks subscription liveness. The event consumer marks activity;
// the watchdog reads recency, counts probe failures, and resets everything
// after a successful recovery. One mutex guards all fields.
type connState struct {
	mu        sync.Mutex
	lastEvent time.Time
	failures  int
}

func newConnState(now time.Time) *connState {
	return &connState{lastEvent: now}
}

// markAlive records that the subscription delivered an event.
func (c *connState) markAlive(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastEvent = now
}

// sinceLastEvent returns the elapsed time since the last delivery.
func (c *connState) sinceLastEvent(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return now.Sub(c.lastEvent)
}

// recordFailure increments the consecutive probe failure count and returns
// the new count.
func (c *connState) recordFailure() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++

	return c.failures
}

// resetFailures zeroes the failure count without touching event recency.
// Called on every healthy watchdog tick.
func (c *connState) resetFailures() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures = 0
}

// reset restores the state after a successful recovery: recency is now and
// the failure count is zero.
func (c *connState) reset(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastEvent = now
	c.failures = 0
}

// failureCount returns the current consecutive failure count.
func (c *connState) failureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.failures
}

// maxBackoffShift caps the exponent so the shift below cannot overflow.
const maxBackoffShift = 30

// probeBackoff returns the wait after the nth consecutive probe failure:
// base doubled per prior failure, capped at ceiling. The sequence never
// decreases while failures accumulate.
func probeBackoff(failures int, base, ceiling time.Duration) time.Duration {
	if failures < 1 {
		failures = 1
	}

	shift := failures - 1
	if shift > maxBackoffShift {
		return ceiling
	}

	backoff := base << shift
	if backoff > ceiling || backoff <= 0 {
		return ceiling
	}

	return backoff
}
