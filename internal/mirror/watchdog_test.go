package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/resilive/edgegate/internal/directory"
)

// fakeClock drives the watchdog deterministically: sleeps return instantly,
// advance the clock by the requested duration, and are recorded. After
// stopAfter sleeps it cancels the run context so the loop exits.
type fakeClock struct {
	mu        sync.Mutex
	now       time.Time
	sleeps    []time.Duration
	stopAfter int
	cancel    context.CancelFunc
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	stop := c.stopAfter > 0 && len(c.sleeps) >= c.stopAfter
	c.mu.Unlock()

	if stop {
		c.cancel()
		return context.Canceled
	}

	return nil
}

func (c *fakeClock) timeNow() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]time.Duration(nil), c.sleeps...)
}

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// newTestWatchdog builds a watchdog on a fake clock. run exits after
// stopAfter sleeps.
func newTestWatchdog(
	t *testing.T, cfg WatchdogConfig, source *fakeSource,
	recoverFunc func(context.Context) error, stopAfter int,
) (*watchdog, *connState, *fakeClock, context.Context) {
	t.Helper()

	clock := &fakeClock{now: testStart, stopAfter: stopAfter}
	conn := newConnState(testStart)

	if recoverFunc == nil {
		recoverFunc = func(context.Context) error { return nil }
	}

	w := newWatchdog(cfg, conn, source, recoverFunc, testLogger(t))
	w.sleepFunc = clock.sleep
	w.nowFunc = clock.timeNow

	ctx, cancel := context.WithCancel(context.Background())
	clock.cancel = cancel
	t.Cleanup(cancel)

	return w, conn, clock, ctx
}

func TestWatchdog_HealthyTicksNeverProbe(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	cfg := WatchdogConfig{Poll: 60 * time.Second, StaleAfter: 10 * time.Hour}

	w, conn, clock, ctx := newTestWatchdog(t, cfg, source, nil, 3)

	// Pre-seed failures: a healthy tick must clear them.
	conn.recordFailure()
	conn.recordFailure()

	if err := w.run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := source.probeCount(); got != 0 {
		t.Errorf("probe count = %d, want 0 while healthy", got)
	}

	if got := conn.failureCount(); got != 0 {
		t.Errorf("failure count = %d, want 0 after healthy ticks", got)
	}

	want := []time.Duration{60 * time.Second, 60 * time.Second, 60 * time.Second}
	if got := clock.recorded(); len(got) != len(want) {
		t.Errorf("recorded sleeps = %v, want %v", got, want)
	}
}

func TestWatchdog_StaleProbesWithGrowingBackoff(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	source.setProbeErr(errors.New("directory unreachable"))

	cfg := WatchdogConfig{
		Poll:        60 * time.Second,
		StaleAfter:  60 * time.Second,
		BackoffBase: 5 * time.Second,
		BackoffCap:  60 * time.Second,
	}

	recoverCalls := 0
	recoverFunc := func(context.Context) error {
		recoverCalls++
		return nil
	}

	w, conn, clock, ctx := newTestWatchdog(t, cfg, source, recoverFunc, 6)

	if err := w.run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []time.Duration{
		60 * time.Second, // poll
		5 * time.Second,  // backoff after failure 1
		60 * time.Second, // poll
		10 * time.Second, // backoff after failure 2
		60 * time.Second, // poll
		20 * time.Second, // backoff after failure 3
	}

	got := clock.recorded()
	if len(got) != len(want) {
		t.Fatalf("recorded sleeps = %v, want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if got := source.probeCount(); got != 3 {
		t.Errorf("probe count = %d, want 3", got)
	}

	if recoverCalls != 0 {
		t.Errorf("recover calls = %d, want 0 while probes fail", recoverCalls)
	}

	if got := conn.failureCount(); got != 3 {
		t.Errorf("failure count = %d, want 3", got)
	}

	for _, collection := range source.probedCollections() {
		if collection != directory.CollectionCommunities {
			t.Errorf("probed collection %q, want %q", collection, directory.CollectionCommunities)
		}
	}
}

func TestWatchdog_ProbeSuccessRunsRecovery(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	cfg := WatchdogConfig{Poll: 60 * time.Second, StaleAfter: 60 * time.Second}

	recoverCalls := 0
	recoverFunc := func(context.Context) error {
		recoverCalls++
		return nil
	}

	w, conn, clock, ctx := newTestWatchdog(t, cfg, source, recoverFunc, 2)

	if err := w.run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if recoverCalls != 1 {
		t.Errorf("recover calls = %d, want 1", recoverCalls)
	}

	if got := source.probeCount(); got != 1 {
		t.Errorf("probe count = %d, want 1", got)
	}

	if got := conn.failureCount(); got != 0 {
		t.Errorf("failure count = %d, want 0 after recovery", got)
	}

	// Recovery at testStart+60s, clock stops at testStart+120s.
	if got := conn.sinceLastEvent(clock.timeNow()); got != 60*time.Second {
		t.Errorf("recency after recovery = %v, want 60s", got)
	}
}

func TestWatchdog_RecoveryFailureCountsAsProbeFailure(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	cfg := WatchdogConfig{
		Poll:        60 * time.Second,
		StaleAfter:  60 * time.Second,
		BackoffBase: 5 * time.Second,
		BackoffCap:  60 * time.Second,
	}

	recoverCalls := 0
	recoverFunc := func(context.Context) error {
		recoverCalls++
		return errors.New("resubscribe refused")
	}

	w, conn, clock, ctx := newTestWatchdog(t, cfg, source, recoverFunc, 4)

	if err := w.run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []time.Duration{
		60 * time.Second,
		5 * time.Second,
		60 * time.Second,
		10 * time.Second,
	}

	got := clock.recorded()
	if len(got) != len(want) {
		t.Fatalf("recorded sleeps = %v, want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if recoverCalls != 2 {
		t.Errorf("recover calls = %d, want 2", recoverCalls)
	}

	if got := conn.failureCount(); got != 2 {
		t.Errorf("failure count = %d, want 2", got)
	}
}
