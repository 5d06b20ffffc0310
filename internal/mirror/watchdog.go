package mirror

import (
	"context"
	"log/slog"
	"time"

	"github.com/resilive/edgegate/internal/directory"
)

// Default watchdog timings. A push subscription that has delivered nothing
// for StaleAfter is treated as suspect even though the socket looks open;
// quiet sites legitimately idle for minutes, so the timeout trades detection
// latency against false alarms from ordinary silence.
const (
	DefaultWatchdogPoll     = 60 * time.Second
	DefaultWatchdogTimeout  = 300 * time.Second
	DefaultProbeBackoffBase = 5 * time.Second
	DefaultProbeBackoffCap  = 60 * time.Second
)

// WatchdogConfig holds the timing knobs for the connection watchdog.
// Zero values fall back to the defaults above.
type WatchdogConfig struct {
	Poll        time.Duration // how often recency is checked
	StaleAfter  time.Duration // silence threshold before probing
	BackoffBase time.Duration // first wait after a failed probe
	BackoffCap  time.Duration // ceiling for probe failure waits
}

func (c WatchdogConfig) withDefaults() WatchdogConfig {
	if c.Poll <= 0 {
		c.Poll = DefaultWatchdogPoll
	}

	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultWatchdogTimeout
	}

	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultProbeBackoffBase
	}

	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultProbeBackoffCap
	}

	return c
}

// watchdog periodically checks subscription recency and drives recovery
// when the connection has gone quiet. recoverFunc must fully resync the
// mirror and replace every listener; the watchdog never trusts a suspect
// connection again, it only replaces it.
type watchdog struct {
	cfg         WatchdogConfig
	conn        *connState
	source      Source
	recoverFunc func(ctx context.Context) error
	logger      *slog.Logger

	// Injectable for deterministic tests.
	sleepFunc func(ctx context.Context, d time.Duration) error
	nowFunc   func() time.Time
}

func newWatchdog(
	cfg WatchdogConfig,
	conn *connState,
	source Source,
	recoverFunc func(ctx context.Context) error,
	logger *slog.Logger,
) *watchdog {
	return &watchdog{
		cfg:         cfg.withDefaults(),
		conn:        conn,
		source:      source,
		recoverFunc: recoverFunc,
		logger:      logger,
		sleepFunc:   timeSleep,
		nowFunc:     time.Now,
	}
}

// run blocks until ctx is canceled, returning nil. Each tick either
// confirms the subscription healthy (resetting the failure count) or walks
// the stale path: probe the service, and on probe success run a full
// recovery. Probe and recovery failures back off exponentially so a dead
// upstream is not hammered.
func (w *watchdog) run(ctx context.Context) error {
	w.logger.Info("connection watchdog started",
		slog.Duration("poll", w.cfg.Poll),
		slog.Duration("stale_after", w.cfg.StaleAfter),
	)

	for {
		if err := w.sleepFunc(ctx, w.cfg.Poll); err != nil {
			return nil
		}

		elapsed := w.conn.sinceLastEvent(w.nowFunc())
		if elapsed < w.cfg.StaleAfter {
			// Healthy tick: any previous probe failures are stale history.
			w.conn.resetFailures()

			continue
		}

		w.logger.Warn("subscription stale, probing directory service",
			slog.Duration("silent_for", elapsed),
		)

		if err := w.source.Probe(ctx, directory.CollectionCommunities); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			w.backOff(ctx, "probe failed", err)

			continue
		}

		// The service is reachable, so the silence was the subscription's
		// fault. Resync unconditionally: there is no way to know what the
		// dead subscription swallowed.
		if err := w.recoverFunc(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			w.backOff(ctx, "recovery failed", err)

			continue
		}

		w.conn.reset(w.nowFunc())
		w.logger.Info("connection recovered, subscriptions replaced")
	}
}

// backOff records one failure and waits the corresponding backoff.
func (w *watchdog) backOff(ctx context.Context, what string, err error) {
	failures := w.conn.recordFailure()
	wait := probeBackoff(failures, w.cfg.BackoffBase, w.cfg.BackoffCap)

	w.logger.Warn(what+", backing off",
		slog.String("error", err.Error()),
		slog.Int("consecutive_failures", failures),
		slog.Duration("backoff", wait),
	)

	_ = w.sleepFunc(ctx, wait)
}

// timeSleep waits for the given duration or until the context is canceled.
// Default sleepFunc for the watchdog and the supervisor.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
