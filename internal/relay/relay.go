// Package relay pulses gate relays through an external command-line relay
// tool. Each pulse is on, hold, off; the off command always runs once the
// relay has been switched on, even when the hold is cut short by
// cancellation, so a gate can never stay latched open.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DefaultHold is how long a relay stays on when the caller does not say.
const DefaultHold = 500 * time.Millisecond

// offTimeout bounds the off command independently of the caller's context.
const offTimeout = 10 * time.Second

// ErrUnknownSite is returned when no relay is configured for a site.
var ErrUnknownSite = errors.New("relay: unknown site")

// Config holds the relay tool invocation and the site wiring.
type Config struct {
	Tool        string         // relay tool binary, e.g. "java"
	Args        []string       // leading arguments, e.g. ["-jar", "/opt/relaytool.jar"]
	BoardSerial string         // relay board serial number
	BoardModel  string         // relay board model identifier
	Relays      map[string]int // site street -> relay number
	DefaultHold time.Duration  // 0 -> DefaultHold
}

// Controller drives the relay board. Safe for concurrent use; the board
// tool serializes at the USB level.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	// Injectable for tests.
	runFunc  func(ctx context.Context, name string, args ...string) ([]byte, error)
	holdFunc func(ctx context.Context, d time.Duration) error
}

// New validates cfg and returns a Controller.
func New(cfg Config, logger *slog.Logger) (*Controller, error) {
	if cfg.Tool == "" {
		return nil, errors.New("relay: tool path is required")
	}

	if cfg.BoardSerial == "" || cfg.BoardModel == "" {
		return nil, errors.New("relay: board serial and model are required")
	}

	if len(cfg.Relays) == 0 {
		return nil, errors.New("relay: at least one site relay mapping is required")
	}

	if cfg.DefaultHold <= 0 {
		cfg.DefaultHold = DefaultHold
	}

	return &Controller{
		cfg:      cfg,
		logger:   logger,
		runFunc:  runTool,
		holdFunc: timeSleep,
	}, nil
}

// Open pulses the relay mapped to site: on, hold, off. A hold of zero or
// less uses the configured default. The on command runs under the caller's
// context; the off command runs regardless of cancellation once the relay
// is on.
func (c *Controller) Open(ctx context.Context, site string, hold time.Duration) error {
	relayNum, ok := c.cfg.Relays[site]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSite, site)
	}

	if hold <= 0 {
		hold = c.cfg.DefaultHold
	}

	c.logger.Info("pulsing relay",
		slog.String("site", site),
		slog.Int("relay", relayNum),
		slog.Duration("hold", hold),
	)

	if err := c.setState(ctx, relayNum, true); err != nil {
		return err
	}

	holdErr := c.holdFunc(ctx, hold)

	offCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), offTimeout)
	defer cancel()

	if err := c.setState(offCtx, relayNum, false); err != nil {
		return err
	}

	if holdErr != nil {
		return fmt.Errorf("relay: hold interrupted: %w", holdErr)
	}

	return nil
}

// Sites returns the streets with a configured relay.
func (c *Controller) Sites() []string {
	sites := make([]string, 0, len(c.cfg.Relays))
	for site := range c.cfg.Relays {
		sites = append(sites, site)
	}

	return sites
}

// setState runs the relay tool: <tool> <args...> <serial> <model> <relay> <1|0>.
func (c *Controller) setState(ctx context.Context, relayNum int, on bool) error {
	state := "0"
	if on {
		state = "1"
	}

	args := make([]string, 0, len(c.cfg.Args)+4)
	args = append(args, c.cfg.Args...)
	args = append(args, c.cfg.BoardSerial, c.cfg.BoardModel, strconv.Itoa(relayNum), state)

	out, err := c.runFunc(ctx, c.cfg.Tool, args...)
	if err != nil {
		return fmt.Errorf("relay: switching relay %d to %s: %w (output: %q)",
			relayNum, state, err, strings.TrimSpace(string(out)))
	}

	return nil
}

// runTool executes the relay tool and captures combined output for error
// reporting.
func runTool(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// timeSleep waits for the given duration or until the context is canceled.
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
