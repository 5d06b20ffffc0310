// Package command consumes remote gate commands addressed to this
// community. Deliveries are enqueued by the subscription callback and
// processed one at a time on a dedicated worker, so a hanging relay board
// can never stall event delivery. A consumed command document is deleted
// strictly after the actuation attempt: a crash between the two replays the
// command instead of losing it. Ids whose delete succeeded are remembered
// in memory, so a duplicate delivery of an already-deleted command is
// skipped rather than executed twice.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/resilive/edgegate/internal/directory"
)

// DefaultPairingHold is how long pairing mode keeps the gate open.
const DefaultPairingHold = 10 * time.Second

const (
	defaultActuationTimeout = 30 * time.Second
	defaultQueueSize        = 64

	// consumedMemory caps how many deleted command ids are remembered for
	// duplicate suppression. Commands are rare; the ring exists so a daemon
	// running for months cannot grow without bound.
	consumedMemory = 1024
)

// Actuator pulses a site's relay. Satisfied by *relay.Controller.
type Actuator interface {
	Open(ctx context.Context, site string, hold time.Duration) error
}

// Remover deletes consumed command documents. Satisfied by
// *directory.Client, whose Remove treats an already-deleted id as success.
type Remover interface {
	Remove(ctx context.Context, collection, id string) error
}

// AccessLogger reports granted access upstream. Satisfied by *acclog.Client.
type AccessLogger interface {
	Log(ctx context.Context, action, address, player string)
}

// Config holds the options for NewChannel.
type Config struct {
	Community        string        // commands naming another community are ignored
	Streets          []string      // valid address values
	DefaultStreet    string        // used when a command carries no address
	Hold             time.Duration // open_gate hold; 0 uses the relay default
	PairingHold      time.Duration // 0 -> DefaultPairingHold
	ActuationTimeout time.Duration // per-command relay deadline; 0 -> 30s
	QueueSize        int           // 0 -> 64
}

func (c Config) withDefaults() Config {
	if c.PairingHold <= 0 {
		c.PairingHold = DefaultPairingHold
	}

	if c.ActuationTimeout <= 0 {
		c.ActuationTimeout = defaultActuationTimeout
	}

	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}

	return c
}

// Channel validates and executes remote commands.
type Channel struct {
	cfg      Config
	actuator Actuator
	remover  Remover
	acclog   AccessLogger
	queue    chan directory.Change
	logger   *slog.Logger

	// Consumed-id memory, touched only by the worker goroutine.
	consumed    map[string]bool
	consumedLog []string
	consumedPos int
}

// NewChannel wires a Channel. All collaborators are required.
func NewChannel(cfg Config, actuator Actuator, remover Remover, accessLog AccessLogger,
	logger *slog.Logger) (*Channel, error) {
	if cfg.Community == "" {
		return nil, errors.New("command: community is required")
	}

	if cfg.DefaultStreet == "" {
		return nil, errors.New("command: default street is required")
	}

	if actuator == nil || remover == nil || accessLog == nil {
		return nil, errors.New("command: actuator, remover, and access logger are required")
	}

	cfg = cfg.withDefaults()

	return &Channel{
		cfg:      cfg,
		actuator: actuator,
		remover:  remover,
		acclog:   accessLog,
		queue:    make(chan directory.Change, cfg.QueueSize),
		logger:   logger,
		consumed: make(map[string]bool),
	}, nil
}

// HandleBatch enqueues newly added commands. It never blocks: a command
// dropped on a full queue is not lost, its document stays in the collection
// and is redelivered when the subscription is replaced.
func (c *Channel) HandleBatch(changes []directory.Change) {
	for _, change := range changes {
		if change.Kind != directory.ChangeAdded {
			continue
		}

		select {
		case c.queue <- change:
		default:
			c.logger.Warn("command queue full, dropping delivery",
				slog.String("id", change.ID),
			)
		}
	}
}

// Run processes queued commands until ctx is canceled, returning nil.
func (c *Channel) Run(ctx context.Context) error {
	c.logger.Info("command worker started",
		slog.String("community", c.cfg.Community),
		slog.String("default_street", c.cfg.DefaultStreet),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case change := <-c.queue:
			c.process(ctx, change)
		}
	}
}

// process validates one command and walks it through actuation and deletion.
func (c *Channel) process(ctx context.Context, change directory.Change) {
	if c.consumed[change.ID] {
		c.logger.Debug("skipping already-consumed command",
			slog.String("id", change.ID),
		)

		return
	}

	var rec directory.CommandRecord
	if err := json.Unmarshal(change.Data, &rec); err != nil {
		c.logger.Warn("deleting undecodable command",
			slog.String("id", change.ID),
			slog.String("error", err.Error()),
		)
		c.discard(ctx, change.ID)

		return
	}

	// The subscription is server-filtered, but a freshly replaced listener
	// can deliver a brief unfiltered burst. Foreign commands are left for
	// their own gateway.
	if rec.Community != c.cfg.Community {
		c.logger.Debug("ignoring command for another community",
			slog.String("id", change.ID),
			slog.String("community", rec.Community),
		)

		return
	}

	if rec.Command != directory.CommandOpenGate && rec.Command != directory.CommandPairingMode {
		c.logger.Warn("deleting command with unknown type",
			slog.String("id", change.ID),
			slog.String("command", rec.Command),
		)
		c.discard(ctx, change.ID)

		return
	}

	address := strings.TrimSpace(rec.Address)

	switch {
	case address == "":
		address = c.cfg.DefaultStreet
	case !c.validStreet(address):
		c.logger.Warn("deleting command with unknown address",
			slog.String("id", change.ID),
			slog.String("address", address),
		)
		c.discard(ctx, change.ID)

		return
	}

	c.actuate(ctx, rec.Command, address)
	c.discard(ctx, change.ID)
}

// actuate pulses the relay for a validated command and, for pairing mode,
// reports the grant. The report goes out even when the relay failed, same
// as a local read: the attempt is what the audit trail records.
func (c *Channel) actuate(ctx context.Context, kind, address string) {
	hold := c.cfg.Hold
	if kind == directory.CommandPairingMode {
		hold = c.cfg.PairingHold
	}

	c.logger.Info("executing remote command",
		slog.String("command", kind),
		slog.String("address", address),
		slog.Duration("hold", hold),
	)

	actx, cancel := context.WithTimeout(ctx, c.cfg.ActuationTimeout)
	defer cancel()

	if err := c.actuator.Open(actx, address, hold); err != nil {
		c.logger.Error("relay actuation failed",
			slog.String("command", kind),
			slog.String("address", address),
			slog.String("error", err.Error()),
		)
	}

	if kind == directory.CommandPairingMode {
		c.acclog.Log(ctx, "Access granted (Remote)", address, "")
	}
}

// discard deletes a consumed command document. Only ids whose delete
// succeeded are marked consumed: a failed delete leaves the document in the
// collection, and the redelivery after the next subscription replacement
// must execute it.
func (c *Channel) discard(ctx context.Context, id string) {
	if err := c.remover.Remove(ctx, directory.CollectionCommands, id); err != nil {
		c.logger.Error("failed to delete consumed command",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)

		return
	}

	c.markConsumed(id)
}

// markConsumed records a deleted command id, evicting the oldest entry once
// the memory is full.
func (c *Channel) markConsumed(id string) {
	if c.consumed[id] {
		return
	}

	if len(c.consumedLog) < consumedMemory {
		c.consumedLog = append(c.consumedLog, id)
	} else {
		delete(c.consumed, c.consumedLog[c.consumedPos])
		c.consumedLog[c.consumedPos] = id
		c.consumedPos = (c.consumedPos + 1) % consumedMemory
	}

	c.consumed[id] = true
}

func (c *Channel) validStreet(address string) bool {
	for _, street := range c.cfg.Streets {
		if address == street {
			return true
		}
	}

	return false
}
