package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/resilive/edgegate/internal/directory"
	"github.com/resilive/edgegate/internal/store"
)

// defaultQueueSize bounds the change intake queue. Push deliveries
// outpacing the store briefly is fine; unbounded buffering in the socket
// reader is not.
const defaultQueueSize = 256

// CommandSink receives command-collection changes as they arrive on the
// push subscription. Satisfied by *command.Channel. Implementations must
// not block: they run on the subscription's read goroutine.
type CommandSink interface {
	HandleBatch(changes []directory.Change)
}

// Config holds the options for NewSupervisor. Uses a struct because the
// supervisor touches every long-lived component of the daemon.
type Config struct {
	Source    Source       // satisfied by *directory.Client via the wiring adapter in package main
	Store     *store.Store // local mirror storage
	Commands  CommandSink  // optional: command deliveries are dropped when nil
	Community string       // community whose commands this gateway consumes
	QueueSize int          // change intake buffer (0 → 256)
	Watchdog  WatchdogConfig
	Logger    *slog.Logger
}

// Supervisor owns the mirror machinery: the initial full sync, both push
// subscriptions, the change intake queue, and the watchdog that replaces
// the connection when it goes quiet.
type Supervisor struct {
	source    Source
	syncer    *Syncer
	commands  CommandSink
	community string
	conn      *connState
	dog       *watchdog
	events    chan directory.Change
	logger    *slog.Logger

	nowFunc func() time.Time

	subsMu       sync.Mutex
	communitySub Listener
	commandSub   Listener
}

// NewSupervisor wires a Supervisor from cfg. The store and source must be
// ready for use; the supervisor does not own their lifecycles.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	if cfg.Source == nil {
		return nil, errors.New("mirror: supervisor requires a source")
	}

	if cfg.Store == nil {
		return nil, errors.New("mirror: supervisor requires a store")
	}

	if cfg.Community == "" {
		return nil, errors.New("mirror: supervisor requires a community name")
	}

	syncer, err := NewSyncer(cfg.Source, cfg.Store, cfg.Logger)
	if err != nil {
		return nil, err
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	s := &Supervisor{
		source:    cfg.Source,
		syncer:    syncer,
		commands:  cfg.Commands,
		community: cfg.Community,
		conn:      newConnState(time.Now()),
		events:    make(chan directory.Change, queueSize),
		logger:    cfg.Logger,
		nowFunc:   time.Now,
	}

	s.dog = newWatchdog(cfg.Watchdog, s.conn, cfg.Source, s.recoverConnection, cfg.Logger)

	return s, nil
}

// Run brings the mirror online and blocks until ctx is canceled:
//  1. Full sync so the mirror is complete before anything consults it
//  2. Subscribe to community and command changes
//  3. Consume changes and run the watchdog until shutdown
//
// A failure in step 1 or 2 is fatal: the daemon must not serve access
// decisions from a mirror it never managed to populate. Once running,
// failures are handled by the watchdog instead of being returned.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("directory mirror starting",
		slog.String("community", s.community),
	)

	if err := s.syncer.FullSync(ctx); err != nil {
		return fmt.Errorf("mirror: initial full sync: %w", err)
	}

	if err := s.subscribeAll(ctx); err != nil {
		return fmt.Errorf("mirror: initial subscribe: %w", err)
	}

	defer s.closeSubscriptions()

	// Recency dates from the moment subscriptions exist, not construction.
	s.conn.reset(s.nowFunc())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.consume(gctx) })
	g.Go(func() error { return s.dog.run(gctx) })

	return g.Wait()
}

// consume applies mirrored changes in arrival order. Apply failures are
// logged and skipped; the next full sync repairs any divergence they leave.
func (s *Supervisor) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case change := <-s.events:
			if err := s.syncer.Apply(ctx, change); err != nil {
				s.logger.Error("failed to apply directory change",
					slog.String("id", change.ID),
					slog.String("kind", string(change.Kind)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// enqueue pushes changes into the intake queue, blocking when it is full.
func (s *Supervisor) enqueue(ctx context.Context, changes []directory.Change) {
	for _, change := range changes {
		select {
		case <-ctx.Done():
			return
		case s.events <- change:
		}
	}
}

// subscribeAll opens both push subscriptions. Community deliveries feed
// the intake queue and refresh connection recency; command deliveries go
// straight to the command sink, which does its own queueing. Only
// community traffic counts as proof of life: the command stream is
// filtered down to one community and can be legitimately silent for days.
func (s *Supervisor) subscribeAll(ctx context.Context) error {
	communitySub, err := s.source.Subscribe(ctx, directory.CollectionCommunities, nil,
		func(changes []directory.Change) {
			s.conn.markAlive(s.nowFunc())
			s.enqueue(ctx, changes)
		})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", directory.CollectionCommunities, err)
	}

	filter := &directory.Filter{Field: "community", Value: s.community}

	commandSub, err := s.source.Subscribe(ctx, directory.CollectionCommands, filter,
		func(changes []directory.Change) {
			if s.commands != nil {
				s.commands.HandleBatch(changes)
			}
		})
	if err != nil {
		if closeErr := communitySub.Close(); closeErr != nil {
			s.logger.Debug("closing community subscription after failed command subscribe",
				slog.String("error", closeErr.Error()),
			)
		}

		return fmt.Errorf("subscribing to %s: %w", directory.CollectionCommands, err)
	}

	s.subsMu.Lock()
	s.communitySub = communitySub
	s.commandSub = commandSub
	s.subsMu.Unlock()

	s.logger.Info("push subscriptions established",
		slog.String("community_subscription", communitySub.ID()),
		slog.String("command_subscription", commandSub.ID()),
	)

	return nil
}

// closeSubscriptions tears down whichever subscriptions are currently held.
func (s *Supervisor) closeSubscriptions() {
	s.subsMu.Lock()
	subs := []Listener{s.communitySub, s.commandSub}
	s.communitySub = nil
	s.commandSub = nil
	s.subsMu.Unlock()

	for _, sub := range subs {
		if sub == nil {
			continue
		}

		if err := sub.Close(); err != nil {
			s.logger.Debug("closing subscription",
				slog.String("subscription", sub.ID()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// recoverConnection is the watchdog's recovery path. The full sync runs
// first: if the directory service cannot serve a complete listing, the
// suspect subscriptions stay in place and the watchdog retries later. Only
// once the mirror is known complete are the subscriptions replaced. Both
// are replaced together even if only one looked dead; they share a
// transport, so neither is trusted once either goes quiet.
func (s *Supervisor) recoverConnection(ctx context.Context) error {
	if err := s.syncer.FullSync(ctx); err != nil {
		return fmt.Errorf("recovery full sync: %w", err)
	}

	s.subsMu.Lock()
	oldCommunity, oldCommand := s.communitySub, s.commandSub
	s.subsMu.Unlock()

	s.logger.Info("discarding stale subscriptions",
		slog.String("community_subscription", idOf(oldCommunity)),
		slog.String("command_subscription", idOf(oldCommand)),
	)

	s.closeSubscriptions()

	return s.subscribeAll(ctx)
}

// idOf reports a Listener's ID, tolerating nil for logging.
func idOf(sub Listener) string {
	if sub == nil {
		return "none"
	}

	return sub.ID()
}
