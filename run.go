package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/resilive/edgegate/internal/acclog"
	"github.com/resilive/edgegate/internal/command"
	"github.com/resilive/edgegate/internal/config"
	"github.com/resilive/edgegate/internal/directory"
	"github.com/resilive/edgegate/internal/mirror"
	"github.com/resilive/edgegate/internal/reader"
	"github.com/resilive/edgegate/internal/relay"
	"github.com/resilive/edgegate/internal/resolver"
	"github.com/resilive/edgegate/internal/store"
)

// newRunCmd returns the daemon command, the normal mode of operation.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the gate controller daemon",
		Long:  "Mirrors the community directory, executes remote commands, and grants access from tag reads until interrupted.",
		RunE: func(_ *cobra.Command, _ []string) error {
			logger := buildLogger(resolvedCfg)
			ctx := shutdownContext(context.Background(), logger)

			return runDaemon(ctx, resolvedCfg, logger)
		},
	}
}

// mirrorSource adapts *directory.Client to mirror.Source. The client's
// Subscribe returns the concrete *directory.Subscription; the mirror wants
// its own Listener interface, and Go only converts the return type across
// an explicit call.
type mirrorSource struct {
	*directory.Client
}

func (s mirrorSource) Subscribe(ctx context.Context, collection string, filter *directory.Filter,
	onBatch func(changes []directory.Change)) (mirror.Listener, error) {
	sub, err := s.Client.Subscribe(ctx, collection, filter, onBatch)
	if err != nil {
		return nil, err
	}

	return sub, nil
}

// runDaemon wires every component from cfg and blocks until ctx is
// canceled. The mirror, the command channel, and the gate read loop run as
// one errgroup: a fatal error in any of them brings the whole daemon down
// so the service manager can restart it from a clean state.
func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("edgegate starting",
		slog.String("version", version),
		slog.String("community", cfg.Community),
		slog.String("device", cfg.Reader.Device),
		slog.String("db_path", cfg.Mirror.DBPath),
	)

	// The store opens the database file but not its parent directory.
	if err := os.MkdirAll(filepath.Dir(cfg.Mirror.DBPath), 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	st, err := store.New(cfg.Mirror.DBPath, logger)
	if err != nil {
		return fmt.Errorf("opening mirror store: %w", err)
	}
	defer st.Close()

	httpClient := defaultHTTPClient()
	dir := directory.NewClient(cfg.API.BaseURL, cfg.API.Key, httpClient, logger)

	rel, err := relay.New(relay.Config{
		Tool:        cfg.Relay.Tool,
		Args:        cfg.Relay.Args,
		BoardSerial: cfg.Relay.BoardSerial,
		BoardModel:  cfg.Relay.BoardModel,
		Relays:      cfg.RelayMap(),
		DefaultHold: cfg.Relay.HoldDuration(),
	}, logger)
	if err != nil {
		return fmt.Errorf("configuring relay controller: %w", err)
	}

	access := acclog.New(cfg.API.BaseURL, cfg.API.Key, cfg.Community, httpClient, logger)

	commands, err := command.NewChannel(command.Config{
		Community:     cfg.Community,
		Streets:       cfg.Streets(),
		DefaultStreet: cfg.DefaultStreet(),
		Hold:          cfg.Relay.HoldDuration(),
		PairingHold:   cfg.Relay.PairingHoldDuration(),
	}, rel, dir, access, logger)
	if err != nil {
		return fmt.Errorf("configuring command channel: %w", err)
	}

	super, err := mirror.NewSupervisor(mirror.Config{
		Source:    mirrorSource{dir},
		Store:     st,
		Commands:  commands,
		Community: cfg.Community,
		Watchdog: mirror.WatchdogConfig{
			Poll:       cfg.Mirror.WatchdogPollInterval(),
			StaleAfter: cfg.Mirror.WatchdogStaleAfterDuration(),
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("configuring mirror: %w", err)
	}

	res := resolver.New(st, resolver.DefaultTagLen, logger)

	serial := reader.NewSerialSource(reader.SerialConfig{
		Device:      cfg.Reader.Device,
		Baud:        cfg.Reader.Baud,
		ReadTimeout: cfg.Reader.ReadTimeoutDuration(),
	}, logger)
	defer serial.Close()

	gate, err := reader.NewGate(reader.GateConfig{
		Community:    cfg.Community,
		Sites:        cfg.Streets(),
		DenialStreet: cfg.DefaultStreet(),
		TagLen:       resolver.DefaultTagLen,
	}, serial, res, rel, access, logger)
	if err != nil {
		return fmt.Errorf("configuring gate: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return super.Run(ctx) })
	g.Go(func() error { return commands.Run(ctx) })
	g.Go(func() error { return gate.Run(ctx) })

	err = g.Wait()

	logger.Info("edgegate stopped")

	return err
}
