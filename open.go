package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/resilive/edgegate/internal/config"
	"github.com/resilive/edgegate/internal/relay"
)

// newOpenCmd returns the manual gate actuation command.
func newOpenCmd() *cobra.Command {
	var holdFor time.Duration

	cmd := &cobra.Command{
		Use:   "open <street>",
		Short: "Pulse a street's gate relay",
		Long:  "Manually opens the gate for a configured street. Intended for installation checks; the access is not logged upstream.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := buildLogger(resolvedCfg)
			// The relay switches off even when the hold is interrupted, so a
			// Ctrl-C during the hold cannot leave the gate stuck open.
			ctx := shutdownContext(cmd.Context(), logger)

			return runOpen(ctx, resolvedCfg, args[0], holdFor, logger)
		},
	}

	cmd.Flags().DurationVar(&holdFor, "hold", 0, "how long to hold the gate open (default: relay.hold from config)")

	return cmd
}

func runOpen(ctx context.Context, cfg *config.Config, street string, hold time.Duration,
	logger *slog.Logger) error {
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

	if err := rel.Open(ctx, street, hold); err != nil {
		if errors.Is(err, relay.ErrUnknownSite) {
			return fmt.Errorf("unknown street %q (configured: %s)",
				street, strings.Join(cfg.Streets(), ", "))
		}

		return err
	}

	return nil
}
