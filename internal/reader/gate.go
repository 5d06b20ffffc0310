// Package reader runs the physical gate: it consumes raw credential frames
// from the serial reader, resolves them against the local mirror, and
// pulses the matching site's relay. Decisions never wait on the network;
// the upstream access log is told afterwards, best effort.
package reader

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// actuationTimeout bounds one relay pulse on a local read.
const actuationTimeout = 30 * time.Second

// LineSource yields raw reader transmissions. Satisfied by *SerialSource.
type LineSource interface {
	ReadLine(ctx context.Context) (string, error)
}

// Resolver decides whether a tag may enter. Satisfied by *resolver.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, tag, community, street string) (username string, ok bool)
}

// Actuator pulses a site's relay. Satisfied by *relay.Controller.
type Actuator interface {
	Open(ctx context.Context, site string, hold time.Duration) error
}

// AccessLogger reports access events upstream. Satisfied by *acclog.Client.
type AccessLogger interface {
	Log(ctx context.Context, action, address, player string)
}

// GateConfig holds the options for NewGate.
type GateConfig struct {
	Community    string
	Sites        []string // streets in resolution priority order; first match wins
	DenialStreet string   // street reported on denied reads
	TagLen       int      // total frame credential length including the sentinel
}

// Gate is the blocking read-validate-actuate loop.
type Gate struct {
	cfg      GateConfig
	source   LineSource
	resolver Resolver
	actuator Actuator
	acclog   AccessLogger
	logger   *slog.Logger
}

// NewGate wires a Gate. All collaborators are required.
func NewGate(cfg GateConfig, source LineSource, res Resolver, actuator Actuator,
	accessLog AccessLogger, logger *slog.Logger) (*Gate, error) {
	if cfg.Community == "" {
		return nil, errors.New("reader: community is required")
	}

	if len(cfg.Sites) == 0 {
		return nil, errors.New("reader: at least one site is required")
	}

	if cfg.TagLen <= 1 {
		return nil, errors.New("reader: tag length must exceed the sentinel")
	}

	if source == nil || res == nil || actuator == nil || accessLog == nil {
		return nil, errors.New("reader: source, resolver, actuator, and access logger are required")
	}

	if cfg.DenialStreet == "" {
		cfg.DenialStreet = cfg.Sites[len(cfg.Sites)-1]
	}

	return &Gate{
		cfg:      cfg,
		source:   source,
		resolver: res,
		actuator: actuator,
		acclog:   accessLog,
		logger:   logger,
	}, nil
}

// Run reads frames until ctx is canceled, returning nil on cancellation.
// Each valid frame is checked against the sites in priority order; the
// first site that accepts the tag gets its relay pulsed.
func (g *Gate) Run(ctx context.Context) error {
	g.logger.Info("gate read loop started",
		slog.String("community", g.cfg.Community),
		slog.Int("sites", len(g.cfg.Sites)),
	)

	for {
		line, err := g.source.ReadLine(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		tag, ok := ExtractTag(line, g.cfg.TagLen)
		if !ok {
			g.logger.Debug("skipping unusable frame", slog.Int("length", len(line)))
			continue
		}

		g.handleTag(ctx, tag)
	}
}

// handleTag grants against the first matching site or records a denial.
func (g *Gate) handleTag(ctx context.Context, tag string) {
	for _, street := range g.cfg.Sites {
		username, ok := g.resolver.Resolve(ctx, tag, g.cfg.Community, street)
		if !ok {
			continue
		}

		player := username
		if player == "" {
			player = "Unknown"
		}

		g.logger.Info("access granted",
			slog.String("tag", tag),
			slog.String("street", street),
			slog.String("player", player),
		)

		actx, cancel := context.WithTimeout(ctx, actuationTimeout)
		if err := g.actuator.Open(actx, street, 0); err != nil {
			g.logger.Error("relay actuation failed",
				slog.String("street", street),
				slog.String("error", err.Error()),
			)
		}
		cancel()

		g.acclog.Log(ctx, "Access granted via tag: "+tag, street, player)

		return
	}

	g.logger.Info("access denied", slog.String("tag", tag))
	g.acclog.Log(ctx, "Access denied, invalid tag: "+tag, g.cfg.DenialStreet, "Unknown")
}
