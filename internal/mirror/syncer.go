// Package mirror keeps the local store converged with the remote directory.
// It consumes push subscriptions for low latency, runs full reconciliation
// passes to repair drift, and supervises connection health so a silently
// dead subscription never strands the gateway on stale data.
package mirror

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/resilive/edgegate/internal/directory"
	"github.com/resilive/edgegate/internal/store"
)

// Source is the remote directory surface the mirror consumes.
// Satisfied by *directory.Client via the wiring adapter in package main.
type Source interface {
	List(ctx context.Context, collection string) ([]directory.Document, error)
	Probe(ctx context.Context, collection string) error
	Subscribe(ctx context.Context, collection string, filter *directory.Filter,
		onBatch func(changes []directory.Change)) (Listener, error)
}

// Listener is a live subscription handle. Closing one is idempotent.
type Listener interface {
	ID() string
	Close() error
}

// Syncer converges the store with the remote community collection.
type Syncer struct {
	source    Source
	store     *store.Store
	validator *docValidator
	logger    *slog.Logger
}

// NewSyncer creates a Syncer. The document shape validator is compiled once
// here; validation findings are logged, never enforced.
func NewSyncer(source Source, st *store.Store, logger *slog.Logger) (*Syncer, error) {
	validator, err := newDocValidator()
	if err != nil {
		return nil, fmt.Errorf("mirror: compiling document schema: %w", err)
	}

	return &Syncer{
		source:    source,
		store:     st,
		validator: validator,
		logger:    logger,
	}, nil
}

// FullSync reconciles the mirror against the complete remote community set.
// The fetch must succeed in full before any write happens: a fetch error
// aborts the pass with the mirror untouched, so a flaky network can never
// masquerade as a mass deletion. Safe to re-run at any time.
func (s *Syncer) FullSync(ctx context.Context) error {
	docs, err := s.source.List(ctx, directory.CollectionCommunities)
	if err != nil {
		return fmt.Errorf("mirror: full sync fetch: %w", err)
	}

	snapshot := make([]store.Snapshot, 0, len(docs))
	for i := range docs {
		s.checkShape(docs[i].ID, docs[i].Data)
		snapshot = append(snapshot, store.Snapshot{ID: docs[i].ID, Data: docs[i].Data})
	}

	upserted, deleted, err := s.store.ApplySnapshot(ctx, snapshot)
	if err != nil {
		return fmt.Errorf("mirror: full sync apply: %w", err)
	}

	s.logger.Info("full sync complete",
		slog.Int("fetched", len(docs)),
		slog.Int("upserted", upserted),
		slog.Int("swept", deleted),
	)

	return nil
}

// Apply applies one push change to the mirror. Changes are idempotent and
// tolerate reordering: an upsert always lands the delivered document body,
// and removing an id that is already gone is a no-op.
func (s *Syncer) Apply(ctx context.Context, change directory.Change) error {
	switch change.Kind {
	case directory.ChangeAdded, directory.ChangeModified:
		s.checkShape(change.ID, change.Data)

		if err := s.store.Upsert(ctx, change.ID, change.Data); err != nil {
			return fmt.Errorf("mirror: applying %s for %s: %w", change.Kind, change.ID, err)
		}

	case directory.ChangeRemoved:
		if err := s.store.Delete(ctx, change.ID); err != nil {
			return fmt.Errorf("mirror: applying removal of %s: %w", change.ID, err)
		}

	default:
		s.logger.Warn("ignoring change with unknown kind",
			slog.String("kind", string(change.Kind)),
			slog.String("id", change.ID),
		)
	}

	return nil
}

// checkShape surfaces schema drift to the operator. The document is stored
// either way; the resolver skips anything it cannot decode, so an odd shape
// costs a log line, not an outage.
func (s *Syncer) checkShape(id string, data []byte) {
	if err := s.validator.validate(data); err != nil {
		s.logger.Warn("community document shape drift",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}
}
