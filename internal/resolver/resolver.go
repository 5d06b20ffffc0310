// Package resolver answers credential authorization queries against the
// local mirror. Queries never touch the network and never fail: any record
// the resolver cannot read or decode is skipped, and the worst outcome of a
// corrupt mirror entry is a denied tag.
package resolver

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/resilive/edgegate/internal/directory"
	"github.com/resilive/edgegate/internal/store"
)

// DefaultTagLen is the raw credential frame length: a sentinel byte followed
// by the tag characters. Matching uses the first DefaultTagLen-1 characters.
const DefaultTagLen = 13

// Resolver scans mirrored community documents for credential matches.
type Resolver struct {
	store  *store.Store
	logger *slog.Logger
	tagLen int
}

// New creates a Resolver reading from st. tagLen <= 1 falls back to
// DefaultTagLen.
func New(st *store.Store, tagLen int, logger *slog.Logger) *Resolver {
	if tagLen <= 1 {
		tagLen = DefaultTagLen
	}

	return &Resolver{
		store:  st,
		logger: logger,
		tagLen: tagLen,
	}
}

// Normalize canonicalizes a raw tag for matching: surrounding whitespace
// stripped, characters uppercased.
func Normalize(tag string) string {
	return strings.ToUpper(strings.TrimSpace(tag))
}

// Resolve reports whether tag is authorized for the community, considering
// the community-wide allow list first and then the people registered at
// street. The returned username is empty when the match came from a bare
// string entry, which carries no identity.
func (r *Resolver) Resolve(ctx context.Context, tag, community, street string) (string, bool) {
	tag = Normalize(tag)
	if tag == "" {
		return "", false
	}

	records, err := r.store.List(ctx)
	if err != nil {
		r.logger.Warn("authorization scan failed, denying tag",
			slog.String("error", err.Error()),
		)

		return "", false
	}

	community = norm.NFC.String(community)
	street = norm.NFC.String(street)

	for _, rec := range records {
		var doc directory.Community
		if err := json.Unmarshal(rec.Data, &doc); err != nil {
			r.logger.Debug("skipping undecodable record",
				slog.String("id", rec.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		if norm.NFC.String(doc.Name) != community {
			continue
		}

		if username, ok := r.matchEntrants(doc.AllowedUsers, tag); ok {
			return username, true
		}

		for i := range doc.Addresses {
			if norm.NFC.String(doc.Addresses[i].Street) != street {
				continue
			}

			if username, ok := r.matchEntrants(doc.Addresses[i].People, tag); ok {
				return username, true
			}
		}
	}

	return "", false
}

// IsValid reports whether tag is authorized, discarding the identity.
func (r *Resolver) IsValid(ctx context.Context, tag, community, street string) bool {
	_, ok := r.Resolve(ctx, tag, community, street)

	return ok
}

// matchEntrants scans one entrant list for a tag match. First match wins.
func (r *Resolver) matchEntrants(entrants []directory.Entrant, tag string) (string, bool) {
	for i := range entrants {
		if r.matches(entrants[i].ID, tag) || r.matches(entrants[i].PlayerID, tag) {
			return entrants[i].Username, true
		}
	}

	return "", false
}

// matches compares a stored identifier against the queried tag,
// case-insensitively. Both sides truncate to tagLen-1 characters and must
// then be equal, so the final character of a full-length identifier never
// participates in matching.
func (r *Resolver) matches(candidate, tag string) bool {
	if candidate == "" {
		return false
	}

	return r.prefix(strings.ToUpper(candidate)) == r.prefix(tag)
}

// prefix truncates s to the match length.
func (r *Resolver) prefix(s string) string {
	if n := r.tagLen - 1; len(s) > n {
		return s[:n]
	}

	return s
}
