package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
)

// listPageSize is the page size requested from the list endpoint.
const listPageSize = 100

// listResponse mirrors the service's paged list response.
// Unexported; callers receive []Document.
type listResponse struct {
	Documents  []Document `json:"documents"`
	NextCursor string     `json:"nextCursor"`
}

// List fetches every document in a collection, following the cursor until
// the service reports no further pages. Any page failure fails the whole
// listing; callers must not act on a partial set.
func (c *Client) List(ctx context.Context, collection string) ([]Document, error) {
	var (
		docs   []Document
		cursor string
	)

	for {
		page, err := c.listPage(ctx, collection, cursor, listPageSize)
		if err != nil {
			return nil, err
		}

		docs = append(docs, page.Documents...)

		if page.NextCursor == "" {
			break
		}

		cursor = page.NextCursor
	}

	c.logger.Debug("listed collection",
		slog.String("collection", collection),
		slog.Int("documents", len(docs)),
	)

	return docs, nil
}

// listPage fetches a single page of a collection listing.
func (c *Client) listPage(ctx context.Context, collection, cursor string, limit int) (*listResponse, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))

	if cursor != "" {
		q.Set("cursor", cursor)
	}

	path := fmt.Sprintf("/%s?%s", url.PathEscape(collection), q.Encode())

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("directory: listing %s: %w", collection, err)
	}
	defer resp.Body.Close()

	var page listResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("directory: decoding %s page: %w", collection, err)
	}

	return &page, nil
}

// Probe performs the cheapest possible liveness check against a collection:
// a single-document fetch. A nil return means the service answered; the
// content of the answer does not matter.
func (c *Client) Probe(ctx context.Context, collection string) error {
	if _, err := c.listPage(ctx, collection, "", 1); err != nil {
		return fmt.Errorf("directory: probing %s: %w", collection, err)
	}

	return nil
}

// Remove deletes a document from a collection. A 404 counts as success:
// the document is gone either way, and command consumption must tolerate
// replays of ids that were already deleted.
func (c *Client) Remove(ctx context.Context, collection, id string) error {
	path := fmt.Sprintf("/%s/%s", url.PathEscape(collection), url.PathEscape(id))

	resp, err := c.Do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.logger.Debug("document already removed",
				slog.String("collection", collection),
				slog.String("id", id),
			)

			return nil
		}

		return fmt.Errorf("directory: removing %s/%s: %w", collection, id, err)
	}
	resp.Body.Close()

	return nil
}
