// Package acclog reports access events to the ResiLIVE logging endpoint.
// Delivery is strictly best-effort: failures are logged locally and
// swallowed, so a dead logging service can never slow or block a gate
// decision.
package acclog

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultPlayer attributes events that have no resolved person.
const DefaultPlayer = "Cloud"

// requestTimeout bounds each POST independently of the caller's context.
const requestTimeout = 3 * time.Second

const userAgent = "edgegate/0.1"

// Client posts access events. Safe for concurrent use.
type Client struct {
	endpoint   string
	apiKey     string
	community  string
	httpClient *http.Client
	logger     *slog.Logger
}

// event is the wire payload for POST /log-access.
type event struct {
	Community string `json:"community"`
	Player    string `json:"player"`
	Action    string `json:"action"`
	Address   string `json:"address,omitempty"`
}

// New creates a Client posting to <baseURL>/log-access on behalf of
// community. A nil httpClient gets a default one; the per-request timeout
// is applied either way.
func New(baseURL, apiKey, community string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		endpoint:   strings.TrimRight(baseURL, "/") + "/log-access",
		apiKey:     apiKey,
		community:  community,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Log posts one access event. An empty player becomes "Cloud"; an empty
// address is omitted from the payload. Failures never propagate.
func (c *Client) Log(ctx context.Context, action, address, player string) {
	if player == "" {
		player = DefaultPlayer
	}

	body, err := json.Marshal(event{
		Community: c.community,
		Player:    player,
		Action:    action,
		Address:   address,
	})
	if err != nil {
		c.logger.Error("encoding access event", slog.String("error", err.Error()))
		return
	}

	rctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		c.logger.Error("building access log request", slog.String("error", err.Error()))
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("access log delivery failed",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)

		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("access log rejected",
			slog.String("action", action),
			slog.Int("status", resp.StatusCode),
			slog.String("body", strings.TrimSpace(string(snippet))),
		)

		return
	}

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Debug("access event logged",
		slog.String("action", action),
		slog.String("player", player),
	)
}
