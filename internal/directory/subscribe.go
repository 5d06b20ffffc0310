package directory

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// maxWatchMessageBytes raises the websocket read limit above the library
// default; a community document batch can exceed 32 KiB.
const maxWatchMessageBytes = 1 << 20

// Filter restricts a watch subscription to documents whose field equals
// value. The service applies it server side, so filtered subscriptions only
// carry matching documents over the wire.
type Filter struct {
	Field string
	Value string
}

// watchBatch mirrors one websocket frame from a watch subscription.
type watchBatch struct {
	Changes []Change `json:"changes"`
}

// Subscription is a live watch on a collection. The service delivers the
// current matching set as an initial added batch, then pushes incremental
// batches as documents change. A dead connection simply stops delivering;
// detecting that silence is the connection watchdog's job, not this type's.
type Subscription struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// Subscribe opens a watch on a collection and delivers change batches to
// onBatch from a dedicated reader goroutine. The callback must return
// quickly; slow consumers should enqueue and return. Delivery stops when
// ctx is canceled, Close is called, or the connection dies.
func (c *Client) Subscribe(
	ctx context.Context,
	collection string,
	filter *Filter,
	onBatch func(changes []Change),
) (*Subscription, error) {
	wsURL, err := c.watchURL(collection, filter)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: http.Header{apiKeyHeader: []string{c.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("directory: subscribing to %s: %w", collection, err)
	}

	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	conn.SetReadLimit(maxWatchMessageBytes)

	sub := &Subscription{
		id:     uuid.New().String(),
		conn:   conn,
		logger: c.logger,
		done:   make(chan struct{}),
	}

	c.logger.Info("subscription established",
		slog.String("collection", collection),
		slog.String("subscription_id", sub.id),
	)

	go sub.readLoop(ctx, collection, onBatch)

	return sub, nil
}

// watchURL builds the websocket endpoint for a collection watch,
// translating the client's HTTP base URL to the ws scheme.
func (c *Client) watchURL(collection string, filter *Filter) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("directory: parsing base URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("directory: unsupported scheme %q for watch", u.Scheme)
	}

	u.Path += "/" + url.PathEscape(collection) + "/watch"

	if filter != nil {
		q := u.Query()
		q.Set("field", filter.Field)
		q.Set("value", filter.Value)
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

// readLoop reads batches until the connection dies or ctx is canceled.
func (s *Subscription) readLoop(ctx context.Context, collection string, onBatch func(changes []Change)) {
	defer close(s.done)

	for {
		var batch watchBatch
		if err := wsjson.Read(ctx, s.conn, &batch); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || ctx.Err() != nil {
				s.logger.Debug("subscription closed",
					slog.String("collection", collection),
					slog.String("subscription_id", s.id),
				)
			} else {
				s.logger.Warn("subscription delivery stopped",
					slog.String("collection", collection),
					slog.String("subscription_id", s.id),
					slog.String("error", err.Error()),
				)
			}

			return
		}

		if len(batch.Changes) == 0 {
			continue
		}

		onBatch(batch.Changes)
	}
}

// ID returns the handle identity of this subscription, used to correlate
// teardown-and-replace cycles in logs.
func (s *Subscription) ID() string {
	return s.id
}

// Done is closed when the reader goroutine exits.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close tears the subscription down. Safe to call more than once and safe
// to call concurrently with delivery; the reader goroutine exits on the
// closed connection.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close(websocket.StatusNormalClosure, "resubscribe")
	})

	return s.closeErr
}
