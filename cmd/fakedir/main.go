// Command fakedir runs a stub of the ResiLIVE directory service for local
// development. It serves collections from memory, streams watch batches
// over websockets, and prints access log posts, so a gateway can be
// exercised end to end on a workstation:
//
//	fakedir -seed communities.json
//	edgegate run --config dev.toml
//	curl -XPOST localhost:8080/commands -d '{"community":"Transcore","command":"open_gate"}'
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"syscall"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/resilive/edgegate/internal/directory"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "listen address")
	seedPath := flag.String("seed", "", "JSON seed file: array of {id, data} community documents")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	srv := newServer(logger)

	if *seedPath != "" {
		if err := srv.loadSeed(*seedPath); err != nil {
			logger.Error("loading seed file", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	httpSrv := &http.Server{Addr: *addr, Handler: srv.routes()}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		httpSrv.Close()
	}()

	logger.Info("fakedir listening", slog.String("addr", *addr))

	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// batch mirrors the wire shape of one watch frame.
type batch struct {
	Changes []directory.Change `json:"changes"`
}

// subscriber is one live watch connection. Batches are dropped rather than
// queued when the connection cannot keep up, the same as the real service.
type subscriber struct {
	collection string
	field      string
	value      string
	ch         chan batch
}

type server struct {
	logger *slog.Logger

	mu   sync.Mutex
	docs map[string]map[string]directory.Document // collection -> id -> document
	subs map[*subscriber]struct{}
}

func newServer(logger *slog.Logger) *server {
	return &server{
		logger: logger,
		docs:   map[string]map[string]directory.Document{},
		subs:   map[*subscriber]struct{}{},
	}
}

// loadSeed reads the community collection from a JSON file.
func (s *server) loadSeed(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var docs []directory.Document
	if err := json.Unmarshal(raw, &docs); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll := map[string]directory.Document{}
	for _, doc := range docs {
		if doc.ID == "" {
			doc.ID = uuid.NewString()
		}

		coll[doc.ID] = doc
	}

	s.docs[directory.CollectionCommunities] = coll

	s.logger.Info("seed loaded",
		slog.String("path", path),
		slog.Int("documents", len(coll)),
	)

	return nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /log-access", s.handleLogAccess)
	mux.HandleFunc("GET /{collection}/watch", s.handleWatch)
	mux.HandleFunc("GET /{collection}", s.handleList)
	mux.HandleFunc("POST /{collection}", s.handleCreate)
	mux.HandleFunc("DELETE /{collection}/{id}", s.handleDelete)

	return mux
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")

	s.mu.Lock()
	docs := make([]directory.Document, 0, len(s.docs[collection]))
	for _, doc := range s.docs[collection] {
		docs = append(docs, doc)
	}
	s.mu.Unlock()

	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })

	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit < len(docs) {
		docs = docs[:limit]
	}

	page := struct {
		Documents  []directory.Document `json:"documents"`
		NextCursor string               `json:"nextCursor"`
	}{Documents: docs}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(page)
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")

	var data json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	doc := directory.Document{ID: uuid.NewString(), Data: data}

	s.mu.Lock()
	if s.docs[collection] == nil {
		s.docs[collection] = map[string]directory.Document{}
	}
	s.docs[collection][doc.ID] = doc
	s.mu.Unlock()

	s.logger.Info("document created",
		slog.String("collection", collection),
		slog.String("id", doc.ID),
	)

	s.broadcast(collection, directory.Change{
		Kind: directory.ChangeAdded,
		ID:   doc.ID,
		Data: doc.Data,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": doc.ID})
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	id := r.PathValue("id")

	s.mu.Lock()
	_, existed := s.docs[collection][id]
	delete(s.docs[collection], id)
	s.mu.Unlock()

	if !existed {
		http.Error(w, "not found", http.StatusNotFound)

		return
	}

	s.logger.Info("document deleted",
		slog.String("collection", collection),
		slog.String("id", id),
	)

	s.broadcast(collection, directory.Change{Kind: directory.ChangeRemoved, ID: id})

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleLogAccess(w http.ResponseWriter, r *http.Request) {
	var event struct {
		Community string `json:"community"`
		Player    string `json:"player"`
		Action    string `json:"action"`
		Address   string `json:"address"`
	}

	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	s.logger.Info("access event",
		slog.String("community", event.Community),
		slog.String("player", event.Player),
		slog.String("action", event.Action),
		slog.String("address", event.Address),
	)

	w.WriteHeader(http.StatusOK)
}

func (s *server) handleWatch(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	sub := &subscriber{
		collection: collection,
		field:      r.URL.Query().Get("field"),
		value:      r.URL.Query().Get("value"),
		ch:         make(chan batch, 16),
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))

		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "server shutting down")

	// The current matching set goes out as one initial added batch.
	s.mu.Lock()
	var initial batch
	for _, doc := range s.docs[collection] {
		if matches(doc.Data, sub.field, sub.value) {
			initial.Changes = append(initial.Changes, directory.Change{
				Kind: directory.ChangeAdded,
				ID:   doc.ID,
				Data: doc.Data,
			})
		}
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}()

	s.logger.Info("watch opened",
		slog.String("collection", collection),
		slog.String("field", sub.field),
		slog.String("value", sub.value),
	)

	ctx := r.Context()

	if len(initial.Changes) > 0 {
		if err := wsjson.Write(ctx, conn, initial); err != nil {
			return
		}
	}

	for {
		select {
		case b := <-sub.ch:
			if err := wsjson.Write(ctx, conn, b); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// broadcast fans one change out to every matching subscriber.
func (s *server) broadcast(collection string, c directory.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sub := range s.subs {
		if sub.collection != collection {
			continue
		}

		if c.Kind != directory.ChangeRemoved && !matches(c.Data, sub.field, sub.value) {
			continue
		}

		select {
		case sub.ch <- batch{Changes: []directory.Change{c}}:
		default:
			s.logger.Warn("subscriber too slow, batch dropped",
				slog.String("collection", collection),
			)
		}
	}
}

// matches reports whether the document's top-level field equals value.
// An empty field matches everything.
func matches(data json.RawMessage, field, value string) bool {
	if field == "" {
		return true
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}

	return fmt.Sprint(doc[field]) == value
}
