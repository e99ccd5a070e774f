// Package websocket streams the dead letter archive to operators.
//
// Clients open a WebSocket connection to:
//
//	GET /v1/dead-letters/ws[?after=<item id>]
//
// Without after, the stream starts at the current end of the archive and only
// items archived later are pushed. With after, every item whose ID sorts
// after it is sent first. The server polls the archive every second.
//
// Server → client frame:
//
//	{"type":"dead_letter","item":{...}}
//
// Anything the client sends is ignored; a read error ends the stream.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/snehjoshi/eventrelay/internal/logging"
	"github.com/snehjoshi/eventrelay/internal/types"
)

// PollInterval is how often the archive is checked for new items.
var PollInterval = time.Second

// pageSize bounds the items read per poll.
const pageSize = 100

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin WebSocket upgrade requests.
	// A request is considered same-origin when its Origin header matches the
	// Host header (scheme-agnostic). Requests without an Origin header
	// (e.g. from native clients/curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		parsed, err := parseHost(origin)
		if err != nil {
			return false
		}
		return parsed == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Source lists archived items after a given ID. It is implemented by
// *pipeline.Pipeline.
type Source interface {
	DeadLettersSince(ctx context.Context, afterID string, limit int) ([]*types.Item, error)
}

// Handler serves the dead letter tail.
type Handler struct {
	Source Source
	Logger *zap.Logger
}

// Frame is the JSON structure the server sends to the client.
type Frame struct {
	Type string      `json:"type"` // "dead_letter"
	Item *types.Item `json:"item"`
}

// ServeHTTP upgrades the connection and starts the push loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := logging.OrNop(h.Logger)
	ctx := r.Context()

	cursor := r.URL.Query().Get("after")
	if cursor == "" {
		var err error
		if cursor, err = h.tail(ctx); err != nil {
			http.Error(w, "dead letter archive unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Drain client frames so close and ping control frames are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		next, ok := h.push(ctx, conn, cursor, logger)
		if !ok {
			return
		}
		cursor = next

		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case <-ticker.C:
		}
	}
}

// push sends every item after cursor and returns the new cursor. ok is false
// when the connection is no longer writable.
func (h *Handler) push(ctx context.Context, conn *gorillaws.Conn, cursor string, logger *zap.Logger) (string, bool) {
	for {
		items, err := h.Source.DeadLettersSince(ctx, cursor, pageSize)
		if err != nil {
			logger.Warn("dead letter tail poll failed", zap.Error(err))
			return cursor, true
		}
		for _, it := range items {
			data, _ := json.Marshal(Frame{Type: "dead_letter", Item: it})
			if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return cursor, false
			}
			cursor = it.ID
		}
		if len(items) < pageSize {
			return cursor, true
		}
	}
}

// tail returns the ID of the newest archived item, or "" for an empty archive.
func (h *Handler) tail(ctx context.Context) (string, error) {
	cursor := ""
	for {
		items, err := h.Source.DeadLettersSince(ctx, cursor, pageSize)
		if err != nil {
			return "", err
		}
		if len(items) > 0 {
			cursor = items[len(items)-1].ID
		}
		if len(items) < pageSize {
			return cursor, nil
		}
	}
}
