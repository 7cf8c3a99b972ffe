// Package harvest runs the websocket channel between the gateway and the
// browser-side harvester. The harvester pushes captured session snapshots
// and rotated tokens inbound; the gateway broadcasts refresh requests
// outbound when the credential pool runs dry.
package harvest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/sitzung-dev/sitzung/pkg/credential"
	"github.com/sitzung-dev/sitzung/pkg/observability"
)

// maxMessageSize bounds a single inbound frame. Harvest snapshots carry a
// full request body template, so the limit is generous.
const maxMessageSize = 10 << 20

// Options configures a Hub.
type Options struct {
	// Pool receives submitted harvests and token rotations.
	Pool *credential.Pool

	// JWTSecret is the HMAC secret harvester tokens are signed with.
	// Empty disables authentication.
	JWTSecret string

	Logger *slog.Logger
}

// Hub tracks connected harvester clients and relays messages between them
// and the credential pool. Its TriggerRefresh method satisfies
// upstream.RefreshFunc.
type Hub struct {
	pool   *credential.Pool
	secret string
	logger *slog.Logger

	mu    sync.Mutex
	conns map[*client]struct{}
}

// client wraps a websocket connection with a write lock. Gorilla
// connections allow only one concurrent writer; the hello reply comes from
// the read loop while refresh broadcasts come from request goroutines.
type client struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *client) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// NewHub creates a harvester hub bound to the given pool.
func NewHub(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		pool:   opts.Pool,
		secret: opts.JWTSecret,
		logger: logger,
		conns:  make(map[*client]struct{}),
	}
}

// ConnectionCount returns the number of connected harvester clients.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// TriggerRefresh broadcasts a refresh request to every connected harvester.
// With no clients connected it logs and returns; the requesting side times
// out waiting for a pool update instead.
func (h *Hub) TriggerRefresh(ctx context.Context) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		h.logger.Warn("refresh requested but no harvester is connected")
		return
	}

	msg := map[string]string{"type": "refresh_token"}
	for _, c := range targets {
		if err := c.writeJSON(msg); err != nil {
			h.logger.Warn("failed to send refresh request", "error", err)
			h.remove(c)
		}
	}
	h.logger.Info("refresh request broadcast", "clients", len(targets))
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	observability.HarvesterConnections.Inc()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.conns[c]
	if ok {
		delete(h.conns, c)
	}
	h.mu.Unlock()
	if ok {
		observability.HarvesterConnections.Dec()
		c.ws.Close()
	}
}

// inboundMessage is the envelope for every frame the harvester sends.
type inboundMessage struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	Token  string          `json:"token,omitempty"`
	Client string          `json:"client,omitempty"`
}
