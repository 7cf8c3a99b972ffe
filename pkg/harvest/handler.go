package harvest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/sitzung-dev/sitzung/pkg/credential"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 20,
	WriteBufferSize: 1 << 20,
	// The harvester runs as a userscript inside the vendor web app, so
	// its Origin header is the vendor's, not ours.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler returns the HTTP handler that upgrades harvester connections.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h.authorize(r); err != nil {
			h.logger.Warn("harvester rejected", "error", err, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("websocket upgrade failed", "error", err)
			return
		}
		ws.SetReadLimit(maxMessageSize)

		c := &client{ws: ws}
		h.add(c)
		h.logger.Info("harvester connected", "remote", r.RemoteAddr)

		h.readLoop(c)

		h.remove(c)
		h.logger.Info("harvester disconnected", "remote", r.RemoteAddr)
	})
}

// authorize validates the harvester's JWT when a secret is configured.
// The token arrives either as a ?token= query parameter (browser websocket
// clients cannot set headers) or as a bearer header.
func (h *Hub) authorize(r *http.Request) error {
	if h.secret == "" {
		return nil
	}

	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		header := r.Header.Get("Authorization")
		tokenStr = strings.TrimPrefix(header, "Bearer ")
		if tokenStr == header {
			tokenStr = ""
		}
	}
	if tokenStr == "" {
		return fmt.Errorf("missing token")
	}

	_, err := jwtlib.Parse(tokenStr, func(t *jwtlib.Token) (any, error) {
		return []byte(h.secret), nil
	}, jwtlib.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	return nil
}

func (h *Hub) readLoop(c *client) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.logger.Warn("malformed harvester message", "error", err)
			continue
		}
		h.dispatch(c, &msg)
	}
}

func (h *Hub) dispatch(c *client, msg *inboundMessage) {
	switch msg.Type {
	case "credentials_harvested":
		var harvest credential.Harvest
		if err := json.Unmarshal(msg.Data, &harvest); err != nil {
			h.logger.Warn("unreadable harvest payload", "error", err)
			return
		}
		if err := h.pool.Submit(&harvest); err != nil {
			h.logger.Warn("harvest rejected", "error", err)
			return
		}
		h.logger.Info("harvest accepted", "pool_version", h.pool.Version())

	case "token_refreshed":
		if msg.Token == "" {
			h.logger.Warn("token_refreshed without token")
			return
		}
		if !h.pool.UpdateToken(msg.Token) {
			h.logger.Warn("token rotation had no slot to apply to")
			return
		}
		h.logger.Info("reauth token rotated", "pool_version", h.pool.Version())

	case "refresh_complete":
		h.logger.Info("harvester reported refresh complete")

	case "identify":
		h.logger.Info("harvester identified", "client", msg.Client)
		err := c.writeJSON(map[string]any{
			"type":        "hello",
			"message":     "Connection established",
			"server_time": float64(time.Now().UnixMilli()) / 1000.0,
		})
		if err != nil {
			h.logger.Warn("failed to send hello", "error", err)
		}

	default:
		h.logger.Debug("ignoring unknown harvester message", "type", msg.Type)
	}
}
