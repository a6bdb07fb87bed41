package websocket

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"joybridge/internal/config"
	"joybridge/internal/hub"
	"joybridge/pkg/types"
)

// Handler upgrades HTTP requests to event-channel connections and pumps
// inbound envelopes into the hub.
type Handler struct {
	hub      *hub.Hub
	cfg      config.WebSocketConfig
	upgrader websocket.Upgrader
}

// NewHandler creates the websocket endpoint handler.
func NewHandler(h *hub.Hub, cfg config.WebSocketConfig) *Handler {
	return &Handler{
		hub: h,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Components connect from arbitrary origins (local trackers,
			// classroom dashboards); authentication is out of channel scope.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the read pump until the peer goes
// away. One goroutine per connection; writes ride the connection's own write
// loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Upgrade failed: remote=%s: %v", r.RemoteAddr, err)
		return
	}

	conn := NewConnection(ws, h.cfg)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})
	log.Printf("Connection established: conn=%s remote=%s", conn.ConnectionID(), r.RemoteAddr)

	defer func() {
		h.hub.HandleDisconnection(conn.ConnectionID())
		conn.Close()
		log.Printf("Connection closed: conn=%s", conn.ConnectionID())
	}()

	for {
		var envelope types.EventEnvelope
		if err := conn.ReadEnvelope(&envelope); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Read failed: conn=%s: %v", conn.ConnectionID(), err)
			}
			return
		}
		if err := h.hub.Submit(conn, &envelope); err != nil {
			// Shed load back to the peer instead of dying with the queue.
			conn.WriteJSON(&types.EventEnvelope{
				Type:      types.EventError,
				RequestID: envelope.RequestID,
				Timestamp: time.Now(),
			})
		}
	}
}
