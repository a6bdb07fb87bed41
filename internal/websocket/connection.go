package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"joybridge/internal/config"
)

// Connection wraps one websocket peer with the single-writer pattern: every
// outbound frame goes through writeCh and is written by exactly one goroutine,
// so handlers, broadcast fan-out, and the ping loop can share the connection
// without interleaving frames.
type Connection struct {
	id   string
	ws   *websocket.Conn
	cfg  config.WebSocketConfig
	done chan struct{}

	writeCh chan []byte

	closeOnce sync.Once
	closeErr  error
}

// NewConnection wraps an upgraded websocket connection and starts its write
// loop.
func NewConnection(ws *websocket.Conn, cfg config.WebSocketConfig) *Connection {
	c := &Connection{
		id:      uuid.New().String(),
		ws:      ws,
		cfg:     cfg,
		done:    make(chan struct{}),
		writeCh: make(chan []byte, cfg.BufferSize),
	}
	go c.writeLoop()
	return c
}

// ConnectionID implements interfaces.Sender.
func (c *Connection) ConnectionID() string { return c.id }

// WriteJSON implements interfaces.Sender. Never blocks past the write
// timeout: a peer that cannot drain its buffer gets errors, not a wedged
// producer.
func (c *Connection) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-time.After(c.cfg.WriteTimeout):
		return ErrWriteBufferFull
	}
}

// Close implements interfaces.Sender. Idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// ReadEnvelope blocks for the next inbound frame, enforcing the read
// deadline. The deadline is pushed forward by the pong handler installed in
// the http handler.
func (c *Connection) ReadEnvelope(v any) error {
	if err := c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
		return err
	}
	return c.ws.ReadJSON(v)
}

// writeLoop is the single writer. It drains writeCh and the ping ticker until
// the connection closes.
func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.writeCh:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("Write failed: conn=%s: %v", c.id, err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("Ping failed: conn=%s: %v", c.id, err)
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
