package gateway

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/gofer/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendQueue  = 32
)

// client is one WebSocket subscriber. Frames are fanned in through send and
// written by a single pump goroutine; a full queue drops frames rather than
// stalling the broadcaster.
type client struct {
	id   string
	conn *websocket.Conn
	send chan protocol.EventFrame

	once sync.Once
	done chan struct{}
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan protocol.EventFrame, sendQueue),
		done: make(chan struct{}),
	}
}

func (c *client) sendEvent(ev protocol.EventFrame) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		slog.Debug("gateway.client_queue_full", "client", c.id)
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// readPump drains the connection so pongs and close frames are processed.
// The protocol is push-only; anything the peer sends is discarded.
func (c *client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, reader, err := c.conn.NextReader()
		if err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, reader)
	}
}

// writePump serializes all writes to the connection and keeps it alive with
// pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
