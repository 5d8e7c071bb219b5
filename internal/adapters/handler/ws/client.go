package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetbeam/relay/internal/core/domain"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Metric payloads are small;
	// this bounds a misbehaving sender.
	maxMessageSize = 64 * 1024
)

// Client is a middleman between one websocket connection and the hub. The
// principal is resolved once during the handshake and carried immutably; all
// routing switches on its Kind.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	principal domain.Principal

	// Buffered channel of outbound envelopes.
	send chan Envelope

	// Groups joined, for cleanup on disconnect.
	groups []string

	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, principal domain.Principal) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		principal: principal,
		send:      make(chan Envelope, 256),
	}
}

// Close tears down the transport; the read pump observes the closure and
// runs disconnect handling exactly once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// unicast queues an envelope for this connection only.
func (c *Client) unicast(event string, payload any) {
	select {
	case c.send <- Envelope{Event: event, Data: payload}:
	default:
		go c.Close()
	}
}

// writePump pumps envelopes from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case envelope, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One envelope per frame; receivers decode a frame as a single
			// JSON document.
			if err := c.conn.WriteJSON(envelope); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
