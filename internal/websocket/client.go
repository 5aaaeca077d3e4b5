package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// UI clients only send small control messages.
const maxClientMessageSize = 64 << 10

// Client is one connected UI, typically a browser tab.
type Client struct {
	ID      string
	Viewer  string
	Conn    *websocket.Conn
	Manager *Manager
	Send    chan []byte
}

func NewClient(id, viewer string, conn *websocket.Conn, manager *Manager) *Client {
	return &Client{
		ID:      id,
		Viewer:  viewer,
		Conn:    conn,
		Manager: manager,
		Send:    make(chan []byte, 256),
	}
}

// ReadPump forwards client requests to the manager until the connection
// drops, then unregisters the client.
func (c *Client) ReadPump() {
	defer func() {
		c.Manager.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxClientMessageSize)
	c.extendReadDeadline()
	c.Conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Manager.logger.Warn("websocket read failed", "client_id", c.ID, "error", err)
			}
			return
		}
		c.Manager.HandleMessage <- &ClientMessage{Client: c, Message: message}
	}
}

func (c *Client) extendReadDeadline() {
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))
}

// WritePump sends one event per frame so every frame is a complete JSON
// document, and pings to keep idle connections open.
func (c *Client) WritePump() {
	ping := time.NewTicker(c.Manager.pingPeriod)
	defer func() {
		ping.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Manager.logger.Debug("websocket write failed", "client_id", c.ID, "error", err)
				return
			}

		case <-ping.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
