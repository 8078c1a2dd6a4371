package events

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/dcap-x-project/dcap-commerce/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second
	// Send pings to peer with this period, must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
	// Maximum inbound message size. Subscribers only send control frames.
	maxMessageSize = 512
)

// wsClient pumps hub messages onto one websocket connection
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	sub  *subscriber
	log  *logger.Logger
}

func newWSClient(hub *Hub, conn *websocket.Conn) *wsClient {
	return &wsClient{
		hub:  hub,
		conn: conn,
		sub:  &subscriber{send: make(chan []byte, 64)},
		log:  logger.New().WithComponent("events"),
	}
}

// writePump forwards hub messages to the connection and keeps it alive with
// pings
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.sub.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// readPump drains the connection so control frames are processed, and
// unregisters the subscriber when the peer goes away
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c.sub
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debugf("subscriber read error: %v", err)
			}
			return
		}
	}
}
