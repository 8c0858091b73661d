package streaming

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kiln-dev/kiln/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// Client is one WebSocket connection.
type Client struct {
	ID      string
	conn    *websocket.Conn
	hub     *Hub
	send    chan []byte
	taskIDs map[string]bool
	// authorize gates dynamic subscriptions; nil allows none.
	authorize func(taskID string) error
	logger    *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, authorize func(taskID string) error, log *logger.Logger) *Client {
	return &Client{
		ID:        id,
		conn:      conn,
		hub:       hub,
		send:      make(chan []byte, 256),
		taskIDs:   make(map[string]bool),
		authorize: authorize,
		logger:    log.WithFields(zap.String("client_id", id)),
	}
}

// controlMessage is the only inbound message shape: subscription management.
type controlMessage struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	TaskID string `json:"task_id"`
}

// ReadPump consumes subscription messages until the connection drops.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg controlMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.TaskID == "" {
			continue
		}
		switch msg.Action {
		case "subscribe":
			if c.authorize == nil {
				continue
			}
			if err := c.authorize(msg.TaskID); err != nil {
				c.logger.Debug("Subscription refused", zap.String("task_id", msg.TaskID))
				continue
			}
			c.hub.SubscribeClient(c, msg.TaskID)
		case "unsubscribe":
			c.hub.UnsubscribeClient(c, msg.TaskID)
		}
	}
}

// WritePump flushes outbound frames and keeps the connection alive.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
