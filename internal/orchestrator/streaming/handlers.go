package streaming

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kiln-dev/kiln/internal/common/logger"
)

// UserIDKey is the gin context key the auth middleware sets before these
// handlers run. A request without it is refused.
const UserIDKey = "kiln.stream.user_id"

// Authorizer decides whether a user may stream a task's transcript.
type Authorizer interface {
	AuthorizeStream(ctx context.Context, userID, taskID string) error
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler upgrades HTTP requests into hub clients.
type WSHandler struct {
	hub    *Hub
	auth   Authorizer
	logger *logger.Logger
}

func NewWSHandler(hub *Hub, auth Authorizer, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		auth:   auth,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// StreamTask opens a stream pre-subscribed to one task the caller owns.
// WS /api/v1/tasks/:id/stream
func (h *WSHandler) StreamTask(c *gin.Context) {
	taskID := c.Param("id")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task id is required"})
		return
	}
	userID := c.GetString(UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := h.auth.AuthorizeStream(c.Request.Context(), userID, taskID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := h.newClient(conn, userID)
	h.hub.Register(client)
	h.hub.SubscribeClient(client, taskID)

	go client.WritePump()
	go client.ReadPump()
}

// StreamAll opens a stream; the client subscribes to its own tasks over the
// socket, each subscription checked against ownership.
// WS /api/v1/stream
func (h *WSHandler) StreamAll(c *gin.Context) {
	userID := c.GetString(UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := h.newClient(conn, userID)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

func (h *WSHandler) newClient(conn *websocket.Conn, userID string) *Client {
	authorize := func(taskID string) error {
		return h.auth.AuthorizeStream(context.Background(), userID, taskID)
	}
	return NewClient(uuid.New().String(), conn, h.hub, authorize, h.logger)
}

// RegisterRoutes mounts the stream endpoints. The group must carry the auth
// middleware that sets UserIDKey.
func RegisterRoutes(router *gin.RouterGroup, handler *WSHandler) {
	router.GET("/tasks/:id/stream", handler.StreamTask)
	router.GET("/stream", handler.StreamAll)
}
