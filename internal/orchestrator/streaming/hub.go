// Package streaming pushes task transcripts and status changes to WebSocket
// subscribers as they happen.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/kiln-dev/kiln/internal/common/logger"
	"github.com/kiln-dev/kiln/internal/events"
	"github.com/kiln-dev/kiln/internal/events/bus"
	"github.com/kiln-dev/kiln/internal/task/models"
)

// Frame is one message pushed to a subscriber.
type Frame struct {
	Type     string            `json:"type"` // "log" or "status"
	TaskID   string            `json:"task_id"`
	Entries  []models.LogEntry `json:"entries,omitempty"`
	Status   string            `json:"status,omitempty"`
	Progress int               `json:"progress,omitempty"`
}

// Hub fans bus events out to WebSocket clients by task subscription.
type Hub struct {
	clients     map[*Client]bool
	taskClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Frame

	subs []bus.Subscription

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a Hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		taskClients: make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Frame, 256),
		logger:      log.WithFields(zap.String("component", "streaming_hub")),
	}
}

// Start subscribes the hub to the log and status subjects.
func (h *Hub) Start(eventBus bus.EventBus) error {
	logSub, err := eventBus.Subscribe(events.TaskLogAppended, h.onLogAppended)
	if err != nil {
		return err
	}
	h.subs = append(h.subs, logSub)

	statusSub, err := eventBus.Subscribe(events.TaskStatusChanged, h.onStatusChanged)
	if err != nil {
		return err
	}
	h.subs = append(h.subs, statusSub)
	return nil
}

func (h *Hub) onLogAppended(_ context.Context, event *bus.Event) error {
	taskID, _ := event.Data["task_id"].(string)
	if taskID == "" {
		return nil
	}

	// Entries arrive either typed (in-process bus) or as decoded JSON (NATS).
	var entries []models.LogEntry
	switch v := event.Data["entries"].(type) {
	case []models.LogEntry:
		entries = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil
		}
	}
	if len(entries) == 0 {
		return nil
	}

	h.Broadcast(&Frame{Type: "log", TaskID: taskID, Entries: entries})
	return nil
}

func (h *Hub) onStatusChanged(_ context.Context, event *bus.Event) error {
	var payload events.TaskStatusPayload
	if err := events.DecodePayload(event.Data, &payload); err != nil || payload.TaskID == "" {
		return nil
	}
	h.Broadcast(&Frame{
		Type:     "status",
		TaskID:   payload.TaskID,
		Status:   payload.Status,
		Progress: payload.Progress,
	})
	return nil
}

// Run processes registration and broadcast until the context ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Streaming hub started")
	defer h.logger.Info("Streaming hub stopped")

	for {
		select {
		case <-ctx.Done():
			for _, sub := range h.subs {
				_ = sub.Unsubscribe()
			}
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.taskClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			h.drop(client)
			h.mu.Unlock()

		case frame := <-h.broadcast:
			h.deliver(frame)
		}
	}
}

func (h *Hub) deliver(frame *Frame) {
	h.mu.RLock()
	subscribers := make([]*Client, 0, len(h.taskClients[frame.TaskID]))
	for client := range h.taskClients[frame.TaskID] {
		subscribers = append(subscribers, client)
	}
	h.mu.RUnlock()

	if len(subscribers) == 0 {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("Failed to marshal frame", zap.Error(err))
		return
	}

	for _, client := range subscribers {
		select {
		case client.send <- data:
		default:
			// Slow consumer: drop the connection rather than block the hub.
			h.mu.Lock()
			h.drop(client)
			h.mu.Unlock()
		}
	}
}

// drop removes a client and its subscriptions. Caller holds h.mu.
func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for taskID := range client.taskIDs {
		if clients, ok := h.taskClients[taskID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.taskClients, taskID)
			}
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues a frame for all subscribers of its task.
func (h *Hub) Broadcast(frame *Frame) {
	select {
	case h.broadcast <- frame:
	default:
		h.logger.Warn("Broadcast queue full, dropping frame", zap.String("task_id", frame.TaskID))
	}
}

// SubscribeClient subscribes a client to a task's frames.
func (h *Hub) SubscribeClient(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.taskClients[taskID]; !ok {
		h.taskClients[taskID] = make(map[*Client]bool)
	}
	h.taskClients[taskID][client] = true
	client.taskIDs[taskID] = true
}

// UnsubscribeClient removes a client's task subscription.
func (h *Hub) UnsubscribeClient(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.taskClients[taskID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.taskClients, taskID)
		}
	}
	delete(client.taskIDs, taskID)
}

// SubscriberCount returns how many clients watch a task.
func (h *Hub) SubscriberCount(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.taskClients[taskID])
}
