package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-dev/kiln/internal/common/logger"
	"github.com/kiln-dev/kiln/internal/events"
	"github.com/kiln-dev/kiln/internal/events/bus"
	"github.com/kiln-dev/kiln/internal/task/models"
)

// stubAuthorizer denies the listed tasks and allows everything else.
type stubAuthorizer struct {
	denied map[string]bool
}

func (s stubAuthorizer) AuthorizeStream(_ context.Context, _, taskID string) error {
	if s.denied[taskID] {
		return errors.New("task not found")
	}
	return nil
}

func startHub(t *testing.T) (*Hub, *bus.MemoryEventBus, string) {
	return startHubWith(t, stubAuthorizer{}, "u1")
}

// startHubWith mounts the stream routes behind a middleware standing in for
// bearer auth: it tags every request with the given user ID.
func startHubWith(t *testing.T, auth Authorizer, userID string) (*Hub, *bus.MemoryEventBus, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	hub := NewHub(log)
	require.NoError(t, hub.Start(eventBus))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	router := gin.New()
	group := router.Group("/api/v1")
	if userID != "" {
		group.Use(func(c *gin.Context) { c.Set(UserIDKey, userID) })
	}
	RegisterRoutes(group, NewWSHandler(hub, auth, log))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return hub, eventBus, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestLogEventReachesTaskSubscriber(t *testing.T) {
	_, eventBus, base := startHub(t)
	conn := dial(t, base+"/api/v1/tasks/t1/stream")

	// Subscription is registered synchronously in the handler, but the
	// broadcast path needs the hub loop; give the pumps a beat to start.
	time.Sleep(50 * time.Millisecond)

	entries := []models.LogEntry{{Type: models.LogInfo, Message: "cloning", Timestamp: time.Now().UTC()}}
	event := bus.NewEvent(events.TaskLogAppended, "logsink", map[string]interface{}{
		"task_id": "t1",
		"entries": entries,
	})
	require.NoError(t, eventBus.Publish(context.Background(), events.TaskLogAppended, event))

	frame := readFrame(t, conn)
	assert.Equal(t, "log", frame.Type)
	assert.Equal(t, "t1", frame.TaskID)
	require.Len(t, frame.Entries, 1)
	assert.Equal(t, "cloning", frame.Entries[0].Message)
}

func TestStatusEventReachesSubscriber(t *testing.T) {
	_, eventBus, base := startHub(t)
	conn := dial(t, base+"/api/v1/tasks/t2/stream")
	time.Sleep(50 * time.Millisecond)

	payload := events.TaskStatusPayload{TaskID: "t2", Status: "completed", Progress: 100}
	event := bus.NewEvent(events.TaskStatusChanged, "executor", events.EncodePayload(payload))
	require.NoError(t, eventBus.Publish(context.Background(), events.TaskStatusChanged, event))

	frame := readFrame(t, conn)
	assert.Equal(t, "status", frame.Type)
	assert.Equal(t, "completed", frame.Status)
	assert.Equal(t, 100, frame.Progress)
}

func TestDynamicSubscription(t *testing.T) {
	_, eventBus, base := startHub(t)
	conn := dial(t, base+"/api/v1/stream")

	require.NoError(t, conn.WriteJSON(controlMessage{Action: "subscribe", TaskID: "t3"}))
	time.Sleep(100 * time.Millisecond)

	payload := events.TaskStatusPayload{TaskID: "t3", Status: "processing", Progress: 30}
	event := bus.NewEvent(events.TaskStatusChanged, "executor", events.EncodePayload(payload))
	require.NoError(t, eventBus.Publish(context.Background(), events.TaskStatusChanged, event))

	frame := readFrame(t, conn)
	assert.Equal(t, "t3", frame.TaskID)
}

func TestAnonymousStreamRejected(t *testing.T) {
	_, _, base := startHubWith(t, stubAuthorizer{}, "")

	_, resp, err := websocket.DefaultDialer.Dial(base+"/api/v1/tasks/t1/stream", nil)
	require.Error(t, err)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, 401, resp.StatusCode)
	}
}

func TestForeignTaskStreamRefused(t *testing.T) {
	_, _, base := startHubWith(t, stubAuthorizer{denied: map[string]bool{"secret": true}}, "u1")

	_, resp, err := websocket.DefaultDialer.Dial(base+"/api/v1/tasks/secret/stream", nil)
	require.Error(t, err)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, 404, resp.StatusCode)
	}
}

func TestForeignTaskSubscriptionIgnored(t *testing.T) {
	hub, _, base := startHubWith(t, stubAuthorizer{denied: map[string]bool{"secret": true}}, "u1")
	conn := dial(t, base+"/api/v1/stream")

	require.NoError(t, conn.WriteJSON(controlMessage{Action: "subscribe", TaskID: "secret"}))
	require.NoError(t, conn.WriteJSON(controlMessage{Action: "subscribe", TaskID: "mine"}))
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 0, hub.SubscriberCount("secret"))
	assert.Equal(t, 1, hub.SubscriberCount("mine"))
}

func TestUnsubscribedTaskNotDelivered(t *testing.T) {
	hub, eventBus, base := startHub(t)
	conn := dial(t, base+"/api/v1/tasks/t4/stream")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, hub.SubscriberCount("t4"))

	other := events.TaskStatusPayload{TaskID: "other-task", Status: "error", Progress: -1}
	event := bus.NewEvent(events.TaskStatusChanged, "executor", events.EncodePayload(other))
	require.NoError(t, eventBus.Publish(context.Background(), events.TaskStatusChanged, event))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "no frame should arrive for another task")
}
