// Package logsink batches task log writes and mirrors flushes on the bus.
package logsink

import (
	"context"
	"sync"
	"time"

	"github.com/kiln-dev/kiln/internal/common/logger"
	"github.com/kiln-dev/kiln/internal/events"
	"github.com/kiln-dev/kiln/internal/events/bus"
	"github.com/kiln-dev/kiln/internal/redact"
	"github.com/kiln-dev/kiln/internal/task/models"
)

// LogStore is the slice of the task store the sink writes through.
type LogStore interface {
	AppendLogs(ctx context.Context, id string, entries []models.LogEntry) error
}

const (
	// flushBatchSize triggers an immediate flush when a task's buffer fills.
	flushBatchSize = 10
	// flushInterval bounds how long a buffered entry waits before flushing.
	flushInterval = 500 * time.Millisecond
)

// Sink coalesces per-task log entries into batched store writes. Every
// message is redacted before it is buffered, so neither the database nor
// the bus ever sees a raw secret.
type Sink struct {
	store LogStore
	bus   bus.EventBus
	log   *logger.Logger

	mu      sync.Mutex
	buffers map[string]*taskBuffer
}

type taskBuffer struct {
	mu       sync.Mutex
	redactor *redact.Redactor
	entries  []models.LogEntry
	timer    *time.Timer

	// writeMu serializes drain-and-persist for the task. It is always
	// acquired before mu, never while holding it.
	writeMu sync.Mutex
}

// New creates a Sink. The bus may be nil; flushes are then store-only.
func New(st LogStore, eventBus bus.EventBus, log *logger.Logger) *Sink {
	return &Sink{
		store:   st,
		bus:     eventBus,
		log:     log,
		buffers: make(map[string]*taskBuffer),
	}
}

// Attach registers the redactor used for a task's entries. Call before the
// first Append; entries for unattached tasks get a secrets-free redactor.
func (s *Sink) Attach(taskID string, r *redact.Redactor) {
	buf := s.buffer(taskID)
	buf.mu.Lock()
	buf.redactor = r
	buf.mu.Unlock()
}

// Append redacts and buffers entries for a task. The buffer flushes when it
// reaches flushBatchSize or when flushInterval elapses, whichever is first.
func (s *Sink) Append(taskID string, entries ...models.LogEntry) {
	if len(entries) == 0 {
		return
	}
	buf := s.buffer(taskID)

	buf.mu.Lock()
	r := buf.redactor
	if r == nil {
		r = redact.New()
	}
	for _, e := range entries {
		e.Message = r.Mask(e.Message)
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now().UTC()
		}
		buf.entries = append(buf.entries, e)
	}

	full := len(buf.entries) >= flushBatchSize
	if !full && buf.timer == nil {
		buf.timer = time.AfterFunc(flushInterval, func() { s.Flush(taskID) })
	}
	buf.mu.Unlock()

	if full {
		s.flush(taskID, buf)
	}
}

// Info appends a single info entry.
func (s *Sink) Info(taskID, message string) {
	s.Append(taskID, models.LogEntry{Type: models.LogInfo, Message: message})
}

// Command appends a single command entry.
func (s *Sink) Command(taskID, message string) {
	s.Append(taskID, models.LogEntry{Type: models.LogCommand, Message: message})
}

// Error appends a single error entry.
func (s *Sink) Error(taskID, message string) {
	s.Append(taskID, models.LogEntry{Type: models.LogError, Message: message})
}

// Success appends a single success entry.
func (s *Sink) Success(taskID, message string) {
	s.Append(taskID, models.LogEntry{Type: models.LogSuccess, Message: message})
}

// Flush writes any buffered entries for a task immediately.
func (s *Sink) Flush(taskID string) {
	s.flush(taskID, s.buffer(taskID))
}

// flush drains the buffer and persists the batch under the task's write
// lock. Holding writeMu across the store call keeps batches committing in
// the order they were drained; a caller draining a later batch blocks until
// the earlier one has reached the store.
func (s *Sink) flush(taskID string, buf *taskBuffer) {
	buf.writeMu.Lock()
	defer buf.writeMu.Unlock()

	buf.mu.Lock()
	pending := buf.take()
	buf.mu.Unlock()

	s.write(taskID, pending)
}

// Close flushes a task's buffer and releases its state. Call once the
// task reaches a terminal status.
func (s *Sink) Close(taskID string) {
	s.Flush(taskID)
	s.mu.Lock()
	delete(s.buffers, taskID)
	s.mu.Unlock()
}

func (s *Sink) buffer(taskID string) *taskBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.buffers[taskID]
	if !ok {
		buf = &taskBuffer{}
		s.buffers[taskID] = buf
	}
	return buf
}

// take drains the buffer and stops the pending timer. Caller holds buf.mu.
func (b *taskBuffer) take() []models.LogEntry {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	pending := b.entries
	b.entries = nil
	return pending
}

// write persists a drained batch and mirrors it on the bus. A store failure
// is logged and the batch dropped; losing log lines must not fail the task.
func (s *Sink) write(taskID string, entries []models.LogEntry) {
	if len(entries) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.AppendLogs(ctx, taskID, entries); err != nil {
		s.log.WithTaskID(taskID).WithError(err).Warn("Failed to persist log batch")
		return
	}

	if s.bus == nil {
		return
	}
	event := bus.NewEvent(events.TaskLogAppended, "logsink", map[string]interface{}{
		"task_id": taskID,
		"entries": entries,
	})
	if err := s.bus.Publish(ctx, events.TaskLogAppended, event); err != nil {
		s.log.WithTaskID(taskID).WithError(err).Warn("Failed to publish log batch")
	}
}
