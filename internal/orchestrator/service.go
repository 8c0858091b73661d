// Package orchestrator consumes task.execute events and hands them to the
// executor under a bounded worker pool.
package orchestrator

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/kiln-dev/kiln/internal/common/config"
	"github.com/kiln-dev/kiln/internal/common/logger"
	"github.com/kiln-dev/kiln/internal/events"
	"github.com/kiln-dev/kiln/internal/events/bus"
	"github.com/kiln-dev/kiln/internal/orchestrator/executor"
)

// Service subscribes to the executor queue group. Concurrency is bounded by
// the worker semaphore; a second event for a task already in flight in this
// process is dropped before it can race the database claim.
type Service struct {
	bus      bus.EventBus
	executor *executor.Executor
	workers  *semaphore.Weighted
	log      *logger.Logger

	mu      sync.Mutex
	running map[string]bool

	sub  bus.Subscription
	wg   sync.WaitGroup
	ctx  context.Context
	stop context.CancelFunc
}

// New creates the orchestrator service.
func New(eventBus bus.EventBus, exec *executor.Executor, cfg config.OrchestraConfig, log *logger.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		bus:      eventBus,
		executor: exec,
		workers:  semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		log:      log,
		running:  make(map[string]bool),
		ctx:      ctx,
		stop:     cancel,
	}
}

// Start subscribes to the execute subject as part of the executor queue group.
func (s *Service) Start() error {
	sub, err := s.bus.QueueSubscribe(events.TaskExecute, events.ExecutorQueue, s.handleExecute)
	if err != nil {
		return err
	}
	s.sub = sub
	s.log.Info("Orchestrator started")
	return nil
}

// Stop unsubscribes and waits for in-flight tasks to finish.
func (s *Service) Stop() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.stop()
	s.wg.Wait()
	s.log.Info("Orchestrator stopped")
}

func (s *Service) handleExecute(_ context.Context, event *bus.Event) error {
	var payload events.TaskExecutePayload
	if err := events.DecodePayload(event.Data, &payload); err != nil {
		s.log.WithError(err).Error("Malformed task.execute payload")
		return err
	}
	if payload.TaskID == "" {
		s.log.Error("task.execute event without task id")
		return nil
	}

	if !s.begin(payload.TaskID) {
		s.log.WithTaskID(payload.TaskID).Debug("Task already running, dropping duplicate event")
		return nil
	}

	// Block until a worker slot frees up; the event is already consumed, so
	// waiting here is the backpressure.
	if err := s.workers.Acquire(s.ctx, 1); err != nil {
		s.end(payload.TaskID)
		return nil // shutting down
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.workers.Release(1)
		defer s.end(payload.TaskID)
		s.executor.Execute(s.ctx, payload)
	}()
	return nil
}

func (s *Service) begin(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[taskID] {
		return false
	}
	s.running[taskID] = true
	return true
}

func (s *Service) end(taskID string) {
	s.mu.Lock()
	delete(s.running, taskID)
	s.mu.Unlock()
}
