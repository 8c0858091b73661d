package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/kiln-dev/kiln/internal/common/logger"
	"github.com/kiln-dev/kiln/internal/task/models"
	"github.com/kiln-dev/kiln/internal/task/store"
)

// nowFunc is swapped in tests.
var nowFunc = time.Now

// TaskLookup is the slice of the task store the sweeper cross-checks
// provider-side sandboxes against.
type TaskLookup interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
}

// Sweeper destroys sandboxes that outlived their deadline or lost their
// task. It is the safety net behind cooperative cleanup: executor crashes,
// missed Destroy calls, and sandboxes surviving a process restart end here
// instead of leaking paid compute.
type Sweeper struct {
	registry *Registry
	tasks    TaskLookup
	interval time.Duration
	// maxAge is the processing-duration ceiling; a provider-side sandbox
	// whose task has been processing longer than this is treated as orphaned.
	maxAge time.Duration
	log    *logger.Logger
	stop   chan struct{}
	done   chan struct{}
}

// NewSweeper creates a Sweeper over the registry and the task store.
func NewSweeper(registry *Registry, tasks TaskLookup, interval, maxAge time.Duration, log *logger.Logger) *Sweeper {
	return &Sweeper{
		registry: registry,
		tasks:    tasks,
		interval: interval,
		maxAge:   maxAge,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop terminates the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s.sweepExpired(ctx)
	s.sweepOrphans(ctx)
}

// sweepExpired destroys tracked sandboxes whose deadline has passed.
func (s *Sweeper) sweepExpired(ctx context.Context) {
	for _, h := range s.registry.Expired() {
		log := s.log.WithTaskID(h.TaskID).WithProvider(string(h.Provider))
		if err := s.registry.Destroy(ctx, h.TaskID); err != nil {
			log.WithError(err).Warn("Failed to destroy expired sandbox")
			continue
		}
		log.Info("Destroyed expired sandbox")
	}
}

// sweepOrphans asks every provider for its live sandboxes and destroys the
// ones no healthy task accounts for. This catches sandboxes left behind by
// a restart, which the in-memory registry knows nothing about.
func (s *Sweeper) sweepOrphans(ctx context.Context) {
	for _, p := range s.registry.Providers() {
		handles, err := p.List(ctx)
		if err != nil {
			s.log.WithProvider(string(p.Type())).WithError(err).Warn("Failed to list sandboxes")
			continue
		}
		for _, h := range handles {
			if _, tracked := s.registry.Lookup(h.TaskID); tracked {
				continue
			}
			if !s.orphaned(ctx, h) {
				continue
			}
			log := s.log.WithTaskID(h.TaskID).WithProvider(string(h.Provider))
			if err := p.Destroy(ctx, h); err != nil {
				log.WithError(err).Warn("Failed to destroy orphaned sandbox")
				continue
			}
			log.Info("Destroyed orphaned sandbox")
		}
	}
}

// orphaned decides whether an untracked provider-side sandbox should die:
// its task is gone, finished without keepAlive, or has been processing past
// the duration ceiling. Keep-alive sandboxes of finished tasks stay up until
// the task is deleted.
func (s *Sweeper) orphaned(ctx context.Context, h *Handle) bool {
	task, err := s.tasks.GetTask(ctx, h.TaskID)
	if err != nil {
		return errors.Is(err, store.ErrTaskNotFound)
	}
	if task.Status.Terminal() {
		return !task.KeepAlive
	}
	if task.Status == models.StatusProcessing {
		return nowFunc().Sub(task.CreatedAt) > s.maxAge
	}
	return false
}
