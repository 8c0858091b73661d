package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/kiln-dev/kiln/internal/task/models"
)

// Registry tracks live sandboxes by task and routes to the right provider.
// The orphan sweeper and the cancellation path both destroy through it.
type Registry struct {
	mu        sync.RWMutex
	providers map[models.ProviderType]Provider
	active    map[string]*Handle // keyed by task ID
}

// NewRegistry creates a Registry over the configured providers.
func NewRegistry(providers ...Provider) *Registry {
	byType := make(map[models.ProviderType]Provider, len(providers))
	for _, p := range providers {
		byType[p.Type()] = p
	}
	return &Registry{
		providers: byType,
		active:    make(map[string]*Handle),
	}
}

// Provider returns the provider for a type.
func (r *Registry) Provider(t models.ProviderType) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[t]
	if !ok {
		return nil, fmt.Errorf("sandbox provider %q not configured", t)
	}
	return p, nil
}

// Providers returns every configured provider.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

// Track records a live sandbox for a task.
func (r *Registry) Track(h *Handle) {
	r.mu.Lock()
	r.active[h.TaskID] = h
	r.mu.Unlock()
}

// Lookup returns the live handle for a task, if any.
func (r *Registry) Lookup(taskID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.active[taskID]
	return h, ok
}

// Release drops the tracking entry without destroying the sandbox. Used for
// keep-alive sandboxes handed over to the user.
func (r *Registry) Release(taskID string) {
	r.mu.Lock()
	delete(r.active, taskID)
	r.mu.Unlock()
}

// Destroy tears down the task's sandbox if one is tracked. Idempotent: a
// missing entry is not an error.
func (r *Registry) Destroy(ctx context.Context, taskID string) error {
	r.mu.Lock()
	h, ok := r.active[taskID]
	if ok {
		delete(r.active, taskID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	p, err := r.Provider(h.Provider)
	if err != nil {
		return err
	}
	return p.Destroy(ctx, h)
}

// Expired returns handles whose provider-side deadline has passed.
func (r *Registry) Expired() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Handle
	for _, h := range r.active {
		if !h.Deadline.IsZero() && h.Deadline.Before(nowFunc()) {
			out = append(out, h)
		}
	}
	return out
}
