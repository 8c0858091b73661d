package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-dev/kiln/internal/common/logger"
	"github.com/kiln-dev/kiln/internal/task/models"
	"github.com/kiln-dev/kiln/internal/task/store"
)

type fakeProvider struct {
	mu        sync.Mutex
	kind      models.ProviderType
	destroyed []string
	// stray simulates provider-side sandboxes no registry entry covers.
	stray []*Handle
}

func (f *fakeProvider) Type() models.ProviderType { return f.kind }

func (f *fakeProvider) Create(_ context.Context, spec CreateSpec) (*Handle, error) {
	return &Handle{TaskID: spec.TaskID, Provider: f.kind, Ref: "ref-" + spec.TaskID}, nil
}

func (f *fakeProvider) Exec(context.Context, *Handle, ExecSpec) (*ExecResult, error) {
	return &ExecResult{}, nil
}

func (f *fakeProvider) Destroy(_ context.Context, h *Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, h.TaskID)
	return nil
}

func (f *fakeProvider) List(context.Context) ([]*Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Handle(nil), f.stray...), nil
}

func (f *fakeProvider) destroyedTasks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroyed...)
}

func TestProviderLookup(t *testing.T) {
	docker := &fakeProvider{kind: models.ProviderDocker}
	r := NewRegistry(docker)

	p, err := r.Provider(models.ProviderDocker)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderDocker, p.Type())

	_, err = r.Provider(models.ProviderE2B)
	assert.Error(t, err)
}

func TestDestroyTracked(t *testing.T) {
	docker := &fakeProvider{kind: models.ProviderDocker}
	r := NewRegistry(docker)

	r.Track(&Handle{TaskID: "t1", Provider: models.ProviderDocker, Ref: "c-1"})

	require.NoError(t, r.Destroy(context.Background(), "t1"))
	assert.Equal(t, []string{"t1"}, docker.destroyedTasks())

	_, ok := r.Lookup("t1")
	assert.False(t, ok)

	// Destroying again is a no-op.
	require.NoError(t, r.Destroy(context.Background(), "t1"))
	assert.Len(t, docker.destroyedTasks(), 1)
}

func TestReleaseSkipsDestroy(t *testing.T) {
	docker := &fakeProvider{kind: models.ProviderDocker}
	r := NewRegistry(docker)

	r.Track(&Handle{TaskID: "t1", Provider: models.ProviderDocker})
	r.Release("t1")

	require.NoError(t, r.Destroy(context.Background(), "t1"))
	assert.Empty(t, docker.destroyedTasks())
}

// fakeTasks is an in-memory TaskLookup.
type fakeTasks struct {
	tasks map[string]*models.Task
}

func (f fakeTasks) GetTask(_ context.Context, id string) (*models.Task, error) {
	task, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return task, nil
}

func TestSweeperDestroysExpired(t *testing.T) {
	docker := &fakeProvider{kind: models.ProviderDocker}
	r := NewRegistry(docker)

	now := time.Now()
	r.Track(&Handle{TaskID: "old", Provider: models.ProviderDocker, Deadline: now.Add(-time.Minute)})
	r.Track(&Handle{TaskID: "fresh", Provider: models.ProviderDocker, Deadline: now.Add(time.Hour)})
	r.Track(&Handle{TaskID: "unbounded", Provider: models.ProviderDocker})

	s := NewSweeper(r, fakeTasks{}, 10*time.Millisecond, 30*time.Minute, logger.Default())
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return len(docker.destroyedTasks()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"old"}, docker.destroyedTasks())

	_, ok := r.Lookup("fresh")
	assert.True(t, ok)
	_, ok = r.Lookup("unbounded")
	assert.True(t, ok)
}

func TestSweeperDestroysProviderOrphans(t *testing.T) {
	now := time.Now()
	docker := &fakeProvider{
		kind: models.ProviderDocker,
		stray: []*Handle{
			{TaskID: "gone", Provider: models.ProviderDocker, Ref: "c-1"},
			{TaskID: "stale", Provider: models.ProviderDocker, Ref: "c-2"},
			{TaskID: "running", Provider: models.ProviderDocker, Ref: "c-3"},
			{TaskID: "kept", Provider: models.ProviderDocker, Ref: "c-4"},
			{TaskID: "finished", Provider: models.ProviderDocker, Ref: "c-5"},
			{TaskID: "tracked", Provider: models.ProviderDocker, Ref: "c-6"},
		},
	}
	r := NewRegistry(docker)
	r.Track(&Handle{TaskID: "tracked", Provider: models.ProviderDocker, Ref: "c-6"})

	tasks := fakeTasks{tasks: map[string]*models.Task{
		"stale":    {ID: "stale", Status: models.StatusProcessing, CreatedAt: now.Add(-2 * time.Hour)},
		"running":  {ID: "running", Status: models.StatusProcessing, CreatedAt: now.Add(-time.Minute)},
		"kept":     {ID: "kept", Status: models.StatusCompleted, KeepAlive: true, CreatedAt: now.Add(-time.Hour)},
		"finished": {ID: "finished", Status: models.StatusCompleted, CreatedAt: now.Add(-time.Hour)},
		"tracked":  {ID: "tracked", Status: models.StatusProcessing, CreatedAt: now.Add(-3 * time.Hour)},
	}}

	s := NewSweeper(r, tasks, time.Hour, 30*time.Minute, logger.Default())
	s.sweep()

	assert.ElementsMatch(t, []string{"gone", "stale", "finished"}, docker.destroyedTasks())
	_, ok := r.Lookup("tracked")
	assert.True(t, ok)
}
