package lifecycle_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/debug-host/hostd/pkg/config"
	"github.com/debug-host/hostd/pkg/lifecycle"
	"github.com/debug-host/hostd/pkg/oscmd"
	"github.com/debug-host/hostd/pkg/ports"
	"github.com/debug-host/hostd/pkg/projects"
	"github.com/debug-host/hostd/pkg/runtime"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]string // id -> status
	failCreate bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: make(map[string]string)}
}

func (f *fakeRuntime) Create(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := spec.Name
	f.containers[id] = "created"
	return id, nil
}

func (f *fakeRuntime) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = "running"
	return nil
}

func (f *fakeRuntime) Stop(ctx context.Context, id string, gracePeriod time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = "exited"
	return nil
}

func (f *fakeRuntime) Restart(ctx context.Context, id string, gracePeriod time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = "running"
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	return nil
}

func (f *fakeRuntime) WaitForStatus(ctx context.Context, id, expected string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.containers[id] == expected {
		return nil
	}
	return nil
}

func (f *fakeRuntime) ListByLabel(ctx context.Context, label string) ([]runtime.ContainerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runtime.ContainerSummary
	for id, status := range f.containers {
		out = append(out, runtime.ContainerSummary{ID: id, State: status})
	}
	return out, nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, id string) (runtime.ContainerDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return runtime.ContainerDetails{State: runtime.ContainerState{Status: f.containers[id]}}, nil
}

func newManager(t *testing.T) (*lifecycle.Manager, *projects.Registry, *fakeRuntime) {
	t.Helper()
	dir := t.TempDir()

	pr, err := ports.New(filepath.Join(dir, "ports.json"), config.GetDefaultConfig().Ports)
	require.NoError(t, err)
	jr, err := projects.New(filepath.Join(dir, "projects.json"), pr)
	require.NoError(t, err)

	rt := newFakeRuntime()
	log := logrus.NewEntry(logrus.New())
	m := lifecycle.New(log, rt, jr, pr, nil, config.GetDefaultConfig().Container, 4, 5*time.Second)
	return m, jr, rt
}

func TestStartContainerCreatesThenStarts(t *testing.T) {
	m, jr, _ := newManager(t)
	p, err := jr.Create("web", "/workspace/web", "node", "npm run dev", 0, nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.StartContainer(context.Background(), p.ID))
	require.Equal(t, lifecycle.StateRunning, m.State(p.ID))

	updated, err := jr.Get(p.ID)
	require.NoError(t, err)
	require.NotEmpty(t, updated.ContainerID)
	require.Equal(t, projects.StatusRunning, updated.Status)
}

func TestStopContainerRequiresExistingContainer(t *testing.T) {
	m, jr, _ := newManager(t)
	p, err := jr.Create("api", "/workspace/api", "python", "python app.py", 0, nil, nil)
	require.NoError(t, err)

	err = m.StopContainer(context.Background(), p.ID)
	require.Error(t, err)
}

func TestBatchStartRunsConcurrently(t *testing.T) {
	m, jr, _ := newManager(t)

	var ids []string
	for i := 0; i < 3; i++ {
		p, err := jr.Create(string(rune('a'+i)), "/workspace/"+string(rune('a'+i)), "node", "npm run dev", 0, nil, nil)
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}

	results := m.Batch(context.Background(), lifecycle.OpStart, ids)
	require.Len(t, results, 3)
	for _, r := range results {
		require.NoError(t, r.Err)
	}
}

func TestStartNativeReacquiresPortAfterStop(t *testing.T) {
	dir := t.TempDir()
	pr, err := ports.New(filepath.Join(dir, "ports.json"), config.GetDefaultConfig().Ports)
	require.NoError(t, err)
	jr, err := projects.New(filepath.Join(dir, "projects.json"), pr)
	require.NoError(t, err)

	log := logrus.NewEntry(logrus.New())
	native := oscmd.New(log)
	m := lifecycle.New(log, newFakeRuntime(), jr, pr, native, config.GetDefaultConfig().Container, 4, 5*time.Second)

	p, err := jr.Create("native-app", dir, "go", "sleep 2", 0, nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.StartNative(context.Background(), p.ID))
	require.Equal(t, lifecycle.StateRunning, m.State(p.ID))

	require.NoError(t, m.StopNative(context.Background(), p.ID))
	_, allocated := pr.Check(p.Port)
	require.False(t, allocated)

	require.NoError(t, m.StartNative(context.Background(), p.ID))
	alloc, allocated := pr.Check(p.Port)
	require.True(t, allocated)
	require.Equal(t, p.ID, alloc.ProjectID)
}

func TestRemoveContainerWithoutContainerIsNoop(t *testing.T) {
	m, jr, _ := newManager(t)
	p, err := jr.Create("worker", "/workspace/worker", "go", "go run .", 0, nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.RemoveContainer(context.Background(), p.ID))
	require.Equal(t, lifecycle.StateRemoved, m.State(p.ID))
}
