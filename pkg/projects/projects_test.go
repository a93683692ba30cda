package projects_test

import (
	"path/filepath"
	"testing"

	"github.com/debug-host/hostd/pkg/apperr"
	"github.com/debug-host/hostd/pkg/config"
	"github.com/debug-host/hostd/pkg/ports"
	"github.com/debug-host/hostd/pkg/projects"
	"github.com/stretchr/testify/require"
)

func newRegistries(t *testing.T) (*ports.Registry, *projects.Registry) {
	t.Helper()
	dir := t.TempDir()

	pr, err := ports.New(filepath.Join(dir, "ports.json"), config.GetDefaultConfig().Ports)
	require.NoError(t, err)

	jr, err := projects.New(filepath.Join(dir, "projects.json"), pr)
	require.NoError(t, err)

	return pr, jr
}

func TestCreateAssignsPortAndUniqueName(t *testing.T) {
	_, jr := newRegistries(t)

	p, err := jr.Create("web", "/workspace/web", "node", "npm run dev", 0, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)
	require.True(t, p.Port >= 3000 && p.Port <= 3999)

	_, err = jr.Create("web", "/workspace/web2", "node", "npm run dev", 0, nil, nil)
	require.True(t, apperr.Is(err, apperr.Conflict))
}

func TestDeleteReleasesPort(t *testing.T) {
	pr, jr := newRegistries(t)

	p, err := jr.Create("api", "/workspace/api", "python", "python app.py", 0, nil, nil)
	require.NoError(t, err)

	require.NoError(t, jr.Delete(p.ID))

	_, allocated := pr.Check(p.Port)
	require.False(t, allocated)

	_, err = jr.Get(p.ID)
	require.True(t, apperr.Is(err, apperr.NotFound))
}

func TestUpdateDoesNotChangeID(t *testing.T) {
	_, jr := newRegistries(t)

	p, err := jr.Create("worker", "/workspace/worker", "go", "go run .", 0, nil, nil)
	require.NoError(t, err)

	updated, err := jr.Update(p.ID, func(pr *projects.Project) error {
		pr.ContainerID = "debug-host-worker-123"
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, p.ID, updated.ID)
	require.Equal(t, "debug-host-worker-123", updated.ContainerID)
}
