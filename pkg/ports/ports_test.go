package ports_test

import (
	"path/filepath"
	"testing"

	"github.com/debug-host/hostd/pkg/apperr"
	"github.com/debug-host/hostd/pkg/config"
	"github.com/debug-host/hostd/pkg/ports"
	"github.com/stretchr/testify/require"
)

func testPortsConfig() config.PortsConfig {
	return config.GetDefaultConfig().Ports
}

func newRegistry(t *testing.T) *ports.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ports.json")
	r, err := ports.New(path, testPortsConfig())
	require.NoError(t, err)
	return r
}

func TestAllocateConflictRelease(t *testing.T) {
	r := newRegistry(t)

	alloc, err := r.Allocate(3000, "node", "web", "proj_1")
	require.NoError(t, err)
	require.Equal(t, 3000, alloc.Port)

	_, err = r.Allocate(3000, "node", "api", "proj_2")
	require.True(t, apperr.Is(err, apperr.PortInUse))

	require.NoError(t, r.Release(3000, "proj_1"))

	alloc, err = r.Allocate(3000, "node", "api", "proj_2")
	require.NoError(t, err)
	require.Equal(t, "proj_2", alloc.ProjectID)
}

func TestAllocateRejectsSystemReservedAndOutOfBand(t *testing.T) {
	r := newRegistry(t)

	_, err := r.Allocate(2650, "node", "web", "proj_1")
	require.True(t, apperr.Is(err, apperr.SystemReserved))

	_, err = r.Allocate(5000, "node", "web", "proj_1")
	require.True(t, apperr.Is(err, apperr.PortOutOfRange))
}

func TestAutoAllocateExhaustion(t *testing.T) {
	r := newRegistry(t)

	for p := 3000; p <= 3999; p++ {
		_, err := r.Allocate(p, "node", "x", "proj")
		require.NoError(t, err)
	}

	_, err := r.AutoAllocate("node", "y", "proj2")
	require.True(t, apperr.Is(err, apperr.NoAvailablePorts))
}

func TestReleaseProjectMismatch(t *testing.T) {
	r := newRegistry(t)

	_, err := r.Allocate(3001, "node", "web", "proj_1")
	require.NoError(t, err)

	err = r.Release(3001, "proj_2")
	require.True(t, apperr.Is(err, apperr.ProjectMismatch))
}

func TestReleaseProjectReleasesEveryPort(t *testing.T) {
	r := newRegistry(t)

	_, err := r.Allocate(3002, "node", "web", "proj_1")
	require.NoError(t, err)
	_, err = r.Allocate(5000, "python", "api", "proj_1")
	require.NoError(t, err)

	require.NoError(t, r.ReleaseProject("proj_1"))
	require.Empty(t, r.List())
}
