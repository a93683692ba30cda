package app

import (
	"github.com/debug-host/hostd/pkg/detect"
	"github.com/debug-host/hostd/pkg/health"
	"github.com/debug-host/hostd/pkg/ports"
	"github.com/debug-host/hostd/pkg/projects"
	"github.com/debug-host/hostd/pkg/runtime"
)

func registerHealthProbes(e *health.Engine, rt *runtime.Adapter, portRegistry *ports.Registry, projectRegistry *projects.Registry, _ *detect.Detector, dataDir string) {
	e.Register("daemon", health.KindDaemon, health.DaemonProbe(rt))
	e.Register("ports", health.KindPort, health.PortRegistryProbe(portRegistry))
	e.Register("projects", health.KindDefault, health.ProjectRegistryProbe(projectRegistry))
	e.Register("detector", health.KindDefault, health.DetectorProbe())
	e.Register("control-plane", health.KindSystem, health.ControlPlaneProbe())
	e.Register("filesystem", health.KindFilesystem, health.FilesystemProbe(dataDir))
	e.Register("network", health.KindNetwork, health.NetworkProbe())
}
