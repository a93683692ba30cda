// Package runtime implements the container runtime adapter (C5): a
// capability-level wrapper over the container daemon with retry/timeout
// policies baked in. The runtime-agnostic types below are adapted from the
// teacher's pkg/commands/runtime_types.go, which exists there for the
// identical reason: decoupling the rest of the system from the Docker
// SDK's own wire types.
package runtime

import "time"

// ContainerSummary is a runtime-agnostic listing entry.
type ContainerSummary struct {
	ID      string
	Names   []string
	Image   string
	Command string
	Created int64
	State   string
	Status  string
	Ports   []PortMapping
	Labels  map[string]string
}

// PortMapping is a single published container port.
type PortMapping struct {
	IP          string
	PrivatePort uint16
	PublicPort  uint16
	Type        string
}

// ContainerDetails is a runtime-agnostic inspection result.
type ContainerDetails struct {
	ID              string
	Name            string
	Created         time.Time
	State           ContainerState
	Image           string
	RestartCount    int
	Config          ContainerConfig
	NetworkSettings NetworkSettings
	Mounts          []Mount
}

// ContainerState is a runtime-agnostic state summary.
type ContainerState struct {
	Status     string
	Running    bool
	Paused     bool
	Restarting bool
	OOMKilled  bool
	Dead       bool
	Pid        int
	ExitCode   int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
	Health     *HealthState
}

// HealthState is the daemon's own healthcheck verdict, if configured.
type HealthState struct {
	Status        string
	FailingStreak int
}

// ContainerConfig is the subset of container configuration the control
// plane cares about.
type ContainerConfig struct {
	Env    []string
	Cmd    []string
	Image  string
	Labels map[string]string
}

// NetworkSettings is the subset of network settings the control plane
// cares about.
type NetworkSettings struct {
	Networks map[string]EndpointSettings
}

// EndpointSettings describes a container's attachment to one network.
type EndpointSettings struct {
	NetworkID string
	Gateway   string
	IPAddress string
}

// Mount is a single bind or volume mount.
type Mount struct {
	Type        string
	Source      string
	Destination string
	RW          bool
}

// StatsEntry is a single raw stats sample from the daemon, paired with the
// previous sample needed to compute CPU deltas.
type StatsEntry struct {
	Read        time.Time
	PreRead     time.Time
	CPU         CPUStats
	PreCPU      CPUStats
	Memory      MemoryStats
	Pids        PidsStats
	Networks    map[string]NetworkStats
	Disk        DiskStats
	Name        string
	ID          string
}

// CPUStats is CPU usage as reported by the daemon.
type CPUStats struct {
	TotalUsage          int64
	UsageInKernelMode   int64
	UsageInUserMode     int64
	SystemCPUUsage      int64
	OnlineCPUs          int
	ThrottledTime       int64
	ThrottlePeriod      int
	ThrottledCount      int
}

// MemoryStats is memory usage as reported by the daemon.
type MemoryStats struct {
	Usage int64
	Limit int64
	Cache int64
}

// PidsStats is process-count usage as reported by the daemon.
type PidsStats struct {
	Current int
}

// DiskStats is cumulative block I/O as reported by the daemon, summed
// across all backing devices.
type DiskStats struct {
	ReadBytes  int64
	WriteBytes int64
	ReadOps    int64
	WriteOps   int64
}

// NetworkStats is per-interface network I/O as reported by the daemon.
type NetworkStats struct {
	RxBytes   int64
	RxPackets int64
	RxErrors  int64
	TxBytes   int64
	TxPackets int64
	TxErrors  int64
}

// CreateSpec describes a container to be created.
type CreateSpec struct {
	Name           string
	Image          string
	Env            []string
	Labels         map[string]string
	WorkspaceBind  string
	WorkspaceTarget string
	NetworkName    string
	MemoryLimit    int64
	CPUQuota       float64
	HostPort       int
	ContainerPort  int
	Cmd            []string
}

// LogLine is a single line read from the daemon's log stream.
type LogLine struct {
	Time    time.Time
	Stream  string // stdout|stderr
	Message string
}

// LogOptions controls a Logs() call.
type LogOptions struct {
	Follow     bool
	Since      time.Time
	Tail       int
	Timestamps bool
}
