package health

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	gopsnet "github.com/shirou/gopsutil/v4/net"

	"github.com/debug-host/hostd/pkg/ports"
	"github.com/debug-host/hostd/pkg/projects"
)

// DaemonPinger is the subset of the runtime adapter the daemon probe
// depends on.
type DaemonPinger interface {
	Ping(ctx context.Context) error
}

// DaemonProbe checks reachability of the container daemon.
func DaemonProbe(rt DaemonPinger) Probe {
	return func(ctx context.Context) ProbeResult {
		start := time.Now()
		if err := rt.Ping(ctx); err != nil {
			return ProbeResult{State: Critical, ResponseTime: time.Since(start), Err: err}
		}
		return ProbeResult{State: Healthy, ResponseTime: time.Since(start)}
	}
}

// PortRegistryProbe checks that the port registry responds and reports
// its utilization as metadata.
func PortRegistryProbe(registry *ports.Registry) Probe {
	return func(ctx context.Context) ProbeResult {
		start := time.Now()
		stats := registry.Stats()
		return ProbeResult{
			State:        Healthy,
			ResponseTime: time.Since(start),
			Metadata:     map[string]any{"totalAllocated": stats.Total},
		}
	}
}

// ProjectRegistryProbe checks that the project registry responds.
func ProjectRegistryProbe(registry *projects.Registry) Probe {
	return func(ctx context.Context) ProbeResult {
		start := time.Now()
		count := len(registry.List())
		return ProbeResult{
			State:        Healthy,
			ResponseTime: time.Since(start),
			Metadata:     map[string]any{"projectCount": count},
		}
	}
}

// DetectorProbe is a trivial liveness check for the tech stack detector;
// detection is pure and stateless so "healthy" means the process can call
// into the package at all.
func DetectorProbe() Probe {
	return func(ctx context.Context) ProbeResult {
		return ProbeResult{State: Healthy, ResponseTime: 0}
	}
}

// ControlPlaneProbe is a trivial self-check the engine runs against its
// own process.
func ControlPlaneProbe() Probe {
	return func(ctx context.Context) ProbeResult {
		return ProbeResult{State: Healthy, ResponseTime: 0}
	}
}

// FilesystemProbe checks available disk space under dataDir via
// gopsutil's disk package, warning below 10% free and critical below 5%.
func FilesystemProbe(dataDir string) Probe {
	return func(ctx context.Context) ProbeResult {
		start := time.Now()
		usage, err := disk.UsageWithContext(ctx, dataDir)
		if err != nil {
			return ProbeResult{State: Error, ResponseTime: time.Since(start), Err: err}
		}

		freePercent := 100 - usage.UsedPercent
		state := Healthy
		switch {
		case freePercent < 5:
			state = Critical
		case freePercent < 10:
			state = Warning
		}
		return ProbeResult{
			State:        state,
			ResponseTime: time.Since(start),
			Metadata: map[string]any{
				"freePercent": freePercent,
				"totalBytes":  usage.Total,
			},
		}
	}
}

// NetworkProbe checks that at least one network interface is reporting
// traffic counters via gopsutil's net package.
func NetworkProbe() Probe {
	return func(ctx context.Context) ProbeResult {
		start := time.Now()
		counters, err := gopsnet.IOCountersWithContext(ctx, false)
		if err != nil {
			return ProbeResult{State: Error, ResponseTime: time.Since(start), Err: err}
		}
		if len(counters) == 0 {
			return ProbeResult{State: Warning, ResponseTime: time.Since(start)}
		}
		return ProbeResult{
			State:        Healthy,
			ResponseTime: time.Since(start),
			Metadata: map[string]any{
				"bytesSent": counters[0].BytesSent,
				"bytesRecv": counters[0].BytesRecv,
			},
		}
	}
}
