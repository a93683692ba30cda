package runtime_test

import (
	"testing"

	"github.com/debug-host/hostd/pkg/runtime"
	"github.com/stretchr/testify/require"
)

func TestCPUPercentComputesDelta(t *testing.T) {
	stats := runtime.StatsEntry{
		CPU:    runtime.CPUStats{TotalUsage: 2000, SystemCPUUsage: 10000, OnlineCPUs: 2},
		PreCPU: runtime.CPUStats{TotalUsage: 1000, SystemCPUUsage: 5000},
	}
	require.InDelta(t, 40.0, runtime.CPUPercent(stats), 0.0001)
}

func TestCPUPercentDefaultsToOneOnlineCPU(t *testing.T) {
	stats := runtime.StatsEntry{
		CPU:    runtime.CPUStats{TotalUsage: 2000, SystemCPUUsage: 10000},
		PreCPU: runtime.CPUStats{TotalUsage: 1000, SystemCPUUsage: 5000},
	}
	require.InDelta(t, 20.0, runtime.CPUPercent(stats), 0.0001)
}

func TestCPUPercentZeroWhenNoDelta(t *testing.T) {
	stats := runtime.StatsEntry{
		CPU:    runtime.CPUStats{TotalUsage: 1000, SystemCPUUsage: 5000, OnlineCPUs: 2},
		PreCPU: runtime.CPUStats{TotalUsage: 1000, SystemCPUUsage: 5000},
	}
	require.Equal(t, 0.0, runtime.CPUPercent(stats))
}

func TestSystemPercentComputesDelta(t *testing.T) {
	stats := runtime.StatsEntry{
		CPU:    runtime.CPUStats{UsageInKernelMode: 1500, SystemCPUUsage: 10000, OnlineCPUs: 2},
		PreCPU: runtime.CPUStats{UsageInKernelMode: 500, SystemCPUUsage: 5000},
	}
	require.InDelta(t, 40.0, runtime.SystemPercent(stats), 0.0001)
}

func TestUserPercentComputesDelta(t *testing.T) {
	stats := runtime.StatsEntry{
		CPU:    runtime.CPUStats{UsageInUserMode: 1500, SystemCPUUsage: 10000, OnlineCPUs: 2},
		PreCPU: runtime.CPUStats{UsageInUserMode: 500, SystemCPUUsage: 5000},
	}
	require.InDelta(t, 40.0, runtime.UserPercent(stats), 0.0001)
}

func TestMemoryPercentComputesRatio(t *testing.T) {
	stats := runtime.StatsEntry{
		Memory: runtime.MemoryStats{Usage: 512, Limit: 2048},
	}
	require.InDelta(t, 25.0, runtime.MemoryPercent(stats), 0.0001)
}

func TestMemoryPercentZeroWhenNoLimit(t *testing.T) {
	stats := runtime.StatsEntry{Memory: runtime.MemoryStats{Usage: 512, Limit: 0}}
	require.Equal(t, 0.0, runtime.MemoryPercent(stats))
}
