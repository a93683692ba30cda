package runtime

// CPUPercent computes CPU usage as a percentage of total system CPU time
// between two samples: (Δtotal_cpu / Δsystem_cpu) × online_cpus × 100.
func CPUPercent(stats StatsEntry) float64 {
	cpuDelta := float64(stats.CPU.TotalUsage - stats.PreCPU.TotalUsage)
	systemDelta := float64(stats.CPU.SystemCPUUsage - stats.PreCPU.SystemCPUUsage)
	if systemDelta > 0 && cpuDelta > 0 {
		onlineCPUs := float64(stats.CPU.OnlineCPUs)
		if onlineCPUs <= 0 {
			onlineCPUs = 1
		}
		return (cpuDelta / systemDelta) * onlineCPUs * 100.0
	}
	return 0.0
}

// SystemPercent computes the share of CPU time spent in kernel mode
// between two samples, using the same delta/online-cpu shape as CPUPercent.
func SystemPercent(stats StatsEntry) float64 {
	return modePercent(stats, stats.CPU.UsageInKernelMode, stats.PreCPU.UsageInKernelMode)
}

// UserPercent computes the share of CPU time spent in user mode between
// two samples, using the same delta/online-cpu shape as CPUPercent.
func UserPercent(stats StatsEntry) float64 {
	return modePercent(stats, stats.CPU.UsageInUserMode, stats.PreCPU.UsageInUserMode)
}

func modePercent(stats StatsEntry, cur, prev int64) float64 {
	modeDelta := float64(cur - prev)
	systemDelta := float64(stats.CPU.SystemCPUUsage - stats.PreCPU.SystemCPUUsage)
	if systemDelta > 0 && modeDelta > 0 {
		onlineCPUs := float64(stats.CPU.OnlineCPUs)
		if onlineCPUs <= 0 {
			onlineCPUs = 1
		}
		return (modeDelta / systemDelta) * onlineCPUs * 100.0
	}
	return 0.0
}

// MemoryPercent computes memory usage as a percentage of the container's
// memory limit, using the same formula as the teacher's podman.go
// calculateMemoryPercentageFromEntry.
func MemoryPercent(stats StatsEntry) float64 {
	if stats.Memory.Limit > 0 {
		return float64(stats.Memory.Usage) / float64(stats.Memory.Limit) * 100.0
	}
	return 0.0
}

// UsableMemoryBytes returns usage with the page cache subtracted, per
// spec.md's `usable = usage - cache`.
func UsableMemoryBytes(stats StatsEntry) int64 {
	usable := stats.Memory.Usage - stats.Memory.Cache
	if usable < 0 {
		return 0
	}
	return usable
}

// UsableMemoryPercent computes usable memory as a percentage of the
// container's memory limit.
func UsableMemoryPercent(stats StatsEntry) float64 {
	if stats.Memory.Limit > 0 {
		return float64(UsableMemoryBytes(stats)) / float64(stats.Memory.Limit) * 100.0
	}
	return 0.0
}
