// Package metrics implements the metrics pipeline (C8): a multi-rate
// collector over C5's stats endpoint, a two-tier time-series store, and
// streaming subscriptions. Grounded on the teacher's
// pkg/commands/podman.go `MonitorClientContainerStats` sampling loop and
// CPU/memory percentage formulas, and on `pkg/tasks.Manager`'s keyed
// background-task lifecycle.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/debug-host/hostd/pkg/config"
	"github.com/debug-host/hostd/pkg/runtime"
	"github.com/debug-host/hostd/pkg/tasks"
)

// Interval names the three collector rates.
type Interval string

const (
	Fast   Interval = "fast"
	Medium Interval = "medium"
	Slow   Interval = "slow"
)

// Sample is one point-in-time measurement for a container at a given
// interval.
type Sample struct {
	ContainerID string        `json:"containerId"`
	Interval    Interval      `json:"interval"`
	Time        time.Time     `json:"time"`
	CPU         CPUSample     `json:"cpu"`
	Memory      MemorySample  `json:"memory"`
	Network     NetworkSample `json:"network"`
	Disk        DiskSample    `json:"disk"`
	PidsCurrent int           `json:"pidsCurrent"`
}

// ThrottlingSample passes the daemon's cumulative CFS throttling counters
// through unchanged.
type ThrottlingSample struct {
	Periods          int   `json:"periods"`
	ThrottledPeriods int   `json:"throttledPeriods"`
	ThrottledTimeNS  int64 `json:"throttledTimeNs"`
}

// CPUSample is CPU usage for one sample.
type CPUSample struct {
	UsagePercent  float64          `json:"usagePct"`
	SystemPercent float64          `json:"systemPct"`
	UserPercent   float64          `json:"userPct"`
	OnlineCPUs    int              `json:"onlineCpus"`
	Throttling    ThrottlingSample `json:"throttling"`
}

// MemorySample is memory usage for one sample. UsageBytes/UsagePercent are
// the raw daemon figures; UsableBytes/UsablePercent subtract the page
// cache, which is the number that actually predicts OOM risk.
type MemorySample struct {
	UsageBytes    int64   `json:"usageBytes"`
	LimitBytes    int64   `json:"limitBytes"`
	UsagePercent  float64 `json:"usagePct"`
	CacheBytes    int64   `json:"cacheBytes"`
	UsableBytes   int64   `json:"usableBytes"`
	UsablePercent float64 `json:"usablePct"`
}

// NetworkSample is network throughput for one sample, summed across all
// interfaces.
type NetworkSample struct {
	RxBytesPS float64 `json:"rxBytesPerSec"`
	TxBytesPS float64 `json:"txBytesPerSec"`
	Packets   int64   `json:"packets"`
	Errors    int64   `json:"errors"`
}

// DiskSample is block I/O throughput for one sample, summed across all
// backing devices.
type DiskSample struct {
	ReadBytesPS  float64 `json:"readBytesPerSec"`
	WriteBytesPS float64 `json:"writeBytesPerSec"`
	ReadOpsPS    float64 `json:"readOpsPerSec"`
	WriteOpsPS   float64 `json:"writeOpsPerSec"`
}

// Runtime is the subset of the container runtime adapter the collector
// depends on, narrowed to an interface for testability.
type Runtime interface {
	Stats(ctx context.Context, id string) (runtime.StatsEntry, error)
}

type prevSample struct {
	entry runtime.StatsEntry
	at    time.Time
}

// Collector pools per-(container,interval) samplers.
type Collector struct {
	log     *logrus.Entry
	runtime Runtime
	tasks   *tasks.Manager
	cfg     config.MetricsConfig
	store   *Store
	stream  *StreamManager

	mu       sync.Mutex
	prev     map[string]prevSample // key: containerID
	attached map[string]bool       // key: containerID, tracks which containers to re-disable on future Attach
	disabled map[Interval]bool
}

// NewCollector constructs a collector writing samples into store and
// fanning them out through stream.
func NewCollector(log *logrus.Entry, rt Runtime, tm *tasks.Manager, cfg config.MetricsConfig, store *Store, stream *StreamManager) *Collector {
	return &Collector{
		log:     log,
		runtime: rt,
		tasks:   tm,
		cfg:     cfg,
		store:    store,
		stream:   stream,
		prev:     make(map[string]prevSample),
		attached: make(map[string]bool),
		disabled: make(map[Interval]bool),
	}
}

func (c *Collector) intervalDuration(i Interval) time.Duration {
	switch i {
	case Fast:
		if c.cfg.FastInterval > 0 {
			return c.cfg.FastInterval
		}
		return time.Second
	case Medium:
		if c.cfg.MediumInterval > 0 {
			return c.cfg.MediumInterval
		}
		return 5 * time.Second
	default:
		if c.cfg.SlowInterval > 0 {
			return c.cfg.SlowInterval
		}
		return 30 * time.Second
	}
}

// Attach starts samplers for containerID at every enabled interval. It is
// atomic with respect to a concurrent Detach for the same container: the
// task keys are per-(container,interval), so partial attach is never
// observed by a reader of the store.
func (c *Collector) Attach(containerID string, intervals []Interval) {
	c.mu.Lock()
	c.attached[containerID] = true
	c.mu.Unlock()

	for _, interval := range intervals {
		c.mu.Lock()
		skip := c.disabled[interval]
		c.mu.Unlock()
		if skip {
			continue
		}
		interval := interval
		key := samplerKey(containerID, interval)
		c.tasks.Start(key, func(stop chan struct{}) {
			c.runSampler(containerID, interval, stop)
		})
	}
}

// Detach stops every sampler for a container.
func (c *Collector) Detach(containerID string) {
	for _, interval := range []Interval{Fast, Medium, Slow} {
		c.tasks.Stop(samplerKey(containerID, interval))
	}
	c.mu.Lock()
	delete(c.prev, containerID)
	delete(c.attached, containerID)
	c.mu.Unlock()
}

// DisableInterval stops the sampler at this interval for every currently
// attached container, and suppresses it for any container attached
// afterward, until the process restarts. Used by the health engine's
// degrade strategy to cut collection cost under sustained resource
// pressure.
func (c *Collector) DisableInterval(interval Interval) {
	c.mu.Lock()
	c.disabled[interval] = true
	ids := make([]string, 0, len(c.attached))
	for id := range c.attached {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.tasks.Stop(samplerKey(id, interval))
	}
}

func samplerKey(containerID string, interval Interval) string {
	return "sampler:" + containerID + ":" + string(interval)
}

func (c *Collector) runSampler(containerID string, interval Interval, stop chan struct{}) {
	ticker := time.NewTicker(c.intervalDuration(interval))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.sampleOnce(containerID, interval)
		}
	}
}

func (c *Collector) sampleOnce(containerID string, interval Interval) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry, err := c.runtime.Stats(ctx, containerID)
	if err != nil {
		c.log.WithError(err).Debugf("stats sample failed for %s", containerID)
		return
	}

	now := time.Now()
	c.mu.Lock()
	prev, hasPrev := c.prev[containerID]
	c.prev[containerID] = prevSample{entry: entry, at: now}
	c.mu.Unlock()

	var rxPackets, rxErrors, txPackets, txErrors int64
	for _, n := range entry.Networks {
		rxPackets += n.RxPackets
		rxErrors += n.RxErrors
		txPackets += n.TxPackets
		txErrors += n.TxErrors
	}

	sample := Sample{
		ContainerID: containerID,
		Interval:    interval,
		Time:        now,
		CPU: CPUSample{
			UsagePercent:  runtime.CPUPercent(entry),
			SystemPercent: runtime.SystemPercent(entry),
			UserPercent:   runtime.UserPercent(entry),
			OnlineCPUs:    entry.CPU.OnlineCPUs,
			Throttling: ThrottlingSample{
				Periods:          entry.CPU.ThrottlePeriod,
				ThrottledPeriods: entry.CPU.ThrottledCount,
				ThrottledTimeNS:  entry.CPU.ThrottledTime,
			},
		},
		Memory: MemorySample{
			UsageBytes:    entry.Memory.Usage,
			LimitBytes:    entry.Memory.Limit,
			UsagePercent:  runtime.MemoryPercent(entry),
			CacheBytes:    entry.Memory.Cache,
			UsableBytes:   runtime.UsableMemoryBytes(entry),
			UsablePercent: runtime.UsableMemoryPercent(entry),
		},
		Network: NetworkSample{
			Packets: rxPackets + txPackets,
			Errors:  rxErrors + txErrors,
		},
		PidsCurrent: entry.Pids.Current,
	}

	if hasPrev {
		elapsed := now.Sub(prev.at).Seconds()
		if elapsed > 0 {
			sample.Network.RxBytesPS, sample.Network.TxBytesPS = networkRates(prev.entry, entry, elapsed)
			sample.Disk.ReadBytesPS, sample.Disk.WriteBytesPS, sample.Disk.ReadOpsPS, sample.Disk.WriteOpsPS = diskRates(prev.entry, entry, elapsed)
		}
	}

	c.store.Append(sample)
	c.stream.Publish(sample)
}

func networkRates(prev, cur runtime.StatsEntry, elapsedSeconds float64) (rx, tx float64) {
	var prevRx, prevTx, curRx, curTx int64
	for _, n := range prev.Networks {
		prevRx += n.RxBytes
		prevTx += n.TxBytes
	}
	for _, n := range cur.Networks {
		curRx += n.RxBytes
		curTx += n.TxBytes
	}
	if curRx >= prevRx {
		rx = float64(curRx-prevRx) / elapsedSeconds
	}
	if curTx >= prevTx {
		tx = float64(curTx-prevTx) / elapsedSeconds
	}
	return rx, tx
}

func diskRates(prev, cur runtime.StatsEntry, elapsedSeconds float64) (readBPS, writeBPS, readOPS, writeOPS float64) {
	if cur.Disk.ReadBytes >= prev.Disk.ReadBytes {
		readBPS = float64(cur.Disk.ReadBytes-prev.Disk.ReadBytes) / elapsedSeconds
	}
	if cur.Disk.WriteBytes >= prev.Disk.WriteBytes {
		writeBPS = float64(cur.Disk.WriteBytes-prev.Disk.WriteBytes) / elapsedSeconds
	}
	if cur.Disk.ReadOps >= prev.Disk.ReadOps {
		readOPS = float64(cur.Disk.ReadOps-prev.Disk.ReadOps) / elapsedSeconds
	}
	if cur.Disk.WriteOps >= prev.Disk.WriteOps {
		writeOPS = float64(cur.Disk.WriteOps-prev.Disk.WriteOps) / elapsedSeconds
	}
	return readBPS, writeBPS, readOPS, writeOPS
}
