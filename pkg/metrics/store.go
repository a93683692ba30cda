package metrics

import (
	"math"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/debug-host/hostd/pkg/apperr"
	"github.com/debug-host/hostd/pkg/config"
	"github.com/debug-host/hostd/pkg/store"
)

// Resolution names a query tier.
type Resolution string

const (
	Raw           Resolution = "raw"
	Minute        Resolution = "minute"
	FiveMinute    Resolution = "fiveMinute"
	FifteenMinute Resolution = "fifteenMinute"
	Hour          Resolution = "hour"
	Day           Resolution = "day"
)

var bucketPeriods = map[Resolution]time.Duration{
	Minute:        time.Minute,
	FiveMinute:    5 * time.Minute,
	FifteenMinute: 15 * time.Minute,
	Hour:          time.Hour,
	Day:           24 * time.Hour,
}

// Bucket is an aggregated window of samples for one field set. Only the
// rate/percentage fields that are meaningful averaged over a window are
// aggregated here; point-in-time counters (online_cpus, throttling,
// pidsCurrent) are not, since an avg/min/max of a cumulative counter isn't
// a meaningful figure — callers needing those read the raw tier instead.
type Bucket struct {
	Time time.Time `json:"time"`
	Count int      `json:"count"`

	CPUUsageAvg float64 `json:"cpuUsageAvgPct"`
	CPUUsageMin float64 `json:"cpuUsageMinPct"`
	CPUUsageMax float64 `json:"cpuUsageMaxPct"`

	MemoryUsageAvg float64 `json:"memoryUsageAvgBytes"`
	MemoryUsageMin float64 `json:"memoryUsageMinBytes"`
	MemoryUsageMax float64 `json:"memoryUsageMaxBytes"`

	NetworkRxAvg float64 `json:"networkRxAvgBytesPerSec"`
	NetworkRxMax float64 `json:"networkRxMaxBytesPerSec"`
	NetworkTxAvg float64 `json:"networkTxAvgBytesPerSec"`
	NetworkTxMax float64 `json:"networkTxMaxBytesPerSec"`

	DiskReadAvg  float64 `json:"diskReadAvgBytesPerSec"`
	DiskReadMax  float64 `json:"diskReadMaxBytesPerSec"`
	DiskWriteAvg float64 `json:"diskWriteAvgBytesPerSec"`
	DiskWriteMax float64 `json:"diskWriteMaxBytesPerSec"`
}

type containerSeries struct {
	raw        []Sample
	aggregated map[Resolution][]Bucket
	lastBucket map[Resolution]time.Time
}

func newContainerSeries() *containerSeries {
	return &containerSeries{
		aggregated: make(map[Resolution][]Bucket),
		lastBucket: make(map[Resolution]time.Time),
	}
}

type highResSnapshot struct {
	Raw map[string][]Sample `json:"raw"`
}

type aggregatedSnapshot struct {
	Aggregated map[string]map[Resolution][]Bucket `json:"aggregated"`
}

// statsSnapshot is the summary file: per-container/per-resolution counts,
// cheap to read for an overview without loading the full time series.
type statsSnapshot struct {
	Containers map[string]containerStats `json:"containers"`
}

type containerStats struct {
	RawSamples       int            `json:"rawSamples"`
	AggregatedCounts map[Resolution]int `json:"aggregatedCounts"`
}

// Store is the two-tier (high-resolution + aggregated) time-series store
// for every known container, persisted as three snapshot files under dir:
// high-res.json, aggregated.json, stats.json.
type Store struct {
	log *logrus.Entry
	dir string
	cfg config.MetricsConfig

	mu     sync.RWMutex
	series map[string]*containerSeries
}

// NewStore loads (or initializes) a metrics store backed by the snapshot
// files under dir.
func NewStore(log *logrus.Entry, dir string, cfg config.MetricsConfig) (*Store, error) {
	s := &Store{
		log:    log,
		dir:    dir,
		cfg:    cfg,
		series: make(map[string]*containerSeries),
	}

	var highRes highResSnapshot
	if err := store.ReadJSON(s.highResPath(), &highRes); err != nil {
		return nil, err
	}
	var agg aggregatedSnapshot
	if err := store.ReadJSON(s.aggregatedPath(), &agg); err != nil {
		return nil, err
	}
	for id, raw := range highRes.Raw {
		cs := newContainerSeries()
		cs.raw = raw
		if a, ok := agg.Aggregated[id]; ok {
			cs.aggregated = a
		}
		s.series[id] = cs
	}
	for id, a := range agg.Aggregated {
		if _, ok := s.series[id]; !ok {
			cs := newContainerSeries()
			cs.aggregated = a
			s.series[id] = cs
		}
	}
	return s, nil
}

func (s *Store) highResPath() string   { return filepath.Join(s.dir, "high-res.json") }
func (s *Store) aggregatedPath() string { return filepath.Join(s.dir, "aggregated.json") }
func (s *Store) statsPath() string     { return filepath.Join(s.dir, "stats.json") }

func (s *Store) seriesFor(containerID string) *containerSeries {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.series[containerID]
	if !ok {
		cs = newContainerSeries()
		s.series[containerID] = cs
	}
	return cs
}

// Append records a new sample into the high-resolution tier.
func (s *Store) Append(sample Sample) {
	cs := s.seriesFor(sample.ContainerID)
	s.mu.Lock()
	cs.raw = append(cs.raw, sample)
	s.mu.Unlock()
}

// Persist writes the three snapshot files via the atomic file store:
// high-res.json, aggregated.json and stats.json.
func (s *Store) Persist() error {
	s.mu.RLock()
	highRes := highResSnapshot{Raw: make(map[string][]Sample, len(s.series))}
	agg := aggregatedSnapshot{Aggregated: make(map[string]map[Resolution][]Bucket, len(s.series))}
	stats := statsSnapshot{Containers: make(map[string]containerStats, len(s.series))}
	for id, cs := range s.series {
		highRes.Raw[id] = cs.raw
		agg.Aggregated[id] = cs.aggregated
		counts := make(map[Resolution]int, len(cs.aggregated))
		for res, buckets := range cs.aggregated {
			counts[res] = len(buckets)
		}
		stats.Containers[id] = containerStats{RawSamples: len(cs.raw), AggregatedCounts: counts}
	}
	s.mu.RUnlock()

	if err := store.WriteJSON(s.highResPath(), &highRes); err != nil {
		return err
	}
	if err := store.WriteJSON(s.aggregatedPath(), &agg); err != nil {
		return err
	}
	return store.WriteJSON(s.statsPath(), &stats)
}

// Aggregate rolls every high-res sample newer than the last bucket's
// timestamp into the proper bucket for every resolution, per spec.md
// §4.8: floor(t/I)*I bucket boundaries, {avg,min,max} per field.
func (s *Store) Aggregate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cs := range s.series {
		for res, period := range bucketPeriods {
			buckets := make(map[time.Time][]Sample)
			last := cs.lastBucket[res]
			for _, sample := range cs.raw {
				if !sample.Time.After(last) {
					continue
				}
				bucketTime := floorTime(sample.Time, period)
				buckets[bucketTime] = append(buckets[bucketTime], sample)
			}
			if len(buckets) == 0 {
				continue
			}

			times := make([]time.Time, 0, len(buckets))
			for t := range buckets {
				times = append(times, t)
			}
			sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

			for _, t := range times {
				samples := buckets[t]
				b := aggregateBucket(t, samples)
				cs.aggregated[res] = append(cs.aggregated[res], b)
				if t.After(cs.lastBucket[res]) {
					cs.lastBucket[res] = t
				}
			}
		}
	}
}

func floorTime(t time.Time, period time.Duration) time.Time {
	return time.Unix(0, (t.UnixNano()/int64(period))*int64(period)).UTC()
}

func aggregateBucket(t time.Time, samples []Sample) Bucket {
	b := Bucket{Time: t, Count: len(samples)}
	if len(samples) == 0 {
		return b
	}
	b.CPUUsageMin, b.CPUUsageMax = samples[0].CPU.UsagePercent, samples[0].CPU.UsagePercent
	b.MemoryUsageMin, b.MemoryUsageMax = float64(samples[0].Memory.UsageBytes), float64(samples[0].Memory.UsageBytes)

	var cpuSum, memSum, rxSum, txSum, readSum, writeSum float64
	for _, s := range samples {
		cpuSum += s.CPU.UsagePercent
		memSum += float64(s.Memory.UsageBytes)
		rxSum += s.Network.RxBytesPS
		txSum += s.Network.TxBytesPS
		readSum += s.Disk.ReadBytesPS
		writeSum += s.Disk.WriteBytesPS

		b.CPUUsageMin = math.Min(b.CPUUsageMin, s.CPU.UsagePercent)
		b.CPUUsageMax = math.Max(b.CPUUsageMax, s.CPU.UsagePercent)
		b.MemoryUsageMin = math.Min(b.MemoryUsageMin, float64(s.Memory.UsageBytes))
		b.MemoryUsageMax = math.Max(b.MemoryUsageMax, float64(s.Memory.UsageBytes))
		b.NetworkRxMax = math.Max(b.NetworkRxMax, s.Network.RxBytesPS)
		b.NetworkTxMax = math.Max(b.NetworkTxMax, s.Network.TxBytesPS)
		b.DiskReadMax = math.Max(b.DiskReadMax, s.Disk.ReadBytesPS)
		b.DiskWriteMax = math.Max(b.DiskWriteMax, s.Disk.WriteBytesPS)
	}
	n := float64(len(samples))
	b.CPUUsageAvg = cpuSum / n
	b.MemoryUsageAvg = memSum / n
	b.NetworkRxAvg = rxSum / n
	b.NetworkTxAvg = txSum / n
	b.DiskReadAvg = readSum / n
	b.DiskWriteAvg = writeSum / n
	return b
}

// Retain drops high-res samples older than the configured high-res
// retention, aggregated buckets older than the aggregate retention, and
// removes any container with zero data left in every tier.
func (s *Store) Retain() {
	highRes := s.cfg.HighResRetention
	if highRes <= 0 {
		highRes = 7 * 24 * time.Hour
	}
	aggRetain := s.cfg.AggregateRetain
	if aggRetain <= 0 {
		aggRetain = 30 * 24 * time.Hour
	}

	now := time.Now()
	highResCutoff := now.Add(-highRes)
	aggCutoff := now.Add(-aggRetain)

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, cs := range s.series {
		cs.raw = filterAfter(cs.raw, highResCutoff)
		total := len(cs.raw)
		for res, buckets := range cs.aggregated {
			kept := buckets[:0:0]
			for _, b := range buckets {
				if b.Time.After(aggCutoff) {
					kept = append(kept, b)
				}
			}
			cs.aggregated[res] = kept
			total += len(kept)
		}
		if total == 0 {
			delete(s.series, id)
		}
	}
}

func filterAfter(samples []Sample, cutoff time.Time) []Sample {
	kept := samples[:0:0]
	for _, s := range samples {
		if s.Time.After(cutoff) {
			kept = append(kept, s)
		}
	}
	return kept
}

// Query implements queryMetrics: scans the chosen tier, filters by time,
// and down-samples by step if the result exceeds limit.
func (s *Store) Query(containerID string, startTime, endTime time.Time, resolution Resolution, limit int) (interface{}, error) {
	s.mu.RLock()
	cs, ok := s.series[containerID]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "no metrics for container %q", containerID)
	}

	if resolution == "" || resolution == Raw {
		s.mu.RLock()
		samples := make([]Sample, len(cs.raw))
		copy(samples, cs.raw)
		s.mu.RUnlock()

		filtered := make([]Sample, 0, len(samples))
		for _, smp := range samples {
			if inRange(smp.Time, startTime, endTime) {
				filtered = append(filtered, smp)
			}
		}
		return downsampleSamples(filtered, limit), nil
	}

	s.mu.RLock()
	buckets := make([]Bucket, len(cs.aggregated[resolution]))
	copy(buckets, cs.aggregated[resolution])
	s.mu.RUnlock()

	filtered := make([]Bucket, 0, len(buckets))
	for _, b := range buckets {
		if inRange(b.Time, startTime, endTime) {
			filtered = append(filtered, b)
		}
	}
	return downsampleBuckets(filtered, limit), nil
}

func inRange(t, start, end time.Time) bool {
	if !start.IsZero() && t.Before(start) {
		return false
	}
	if !end.IsZero() && t.After(end) {
		return false
	}
	return true
}

func downsampleSamples(samples []Sample, limit int) []Sample {
	if limit <= 0 || len(samples) <= limit {
		return samples
	}
	step := int(math.Ceil(float64(len(samples)) / float64(limit)))
	out := make([]Sample, 0, limit)
	for i := 0; i < len(samples); i += step {
		out = append(out, samples[i])
	}
	return out
}

func downsampleBuckets(buckets []Bucket, limit int) []Bucket {
	if limit <= 0 || len(buckets) <= limit {
		return buckets
	}
	step := int(math.Ceil(float64(len(buckets)) / float64(limit)))
	out := make([]Bucket, 0, limit)
	for i := 0; i < len(buckets); i += step {
		out = append(out, buckets[i])
	}
	return out
}

// LatestSample returns the most recent high-res sample for a container.
func (s *Store) LatestSample(containerID string) (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.series[containerID]
	if !ok || len(cs.raw) == 0 {
		return Sample{}, false
	}
	return cs.raw[len(cs.raw)-1], true
}

// RecentRaw returns raw samples from the last `window` for a container, for
// stream history replay.
func (s *Store) RecentRaw(containerID string, window time.Duration) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.series[containerID]
	if !ok {
		return nil
	}
	cutoff := time.Now().Add(-window)
	var out []Sample
	for _, smp := range cs.raw {
		if smp.Time.After(cutoff) {
			out = append(out, smp)
		}
	}
	return out
}
