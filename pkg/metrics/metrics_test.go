package metrics_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/debug-host/hostd/pkg/config"
	"github.com/debug-host/hostd/pkg/metrics"
	"github.com/debug-host/hostd/pkg/runtime"
	"github.com/debug-host/hostd/pkg/tasks"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	entry runtime.StatsEntry
}

func (f *fakeRuntime) Stats(ctx context.Context, id string) (runtime.StatsEntry, error) {
	return f.entry, nil
}

func TestCollectorAppendsSamplesToStore(t *testing.T) {
	dir := t.TempDir()
	log := logrus.NewEntry(logrus.New())
	tm := tasks.NewManager()
	cfg := config.GetDefaultConfig().Metrics
	cfg.FastInterval = 10 * time.Millisecond

	rt := &fakeRuntime{entry: runtime.StatsEntry{
		CPU:    runtime.CPUStats{TotalUsage: 2000, SystemCPUUsage: 10000},
		Memory: runtime.MemoryStats{Usage: 512, Limit: 2048},
	}}

	svc, err := metrics.NewService(log, rt, tm, cfg, config.GetDefaultConfig().Subscriptions, filepath.Join(dir, "metrics"))
	require.NoError(t, err)

	svc.Collector.Attach("c1", []metrics.Interval{metrics.Fast})
	require.Eventually(t, func() bool {
		_, ok := svc.Store.LatestSample("c1")
		return ok
	}, time.Second, 10*time.Millisecond)

	sample, ok := svc.Store.LatestSample("c1")
	require.True(t, ok)
	require.InDelta(t, 25.0, sample.Memory.UsagePercent, 0.01)
}

func TestStoreAggregateProducesBuckets(t *testing.T) {
	dir := t.TempDir()
	log := logrus.NewEntry(logrus.New())
	cfg := config.GetDefaultConfig().Metrics

	s, err := metrics.NewStore(log, filepath.Join(dir, "metrics"), cfg)
	require.NoError(t, err)

	now := time.Now()
	s.Append(metrics.Sample{ContainerID: "c1", Time: now, CPU: metrics.CPUSample{UsagePercent: 10}, Memory: metrics.MemorySample{UsageBytes: 100}})
	s.Append(metrics.Sample{ContainerID: "c1", Time: now.Add(time.Second), CPU: metrics.CPUSample{UsagePercent: 20}, Memory: metrics.MemorySample{UsageBytes: 200}})

	s.Aggregate()

	result, err := s.Query("c1", time.Time{}, time.Time{}, metrics.Minute, 0)
	require.NoError(t, err)
	buckets, ok := result.([]metrics.Bucket)
	require.True(t, ok)
	require.Len(t, buckets, 1)
	require.Equal(t, 2, buckets[0].Count)
	require.InDelta(t, 15.0, buckets[0].CPUUsageAvg, 0.01)
}

func TestDisableIntervalStopsFastSamplerAndSuppressesFutureAttach(t *testing.T) {
	dir := t.TempDir()
	log := logrus.NewEntry(logrus.New())
	tm := tasks.NewManager()
	cfg := config.GetDefaultConfig().Metrics
	cfg.FastInterval = 10 * time.Millisecond

	rt := &fakeRuntime{entry: runtime.StatsEntry{
		CPU:    runtime.CPUStats{TotalUsage: 2000, SystemCPUUsage: 10000},
		Memory: runtime.MemoryStats{Usage: 512, Limit: 2048},
	}}

	svc, err := metrics.NewService(log, rt, tm, cfg, config.GetDefaultConfig().Subscriptions, filepath.Join(dir, "metrics"))
	require.NoError(t, err)

	svc.Collector.Attach("c1", []metrics.Interval{metrics.Fast})
	require.Eventually(t, func() bool {
		_, ok := svc.Store.LatestSample("c1")
		return ok
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, svc.Degrade([]string{"metrics-fast-interval"}))

	svc.Collector.Attach("c2", []metrics.Interval{metrics.Fast})
	time.Sleep(50 * time.Millisecond)
	_, ok := svc.Store.LatestSample("c2")
	require.False(t, ok)
}

func TestStreamManagerPublishRoutesByInterval(t *testing.T) {
	sm := metrics.NewStreamManager(config.GetDefaultConfig().Subscriptions)
	sub := sm.Subscribe("c1", metrics.Fast, nil)

	sm.Publish(metrics.Sample{ContainerID: "c1", Interval: metrics.Slow})
	select {
	case <-sub.Queue:
		t.Fatal("did not expect a slow-interval sample on a fast subscription")
	default:
	}

	sm.Publish(metrics.Sample{ContainerID: "c1", Interval: metrics.Fast})
	select {
	case <-sub.Queue:
	default:
		t.Fatal("expected the fast-interval sample to be delivered")
	}
}
