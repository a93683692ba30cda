package logs_test

import (
	"context"
	"testing"
	"time"

	"github.com/debug-host/hostd/pkg/config"
	"github.com/debug-host/hostd/pkg/logs"
	"github.com/debug-host/hostd/pkg/runtime"
	"github.com/debug-host/hostd/pkg/tasks"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	lines []runtime.LogLine
}

func (f *fakeRuntime) Logs(ctx context.Context, id string, opts runtime.LogOptions) (<-chan runtime.LogLine, error) {
	ch := make(chan runtime.LogLine, len(f.lines))
	for _, l := range f.lines {
		ch <- l
	}
	close(ch)
	return ch, nil
}

func newPipeline(t *testing.T, rt *fakeRuntime) *logs.Pipeline {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	tm := tasks.NewManager()
	cfg := config.GetDefaultConfig()
	return logs.New(log, rt, tm, cfg.Logs, cfg.Subscriptions, "")
}

func TestTailInfersLevelFromMessage(t *testing.T) {
	now := time.Now()
	rt := &fakeRuntime{lines: []runtime.LogLine{
		{Time: now, Stream: "stdout", Message: "ERROR something broke"},
		{Time: now.Add(time.Millisecond), Stream: "stdout", Message: "just a normal line"},
	}}
	p := newPipeline(t, rt)

	p.StartTail("c1", "")
	require.Eventually(t, func() bool {
		return len(p.History("c1")) == 2
	}, time.Second, 10*time.Millisecond)

	entries := p.History("c1")
	require.Equal(t, "error", entries[0].Level)
	require.Equal(t, "info", entries[1].Level)
}

func TestSubscribeFiltersByLevel(t *testing.T) {
	now := time.Now()
	rt := &fakeRuntime{lines: []runtime.LogLine{
		{Time: now, Stream: "stdout", Message: "INFO booting"},
	}}
	p := newPipeline(t, rt)

	sub, err := p.Subscribe("c1", logs.Filter{Level: "error"}, false, 0)
	require.NoError(t, err)

	p.StartTail("c1", "")
	time.Sleep(50 * time.Millisecond)

	select {
	case <-sub.Queue:
		t.Fatal("did not expect an info entry to match an error filter")
	default:
	}
}

func TestSearchFindsSubstring(t *testing.T) {
	now := time.Now()
	rt := &fakeRuntime{lines: []runtime.LogLine{
		{Time: now, Stream: "stdout", Message: "request completed in 42ms"},
		{Time: now.Add(time.Millisecond), Stream: "stdout", Message: "unrelated line"},
	}}
	p := newPipeline(t, rt)
	p.StartTail("c1", "")
	require.Eventually(t, func() bool {
		return len(p.History("c1")) == 2
	}, time.Second, 10*time.Millisecond)

	results, err := p.Search("c1", "completed", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestDegradeStopsIndexRefreshTask(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	tm := tasks.NewManager()
	cfg := config.GetDefaultConfig()
	cfg.Logs.IndexRefresh = 10 * time.Millisecond
	p := logs.New(log, &fakeRuntime{}, tm, cfg.Logs, cfg.Subscriptions, "")

	p.Start()
	require.NoError(t, p.Degrade([]string{"log-search-index"}))

	require.False(t, tm.Running("logs:reindex"))
}

func TestExtractPerfMetricsRecognizesResponseTime(t *testing.T) {
	metrics := logs.ExtractPerfMetrics("request finished, response time 120 ms")
	require.Len(t, metrics, 1)
	require.Equal(t, "response_time", metrics[0].Kind)
	require.Equal(t, 120.0, metrics[0].Value)
}
