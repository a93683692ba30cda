package health_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/debug-host/hostd/pkg/config"
	"github.com/debug-host/hostd/pkg/health"
	"github.com/debug-host/hostd/pkg/tasks"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) *health.Engine {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	tm := tasks.NewManager()
	cfg := config.GetDefaultConfig().Health
	cfg.ConsecutiveFailures = 2
	return health.New(log, tm, cfg)
}

func TestRunProbesTracksConsecutiveFailures(t *testing.T) {
	e := newEngine(t)
	calls := 0
	e.Register("flaky", health.KindNetwork, func(ctx context.Context) health.ProbeResult {
		calls++
		return health.ProbeResult{State: health.Error, Err: errors.New("boom")}
	})

	e.RunProbes(context.Background())
	e.RunProbes(context.Background())

	records := e.Records()
	rec := records["flaky"]
	require.Equal(t, 2, rec.ConsecutiveFailures)
	require.Equal(t, int64(2), rec.TotalFailures)
}

func TestTriggerRecoveryIsSerializedPerComponent(t *testing.T) {
	e := newEngine(t)
	started := make(chan struct{})
	release := make(chan struct{})
	e.Register("slow", health.KindDefault, func(ctx context.Context) health.ProbeResult {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return health.ProbeResult{State: health.Healthy}
	})

	go e.TriggerRecovery(context.Background(), "slow", health.KindDefault)
	<-started

	err := e.TriggerRecovery(context.Background(), "slow", health.KindDefault)
	require.Error(t, err)

	close(release)
	time.Sleep(20 * time.Millisecond)
}

func TestExecuteRetrySucceedsWhenProbeRecovers(t *testing.T) {
	e := newEngine(t)
	attempts := 0
	e.Register("recovering", health.KindNetwork, func(ctx context.Context) health.ProbeResult {
		attempts++
		if attempts < 2 {
			return health.ProbeResult{State: health.Error, Err: errors.New("not yet")}
		}
		return health.ProbeResult{State: health.Healthy}
	})

	err := e.TriggerRecovery(context.Background(), "recovering", health.KindNetwork)
	require.NoError(t, err)

	history := e.History()
	require.Len(t, history, 1)
	require.True(t, history[0].Success)
	require.Equal(t, health.StrategyRetry, history[0].Strategy)
}

func TestResourceKindDegrades(t *testing.T) {
	e := newEngine(t)
	e.Register("disk", health.KindResource, func(ctx context.Context) health.ProbeResult {
		return health.ProbeResult{State: health.Error}
	})

	err := e.TriggerRecovery(context.Background(), "disk", health.KindResource)
	require.NoError(t, err)
	require.True(t, e.Degraded("disk"))
}

func TestFilesystemFallbackServesLastGoodCache(t *testing.T) {
	e := newEngine(t)
	healthy := true
	e.Register("fs", health.KindFilesystem, func(ctx context.Context) health.ProbeResult {
		if healthy {
			return health.ProbeResult{State: health.Healthy, Metadata: map[string]any{"freePercent": 42.0}}
		}
		return health.ProbeResult{State: health.Error}
	})

	e.RunProbes(context.Background())
	healthy = false

	err := e.TriggerRecovery(context.Background(), "fs", health.KindFilesystem)
	require.NoError(t, err)

	history := e.History()
	require.Len(t, history, 1)
	require.Equal(t, health.StrategyFallback, history[0].Strategy)
	require.True(t, history[0].Success)
	require.False(t, history[0].RequiresIntervention)
}

func TestConfigFallbackWithoutCacheUsesDefault(t *testing.T) {
	e := newEngine(t)
	e.Register("cfg", health.KindConfig, func(ctx context.Context) health.ProbeResult {
		return health.ProbeResult{State: health.Error}
	})

	err := e.TriggerRecovery(context.Background(), "cfg", health.KindConfig)
	require.NoError(t, err)

	history := e.History()
	require.Len(t, history, 1)
	require.False(t, history[0].RequiresIntervention)
}

func TestFallbackWithoutCacheOrDefaultRequiresManualIntervention(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	tm := tasks.NewManager()
	cfg := config.GetDefaultConfig().Health
	cfg.Fallback.Actions = []string{"manual"} // no cache/default step configured
	e := health.New(log, tm, cfg)

	e.Register("vault", health.KindFilesystem, func(ctx context.Context) health.ProbeResult {
		return health.ProbeResult{State: health.Error}
	})

	err := e.TriggerRecovery(context.Background(), "vault", health.KindFilesystem)
	require.NoError(t, err)

	history := e.History()
	require.Len(t, history, 1)
	require.True(t, history[0].RequiresIntervention)
}

func TestRestartStrategyInvokesConfiguredRestarter(t *testing.T) {
	e := newEngine(t)
	var restarted string
	e.SetRestarter(func(ctx context.Context, name string) error {
		restarted = name
		return nil
	})
	e.Register("daemon", health.KindDaemon, func(ctx context.Context) health.ProbeResult {
		return health.ProbeResult{State: health.Critical}
	})

	err := e.TriggerRecovery(context.Background(), "daemon", health.KindDaemon)
	require.NoError(t, err)
	require.Equal(t, "daemon", restarted)
}

func TestDegradeStrategyInvokesDegrader(t *testing.T) {
	e := newEngine(t)
	var disabled []string
	e.SetDegrader(func(ctx context.Context, features []string) error {
		disabled = features
		return nil
	})
	e.Register("cpu", health.KindResource, func(ctx context.Context) health.ProbeResult {
		return health.ProbeResult{State: health.Error}
	})

	err := e.TriggerRecovery(context.Background(), "cpu", health.KindResource)
	require.NoError(t, err)
	require.NotEmpty(t, disabled)
}
