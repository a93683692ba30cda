package oscmd_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/debug-host/hostd/pkg/oscmd"
)

func newRunner() *oscmd.Runner {
	return oscmd.New(logrus.NewEntry(logrus.New()))
}

func TestStartCapturesStdout(t *testing.T) {
	r := newRunner()
	p, err := r.Start("proj1", "echo hello-from-native", ".", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(p.History()) > 0
	}, time.Second, 10*time.Millisecond)

	lines := p.History()
	require.Equal(t, "hello-from-native", lines[0].Message)
}

func TestStartRejectsSecondConcurrentProcess(t *testing.T) {
	r := newRunner()
	_, err := r.Start("proj1", "sleep 1", ".", nil)
	require.NoError(t, err)

	_, err = r.Start("proj1", "sleep 1", ".", nil)
	require.Error(t, err)
}

func TestStopKillsRunningProcess(t *testing.T) {
	r := newRunner()
	p, err := r.Start("proj1", "sleep 5", ".", nil)
	require.NoError(t, err)

	err = r.Stop(context.Background(), "proj1", time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return p.Exited()
	}, time.Second, 10*time.Millisecond)
}

func TestSubscribeClosesOnExit(t *testing.T) {
	r := newRunner()
	p, err := r.Start("proj1", "echo done", ".", nil)
	require.NoError(t, err)

	_, ch := p.Subscribe()
	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, 10*time.Millisecond)
}
