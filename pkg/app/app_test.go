package app_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/debug-host/hostd/pkg/app"
)

func TestKnownErrorMapsDockerSocketPermission(t *testing.T) {
	a := &app.App{}
	err := errors.New("Got permission denied while trying to connect to the Docker daemon socket at unix:///var/run/docker.sock")

	msg, known := a.KnownError(err)
	require.True(t, known)
	require.Contains(t, msg, "Docker socket")
}

func TestKnownErrorMapsConnectionRefused(t *testing.T) {
	a := &app.App{}
	msg, known := a.KnownError(errors.New("dial unix /var/run/docker.sock: connect: connection refused"))
	require.True(t, known)
	require.Contains(t, msg, "container daemon")
}

func TestKnownErrorReturnsFalseForUnrecognizedError(t *testing.T) {
	a := &app.App{}
	_, known := a.KnownError(errors.New("some unrelated failure"))
	require.False(t, known)
}
