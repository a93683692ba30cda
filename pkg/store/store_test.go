package store_test

import (
	"path/filepath"
	"testing"

	"github.com/debug-host/hostd/pkg/store"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteJSONThenReadJSONRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "sample.json")

	in := sample{Name: "web", Count: 3}
	require.NoError(t, store.WriteJSON(path, &in))

	var out sample
	require.NoError(t, store.ReadJSON(path, &out))
	require.Equal(t, in, out)
}

func TestReadJSONMissingFileIsNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")

	var out sample
	require.NoError(t, store.ReadJSON(path, &out))
	require.Equal(t, sample{}, out)
}

func TestWriteJSONOverwritesPreviousContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.json")

	require.NoError(t, store.WriteJSON(path, &sample{Name: "first", Count: 1}))
	require.NoError(t, store.WriteJSON(path, &sample{Name: "second", Count: 2}))

	var out sample
	require.NoError(t, store.ReadJSON(path, &out))
	require.Equal(t, sample{Name: "second", Count: 2}, out)
}
