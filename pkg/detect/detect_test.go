package detect_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/debug-host/hostd/pkg/detect"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestDetectNodePrefersDevScript(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"scripts":{"dev":"vite --port 3001","start":"node index.js"}}`)

	d := detect.New()
	res, ok, err := d.Detect(dir)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "node", res.Stack)
	require.Equal(t, "vite", res.FrameworkTag)
	require.Equal(t, 3001, res.DefaultPort)
}

func TestDetectPython(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "requirements.txt", "flask\n")

	d := detect.New()
	res, ok, err := d.Detect(dir)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "python", res.Stack)
}

func TestDetectFallsThroughToStatic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.html", "<html></html>")

	d := detect.New()
	res, ok, err := d.Detect(dir)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "static", res.Stack)
}

func TestDetectNoMatch(t *testing.T) {
	dir := t.TempDir()

	d := detect.New()
	_, ok, err := d.Detect(dir)
	require.NoError(t, err)
	require.False(t, ok)
}
