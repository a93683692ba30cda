package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/debug-host/hostd/pkg/api"
	"github.com/debug-host/hostd/pkg/config"
	"github.com/debug-host/hostd/pkg/detect"
	"github.com/debug-host/hostd/pkg/health"
	"github.com/debug-host/hostd/pkg/lifecycle"
	"github.com/debug-host/hostd/pkg/logs"
	"github.com/debug-host/hostd/pkg/metrics"
	"github.com/debug-host/hostd/pkg/ports"
	"github.com/debug-host/hostd/pkg/projects"
	"github.com/debug-host/hostd/pkg/runtime"
)

// fakeRuntime satisfies both logs.Runtime and metrics.Runtime with no
// container ever actually producing data, enough to exercise routing and
// project lifecycle without a real daemon.
type fakeRuntime struct{}

func (fakeRuntime) Logs(ctx context.Context, id string, opts runtime.LogOptions) (<-chan runtime.LogLine, error) {
	ch := make(chan runtime.LogLine)
	close(ch)
	return ch, nil
}

func (fakeRuntime) Stats(ctx context.Context, id string) (runtime.StatsEntry, error) {
	return runtime.StatsEntry{}, nil
}

type fakeLifecycleRuntime struct{}

func (fakeLifecycleRuntime) Create(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	return spec.Name, nil
}
func (fakeLifecycleRuntime) Start(ctx context.Context, id string) error { return nil }
func (fakeLifecycleRuntime) Stop(ctx context.Context, id string, gracePeriod time.Duration) error {
	return nil
}
func (fakeLifecycleRuntime) Restart(ctx context.Context, id string, gracePeriod time.Duration) error {
	return nil
}
func (fakeLifecycleRuntime) Remove(ctx context.Context, id string, force bool) error { return nil }
func (fakeLifecycleRuntime) WaitForStatus(ctx context.Context, id, expected string, timeout time.Duration) error {
	return nil
}
func (fakeLifecycleRuntime) ListByLabel(ctx context.Context, label string) ([]runtime.ContainerSummary, error) {
	return nil, nil
}
func (fakeLifecycleRuntime) Inspect(ctx context.Context, id string) (runtime.ContainerDetails, error) {
	return runtime.ContainerDetails{}, nil
}

func newTestServer(t *testing.T) *api.Server {
	t.Helper()
	dir := t.TempDir()
	log := logrus.NewEntry(logrus.New())

	portRegistry, err := ports.New(filepath.Join(dir, "system", "ports.json"), config.GetDefaultConfig().Ports)
	require.NoError(t, err)

	projectRegistry, err := projects.New(filepath.Join(dir, "system", "projects.json"), portRegistry)
	require.NoError(t, err)

	lifecycleManager := lifecycle.New(log, fakeLifecycleRuntime{}, projectRegistry, portRegistry, nil, config.GetDefaultConfig().Container, 4, 5*time.Second)

	logPipeline := logs.New(log, fakeRuntime{}, nil, config.GetDefaultConfig().Logs, config.GetDefaultConfig().Subscriptions, filepath.Join(dir, "logs"))

	metricsService, err := metrics.NewService(log, fakeRuntime{}, nil, config.GetDefaultConfig().Metrics, config.GetDefaultConfig().Subscriptions, filepath.Join(dir, "metrics"))
	require.NoError(t, err)

	healthEngine := health.New(log, nil, config.GetDefaultConfig().Health)

	return api.New(log, projectRegistry, portRegistry, lifecycleManager, logPipeline, metricsService, healthEngine, detect.New(), nil)
}

func doRequest(t *testing.T, h http.Handler, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody *strings.Reader
	if body == "" {
		reqBody = strings.NewReader("")
	} else {
		reqBody = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reqBody)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListProjectsEmpty(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s.Router(), http.MethodGet, "/api/projects", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Empty(t, body["projects"])
}

func TestCreateAndGetProject(t *testing.T) {
	s := newTestServer(t)
	h := s.Router()

	rec := doRequest(t, h, http.MethodPost, "/api/projects", `{"name":"web","path":"/tmp/web","stack":"node","launchCommand":"npm start"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id, ok := created["id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, id)

	rec = doRequest(t, h, http.MethodGet, "/api/servers/"+id+"/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateProjectRejectsDuplicateName(t *testing.T) {
	s := newTestServer(t)
	h := s.Router()

	rec := doRequest(t, h, http.MethodPost, "/api/projects", `{"name":"dup","path":"/tmp/a","stack":"go"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/projects", `{"name":"dup","path":"/tmp/b","stack":"go"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartStopProjectRoundTrip(t *testing.T) {
	s := newTestServer(t)
	h := s.Router()

	rec := doRequest(t, h, http.MethodPost, "/api/projects", `{"name":"app","path":"/tmp/app","stack":"go","launchCommand":"go run ."}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["id"].(string)

	rec = doRequest(t, h, http.MethodPost, "/api/projects/"+id+"/start", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/projects/"+id+"/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPortsSuggestAndCheck(t *testing.T) {
	s := newTestServer(t)
	h := s.Router()

	rec := doRequest(t, h, http.MethodGet, "/api/ports/suggest?stack=node&count=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body["ports"], 3)

	rec = doRequest(t, h, http.MethodGet, "/api/ports/3000/check", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPortCheckRejectsNonNumericPort(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s.Router(), http.MethodGet, "/api/ports/not-a-port/check", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpointReportsHealthyWithNoProbes(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s.Router(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "healthy", body["status"])
}

func TestUnknownProjectReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s.Router(), http.MethodGet, "/api/servers/does-not-exist/status", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
