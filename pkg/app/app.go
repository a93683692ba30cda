// Package app is the service bag: it builds every component (C1-C10 plus
// the native process runner) in dependency order and tears them down in
// reverse on shutdown. Grounded on the teacher's pkg/app/app.go App
// struct and NewApp wiring order, with Gui/Tr/i18n replaced by the HTTP
// server and KnownError's friendly-message pattern kept for
// daemon-unreachable diagnostics.
package app

import (
	"context"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/debug-host/hostd/pkg/api"
	"github.com/debug-host/hostd/pkg/applog"
	"github.com/debug-host/hostd/pkg/config"
	"github.com/debug-host/hostd/pkg/detect"
	"github.com/debug-host/hostd/pkg/health"
	"github.com/debug-host/hostd/pkg/lifecycle"
	"github.com/debug-host/hostd/pkg/logs"
	"github.com/debug-host/hostd/pkg/metrics"
	"github.com/debug-host/hostd/pkg/oscmd"
	"github.com/debug-host/hostd/pkg/ports"
	"github.com/debug-host/hostd/pkg/projects"
	"github.com/debug-host/hostd/pkg/runtime"
	"github.com/debug-host/hostd/pkg/tasks"
)

// App is the fully wired control plane: every component, constructed once
// at startup and shared by the HTTP API.
type App struct {
	Config *config.AppConfig
	Log    *logrus.Entry

	Tasks     *tasks.Manager
	Runtime   *runtime.Adapter
	Ports     *ports.Registry
	Projects  *projects.Registry
	Detector  *detect.Detector
	Native    *oscmd.Runner
	Lifecycle *lifecycle.Manager
	Logs      *logs.Pipeline
	Metrics   *metrics.Service
	Health    *health.Engine

	Server *http.Server
}

// New builds the full service bag. Construction order follows the
// dependency chain: runtime (and its bridge network), store paths, ports,
// projects, lifecycle, logs, metrics, health, api, http.Server.
func New(cfg *config.AppConfig) (*App, error) {
	log := applog.New(cfg)
	dataDir := cfg.DataDir()

	rt, err := runtime.New(log)
	if err != nil {
		return nil, err
	}
	if err := rt.EnsureNetwork(context.Background(), cfg.UserConfig.Container.NetworkName); err != nil {
		log.WithError(err).Warn("failed ensuring debug-host bridge network, continuing without it")
	}

	systemDir := filepath.Join(dataDir, "system")

	portRegistry, err := ports.New(filepath.Join(systemDir, "ports.json"), cfg.UserConfig.Ports)
	if err != nil {
		return nil, err
	}

	projectRegistry, err := projects.New(filepath.Join(systemDir, "projects.json"), portRegistry)
	if err != nil {
		return nil, err
	}

	detector := detect.New()
	native := oscmd.New(log)
	taskManager := tasks.NewManager()

	lifecycleManager := lifecycle.New(log, rt, projectRegistry, portRegistry, native, cfg.UserConfig.Container, cfg.UserConfig.BatchParallel, 30*time.Second)
	lifecycleManager.OnTransition(func(projectID string, state lifecycle.State) {
		log.WithFields(logrus.Fields{"projectId": projectID, "state": state}).Debug("lifecycle transition")
	})

	logPipeline := logs.New(log, rt, taskManager, cfg.UserConfig.Logs, cfg.UserConfig.Subscriptions, filepath.Join(dataDir, "logs"))

	metricsService, err := metrics.NewService(log, rt, taskManager, cfg.UserConfig.Metrics, cfg.UserConfig.Subscriptions, filepath.Join(dataDir, "metrics"))
	if err != nil {
		return nil, err
	}

	healthEngine := health.New(log, taskManager, cfg.UserConfig.Health)
	registerHealthProbes(healthEngine, rt, portRegistry, projectRegistry, detector, dataDir)
	healthEngine.SetRestarter(func(ctx context.Context, name string) error {
		if name != "daemon" {
			return nil
		}
		return rt.Reconnect(ctx)
	})
	healthEngine.SetDegrader(func(ctx context.Context, features []string) error {
		if err := metricsService.Degrade(features); err != nil {
			return err
		}
		return logPipeline.Degrade(features)
	})

	apiServer := api.New(log, projectRegistry, portRegistry, lifecycleManager, logPipeline, metricsService, healthEngine, detector, rt)

	httpServer := &http.Server{
		Addr:         cfg.UserConfig.BindAddress + ":" + strconv.Itoa(cfg.UserConfig.Port),
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams hold the connection open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	return &App{
		Config:    cfg,
		Log:       log,
		Tasks:     taskManager,
		Runtime:   rt,
		Ports:     portRegistry,
		Projects:  projectRegistry,
		Detector:  detector,
		Native:    native,
		Lifecycle: lifecycleManager,
		Logs:      logPipeline,
		Metrics:   metricsService,
		Health:    healthEngine,
		Server:    httpServer,
	}, nil
}

// Start launches the background pipelines and the HTTP server. It blocks
// until the server stops (on Shutdown) or fails to start.
func (a *App) Start() error {
	a.Logs.Start()
	a.Metrics.Start()
	a.Health.Start()

	for _, p := range a.Projects.List() {
		if p.ContainerID != "" {
			a.resumeTail(p)
		}
	}

	a.Log.WithField("addr", a.Server.Addr).Info("debug-hostd listening")
	if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *App) resumeTail(p *projects.Project) {
	a.Logs.StartTail(p.ContainerID, p.LogFormat)
	a.Metrics.Collector.Attach(p.ContainerID, []metrics.Interval{metrics.Fast, metrics.Medium, metrics.Slow})
}

// Shutdown gracefully drains every background task and persists a final
// snapshot of metrics state (ports and projects are already persisted on
// every change).
func (a *App) Shutdown(ctx context.Context) error {
	if err := a.Server.Shutdown(ctx); err != nil {
		a.Log.WithError(err).Warn("error shutting down http server")
	}

	a.Logs.Stop()
	a.Metrics.Stop()
	a.Health.Stop()
	a.Tasks.StopAll()
	a.Runtime.Close()

	return nil
}

type errorMapping struct {
	originalError string
	newError      string
}

// KnownError takes an error and tells us whether it's one we can print a
// friendly message for rather than the raw daemon error, adapted from the
// teacher's App.KnownError mapping table.
func (a *App) KnownError(err error) (string, bool) {
	errorMessage := err.Error()

	mappings := []errorMapping{
		{
			originalError: "Got permission denied while trying to connect to the Docker daemon socket",
			newError:      "Cannot access the Docker socket. Is the daemon running, and does this process have permission to reach it?",
		},
		{
			originalError: "connection refused",
			newError:      "Cannot reach the container daemon. Is it running?",
		},
	}

	for _, mapping := range mappings {
		if strings.Contains(errorMessage, mapping.originalError) {
			return mapping.newError, true
		}
	}

	return "", false
}
