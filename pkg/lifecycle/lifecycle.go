// Package lifecycle implements the container lifecycle manager (C6): the
// state machine driving a project's container through creation, start,
// stop, restart and removal, on top of the runtime adapter (C5). Grounded
// on the teacher's pkg/commands/container.go (Remove/Stop/Restart) and
// pkg/gui/dashboard_panel.go-style batch ticker shapes, generalized from a
// single selected container to a keyed batch of projects.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/debug-host/hostd/pkg/apperr"
	"github.com/debug-host/hostd/pkg/config"
	"github.com/debug-host/hostd/pkg/oscmd"
	"github.com/debug-host/hostd/pkg/ports"
	"github.com/debug-host/hostd/pkg/projects"
	"github.com/debug-host/hostd/pkg/runtime"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle manager's own view of a container, separate from
// the project registry's coarser Status.
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateRemoved  State = "removed"
	StateExited   State = "exited"
	StateUnknown  State = "unknown"
)

// Runtime is the subset of the container runtime adapter (pkg/runtime)
// the lifecycle manager depends on, narrowed to an interface so tests can
// supply a fake in place of a real daemon connection.
type Runtime interface {
	Create(ctx context.Context, spec runtime.CreateSpec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, gracePeriod time.Duration) error
	Restart(ctx context.Context, id string, gracePeriod time.Duration) error
	Remove(ctx context.Context, id string, force bool) error
	WaitForStatus(ctx context.Context, id, expected string, timeout time.Duration) error
	ListByLabel(ctx context.Context, label string) ([]runtime.ContainerSummary, error)
	Inspect(ctx context.Context, id string) (runtime.ContainerDetails, error)
}

// Manager coordinates container lifecycle transitions for every registered
// project.
type Manager struct {
	log      *logrus.Entry
	runtime  Runtime
	projects *projects.Registry
	ports    *ports.Registry
	native   *oscmd.Runner
	cfg      config.ContainerConfig

	mu        sync.Mutex
	states    map[string]State
	exitCodes map[string]int
	watchers  map[string]chan struct{}

	parallel int
	budget   time.Duration

	onTransition func(projectID string, state State)
}

// New constructs a lifecycle manager. parallel bounds concurrent batch
// operations (spec default 4); budget bounds the total wall time of a
// batch call (spec default 30s).
func New(log *logrus.Entry, rt Runtime, projectRegistry *projects.Registry, portRegistry *ports.Registry, native *oscmd.Runner, cfg config.ContainerConfig, parallel int, budget time.Duration) *Manager {
	if parallel <= 0 {
		parallel = 4
	}
	if budget <= 0 {
		budget = 30 * time.Second
	}
	return &Manager{
		log:       log,
		runtime:   rt,
		projects:  projectRegistry,
		ports:     portRegistry,
		native:    native,
		cfg:       cfg,
		states:    make(map[string]State),
		exitCodes: make(map[string]int),
		watchers:  make(map[string]chan struct{}),
		parallel:  parallel,
		budget:    budget,
	}
}

// ExitCode returns the exit code last observed for a project's container
// via the exit watcher, if any.
func (m *Manager) ExitCode(projectID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, ok := m.exitCodes[projectID]
	return code, ok
}

// OnTransition registers a callback invoked every time a project's state
// changes.
func (m *Manager) OnTransition(f func(projectID string, state State)) {
	m.onTransition = f
}

// State returns the last known lifecycle state for a project.
func (m *Manager) State(projectID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[projectID]; ok {
		return s
	}
	return StateUnknown
}

func (m *Manager) setState(projectID string, s State) {
	m.mu.Lock()
	m.states[projectID] = s
	m.mu.Unlock()
	if m.onTransition != nil {
		m.onTransition(projectID, s)
	}
}

func (m *Manager) image(stack string) string {
	if img, ok := m.cfg.Images[stack]; ok {
		return img
	}
	return fmt.Sprintf("debug-host/%s:latest", stack)
}

// CreateContainer creates (but does not start) the container for p,
// recording its id back into the project registry.
func (m *Manager) CreateContainer(ctx context.Context, p *projects.Project) error {
	m.setState(p.ID, StateCreated)

	name := fmt.Sprintf("debug-host-%s-%d", p.ID, time.Now().UnixMilli())

	env := make([]string, 0, len(p.Env))
	for k, v := range p.Env {
		env = append(env, k+"="+v)
	}

	spec := runtime.CreateSpec{
		Name:            name,
		Image:           m.image(p.Stack),
		Env:             env,
		Labels:          map[string]string{"debug-host": "true", "debug-host-project": p.ID},
		WorkspaceBind:   p.Path,
		WorkspaceTarget: m.cfg.WorkspaceTarget,
		NetworkName:     m.cfg.NetworkName,
		MemoryLimit:     int64(m.cfg.MemoryLimitMiB) * 1024 * 1024,
		CPUQuota:        m.cfg.CPUQuotaCores,
		HostPort:        p.Port,
		ContainerPort:   p.Port,
	}
	if p.LaunchCmd != "" {
		spec.Cmd = []string{"sh", "-c", p.LaunchCmd}
	}

	id, err := m.runtime.Create(ctx, spec)
	if err != nil {
		m.setState(p.ID, StateUnknown)
		return err
	}

	if _, err := m.projects.Update(p.ID, func(pr *projects.Project) error {
		pr.ContainerID = id
		pr.Status = projects.StatusCreated
		return nil
	}); err != nil {
		return err
	}
	return nil
}

// watchExit registers a health callback (implemented as a poll loop over
// C5's Inspect) so a container exiting on its own, outside any
// StopContainer/RemoveContainer call we initiated, surfaces as a state
// transition instead of going unnoticed. It unsubscribes (stops polling)
// once the exit is observed, or once stopWatch is called for a deliberate
// transition.
func (m *Manager) watchExit(projectID, containerID string) {
	m.stopWatch(projectID)

	stop := make(chan struct{})
	m.mu.Lock()
	m.watchers[projectID] = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				details, err := m.runtime.Inspect(ctx, containerID)
				cancel()
				if err != nil {
					continue
				}
				if details.State.Status == "exited" {
					m.mu.Lock()
					m.exitCodes[projectID] = details.State.ExitCode
					delete(m.watchers, projectID)
					m.mu.Unlock()
					m.setState(projectID, StateExited)
					m.projects.Update(projectID, func(pr *projects.Project) error {
						pr.Status = projects.StatusStopped
						return nil
					})
					return
				}
			}
		}
	}()
}

// stopWatch unsubscribes the exit watcher for a project, if one is
// running, ahead of a deliberate stop/restart/remove transition.
func (m *Manager) stopWatch(projectID string) {
	m.mu.Lock()
	stop, ok := m.watchers[projectID]
	delete(m.watchers, projectID)
	m.mu.Unlock()
	if ok {
		close(stop)
	}
}

// reacquirePort re-allocates a project's assigned port if a prior stop
// released it, failing closed if something else now holds it instead of
// silently falling back to a different port.
func (m *Manager) reacquirePort(p *projects.Project) error {
	if m.ports == nil {
		return nil
	}
	if alloc, ok := m.ports.Check(p.Port); ok {
		if alloc.ProjectID != p.ID {
			return apperr.Newf(apperr.PortInUse, "port %d is held by another project", p.Port)
		}
		return nil
	}
	_, err := m.ports.Allocate(p.Port, p.Stack, p.Name, p.ID)
	return err
}

// StartContainer starts a project's container, creating it first if it has
// none yet.
func (m *Manager) StartContainer(ctx context.Context, projectID string) error {
	p, err := m.projects.Get(projectID)
	if err != nil {
		return err
	}
	if err := m.reacquirePort(p); err != nil {
		return err
	}

	if p.ContainerID == "" {
		if err := m.CreateContainer(ctx, p); err != nil {
			return err
		}
		p, err = m.projects.Get(projectID)
		if err != nil {
			return err
		}
	}

	m.setState(projectID, StateStarting)
	if err := m.runtime.Start(ctx, p.ContainerID); err != nil {
		m.setState(projectID, StateUnknown)
		return err
	}

	if err := m.runtime.WaitForStatus(ctx, p.ContainerID, "running", 10*time.Second); err != nil {
		m.setState(projectID, StateUnknown)
		if apperr.Is(err, apperr.Timeout) {
			return apperr.Newf(apperr.StartTimeout, "container for project %q did not report running in time: %v", projectID, err)
		}
		return err
	}

	m.setState(projectID, StateRunning)
	_, err = m.projects.Update(projectID, func(pr *projects.Project) error {
		pr.Status = projects.StatusRunning
		return nil
	})
	if err != nil {
		return err
	}
	m.watchExit(projectID, p.ContainerID)
	return nil
}

// StopContainer stops a project's container with the configured grace
// period.
func (m *Manager) StopContainer(ctx context.Context, projectID string) error {
	p, err := m.projects.Get(projectID)
	if err != nil {
		return err
	}
	if p.ContainerID == "" {
		return apperr.Newf(apperr.StateViolation, "project %q has no container", projectID)
	}

	m.stopWatch(projectID)
	m.setState(projectID, StateStopping)
	grace := time.Duration(m.cfg.StopGraceSec) * time.Second
	if err := m.runtime.Stop(ctx, p.ContainerID, grace); err != nil {
		m.setState(projectID, StateUnknown)
		return err
	}

	m.setState(projectID, StateStopped)
	_, err = m.projects.Update(projectID, func(pr *projects.Project) error {
		pr.Status = projects.StatusStopped
		return nil
	})
	if err != nil {
		return err
	}
	if m.ports != nil {
		if relErr := m.ports.Release(p.Port, projectID); relErr != nil {
			m.log.WithError(relErr).Warnf("failed releasing port for project %s after stop", projectID)
		}
	}
	return nil
}

// RestartContainer stops and starts a project's container again.
func (m *Manager) RestartContainer(ctx context.Context, projectID string) error {
	p, err := m.projects.Get(projectID)
	if err != nil {
		return err
	}
	if p.ContainerID == "" {
		return m.StartContainer(ctx, projectID)
	}

	m.stopWatch(projectID)
	m.setState(projectID, StateStopping)
	grace := time.Duration(m.cfg.StopGraceSec) * time.Second
	if err := m.runtime.Restart(ctx, p.ContainerID, grace); err != nil {
		m.setState(projectID, StateUnknown)
		return err
	}

	if err := m.runtime.WaitForStatus(ctx, p.ContainerID, "running", 10*time.Second); err != nil {
		m.setState(projectID, StateUnknown)
		if apperr.Is(err, apperr.Timeout) {
			return apperr.Newf(apperr.StartTimeout, "container for project %q did not report running in time: %v", projectID, err)
		}
		return err
	}

	m.setState(projectID, StateRunning)
	_, err = m.projects.Update(projectID, func(pr *projects.Project) error {
		pr.Status = projects.StatusRunning
		return nil
	})
	if err != nil {
		return err
	}
	m.watchExit(projectID, p.ContainerID)
	return nil
}

// RemoveContainer force-removes a project's container. The project stays
// registered; its container id is cleared and its status set to stopped.
func (m *Manager) RemoveContainer(ctx context.Context, projectID string) error {
	p, err := m.projects.Get(projectID)
	if err != nil {
		return err
	}
	if p.ContainerID == "" {
		m.setState(projectID, StateRemoved)
		return nil
	}

	m.stopWatch(projectID)
	if err := m.runtime.Remove(ctx, p.ContainerID, true); err != nil {
		return err
	}

	m.setState(projectID, StateRemoved)
	_, err = m.projects.Update(projectID, func(pr *projects.Project) error {
		pr.ContainerID = ""
		pr.Status = projects.StatusStopped
		return nil
	})
	return err
}

// StartNative launches a project's launch command as a supervised OS
// process instead of a container, per the fail-closed port resolution in
// SPEC_FULL.md §4.5a: the port is taken through the same Allocate path a
// container-mode start would use, so a racing container start observes the
// held allocation instead of also binding the port.
func (m *Manager) StartNative(ctx context.Context, projectID string) error {
	if m.native == nil {
		return apperr.New(apperr.StateViolation, "native process mode is not configured")
	}
	p, err := m.projects.Get(projectID)
	if err != nil {
		return err
	}
	if p.LaunchCmd == "" {
		return apperr.Newf(apperr.Validation, "project %q has no launch command configured", projectID)
	}
	if err := m.reacquirePort(p); err != nil {
		return err
	}

	m.setState(projectID, StateStarting)
	env := make([]string, 0, len(p.Env))
	for k, v := range p.Env {
		env = append(env, k+"="+v)
	}

	if _, err := m.native.Start(projectID, p.LaunchCmd, p.Path, env); err != nil {
		m.setState(projectID, StateUnknown)
		return err
	}

	m.setState(projectID, StateRunning)
	_, err = m.projects.Update(projectID, func(pr *projects.Project) error {
		pr.Status = projects.StatusRunning
		return nil
	})
	return err
}

// StopNative tears down a project's native process group and releases its
// port allocation, mirroring StopContainer's accounting.
func (m *Manager) StopNative(ctx context.Context, projectID string) error {
	if m.native == nil {
		return apperr.New(apperr.StateViolation, "native process mode is not configured")
	}
	p, err := m.projects.Get(projectID)
	if err != nil {
		return err
	}

	m.setState(projectID, StateStopping)
	grace := time.Duration(m.cfg.StopGraceSec) * time.Second
	if err := m.native.Stop(ctx, projectID, grace); err != nil {
		m.setState(projectID, StateUnknown)
		return err
	}
	m.native.Remove(projectID)

	m.setState(projectID, StateStopped)
	_, err = m.projects.Update(projectID, func(pr *projects.Project) error {
		pr.Status = projects.StatusStopped
		return nil
	})
	if err != nil {
		return err
	}
	if m.ports != nil {
		if relErr := m.ports.Release(p.Port, projectID); relErr != nil {
			m.log.WithError(relErr).Warnf("failed releasing port for project %s after native stop", projectID)
		}
	}
	return nil
}

// BatchResult is one project's outcome within a Batch call.
type BatchResult struct {
	ProjectID string
	Err       error
}

// Op is a lifecycle operation dispatched by Batch.
type Op string

const (
	OpStart   Op = "start"
	OpStop    Op = "stop"
	OpRestart Op = "restart"
	OpRemove  Op = "remove"
)

// Batch runs op across every project id concurrently, bounded by the
// manager's configured parallelism and wall-clock budget.
func (m *Manager) Batch(ctx context.Context, op Op, projectIDs []string) []BatchResult {
	ctx, cancel := context.WithTimeout(ctx, m.budget)
	defer cancel()

	results := make([]BatchResult, len(projectIDs))
	g, gctx := errgroup.WithContext(context.Background())
	sem := make(chan struct{}, m.parallel)

	for i, id := range projectIDs {
		i, id := i, id
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			var err error
			switch op {
			case OpStart:
				err = m.StartContainer(ctx, id)
			case OpStop:
				err = m.StopContainer(ctx, id)
			case OpRestart:
				err = m.RestartContainer(ctx, id)
			case OpRemove:
				err = m.RemoveContainer(ctx, id)
			default:
				err = apperr.Newf(apperr.Validation, "unknown batch operation %q", op)
			}
			results[i] = BatchResult{ProjectID: id, Err: err}
			return nil
		})
	}
	_ = gctx

	_ = g.Wait()
	return results
}

// CleanupOrphans removes containers bearing the debug-host label that no
// longer correspond to a registered project.
func (m *Manager) CleanupOrphans(ctx context.Context) ([]string, error) {
	summaries, err := m.runtime.ListByLabel(ctx, runtime.DebugHostLabel)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool)
	for _, p := range m.projects.List() {
		if p.ContainerID != "" {
			known[p.ContainerID] = true
		}
	}

	var removed []string
	for _, c := range summaries {
		if known[c.ID] {
			continue
		}
		if err := m.runtime.Remove(ctx, c.ID, true); err != nil {
			m.log.WithError(err).Warnf("failed removing orphan container %s", c.ID)
			continue
		}
		removed = append(removed, c.ID)
	}
	return removed, nil
}
