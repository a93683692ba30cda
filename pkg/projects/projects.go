// Package projects implements the project registry (C4): persisted
// workspace descriptors, referentially consistent with the port registry.
// Grounded on the load/merge/persist shape of the teacher's
// pkg/config/app_config.go, adapted from YAML config to JSON domain
// records written through pkg/store.
package projects

import (
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/debug-host/hostd/pkg/apperr"
	"github.com/debug-host/hostd/pkg/ports"
	"github.com/debug-host/hostd/pkg/store"
)

// Status is a project's lifecycle state, as observed by the registry
// (actual container state lives in the lifecycle manager).
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusRemoved Status = "removed"
)

// Project is a registered workspace.
type Project struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Path        string            `json:"path"`
	Stack       string            `json:"stack"`
	Port        int               `json:"port"`
	ContainerID string            `json:"containerId,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Volumes     []string          `json:"volumes,omitempty"`
	LaunchCmd   string            `json:"launchCommand,omitempty"`
	LogFormat   string            `json:"logFormat,omitempty"`
	Mode        string            `json:"mode,omitempty"` // "container" (default) or "native"
	Status      Status            `json:"status"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

type snapshot struct {
	Projects []*Project `json:"projects"`
}

// Registry persists and coordinates the set of known projects.
type Registry struct {
	mu    sync.Mutex
	path  string
	ports *ports.Registry
	byID  map[string]*Project
}

// New loads (or initializes) a project registry backed by path.
func New(path string, portRegistry *ports.Registry) (*Registry, error) {
	r := &Registry{
		path:  path,
		ports: portRegistry,
		byID:  make(map[string]*Project),
	}

	var snap snapshot
	if err := store.ReadJSON(path, &snap); err != nil {
		return nil, err
	}
	for _, p := range snap.Projects {
		r.byID[p.ID] = p
	}
	return r, nil
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func base36(n int64) string {
	if n == 0 {
		return "0"
	}
	var sb strings.Builder
	for n > 0 {
		sb.WriteByte(idAlphabet[n%36])
		n /= 36
	}
	s := sb.String()
	// reverse
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

func newProjectID() string {
	return "proj_" + base36(time.Now().UnixNano()) + base36(rand.Int63n(36*36*36*36))
}

func (r *Registry) persistLocked() error {
	snap := snapshot{Projects: make([]*Project, 0, len(r.byID))}
	for _, p := range r.byID {
		snap.Projects = append(snap.Projects, p)
	}
	sort.Slice(snap.Projects, func(i, j int) bool { return snap.Projects[i].CreatedAt.Before(snap.Projects[j].CreatedAt) })
	return store.WriteJSON(r.path, &snap)
}

func (r *Registry) nameTakenLocked(name string) bool {
	for _, p := range r.byID {
		if p.Name == name {
			return true
		}
	}
	return false
}

// Create registers a new project, allocating a port for it through the
// port registry (auto-allocated unless requestedPort is non-zero).
func (r *Registry) Create(name, path, stack, launchCmd string, requestedPort int, env map[string]string, volumes []string) (*Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		return nil, apperr.New(apperr.Validation, "project name is required")
	}
	if r.nameTakenLocked(name) {
		return nil, apperr.Newf(apperr.Conflict, "project name %q is already registered", name)
	}

	id := newProjectID()

	var alloc ports.Allocation
	var err error
	if requestedPort != 0 {
		alloc, err = r.ports.Allocate(requestedPort, stack, name, id)
	} else {
		alloc, err = r.ports.AutoAllocate(stack, name, id)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	p := &Project{
		ID:        id,
		Name:      name,
		Path:      path,
		Stack:     stack,
		Port:      alloc.Port,
		Env:       env,
		Volumes:   volumes,
		LaunchCmd: launchCmd,
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.byID[id] = p
	if err := r.persistLocked(); err != nil {
		delete(r.byID, id)
		r.ports.Release(alloc.Port, id)
		return nil, err
	}
	return p, nil
}

// Get returns a project by id.
func (r *Registry) Get(id string) (*Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "project %q not found", id)
	}
	clone := *p
	return &clone, nil
}

// GetByName returns a project by its unique name.
func (r *Registry) GetByName(name string) (*Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.byID {
		if p.Name == name {
			clone := *p
			return &clone, nil
		}
	}
	return nil, apperr.Newf(apperr.NotFound, "project %q not found", name)
}

// List returns every registered project, sorted by creation time.
func (r *Registry) List() []*Project {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Project, 0, len(r.byID))
	for _, p := range r.byID {
		clone := *p
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Update applies mutate to the stored project (every field but id) and
// persists the result atomically.
func (r *Registry) Update(id string, mutate func(*Project) error) (*Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "project %q not found", id)
	}

	clone := *p
	if err := mutate(&clone); err != nil {
		return nil, err
	}
	clone.ID = p.ID
	clone.UpdatedAt = time.Now()

	r.byID[id] = &clone
	if err := r.persistLocked(); err != nil {
		r.byID[id] = p
		return nil, err
	}

	out := clone
	return &out, nil
}

// Delete removes a project and releases its ports through the port
// registry.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	p, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.byID, id)
	err := r.persistLocked()
	r.mu.Unlock()

	if err != nil {
		return err
	}
	return r.ports.ReleaseProject(p.ID)
}
