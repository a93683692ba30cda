// Package ports implements the port registry (C2): a range-partitioned
// port allocator with persistence through pkg/store, conflict detection
// against both its own allocations and the live OS, and project-scoped
// release. Grounded directly on spec.md §4.2 — lazydocker never allocates
// ports itself, it only displays ones the daemon has already bound.
package ports

import (
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/debug-host/hostd/pkg/apperr"
	"github.com/debug-host/hostd/pkg/config"
	"github.com/debug-host/hostd/pkg/store"
)

const historyLimit = 100

// Allocation records who holds a port and since when.
type Allocation struct {
	Port        int       `json:"port"`
	ProjectID   string    `json:"projectId"`
	Name        string    `json:"name"`
	Stack       string    `json:"stack"`
	AllocatedAt time.Time `json:"allocatedAt"`
}

// Event is one entry in the append-only allocation history ring.
type Event struct {
	Type      string    `json:"type"` // allocate|release|cleanup
	Port      int       `json:"port"`
	ProjectID string    `json:"projectId"`
	Name      string    `json:"name"`
	Stack     string    `json:"stack"`
	At        time.Time `json:"at"`
}

type snapshot struct {
	Allocations map[int]Allocation `json:"allocations"`
	History     []Event            `json:"history"`
}

// Registry is the in-memory, persisted port allocator.
type Registry struct {
	mu       sync.Mutex
	path     string
	bands    map[string]config.PortBandConfig
	reserved config.PortBandConfig
	snap     snapshot
}

// New loads (or initializes) a registry backed by path.
func New(path string, cfg config.PortsConfig) (*Registry, error) {
	r := &Registry{
		path:     path,
		bands:    cfg.Bands,
		reserved: cfg.SystemReserved,
		snap: snapshot{
			Allocations: make(map[int]Allocation),
		},
	}
	if err := store.ReadJSON(path, &r.snap); err != nil {
		return nil, err
	}
	if r.snap.Allocations == nil {
		r.snap.Allocations = make(map[int]Allocation)
	}
	return r, nil
}

// Stats summarizes band utilization and recent history.
type Stats struct {
	Bands   map[string]BandStats `json:"bands"`
	Total   int                  `json:"total"`
	History []Event              `json:"history"`
}

// BandStats is the utilization of a single stack's port band.
type BandStats struct {
	Low       int `json:"low"`
	High      int `json:"high"`
	Capacity  int `json:"capacity"`
	Allocated int `json:"allocated"`
}

func (r *Registry) band(stack string) (config.PortBandConfig, bool) {
	b, ok := r.bands[stack]
	return b, ok
}

func (r *Registry) inSystemRange(port int) bool {
	return port >= r.reserved.Low && port <= r.reserved.High
}

func (r *Registry) inBand(stack string, port int) bool {
	b, ok := r.band(stack)
	if !ok {
		return false
	}
	return port >= b.Low && port <= b.High
}

// probeFree reports whether the OS will let us bind port on loopback.
func probeFree(port int) bool {
	l, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

func (r *Registry) recordEvent(evt Event) {
	r.snap.History = append(r.snap.History, evt)
	if len(r.snap.History) > historyLimit {
		r.snap.History = r.snap.History[len(r.snap.History)-historyLimit:]
	}
}

func (r *Registry) persistLocked() error {
	return store.WriteJSON(r.path, &r.snap)
}

// Allocate records port as held by the given project/name/stack after
// validating it against the system range, the stack's band, the existing
// allocation table and a live OS probe.
func (r *Registry) Allocate(port int, stack, name, projectID string) (Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if port < 1 || port > 65535 {
		return Allocation{}, apperr.New(apperr.InvalidPort, "port out of valid range")
	}
	if r.inSystemRange(port) {
		return Allocation{}, apperr.New(apperr.SystemReserved, "port is in the system-reserved range")
	}
	if _, ok := r.band(stack); !ok {
		return Allocation{}, apperr.Newf(apperr.InvalidProjectType, "unknown stack %q", stack)
	}
	if !r.inBand(stack, port) {
		return Allocation{}, apperr.Newf(apperr.PortOutOfRange, "port %d is outside the %s band", port, stack)
	}
	if _, exists := r.snap.Allocations[port]; exists {
		return Allocation{}, apperr.WithDetails(
			apperr.New(apperr.PortInUse, "port is already allocated"),
			map[string]interface{}{"suggestions": r.suggestLocked(stack, 3)},
		)
	}
	if !probeFree(port) {
		return Allocation{}, apperr.New(apperr.PortInUseExternal, "port is in use by another process")
	}

	alloc := Allocation{Port: port, ProjectID: projectID, Name: name, Stack: stack, AllocatedAt: time.Now()}
	r.snap.Allocations[port] = alloc
	r.recordEvent(Event{Type: "allocate", Port: port, ProjectID: projectID, Name: name, Stack: stack, At: alloc.AllocatedAt})

	if err := r.persistLocked(); err != nil {
		delete(r.snap.Allocations, port)
		return Allocation{}, err
	}
	return alloc, nil
}

// AutoAllocate scans the stack's band for the first free, unallocated port.
func (r *Registry) AutoAllocate(stack, name, projectID string) (Allocation, error) {
	r.mu.Lock()
	b, ok := r.band(stack)
	r.mu.Unlock()
	if !ok {
		return Allocation{}, apperr.Newf(apperr.InvalidProjectType, "unknown stack %q", stack)
	}

	for port := b.Low; port <= b.High; port++ {
		r.mu.Lock()
		_, taken := r.snap.Allocations[port]
		r.mu.Unlock()
		if taken {
			continue
		}
		alloc, err := r.Allocate(port, stack, name, projectID)
		if err == nil {
			return alloc, nil
		}
		if !apperr.Is(err, apperr.PortInUse) && !apperr.Is(err, apperr.PortInUseExternal) {
			return Allocation{}, err
		}
	}
	return Allocation{}, apperr.Newf(apperr.NoAvailablePorts, "no available ports in the %s band", stack)
}

// Release removes the allocation for port. If projectID is non-empty it
// must match the allocation's project, otherwise PROJECT_MISMATCH.
func (r *Registry) Release(port int, projectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	alloc, exists := r.snap.Allocations[port]
	if !exists {
		return nil
	}
	if projectID != "" && alloc.ProjectID != projectID {
		return apperr.New(apperr.ProjectMismatch, "port is allocated to a different project")
	}

	delete(r.snap.Allocations, port)
	r.recordEvent(Event{Type: "release", Port: port, ProjectID: alloc.ProjectID, Name: alloc.Name, Stack: alloc.Stack, At: time.Now()})

	if err := r.persistLocked(); err != nil {
		r.snap.Allocations[port] = alloc
		return err
	}
	return nil
}

// ReleaseProject releases every port held by projectID.
func (r *Registry) ReleaseProject(projectID string) error {
	r.mu.Lock()
	var ports []int
	for port, alloc := range r.snap.Allocations {
		if alloc.ProjectID == projectID {
			ports = append(ports, port)
		}
	}
	r.mu.Unlock()

	for _, port := range ports {
		if err := r.Release(port, projectID); err != nil {
			return err
		}
	}
	return nil
}

// Suggest returns up to count currently free ports within the stack's band.
func (r *Registry) Suggest(stack string, count int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suggestLocked(stack, count)
}

func (r *Registry) suggestLocked(stack string, count int) []int {
	b, ok := r.band(stack)
	if !ok {
		return nil
	}
	var suggestions []int
	for port := b.Low; port <= b.High && len(suggestions) < count; port++ {
		if _, taken := r.snap.Allocations[port]; taken {
			continue
		}
		if probeFree(port) {
			suggestions = append(suggestions, port)
		}
	}
	return suggestions
}

// CleanupOrphans removes allocations whose OS probe now reports free,
// i.e. the holding process is gone without releasing cleanly.
func (r *Registry) CleanupOrphans() ([]int, error) {
	r.mu.Lock()
	var orphans []int
	for port := range r.snap.Allocations {
		if probeFree(port) {
			orphans = append(orphans, port)
		}
	}
	for _, port := range orphans {
		alloc := r.snap.Allocations[port]
		delete(r.snap.Allocations, port)
		r.recordEvent(Event{Type: "cleanup", Port: port, ProjectID: alloc.ProjectID, Name: alloc.Name, Stack: alloc.Stack, At: time.Now()})
	}
	err := r.persistLocked()
	r.mu.Unlock()
	return orphans, err
}

// Stats reports band utilization and recent history.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	bandStats := make(map[string]BandStats, len(r.bands))
	for stack, b := range r.bands {
		bandStats[stack] = BandStats{Low: b.Low, High: b.High, Capacity: b.High - b.Low + 1}
	}
	for _, alloc := range r.snap.Allocations {
		if bs, ok := bandStats[alloc.Stack]; ok {
			bs.Allocated++
			bandStats[alloc.Stack] = bs
		}
	}

	history := make([]Event, len(r.snap.History))
	copy(history, r.snap.History)

	return Stats{
		Bands:   bandStats,
		Total:   len(r.snap.Allocations),
		History: history,
	}
}

// List returns every current allocation, sorted by port ascending.
func (r *Registry) List() []Allocation {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Allocation, 0, len(r.snap.Allocations))
	for _, alloc := range r.snap.Allocations {
		out = append(out, alloc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Check reports whether port is currently allocated and, if so, to whom.
func (r *Registry) Check(port int) (Allocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alloc, ok := r.snap.Allocations[port]
	return alloc, ok
}
