// Package oscmd is the native process runner: the fallback execution path
// for projects that opt out of the container runtime. Grounded on the
// teacher's pkg/commands/os.go OSCommand, trimmed to what a supervised dev
// server process needs: argv splitting, process-group spawn, and
// process-group teardown via the same jesseduffield/kill package the
// teacher uses for its own `docker-compose logs` child processes.
package oscmd

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/mgutz/str"
	"github.com/sirupsen/logrus"

	"github.com/jesseduffield/kill"

	"github.com/debug-host/hostd/pkg/apperr"
)

// Process is a supervised native project process: its Cmd, captured
// combined output ring, and exit state.
type Process struct {
	log *logrus.Entry

	mu       sync.Mutex
	cmd      *exec.Cmd
	started  time.Time
	exited   bool
	exitErr  error
	exitCode int

	lines   []Line
	linesCap int

	subscribers map[string]chan Line
	subCount    int
}

// Line is one line of a native process's combined stdout/stderr.
type Line struct {
	Time    time.Time `json:"time"`
	Stream  string    `json:"stream"`
	Message string    `json:"message"`
}

// Runner spawns and supervises native project processes.
type Runner struct {
	log *logrus.Entry

	mu        sync.Mutex
	processes map[string]*Process
}

// New constructs a native process runner.
func New(log *logrus.Entry) *Runner {
	return &Runner{log: log, processes: make(map[string]*Process)}
}

// Start spawns command (shell-split via mgutz/str, matching the teacher's
// ExecutableFromString) in dir, with the given environment appended to the
// process environment, under a process group so Stop can tear down any
// children it forks.
func (r *Runner) Start(projectID, command, dir string, env []string) (*Process, error) {
	r.mu.Lock()
	if existing, ok := r.processes[projectID]; ok && !existing.Exited() {
		r.mu.Unlock()
		return nil, apperr.Newf(apperr.StateViolation, "project %q already has a running native process", projectID)
	}
	r.mu.Unlock()

	argv := str.ToArgv(command)
	if len(argv) == 0 {
		return nil, apperr.New(apperr.Validation, "launch command is empty")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	kill.PrepareForChildren(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperr.Newf(apperr.Internal, "failed opening stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperr.Newf(apperr.Internal, "failed opening stderr pipe: %v", err)
	}

	p := &Process{
		log:         r.log,
		cmd:         cmd,
		started:     time.Now(),
		linesCap:    2000,
		subscribers: make(map[string]chan Line),
	}

	if err := cmd.Start(); err != nil {
		return nil, apperr.Newf(apperr.External, "failed starting native process: %v", err)
	}

	go p.pump("stdout", stdout)
	go p.pump("stderr", stderr)
	go p.wait()

	r.mu.Lock()
	r.processes[projectID] = p
	r.mu.Unlock()

	return p, nil
}

// Stop kills a project's native process group and waits up to gracePeriod
// for it to exit before the underlying Wait goroutine reports completion.
func (r *Runner) Stop(ctx context.Context, projectID string, gracePeriod time.Duration) error {
	r.mu.Lock()
	p, ok := r.processes[projectID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if p.Exited() {
		return nil
	}

	if err := kill.Kill(p.cmd); err != nil {
		return apperr.Newf(apperr.External, "failed killing native process: %v", err)
	}

	deadline := time.NewTimer(gracePeriod)
	defer deadline.Stop()
	for {
		if p.Exited() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Get returns the tracked process for a project, if any.
func (r *Runner) Get(projectID string) (*Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.processes[projectID]
	return p, ok
}

// Remove drops a project's process record once it has exited.
func (r *Runner) Remove(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.processes, projectID)
}

func (p *Process) pump(stream string, pipe io.ReadCloser) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := Line{Time: time.Now(), Stream: stream, Message: scanner.Text()}
		p.append(line)
	}
}

func (p *Process) append(line Line) {
	p.mu.Lock()
	if len(p.lines) >= p.linesCap {
		p.lines = p.lines[1:]
	}
	p.lines = append(p.lines, line)
	subs := make([]chan Line, 0, len(p.subscribers))
	for _, ch := range p.subscribers {
		subs = append(subs, ch)
	}
	p.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- line:
		default:
		}
	}
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exited = true
	p.exitErr = err
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	subs := make([]chan Line, 0, len(p.subscribers))
	for _, ch := range p.subscribers {
		subs = append(subs, ch)
	}
	p.subscribers = make(map[string]chan Line)
	p.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}

// Exited reports whether the process has terminated.
func (p *Process) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// ExitCode returns the process's exit code once it has exited.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// PID returns the OS process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// History returns the buffered combined output lines.
func (p *Process) History() []Line {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Line, len(p.lines))
	copy(out, p.lines)
	return out
}

// Subscribe attaches a channel that receives new lines as they arrive. The
// channel is closed when the process exits.
func (p *Process) Subscribe() (string, <-chan Line) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subCount++
	id := "native-sub-" + strconv.Itoa(p.subCount)
	ch := make(chan Line, 256)
	if p.exited {
		close(ch)
		return id, ch
	}
	p.subscribers[id] = ch
	return id, ch
}

// Unsubscribe detaches a previously subscribed channel.
func (p *Process) Unsubscribe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.subscribers[id]; ok {
		delete(p.subscribers, id)
		close(ch)
	}
}

