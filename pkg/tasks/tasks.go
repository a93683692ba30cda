// Package tasks coordinates stoppable background goroutines. Adapted from
// the teacher's pkg/tasks: the same stop/notifyStopped channel pair per
// task, generalized from a single "current task" slot (the teacher only
// ever tailed one focused panel at a time) to a keyed registry, since the
// control plane runs many concurrent tails, samplers and tickers that each
// need to be looked up and stopped independently.
package tasks

import "sync"

// Task is a single stoppable goroutine.
type Task struct {
	stop          chan struct{}
	notifyStopped chan struct{}
}

// Stop signals the task to exit and blocks until it acknowledges.
func (t *Task) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
	<-t.notifyStopped
}

// Manager tracks named tasks so any one of them can be restarted or
// stopped without disturbing the others.
type Manager struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewManager returns an empty task manager.
func NewManager() *Manager {
	return &Manager{tasks: make(map[string]*Task)}
}

// Start stops any existing task registered under key, then starts f in a
// new goroutine under that key. f must return when stop is closed/signaled.
func (m *Manager) Start(key string, f func(stop chan struct{})) {
	m.mu.Lock()
	if existing, ok := m.tasks[key]; ok {
		m.mu.Unlock()
		existing.Stop()
		m.mu.Lock()
	}

	stop := make(chan struct{}, 1)
	notifyStopped := make(chan struct{})
	task := &Task{stop: stop, notifyStopped: notifyStopped}
	m.tasks[key] = task
	m.mu.Unlock()

	go func() {
		f(stop)
		close(notifyStopped)

		m.mu.Lock()
		if m.tasks[key] == task {
			delete(m.tasks, key)
		}
		m.mu.Unlock()
	}()
}

// Stop stops the task registered under key, if any.
func (m *Manager) Stop(key string) {
	m.mu.Lock()
	task, ok := m.tasks[key]
	m.mu.Unlock()
	if !ok {
		return
	}
	task.Stop()
}

// StopAll stops every registered task and waits for all of them to exit.
func (m *Manager) StopAll() {
	m.mu.Lock()
	tasks := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t *Task) {
			defer wg.Done()
			t.Stop()
		}(t)
	}
	wg.Wait()
}

// Running reports whether a task is registered under key.
func (m *Manager) Running(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[key]
	return ok
}
