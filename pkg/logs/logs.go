// Package logs implements the log pipeline (C7): per-container tail,
// ring buffer with daily persistence, fan-out to subscribers, and a
// search index. Grounded on the teacher's pkg/commands/docker.go log
// streaming idiom and pkg/tasks.Manager's stop/notifyStopped task
// lifecycle, generalized here to one tail task per active container.
package logs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/debug-host/hostd/pkg/apperr"
	"github.com/debug-host/hostd/pkg/config"
	"github.com/debug-host/hostd/pkg/runtime"
	"github.com/debug-host/hostd/pkg/tasks"
)

// Entry is a single log line, tagged with arrival time, stream and an
// inferred level.
type Entry struct {
	Time    time.Time `json:"time"`
	Stream  string    `json:"stream"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

var levelPattern = regexp.MustCompile(`(?i)\b(ERROR|WARN|INFO|DEBUG|TRACE)\b`)

func inferLevel(message string) string {
	head := message
	if len(head) > 40 {
		head = head[:40]
	}
	m := levelPattern.FindString(head)
	if m == "" {
		return "info"
	}
	return strings.ToLower(m)
}

// jsonLine is decoded when a project opts into structured logging.
type jsonLine struct {
	Level    string `json:"level"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Msg      string `json:"msg"`
}

func levelFromLine(raw string, jsonOptIn bool) (level, message string) {
	if jsonOptIn {
		var jl jsonLine
		if err := tryDecodeJSON(raw, &jl); err == nil {
			lvl := jl.Level
			if lvl == "" {
				lvl = jl.Severity
			}
			msg := jl.Message
			if msg == "" {
				msg = jl.Msg
			}
			if lvl != "" {
				if msg == "" {
					msg = raw
				}
				return strings.ToLower(lvl), msg
			}
		}
	}
	return inferLevel(raw), raw
}

// Filter narrows which entries a subscriber receives.
type Filter struct {
	Level   string
	Stream  string
	Search  string
	Regex   *regexp.Regexp
	Since   time.Time
	Until   time.Time
}

func (f Filter) matches(e Entry) bool {
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if f.Stream != "" && e.Stream != f.Stream {
		return false
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Time.After(f.Until) {
		return false
	}
	if f.Regex != nil {
		return f.Regex.MatchString(e.Message)
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(e.Message), strings.ToLower(f.Search)) {
		return false
	}
	return true
}

// StreamItem is one item delivered on a Subscription's Queue. Historical
// replay is tagged distinctly from live tail entries so a client can tell
// the two apart without guessing from arrival order; IsLast marks the
// final chunk of a historical replay.
type StreamItem struct {
	Entry      Entry `json:"entry"`
	Historical bool  `json:"-"`
	IsLast     bool  `json:"isLast,omitempty"`
}

// Subscription is one fan-out consumer attached to a container's log
// stream.
type Subscription struct {
	ID          string
	ContainerID string
	Filter      Filter
	Queue       chan StreamItem
	closed      chan struct{}
	closeOnce   sync.Once
	lastActive  time.Time
	mu          sync.Mutex
	terminated  bool
	errored     bool
}

// Closed reports whether the subscription's channel has been closed.
func (s *Subscription) Closed() <-chan struct{} { return s.closed }

func (s *Subscription) close(errored bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.terminated = true
		s.errored = errored
		s.mu.Unlock()
		close(s.closed)
	})
}

// Errored reports whether this subscription was torn down due to queue
// overflow rather than a clean unsubscribe.
func (s *Subscription) Errored() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errored
}

type containerLog struct {
	mu            sync.Mutex
	containerID   string
	dataDir       string
	ring          []Entry
	ringCap       int
	ringStart     int
	ringLen       int
	currentDate   string
	currentFile   *os.File
	logFormat     string
	subscriptions map[string]*Subscription
	index         *searchIndex
}

func newContainerLog(containerID, dataDir string, ringCap int) *containerLog {
	return &containerLog{
		containerID:   containerID,
		dataDir:       dataDir,
		ring:          make([]Entry, ringCap),
		ringCap:       ringCap,
		subscriptions: make(map[string]*Subscription),
		index:         newSearchIndex(),
	}
}

func (c *containerLog) append(e Entry) {
	c.mu.Lock()
	if c.ringLen < c.ringCap {
		c.ring[(c.ringStart+c.ringLen)%c.ringCap] = e
		c.ringLen++
	} else {
		c.ring[c.ringStart] = e
		c.ringStart = (c.ringStart + 1) % c.ringCap
	}
	c.index.add(e)
	subs := make([]*Subscription, 0, len(c.subscriptions))
	for _, s := range c.subscriptions {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	c.persist(e)

	for _, s := range subs {
		if !s.Filter.matches(e) {
			continue
		}
		select {
		case s.Queue <- StreamItem{Entry: e}:
			s.mu.Lock()
			s.lastActive = time.Now()
			s.mu.Unlock()
		default:
			s.close(true)
		}
	}
}

func (c *containerLog) persist(e Entry) {
	if c.dataDir == "" {
		return
	}
	date := e.Time.Format("2006-01-02")
	c.mu.Lock()
	if date != c.currentDate {
		if c.currentFile != nil {
			c.currentFile.Close()
		}
		dir := filepath.Join(c.dataDir, c.containerID)
		_ = os.MkdirAll(dir, 0o755)
		f, err := os.OpenFile(filepath.Join(dir, date+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			c.currentFile = f
			c.currentDate = date
		}
	}
	f := c.currentFile
	c.mu.Unlock()

	if f != nil {
		fmt.Fprintf(f, "%s\t%s\t%s\t%s\n", e.Time.Format(time.RFC3339Nano), e.Stream, e.Level, e.Message)
	}
}

func (c *containerLog) snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, c.ringLen)
	for i := 0; i < c.ringLen; i++ {
		out[i] = c.ring[(c.ringStart+i)%c.ringCap]
	}
	return out
}

// Runtime is the subset of the container runtime adapter the log
// pipeline depends on, narrowed to an interface so tests can supply a
// fake log stream in place of a real daemon connection.
type Runtime interface {
	Logs(ctx context.Context, id string, opts runtime.LogOptions) (<-chan runtime.LogLine, error)
}

// Pipeline owns every active container's tail task, buffer, and
// subscriptions.
type Pipeline struct {
	log     *logrus.Entry
	runtime Runtime
	tasks   *tasks.Manager
	cfg     config.LogsConfig
	subCfg  config.SubscriptionConfig
	ringCap int
	dataDir string

	mu         sync.Mutex
	containers map[string]*containerLog
	subCount   int
	cache      *queryCache
}

// New constructs a log pipeline. dataDir is the root under which
// per-container daily log files are written (spec's `logs/<container>/
// <date>.log` layout).
func New(log *logrus.Entry, rt Runtime, tm *tasks.Manager, cfg config.LogsConfig, subCfg config.SubscriptionConfig, dataDir string) *Pipeline {
	ringCap := cfg.RingBufferLines
	if ringCap <= 0 {
		ringCap = 2000
	}
	return &Pipeline{
		log:        log,
		runtime:    rt,
		tasks:      tm,
		cfg:        cfg,
		subCfg:     subCfg,
		ringCap:    ringCap,
		dataDir:    dataDir,
		containers: make(map[string]*containerLog),
		cache:      newQueryCache(cfg.QueryCacheSize, cfg.QueryCacheTTL),
	}
}

// Start launches the periodic search-index refresh task: containers whose
// index predates the refresh period get their facets rebuilt from the
// current ring-buffer contents, the same pattern metrics.Service uses for
// its aggregate/retain tasks.
func (p *Pipeline) Start() {
	refresh := p.cfg.IndexRefresh
	if refresh <= 0 {
		refresh = time.Minute
	}

	p.tasks.Start("logs:reindex", func(stop chan struct{}) {
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.reindexStale(refresh)
			}
		}
	})
}

// Stop halts the index-refresh task.
func (p *Pipeline) Stop() {
	p.tasks.Stop("logs:reindex")
}

// Degrade disables the named features to cut cost while a component stays
// unhealthy. "log-search-index" halts the background reindex task; search
// still works against whatever facets were last built. Unrecognized names
// are ignored.
func (p *Pipeline) Degrade(features []string) error {
	for _, f := range features {
		if f == "log-search-index" {
			p.tasks.Stop("logs:reindex")
		}
	}
	return nil
}

func (p *Pipeline) reindexStale(refresh time.Duration) {
	p.mu.Lock()
	targets := make([]*containerLog, 0, len(p.containers))
	for _, cl := range p.containers {
		targets = append(targets, cl)
	}
	p.mu.Unlock()

	cutoff := time.Now().Add(-refresh)
	for _, cl := range targets {
		cl.mu.Lock()
		stale := cl.index.builtAt.Before(cutoff)
		if stale {
			cl.index.rebuild(cl.snapshotLocked())
		}
		cl.mu.Unlock()
	}
}

func (p *Pipeline) containerLogFor(containerID string) *containerLog {
	p.mu.Lock()
	defer p.mu.Unlock()
	cl, ok := p.containers[containerID]
	if !ok {
		cl = newContainerLog(containerID, p.dataDir, p.ringCap)
		p.containers[containerID] = cl
	}
	return cl
}

// StartTail begins tailing a container's combined stdout/stderr stream.
// logFormat is "json" to opt into structured-log level extraction, or ""
// for the substring heuristic.
func (p *Pipeline) StartTail(containerID, logFormat string) {
	cl := p.containerLogFor(containerID)
	cl.mu.Lock()
	cl.logFormat = logFormat
	cl.mu.Unlock()

	key := "tail:" + containerID
	p.tasks.Start(key, func(stop chan struct{}) {
		p.runTail(containerID, logFormat, stop)
	})
}

func (p *Pipeline) runTail(containerID, logFormat string, stop chan struct{}) {
	ctx, cancel := contextWithStop(stop)
	defer cancel()

	lines, err := p.runtime.Logs(ctx, containerID, runtime.LogOptions{Follow: true, Tail: 0})
	if err != nil {
		p.log.WithError(err).Warnf("log tail failed to start for container %s", containerID)
		return
	}

	cl := p.containerLogFor(containerID)
	jsonOptIn := logFormat == "json"

	for line := range lines {
		level, message := levelFromLine(line.Message, jsonOptIn)
		cl.append(Entry{Time: line.Time, Stream: line.Stream, Level: level, Message: message})
	}
}

// StopTail stops a container's tail task; it does not remove buffered
// history or subscriptions.
func (p *Pipeline) StopTail(containerID string) {
	p.tasks.Stop("tail:" + containerID)
}

// Subscribe attaches a new subscription to a container's log stream. If
// includeHistory is set, up to historyLines of buffered history are
// delivered first, chunked per the subscription config, ahead of live
// entries arriving on the same channel.
func (p *Pipeline) Subscribe(containerID string, filter Filter, includeHistory bool, historyLines int) (*Subscription, error) {
	cl := p.containerLogFor(containerID)

	queueSize := p.subCfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	p.mu.Lock()
	p.subCount++
	id := fmt.Sprintf("sub-%d", p.subCount)
	p.mu.Unlock()

	sub := &Subscription{
		ID:          id,
		ContainerID: containerID,
		Filter:      filter,
		Queue:       make(chan StreamItem, queueSize),
		closed:      make(chan struct{}),
		lastActive:  time.Now(),
	}

	cl.mu.Lock()
	cl.subscriptions[id] = sub
	history := cl.snapshotLocked()
	cl.mu.Unlock()

	if includeHistory {
		if historyLines > 0 && historyLines < len(history) {
			history = history[len(history)-historyLines:]
		}
		go p.deliverHistory(sub, history)
	}

	go p.watchInactivity(cl, sub)

	return sub, nil
}

// deliverHistory replays buffered history as chunked StreamItems with
// Historical set, so a client can distinguish replay from live tail; the
// final item carries IsLast. history is filtered to matching entries
// before chunking, so IsLast lands on the last entry actually delivered.
func (p *Pipeline) deliverHistory(sub *Subscription, history []Entry) {
	matched := make([]Entry, 0, len(history))
	for _, e := range history {
		if sub.Filter.matches(e) {
			matched = append(matched, e)
		}
	}
	if len(matched) == 0 {
		select {
		case sub.Queue <- StreamItem{Historical: true, IsLast: true}:
		case <-sub.closed:
		}
		return
	}

	chunkSize := p.subCfg.HistoryChunkSize
	if chunkSize <= 0 {
		chunkSize = 10
	}
	delay := p.subCfg.HistoryChunkDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}

	for i := 0; i < len(matched); i += chunkSize {
		end := i + chunkSize
		if end > len(matched) {
			end = len(matched)
		}
		for j, e := range matched[i:end] {
			isLast := end == len(matched) && i+j == len(matched)-1
			select {
			case sub.Queue <- StreamItem{Entry: e, Historical: true, IsLast: isLast}:
			case <-sub.closed:
				return
			}
		}
		select {
		case <-time.After(delay):
		case <-sub.closed:
			return
		}
	}
}

func (p *Pipeline) watchInactivity(cl *containerLog, sub *Subscription) {
	timeout := p.subCfg.InactivityTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ticker := time.NewTicker(timeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-sub.closed:
			cl.mu.Lock()
			delete(cl.subscriptions, sub.ID)
			cl.mu.Unlock()
			return
		case <-ticker.C:
			sub.mu.Lock()
			idle := time.Since(sub.lastActive)
			sub.mu.Unlock()
			if idle > timeout {
				sub.close(false)
			}
		}
	}
}

// Unsubscribe detaches a subscription.
func (p *Pipeline) Unsubscribe(sub *Subscription) {
	sub.close(false)
}

// History returns the retained ring-buffer entries for a container.
func (p *Pipeline) History(containerID string) []Entry {
	return p.containerLogFor(containerID).snapshot()
}

// Search runs a query against a container's index; see query.go for the
// DSL grammar. If containerID is empty, every known container is
// searched and results are merged by recency.
func (p *Pipeline) Search(containerID, query string, limit int) ([]Entry, error) {
	cacheKey := fmt.Sprintf("%s\x00%s\x00%d", containerID, query, limit)
	if cached, ok := p.cache.get(cacheKey); ok {
		return cached, nil
	}

	q, err := parseQuery(query)
	if err != nil {
		return nil, apperr.Newf(apperr.Validation, "invalid query: %v", err)
	}

	p.mu.Lock()
	var targets []*containerLog
	if containerID != "" {
		if cl, ok := p.containers[containerID]; ok {
			targets = append(targets, cl)
		}
	} else {
		for _, cl := range p.containers {
			targets = append(targets, cl)
		}
	}
	p.mu.Unlock()

	var all []Entry
	for _, cl := range targets {
		cl.mu.Lock()
		matches := cl.index.search(q, cl.snapshotLocked())
		cl.mu.Unlock()
		all = append(all, matches...)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Time.After(all[j].Time) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	p.cache.put(cacheKey, all)
	return all, nil
}

func (c *containerLog) snapshotLocked() []Entry {
	out := make([]Entry, c.ringLen)
	for i := 0; i < c.ringLen; i++ {
		out[i] = c.ring[(c.ringStart+i)%c.ringCap]
	}
	return out
}

func tryDecodeJSON(raw string, v *jsonLine) error {
	return decodeJSONLine(raw, v)
}
