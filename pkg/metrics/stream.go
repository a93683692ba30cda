package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/debug-host/hostd/pkg/config"
)

// MetricKind names a field family a subscriber can filter on.
type MetricKind string

const (
	MetricCPU     MetricKind = "cpu"
	MetricMemory  MetricKind = "memory"
	MetricNetwork MetricKind = "network"
	MetricDisk    MetricKind = "disk"
)

// StreamItem is one item delivered on a StreamSubscription's Queue.
// Historical replay is tagged distinctly from live samples so a client
// can tell the two apart; IsLast marks the final chunk of a replay.
type StreamItem struct {
	Sample     Sample `json:"sample"`
	Historical bool   `json:"-"`
	IsLast     bool   `json:"isLast,omitempty"`
}

// StreamSubscription is one subscriber attached to a container's metric
// stream.
type StreamSubscription struct {
	ID          string
	ContainerID string
	Interval    Interval
	Metrics     map[MetricKind]bool
	Queue       chan StreamItem
	closed      chan struct{}
	closeOnce   sync.Once
	mu          sync.Mutex
	lastActive  time.Time
}

// Closed signals when the subscription has been torn down.
func (s *StreamSubscription) Closed() <-chan struct{} { return s.closed }

func (s *StreamSubscription) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *StreamSubscription) wants(kind MetricKind) bool {
	if len(s.Metrics) == 0 {
		return true
	}
	return s.Metrics[kind]
}

// StreamManager fans out collector samples to per-container subscribers.
type StreamManager struct {
	subCfg config.SubscriptionConfig

	mu   sync.Mutex
	subs map[string]map[string]*StreamSubscription // containerID -> subID -> sub
	n    int
}

// NewStreamManager constructs a stream manager.
func NewStreamManager(subCfg config.SubscriptionConfig) *StreamManager {
	return &StreamManager{
		subCfg: subCfg,
		subs:   make(map[string]map[string]*StreamSubscription),
	}
}

// Subscribe attaches a new subscriber for a container, optionally
// filtered to a subset of metric kinds and a specific sampler interval
// (empty interval means "any interval").
func (m *StreamManager) Subscribe(containerID string, interval Interval, kinds []MetricKind) *StreamSubscription {
	queueSize := m.subCfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	m.mu.Lock()
	m.n++
	id := "metric-sub-" + strconv.Itoa(m.n)
	sub := &StreamSubscription{
		ID:          id,
		ContainerID: containerID,
		Interval:    interval,
		Metrics:     make(map[MetricKind]bool, len(kinds)),
		Queue:       make(chan StreamItem, queueSize),
		closed:      make(chan struct{}),
		lastActive:  time.Now(),
	}
	for _, k := range kinds {
		sub.Metrics[k] = true
	}
	if m.subs[containerID] == nil {
		m.subs[containerID] = make(map[string]*StreamSubscription)
	}
	m.subs[containerID][id] = sub
	m.mu.Unlock()

	go m.watchInactivity(sub)
	return sub
}

// Unsubscribe detaches a subscriber.
func (m *StreamManager) Unsubscribe(sub *StreamSubscription) {
	m.mu.Lock()
	if byID, ok := m.subs[sub.ContainerID]; ok {
		delete(byID, sub.ID)
	}
	m.mu.Unlock()
	sub.close()
}

func (m *StreamManager) watchInactivity(sub *StreamSubscription) {
	timeout := m.subCfg.InactivityTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ticker := time.NewTicker(timeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-sub.closed:
			return
		case <-ticker.C:
			sub.mu.Lock()
			idle := time.Since(sub.lastActive)
			sub.mu.Unlock()
			if idle > timeout {
				m.Unsubscribe(sub)
				return
			}
		}
	}
}

// Publish routes a new sample to every subscriber whose interval and
// metric filter permit it. A slow subscriber whose queue is full is torn
// down instead of blocking the collector.
func (m *StreamManager) Publish(sample Sample) {
	m.mu.Lock()
	byID := m.subs[sample.ContainerID]
	subs := make([]*StreamSubscription, 0, len(byID))
	for _, s := range byID {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		if sub.Interval != "" && sub.Interval != sample.Interval {
			continue
		}
		select {
		case sub.Queue <- (StreamItem{Sample: filterSample(sample, sub)}):
			sub.mu.Lock()
			sub.lastActive = time.Now()
			sub.mu.Unlock()
		default:
			m.Unsubscribe(sub)
		}
	}
}

// filterSample zeroes the sub-structs for metric kinds the subscriber did
// not ask for, leaving ContainerID/Interval/Time/PidsCurrent untouched. A
// subscriber with no kind filter receives the sample unchanged.
func filterSample(sample Sample, sub *StreamSubscription) Sample {
	if len(sub.Metrics) == 0 {
		return sample
	}
	out := Sample{ContainerID: sample.ContainerID, Interval: sample.Interval, Time: sample.Time, PidsCurrent: sample.PidsCurrent}
	if sub.wants(MetricCPU) {
		out.CPU = sample.CPU
	}
	if sub.wants(MetricMemory) {
		out.Memory = sample.Memory
	}
	if sub.wants(MetricNetwork) {
		out.Network = sample.Network
	}
	if sub.wants(MetricDisk) {
		out.Disk = sample.Disk
	}
	return out
}
