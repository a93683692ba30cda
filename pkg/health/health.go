// Package health implements the health and recovery engine (C9): periodic
// named-component probes, health-record bookkeeping, and recovery
// strategies keyed by error kind. Grounded on the teacher's
// pkg/tasks.Manager ticker lifecycle for the probe loop, and on
// pkg/commands/errors.go's structured-error-code idiom (here reused as
// apperr.Code) for classifying what kind of recovery a failing component
// needs.
package health

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/debug-host/hostd/pkg/apperr"
	"github.com/debug-host/hostd/pkg/config"
	"github.com/debug-host/hostd/pkg/tasks"
)

// State is a probe's health verdict.
type State string

const (
	Healthy  State = "healthy"
	Warning  State = "warning"
	Error    State = "error"
	Critical State = "critical"
	Unknown  State = "unknown"
)

// ProbeResult is a single probe's outcome.
type ProbeResult struct {
	State        State
	ResponseTime time.Duration
	Metadata     map[string]any
	Err          error
}

// Probe checks one named component.
type Probe func(ctx context.Context) ProbeResult

// Kind classifies what a component failure most likely requires.
type Kind string

const (
	KindDaemon     Kind = "daemon"
	KindNetwork    Kind = "network"
	KindFilesystem Kind = "filesystem"
	KindPort       Kind = "port"
	KindConfig     Kind = "config"
	KindResource   Kind = "resource"
	KindSystem     Kind = "system"
	KindDefault    Kind = "default"
)

// Record is a component's rolling health record.
type Record struct {
	Name                string        `json:"name"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	TotalChecks         int64         `json:"totalChecks"`
	TotalFailures       int64         `json:"totalFailures"`
	AvgResponseTime     time.Duration `json:"avgResponseTime"`
	LastCheck           time.Time     `json:"lastCheck"`
	LastMetadata        map[string]any `json:"lastMetadata,omitempty"`
}

// ErrorRate returns totalFailures/totalChecks, or 0 before any checks run.
func (r *Record) ErrorRate() float64 {
	if r.TotalChecks == 0 {
		return 0
	}
	return float64(r.TotalFailures) / float64(r.TotalChecks)
}

type component struct {
	name  string
	kind  Kind
	probe Probe
}

// RecoveryAttempt is a recorded recovery, for the stats endpoint.
type RecoveryAttempt struct {
	Component            string        `json:"component"`
	Strategy             Strategy      `json:"strategy"`
	Success              bool          `json:"success"`
	RequiresIntervention bool          `json:"requiresIntervention,omitempty"`
	Duration             time.Duration `json:"duration"`
	Attempts             int           `json:"attempts"`
	At                   time.Time     `json:"at"`
	Error                string        `json:"error,omitempty"`
}

// Engine monitors registered components and drives recovery.
type Engine struct {
	log    *logrus.Entry
	tasks  *tasks.Manager
	cfg    config.HealthConfig

	mu         sync.Mutex
	components []component
	records    map[string]*Record
	inProgress map[string]bool
	history    []RecoveryAttempt
	degraded   map[string]bool
	lastGood   map[string]map[string]any

	restarter func(ctx context.Context, component string) error
	degrader  func(ctx context.Context, features []string) error
}

// New constructs a health engine.
func New(log *logrus.Entry, tm *tasks.Manager, cfg config.HealthConfig) *Engine {
	return &Engine{
		log:        log,
		tasks:      tm,
		cfg:        cfg,
		records:    make(map[string]*Record),
		inProgress: make(map[string]bool),
		degraded:   make(map[string]bool),
		lastGood:   make(map[string]map[string]any),
	}
}

// Register adds a named probe of the given kind.
func (e *Engine) Register(name string, kind Kind, probe Probe) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.components = append(e.components, component{name: name, kind: kind, probe: probe})
	e.records[name] = &Record{Name: name, State: Unknown}
}

// SetRestarter wires the callback used by the RESTART strategy.
func (e *Engine) SetRestarter(f func(ctx context.Context, component string) error) {
	e.restarter = f
}

// SetDegrader wires the callback used by the DEGRADE strategy to actually
// switch off the configured features, rather than just flip a flag.
func (e *Engine) SetDegrader(f func(ctx context.Context, features []string) error) {
	e.degrader = f
}

// Start launches the periodic probe loop.
func (e *Engine) Start() {
	interval := e.cfg.ProbeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	e.tasks.Start("health:probe", func(stop chan struct{}) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.RunProbes(context.Background())
			}
		}
	})
}

// Stop halts the probe loop.
func (e *Engine) Stop() {
	e.tasks.Stop("health:probe")
}

// RunProbes executes every registered probe once, updates records, and
// triggers recovery for components that cross a threshold.
func (e *Engine) RunProbes(ctx context.Context) {
	e.mu.Lock()
	comps := make([]component, len(e.components))
	copy(comps, e.components)
	e.mu.Unlock()

	for _, c := range comps {
		start := time.Now()
		result := c.probe(ctx)
		if result.ResponseTime == 0 {
			result.ResponseTime = time.Since(start)
		}

		e.mu.Lock()
		rec := e.records[c.name]
		rec.TotalChecks++
		rec.LastCheck = time.Now()
		rec.LastMetadata = result.Metadata
		rec.State = result.State
		if result.State == Healthy {
			rec.ConsecutiveFailures = 0
			if result.Metadata != nil {
				e.lastGood[c.name] = result.Metadata
			}
		} else {
			rec.ConsecutiveFailures++
			rec.TotalFailures++
		}
		if rec.AvgResponseTime == 0 {
			rec.AvgResponseTime = result.ResponseTime
		} else {
			rec.AvgResponseTime = (rec.AvgResponseTime + result.ResponseTime) / 2
		}
		needsRecovery := rec.ConsecutiveFailures >= e.thresholdFailures() ||
			rec.ErrorRate() >= e.thresholdErrorRate() ||
			result.ResponseTime > e.thresholdResponseTime()
		e.mu.Unlock()

		if needsRecovery {
			go e.TriggerRecovery(ctx, c.name, c.kind)
		}
	}
}

func (e *Engine) thresholdFailures() int {
	if e.cfg.ConsecutiveFailures > 0 {
		return e.cfg.ConsecutiveFailures
	}
	return 3
}

func (e *Engine) thresholdErrorRate() float64 {
	if e.cfg.ErrorRateThreshold > 0 {
		return e.cfg.ErrorRateThreshold
	}
	return 0.10
}

func (e *Engine) thresholdResponseTime() time.Duration {
	if e.cfg.ResponseTimeThreshold > 0 {
		return e.cfg.ResponseTimeThreshold
	}
	return 5 * time.Second
}

// Records returns a snapshot of every component's current health record.
func (e *Engine) Records() map[string]Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Record, len(e.records))
	for name, rec := range e.records {
		out[name] = *rec
	}
	return out
}

// History returns every recorded recovery attempt.
func (e *Engine) History() []RecoveryAttempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RecoveryAttempt, len(e.history))
	copy(out, e.history)
	return out
}

// TriggerRecovery runs the recovery strategy for a component, serialized
// via an in-progress set; a concurrent trigger for the same component is a
// no-op.
func (e *Engine) TriggerRecovery(ctx context.Context, name string, kind Kind) error {
	e.mu.Lock()
	if e.inProgress[name] {
		e.mu.Unlock()
		return apperr.Newf(apperr.Conflict, "recovery already in progress for %q", name)
	}
	e.inProgress[name] = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inProgress, name)
		e.mu.Unlock()
	}()

	strategy := strategyFor(kind, e.criticalLocked(name))
	start := time.Now()
	attempts, requiresIntervention, err := e.execute(ctx, name, kind, strategy)
	duration := time.Since(start)

	attempt := RecoveryAttempt{
		Component:            name,
		Strategy:             strategy,
		Success:              err == nil,
		RequiresIntervention: requiresIntervention,
		Duration:             duration,
		Attempts:             attempts,
		At:                   time.Now(),
	}
	if err != nil {
		attempt.Error = err.Error()
	}

	e.mu.Lock()
	e.history = append(e.history, attempt)
	e.mu.Unlock()

	return err
}

func (e *Engine) criticalLocked(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[name]
	return ok && rec.State == Critical
}

// Strategy names a recovery approach.
type Strategy string

const (
	StrategyRetry    Strategy = "RETRY"
	StrategyFallback Strategy = "FALLBACK"
	StrategyRestart  Strategy = "RESTART"
	StrategyDegrade  Strategy = "DEGRADE"
)

func strategyFor(kind Kind, critical bool) Strategy {
	switch kind {
	case KindDaemon:
		return StrategyRestart
	case KindNetwork:
		return StrategyRetry
	case KindFilesystem:
		return StrategyFallback
	case KindPort:
		return StrategyRetry
	case KindConfig:
		return StrategyFallback
	case KindResource:
		return StrategyDegrade
	case KindSystem:
		if critical {
			return StrategyDegrade
		}
		return StrategyRestart
	default:
		return StrategyRetry
	}
}

func (e *Engine) execute(ctx context.Context, name string, kind Kind, strategy Strategy) (attempts int, requiresIntervention bool, err error) {
	switch strategy {
	case StrategyRetry:
		attempts, err = e.executeRetry(ctx, name)
		return attempts, false, err
	case StrategyFallback:
		requiresIntervention, err = e.executeFallback(ctx, name, kind)
		return 1, requiresIntervention, err
	case StrategyRestart:
		return 1, false, e.executeRestart(ctx, name)
	case StrategyDegrade:
		return 1, false, e.executeDegrade(ctx, name)
	default:
		return 0, false, apperr.Newf(apperr.Internal, "unknown recovery strategy %q", strategy)
	}
}

func (e *Engine) executeRetry(ctx context.Context, name string) (int, error) {
	maxAttempts := e.cfg.RetryMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay := e.cfg.RetryInitialDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	multiplier := e.cfg.RetryMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	jitter := e.cfg.RetryJitter
	if jitter <= 0 {
		jitter = 0.10
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		e.mu.Lock()
		probe := e.probeFor(name)
		e.mu.Unlock()
		if probe == nil {
			return attempt + 1, apperr.Newf(apperr.NotFound, "no probe registered for %q", name)
		}

		result := probe(ctx)
		if result.State == Healthy {
			return attempt + 1, nil
		}
		lastErr = result.Err
		if lastErr == nil {
			lastErr = apperr.Newf(apperr.External, "component %q still unhealthy", name)
		}

		if attempt < maxAttempts-1 {
			delay := time.Duration(float64(baseDelay) * pow(multiplier, attempt))
			delay = applyJitter(delay, jitter)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return attempt + 1, ctx.Err()
			}
		}
	}
	return maxAttempts, lastErr
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func applyJitter(d time.Duration, jitter float64) time.Duration {
	delta := (rand.Float64()*2 - 1) * jitter
	return time.Duration(float64(d) * (1 + delta))
}

func (e *Engine) probeFor(name string) Probe {
	for _, c := range e.components {
		if c.name == name {
			return c.probe
		}
	}
	return nil
}

// defaultFallbackOrder is used when no fallback actions are configured.
var defaultFallbackOrder = []string{"cache", "default", "manual"}

func (e *Engine) lastGoodMetadata(name string) (map[string]any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	md, ok := e.lastGood[name]
	return md, ok
}

// executeFallback tries each configured alternative in order and reports
// whether the component is left requiring manual intervention. "cache"
// serves the last-good probe metadata recorded for this component (e.g. a
// filesystem probe's last healthy free-space reading); "default" falls
// back to static configuration for kinds that have one (config sources);
// "manual" always "succeeds" in the sense that recovery stops retrying,
// but flags the component as needing a human.
func (e *Engine) executeFallback(ctx context.Context, name string, kind Kind) (bool, error) {
	actions := e.cfg.Fallback.Actions
	if len(actions) == 0 {
		actions = defaultFallbackOrder
	}

	for _, alt := range actions {
		switch alt {
		case "cache":
			if cached, ok := e.lastGoodMetadata(name); ok {
				e.log.WithField("cached", cached).Warnf("component %q falling back to last-good cached value", name)
				return false, nil
			}
		case "default":
			if kind == KindConfig || kind == KindFilesystem {
				e.log.Warnf("component %q falling back to default configuration", name)
				return false, nil
			}
		case "manual":
			e.log.Warnf("component %q requires manual intervention, no automated fallback succeeded", name)
			return true, nil
		}
	}
	return true, nil
}

func (e *Engine) executeRestart(ctx context.Context, name string) error {
	if e.restarter == nil {
		return apperr.Newf(apperr.Internal, "no restarter configured for %q", name)
	}
	grace := e.cfg.Restart.GracePeriod
	if grace > 0 {
		select {
		case <-time.After(grace):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return e.restarter(ctx, name)
}

func (e *Engine) executeDegrade(ctx context.Context, name string) error {
	e.mu.Lock()
	e.degraded[name] = true
	e.mu.Unlock()

	mode := e.cfg.Degrade.Mode
	if mode == "" {
		mode = "reduced"
	}
	e.log.WithField("mode", mode).Warnf("component %q entering degraded mode", name)

	if e.degrader == nil || len(e.cfg.Degrade.DisableFeatures) == 0 {
		return nil
	}
	return e.degrader(ctx, e.cfg.Degrade.DisableFeatures)
}

// Degraded reports whether a component is currently in degraded mode.
func (e *Engine) Degraded(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded[name]
}
