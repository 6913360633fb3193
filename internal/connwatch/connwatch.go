// Package connwatch tracks the health of the engine's external
// dependencies: the chat gateway, the CalDAV and IMAP servers, the MQTT
// broker, and the planner.
//
// Each watcher probes one service in two phases. At startup it retries
// with exponential backoff until the service answers or the retry
// budget runs out; after that it polls on a fixed interval. Up and down
// transitions are published on the event bus exactly once per edge, so
// the status API and telemetry see state changes, not probe noise.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tallow/seneschal/internal/events"
)

// ProbeFunc reports whether a service is reachable. A nil return means
// healthy.
type ProbeFunc func(ctx context.Context) error

// WatcherConfig configures a single service watcher. Zero timing
// fields take the standard schedule: startup retries 2s apart doubling
// to a 60s cap for up to 10 attempts, then a 60-second background poll
// with a 10-second probe timeout.
type WatcherConfig struct {
	// Name identifies the service in events, logs, and status reads
	// (e.g. "gateway", "imap").
	Name string

	// Probe is invoked on every check and may run concurrently with
	// itself across watchers.
	Probe ProbeFunc

	// StartupRetries bounds the initial connect phase.
	StartupRetries int

	// FirstRetryDelay seeds the startup backoff. Each failed attempt
	// doubles the delay until MaxRetryDelay.
	FirstRetryDelay time.Duration
	MaxRetryDelay   time.Duration

	// PollEvery is the steady-state check interval.
	PollEvery time.Duration

	// ProbeTimeout bounds one probe call.
	ProbeTimeout time.Duration

	// Logger defaults to the manager's logger.
	Logger *slog.Logger
}

// tuning is a WatcherConfig with every zero field resolved.
type tuning struct {
	startupTries int
	firstDelay   time.Duration
	maxDelay     time.Duration
	pollEvery    time.Duration
	probeTimeout time.Duration
}

func (c WatcherConfig) resolve() tuning {
	t := tuning{
		startupTries: c.StartupRetries,
		firstDelay:   c.FirstRetryDelay,
		maxDelay:     c.MaxRetryDelay,
		pollEvery:    c.PollEvery,
		probeTimeout: c.ProbeTimeout,
	}
	if t.startupTries <= 0 {
		t.startupTries = 10
	}
	if t.firstDelay <= 0 {
		t.firstDelay = 2 * time.Second
	}
	if t.maxDelay <= 0 {
		t.maxDelay = time.Minute
	}
	if t.pollEvery <= 0 {
		t.pollEvery = time.Minute
	}
	if t.probeTimeout <= 0 {
		t.probeTimeout = 10 * time.Second
	}
	return t
}

// ServiceStatus is one service's health, shaped for the status API and
// MQTT telemetry.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service.
type Watcher struct {
	name   string
	probe  ProbeFunc
	tuning tuning
	logger *slog.Logger
	bus    *events.Bus
	online atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the service is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.online.Load()
}

// LastError returns the most recent probe error, nil while healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health snapshot.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.name,
		Ready:     w.online.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop ends the probe loop and blocks until it has returned.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	if !w.awaitFirstContact(ctx) {
		return
	}
	w.pollLoop(ctx)
}

// awaitFirstContact drives the startup phase: probe, wait, double the
// delay, repeat. It publishes one up or down edge depending on how the
// phase ends, and returns false only when ctx ended first.
func (w *Watcher) awaitFirstContact(ctx context.Context) bool {
	delay := w.tuning.firstDelay
	for attempt := 1; ; attempt++ {
		err := w.check(ctx)
		if err == nil {
			w.logger.Info("service connected", "service", w.name, "attempts", attempt)
			w.markOnline()
			return true
		}
		if attempt >= w.tuning.startupTries {
			w.logger.Warn("service unreachable at startup, polling in background",
				"service", w.name,
				"attempts", attempt,
				"error", err,
			)
			w.markOffline(err)
			return true
		}
		w.logger.Debug("startup probe failed",
			"service", w.name,
			"attempt", attempt,
			"retry_in", delay.String(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay = min(2*delay, w.tuning.maxDelay)
	}
}

// pollLoop is the steady state: probe on the interval and publish only
// when the answer flips.
func (w *Watcher) pollLoop(ctx context.Context) {
	tick := time.NewTicker(w.tuning.pollEvery)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			err := w.check(ctx)
			was := w.online.Load()
			switch {
			case err == nil && !was:
				w.logger.Info("service recovered", "service", w.name)
				w.markOnline()
			case err != nil && was:
				w.logger.Warn("service lost", "service", w.name, "error", err)
				w.markOffline(err)
			case err != nil:
				w.logger.Debug("service still unreachable", "service", w.name, "error", err)
			}
		}
	}
}

// check runs one bounded probe and records its outcome.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.tuning.probeTimeout)
	defer cancel()
	err := w.probe(probeCtx)

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
	return err
}

func (w *Watcher) markOnline() {
	w.online.Store(true)
	w.bus.Publish(events.Event{
		Timestamp: time.Now().UTC(),
		Source:    events.SourceConnwatch,
		Kind:      events.KindConnUp,
		Data:      map[string]any{"service": w.name},
	})
}

func (w *Watcher) markOffline(err error) {
	w.online.Store(false)
	data := map[string]any{"service": w.name}
	if err != nil {
		data["error"] = err.Error()
	}
	w.bus.Publish(events.Event{
		Timestamp: time.Now().UTC(),
		Source:    events.SourceConnwatch,
		Kind:      events.KindConnDown,
		Data:      data,
	})
}

// Manager coordinates the service watchers and serves combined
// snapshots.
type Manager struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates a connection watch manager. Transitions are
// published on bus.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:      bus,
		logger:   logger.With("component", "connwatch"),
		watchers: make(map[string]*Watcher),
	}
}

// Watch registers a service watcher and starts its probe loop, which
// runs until ctx ends or Stop is called.
//
// Panics if Name is empty or Probe is nil; both are programming errors.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: watcher needs a name")
	}
	if cfg.Probe == nil {
		panic("connwatch: watcher needs a probe")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = m.logger
	}

	ctx, cancel := context.WithCancel(ctx)
	watcher := &Watcher{
		name:   cfg.Name,
		probe:  cfg.Probe,
		tuning: cfg.resolve(),
		logger: logger,
		bus:    m.bus,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go watcher.run(ctx)

	m.mu.Lock()
	m.watchers[cfg.Name] = watcher
	m.mu.Unlock()

	return watcher
}

// Status returns the health of every watched service, keyed by name.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Stop halts every registered watcher and blocks until their probe
// loops have returned.
func (m *Manager) Stop() {
	m.mu.RLock()
	snapshot := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		snapshot = append(snapshot, w)
	}
	m.mu.RUnlock()

	for _, w := range snapshot {
		w.Stop()
	}
}
