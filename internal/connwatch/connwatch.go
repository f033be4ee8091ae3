// Package connwatch tracks whether each configured model backend is
// reachable. It complements httpkit's dial retry, which only covers
// sub-second failures: a watcher notices a backend that is down for
// minutes and reports it through /health and the event bus.
//
// A watcher probes in two phases. At startup it retries with exponential
// backoff until the first success or MaxRetries. After that it polls at
// PollInterval and reports transitions between up and down.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/planwright/internal/events"
)

// Event kinds published on transitions.
const (
	KindBackendUp   = "backend_up"
	KindBackendDown = "backend_down"
)

// Source is the event source for backend transitions.
const Source = "connwatch"

// Pinger is anything with a health probe, typically an llm.Backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Backoff controls probe timing.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// DefaultBackoff starts at 2s, doubles up to 60s, gives up on startup
// after 10 attempts and then polls once a minute.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultBackoff.
func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Status is the JSON form of one backend's health.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes a single backend.
type Watcher struct {
	name    string
	target  Pinger
	backoff Backoff
	bus     *events.Bus
	logger  *slog.Logger

	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	return w.ready.Load()
}

// Status returns the current health snapshot.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{Name: w.name, Ready: w.ready.Load(), LastCheck: w.lastCheck}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	if !w.startup(ctx) {
		return
	}

	ticker := time.NewTicker(w.backoff.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// startup probes with growing delays until the backend answers or the
// retries run out. It returns false if ctx ended first.
func (w *Watcher) startup(ctx context.Context) bool {
	delay := w.backoff.InitialDelay
	for attempt := 1; ; attempt++ {
		if w.check(ctx) {
			w.logger.Info("backend reachable", "after_attempts", attempt)
			return true
		}
		if attempt >= w.backoff.MaxRetries {
			w.logger.Warn("backend unreachable at startup, polling in background",
				"attempts", attempt, "error", w.Status().LastError)
			return true
		}
		if !sleepCtx(ctx, delay) {
			return false
		}
		delay = min(time.Duration(float64(delay)*w.backoff.Multiplier), w.backoff.MaxDelay)
	}
}

// check probes once, records the result and publishes a transition.
func (w *Watcher) check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	err := w.target.Ping(probeCtx)
	cancel()

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	up := err == nil
	if w.ready.Swap(up) == up {
		if !up {
			w.logger.Debug("backend still unreachable", "error", err)
		}
		return up
	}

	if up {
		w.logger.Info("backend up")
		w.bus.Emit(Source, KindBackendUp, "", map[string]any{"backend": w.name})
	} else {
		w.logger.Warn("backend down", "error", err)
		w.bus.Emit(Source, KindBackendDown, "", map[string]any{"backend": w.name, "error": err.Error()})
	}
	return up
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns one watcher per backend.
type Manager struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates a manager. bus may be nil.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{bus: bus, logger: logger, watchers: make(map[string]*Watcher)}
}

// Watch starts probing target under name until ctx ends or Stop is
// called. Zero Backoff fields take their defaults.
func (m *Manager) Watch(ctx context.Context, name string, target Pinger, b Backoff) *Watcher {
	if name == "" || target == nil {
		panic("connwatch: Watch needs a name and a target")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:    name,
		target:  target,
		backoff: b.withDefaults(),
		bus:     m.bus,
		logger:  m.logger.With("backend", name),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if old, ok := m.watchers[name]; ok {
		old.cancel()
	}
	m.watchers[name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Status returns every backend's health keyed by name.
func (m *Manager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Healthy reports whether every watched backend is ready. A manager with
// no watchers is healthy.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.Ready() {
			return false
		}
	}
	return true
}

// Stop shuts down every watcher and waits for them.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()

	for _, w := range ws {
		w.Stop()
	}
}
