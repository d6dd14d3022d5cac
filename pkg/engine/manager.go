package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/svarahq/svara/pkg/errorsx"
	"github.com/svarahq/svara/pkg/metrics"
	"github.com/svarahq/svara/pkg/resilience"
)

// ErrBusy is returned when Initialize is called while a destroy is in
// progress. The caller must wait and retry.
var ErrBusy = errors.New("engine destroy in progress")

// ErrClosed is returned once Cleanup has released the manager.
var ErrClosed = errors.New("engine manager closed")

// Options configures a Manager. All knobs are optional.
type Options struct {
	AutoRecover         bool
	MaxRetries          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
	SettleDelay         time.Duration

	// Constructor builds the external engine during Initialize. When nil
	// the manager only governs when construction is safe and waits for
	// RegisterEngine from the consumer layer.
	Constructor func(ctx context.Context) (Handle, error)

	// FallbackTeardown is the library-level teardown used when the handle
	// does not implement Destroyer.
	FallbackTeardown func(ctx context.Context) error

	Logger   *slog.Logger
	Observer metrics.Observer
}

// DefaultOptions mirrors the documented configuration defaults.
func DefaultOptions() Options {
	return Options{
		AutoRecover:         true,
		MaxRetries:          3,
		RetryDelay:          time.Second,
		HealthCheckInterval: 30 * time.Second,
		SettleDelay:         100 * time.Millisecond,
	}
}

type initFlight struct {
	done   chan struct{}
	result InitResult
	err    error
}

// Manager guarantees at most one live engine handle per instance, drives
// the lifecycle state machine and recovers automatically from transient
// failures. Construct one per process and share it; there is no hidden
// global.
type Manager struct {
	mu     sync.Mutex
	state  State
	handle Handle
	health HealthMetrics
	flight *initFlight

	opts    Options
	backoff resilience.ExponentialBackoff
	bus     *bus
	log     *slog.Logger
	obs     metrics.Observer

	retryTimer  *time.Timer
	stopHealth  chan struct{}
	cleanupOnce sync.Once
	closed      bool
}

func NewManager(opts Options) *Manager {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = 30 * time.Second
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	m := &Manager{
		state:      StateUninitialized,
		opts:       opts,
		backoff:    resilience.NewExponentialBackoff(opts.RetryDelay, 0),
		bus:        newBus(),
		log:        opts.Logger.With("component", "engine_manager"),
		obs:        opts.Observer,
		stopHealth: make(chan struct{}),
	}
	go m.healthLoop()
	return m
}

// Initialize drives the engine toward ready. Concurrent callers collapse
// onto one in-flight attempt and all observe the same outcome. Calls made
// while a destroy is in progress fail with ErrBusy. A ready and healthy
// engine short-circuits to InitAlreadyReady.
func (m *Manager) Initialize(ctx context.Context) (InitResult, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return InitPerformed, ErrClosed
	}
	if m.state == StateDestroying {
		m.mu.Unlock()
		return InitPerformed, errorsx.Wrap(ErrBusy, errorsx.ReasonEngineBusy)
	}
	if m.state == StateReady && m.health.IsHealthy {
		m.mu.Unlock()
		return InitAlreadyReady, nil
	}
	if f := m.flight; f != nil {
		m.mu.Unlock()
		select {
		case <-f.done:
			return f.result, f.err
		case <-ctx.Done():
			return InitPerformed, ctx.Err()
		}
	}
	f := &initFlight{done: make(chan struct{})}
	m.flight = f
	stale := m.handle
	m.health.InitializationAttempts++
	attempts := m.health.InitializationAttempts
	evs := m.transitionLocked(StateInitializing)
	m.mu.Unlock()

	m.emitAll(evs)
	m.record(metrics.EventInitAttempt, float64(attempts), nil)
	m.log.Info("engine_initialize", "attempt", attempts)

	res, err := m.runInitialize(ctx, stale)

	m.mu.Lock()
	f.result, f.err = res, err
	m.flight = nil
	m.mu.Unlock()
	close(f.done)
	return res, err
}

func (m *Manager) runInitialize(ctx context.Context, stale Handle) (InitResult, error) {
	m.teardownHandle(ctx, stale)
	m.mu.Lock()
	m.handle = nil
	m.mu.Unlock()

	// Let the underlying engine release hardware resources before a new
	// one grabs the microphone.
	if err := sleepCtx(ctx, m.opts.SettleDelay); err != nil {
		return InitPerformed, m.failInitialize(err)
	}

	if m.opts.Constructor == nil {
		// Construction is externally driven; RegisterEngine completes the
		// handshake.
		return InitPerformed, nil
	}

	h, err := m.opts.Constructor(ctx)
	if err != nil {
		return InitPerformed, m.failInitialize(errorsx.Wrap(err, errorsx.ReasonEngineConstruct))
	}
	if h == nil || !h.Initialized() {
		err := errorsx.Wrap(errors.New("constructed engine reports uninitialized"), errorsx.ReasonEngineConstruct)
		return InitPerformed, m.failInitialize(err)
	}

	now := time.Now()
	m.mu.Lock()
	m.handle = h
	m.health.ConsecutiveFailures = 0
	m.health.LastSuccessfulInit = now
	evs := m.setHealthLocked(true)
	evs = append(evs, m.transitionLocked(StateReady)...)
	m.mu.Unlock()
	m.emitAll(evs)
	m.log.Info("engine_ready")
	return InitPerformed, nil
}

// failInitialize records a construction failure and schedules an
// auto-recovery attempt while the retry budget lasts.
func (m *Manager) failInitialize(cause error) error {
	now := time.Now()
	m.mu.Lock()
	m.health.ConsecutiveFailures++
	m.health.LastErrorTimestamp = now
	failures := m.health.ConsecutiveFailures
	evs := m.setHealthLocked(false)
	evs = append(evs, m.transitionLocked(StateError)...)
	snap := m.health
	retry := m.opts.AutoRecover && failures <= m.opts.MaxRetries && !m.closed
	var delay time.Duration
	if retry {
		delay = m.backoff.Delay(failures)
		if m.retryTimer != nil {
			m.retryTimer.Stop()
		}
		m.retryTimer = time.AfterFunc(delay, func() {
			// Background recovery; failures land in HealthMetrics and
			// events, never in an unrelated call stack.
			_, _ = m.Initialize(context.Background())
		})
	}
	m.mu.Unlock()

	evs = append(evs, Event{
		Kind:    EventError,
		Time:    now,
		Err:     cause,
		Context: "initialize",
		Metrics: snap,
	})
	m.emitAll(evs)
	if retry {
		m.record(metrics.EventRecovery, float64(failures), map[string]string{"delay": delay.String()})
		m.log.Warn("engine_recovery_scheduled", "failures", failures, "delay", delay)
	} else {
		m.log.Error("engine_initialize_failed", "failures", failures, "err", cause)
	}
	return cause
}

// RegisterEngine attaches an externally constructed handle. An initialized
// handle makes the manager ready and healthy; anything else reverts to
// uninitialized and unhealthy. Valid at any time, not only mid-Initialize.
func (m *Manager) RegisterEngine(h Handle) {
	now := time.Now()
	ok := h != nil && h.Initialized()
	m.mu.Lock()
	m.handle = h
	var to State
	if ok {
		to = StateReady
		m.health.ConsecutiveFailures = 0
		m.health.LastSuccessfulInit = now
	} else {
		to = StateUninitialized
	}
	evs := m.setHealthLocked(ok)
	evs = append(evs, m.transitionLocked(to)...)
	m.mu.Unlock()
	m.emitAll(evs)
	m.log.Info("engine_registered", "initialized", ok)
}

// Destroy tears the engine down best-effort. Teardown errors are swallowed;
// only context cancellation keeps the manager from reaching destroyed. A
// destroy requested mid-Initialize queues behind the in-flight attempt.
func (m *Manager) Destroy(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.state == StateDestroying || m.state == StateDestroyed {
			m.mu.Unlock()
			return nil
		}
		f := m.flight
		if f == nil {
			break
		}
		m.mu.Unlock()
		select {
		case <-f.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	h := m.handle
	evs := m.transitionLocked(StateDestroying)
	m.mu.Unlock()
	m.emitAll(evs)

	m.teardownHandle(ctx, h)
	if err := ctx.Err(); err != nil {
		m.mu.Lock()
		evs := m.transitionLocked(StateError)
		m.mu.Unlock()
		m.emitAll(evs)
		return err
	}

	m.mu.Lock()
	m.handle = nil
	evs = m.setHealthLocked(false)
	evs = append(evs, m.transitionLocked(StateDestroyed)...)
	m.mu.Unlock()
	m.emitAll(evs)
	m.log.Info("engine_destroyed")
	return nil
}

// Reset is destroy, a zeroed HealthMetrics, then a fresh Initialize. Used
// for recovery after the retry budget is exhausted.
func (m *Manager) Reset(ctx context.Context) error {
	if err := m.Destroy(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.health = HealthMetrics{}
	m.mu.Unlock()
	_, err := m.Initialize(ctx)
	return err
}

// Engine returns the registered handle regardless of formal state. The
// leniency covers the window where a handle is registered before the state
// machine catches up.
func (m *Manager) Engine() (Handle, error) {
	m.mu.Lock()
	h := m.handle
	st := m.state
	m.mu.Unlock()
	if h == nil {
		return nil, errorsx.Wrap(NotRegisteredError{State: st}, errorsx.ReasonEngineNotRegistered)
	}
	return h, nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Health() HealthMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// Ready requires both the ready state and a passing health check.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateReady && m.health.IsHealthy
}

// Subscribe registers a lifecycle listener and returns its unsubscribe
// function. Delivery order across listeners is unspecified.
func (m *Manager) Subscribe(l Listener) func() {
	return m.bus.subscribe(l)
}

// Cleanup is the process-shutdown hook: stops the health loop and any
// pending retry, destroys the engine, drops all listeners and closes the
// manager for good.
func (m *Manager) Cleanup(ctx context.Context) error {
	var err error
	m.cleanupOnce.Do(func() {
		close(m.stopHealth)
		m.mu.Lock()
		m.closed = true
		if m.retryTimer != nil {
			m.retryTimer.Stop()
			m.retryTimer = nil
		}
		m.mu.Unlock()
		err = m.Destroy(ctx)
		m.bus.clear()
	})
	return err
}

func (m *Manager) healthLoop() {
	t := time.NewTicker(m.opts.HealthCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stopHealth:
			return
		case <-t.C:
			m.checkHealth()
		}
	}
}

// checkHealth re-evaluates a ready engine. Only health flips emit events;
// an unchanged verdict is silent. A healthy to unhealthy flip triggers
// recovery when enabled.
func (m *Manager) checkHealth() {
	m.mu.Lock()
	if m.state != StateReady {
		m.mu.Unlock()
		return
	}
	healthy := m.handle != nil && m.handle.Initialized()
	if healthy == m.health.IsHealthy {
		m.mu.Unlock()
		return
	}
	evs := m.setHealthLocked(healthy)
	m.mu.Unlock()
	m.emitAll(evs)
	m.record(metrics.EventEngineHealth, boolValue(healthy), nil)
	if !healthy {
		m.log.Warn("engine_health_flip", "healthy", false)
		if m.opts.AutoRecover {
			go func() {
				_, _ = m.Initialize(context.Background())
			}()
		}
	} else {
		m.log.Info("engine_health_flip", "healthy", true)
	}
}

// transitionLocked moves the state machine and returns the events to emit
// once the lock is released. No event when the state is unchanged.
func (m *Manager) transitionLocked(to State) []Event {
	if m.state == to {
		return nil
	}
	from := m.state
	m.state = to
	ev := Event{
		Kind:     EventStateChange,
		Time:     time.Now(),
		OldState: from,
		NewState: to,
		Metrics:  m.health,
	}
	m.record(metrics.EventEngineState, 0, map[string]string{"from": string(from), "to": string(to)})
	return []Event{ev}
}

func (m *Manager) setHealthLocked(healthy bool) []Event {
	if m.health.IsHealthy == healthy {
		return nil
	}
	m.health.IsHealthy = healthy
	return []Event{{
		Kind:    EventHealthUpdate,
		Time:    time.Now(),
		Healthy: healthy,
		Metrics: m.health,
	}}
}

func (m *Manager) emitAll(evs []Event) {
	for _, ev := range evs {
		m.bus.emit(ev)
	}
}

// teardownHandle stops an active recording and destroys the handle,
// preferring its own Destroy over the library-level fallback. All errors
// are swallowed; nothing-to-destroy counts as success.
func (m *Manager) teardownHandle(ctx context.Context, h Handle) {
	if h == nil {
		return
	}
	if rec, ok := h.(Recorder); ok && rec.Recording() {
		if err := rec.StopRecording(ctx); err != nil {
			m.log.Debug("engine_stop_recording_error", "err", err)
		}
	}
	if d, ok := h.(Destroyer); ok {
		if err := d.Destroy(ctx); err != nil {
			m.log.Debug("engine_teardown_error", "err", err)
			m.bus.emit(Event{
				Kind:    EventError,
				Time:    time.Now(),
				Err:     errorsx.Wrap(err, errorsx.ReasonEngineTeardown),
				Context: "teardown",
			})
		}
		return
	}
	if m.opts.FallbackTeardown != nil {
		if err := m.opts.FallbackTeardown(ctx); err != nil {
			m.log.Debug("engine_teardown_error", "err", err)
		}
	}
}

func (m *Manager) record(name string, value float64, tags map[string]string) {
	m.obs.RecordEvent(metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: value,
		Tags:  tags,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
